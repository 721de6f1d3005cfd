// Package metric converts benchmark observations between their typed form
// and the schema-less documents kept in the device collections.
package metric

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/justin-oleary/fleetwatch/pkg/docstore"
)

// Document fields shared by every record kind written to a device collection.
const (
	FieldKind = "kind"

	KindMetricRecord = "metric_record"
	KindHealthReport = "health_report"
)

// Device descriptor fields emitted by the benchmark.
const (
	fieldDevice     = "GPU Device"
	fieldGFXVersion = "gfx_version"
	fieldCUs        = "CUs"
)

// Measurement fields. Anything else numeric inside a measurement lands in Extra.
const (
	fieldMean          = "mean"
	fieldStdev         = "stdev"
	fieldSampleSize    = "sample_size"
	fieldWorkgroupSize = "workgroupSize"
	fieldWorkgroups    = "workgroups"
	fieldExperiments   = "experiments"
)

var (
	// ErrInvalidRecord is returned when a benchmark payload is malformed.
	ErrInvalidRecord = errors.New("metric: invalid record")

	// ErrNotMetricRecord is returned by FromDocument for documents of
	// another kind (e.g. health reports).
	ErrNotMetricRecord = errors.New("metric: document is not a metric record")
)

// DefaultWatchList is the set of benchmark metrics compared against each
// device's history.
var DefaultWatchList = []string{
	"HBM BW",
	"MALL BW",
	"L2 BW",
	"L1 BW",
	"LDS BW",
	"Peak FLOPs (FP8)",
	"Peak FLOPs (FP16)",
	"Peak FLOPs (BF16)",
	"Peak FLOPs (FP32)",
	"Peak FLOPs (FP64)",
	"Peak IOPs (INT8)",
	"Peak IOPs (INT32)",
	"Peak IOPs (INT64)",
	"Peak MFMA FLOPs (F8)",
	"Peak MFMA FLOPs (F16)",
	"Peak MFMA FLOPs (BF16)",
	"Peak MFMA FLOPs (F32)",
	"Peak MFMA FLOPs (F64)",
	"Peak MFMA IOPs (I8)",
}

// Measurement is one benchmark result: the mean and stdev over Experiments
// runs plus the launch parameters.
type Measurement struct {
	Mean          float64
	Stdev         float64
	SampleSize    int
	WorkgroupSize int
	Workgroups    int
	Experiments   int
	Extra         map[string]float64 // traffic, duration, FLOP, IOP...
}

// Record is a single benchmark run for one device.
type Record struct {
	ID           string
	Timestamp    time.Time
	DeviceIndex  int
	GFXVersion   string
	ComputeUnits int
	Metrics      map[string]Measurement
}

// Document renders r for insertion. _id and _timestamp are left to the
// store unless r.ID is set.
func (r Record) Document() *docstore.Document {
	doc := docstore.NewDocument().
		Set(FieldKind, docstore.String(KindMetricRecord)).
		Set(fieldDevice, docstore.Int(int64(r.DeviceIndex)))
	if r.GFXVersion != "" {
		doc.Set(fieldGFXVersion, docstore.String(r.GFXVersion))
	}
	if r.ComputeUnits > 0 {
		doc.Set(fieldCUs, docstore.Int(int64(r.ComputeUnits)))
	}
	for _, name := range orderedNames(r.Metrics) {
		doc.Set(name, docstore.Map(r.Metrics[name].document()))
	}
	if r.ID != "" {
		doc.Set(docstore.FieldID, docstore.String(r.ID))
	}
	return doc
}

func (m Measurement) document() *docstore.Document {
	doc := docstore.NewDocument()
	if m.WorkgroupSize > 0 {
		doc.Set(fieldWorkgroupSize, docstore.Int(int64(m.WorkgroupSize)))
	}
	if m.Workgroups > 0 {
		doc.Set(fieldWorkgroups, docstore.Int(int64(m.Workgroups)))
	}
	if m.Experiments > 0 {
		doc.Set(fieldExperiments, docstore.Int(int64(m.Experiments)))
	}
	if m.SampleSize > 0 {
		doc.Set(fieldSampleSize, docstore.Int(int64(m.SampleSize)))
	}
	extras := make([]string, 0, len(m.Extra))
	for k := range m.Extra {
		extras = append(extras, k)
	}
	sort.Strings(extras)
	for _, k := range extras {
		doc.Set(k, docstore.Number(m.Extra[k]))
	}
	doc.Set(fieldMean, docstore.Number(m.Mean))
	doc.Set(fieldStdev, docstore.Number(m.Stdev))
	return doc
}

// FromDocument parses a stored metric record. Documents without a kind
// field are accepted when they carry at least one measurement, which covers
// records written by the original benchmark script.
func FromDocument(doc *docstore.Document) (Record, error) {
	if kind, ok := doc.Get(FieldKind); ok && !kind.Equal(docstore.String(KindMetricRecord)) {
		return Record{}, ErrNotMetricRecord
	}

	r := Record{Metrics: make(map[string]Measurement)}
	r.ID, _ = doc.ID()
	r.Timestamp, _ = doc.Timestamp()

	for _, key := range doc.Keys() {
		v, _ := doc.Get(key)
		switch key {
		case FieldKind, docstore.FieldID, docstore.FieldTimestamp:
			continue
		case fieldDevice:
			n, ok := v.AsInt()
			if !ok {
				return Record{}, fmt.Errorf("%w: %q must be an integer", ErrInvalidRecord, key)
			}
			r.DeviceIndex = int(n)
		case fieldGFXVersion:
			r.GFXVersion, _ = v.AsString()
		case fieldCUs:
			n, _ := v.AsInt()
			r.ComputeUnits = int(n)
		default:
			inner, ok := v.AsMap()
			if !ok {
				continue
			}
			m, err := parseMeasurement(inner)
			if err != nil {
				return Record{}, fmt.Errorf("%w: metric %q: %v", ErrInvalidRecord, key, err)
			}
			r.Metrics[key] = m
		}
	}
	if len(r.Metrics) == 0 {
		return Record{}, fmt.Errorf("%w: no measurements", ErrInvalidRecord)
	}
	return r, nil
}

func parseMeasurement(doc *docstore.Document) (Measurement, error) {
	var m Measurement
	meanV, ok := doc.Get(fieldMean)
	if !ok {
		return m, errors.New("missing mean")
	}
	if m.Mean, ok = meanV.AsFloat(); !ok {
		return m, errors.New("mean is not a number")
	}
	if v, ok := doc.Get(fieldStdev); ok {
		if m.Stdev, ok = v.AsFloat(); !ok {
			return m, errors.New("stdev is not a number")
		}
	}
	for _, key := range doc.Keys() {
		v, _ := doc.Get(key)
		f, ok := v.AsFloat()
		if !ok {
			continue
		}
		switch key {
		case fieldMean, fieldStdev:
		case fieldSampleSize:
			m.SampleSize = int(f)
		case fieldWorkgroupSize:
			m.WorkgroupSize = int(f)
		case fieldWorkgroups:
			m.Workgroups = int(f)
		case fieldExperiments:
			m.Experiments = int(f)
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]float64)
			}
			m.Extra[key] = f
		}
	}
	if m.SampleSize == 0 {
		m.SampleSize = m.Experiments
	}
	return m, nil
}

// DecodeBatch reads the benchmark collaborator's per-node payload: a JSON
// array with one object per device, each carrying "GPU Device" and its
// measurements.
func DecodeBatch(r io.Reader) ([]Record, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode batch: %v", ErrInvalidRecord, err)
	}
	out := make([]Record, 0, len(raw))
	seen := make(map[int]bool, len(raw))
	for i, item := range raw {
		doc := docstore.NewDocument()
		if err := doc.UnmarshalJSON(item); err != nil {
			return nil, fmt.Errorf("%w: batch[%d]: %v", ErrInvalidRecord, i, err)
		}
		if _, ok := doc.Get(fieldDevice); !ok {
			return nil, fmt.Errorf("%w: batch[%d]: missing %q", ErrInvalidRecord, i, fieldDevice)
		}
		rec, err := FromDocument(doc)
		if err != nil {
			return nil, fmt.Errorf("batch[%d]: %w", i, err)
		}
		if seen[rec.DeviceIndex] {
			return nil, fmt.Errorf("%w: batch[%d]: duplicate device %d", ErrInvalidRecord, i, rec.DeviceIndex)
		}
		seen[rec.DeviceIndex] = true
		out = append(out, rec)
	}
	return out, nil
}

// orderedNames lists metric names in watch-list order, then any others
// alphabetically.
func orderedNames(metrics map[string]Measurement) []string {
	out := make([]string, 0, len(metrics))
	for _, name := range DefaultWatchList {
		if _, ok := metrics[name]; ok {
			out = append(out, name)
		}
	}
	var rest []string
	for name := range metrics {
		if !watched(name) {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

func watched(name string) bool {
	for _, w := range DefaultWatchList {
		if w == name {
			return true
		}
	}
	return false
}
