package stats

import (
	"fmt"
	"math"
	"sort"

	"github.com/justin-oleary/fleetwatch/pkg/docstore"
	"github.com/justin-oleary/fleetwatch/pkg/metric"
)

// Report messages. The metric lists on Report are authoritative; Message
// only reflects the last condition evaluated.
const (
	MsgOutlier   = "Health metric exceeds 3 sigma threshold. Possible outlier GPU."
	MsgUnhealthy = "Health metric exceeds 5 sigma threshold. Likely unhealthy GPU."

	// MsgZeroSpread replaces MsgUnhealthy when the population of a flagged
	// metric has a stdev of 0, so any deviation at all trips both thresholds.
	MsgZeroSpread = "Health metric deviates from a population with zero spread. Likely unhealthy GPU."

	msgPopulationTooSmall = "Population size (%d) is too small to determine outliers."
)

// Thresholds controls the classifier. At 3σ roughly 0.3% of healthy checks
// trip per metric, so it is only a watch signal; 5σ is the hard signal.
// Populations of MinPopulation or fewer records never raise either flag.
type Thresholds struct {
	OutlierSigma   float64 `yaml:"outlier_sigma"`
	UnhealthySigma float64 `yaml:"unhealthy_sigma"`
	MinPopulation  int     `yaml:"min_population"`
}

// DefaultThresholds returns 3σ / 5σ with a population guard of 30.
func DefaultThresholds() Thresholds {
	return Thresholds{
		OutlierSigma:   3,
		UnhealthySigma: 5,
		MinPopulation:  30,
	}
}

// Report is the health verdict for one observation.
type Report struct {
	ID               string             `json:"id,omitempty"`
	RecordID         string             `json:"record_id,omitempty"`
	Outlier          bool               `json:"outlier"`
	OutlierMetrics   []string           `json:"outlier_metrics"`
	Unhealthy        bool               `json:"unhealthy"`
	UnhealthyMetrics []string           `json:"unhealthy_metrics"`
	Message          string             `json:"message"`
	PopulationSize   int                `json:"population_size"`
	ZScores          map[string]float64 `json:"z_scores,omitempty"`

	// ZeroSpreadMetrics lists flagged metrics whose population stdev is 0.
	// Their z-score reads 0 even though they are flagged.
	ZeroSpreadMetrics []string `json:"zero_spread_metrics,omitempty"`
}

// Classify applies th to s for every metric in names.
//
// delta is |current mean - population mean|. Above OutlierSigma·stdev the
// metric is an outlier; above UnhealthySigma·stdev it is also unhealthy.
// Neither is recorded unless the metric's population exceeds MinPopulation;
// the message then says the population is too small regardless of delta.
// With a stdev of 0 any nonzero delta is flagged as both, and the metric is
// also listed in ZeroSpreadMetrics.
func Classify(s Stats, names []string, th Thresholds) Report {
	r := Report{
		OutlierMetrics:   []string{},
		UnhealthyMetrics: []string{},
		PopulationSize:   s.N,
		ZScores:          make(map[string]float64, len(names)),
	}

	for _, name := range names {
		r.ZScores[name] = s.ZScore[name]

		n := s.Population[name]
		if n <= th.MinPopulation {
			r.Message = fmt.Sprintf(msgPopulationTooSmall, n)
			continue
		}

		delta := math.Abs(s.MeanDifference[name])
		sd := s.Stdev[name]
		if delta <= th.OutlierSigma*sd {
			continue
		}
		r.Outlier = true
		r.OutlierMetrics = append(r.OutlierMetrics, name)
		r.Message = MsgOutlier

		if delta > th.UnhealthySigma*sd {
			r.Unhealthy = true
			r.UnhealthyMetrics = append(r.UnhealthyMetrics, name)
			r.Message = MsgUnhealthy
		}
		if sd == 0 {
			r.ZeroSpreadMetrics = append(r.ZeroSpreadMetrics, name)
			r.Message = MsgZeroSpread
		}
	}
	return r
}

// Document renders the report for insertion next to the record it judges.
func (r Report) Document() *docstore.Document {
	doc := docstore.NewDocument().
		Set(metric.FieldKind, docstore.String(metric.KindHealthReport)).
		Set("Outlier", docstore.Bool(r.Outlier)).
		Set("Outlier Metrics", docstore.Strings(r.OutlierMetrics)).
		Set("Unhealthy", docstore.Bool(r.Unhealthy)).
		Set("Unhealthy Metrics", docstore.Strings(r.UnhealthyMetrics)).
		Set("Message", docstore.String(r.Message)).
		Set("population_size", docstore.Int(int64(r.PopulationSize)))
	if len(r.ZeroSpreadMetrics) > 0 {
		doc.Set("Zero Spread Metrics", docstore.Strings(r.ZeroSpreadMetrics))
	}
	if r.RecordID != "" {
		doc.Set("record_id", docstore.String(r.RecordID))
	}
	if len(r.ZScores) > 0 {
		names := make([]string, 0, len(r.ZScores))
		for name := range r.ZScores {
			names = append(names, name)
		}
		sort.Strings(names)
		z := docstore.NewDocument()
		for _, name := range names {
			z.Set(name, docstore.Number(r.ZScores[name]))
		}
		doc.Set("z_scores", docstore.Map(z))
	}
	return doc
}
