package stats

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/justin-oleary/fleetwatch/pkg/docstore"
	"github.com/justin-oleary/fleetwatch/pkg/metric"
	"github.com/justin-oleary/fleetwatch/pkg/metrics"
)

// Assess judges one metric record in coll against every earlier metric
// record in the same collection, appends the resulting report to coll and
// returns it.
//
// recordID selects the observation; empty means the most recent one.
// Documents that are not metric records, or fail to parse as one, are not
// part of the population.
func Assess(coll *docstore.Collection, recordID string, names []string, th Thresholds) (Report, error) {
	docs, err := coll.All()
	if err != nil {
		return Report{}, err
	}

	records := make([]metric.Record, 0, len(docs))
	for _, doc := range docs {
		rec, err := metric.FromDocument(doc)
		if err != nil {
			if !errors.Is(err, metric.ErrNotMetricRecord) {
				metrics.SkippedDocuments.Inc()
			}
			continue
		}
		if rec.Timestamp.IsZero() {
			metrics.SkippedDocuments.Inc()
			continue
		}
		records = append(records, rec)
	}

	cur := -1
	for i, rec := range records {
		if recordID != "" {
			if rec.ID == recordID {
				cur = i
				break
			}
			continue
		}
		if cur < 0 || later(rec, records[cur]) {
			cur = i
		}
	}
	if cur < 0 {
		if recordID != "" {
			return Report{}, fmt.Errorf("%w: record %q in %s", ErrNoObservation, recordID, coll.Name())
		}
		return Report{}, fmt.Errorf("%w: %s", ErrNoObservation, coll.Name())
	}
	current := records[cur]

	history := make([]metric.Record, 0, len(records)-1)
	for i, rec := range records {
		if i == cur || rec.Timestamp.After(current.Timestamp) {
			continue
		}
		history = append(history, rec)
	}

	s, err := Compute(history, current, names)
	if err != nil {
		return Report{}, fmt.Errorf("record %q: %w", current.ID, err)
	}
	report := Classify(s, names, th)
	report.RecordID = current.ID

	for _, name := range report.OutlierMetrics {
		metrics.OutlierMetricsTotal.WithLabelValues(name).Inc()
	}
	for _, name := range report.UnhealthyMetrics {
		metrics.UnhealthyMetricsTotal.WithLabelValues(name).Inc()
	}
	if len(report.ZeroSpreadMetrics) > 0 {
		slog.Warn("metric flagged against a population with zero spread",
			"record_id", current.ID,
			"metrics", report.ZeroSpreadMetrics,
			"population_size", s.N,
		)
	}

	id, err := coll.Insert(report.Document())
	if err != nil {
		return Report{}, fmt.Errorf("store report: %w", err)
	}
	report.ID = id
	return report, nil
}

// LatestReport returns the most recent health report in coll, or nil.
func LatestReport(coll *docstore.Collection) (*docstore.Document, error) {
	return coll.FindMostRecent(docstore.Where(metric.FieldKind, docstore.String(metric.KindHealthReport)))
}

// later orders records by timestamp, then by numeric id so that records
// stamped within the same second still resolve to the last inserted.
func later(a, b metric.Record) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	ai, aerr := strconv.Atoi(a.ID)
	bi, berr := strconv.Atoi(b.ID)
	if aerr == nil && berr == nil {
		return ai > bi
	}
	return a.ID > b.ID
}
