package stats

import "errors"

var (
	// ErrMissingMetric is returned when a watched metric is absent from the
	// observation being assessed. It is an input error, not a health verdict.
	ErrMissingMetric = errors.New("stats: watched metric missing from current record")

	// ErrNoObservation is returned by Assess when the collection holds no
	// metric record to assess.
	ErrNoObservation = errors.New("stats: no metric record to assess")
)
