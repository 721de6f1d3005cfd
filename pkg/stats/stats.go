// Package stats compares a device's latest benchmark observation against
// the population of its own earlier observations and classifies the drift.
package stats

import (
	"fmt"
	"math"

	"github.com/justin-oleary/fleetwatch/pkg/metric"
)

// Stats holds the per-metric population statistics for one observation.
// Population stdev divides by n, not n-1: the history is the whole
// population, not a sample of it.
type Stats struct {
	// N is the number of historical records supplied.
	N int

	// Population is the number of historical records that carried each
	// metric. Records lacking a metric are left out of that metric's
	// population, so Population[name] <= N.
	Population map[string]int

	PopulationMean map[string]float64
	MeanDifference map[string]float64 // current mean - population mean
	Stdev          map[string]float64
	ZScore         map[string]float64
}

// Compute derives population statistics for every metric in names.
//
// An empty population is a degenerate case, not an error: every statistic
// is 0. A zero population stdev yields a z-score of 0.
func Compute(history []metric.Record, current metric.Record, names []string) (Stats, error) {
	s := Stats{
		N:              len(history),
		Population:     make(map[string]int, len(names)),
		PopulationMean: make(map[string]float64, len(names)),
		MeanDifference: make(map[string]float64, len(names)),
		Stdev:          make(map[string]float64, len(names)),
		ZScore:         make(map[string]float64, len(names)),
	}

	for _, name := range names {
		cur, ok := current.Metrics[name]
		if !ok {
			return Stats{}, fmt.Errorf("%w: %q", ErrMissingMetric, name)
		}

		means := make([]float64, 0, len(history))
		for _, rec := range history {
			if m, ok := rec.Metrics[name]; ok {
				means = append(means, m.Mean)
			}
		}

		n := len(means)
		s.Population[name] = n
		if n == 0 {
			s.PopulationMean[name] = 0
			s.MeanDifference[name] = 0
			s.Stdev[name] = 0
			s.ZScore[name] = 0
			continue
		}

		mean, stdev := meanStdev(means)
		diff := cur.Mean - mean

		var z float64
		if stdev != 0 {
			z = diff / stdev
		}

		s.PopulationMean[name] = mean
		s.MeanDifference[name] = diff
		s.Stdev[name] = stdev
		s.ZScore[name] = z
	}
	return s, nil
}

// meanStdev returns the mean and population standard deviation of xs.
func meanStdev(xs []float64) (mean, stdev float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / float64(len(xs))

	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return mean, math.Sqrt(variance)
}
