package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justin-oleary/fleetwatch/pkg/docstore"
	"github.com/justin-oleary/fleetwatch/pkg/metric"
)

const hbm = "HBM BW"

func record(means map[string]float64) metric.Record {
	r := metric.Record{Metrics: make(map[string]metric.Measurement, len(means))}
	for name, mean := range means {
		r.Metrics[name] = metric.Measurement{Mean: mean, Stdev: 1, Experiments: 100}
	}
	return r
}

// population builds n records (n even) for one metric whose means have
// population mean mu and population stdev sigma exactly.
func population(n int, name string, mu, sigma float64) []metric.Record {
	out := make([]metric.Record, 0, n)
	for i := 0; i < n; i++ {
		mean := mu - sigma
		if i%2 == 1 {
			mean = mu + sigma
		}
		out = append(out, record(map[string]float64{name: mean}))
	}
	return out
}

func TestCompute_EmptyPopulation(t *testing.T) {
	s, err := Compute(nil, record(map[string]float64{hbm: 4000}), []string{hbm})
	require.NoError(t, err)

	assert.Equal(t, 0, s.N)
	assert.Zero(t, s.PopulationMean[hbm])
	assert.Zero(t, s.MeanDifference[hbm])
	assert.Zero(t, s.Stdev[hbm])
	assert.Zero(t, s.ZScore[hbm])

	r := Classify(s, []string{hbm}, DefaultThresholds())
	assert.False(t, r.Outlier)
	assert.False(t, r.Unhealthy)
	assert.Empty(t, r.OutlierMetrics)
	assert.Empty(t, r.UnhealthyMetrics)
}

func TestCompute_PopulationStdevDividesByN(t *testing.T) {
	var history []metric.Record
	for _, m := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		history = append(history, record(map[string]float64{hbm: m}))
	}

	s, err := Compute(history, record(map[string]float64{hbm: 9}), []string{hbm})
	require.NoError(t, err)

	assert.Equal(t, 8, s.N)
	assert.InDelta(t, 5.0, s.PopulationMean[hbm], 1e-9)
	assert.InDelta(t, 2.0, s.Stdev[hbm], 1e-9, "sample stdev would be 2.138")
	assert.InDelta(t, 4.0, s.MeanDifference[hbm], 1e-9)
	assert.InDelta(t, 2.0, s.ZScore[hbm], 1e-9)
}

func TestCompute_ZeroStdevGivesZeroZ(t *testing.T) {
	history := population(4, hbm, 100, 0)
	s, err := Compute(history, record(map[string]float64{hbm: 120}), []string{hbm})
	require.NoError(t, err)
	assert.Zero(t, s.Stdev[hbm])
	assert.Zero(t, s.ZScore[hbm])
	assert.InDelta(t, 20.0, s.MeanDifference[hbm], 1e-9)
}

func TestCompute_MissingCurrentMetric(t *testing.T) {
	_, err := Compute(nil, record(map[string]float64{hbm: 1}), []string{hbm, "L2 BW"})
	assert.ErrorIs(t, err, ErrMissingMetric)
}

func TestCompute_HistoryWithoutMetricIsExcluded(t *testing.T) {
	history := []metric.Record{
		record(map[string]float64{hbm: 10, "L2 BW": 1}),
		record(map[string]float64{"L2 BW": 2}),
		record(map[string]float64{hbm: 20, "L2 BW": 3}),
	}
	s, err := Compute(history, record(map[string]float64{hbm: 15, "L2 BW": 2}), []string{hbm, "L2 BW"})
	require.NoError(t, err)

	assert.Equal(t, 3, s.N)
	assert.Equal(t, 2, s.Population[hbm])
	assert.Equal(t, 3, s.Population["L2 BW"])
	assert.InDelta(t, 15.0, s.PopulationMean[hbm], 1e-9)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	const (
		mu    = 1000.0
		sigma = 10.0
	)

	cases := []struct {
		name          string
		n             int
		current       float64
		wantOutlier   bool
		wantUnhealthy bool
		wantMessage   string
	}{
		{"n=50 within 3 sigma", 50, mu + 2*sigma, false, false, ""},
		{"n=50 at 4 sigma", 50, mu + 4*sigma, true, false, MsgOutlier},
		{"n=50 at 6 sigma", 50, mu + 6*sigma, true, true, MsgUnhealthy},
		{"n=50 at -4 sigma", 50, mu - 4*sigma, true, false, MsgOutlier},
		{"n=50 exactly 3 sigma is not an outlier", 50, mu + 3*sigma, false, false, ""},
		{"n=10 at 10 sigma", 10, mu + 10*sigma, false, false, "Population size (10) is too small to determine outliers."},
		{"n=10 within range", 10, mu, false, false, "Population size (10) is too small to determine outliers."},
		{"n=30 is still too small", 30, mu + 6*sigma, false, false, "Population size (30) is too small to determine outliers."},
		{"n=32 at 6 sigma", 32, mu + 6*sigma, true, true, MsgUnhealthy},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			history := population(tc.n, hbm, mu, sigma)
			s, err := Compute(history, record(map[string]float64{hbm: tc.current}), []string{hbm})
			require.NoError(t, err)

			r := Classify(s, []string{hbm}, DefaultThresholds())
			assert.Equal(t, tc.wantOutlier, r.Outlier)
			assert.Equal(t, tc.wantUnhealthy, r.Unhealthy)
			assert.Equal(t, tc.wantMessage, r.Message)
			assert.Equal(t, tc.n, r.PopulationSize)

			if tc.wantOutlier {
				assert.Equal(t, []string{hbm}, r.OutlierMetrics)
			} else {
				assert.Empty(t, r.OutlierMetrics)
			}
			if tc.wantUnhealthy {
				assert.Equal(t, []string{hbm}, r.UnhealthyMetrics)
			} else {
				assert.Empty(t, r.UnhealthyMetrics)
			}
		})
	}
}

func TestClassify_AggregatesAcrossMetrics(t *testing.T) {
	names := []string{"HBM BW", "L2 BW", "LDS BW"}

	var history []metric.Record
	for i := 0; i < 40; i++ {
		d := -1.0
		if i%2 == 1 {
			d = 1
		}
		history = append(history, record(map[string]float64{
			"HBM BW": 100 + d,
			"L2 BW":  200 + d,
			"LDS BW": 300 + d,
		}))
	}
	current := record(map[string]float64{
		"HBM BW": 106, // 6 sigma
		"L2 BW":  204, // 4 sigma
		"LDS BW": 300,
	})

	s, err := Compute(history, current, names)
	require.NoError(t, err)
	r := Classify(s, names, DefaultThresholds())

	assert.True(t, r.Outlier)
	assert.True(t, r.Unhealthy)
	assert.Equal(t, []string{"HBM BW", "L2 BW"}, r.OutlierMetrics)
	assert.Equal(t, []string{"HBM BW"}, r.UnhealthyMetrics)
	assert.Equal(t, MsgOutlier, r.Message, "message reflects the last flagged metric")
	assert.InDelta(t, 6.0, r.ZScores["HBM BW"], 1e-9)
}

func TestReport_Document(t *testing.T) {
	r := Report{
		RecordID:         "41",
		Outlier:          true,
		OutlierMetrics:   []string{hbm},
		UnhealthyMetrics: []string{},
		Message:          MsgOutlier,
		PopulationSize:   40,
		ZScores:          map[string]float64{hbm: 4},
	}
	doc := r.Document()

	assert.Equal(t, []string{
		"kind", "Outlier", "Outlier Metrics", "Unhealthy", "Unhealthy Metrics",
		"Message", "population_size", "record_id", "z_scores",
	}, doc.Keys())

	v, _ := doc.Get("Outlier Metrics")
	assert.True(t, v.Equal(docstore.Strings([]string{hbm})))
	v, _ = doc.Get("Unhealthy Metrics")
	assert.True(t, v.Equal(docstore.List()))
}

func stepClock(start time.Time, step time.Duration) func() time.Time {
	next := start
	return func() time.Time {
		t := next
		next = next.Add(step)
		return t
	}
}

func newCollection(t *testing.T) *docstore.Collection {
	t.Helper()
	client, err := docstore.Open(t.TempDir(),
		docstore.WithClock(stepClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), time.Minute)))
	require.NoError(t, err)
	db, err := client.Database("node0")
	require.NoError(t, err)
	coll, err := db.Collection("gpu-19794")
	require.NoError(t, err)
	return coll
}

func TestAssess(t *testing.T) {
	coll := newCollection(t)

	for _, rec := range population(40, hbm, 4000, 10) {
		_, err := coll.Insert(rec.Document())
		require.NoError(t, err)
	}
	curID, err := coll.Insert(record(map[string]float64{hbm: 4060}).Document())
	require.NoError(t, err)

	r, err := Assess(coll, "", []string{hbm}, DefaultThresholds())
	require.NoError(t, err)

	assert.Equal(t, curID, r.RecordID)
	assert.Equal(t, 40, r.PopulationSize)
	assert.True(t, r.Unhealthy)
	assert.Equal(t, MsgUnhealthy, r.Message)
	assert.NotEmpty(t, r.ID)

	latest, err := LatestReport(coll)
	require.NoError(t, err)
	require.NotNil(t, latest)
	id, _ := latest.ID()
	assert.Equal(t, r.ID, id)
	v, _ := latest.Get("Unhealthy")
	assert.True(t, v.Equal(docstore.Bool(true)))

	// The stored report is not part of the next population.
	again, err := Assess(coll, curID, []string{hbm}, DefaultThresholds())
	require.NoError(t, err)
	assert.Equal(t, 40, again.PopulationSize)
}

func TestAssess_SelectsRecordByID(t *testing.T) {
	coll := newCollection(t)

	for _, rec := range population(40, hbm, 4000, 10) {
		_, err := coll.Insert(rec.Document())
		require.NoError(t, err)
	}
	// Record 41 is fine, record 42 drifts. Judging 41 ignores 42.
	_, err := coll.Insert(record(map[string]float64{hbm: 4000}).Document())
	require.NoError(t, err)
	_, err = coll.Insert(record(map[string]float64{hbm: 5000}).Document())
	require.NoError(t, err)

	r, err := Assess(coll, "41", []string{hbm}, DefaultThresholds())
	require.NoError(t, err)
	assert.Equal(t, 40, r.PopulationSize)
	assert.False(t, r.Outlier)
}

func TestAssess_NoObservation(t *testing.T) {
	coll := newCollection(t)

	_, err := Assess(coll, "", []string{hbm}, DefaultThresholds())
	assert.ErrorIs(t, err, ErrNoObservation)

	_, err = coll.Insert(record(map[string]float64{hbm: 1}).Document())
	require.NoError(t, err)
	_, err = Assess(coll, "missing", []string{hbm}, DefaultThresholds())
	assert.ErrorIs(t, err, ErrNoObservation)
}

func TestClassify_ZeroSpreadIsReportedSeparately(t *testing.T) {
	const l2 = "L2 BW"
	history := make([]metric.Record, 0, 40)
	for i := 0; i < 40; i++ {
		history = append(history, record(map[string]float64{hbm: 4000, l2: 2000 + float64(i%2)*2}))
	}
	current := record(map[string]float64{hbm: 4000.5, l2: 2001})

	s, err := Compute(history, current, []string{hbm, l2})
	require.NoError(t, err)
	r := Classify(s, []string{hbm, l2}, DefaultThresholds())

	assert.True(t, r.Unhealthy)
	assert.Equal(t, []string{hbm}, r.UnhealthyMetrics)
	assert.Equal(t, []string{hbm}, r.ZeroSpreadMetrics)
	assert.Zero(t, r.ZScores[hbm])
	assert.Equal(t, MsgZeroSpread, r.Message)

	doc := r.Document()
	v, ok := doc.Get("Zero Spread Metrics")
	require.True(t, ok)
	assert.True(t, v.Equal(docstore.Strings([]string{hbm})))
}

func TestClassify_MatchingZeroSpreadIsHealthy(t *testing.T) {
	s, err := Compute(population(40, hbm, 4000, 0), record(map[string]float64{hbm: 4000}), []string{hbm})
	require.NoError(t, err)
	r := Classify(s, []string{hbm}, DefaultThresholds())

	assert.False(t, r.Outlier)
	assert.Empty(t, r.ZeroSpreadMetrics)
	_, ok := r.Document().Get("Zero Spread Metrics")
	assert.False(t, ok)
}
