package docstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock returns a clock that starts at base and advances by step on
// every call.
func stepClock(base time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	next := base
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(step)
		return t
	}
}

// fixedClock returns a func() time.Time that always returns t.
func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func newCollection(t *testing.T, opts ...Option) *Collection {
	t.Helper()
	client, err := Open(filepath.Join(t.TempDir(), "cluster"), opts...)
	require.NoError(t, err)
	db, err := client.Database("node0")
	require.NoError(t, err)
	coll, err := db.Collection("gpu-19794")
	require.NoError(t, err)
	return coll
}

func gpuDoc(vramUsed float64) *Document {
	return NewDocument().
		Set("vendor", String("AMD")).
		Set("model", String("MI300X")).
		Set("vram_total", Int(192)).
		Set("vram_used", Number(vramUsed))
}

func TestOpen_Idempotent(t *testing.T) {
	root := filepath.Join(t.TempDir(), "cluster")
	c1, err := Open(root)
	require.NoError(t, err)
	db1, err := c1.Database("node0")
	require.NoError(t, err)
	_, err = db1.Collection("gpu0")
	require.NoError(t, err)

	c2, err := Open(root)
	require.NoError(t, err)
	db2, err := c2.Database("node0")
	require.NoError(t, err)
	_, err = db2.Collection("gpu0")
	require.NoError(t, err)

	dbs, err := c2.ListDatabases()
	require.NoError(t, err)
	assert.Equal(t, []string{"node0"}, dbs)

	colls, err := db2.ListCollections()
	require.NoError(t, err)
	assert.Equal(t, []string{"gpu0"}, colls)
}

func TestInsert_AssignsIDAndTimestamp(t *testing.T) {
	base := time.Date(2025, 3, 14, 16, 15, 30, 0, time.UTC)
	coll := newCollection(t, WithClock(fixedClock(base)))

	doc := gpuDoc(98.384)
	id, err := coll.Insert(doc)
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	got, err := coll.FindOne(Where(FieldID, String("1")))
	require.NoError(t, err)
	require.NotNil(t, got)

	ts, ok := got.Get(FieldTimestamp)
	require.True(t, ok)
	assert.Equal(t, `"2025-03-14 16:15:30 UTC"`, ts.String())
	assert.Equal(t, []string{"vendor", "model", "vram_total", "vram_used", "_id", "_timestamp"}, got.Keys())
}

func TestInsert_CallerSuppliedIDReplaces(t *testing.T) {
	coll := newCollection(t)

	_, err := coll.Insert(gpuDoc(1).Set(FieldID, String("baseline")))
	require.NoError(t, err)
	_, err = coll.Insert(gpuDoc(2).Set(FieldID, String("baseline")))
	require.NoError(t, err)

	all, err := coll.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	v, _ := all[0].Get("vram_used")
	assert.True(t, v.Equal(Int(2)))
}

func TestInsert_UniqueIDsAfterDelete(t *testing.T) {
	coll := newCollection(t)
	for i := 0; i < 3; i++ {
		_, err := coll.Insert(gpuDoc(float64(i)))
		require.NoError(t, err)
	}

	// Removing "1" leaves 2 files; the next counter value (3) is taken and
	// must be skipped.
	n, err := coll.Delete(Where(FieldID, String("1")))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	id, err := coll.Insert(gpuDoc(9))
	require.NoError(t, err)
	assert.Equal(t, "4", id)

	ids, err := coll.ListIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"2", "3", "4"}, ids)
}

func TestInsert_ConcurrentWritersGetUniqueIDs(t *testing.T) {
	coll := newCollection(t)

	const writers = 32
	ids := make([]string, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id, err := coll.Insert(gpuDoc(float64(n)))
			assert.NoError(t, err)
			ids[n] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, writers)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	count, err := coll.Count()
	require.NoError(t, err)
	assert.Equal(t, writers, count)
}

func TestRoundTrip_AllReturnsEveryDocument(t *testing.T) {
	coll := newCollection(t)

	const n = 12
	for i := 0; i < n; i++ {
		doc := gpuDoc(float64(i)).
			Set("HBM BW", Map(NewDocument().
				Set("mean", Number(3797.8)).
				Set("stdev", Number(10.0)).
				Set("experiments", Int(100)))).
			Set("tags", Strings([]string{"a", "b"}))
		_, err := coll.Insert(doc)
		require.NoError(t, err)
	}

	all, err := coll.All()
	require.NoError(t, err)
	require.Len(t, all, n)
	for _, doc := range all {
		for _, field := range []string{"vendor", "model", "vram_total", "vram_used", "HBM BW", "tags", FieldID, FieldTimestamp} {
			_, ok := doc.Get(field)
			assert.True(t, ok, "field %q missing", field)
		}
		hbm, _ := doc.Get("HBM BW")
		m, ok := hbm.AsMap()
		require.True(t, ok)
		mean, _ := m.Get("mean")
		f, _ := mean.AsFloat()
		assert.InDelta(t, 3797.8, f, 1e-9)
	}
}

func TestFindAll_ConjunctiveEquality(t *testing.T) {
	coll := newCollection(t)
	_, err := coll.Insert(NewDocument().Set("kind", String("metric_record")).Set("gpu", Int(0)))
	require.NoError(t, err)
	_, err = coll.Insert(NewDocument().Set("kind", String("metric_record")).Set("gpu", Int(1)))
	require.NoError(t, err)
	_, err = coll.Insert(NewDocument().Set("kind", String("health_report")).Set("gpu", Int(0)))
	require.NoError(t, err)

	cases := []struct {
		name string
		q    Query
		want int
	}{
		{"empty query matches all", nil, 3},
		{"single clause", Where("kind", String("metric_record")), 2},
		{"two clauses", Where("kind", String("metric_record")).And("gpu", Int(0)), 1},
		{"no match", Where("kind", String("nope")), 0},
		{"null matches absent field", Where("missing", Null()), 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := coll.FindAll(tc.q)
			require.NoError(t, err)
			assert.Len(t, got, tc.want)
		})
	}
}

func TestFindMostRecent(t *testing.T) {
	base := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	coll := newCollection(t, WithClock(stepClock(base, time.Minute)))

	for i := 0; i < 4; i++ {
		_, err := coll.Insert(NewDocument().Set("model", String("MI300X")).Set("seq", Int(int64(i))))
		require.NoError(t, err)
	}
	_, err := coll.Insert(NewDocument().Set("model", String("MI250")).Set("seq", Int(99)))
	require.NoError(t, err)

	got, err := coll.FindMostRecent(Where("model", String("MI300X")))
	require.NoError(t, err)
	require.NotNil(t, got)
	seq, _ := got.Get("seq")
	assert.True(t, seq.Equal(Int(3)))

	none, err := coll.FindMostRecent(Where("model", String("H100")))
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestFindMostRecentSet_ReturnsAllTiedDocuments(t *testing.T) {
	early := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	now := early
	coll := newCollection(t, WithClock(func() time.Time { return now }))

	for i := 0; i < 2; i++ {
		_, err := coll.Insert(NewDocument().Set("batch", String("early")))
		require.NoError(t, err)
	}
	now = late
	for i := 0; i < 3; i++ {
		_, err := coll.Insert(NewDocument().Set("batch", String("late")))
		require.NoError(t, err)
	}

	set, err := coll.FindMostRecentSet(nil)
	require.NoError(t, err)
	require.Len(t, set, 3)
	for _, doc := range set {
		b, _ := doc.Get("batch")
		assert.True(t, b.Equal(String("late")))
	}

	early2, err := coll.FindMostRecentSet(Where("batch", String("early")))
	require.NoError(t, err)
	assert.Len(t, early2, 2)
}

func TestTimestamp_NeverGoesBackwards(t *testing.T) {
	base := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	now := base
	coll := newCollection(t, WithClock(func() time.Time { return now }))

	_, err := coll.Insert(NewDocument().Set("n", Int(1)))
	require.NoError(t, err)
	now = base.Add(-time.Hour) // wall clock stepped back
	doc := NewDocument().Set("n", Int(2))
	_, err = coll.Insert(doc)
	require.NoError(t, err)

	ts, ok := doc.Timestamp()
	require.True(t, ok)
	assert.True(t, base.Equal(ts), "timestamp %v, want %v", ts, base)
}

func TestDelete_FirstMatchOnly(t *testing.T) {
	coll := newCollection(t)
	for i := 0; i < 3; i++ {
		_, err := coll.Insert(NewDocument().Set("model", String("MI300X")))
		require.NoError(t, err)
	}

	n, err := coll.Delete(Where("model", String("MI300X")))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := coll.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, left)

	n, err = coll.Delete(Where("model", String("H100")))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestScan_SkipsCorruptDocuments(t *testing.T) {
	var skipped []string
	coll := newCollection(t, WithSkipHook(func(path string, err error) {
		skipped = append(skipped, filepath.Base(path))
	}))

	_, err := coll.Insert(NewDocument().Set("ok", Bool(true)))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(coll.Path(), "2.json"), []byte(`{"ok": tr`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(coll.Path(), "3.json"), []byte(`{"ok": true, "_timestamp": "yesterday"}`), 0o644))

	all, err := coll.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, []string{"2.json"}, skipped)

	skipped = nil
	recent, err := coll.FindMostRecentSet(nil)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
	assert.ElementsMatch(t, []string{"2.json", "3.json"}, skipped)
}

func TestScan_IgnoresTemporaryFiles(t *testing.T) {
	coll := newCollection(t)
	require.NoError(t, os.WriteFile(filepath.Join(coll.Path(), ".tmp-123"), []byte(`{"half":`), 0o644))

	ids, err := coll.ListIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSanitize(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"node0", "node0", false},
		{"rack/4", "rack_4", false},
		{"", "", true},
		{"..", "", true},
		{".hidden", "", true},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%q", tc.in), func(t *testing.T) {
			got, err := sanitize(tc.in)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
