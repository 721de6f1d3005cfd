package status

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justin-oleary/fleetwatch/pkg/metrics"
)

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{
		WithRetry(3, time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))),
	}, opts...)
	return NewStore(t.TempDir(), opts...)
}

func TestParse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Status
		wantErr bool
	}{
		{"0", Healthy, false},
		{"1", Checking, false},
		{"2\n", Unhealthy, false},
		{" 0 ", Healthy, false},
		{"", Unhealthy, true},
		{"3", Unhealthy, true},
		{"-1", Unhealthy, true},
		{"healthy", Unhealthy, true},
	}
	for _, tc := range cases {
		got, err := Parse([]byte(tc.in))
		assert.Equal(t, tc.want, got, "input %q", tc.in)
		assert.Equal(t, tc.wantErr, err != nil, "input %q", tc.in)
	}
}

func TestStore_WriteRead(t *testing.T) {
	s := newStore(t)
	dev := DeviceID{Node: "node3", Index: 5}

	for _, st := range []Status{Healthy, Checking, Unhealthy, Healthy} {
		require.NoError(t, s.Write(dev, st))
		assert.Equal(t, st, s.Read(context.Background(), dev))
	}

	data, err := os.ReadFile(filepath.Join(s.Root(), "node3", "gpu5", "current_status"))
	require.NoError(t, err)
	assert.Equal(t, "0", string(data))

	entries, err := os.ReadDir(filepath.Join(s.Root(), "node3", "gpu5"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestStore_WriteRejectsInvalid(t *testing.T) {
	s := newStore(t)
	assert.Error(t, s.Write(DeviceID{Node: "node0"}, Status(7)))
}

func TestStore_MissingReadsUnhealthy(t *testing.T) {
	s := newStore(t)
	r := s.Inspect(context.Background(), DeviceID{Node: "node0", Index: 0})
	assert.Equal(t, Unhealthy, r.Status)
	assert.True(t, r.Missing)
}

func TestStore_MalformedReadsUnhealthyAfterRetries(t *testing.T) {
	s := newStore(t)
	dev := DeviceID{Node: "node0", Index: 1}
	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path(dev)), 0o755))
	require.NoError(t, os.WriteFile(s.Path(dev), []byte("9"), 0o644))

	var calls int
	read := s.readFile
	s.readFile = func(path string) ([]byte, time.Time, error) {
		calls++
		return read(path)
	}

	r := s.Inspect(context.Background(), dev)
	assert.Equal(t, Unhealthy, r.Status)
	assert.True(t, r.Malformed)
	assert.Equal(t, 3, calls)
}

func TestStore_RetryRecoversFromTornRead(t *testing.T) {
	s := newStore(t)
	dev := DeviceID{Node: "node0", Index: 2}

	reads := [][]byte{[]byte(""), []byte("0")}
	var calls int
	s.readFile = func(string) ([]byte, time.Time, error) {
		data := reads[calls]
		calls++
		return data, time.Now(), nil
	}

	assert.Equal(t, Healthy, s.Read(context.Background(), dev))
	assert.Equal(t, 2, calls)
}

func TestStore_RetryStopsOnCancel(t *testing.T) {
	s := newStore(t, WithRetry(100, time.Hour))
	dev := DeviceID{Node: "node0", Index: 0}
	s.readFile = func(string) ([]byte, time.Time, error) {
		return []byte("x"), time.Now(), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := s.Inspect(ctx, dev)
	assert.Equal(t, Unhealthy, r.Status)
	assert.True(t, r.Malformed)
}

func TestStore_StaleCheckingReadsUnhealthy(t *testing.T) {
	now := time.Now()
	s := newStore(t, WithMaxCheckingAge(time.Minute), WithClock(func() time.Time { return now }))
	dev := DeviceID{Node: "node1", Index: 0}
	require.NoError(t, s.Write(dev, Checking))

	assert.Equal(t, Checking, s.Read(context.Background(), dev))

	now = now.Add(2 * time.Minute)
	r := s.Inspect(context.Background(), dev)
	assert.Equal(t, Unhealthy, r.Status)
	assert.Equal(t, Checking, r.Raw)
	assert.True(t, r.Stale)
}

func TestStore_ReapStale(t *testing.T) {
	now := time.Now()
	s := newStore(t, WithMaxCheckingAge(time.Minute), WithClock(func() time.Time { return now }))
	topo := Sequential(2, 2)
	require.NoError(t, s.Provision(topo))

	stuck := DeviceID{Node: "node1", Index: 1}
	require.NoError(t, s.Write(DeviceID{Node: "node0", Index: 0}, Healthy))
	require.NoError(t, s.Write(stuck, Checking))

	n, err := s.ReapStale(context.Background(), topo)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh check is left alone")

	before := testutil.ToFloat64(metrics.StaleChecksReaped)
	now = now.Add(time.Hour)
	n, err = s.ReapStale(context.Background(), topo)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.StaleChecksReaped))

	r := s.Inspect(context.Background(), stuck)
	assert.Equal(t, Unhealthy, r.Raw)
	assert.Equal(t, Healthy, s.Read(context.Background(), DeviceID{Node: "node0", Index: 0}))
}

func TestStore_ProvisionAndSnapshot(t *testing.T) {
	s := newStore(t)
	topo := Sequential(3, 4)
	require.NoError(t, s.Provision(topo))

	snap := s.Snapshot(context.Background(), topo)
	require.Len(t, snap, 12)
	for _, r := range snap {
		assert.Equal(t, Unhealthy, r.Status)
		assert.False(t, r.Missing)
	}
	assert.Equal(t, DeviceID{Node: "node2", Index: 3}, snap[11].Device)

	nodes, err := s.Nodes()
	require.NoError(t, err)
	assert.Equal(t, []string{"node0", "node1", "node2"}, nodes)

	count, err := s.DeviceCount("node1")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestStore_EnsureProvisioned(t *testing.T) {
	s := newStore(t)
	topo := Sequential(2, 2)
	kept := DeviceID{Node: "node0", Index: 1}
	require.NoError(t, s.Write(kept, Healthy))

	n, err := s.EnsureProvisioned(topo)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, Healthy, s.Read(context.Background(), kept), "existing status is kept")
	assert.Equal(t, Unhealthy, s.Read(context.Background(), DeviceID{Node: "node1", Index: 0}))

	n, err = s.EnsureProvisioned(topo)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_ConcurrentWritersNeverExposePartialValue(t *testing.T) {
	s := newStore(t)
	dev := DeviceID{Node: "node0", Index: 0}
	require.NoError(t, s.Write(dev, Unhealthy))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, s.Write(dev, Status((w+i)%3)))
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		data, err := os.ReadFile(s.Path(dev))
		require.NoError(t, err)
		_, err = Parse(data)
		require.NoError(t, err, "observed %q", data)
	}
}

func TestMachine_Transitions(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name    string
		start   Status
		healthy bool
		want    Status
	}{
		{"healthy passes", Healthy, true, Healthy},
		{"healthy fails", Healthy, false, Unhealthy},
		{"unhealthy recovers", Unhealthy, true, Healthy},
		{"unhealthy stays", Unhealthy, false, Unhealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			m := NewMachine(s, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
			dev := DeviceID{Node: "node0", Index: 0}
			require.NoError(t, s.Write(dev, tc.start))

			prior, err := m.Begin(ctx, dev)
			require.NoError(t, err)
			assert.Equal(t, tc.start, prior)
			assert.Equal(t, Checking, s.Read(ctx, dev), "reads Checking during the check window")

			got, err := m.Complete(ctx, dev, tc.healthy)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.want, s.Read(ctx, dev))
		})
	}
}

func TestMachine_RejectsInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	m := NewMachine(s, nil)
	dev := DeviceID{Node: "node0", Index: 0}
	require.NoError(t, s.Write(dev, Healthy))

	_, err := m.Complete(ctx, dev, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, Healthy, te.From)
	assert.Equal(t, dev, te.Device)

	_, err = m.Begin(ctx, dev)
	require.NoError(t, err)
	_, err = m.Begin(ctx, dev)
	assert.ErrorIs(t, err, ErrInvalidTransition, "second begin while checking")
}

func TestMachine_BeginRestartsStaleCheck(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := newStore(t, WithMaxCheckingAge(time.Minute), WithClock(func() time.Time { return now }))
	m := NewMachine(s, nil)
	dev := DeviceID{Node: "node0", Index: 0}
	require.NoError(t, s.Write(dev, Checking))

	now = now.Add(time.Hour)
	prior, err := m.Begin(ctx, dev)
	require.NoError(t, err)
	assert.Equal(t, Unhealthy, prior)
}

func TestMachine_AbortRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	m := NewMachine(s, nil)
	dev := DeviceID{Node: "node0", Index: 0}
	require.NoError(t, s.Write(dev, Healthy))

	prior, err := m.Begin(ctx, dev)
	require.NoError(t, err)
	require.NoError(t, m.Abort(ctx, dev, prior))
	assert.Equal(t, Healthy, s.Read(ctx, dev))

	// A device that was never provisioned rolls back to Unhealthy.
	fresh := DeviceID{Node: "node0", Index: 1}
	prior, err = m.Begin(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, Unhealthy, prior)
	require.NoError(t, m.Abort(ctx, fresh, prior))
	assert.Equal(t, Unhealthy, s.Read(ctx, fresh))
}
