package schedule

import (
	"bytes"
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)) }

func TestValidate(t *testing.T) {
	t.Parallel()

	for _, spec := range []string{"@every 1h", "@hourly", "0 */6 * * *", "*/5 * * * *"} {
		assert.NoError(t, Validate(spec), spec)
	}
	for _, spec := range []string{"", "every hour", "* * *", "@every banana"} {
		assert.Error(t, Validate(spec), spec)
	}
}

func TestScheduler_RunsJob(t *testing.T) {
	s := New(quiet())
	var runs atomic.Int32
	require.NoError(t, s.Add("tick", "@every 1s", func(context.Context) { runs.Add(1) }))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	s := New(quiet())
	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		runs    atomic.Int32
	)
	require.NoError(t, s.Add("slow", "@every 1s", func(ctx context.Context) {
		n := active.Add(1)
		defer active.Add(-1)
		if n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		runs.Add(1)
		select {
		case <-ctx.Done():
		case <-time.After(2500 * time.Millisecond):
		}
	}))
	s.Start()

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(1500 * time.Millisecond)
	s.Stop()

	assert.Equal(t, int32(1), maxSeen.Load(), "runs never overlap")
	assert.Equal(t, int32(0), active.Load(), "Stop waits for the running job")
}

func TestScheduler_Reschedule(t *testing.T) {
	s := New(quiet())
	defer s.Stop()

	require.NoError(t, s.Add("fleet", "@every 1h", func(context.Context) {}))
	require.NoError(t, s.Reschedule("fleet", "@every 30m"))
	spec, ok := s.Spec("fleet")
	require.True(t, ok)
	assert.Equal(t, "@every 30m", spec)
	assert.Len(t, s.cron.Entries(), 1, "old entry removed")

	assert.Error(t, s.Reschedule("fleet", "not a spec"))
	spec, _ = s.Spec("fleet")
	assert.Equal(t, "@every 30m", spec, "bad spec keeps the old schedule")

	assert.Error(t, s.Reschedule("missing", "@hourly"))
}
