package healthcheck

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/justin-oleary/fleetwatch/pkg/device"
	"github.com/justin-oleary/fleetwatch/pkg/metric"
	"github.com/justin-oleary/fleetwatch/pkg/stats"
	"github.com/justin-oleary/fleetwatch/pkg/status"
)

// Registered check types.
const (
	TypeDummy       = "dummy"
	TypeStatistical = "statistical"
)

// Outcome is the result of one probe run.
type Outcome struct {
	Healthy bool
	Draw    int           // dummy probe only
	Report  *stats.Report // statistical probe only
}

// Probe runs one health check against one device. Run must return promptly
// once ctx is done.
type Probe interface {
	Run(ctx context.Context, dev status.DeviceID) (Outcome, error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context, dev status.DeviceID) (Outcome, error)

func (f ProbeFunc) Run(ctx context.Context, dev status.DeviceID) (Outcome, error) {
	return f(ctx, dev)
}

// Registry maps check type names to probes.
type Registry map[string]Probe

// Lookup returns the probe registered as name.
func (r Registry) Lookup(name string) (Probe, error) {
	if p, ok := r[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w %q (valid: %s)", ErrUnknownCheckType, name, strings.Join(r.Types(), ", "))
}

// Types lists the registered names, sorted.
func (r Registry) Types() []string {
	out := make([]string, 0, len(r))
	for name := range r {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// SwappableProbe delegates to a probe that may be replaced while checks are
// running, so a config reload can change probe settings without a restart.
// A check already in flight finishes with the probe it started with.
type SwappableProbe struct {
	current atomic.Pointer[Probe]
}

// NewSwappableProbe returns a SwappableProbe delegating to p.
func NewSwappableProbe(p Probe) *SwappableProbe {
	s := &SwappableProbe{}
	s.Swap(p)
	return s
}

// Swap replaces the delegate.
func (s *SwappableProbe) Swap(p Probe) { s.current.Store(&p) }

func (s *SwappableProbe) Run(ctx context.Context, dev status.DeviceID) (Outcome, error) {
	return (*s.current.Load()).Run(ctx, dev)
}

// DummyProbe simulates a check: it waits Duration, then draws an integer in
// [0, 100) and passes when the draw is below PassProbability·100. A
// PassProbability of 1 always passes and 0 always fails.
type DummyProbe struct {
	PassProbability float64
	Duration        time.Duration

	// draw returns an integer in [0, n); replaced in tests.
	draw func(n int) int
}

func (p *DummyProbe) Run(ctx context.Context, _ status.DeviceID) (Outcome, error) {
	if p.Duration > 0 {
		t := time.NewTimer(p.Duration)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-t.C:
		}
	}

	draw := p.draw
	if draw == nil {
		draw = rand.IntN
	}
	n := draw(100)
	return Outcome{Healthy: float64(n) < p.PassProbability*100, Draw: n}, nil
}

// StatisticalProbe judges the device's latest benchmark record against its
// history and fails the device when any watched metric is beyond the
// unhealthy threshold.
type StatisticalProbe struct {
	Devices    *device.Registry
	Metrics    []string
	Thresholds stats.Thresholds
}

func (p *StatisticalProbe) Run(ctx context.Context, dev status.DeviceID) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	coll, err := p.Devices.Collection(dev.Node, dev.Index)
	if err != nil {
		return Outcome{}, err
	}
	names := p.Metrics
	if len(names) == 0 {
		names = metric.DefaultWatchList
	}
	report, err := stats.Assess(coll, "", names, p.Thresholds)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Healthy: !report.Unhealthy, Report: &report}, nil
}
