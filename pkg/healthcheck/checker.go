// Package healthcheck drives device health checks: it moves each device
// through Checking, runs a probe, and records the verdict.
package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/justin-oleary/fleetwatch/pkg/metrics"
	"github.com/justin-oleary/fleetwatch/pkg/status"
)

// Verdicts recorded on a Result.
const (
	VerdictPass    = "pass"
	VerdictFail    = "fail"
	VerdictAborted = "aborted"
	VerdictSkipped = "skipped"
)

// Result is the outcome of one device check.
type Result struct {
	CheckID    string          `json:"check_id"`
	Device     status.DeviceID `json:"device"`
	Type       string          `json:"type"`
	Prior      status.Status   `json:"prior"`
	Status     status.Status   `json:"status"`
	StatusName string          `json:"status_name"`
	ElapsedMS  int64           `json:"elapsed_ms"`
	Verdict    string          `json:"verdict"`
	Error      string          `json:"error,omitempty"`
	Draw       *int            `json:"draw,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// Summary aggregates a batch of results.
type Summary struct {
	Total          int    `json:"total"`
	Passed         int    `json:"passed"`
	Failed         int    `json:"failed"`
	Aborted        int    `json:"aborted"`
	Skipped        int    `json:"skipped"`
	WorstElapsedMS int64  `json:"worst_elapsed_ms"`
	Verdict        string `json:"verdict"` // "HEALTHY" | "UNHEALTHY"
}

// Summarize aggregates results into a top-level verdict. Any failed,
// aborted or skipped device makes the batch UNHEALTHY.
func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		switch r.Verdict {
		case VerdictPass:
			s.Passed++
		case VerdictFail:
			s.Failed++
		case VerdictAborted:
			s.Aborted++
		default:
			s.Skipped++
		}
		if r.ElapsedMS > s.WorstElapsedMS {
			s.WorstElapsedMS = r.ElapsedMS
		}
	}
	if s.Passed == s.Total && s.Total > 0 {
		s.Verdict = "HEALTHY"
	} else {
		s.Verdict = "UNHEALTHY"
	}
	return s
}

// Checker runs checks against the devices of a topology.
type Checker struct {
	machine  *status.Machine
	probes   Registry
	topology status.Topology
	logger   *slog.Logger

	// deviceLocks ensures a device is never checked twice concurrently in
	// this process. Values are *sync.Mutex; TryLock discards the duplicate.
	deviceLocks sync.Map

	newID func() string
}

// NewChecker returns a Checker. A nil logger uses slog.Default().
func NewChecker(machine *status.Machine, probes Registry, topology status.Topology, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		machine:  machine,
		probes:   probes,
		topology: topology,
		logger:   logger,
		newID:    uuid.NewString,
	}
}

// Topology returns the configured fleet layout.
func (c *Checker) Topology() status.Topology { return c.topology }

// SetProbe replaces the probe registered as name. It must not be called
// while checks are running.
func (c *Checker) SetProbe(name string, p Probe) { c.probes[name] = p }

// CheckDevice runs one check of checkType against dev.
//
// The device reads Checking for the whole time the probe runs. When ctx is
// cancelled mid-check the status rolls back to what it was before and the
// context error is returned. A probe error marks the device Unhealthy and
// is reported on the Result, not returned.
func (c *Checker) CheckDevice(ctx context.Context, dev status.DeviceID, checkType string) (Result, error) {
	probe, err := c.probes.Lookup(checkType)
	if err != nil {
		return Result{}, err
	}
	if !c.topology.HasNode(dev.Node) || dev.Index < 0 || dev.Index >= c.topology.DevicesPerNode {
		metrics.TopologyMismatches.WithLabelValues("device").Inc()
		return Result{}, &TopologyMismatch{Scope: "device", Name: dev.String()}
	}
	return c.check(ctx, dev, checkType, probe)
}

func (c *Checker) check(ctx context.Context, dev status.DeviceID, checkType string, probe Probe) (Result, error) {
	res := Result{
		CheckID: c.newID(),
		Device:  dev,
		Type:    checkType,
		Verdict: VerdictSkipped,
	}

	v, _ := c.deviceLocks.LoadOrStore(dev, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		res.Error = ErrCheckInProgress.Error()
		return res, fmt.Errorf("%w: %s", ErrCheckInProgress, dev)
	}
	defer mu.Unlock()

	prior, err := c.machine.Begin(ctx, dev)
	res.Prior = prior
	if err != nil {
		if errors.Is(err, status.ErrInvalidTransition) {
			err = fmt.Errorf("%w: %s (%v)", ErrCheckInProgress, dev, err)
		}
		res.Error = err.Error()
		return res, err
	}

	log := c.logger.With("check_id", res.CheckID, "node", dev.Node, "gpu", dev.Index, "type", checkType)
	log.Info("health check started", "prior", int(prior))

	start := time.Now()
	out, perr := probe.Run(ctx, dev)
	elapsed := time.Since(start)
	res.ElapsedMS = elapsed.Milliseconds()
	metrics.CheckDuration.WithLabelValues(checkType).Observe(elapsed.Seconds())

	if ctx.Err() != nil {
		if err := c.machine.Abort(context.WithoutCancel(ctx), dev, prior); err != nil {
			log.Error("rollback after cancellation failed", "err", err)
		}
		res.Verdict = VerdictAborted
		res.Status = c.machine.Store().Read(context.WithoutCancel(ctx), dev)
		res.StatusName = res.Status.String()
		res.Error = ctx.Err().Error()
		metrics.ChecksTotal.WithLabelValues("aborted").Inc()
		log.Warn("health check aborted", "rolled_back_to", int(res.Status))
		return res, ctx.Err()
	}

	outcome := "healthy"
	if perr != nil {
		out.Healthy = false
		res.Error = perr.Error()
		outcome = "error"
	} else if !out.Healthy {
		outcome = "unhealthy"
	}
	if out.Report != nil {
		res.Message = out.Report.Message
	}
	if out.Report == nil && perr == nil {
		draw := out.Draw
		res.Draw = &draw
	}

	final, err := c.machine.Complete(ctx, dev, out.Healthy)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	res.Status = final
	res.StatusName = final.String()
	if out.Healthy {
		res.Verdict = VerdictPass
	} else {
		res.Verdict = VerdictFail
	}
	metrics.ChecksTotal.WithLabelValues(outcome).Inc()

	log.Info("health check finished",
		"status", int(final),
		"status_name", final.String(),
		"elapsed_ms", res.ElapsedMS,
		"err", perr,
	)
	return res, nil
}

// CheckNode checks every device of node concurrently, one goroutine per
// device. The scan is aborted before any device is touched when the node's
// observed device count differs from the topology.
func (c *Checker) CheckNode(ctx context.Context, node, checkType string) ([]Result, error) {
	probe, err := c.probes.Lookup(checkType)
	if err != nil {
		return nil, err
	}
	if err := c.validateNode(node); err != nil {
		return nil, err
	}
	return c.checkNode(ctx, node, checkType, probe), nil
}

func (c *Checker) checkNode(ctx context.Context, node, checkType string, probe Probe) []Result {
	devs := c.topology.NodeDevices(node)
	results := make([]Result, len(devs))

	var wg sync.WaitGroup
	for i, dev := range devs {
		wg.Add(1)
		go func(i int, dev status.DeviceID) {
			defer wg.Done()
			// Per-device errors are carried on the Result.
			results[i], _ = c.check(ctx, dev, checkType, probe)
		}(i, dev)
	}
	wg.Wait()
	return results
}

// CheckAll checks every node of the topology concurrently. A fleet-level
// mismatch (wrong node count, or a configured node missing) aborts the
// whole scan. A node-level mismatch skips that node only; its error is
// joined into the returned error alongside the other nodes' results.
func (c *Checker) CheckAll(ctx context.Context, checkType string) ([]Result, error) {
	probe, err := c.probes.Lookup(checkType)
	if err != nil {
		return nil, err
	}
	if err := c.validateFleet(); err != nil {
		return nil, err
	}

	perNode := make([][]Result, len(c.topology.Nodes))
	nodeErrs := make([]error, len(c.topology.Nodes))

	var wg sync.WaitGroup
	for i, node := range c.topology.Nodes {
		wg.Add(1)
		go func(i int, node string) {
			defer wg.Done()
			if err := c.validateNode(node); err != nil {
				nodeErrs[i] = err
				return
			}
			perNode[i] = c.checkNode(ctx, node, checkType, probe)
		}(i, node)
	}
	wg.Wait()

	var results []Result
	for _, rs := range perNode {
		results = append(results, rs...)
	}
	return results, errors.Join(nodeErrs...)
}

func (c *Checker) validateFleet() error {
	found, err := c.machine.Store().Nodes()
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(found))
	for _, n := range found {
		present[n] = true
	}
	missing := 0
	for _, n := range c.topology.Nodes {
		if !present[n] {
			missing++
		}
	}
	if len(found) != len(c.topology.Nodes) || missing > 0 {
		metrics.TopologyMismatches.WithLabelValues("fleet").Inc()
		c.logger.Error("fleet topology mismatch",
			"expected_nodes", len(c.topology.Nodes),
			"found_nodes", len(found),
			"missing", missing,
		)
		return &TopologyMismatch{Scope: "fleet", Expected: len(c.topology.Nodes), Found: len(found)}
	}
	return nil
}

func (c *Checker) validateNode(node string) error {
	if !c.topology.HasNode(node) {
		metrics.TopologyMismatches.WithLabelValues("node").Inc()
		return &TopologyMismatch{Scope: "device", Name: node}
	}
	found, err := c.machine.Store().DeviceCount(node)
	if err != nil {
		return err
	}
	if found != c.topology.DevicesPerNode {
		metrics.TopologyMismatches.WithLabelValues("node").Inc()
		c.logger.Error("node topology mismatch",
			"node", node,
			"expected_gpus", c.topology.DevicesPerNode,
			"found_gpus", found,
		)
		return &TopologyMismatch{Scope: "node", Name: node, Expected: c.topology.DevicesPerNode, Found: found}
	}
	return nil
}
