package status

import (
	"context"
	"log/slog"
)

// Machine enforces the status transitions:
//
//	Healthy|Unhealthy --Begin--> Checking --Complete--> Healthy|Unhealthy
//	Checking --Abort--> prior status
//
// Callers are expected to serialise checks per device; Machine only guards
// against a second Begin on a device whose check is still fresh.
type Machine struct {
	store  *Store
	logger *slog.Logger
}

// NewMachine returns a Machine writing through store.
func NewMachine(store *Store, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: store, logger: logger}
}

// Store returns the underlying status store.
func (m *Machine) Store() *Store { return m.store }

// Begin marks dev as Checking and returns the status it held before, for
// use with Abort. A device already in a fresh Checking state is rejected.
// A stale Checking value counts as Unhealthy and may be restarted.
func (m *Machine) Begin(ctx context.Context, dev DeviceID) (Status, error) {
	r := m.store.Inspect(ctx, dev)
	if r.Raw == Checking && !r.Stale {
		return r.Status, &TransitionError{Device: dev, From: Checking, To: Checking}
	}
	if err := m.store.Write(dev, Checking); err != nil {
		return r.Status, err
	}
	m.logTransition(dev, r.Status, Checking)
	return r.Status, nil
}

// Complete ends a check, moving dev to Healthy when healthy is true and to
// Unhealthy otherwise.
func (m *Machine) Complete(ctx context.Context, dev DeviceID, healthy bool) (Status, error) {
	to := Unhealthy
	if healthy {
		to = Healthy
	}
	return to, m.leaveChecking(ctx, dev, to)
}

// Abort rolls an interrupted check back to prior. A prior value that is
// not Healthy rolls back to Unhealthy.
func (m *Machine) Abort(ctx context.Context, dev DeviceID, prior Status) error {
	if prior != Healthy {
		prior = Unhealthy
	}
	return m.leaveChecking(ctx, dev, prior)
}

func (m *Machine) leaveChecking(ctx context.Context, dev DeviceID, to Status) error {
	r := m.store.Inspect(ctx, dev)
	if r.Raw != Checking {
		return &TransitionError{Device: dev, From: r.Status, To: to}
	}
	if err := m.store.Write(dev, to); err != nil {
		return err
	}
	m.logTransition(dev, Checking, to)
	return nil
}

func (m *Machine) logTransition(dev DeviceID, from, to Status) {
	m.logger.Info("device status changed",
		"node", dev.Node,
		"gpu", dev.Index,
		"from", int(from),
		"status", int(to),
		"status_name", to.String(),
	)
}
