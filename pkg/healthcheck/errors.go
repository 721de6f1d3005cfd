package healthcheck

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCheckType is returned before any status is touched when the
	// requested probe type is not registered.
	ErrUnknownCheckType = errors.New("healthcheck: unknown check type")

	// ErrCheckInProgress is returned when a device already has a check
	// running, in this process or another.
	ErrCheckInProgress = errors.New("healthcheck: check already in progress")

	// ErrTopologyMismatch is returned when the observed fleet layout does not
	// match the configured topology. The scan that found it is aborted;
	// other nodes are unaffected.
	ErrTopologyMismatch = errors.New("healthcheck: fleet topology mismatch")
)

// TopologyMismatch describes the discrepancy behind ErrTopologyMismatch.
// Callers use errors.As to report the expected and observed counts.
type TopologyMismatch struct {
	Scope    string // "fleet", "node" or "device"
	Name     string // node name, or device for Scope "device"
	Expected int
	Found    int
}

func (e *TopologyMismatch) Error() string {
	switch e.Scope {
	case "fleet":
		return fmt.Sprintf("%v: expected %d nodes, found %d", ErrTopologyMismatch, e.Expected, e.Found)
	case "node":
		return fmt.Sprintf("%v: node %s has %d GPUs, expected %d", ErrTopologyMismatch, e.Name, e.Found, e.Expected)
	default:
		return fmt.Sprintf("%v: %s is not part of the configured topology", ErrTopologyMismatch, e.Name)
	}
}

func (e *TopologyMismatch) Unwrap() error { return ErrTopologyMismatch }
