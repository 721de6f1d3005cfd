package status

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status change is not one of
// Healthy|Unhealthy → Checking → Healthy|Unhealthy.
var ErrInvalidTransition = errors.New("status: invalid transition")

// TransitionError carries the device and the rejected transition.
// errors.Is(err, ErrInvalidTransition) holds for every TransitionError.
type TransitionError struct {
	Device DeviceID
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s %s -> %s", ErrInvalidTransition, e.Device, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
