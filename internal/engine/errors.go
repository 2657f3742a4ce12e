package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceBusy is returned when a device already has a non-terminal job.
	ErrDeviceBusy = errors.New("device already has an active job")
	// ErrProtectedDevice is returned when a job targets a Protected device.
	ErrProtectedDevice = errors.New("device is protected")
	// ErrDuplicateSerial is returned when registering a serial that exists.
	ErrDuplicateSerial = errors.New("device serial already registered")
	// ErrJobNotEligible is returned when certificate issuance targets a job
	// that is not Completed with a full timeline.
	ErrJobNotEligible = errors.New("job is not eligible for certificate issuance")
	// ErrUnknownPolicy is returned for policy names absent from the catalog.
	ErrUnknownPolicy = errors.New("unknown wipe policy")
)

// InvalidTransitionError reports a disallowed job status change.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}
