package engine

import "github.com/pkg/errors"

var (
	// ErrNonFiniteValue rejects NaN and infinite counter values
	ErrNonFiniteValue = errors.New("counter value must be finite")

	// ErrNegativeValue rejects negative counter values
	ErrNegativeValue = errors.New("counter value must be non-negative")

	// ErrLockTimeout indicates the per-device lock could not be
	// acquired within the bounded wait
	ErrLockTimeout = errors.New("device lock acquisition timed out")

	// ErrAddressMismatch indicates an advertisement could not be
	// attributed to this device
	ErrAddressMismatch = errors.New("advertisement does not match device identity")

	// ErrEngineClosed is returned by mutations after Cleanup
	ErrEngineClosed = errors.New("engine is closed")
)
