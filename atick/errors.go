package atick

import "github.com/pkg/errors"

// Decode failure sentinels. Callers match with errors.Is; all decode
// paths return one of these wrapped with context rather than a bare
// formatting error, so the engine can count them as connection failures.
var (
	// ErrTooShort indicates the payload is below the minimum frame length
	ErrTooShort = errors.New("advertisement payload too short")

	// ErrPinRequired indicates an encrypted frame was seen without a PIN
	ErrPinRequired = errors.New("encrypted frame requires a PIN")

	// ErrPinIncorrect indicates decryption produced out-of-range values,
	// or the PIN itself is not usable as a key
	ErrPinIncorrect = errors.New("PIN rejected by frame")

	// ErrMalformedFrame indicates a plaintext frame carried values
	// outside the valid counter range
	ErrMalformedFrame = errors.New("malformed frame")
)
