package domain

import "errors"

// Sentinel error kinds. Boundaries wrap these with fmt.Errorf("%w: ...") so
// callers and tests can assert on failure kind with errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrStore               = errors.New("record store error")
	ErrRecipientResolution = errors.New("recipient resolution error")
	ErrDelivery            = errors.New("digest delivery error")
)
