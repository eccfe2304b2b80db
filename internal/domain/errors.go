package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrLicenseInvalid    = errors.New("license is not valid")
	ErrLicenseExpired    = &expiredError{}
	ErrTerminalConflict  = errors.New("license already activated on another terminal")
	ErrDeliveryFailed    = errors.New("delivery failed")
	ErrKeyCollision      = errors.New("license key already in use")
	ErrIssueConflict     = errors.New("concurrent issuance for the same payment reference")
	ErrAlreadyQueued     = errors.New("an unconsumed message already exists for this license and method")
)

// expiredError is its own sentinel but also matches ErrLicenseInvalid, since
// expiry is one way a license stops being valid.
type expiredError struct{}

func (*expiredError) Error() string { return "license expired" }

func (*expiredError) Is(target error) bool { return target == ErrLicenseInvalid }

// Reason codes exposed to clients. Internal error text never leaves the process.
const (
	ReasonNotFound          = "not_found"
	ReasonInvalidRequest    = "invalid_request"
	ReasonInvalidCredential = "invalid_credential"
	ReasonLicenseInvalid    = "license_invalid"
	ReasonLicenseExpired    = "license_expired"
	ReasonTerminalConflict  = "terminal_conflict"
	ReasonInternal          = "internal"
)

func Reason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrInvalidRequest):
		return ReasonInvalidRequest
	case errors.Is(err, ErrInvalidCredential):
		return ReasonInvalidCredential
	case errors.Is(err, ErrLicenseExpired):
		return ReasonLicenseExpired
	case errors.Is(err, ErrLicenseInvalid):
		return ReasonLicenseInvalid
	case errors.Is(err, ErrTerminalConflict):
		return ReasonTerminalConflict
	default:
		return ReasonInternal
	}
}
