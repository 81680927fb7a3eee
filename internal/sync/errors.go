package sync

import "errors"

// Failure reasons attached to run records and scope results
const (
	ReasonAuthenticationFailed     = "AuthenticationFailed"
	ReasonTransientFetchFailed     = "TransientFetchFailed"
	ReasonValidationFailed         = "ValidationFailed"
	ReasonLockContention           = "LockContention"
	ReasonReconciliationIncomplete = "ReconciliationIncomplete"
	ReasonStoreFailed              = "StoreFailed"
	ReasonCancelled                = "Cancelled"
)

// Error is a structured engine failure carrying the scope it affected and a
// stable reason for run records and API responses.
type Error struct {
	Err     error
	Message string
	Scope   string
	Reason  string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ReasonOf extracts the failure reason from an error chain, or an empty
// string for unclassified errors.
func ReasonOf(err error) string {
	var syncErr *Error
	if errors.As(err, &syncErr) {
		return syncErr.Reason
	}
	return ""
}
