package errors

import "errors"

var (
	ErrNotFound           = errors.New("resource not found")
	ErrAlreadyExists      = errors.New("resource already exists")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDatabaseError      = errors.New("database error")
	ErrCacheError         = errors.New("cache error")

	// ErrUnknownPlan means a plan id reached the tracker that was never
	// registered in the catalog. Configuration bug, not user-recoverable.
	ErrUnknownPlan = errors.New("unknown subscription plan")

	// ErrQuotaExceeded is the expected denial when an identity has no
	// remaining downloads for the current period. Surfaced to the user
	// as an upgrade prompt, never logged as an error.
	ErrQuotaExceeded = errors.New("download quota exceeded")

	// ErrSyncUnavailable marks a transient failure reaching the backing
	// usage store. Callers keep serving from the cached usage record.
	ErrSyncUnavailable = errors.New("usage sync unavailable")
)

type Error struct {
	Err     error
	Message string
	Code    string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Wrap(err error, message string) *Error {
	return &Error{
		Err:     err,
		Message: message,
		Code:    "INTERNAL_ERROR",
	}
}
