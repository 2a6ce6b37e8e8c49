package auth

import "github.com/go-faster/errors"

var (
	// ErrBackendUnavailable is matched by every error caused by the registry
	// backend. It is never folded into UnknownClient.
	ErrBackendUnavailable = errors.New("registry backend unavailable")
	// ErrDuplicateKey is returned when two clients would share one key.
	ErrDuplicateKey = errors.New("api keys cannot be repeated")
)

// BackendError wraps a registry failure with the operation that hit it.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return e.Op + ": " + ErrBackendUnavailable.Error() + ": " + e.Err.Error()
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrBackendUnavailable) hold for any BackendError.
func (e *BackendError) Is(target error) bool {
	return target == ErrBackendUnavailable
}
