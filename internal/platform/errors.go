package platform

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectivity marks failures of the transport to the platform. The
	// session is unusable afterwards and must be replaced.
	ErrConnectivity = errors.New("platform connectivity failure")

	// ErrRequestRejected marks requests the platform refused.
	ErrRequestRejected = errors.New("platform rejected request")

	// ErrBusy marks a rejection caused by the target object being locked by
	// another operation. Retrying later is expected to succeed.
	ErrBusy = fmt.Errorf("%w: object busy", ErrRequestRejected)

	// ErrNotFound marks a rejection caused by a missing object.
	ErrNotFound = fmt.Errorf("%w: object not found", ErrRequestRejected)
)

// IsConnectivity reports whether err is a connectivity failure.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity)
}

// IsRejected reports whether err is a request-level rejection, including
// busy and not-found rejections.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRequestRejected)
}

// IsBusy reports whether err is a busy rejection.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsNotFound reports whether err is a not-found rejection.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Wrap annotates err with kind so callers can branch with errors.Is while
// the original cause stays in the message.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Error is a classified platform error.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
