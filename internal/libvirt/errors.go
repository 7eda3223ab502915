package libvirt

import (
	"context"
	"errors"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/vmbackup/internal/platform"
)

// errorCode extracts the libvirt error number from err.
func errorCode(err error) (uint32, bool) {
	var lerr libvirt.Error
	if errors.As(err, &lerr) {
		return lerr.Code, true
	}
	var plerr *libvirt.Error
	if errors.As(err, &plerr) && plerr != nil {
		return plerr.Code, true
	}
	return 0, false
}

// kindOf maps a libvirt error number to a platform error kind.
func kindOf(code uint32) error {
	switch code {
	case uint32(libvirt.ErrNoDomain),
		uint32(libvirt.ErrNoStoragePool),
		uint32(libvirt.ErrNoStorageVol),
		uint32(libvirt.ErrNoDomainSnapshot),
		uint32(libvirt.ErrNoDomainMetadata):
		return platform.ErrNotFound
	case uint32(libvirt.ErrOperationInvalid),
		uint32(libvirt.ErrOperationTimeout):
		// The object is in the wrong state or another job holds its lock.
		return platform.ErrBusy
	}
	return platform.ErrRequestRejected
}

// isNotFound reports whether err carries a libvirt "no such object" code.
func isNotFound(err error) bool {
	code, ok := errorCode(err)
	return ok && kindOf(code) == platform.ErrNotFound
}

// classify wraps err with the platform error kind callers branch on.
// Errors from libvirt itself are request-level. Anything else is checked
// against the connection: when it no longer answers, the failure is a
// connectivity failure.
func (s *Session) classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var perr *platform.Error
	if errors.As(err, &perr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if code, ok := errorCode(err); ok {
		return platform.Wrap(kindOf(code), op, err)
	}

	if _, perr := s.api.ConnectGetLibVersion(); perr != nil {
		return platform.Wrap(platform.ErrConnectivity, op, err)
	}
	return err
}

// rejected marks a failure detected by the session itself, such as a
// malformed definition, as a request-level rejection.
func rejected(op string, err error) error {
	return platform.Wrap(platform.ErrRequestRejected, op, err)
}
