package client

import (
	"errors"
	"fmt"

	"github.com/osinovii/roomctl/proto"
)

var (
	ErrDeviceNotFound       = errors.New("device not found")
	ErrConnectionFailed     = errors.New("connection failed")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrResponseTimeout      = errors.New("response timeout")
	ErrTransport            = errors.New("transport error")
	ErrDecode               = proto.ErrDecode
	ErrSessionState         = errors.New("invalid session state")
	ErrSessionBusy          = errors.New("session busy")
)

// Error wraps a sentinel kind with the operation and device it happened on.
// Both Kind and Err match with errors.Is.
type Error struct {
	Op     string // "connect", "authenticate", "execute", "open_door", ...
	Device string
	Kind   error
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Device != "" {
		msg += " " + e.Device
	}
	switch {
	case e.Kind != nil && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s", msg, e.Kind, e.Err)
	case e.Kind != nil:
		return fmt.Sprintf("%s: %s", msg, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// KindOf returns the sentinel kind of err, or nil if err carries none.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) && e.Kind != nil {
		return e.Kind
	}
	for _, kind := range []error{
		ErrDeviceNotFound,
		ErrConnectionFailed,
		ErrAuthenticationFailed,
		ErrResponseTimeout,
		ErrTransport,
		ErrDecode,
		ErrSessionState,
		ErrSessionBusy,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
