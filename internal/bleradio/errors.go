package bleradio

import (
	"errors"
	"fmt"
	"strings"
)

// ConnectionState mirrors the structured connection failure taxonomy from
// the teacher's internal/device.ConnectionError, reused here for the
// daemon's driver-facing errors.
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError represents a connection-state-related driver failure.
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State.
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

// Sentinel operation errors.
var (
	ErrTimeout     = errors.New("bleradio: operation timed out")
	ErrNotFound    = errors.New("bleradio: device not found")
	ErrUnsupported = errors.New("bleradio: unsupported operation")
)

// NormalizeError maps known driver error strings to structured
// ConnectionError values ("operation in progress" maps to ErrUnsupported)
// so callers can use errors.Is regardless of the exact wording the
// underlying HCI stack returns. Unrecognized errors are returned as is.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case strings.Contains(msg, "already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case strings.Contains(msg, "not initialized"):
		return fmt.Errorf("%w: %v", ErrNotInitialized, err)
	case strings.Contains(msg, "operation in progress"):
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	default:
		return err
	}
}
