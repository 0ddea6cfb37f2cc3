package interactive

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by calls made while no session is open.
	ErrNotConnected = errors.New("interactive: not connected")
	// ErrAlreadyOpen is returned by Open when a session is already open.
	ErrAlreadyOpen = errors.New("interactive: session already open")
	// ErrClosed fails calls still waiting for a reply when the session closes.
	ErrClosed = errors.New("interactive: session closed")
)

// MethodError is an error reply from the service.
type MethodError struct {
	Method  string
	Code    int
	Message string
}

func (e *MethodError) Error() string {
	return fmt.Sprintf("interactive: %s failed (%d): %s", e.Method, e.Code, e.Message)
}
