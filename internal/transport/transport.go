// Package transport owns the byte-stream link to the device.
//
// Ownership boundary:
// - port discovery and descriptors
// - timed read / all-or-error write primitives
// - transport-level error taxonomy
package transport

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds. Callers branch with errors.Is; the concrete *Error carries
// port and operation context.
var (
	ErrNotFound         = errors.New("transport: port not found")
	ErrPermissionDenied = errors.New("transport: permission denied")
	ErrBusy             = errors.New("transport: port busy")
	ErrTimeout          = errors.New("transport: read timed out")
	ErrDisconnected     = errors.New("transport: device disconnected")
)

// Error wraps a transport failure with the operation and port it occurred on.
type Error struct {
	Op   string
	Port string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s %s): %v", e.Kind, e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("%s (%s %s)", e.Kind, e.Op, e.Port)
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// PortDescriptor identifies one candidate device port. Immutable once
// resolved by Discover or filled in by the caller.
type PortDescriptor struct {
	Path         string
	BaudRate     int
	VendorID     uint16
	ProductID    uint16
	SerialNumber string
}

func (d PortDescriptor) String() string {
	if d.VendorID != 0 {
		return fmt.Sprintf("%s (%04x:%04x)", d.Path, d.VendorID, d.ProductID)
	}
	return d.Path
}

// Transport is the byte-stream link the protocol engine runs over.
//
// Read returns 0..len(p) bytes; an expired timeout yields ErrTimeout and a
// severed link yields ErrDisconnected, never an ambiguous zero read. Write is
// all-or-error. Close releases the physical resource and is safe to call more
// than once.
type Transport interface {
	Read(p []byte, timeout time.Duration) (int, error)
	Write(p []byte) error
	ResetInput() error
	Close() error
}
