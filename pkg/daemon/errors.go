package daemon

import (
	"errors"
	"fmt"
)

// ErrUnimplemented is returned by stores for operations they do not
// support. The server reports it to the client as a recoverable error
// frame.
var ErrUnimplemented = errors.New("operation not implemented")

// ErrNotTrusted is the error reported to untrusted clients invoking
// operations that require trust.
var ErrNotTrusted = errors.New("operation requires a trusted client")

// DaemonError is the structured error carried in a LogError frame.
type DaemonError struct {
	Type       string
	Level      uint64
	Name       string
	Message    string
	Traces     []DaemonErrorTrace
	ExitStatus uint64
}

// DaemonErrorTrace represents a single trace entry in a daemon error.
type DaemonErrorTrace struct {
	HavePos uint64
	Message string
}

func (e *DaemonError) Error() string {
	return fmt.Sprintf("daemon: %s", e.Message)
}

// asDaemonError converts an arbitrary store error into the wire form.
func asDaemonError(err error) *DaemonError {
	var derr *DaemonError
	if errors.As(err, &derr) {
		return derr
	}

	name := "Error"

	switch {
	case errors.Is(err, ErrUnimplemented):
		name = "UnimplementedError"
	case errors.Is(err, ErrNotTrusted):
		name = "RestrictedStoreError"
	}

	return &DaemonError{
		Type:       "Error",
		Level:      uint64(VerbError),
		Name:       name,
		Message:    err.Error(),
		ExitStatus: 1,
	}
}

// ProtocolError is returned for wire-level problems. Once a
// ProtocolError occurs, the connection is poisoned and must be closed.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// UnsupportedOperationError is returned by the client when an operation
// is not available at the negotiated protocol version.
type UnsupportedOperationError struct {
	Op      Operation
	Version uint64
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s requires protocol %d.%d, connection negotiated %d.%d",
		e.Op, versionMajor(e.Op.MinVersion()), versionMinor(e.Op.MinVersion()),
		versionMajor(e.Version), versionMinor(e.Version))
}
