package webserver

import (
	"errors"
	"fmt"

	"github.com/wsbroker/wsbroker/pkg/conntable"
)

// Sentinel errors for configuration and connection failures.
var (
	// ErrServerRunning is returned by setters called while the server is not stopped.
	ErrServerRunning = errors.New("webserver: server is running")

	// ErrNoPort is returned by Start when neither the plaintext nor the TLS port is enabled.
	ErrNoPort = errors.New("webserver: no port enabled")

	// ErrSamePorts is returned when the plaintext and TLS ports are equal.
	ErrSamePorts = errors.New("webserver: plaintext and TLS ports are equal")

	// ErrWebDirMissing is returned when the web directory does not exist.
	ErrWebDirMissing = errors.New("webserver: web directory does not exist")

	// ErrTLSFileMissing is returned when a TLS certificate or key file does not exist.
	ErrTLSFileMissing = errors.New("webserver: TLS file does not exist")

	// ErrInvalidOption is returned by SetOptions for out-of-range values.
	ErrInvalidOption = errors.New("webserver: invalid option")

	// ErrTableFull is returned to the engine to reject a connection at capacity.
	ErrTableFull = conntable.ErrTableFull

	// ErrShortWrite is reported when the engine wrote fewer bytes than a chunk.
	ErrShortWrite = errors.New("webserver: short write")

	// ErrMessageTooLarge is reported when an inbound message exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("webserver: inbound message too large")

	// ErrInvalidUTF8 is reported when an inbound text message is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("webserver: inbound message is not valid UTF-8")

	// ErrUnknownConnection is reported for events on handles not in the table.
	ErrUnknownConnection = errors.New("webserver: unknown connection")
)

// ConfigError describes an invalid configuration field.
type ConfigError struct {
	Field string
	Err   error
}

// Error returns the error message with the offending field.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("webserver: config %s: %v", e.Field, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// TransportError is a connection-fatal failure. Returning it from an engine
// callback closes the connection.
type TransportError struct {
	ConnID uint32
	Op     string
	Err    error
}

// Error returns the error message with connection context.
func (e *TransportError) Error() string {
	return fmt.Sprintf("webserver: connection %d: %s: %v", e.ConnID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}
