package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventKind identifies a lifecycle callback delivered by an Engine.
type EventKind uint8

const (
	// EventEstablished reports a new websocket connection. Returning an error
	// from the handler rejects and closes the connection.
	EventEstablished EventKind = iota + 1

	// EventClosed reports that a connection is gone. It is never delivered for
	// a connection whose Established event was rejected.
	EventClosed

	// EventReceive delivers one inbound fragment.
	EventReceive

	// EventWritable reports that a connection requested with RequestWritable
	// can accept one Write.
	EventWritable
)

// String returns the name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventEstablished:
		return "established"
	case EventClosed:
		return "closed"
	case EventReceive:
		return "receive"
	case EventWritable:
		return "writable"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is a single callback from the engine to its Handler.
type Event struct {
	Kind   EventKind
	Handle Handle

	// Receive only.
	Data  []byte
	First bool
	Final bool
}

// Handler receives engine callbacks. It is always called on the goroutine
// running Service. A non-nil error closes the connection the event refers to.
type Handler func(Event) error

// Handle is an engine-owned reference to one connection.
type Handle interface {
	// Peer is a unique label for log correlation.
	Peer() string

	// RemoteAddr is the network address of the peer.
	RemoteAddr() string

	// User returns the value stored with SetUser, or nil.
	User() any

	// SetUser attaches a caller value to the handle.
	SetUser(v any)
}

// Engine is the callback-driven I/O layer driven by a single loop goroutine.
//
// Listen, Service, RequestWritable, Write, CloseConn and Destroy must only be
// called from the loop goroutine. Cancel may be called from any goroutine.
type Engine interface {
	// Listen creates listeners and virtual hosts. A failure leaves nothing
	// listening; Destroy must still be called.
	Listen(ctx context.Context) error

	// Service dispatches pending callbacks, waiting at most timeout for the
	// first one. Cancel makes a blocked Service return early.
	Service(timeout time.Duration) error

	// RequestWritable schedules one EventWritable for h.
	RequestWritable(h Handle)

	// Write sends one fragment of a text message. first and final mark the
	// fragment position. The returned count is less than len(p) only on error.
	Write(h Handle, p []byte, first, final bool) (int, error)

	// CloseConn closes h. An EventClosed follows.
	CloseConn(h Handle)

	// Cancel wakes Service. Safe from any goroutine.
	Cancel()

	// Destroy closes every connection and listener.
	Destroy()
}

// Factory builds an engine bound to handler.
type Factory func(cfg Config, handler Handler) (Engine, error)

// ErrDestroyed is returned by Service after Destroy.
var ErrDestroyed = errors.New("engine: destroyed")

// StageError reports which construction step of an engine failed.
type StageError struct {
	Stage string
	Err   error
}

// Error returns the error message with the failed stage.
func (e *StageError) Error() string {
	return fmt.Sprintf("engine: %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *StageError) Unwrap() error {
	return e.Err
}
