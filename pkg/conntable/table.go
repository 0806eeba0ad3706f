// Package conntable tracks the live connections of a websocket server.
//
// The Table maps a 32-bit connection id to the state of one peer session: the
// engine handle, the inbound reassembly buffer and at most one pending
// outbound message. Id 0 is reserved as the broadcast sentinel and is never
// assigned.
//
// The table lock guards membership and id allocation only. Inbox and outbox
// state of a Connection belong to the loop goroutine that drives the engine.
package conntable

import (
	"errors"
	"sort"
	"sync"

	"github.com/wsbroker/wsbroker/pkg/engine"
)

// DefaultMaxConnections is used when New is given a non-positive limit.
const DefaultMaxConnections = 64

// ErrTableFull is returned by Add when the table is at capacity.
var ErrTableFull = errors.New("conntable: max connections reached")

// Outbox is the message currently being written to a connection.
type Outbox struct {
	// Payload is shared by every recipient of the same message.
	Payload string

	// Cursor is the byte offset of the next unsent chunk.
	Cursor int
}

// Connection is one live peer session.
type Connection struct {
	ID     uint32
	Handle engine.Handle

	inbox  []byte
	outbox *Outbox
}

// ResetInbox discards any partially assembled inbound message.
func (c *Connection) ResetInbox() {
	c.inbox = c.inbox[:0]
}

// AppendInbox appends one inbound fragment and returns the new inbox length.
func (c *Connection) AppendInbox(p []byte) int {
	c.inbox = append(c.inbox, p...)
	return len(c.inbox)
}

// Inbox returns a copy of the assembled inbound bytes.
func (c *Connection) Inbox() string {
	return string(c.inbox)
}

// Busy reports whether an outbound message is in flight.
func (c *Connection) Busy() bool {
	return c.outbox != nil
}

// Outbox returns the in-flight message, or nil when idle.
func (c *Connection) Outbox() *Outbox {
	return c.outbox
}

// Assign makes payload the in-flight message with the cursor at 0.
// It returns false, leaving the current outbox untouched, if c is busy.
func (c *Connection) Assign(payload string) bool {
	if c.outbox != nil {
		return false
	}
	c.outbox = &Outbox{Payload: payload}
	return true
}

// ClearOutbox marks the connection idle.
func (c *Connection) ClearOutbox() {
	c.outbox = nil
}

// Table is the set of live connections.
type Table struct {
	mu    sync.Mutex
	conns map[uint32]*Connection
	seq   uint32
	max   int
}

// New creates a table accepting at most max connections.
func New(max int) *Table {
	if max <= 0 {
		max = DefaultMaxConnections
	}
	return &Table{
		conns: make(map[uint32]*Connection),
		seq:   1,
		max:   max,
	}
}

// Max returns the connection limit.
func (t *Table) Max() int {
	return t.max
}

// Add registers a new connection for h and returns it.
func (t *Table) Add(h engine.Handle) (*Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.conns) >= t.max {
		return nil, ErrTableFull
	}

	id := t.nextIDLocked()
	conn := &Connection{ID: id, Handle: h}
	t.conns[id] = conn
	return conn, nil
}

// nextIDLocked returns the next free id, skipping 0 and ids still in use.
// The table is never full here, so a free id always exists.
func (t *Table) nextIDLocked() uint32 {
	for {
		if t.seq == 0 {
			t.seq++
		}
		id := t.seq
		t.seq++
		if _, live := t.conns[id]; !live {
			return id
		}
	}
}

// Get returns the connection with the given id.
func (t *Table) Get(id uint32) (*Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.conns[id]
	return conn, ok
}

// Remove deletes the connection with the given id and reports whether it existed.
func (t *Table) Remove(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[id]; !ok {
		return false
	}
	delete(t.conns, id)
	return true
}

// Count returns the number of live connections.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Snapshot returns the live connections in ascending id order.
func (t *Table) Snapshot() []*Connection {
	t.mu.Lock()
	conns := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns
}
