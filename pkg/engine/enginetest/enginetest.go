// Package enginetest provides a scripted in-memory engine.Engine.
//
// Tests drive connections from their own goroutine with Connect, Receive and
// Disconnect. Each call is queued for the loop goroutine and blocks until the
// handler has processed it, so assertions that follow see its effects.
//
//	eng := enginetest.New()
//	srv := webserver.New(webserver.WithEngineFactory(eng.Factory))
//	...
//	c, err := eng.Connect()
//	eng.Receive(c, "hello")
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wsbroker/wsbroker/pkg/engine"
)

// ErrTimeout is returned when a scripted event is not processed in time,
// usually because the loop goroutine is not running.
var ErrTimeout = errors.New("enginetest: event not processed")

// ErrClosed is returned for operations on a closed connection.
var ErrClosed = errors.New("enginetest: connection closed")

// DefaultWait bounds how long scripted calls wait for the loop goroutine.
const DefaultWait = 5 * time.Second

// Frame is one fragment written to a connection.
type Frame struct {
	Data  string
	First bool
	Final bool
}

// Conn is a scripted connection. It implements engine.Handle.
type Conn struct {
	peer string

	// Loop goroutine only.
	user     any
	accepted bool
	closing  bool
	writable bool
}

func (c *Conn) Peer() string       { return c.peer }
func (c *Conn) RemoteAddr() string { return "pipe:" + c.peer }
func (c *Conn) User() any          { return c.user }
func (c *Conn) SetUser(v any)      { c.user = v }

type scripted struct {
	ev   engine.Event
	done chan error
}

// Engine is a scripted engine. Create it with New and pass Factory to the
// code under test. An Engine can be reused across restarts.
type Engine struct {
	// Wait bounds scripted calls. Default: DefaultWait.
	Wait time.Duration

	wake chan struct{}

	mu         sync.Mutex
	handler    engine.Handler
	cfg        engine.Config
	listenErr  error
	running    bool
	seq        int
	queue      []scripted
	writes     map[*Conn][]Frame
	closed     map[*Conn]bool
	short      map[*Conn]bool
	writeErr   map[*Conn]error
	builds     int
	destroyed  int
	listenHook func()

	// Loop goroutine only.
	writableQ []*Conn
}

// New returns an idle scripted engine.
func New() *Engine {
	return &Engine{
		Wait:     DefaultWait,
		wake:     make(chan struct{}, 1),
		writes:   make(map[*Conn][]Frame),
		closed:   make(map[*Conn]bool),
		short:    make(map[*Conn]bool),
		writeErr: make(map[*Conn]error),
	}
}

// Factory matches engine.Factory. It binds the engine to handler.
func (e *Engine) Factory(cfg engine.Config, handler engine.Handler) (engine.Engine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	e.handler = handler
	e.builds++
	e.queue = nil
	e.writableQ = nil
	return e, nil
}

// FailListen makes the next Listen calls fail with err. nil restores success.
func (e *Engine) FailListen(err error) {
	e.mu.Lock()
	e.listenErr = err
	e.mu.Unlock()
}

// OnListen sets a function run at the start of Listen.
func (e *Engine) OnListen(fn func()) {
	e.mu.Lock()
	e.listenHook = fn
	e.mu.Unlock()
}

// ShortWrite makes writes to c report one byte less than requested.
func (e *Engine) ShortWrite(c *Conn) {
	e.mu.Lock()
	e.short[c] = true
	e.mu.Unlock()
}

// FailWrite makes writes to c fail with err.
func (e *Engine) FailWrite(c *Conn, err error) {
	e.mu.Lock()
	e.writeErr[c] = err
	e.mu.Unlock()
}

// Config returns the configuration passed to the last Factory call.
func (e *Engine) Config() engine.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Builds returns how many times Factory was called.
func (e *Engine) Builds() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.builds
}

// Destroyed returns how many times Destroy was called.
func (e *Engine) Destroyed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyed
}

// Listen implements engine.Engine.
func (e *Engine) Listen(ctx context.Context) error {
	e.mu.Lock()
	hook := e.listenHook
	err := e.listenErr
	e.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return &engine.StageError{Stage: "vhost", Err: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	return nil
}

// Connect opens a new connection. It returns the handler's error when the
// connection was rejected.
func (e *Engine) Connect() (*Conn, error) {
	e.mu.Lock()
	e.seq++
	c := &Conn{peer: fmt.Sprintf("peer-%d", e.seq)}
	e.mu.Unlock()

	if err := e.script(engine.Event{Kind: engine.EventEstablished, Handle: c}); err != nil {
		return c, err
	}
	return c, nil
}

// Disconnect closes c from the peer side.
func (e *Engine) Disconnect(c *Conn) error {
	return e.script(engine.Event{Kind: engine.EventClosed, Handle: c})
}

// Receive delivers msg to the server as a single-frame message.
func (e *Engine) Receive(c *Conn, msg string) error {
	return e.ReceiveFragment(c, []byte(msg), true, true)
}

// ReceiveFragment delivers one inbound fragment.
func (e *Engine) ReceiveFragment(c *Conn, data []byte, first, final bool) error {
	return e.script(engine.Event{Kind: engine.EventReceive, Handle: c, Data: data, First: first, Final: final})
}

// script queues ev for the loop goroutine and waits for the handler result.
func (e *Engine) script(ev engine.Event) error {
	done := make(chan error, 1)

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrTimeout
	}
	e.queue = append(e.queue, scripted{ev: ev, done: done})
	e.mu.Unlock()
	e.Cancel()

	wait := e.Wait
	if wait <= 0 {
		wait = DefaultWait
	}
	select {
	case err := <-done:
		return err
	case <-time.After(wait):
		return ErrTimeout
	}
}

// Service implements engine.Engine.
func (e *Engine) Service(timeout time.Duration) error {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return engine.ErrDestroyed
	}

	if e.flushWritable() == 0 && e.pending() == 0 && timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-e.wake:
		case <-timer.C:
			return nil
		}
	}

	e.mu.Lock()
	batch := e.queue
	e.queue = nil
	e.mu.Unlock()

	for _, s := range batch {
		err := e.dispatch(s.ev)
		if s.done != nil {
			s.done <- err
		}
	}
	return nil
}

func (e *Engine) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *Engine) flushWritable() int {
	pending := e.writableQ
	e.writableQ = nil
	for _, c := range pending {
		c.writable = false
		if !c.accepted || c.closing {
			continue
		}
		if err := e.handler(engine.Event{Kind: engine.EventWritable, Handle: c}); err != nil {
			e.closeLocal(c)
		}
	}
	return len(pending)
}

func (e *Engine) dispatch(ev engine.Event) error {
	c := ev.Handle.(*Conn)

	switch ev.Kind {
	case engine.EventEstablished:
		if err := e.handler(ev); err != nil {
			c.closing = true
			e.markClosed(c)
			return err
		}
		c.accepted = true
		return nil

	case engine.EventClosed:
		if !c.accepted {
			return ErrClosed
		}
		c.accepted = false
		c.closing = true
		e.markClosed(c)
		return e.handler(ev)

	case engine.EventReceive:
		if !c.accepted || c.closing {
			return ErrClosed
		}
		if err := e.handler(ev); err != nil {
			e.closeLocal(c)
			return err
		}
		return nil
	}
	return nil
}

// closeLocal tears c down the way a real engine would: the connection is
// closed and Closed reaches the handler on a later Service call.
func (e *Engine) closeLocal(c *Conn) {
	if !c.accepted || c.closing {
		return
	}
	c.closing = true
	e.markClosed(c)

	e.mu.Lock()
	e.queue = append(e.queue, scripted{ev: engine.Event{Kind: engine.EventClosed, Handle: c}})
	e.mu.Unlock()
}

func (e *Engine) markClosed(c *Conn) {
	e.mu.Lock()
	e.closed[c] = true
	e.mu.Unlock()
}

// RequestWritable implements engine.Engine.
func (e *Engine) RequestWritable(h engine.Handle) {
	c, ok := h.(*Conn)
	if !ok || c.writable || c.closing {
		return
	}
	c.writable = true
	e.writableQ = append(e.writableQ, c)
}

// Write implements engine.Engine and records the fragment.
func (e *Engine) Write(h engine.Handle, p []byte, first, final bool) (int, error) {
	c, ok := h.(*Conn)
	if !ok {
		return 0, fmt.Errorf("enginetest: foreign handle %T", h)
	}
	if c.closing {
		return 0, ErrClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.writeErr[c]; err != nil {
		return 0, err
	}
	n := len(p)
	if e.short[c] && n > 0 {
		n--
	}
	e.writes[c] = append(e.writes[c], Frame{Data: string(p[:n]), First: first, Final: final})
	return n, nil
}

// CloseConn implements engine.Engine.
func (e *Engine) CloseConn(h engine.Handle) {
	if c, ok := h.(*Conn); ok {
		e.closeLocal(c)
	}
}

// Cancel implements engine.Engine.
func (e *Engine) Cancel() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Destroy implements engine.Engine. Scripted events still queued fail with
// ErrClosed.
func (e *Engine) Destroy() {
	e.mu.Lock()
	e.running = false
	e.destroyed++
	batch := e.queue
	e.queue = nil
	e.mu.Unlock()

	for _, s := range batch {
		if s.done != nil {
			s.done <- ErrClosed
		}
	}
}

// Frames returns the fragments written to c so far.
func (e *Engine) Frames(c *Conn) []Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Frame(nil), e.writes[c]...)
}

// Closed reports whether c was closed by either side.
func (e *Engine) Closed(c *Conn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed[c]
}

// WaitFrames waits until c has at least n fragments and returns them.
func (e *Engine) WaitFrames(c *Conn, n int) ([]Frame, error) {
	deadline := time.Now().Add(e.Wait)
	for {
		frames := e.Frames(c)
		if len(frames) >= n {
			return frames, nil
		}
		if time.Now().After(deadline) {
			return frames, fmt.Errorf("%w: %d of %d frames", ErrTimeout, len(frames), n)
		}
		time.Sleep(time.Millisecond)
	}
}

// WaitClosed waits until c is closed.
func (e *Engine) WaitClosed(c *Conn) error {
	deadline := time.Now().Add(e.Wait)
	for !e.Closed(c) {
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

// Messages joins the fragments written to c into complete messages.
func Messages(frames []Frame) []string {
	var out []string
	var b strings.Builder
	for _, f := range frames {
		if f.First {
			b.Reset()
		}
		b.WriteString(f.Data)
		if f.Final {
			out = append(out, b.String())
		}
	}
	return out
}
