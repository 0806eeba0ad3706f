package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// wire is one upgraded websocket connection as seen by a framer.
type wire interface {
	// readLoop reads inbound fragments and passes each to emit until the
	// connection fails or emit returns false.
	readLoop(emit func(data []byte, first, final bool) bool) error

	// writeFragment writes one fragment of a text message.
	writeFragment(p []byte, first, final bool) (int, error)

	// ping sends a keepalive ping. Safe concurrently with writeFragment.
	ping() error

	// reject sends a close frame telling the peer to retry later.
	reject(reason string)

	close() error
}

// httpConn is the Handle of a connection served by the HTTP engine.
type httpConn struct {
	peer   string
	remote string
	wire   wire

	// Loop goroutine only.
	user     any
	accepted bool
	closing  bool
	writable bool

	closeOnce sync.Once
	done      chan struct{}
}

func newHTTPConn(w wire, remote string) *httpConn {
	return &httpConn{
		peer:   uuid.NewString(),
		remote: remote,
		wire:   w,
		done:   make(chan struct{}),
	}
}

func (c *httpConn) Peer() string       { return c.peer }
func (c *httpConn) RemoteAddr() string { return c.remote }
func (c *httpConn) User() any          { return c.user }
func (c *httpConn) SetUser(v any)      { c.user = v }

// shutdown closes the wire once. The reader goroutine then fails and reports
// EventClosed.
func (c *httpConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.wire.close()
	})
}

// keepalive pings the peer until the connection closes.
func (c *httpConn) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.wire.ping(); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
