package webserver

import (
	"log/slog"

	"github.com/wsbroker/wsbroker/pkg/conntable"
	"github.com/wsbroker/wsbroker/pkg/engine"
	"github.com/wsbroker/wsbroker/pkg/metrics"
	"github.com/wsbroker/wsbroker/pkg/queue"
)

// scheduler fans outbound messages out to connections and writes them one
// chunk per writable callback. Loop goroutine only.
//
// A connection holds at most one outbound message. A message arriving for a
// busy connection is dropped for that connection, so frames of two messages
// never interleave on one connection.
type scheduler struct {
	eng      engine.Engine
	table    *conntable.Table
	outbound *queue.Queue[Message]
	maxFrame int
	metrics  *metrics.Recorder
	logger   *slog.Logger
}

// drain schedules every message queued so far and returns how many it took.
func (s *scheduler) drain() int {
	n := 0
	for {
		r := s.outbound.Poll(0)
		if !r.OK() {
			return n
		}
		s.fanOut(r.Value)
		n++
	}
}

func (s *scheduler) fanOut(msg Message) {
	if msg.ConnectionID != Broadcast {
		c, ok := s.table.Get(msg.ConnectionID)
		if !ok {
			s.metrics.MessageDropped(metrics.ReasonNoDestination)
			s.logger.Debug("no such connection, message dropped", "conn_id", msg.ConnectionID)
			return
		}
		s.assign(c, msg)
		return
	}

	for _, c := range s.table.Snapshot() {
		s.assign(c, msg)
	}
}

func (s *scheduler) assign(c *conntable.Connection, msg Message) {
	if !c.Assign(msg.Payload) {
		s.metrics.MessageDropped(metrics.ReasonBusy)
		s.logger.Debug("connection busy, message dropped",
			"conn_id", c.ID,
			"bytes", len(msg.Payload))
		return
	}
	s.eng.RequestWritable(c.Handle)
}

// writable writes the next chunk of c's outbox. A non-nil error is
// connection-fatal and leaves c idle.
func (s *scheduler) writable(c *conntable.Connection) error {
	ob := c.Outbox()
	if ob == nil {
		return nil
	}

	chunk := NextChunk(ob.Payload, ob.Cursor, s.maxFrame)
	n, err := s.eng.Write(c.Handle, []byte(chunk.Data), chunk.First, chunk.Final)
	if err == nil && n < len(chunk.Data) {
		err = ErrShortWrite
	}
	if err != nil {
		c.ClearOutbox()
		s.metrics.TransportError("write")
		return &TransportError{ConnID: c.ID, Op: "write", Err: err}
	}

	s.metrics.FrameSent()
	ob.Cursor = chunk.Next
	if chunk.Final {
		c.ClearOutbox()
		s.metrics.MessageDelivered(len(ob.Payload))
		return nil
	}
	s.eng.RequestWritable(c.Handle)
	return nil
}
