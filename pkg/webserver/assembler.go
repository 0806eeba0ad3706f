package webserver

import (
	"log/slog"
	"unicode/utf8"

	"github.com/wsbroker/wsbroker/pkg/conntable"
	"github.com/wsbroker/wsbroker/pkg/metrics"
	"github.com/wsbroker/wsbroker/pkg/queue"
)

// assembler joins inbound fragments into messages. Loop goroutine only.
type assembler struct {
	sink         *queue.Queue[Message]
	maxMessage   int
	validateUTF8 bool
	metrics      *metrics.Recorder
	logger       *slog.Logger
}

// receive handles one fragment for c. A non-nil error is connection-fatal.
func (a *assembler) receive(c *conntable.Connection, data []byte, first, final bool) error {
	if first {
		c.ResetInbox()
	}
	n := c.AppendInbox(data)
	if a.maxMessage > 0 && n > a.maxMessage {
		c.ResetInbox()
		a.metrics.TransportError("receive")
		return &TransportError{ConnID: c.ID, Op: "receive", Err: ErrMessageTooLarge}
	}
	if !final {
		return nil
	}

	msg := Message{ConnectionID: c.ID, Payload: c.Inbox()}
	c.ResetInbox()

	if a.validateUTF8 && !utf8.ValidString(msg.Payload) {
		a.metrics.TransportError("receive")
		return &TransportError{ConnID: c.ID, Op: "receive", Err: ErrInvalidUTF8}
	}

	a.metrics.MessageReceived(len(msg.Payload))
	if st := a.sink.Offer(msg, 0); st != queue.StatusOK {
		a.metrics.MessageDropped(metrics.ReasonInboundFull)
		a.logger.Warn("inbound queue full, message dropped",
			"conn_id", c.ID,
			"bytes", len(msg.Payload),
			"status", st.String())
	}
	return nil
}
