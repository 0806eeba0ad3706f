package engine

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
)

// maxInboundFrame caps the payload length accepted in a single frame header.
const maxInboundFrame = 16 << 20

var errProtocol = errors.New("engine: websocket protocol violation")

type gobwasFramer struct {
	cfg Config
}

func (f *gobwasFramer) name() string { return FramerGobwas }

func (f *gobwasFramer) upgrade(w http.ResponseWriter, r *http.Request) (wire, error) {
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return nil, err
	}
	var br *bufio.Reader
	if rw != nil {
		br = rw.Reader
	} else {
		br = bufio.NewReader(conn)
	}
	return &gobwasWire{conn: conn, br: br, cfg: f.cfg}, nil
}

// gobwasWire reads and writes individual frames, so inbound fragments keep
// the peer's frame boundaries and outbound chunks map to one frame each.
type gobwasWire struct {
	conn net.Conn
	br   *bufio.Reader
	cfg  Config

	// wmu serializes data frames from the loop with control frames from the
	// reader and keepalive goroutines.
	wmu sync.Mutex
}

func (w *gobwasWire) readLoop(emit func(data []byte, first, final bool) bool) error {
	inMessage := false

	for {
		w.conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))

		h, err := ws.ReadHeader(w.br)
		if err != nil {
			return err
		}
		if !h.Masked {
			return fmt.Errorf("%w: unmasked client frame", errProtocol)
		}
		if h.Length > maxInboundFrame {
			return fmt.Errorf("%w: frame of %d bytes", errProtocol, h.Length)
		}

		payload := make([]byte, h.Length)
		if _, err := io.ReadFull(w.br, payload); err != nil {
			return err
		}
		ws.Cipher(payload, h.Mask, 0)

		switch h.OpCode {
		case ws.OpPing:
			if err := w.writeFrame(ws.NewPongFrame(payload)); err != nil {
				return err
			}
		case ws.OpPong:
		case ws.OpClose:
			w.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
			return io.EOF
		case ws.OpText, ws.OpBinary:
			if inMessage {
				return fmt.Errorf("%w: new message inside fragmented message", errProtocol)
			}
			inMessage = !h.Fin
			if !emit(payload, true, h.Fin) {
				return nil
			}
		case ws.OpContinuation:
			if !inMessage {
				return fmt.Errorf("%w: continuation without message", errProtocol)
			}
			inMessage = !h.Fin
			if !emit(payload, false, h.Fin) {
				return nil
			}
		default:
			return fmt.Errorf("%w: opcode %d", errProtocol, h.OpCode)
		}
	}
}

func (w *gobwasWire) writeFrame(f ws.Frame) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	return ws.WriteFrame(w.conn, f)
}

func (w *gobwasWire) writeFragment(p []byte, first, final bool) (int, error) {
	op := ws.OpContinuation
	if first {
		op = ws.OpText
	}
	if err := w.writeFrame(ws.NewFrame(op, final, p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *gobwasWire) ping() error {
	return w.writeFrame(ws.NewPingFrame(nil))
}

func (w *gobwasWire) reject(reason string) {
	body := ws.NewCloseFrameBody(ws.StatusCode(1013), reason)
	w.writeFrame(ws.NewCloseFrame(body))
}

func (w *gobwasWire) close() error {
	return w.conn.Close()
}
