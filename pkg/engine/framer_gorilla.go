package engine

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// framer upgrades HTTP requests into wires.
type framer interface {
	name() string
	upgrade(w http.ResponseWriter, r *http.Request) (wire, error)
}

func newFramer(cfg Config) (framer, error) {
	switch cfg.Framer {
	case FramerGorilla:
		return &gorillaFramer{
			cfg: cfg,
			upgrader: websocket.Upgrader{
				ReadBufferSize:    cfg.MaxFrameSize,
				WriteBufferSize:   cfg.MaxFrameSize,
				CheckOrigin:       func(*http.Request) bool { return true },
				EnableCompression: cfg.EnableCompression,
			},
		}, nil
	case FramerGobwas:
		return &gobwasFramer{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("unknown framer %q", cfg.Framer)
	}
}

type gorillaFramer struct {
	cfg      Config
	upgrader websocket.Upgrader
}

func (f *gorillaFramer) name() string { return FramerGorilla }

func (f *gorillaFramer) upgrade(w http.ResponseWriter, r *http.Request) (wire, error) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &gorillaWire{conn: conn, cfg: f.cfg}, nil
}

// gorillaWire adapts a gorilla connection. gorilla hides frame boundaries:
// inbound messages are re-chunked at MaxFrameSize, and outbound fragments of
// one message share a NextWriter that emits a frame whenever its
// MaxFrameSize buffer fills.
type gorillaWire struct {
	conn *websocket.Conn
	cfg  Config

	// Loop goroutine only.
	writer io.WriteCloser
}

func (w *gorillaWire) readLoop(emit func(data []byte, first, final bool) bool) error {
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
	})

	for {
		w.conn.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))

		_, r, err := w.conn.NextReader()
		if err != nil {
			return err
		}

		// Hold one chunk back so the last one can be marked final.
		first := true
		var pending []byte
		havePending := false
		for {
			buf := make([]byte, w.cfg.MaxFrameSize)
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				if havePending {
					if !emit(pending, first, false) {
						return nil
					}
					first = false
				}
				pending = buf[:n]
				havePending = true
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				if !emit(pending, first, true) {
					return nil
				}
				break
			}
			if err != nil {
				return err
			}
		}
	}
}

func (w *gorillaWire) writeFragment(p []byte, first, final bool) (int, error) {
	w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))

	if first || w.writer == nil {
		if w.writer != nil {
			w.writer.Close()
		}
		nw, err := w.conn.NextWriter(websocket.TextMessage)
		if err != nil {
			return 0, err
		}
		w.writer = nw
	}

	n, err := w.writer.Write(p)
	if err != nil {
		w.writer = nil
		return n, err
	}
	if final {
		err = w.writer.Close()
		w.writer = nil
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (w *gorillaWire) ping() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.cfg.WriteTimeout))
}

func (w *gorillaWire) reject(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason)
	w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (w *gorillaWire) close() error {
	return w.conn.Close()
}
