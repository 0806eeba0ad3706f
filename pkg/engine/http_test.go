package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// echoHarness runs an HTTP engine whose handler echoes every message back
// in fragments of at most split bytes.
type echoHarness struct {
	eng    *HTTPEngine
	ts     *httptest.Server
	split  int
	reject bool

	mu       sync.Mutex
	received []Event

	// Loop goroutine only.
	inbox   map[Handle][]byte
	pending map[Handle][][]byte
	first   map[Handle]bool

	done chan struct{}
}

func newEchoHarness(t *testing.T, cfg Config, split int) *echoHarness {
	t.Helper()
	h := &echoHarness{
		split:   split,
		inbox:   make(map[Handle][]byte),
		pending: make(map[Handle][][]byte),
		first:   make(map[Handle]bool),
		done:    make(chan struct{}),
	}
	cfg.Logger = testLogger()
	if cfg.WebDir == "" {
		cfg.WebDir = t.TempDir()
	}
	e, err := NewHTTP(cfg, h.handle)
	if err != nil {
		t.Fatalf("NewHTTP() error: %v", err)
	}
	h.eng = e.(*HTTPEngine)
	h.ts = httptest.NewServer(h.eng.router())

	go func() {
		defer close(h.done)
		for {
			if err := h.eng.Service(20 * time.Millisecond); err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() {
		h.eng.Destroy()
		<-h.done
		h.ts.Close()
	})
	return h
}

func (h *echoHarness) url(path string) string {
	return "ws" + strings.TrimPrefix(h.ts.URL, "http") + path
}

func (h *echoHarness) handle(ev Event) error {
	h.mu.Lock()
	h.received = append(h.received, Event{Kind: ev.Kind, Data: append([]byte(nil), ev.Data...), First: ev.First, Final: ev.Final})
	reject := h.reject
	h.mu.Unlock()

	switch ev.Kind {
	case EventEstablished:
		if reject {
			return errors.New("full")
		}
	case EventReceive:
		if ev.First {
			h.inbox[ev.Handle] = nil
		}
		h.inbox[ev.Handle] = append(h.inbox[ev.Handle], ev.Data...)
		if ev.Final {
			msg := h.inbox[ev.Handle]
			var parts [][]byte
			for len(msg) > h.split {
				parts = append(parts, msg[:h.split])
				msg = msg[h.split:]
			}
			parts = append(parts, msg)
			h.pending[ev.Handle] = parts
			h.first[ev.Handle] = true
			h.eng.RequestWritable(ev.Handle)
		}
	case EventWritable:
		parts := h.pending[ev.Handle]
		if len(parts) == 0 {
			return nil
		}
		final := len(parts) == 1
		if _, err := h.eng.Write(ev.Handle, parts[0], h.first[ev.Handle], final); err != nil {
			return err
		}
		h.first[ev.Handle] = false
		h.pending[ev.Handle] = parts[1:]
		if !final {
			h.eng.RequestWritable(ev.Handle)
		}
	}
	return nil
}

func (h *echoHarness) events(kind EventKind) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, ev := range h.received {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (h *echoHarness) waitEvents(t *testing.T, kind EventKind, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		evs := h.events(kind)
		if len(evs) >= n {
			return evs
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d %s events, want %d", len(evs), kind, n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestGorillaEcho(t *testing.T) {
	h := newEchoHarness(t, Config{MaxFrameSize: 4096}, 1000)

	conn, _, err := websocket.DefaultDialer.Dial(h.url("/"), nil)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	payload := strings.Repeat("x", 10000)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("WriteMessage() error: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, got, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error: %v", err)
	}
	if string(got) != payload {
		t.Errorf("echo = %d bytes, want %d", len(got), len(payload))
	}

	// Inbound re-chunked at MaxFrameSize.
	recv := h.waitEvents(t, EventReceive, 3)
	wantLens := []int{4096, 4096, 1808}
	for i, ev := range recv[:3] {
		if len(ev.Data) != wantLens[i] {
			t.Errorf("fragment %d: %d bytes, want %d", i, len(ev.Data), wantLens[i])
		}
		if ev.First != (i == 0) || ev.Final != (i == 2) {
			t.Errorf("fragment %d: first/final = %v/%v", i, ev.First, ev.Final)
		}
	}
}

func TestGorillaEmptyMessage(t *testing.T) {
	h := newEchoHarness(t, Config{}, 100)

	conn, _, err := websocket.DefaultDialer.Dial(h.url("/"), nil)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	conn.WriteMessage(websocket.TextMessage, nil)
	recv := h.waitEvents(t, EventReceive, 1)
	if !recv[0].First || !recv[0].Final || len(recv[0].Data) != 0 {
		t.Errorf("empty message event = %+v", recv[0])
	}
}

func TestGobwasFrames(t *testing.T) {
	h := newEchoHarness(t, Config{Framer: FramerGobwas}, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, h.url("/"))
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}

	for _, f := range []ws.Frame{
		ws.NewFrame(ws.OpText, false, []byte("hel")),
		ws.NewFrame(ws.OpContinuation, true, []byte("lo")),
	} {
		if err := ws.WriteFrame(conn, ws.MaskFrameInPlace(f)); err != nil {
			t.Fatalf("WriteFrame() error: %v", err)
		}
	}

	// Inbound keeps the peer's frame boundaries.
	recv := h.waitEvents(t, EventReceive, 2)
	if string(recv[0].Data) != "hel" || !recv[0].First || recv[0].Final {
		t.Errorf("fragment 0 = %+v", recv[0])
	}
	if string(recv[1].Data) != "lo" || recv[1].First || !recv[1].Final {
		t.Errorf("fragment 1 = %+v", recv[1])
	}

	// Outbound fragments map to one frame each.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	want := []struct {
		op   ws.OpCode
		fin  bool
		data string
	}{
		{ws.OpText, false, "he"},
		{ws.OpContinuation, false, "ll"},
		{ws.OpContinuation, true, "o"},
	}
	for i, w := range want {
		f, err := ws.ReadFrame(r)
		if err != nil {
			t.Fatalf("ReadFrame(%d) error: %v", i, err)
		}
		if f.Header.OpCode != w.op || f.Header.Fin != w.fin || string(f.Payload) != w.data {
			t.Errorf("frame %d = op %v fin %v %q, want op %v fin %v %q",
				i, f.Header.OpCode, f.Header.Fin, f.Payload, w.op, w.fin, w.data)
		}
	}
}

func TestGobwasPingPong(t *testing.T) {
	h := newEchoHarness(t, Config{Framer: FramerGobwas}, 100)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, h.url("/"))
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()
	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}

	ping := ws.MaskFrameInPlace(ws.NewPingFrame([]byte("p")))
	if err := ws.WriteFrame(conn, ping); err != nil {
		t.Fatalf("WriteFrame() error: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	f, err := ws.ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame() error: %v", err)
	}
	if f.Header.OpCode != ws.OpPong || string(f.Payload) != "p" {
		t.Errorf("reply = op %v %q, want pong p", f.Header.OpCode, f.Payload)
	}
}

func TestRejectedConnection(t *testing.T) {
	h := newEchoHarness(t, Config{}, 100)
	h.mu.Lock()
	h.reject = true
	h.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(h.url("/"), nil)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseTryAgainLater {
		t.Fatalf("ReadMessage() error = %v, want close 1013", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := len(h.events(EventClosed)); n != 0 {
		t.Errorf("Closed delivered %d times for a rejected connection", n)
	}
}

func TestClosedAfterPeerLeaves(t *testing.T) {
	h := newEchoHarness(t, Config{}, 100)

	conn, _, err := websocket.DefaultDialer.Dial(h.url("/"), nil)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	h.waitEvents(t, EventEstablished, 1)
	conn.Close()

	h.waitEvents(t, EventClosed, 1)
}

func TestWebSocketPath(t *testing.T) {
	h := newEchoHarness(t, Config{WebSocketPath: "/ws"}, 100)

	if _, resp, err := websocket.DefaultDialer.Dial(h.url("/other"), nil); err == nil {
		t.Error("upgrade on /other succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("upgrade on /other: resp = %v, want 404", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(h.url("/ws"), nil)
	if err != nil {
		t.Fatalf("Dial(/ws) error: %v", err)
	}
	conn.Close()
}

func TestCheckOrigin(t *testing.T) {
	h := newEchoHarness(t, Config{CheckOrigin: func(*http.Request) bool { return false }}, 100)

	_, resp, err := websocket.DefaultDialer.Dial(h.url("/"), nil)
	if err == nil {
		t.Fatal("Dial() succeeded with a rejecting origin check")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("resp = %v, want 403", resp)
	}
}

func TestStaticFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>home</h1>"), 0o644)
	os.WriteFile(filepath.Join(dir, "data.csv"), []byte("a,b\n"), 0o644)
	os.MkdirAll(filepath.Join(dir, "sub"), 0o755)
	os.WriteFile(filepath.Join(dir, "sub", "index.html"), []byte("sub"), 0o644)

	h := newEchoHarness(t, Config{WebDir: dir}, 100)

	tests := []struct {
		path        string
		status      int
		body        string
		contentType string
	}{
		{"/", http.StatusOK, "<h1>home</h1>", "text/html"},
		{"/data.csv", http.StatusOK, "a,b\n", "text/csv"},
		{"/sub/", http.StatusOK, "sub", "text/html"},
		{"/missing.txt", http.StatusNotFound, "", ""},
		{"/../etc/passwd", http.StatusNotFound, "", ""},
	}
	for _, tt := range tests {
		resp, err := http.Get(h.ts.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s error: %v", tt.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != tt.status {
			t.Errorf("GET %s status = %d, want %d", tt.path, resp.StatusCode, tt.status)
		}
		if tt.body != "" && string(body) != tt.body {
			t.Errorf("GET %s body = %q, want %q", tt.path, body, tt.body)
		}
		if tt.contentType != "" && !strings.HasPrefix(resp.Header.Get("Content-Type"), tt.contentType) {
			t.Errorf("GET %s Content-Type = %q, want %s", tt.path, resp.Header.Get("Content-Type"), tt.contentType)
		}
	}
}

func TestNotFoundDocument(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "404.html"), []byte("custom missing"), 0o644)
	h := newEchoHarness(t, Config{WebDir: dir}, 100)

	resp, err := http.Get(h.ts.URL + "/nope")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if string(body) != "custom missing" {
		t.Errorf("body = %q, want custom 404 document", body)
	}
}

func TestStaticRelPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"/", ".", true},
		{"/index.html", "index.html", true},
		{"/a/b.js", "a/b.js", true},
		{"/a/", "a", true},
		{"/../x", "", false},
		{"/a/../b", "", false},
		{"/./a", "", false},
		{"//etc/passwd", "", false},
		{"/a\\b", "", false},
		{"/a\x00b", "", false},
	}
	for _, tt := range tests {
		got, ok := staticRelPath(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("staticRelPath(%q) = %q, %v, want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestListenAndDestroy(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "index.html"), []byte("ok"), 0o644)

	port := freePort(t)
	e, err := NewHTTP(Config{
		BindAddress: "127.0.0.1",
		WebDir:      dir,
		Port:        port,
		Logger:      testLogger(),
	}, func(Event) error { return nil })
	if err != nil {
		t.Fatalf("NewHTTP() error: %v", err)
	}
	eng := e.(*HTTPEngine)

	if err := eng.Listen(context.Background()); err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	addrs := eng.Addrs()
	if len(addrs) != 1 || !strings.HasSuffix(addrs[0].String(), ":"+strconv.Itoa(port)) {
		t.Fatalf("Addrs() = %v, want port %d", addrs, port)
	}

	resp, err := http.Get("http://" + addrs[0].String() + "/")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Errorf("body = %q, want ok", body)
	}

	eng.Destroy()
	eng.Destroy()
	if err := eng.Service(0); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Service() after Destroy = %v, want ErrDestroyed", err)
	}
}

func TestListenTLSMissingKeyPair(t *testing.T) {
	e, err := NewHTTP(Config{
		TLSPort:     freePort(t),
		TLSCertPath: "/nonexistent/cert.pem",
		TLSKeyPath:  "/nonexistent/key.pem",
		Logger:      testLogger(),
	}, func(Event) error { return nil })
	if err != nil {
		t.Fatalf("NewHTTP() error: %v", err)
	}
	defer e.Destroy()

	err = e.Listen(context.Background())
	var se *StageError
	if !errors.As(err, &se) || se.Stage != "tls key pair" {
		t.Errorf("Listen() error = %v, want tls key pair StageError", err)
	}
}

func TestListenNoPorts(t *testing.T) {
	e, err := NewHTTP(Config{Logger: testLogger()}, func(Event) error { return nil })
	if err != nil {
		t.Fatalf("NewHTTP() error: %v", err)
	}
	defer e.Destroy()

	var se *StageError
	if err := e.Listen(context.Background()); !errors.As(err, &se) || se.Stage != "vhost" {
		t.Errorf("Listen() error = %v, want vhost StageError", err)
	}
}

func TestUnknownFramer(t *testing.T) {
	_, err := NewHTTP(Config{Framer: "carrier-pigeon"}, func(Event) error { return nil })
	var se *StageError
	if !errors.As(err, &se) || se.Stage != "framer" {
		t.Errorf("NewHTTP() error = %v, want framer StageError", err)
	}
}

func TestServiceReturnsOnCancel(t *testing.T) {
	e, err := NewHTTP(Config{Logger: testLogger()}, func(Event) error { return nil })
	if err != nil {
		t.Fatalf("NewHTTP() error: %v", err)
	}
	defer e.Destroy()

	e.Cancel()
	start := time.Now()
	if err := e.Service(time.Hour); err != nil {
		t.Fatalf("Service() error: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Service() ignored Cancel")
	}
}

func TestEventKindString(t *testing.T) {
	for k, want := range map[EventKind]string{
		EventEstablished: "established",
		EventClosed:      "closed",
		EventReceive:     "receive",
		EventWritable:    "writable",
		EventKind(42):    "EventKind(42)",
	} {
		if got := k.String(); got != want {
			t.Errorf("EventKind(%d).String() = %q, want %q", uint8(k), got, want)
		}
	}
}
