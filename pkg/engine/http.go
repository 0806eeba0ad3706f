package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"golang.org/x/sync/errgroup"
)

// maxEventBatch bounds the events dispatched by one Service call so the loop
// gets back to its outbound queue regularly.
const maxEventBatch = 256

// HTTPEngine serves static files and websocket connections over net/http.
type HTTPEngine struct {
	cfg     Config
	handler Handler
	framer  framer
	logger  *slog.Logger

	events chan Event
	wake   chan struct{}
	done   chan struct{}

	// Loop goroutine only.
	writable []*httpConn

	mu        sync.Mutex
	live      map[*httpConn]struct{}
	servers   []*http.Server
	listeners []net.Listener
	group     *errgroup.Group

	destroyed atomic.Bool
}

// NewHTTP creates an HTTP engine delivering callbacks to handler.
// It matches the Factory signature.
func NewHTTP(cfg Config, handler Handler) (Engine, error) {
	cfg = cfg.withDefaults()

	fr, err := newFramer(cfg)
	if err != nil {
		return nil, &StageError{Stage: "framer", Err: err}
	}

	registerMimeTypes()

	return &HTTPEngine{
		cfg:     cfg,
		handler: handler,
		framer:  fr,
		logger:  cfg.Logger.With("component", "engine", "vhost", cfg.Hostname, "framer", fr.name()),
		events:  make(chan Event, cfg.EventBuffer),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		live:    make(map[*httpConn]struct{}),
	}, nil
}

// Listen opens the plaintext and TLS listeners and starts serving.
func (e *HTTPEngine) Listen(ctx context.Context) error {
	router := e.router()

	type vhost struct {
		stage string
		port  int
		tls   *tls.Config
	}
	var hosts []vhost

	if e.cfg.Port > 0 {
		hosts = append(hosts, vhost{stage: "http vhost", port: e.cfg.Port})
	}
	if e.cfg.TLSPort > 0 {
		cert, err := tls.LoadX509KeyPair(e.cfg.TLSCertPath, e.cfg.TLSKeyPath)
		if err != nil {
			return &StageError{Stage: "tls key pair", Err: err}
		}
		hosts = append(hosts, vhost{
			stage: "https vhost",
			port:  e.cfg.TLSPort,
			tls: &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			},
		})
	}
	if len(hosts) == 0 {
		return &StageError{Stage: "vhost", Err: errors.New("no port enabled")}
	}

	var lc net.ListenConfig
	e.mu.Lock()
	defer e.mu.Unlock()

	group := new(errgroup.Group)
	e.group = group

	for _, h := range hosts {
		addr := net.JoinHostPort(e.cfg.BindAddress, strconv.Itoa(h.port))
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			e.closeListenersLocked()
			return &StageError{Stage: h.stage, Err: err}
		}
		if h.tls != nil {
			ln = tls.NewListener(ln, h.tls)
		}

		srv := &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          slog.NewLogLogger(e.logger.Handler(), slog.LevelWarn),
		}
		e.servers = append(e.servers, srv)
		e.listeners = append(e.listeners, ln)

		stage := h.stage
		group.Go(func() error {
			err := srv.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				e.logger.Error("listener stopped", "vhost", stage, "error", err)
				return err
			}
			return nil
		})
		e.logger.Info("listening", "stage", h.stage, "address", ln.Addr().String())
	}
	return nil
}

// Addrs returns the addresses the engine listens on.
func (e *HTTPEngine) Addrs() []net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	addrs := make([]net.Addr, 0, len(e.listeners))
	for _, ln := range e.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

func (e *HTTPEngine) closeListenersLocked() {
	for _, ln := range e.listeners {
		ln.Close()
	}
	e.listeners = nil
	e.servers = nil
}

// router builds the HTTP handler: websocket upgrades first, static files otherwise.
func (e *HTTPEngine) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(e.upgradeMiddleware)
	r.Handle("/*", newStaticHandler(e.cfg.WebDir))

	if e.cfg.AccessLog {
		return requestlog.Wrap(r)
	}
	return r
}

func (e *HTTPEngine) upgradeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		if e.cfg.WebSocketPath != "/" && r.URL.Path != e.cfg.WebSocketPath {
			http.NotFound(w, r)
			return
		}
		e.serveWebSocket(w, r)
	})
}

// serveWebSocket upgrades the request and starts the connection reader.
func (e *HTTPEngine) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	if e.destroyed.Load() {
		http.Error(w, "server stopping", http.StatusServiceUnavailable)
		return
	}
	if !e.cfg.CheckOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	wr, err := e.framer.upgrade(w, r)
	if err != nil {
		e.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newHTTPConn(wr, r.RemoteAddr)
	if !e.track(conn) {
		wr.reject("server stopping")
		conn.shutdown()
		return
	}

	// Established is queued before the reader starts, so it always precedes
	// the connection's Receive events.
	if !e.push(Event{Kind: EventEstablished, Handle: conn}) {
		conn.shutdown()
		return
	}

	go e.readConn(conn)
	go conn.keepalive(e.cfg.PingInterval)
}

// readConn forwards inbound fragments to Service until the connection fails.
func (e *HTTPEngine) readConn(conn *httpConn) {
	err := conn.wire.readLoop(func(data []byte, first, final bool) bool {
		return e.push(Event{Kind: EventReceive, Handle: conn, Data: data, First: first, Final: final})
	})
	if err != nil && !isCloseError(err) {
		e.logger.Debug("connection read ended", "peer", conn.peer, "error", err)
	}
	conn.shutdown()
	e.untrack(conn)
	e.push(Event{Kind: EventClosed, Handle: conn})
}

// track registers conn so Destroy can close it. It fails once destroyed.
func (e *HTTPEngine) track(conn *httpConn) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed.Load() {
		return false
	}
	e.live[conn] = struct{}{}
	return true
}

func (e *HTTPEngine) untrack(conn *httpConn) {
	e.mu.Lock()
	delete(e.live, conn)
	e.mu.Unlock()
}

// push queues ev for Service. It returns false once the engine is destroyed.
func (e *HTTPEngine) push(ev Event) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	}
}

// Service dispatches pending writable callbacks and queued events.
func (e *HTTPEngine) Service(timeout time.Duration) error {
	if e.destroyed.Load() {
		return ErrDestroyed
	}

	if e.flushWritable() == 0 && timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case ev := <-e.events:
			e.dispatch(ev)
		case <-e.wake:
			return nil
		case <-timer.C:
			return nil
		case <-e.done:
			return ErrDestroyed
		}
	}

	for i := 0; i < maxEventBatch; i++ {
		select {
		case ev := <-e.events:
			e.dispatch(ev)
		default:
			return nil
		}
	}
	return nil
}

// flushWritable delivers the writable callbacks requested so far.
func (e *HTTPEngine) flushWritable() int {
	pending := e.writable
	e.writable = nil

	for _, c := range pending {
		c.writable = false
		if !c.accepted || c.closing {
			continue
		}
		if err := e.handler(Event{Kind: EventWritable, Handle: c}); err != nil {
			e.logger.Debug("closing connection after write callback", "peer", c.peer, "error", err)
			e.CloseConn(c)
		}
	}
	return len(pending)
}

func (e *HTTPEngine) dispatch(ev Event) {
	c := ev.Handle.(*httpConn)

	switch ev.Kind {
	case EventEstablished:
		if err := e.handler(ev); err != nil {
			e.logger.Warn("connection rejected", "peer", c.peer, "remote", c.remote, "error", err)
			c.closing = true
			c.wire.reject(err.Error())
			c.shutdown()
			return
		}
		c.accepted = true

	case EventClosed:
		if !c.accepted {
			return
		}
		c.accepted = false
		c.closing = true
		if err := e.handler(ev); err != nil {
			e.logger.Debug("close callback failed", "peer", c.peer, "error", err)
		}

	case EventReceive:
		if !c.accepted || c.closing {
			return
		}
		if err := e.handler(ev); err != nil {
			e.logger.Debug("closing connection after receive callback", "peer", c.peer, "error", err)
			e.CloseConn(c)
		}
	}
}

// RequestWritable schedules one writable callback for h.
func (e *HTTPEngine) RequestWritable(h Handle) {
	c, ok := h.(*httpConn)
	if !ok || c.writable || c.closing {
		return
	}
	c.writable = true
	e.writable = append(e.writable, c)
}

// Write sends one fragment to h.
func (e *HTTPEngine) Write(h Handle, p []byte, first, final bool) (int, error) {
	c, ok := h.(*httpConn)
	if !ok {
		return 0, fmt.Errorf("engine: foreign handle %T", h)
	}
	if c.closing {
		return 0, net.ErrClosed
	}
	return c.wire.writeFragment(p, first, final)
}

// CloseConn closes h. EventClosed follows from the reader goroutine.
func (e *HTTPEngine) CloseConn(h Handle) {
	c, ok := h.(*httpConn)
	if !ok {
		return
	}
	c.closing = true
	c.shutdown()
}

// Cancel wakes a blocked Service call.
func (e *HTTPEngine) Cancel() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Destroy stops the listeners and closes every connection.
func (e *HTTPEngine) Destroy() {
	e.mu.Lock()
	if !e.destroyed.CompareAndSwap(false, true) {
		e.mu.Unlock()
		return
	}
	close(e.done)
	servers := e.servers
	group := e.group
	live := e.live
	e.servers = nil
	e.listeners = nil
	e.live = make(map[*httpConn]struct{})
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
		}
	}

	for c := range live {
		c.shutdown()
	}

	if group != nil {
		if err := group.Wait(); err != nil {
			e.logger.Warn("listener exited with error", "error", err)
		}
	}
	e.logger.Info("engine destroyed")
}

// isCloseError reports errors that mean an orderly or abrupt peer close.
func isCloseError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}
