package webserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wsbroker/wsbroker/pkg/conntable"
	"github.com/wsbroker/wsbroker/pkg/engine"
	"github.com/wsbroker/wsbroker/pkg/metrics"
	"github.com/wsbroker/wsbroker/pkg/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultTracerName = "wsbroker"

// Span names.
const (
	dispatchSpanName = "wsbroker.dispatch"
	startSpanName    = "wsbroker.start"
)

// ErrNotRunning is returned by WaitRunning when the server stopped before
// reaching StateRunning.
var ErrNotRunning = errors.New("webserver: server is not running")

// State is the lifecycle state of a Server.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Server is a websocket message broker.
//
// One loop goroutine drives the engine, assembles inbound messages and
// schedules outbound ones. In callback mode a dispatcher goroutine invokes
// the MessageCallback. SendMessage, ReceiveMessage, ClientCount and Close
// are safe from any goroutine.
type Server struct {
	baseLogger *slog.Logger
	logger     *slog.Logger
	metrics    *metrics.Recorder
	tracer     trace.Tracer
	factory    engine.Factory

	mu       sync.RWMutex
	hostname string
	webDir   string
	port     int
	tlsPort  int
	certPath string
	keyPath  string
	opts     Options
	callback MessageCallback

	// Queues survive restarts. They are replaced only by SetOptions while
	// stopped.
	inbound  atomic.Pointer[queue.Queue[Message]]
	outbound atomic.Pointer[queue.Queue[Message]]
	dispatch atomic.Pointer[queue.Queue[Message]]

	state     atomic.Int32
	lifecycle sync.Mutex
	current   atomic.Pointer[run]

	errMu   sync.Mutex
	lastErr error
}

// New creates a stopped server with both ports disabled.
func New(opts ...ServerOption) *Server {
	s := &Server{
		logger:   slog.Default(),
		tracer:   otel.Tracer(defaultTracerName),
		factory:  engine.NewHTTP,
		hostname: "localhost",
		port:     -1,
		tlsPort:  -1,
		opts:     DefaultOptions(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	s.baseLogger = s.logger
	s.logger = s.logger.With("component", "webserver")

	s.inbound.Store(queue.New[Message](s.opts.InboundCapacity))
	s.outbound.Store(queue.New[Message](s.opts.OutboundCapacity))
	s.dispatch.Store(queue.New[Message](s.opts.InboundCapacity))
	return s
}

// run is one start attempt. Fields without a comment are fixed at Start.
type run struct {
	cfg      engine.Config
	opts     Options
	callback MessageCallback
	table    *conntable.Table
	inbound  *queue.Queue[Message]
	outbound *queue.Queue[Message]
	dispatch *queue.Queue[Message]
	controls *queue.Queue[uint32]
	logger   *slog.Logger
	metrics  *metrics.Recorder

	ctx         context.Context
	cancel      context.CancelFunc
	keepRunning atomic.Bool

	ready        chan struct{}
	done         chan struct{}
	dispatchDone chan struct{}

	// err is written before ready is closed.
	err error

	engMu sync.Mutex
	eng   engine.Engine

	// Loop goroutine only.
	asm      *assembler
	sched    *scheduler
	handlers map[engine.EventKind]func(engine.Event) error
}

func (r *run) currentEngine() engine.Engine {
	r.engMu.Lock()
	defer r.engMu.Unlock()
	return r.eng
}

// wake interrupts a blocked Service call.
func (r *run) wake() {
	if eng := r.currentEngine(); eng != nil {
		eng.Cancel()
	}
}

// SetConfig sets the virtual host name, the static content root and the
// plaintext port. A port <= 0 disables plaintext.
func (s *Server) SetConfig(hostname, webDir string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stoppedLocked() {
		return &ConfigError{Field: "config", Err: ErrServerRunning}
	}
	s.hostname = hostname
	s.webDir = webDir
	s.port = port
	return nil
}

// SetConfigTLS enables TLS on port. The certificate and key files must exist.
// A port <= 0 disables TLS.
func (s *Server) SetConfigTLS(port int, certPath, keyPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stoppedLocked() {
		return &ConfigError{Field: "tls", Err: ErrServerRunning}
	}
	if port > 0 {
		if err := fileExists("TLSCertPath", certPath); err != nil {
			return err
		}
		if err := fileExists("TLSKeyPath", keyPath); err != nil {
			return err
		}
	}
	s.tlsPort = port
	s.certPath = certPath
	s.keyPath = keyPath
	return nil
}

// SetOptions replaces the runtime limits. Queues whose capacity changes are
// rebuilt, keeping as many queued messages as fit.
func (s *Server) SetOptions(o Options) error {
	if err := o.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stoppedLocked() {
		return &ConfigError{Field: "options", Err: ErrServerRunning}
	}
	s.resize(&s.inbound, o.InboundCapacity)
	s.resize(&s.outbound, o.OutboundCapacity)
	s.resize(&s.dispatch, o.InboundCapacity)
	s.opts = o
	return nil
}

func (s *Server) resize(p *atomic.Pointer[queue.Queue[Message]], capacity int) {
	old := p.Load()
	if old.Capacity() == capacity {
		return
	}
	q := queue.New[Message](capacity)
	dropped := 0
	for {
		r := old.Poll(0)
		if !r.OK() {
			break
		}
		if q.Offer(r.Value, 0) != queue.StatusOK {
			dropped++
		}
	}
	if dropped > 0 {
		s.logger.Warn("queue resized, messages dropped", "capacity", capacity, "dropped", dropped)
	}
	p.Store(q)
}

// SetMessageCallback selects callback mode, or poll mode when cb is nil.
// It is ignored while the server is not stopped.
func (s *Server) SetMessageCallback(cb MessageCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stoppedLocked() {
		s.logger.Warn("message callback not changed while running")
		return
	}
	s.callback = cb
}

func (s *Server) stoppedLocked() bool {
	return State(s.state.Load()) == StateStopped
}

// Hostname returns the virtual host name.
func (s *Server) Hostname() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hostname
}

// WebDir returns the static content root.
func (s *Server) WebDir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.webDir
}

// Port returns the plaintext port.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// TLSPort returns the TLS port.
func (s *Server) TLSPort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tlsPort
}

// TLSCertPath returns the TLS certificate path.
func (s *Server) TLSCertPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.certPath
}

// TLSKeyPath returns the TLS key path.
func (s *Server) TLSKeyPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyPath
}

// Options returns the runtime limits.
func (s *Server) Options() Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opts
}

// validateLocked checks the configuration Start will use.
func (s *Server) validateLocked() error {
	if err := s.opts.validate(); err != nil {
		return err
	}
	if s.port <= 0 && s.tlsPort <= 0 {
		return &ConfigError{Field: "Port", Err: ErrNoPort}
	}
	if s.port > 0 && s.port == s.tlsPort {
		return &ConfigError{Field: "TLSPort", Err: fmt.Errorf("%w: %d", ErrSamePorts, s.port)}
	}
	info, err := os.Stat(s.webDir)
	if err != nil || !info.IsDir() {
		return &ConfigError{Field: "WebDir", Err: fmt.Errorf("%w: %q", ErrWebDirMissing, s.webDir)}
	}
	if s.tlsPort > 0 {
		if err := fileExists("TLSCertPath", s.certPath); err != nil {
			return err
		}
		if err := fileExists("TLSKeyPath", s.keyPath); err != nil {
			return err
		}
	}
	return nil
}

func fileExists(field, path string) error {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return &ConfigError{Field: field, Err: fmt.Errorf("%w: %q", ErrTLSFileMissing, path)}
	}
	return nil
}

// Start validates the configuration and starts the loop goroutine, plus the
// dispatcher goroutine in callback mode. It returns before the engine is
// listening; use WaitRunning to wait for that. Start is a no-op unless the
// server is stopped.
func (s *Server) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if !s.stoppedLocked() {
		s.mu.Unlock()
		return nil
	}
	if err := s.validateLocked(); err != nil {
		s.mu.Unlock()
		s.logger.Error("invalid configuration", "error", err)
		return err
	}

	r := &run{
		cfg: engine.Config{
			Hostname:          s.hostname,
			BindAddress:       s.opts.BindAddress,
			WebDir:            s.webDir,
			Port:              s.port,
			TLSPort:           s.tlsPort,
			TLSCertPath:       s.certPath,
			TLSKeyPath:        s.keyPath,
			WebSocketPath:     s.opts.WebSocketPath,
			Framer:            s.opts.Framer,
			MaxFrameSize:      s.opts.MaxFrameSize,
			EnableCompression: s.opts.EnableCompression,
			AccessLog:         s.opts.AccessLog,
			Logger:            s.baseLogger,
		},
		opts:     s.opts,
		callback: s.callback,
		table:    conntable.New(s.opts.MaxConnections),
		inbound:  s.inbound.Load(),
		outbound: s.outbound.Load(),
		dispatch: s.dispatch.Load(),
		controls: queue.New[uint32](0),
		logger:   s.logger.With("host", s.hostname),
		metrics:  s.metrics,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.state.Store(int32(StateStarting))
	s.mu.Unlock()

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.keepRunning.Store(true)

	// Interruption from a previous Stop must not leak into this run.
	r.inbound.ClearInterrupt()
	r.outbound.ClearInterrupt()
	r.dispatch.ClearInterrupt()

	s.setErr(nil)
	s.current.Store(r)

	if r.callback != nil {
		r.dispatchDone = make(chan struct{})
		go s.dispatchLoop(r)
	}
	go s.loop(r)
	return nil
}

// WaitRunning blocks until the current start attempt is running or failed.
func (s *Server) WaitRunning(ctx context.Context) error {
	r := s.current.Load()
	if r == nil {
		return ErrNotRunning
	}
	select {
	case <-r.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}
	if !s.IsRunning() {
		return ErrNotRunning
	}
	return nil
}

// Stop stops the loop goroutine and the dispatcher and closes every
// connection. It blocks until both goroutines have exited. Stop must not be
// called from the message callback.
func (s *Server) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	r := s.current.Load()
	if r == nil {
		return
	}
	for {
		st := s.state.Load()
		if State(st) == StateStopped {
			return
		}
		if s.state.CompareAndSwap(st, int32(StateStopping)) {
			break
		}
	}

	start := time.Now()
	r.keepRunning.Store(false)
	r.cancel()
	r.wake()
	<-r.done

	s.logger.Info("server stopped", "duration", time.Since(start))
}

// loop drives the engine until Stop. It runs on its own goroutine.
func (s *Server) loop(r *run) {
	defer close(r.done)

	ctx, span := s.tracer.Start(r.ctx, startSpanName,
		trace.WithAttributes(
			attribute.Int("wsbroker.port", r.cfg.Port),
			attribute.Int("wsbroker.tls_port", r.cfg.TLSPort),
			attribute.String("wsbroker.framer", r.cfg.Framer),
		),
	)
	eng, err := s.factory(r.cfg, r.handle)
	if err == nil {
		r.engMu.Lock()
		r.eng = eng
		r.engMu.Unlock()
		r.init(eng)
		err = eng.Listen(ctx)
	}
	if err != nil {
		stage := "engine"
		var se *engine.StageError
		if errors.As(err, &se) {
			stage = se.Stage
		}
		span.SetAttributes(attribute.String("wsbroker.stage", stage))
		span.RecordError(err)
		span.SetStatus(codes.Error, "engine construction failed")
		span.End()
		r.logger.Error("engine construction failed", "stage", stage, "error", err)
		if eng != nil {
			eng.Destroy()
		}
		r.err = err
		s.setErr(err)
		s.finish(r)
		close(r.ready)
		return
	}
	span.End()

	if s.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		r.logger.Info("server running",
			"port", r.cfg.Port,
			"tls_port", r.cfg.TLSPort,
			"framer", r.cfg.Framer,
			"max_clients", r.table.Max())
	}
	close(r.ready)

	for r.keepRunning.Load() {
		if err := eng.Service(r.opts.ServiceTimeout); err != nil {
			if r.keepRunning.Load() {
				r.logger.Error("engine service failed", "error", err)
				s.setErr(err)
			}
			break
		}
		r.sched.drain()
		r.runControls()
	}

	eng.Destroy()
	r.closeAll()
	s.finish(r)
}

// init builds the loop-side components once the engine exists.
func (r *run) init(eng engine.Engine) {
	sink := r.inbound
	if r.callback != nil {
		sink = r.dispatch
	}
	r.asm = &assembler{
		sink:         sink,
		maxMessage:   r.opts.MaxMessageSize,
		validateUTF8: r.opts.ValidateUTF8,
		metrics:      r.metrics,
		logger:       r.logger,
	}
	r.sched = &scheduler{
		eng:      eng,
		table:    r.table,
		outbound: r.outbound,
		maxFrame: r.opts.MaxFrameSize,
		metrics:  r.metrics,
		logger:   r.logger,
	}
	r.handlers = map[engine.EventKind]func(engine.Event) error{
		engine.EventEstablished: r.onEstablished,
		engine.EventClosed:      r.onClosed,
		engine.EventReceive:     r.onReceive,
		engine.EventWritable:    r.onWritable,
	}
}

// finish stops the dispatcher and marks the server stopped.
func (s *Server) finish(r *run) {
	if r.dispatchDone != nil {
		r.dispatch.Interrupt()
		<-r.dispatchDone
		r.discardUndelivered()
	}
	r.cancel()
	s.state.Store(int32(StateStopped))
}

// discardUndelivered empties the dispatch queue once the dispatcher has
// exited, so messages of a stopped run never reach the next run's callback.
func (r *run) discardUndelivered() {
	r.dispatch.ClearInterrupt()
	n := 0
	for r.dispatch.Poll(0).OK() {
		r.metrics.MessageDropped(metrics.ReasonShutdown)
		n++
	}
	if n > 0 {
		r.logger.Warn("discarded undelivered messages", "count", n)
	}
}

// closeAll empties the table after the engine is destroyed.
func (r *run) closeAll() {
	for _, c := range r.table.Snapshot() {
		if r.table.Remove(c.ID) {
			r.metrics.ConnectionClosed()
		}
	}
}

// runControls executes Close requests queued by callers.
func (r *run) runControls() {
	for {
		res := r.controls.Poll(0)
		if !res.OK() {
			return
		}
		if c, ok := r.table.Get(res.Value); ok {
			r.logger.Debug("closing connection on request", "conn_id", c.ID)
			r.eng.CloseConn(c.Handle)
		}
	}
}

// handle is the engine Handler.
func (r *run) handle(ev engine.Event) error {
	fn, ok := r.handlers[ev.Kind]
	if !ok {
		return nil
	}
	err := fn(ev)
	var te *TransportError
	if errors.As(err, &te) {
		r.logger.Info("closing connection", "conn_id", te.ConnID, "op", te.Op, "error", te.Err)
	}
	return err
}

func (r *run) connection(h engine.Handle) (*conntable.Connection, error) {
	id, ok := h.User().(uint32)
	if !ok {
		return nil, ErrUnknownConnection
	}
	c, ok := r.table.Get(id)
	if !ok || c.Handle != h {
		return nil, ErrUnknownConnection
	}
	return c, nil
}

func (r *run) onEstablished(ev engine.Event) error {
	c, err := r.table.Add(ev.Handle)
	if err != nil {
		r.metrics.ConnectionRejected()
		r.logger.Warn("connection rejected",
			"peer", ev.Handle.Peer(),
			"remote", ev.Handle.RemoteAddr(),
			"clients", r.table.Count(),
			"error", err)
		return err
	}
	ev.Handle.SetUser(c.ID)
	r.metrics.ConnectionAccepted()
	r.logger.Info("connection established",
		"conn_id", c.ID,
		"peer", ev.Handle.Peer(),
		"remote", ev.Handle.RemoteAddr(),
		"clients", r.table.Count())
	return nil
}

func (r *run) onClosed(ev engine.Event) error {
	c, err := r.connection(ev.Handle)
	if err != nil {
		return err
	}
	if r.table.Remove(c.ID) {
		r.metrics.ConnectionClosed()
	}
	r.logger.Info("connection closed",
		"conn_id", c.ID,
		"peer", ev.Handle.Peer(),
		"clients", r.table.Count())
	return nil
}

func (r *run) onReceive(ev engine.Event) error {
	c, err := r.connection(ev.Handle)
	if err != nil {
		return err
	}
	return r.asm.receive(c, ev.Data, ev.First, ev.Final)
}

func (r *run) onWritable(ev engine.Event) error {
	c, err := r.connection(ev.Handle)
	if err != nil {
		return err
	}
	return r.sched.writable(c)
}

// dispatchLoop invokes the callback for each message until interrupted.
func (s *Server) dispatchLoop(r *run) {
	defer close(r.dispatchDone)
	for {
		msg, err := r.dispatch.Take()
		if err != nil {
			return
		}
		s.invoke(r.callback, msg)
	}
}

// invoke runs cb inside a span, recovering panics.
func (s *Server) invoke(cb MessageCallback, msg Message) {
	_, span := s.tracer.Start(context.Background(), dispatchSpanName,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.Int64("wsbroker.conn_id", int64(msg.ConnectionID)),
			attribute.Int("wsbroker.message_bytes", len(msg.Payload)),
		),
	)
	start := time.Now()

	defer func() {
		s.metrics.CallbackDuration(time.Since(start))
		if p := recover(); p != nil {
			s.metrics.CallbackPanic()
			s.logger.Error("message callback panicked",
				"conn_id", msg.ConnectionID,
				"panic", p,
				"stack", string(debug.Stack()))
			span.RecordError(fmt.Errorf("panic: %v", p))
			span.SetStatus(codes.Error, "panic")
		}
		span.End()
	}()

	cb(msg)
}

// IsRunning reports whether the engine is listening.
func (s *Server) IsRunning() bool {
	return State(s.state.Load()) == StateRunning
}

// State returns the lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// ClientCount returns the number of live connections.
func (s *Server) ClientCount() int {
	r := s.current.Load()
	if r == nil {
		return 0
	}
	return r.table.Count()
}

// Err returns the error that ended the last start attempt, if any.
func (s *Server) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

func (s *Server) setErr(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}

// SendMessage queues text for the connection dest, or for every connection
// when dest is Broadcast. It returns false if the outbound queue is full.
func (s *Server) SendMessage(text string, dest uint32) bool {
	if st := s.outbound.Load().Offer(Message{ConnectionID: dest, Payload: text}, 0); st != queue.StatusOK {
		s.metrics.MessageDropped(metrics.ReasonOutboundFull)
		s.logger.Debug("outbound queue full, message rejected", "dest", dest, "bytes", len(text))
		return false
	}
	if r := s.current.Load(); r != nil {
		r.wake()
	}
	return true
}

// ReceiveMessage waits up to timeout for an inbound message. It always fails
// immediately in callback mode. A negative timeout waits until a message
// arrives.
func (s *Server) ReceiveMessage(timeout time.Duration) (Message, bool) {
	s.mu.RLock()
	cb := s.callback
	s.mu.RUnlock()
	if cb != nil {
		return Message{}, false
	}
	res := s.inbound.Load().Poll(timeout)
	return res.Value, res.OK()
}

// Close asks the loop goroutine to close connection id. It returns false if
// the server is not running or id is not live.
func (s *Server) Close(id uint32) bool {
	r := s.current.Load()
	if r == nil || !s.IsRunning() {
		return false
	}
	if _, ok := r.table.Get(id); !ok {
		return false
	}
	if r.controls.Offer(id, 0) != queue.StatusOK {
		return false
	}
	r.wake()
	return true
}
