// Package metrics records broker activity as Prometheus collectors and as an
// atomic snapshot.
//
// A Recorder always keeps its snapshot counters. Prometheus collectors are
// registered only when a registry is supplied:
//
//	rec := metrics.New(metrics.WithRegistry(prometheus.DefaultRegisterer))
//
// All methods are safe on a nil *Recorder.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as the "reason" label of dropped_messages_total.
const (
	ReasonBusy          = "busy"
	ReasonInboundFull   = "inbound_full"
	ReasonOutboundFull  = "outbound_full"
	ReasonNoDestination = "no_destination"
	ReasonShutdown      = "shutdown"
)

// Config configures the Prometheus side of a Recorder.
type Config struct {
	// Namespace is the metrics namespace (default: "wsbroker").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for callback duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry receives the collectors. nil keeps the Recorder snapshot-only.
	Registry prometheus.Registerer
}

// Option configures a Recorder.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry registers the collectors with registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "wsbroker",
		Buckets:   prometheus.DefBuckets,
	}
}

type collectors struct {
	connections      prometheus.Gauge
	accepted         prometheus.Counter
	rejected         prometheus.Counter
	closed           prometheus.Counter
	received         prometheus.Counter
	receivedBytes    prometheus.Counter
	delivered        prometheus.Counter
	deliveredBytes   prometheus.Counter
	frames           prometheus.Counter
	dropped          *prometheus.CounterVec
	transportErrors  *prometheus.CounterVec
	callbackPanics   prometheus.Counter
	callbackDuration prometheus.Histogram
}

func newCollectors(cfg Config) *collectors {
	factory := promauto.With(cfg.Registry)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		})
	}

	return &collectors{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "connections",
			Help:        "Number of live websocket connections",
			ConstLabels: cfg.ConstLabels,
		}),
		accepted:       counter("connections_accepted_total", "Total number of accepted connections"),
		rejected:       counter("connections_rejected_total", "Total number of connections rejected because the table was full"),
		closed:         counter("connections_closed_total", "Total number of closed connections"),
		received:       counter("messages_received_total", "Total number of complete inbound messages"),
		receivedBytes:  counter("received_bytes_total", "Total bytes of complete inbound messages"),
		delivered:      counter("messages_delivered_total", "Total number of outbound messages fully written to a connection"),
		deliveredBytes: counter("delivered_bytes_total", "Total bytes of outbound messages fully written"),
		frames:         counter("frames_sent_total", "Total number of outbound frames written"),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "dropped_messages_total",
			Help:        "Total number of messages dropped",
			ConstLabels: cfg.ConstLabels,
		}, []string{"reason"}),
		transportErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "transport_errors_total",
			Help:        "Total number of connection-fatal transport errors",
			ConstLabels: cfg.ConstLabels,
		}, []string{"op"}),
		callbackPanics: counter("callback_panics_total", "Total number of recovered message callback panics"),
		callbackDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "callback_duration_seconds",
			Help:        "Message callback duration in seconds",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}),
	}
}

// Snapshot is a point-in-time copy of the counters of a Recorder.
type Snapshot struct {
	Connections     int64
	PeakConnections int64
	Accepted        int64
	Rejected        int64
	Closed          int64

	MessagesReceived int64
	BytesReceived    int64

	MessagesDelivered int64
	BytesDelivered    int64
	FramesSent        int64

	DroppedBusy          int64
	DroppedInboundFull   int64
	DroppedOutboundFull  int64
	DroppedNoDestination int64
	DroppedShutdown      int64

	TransportErrors int64
	CallbackPanics  int64

	CollectedAt time.Time
}

// Dropped returns the total of all drop reasons.
func (s Snapshot) Dropped() int64 {
	return s.DroppedBusy + s.DroppedInboundFull + s.DroppedOutboundFull +
		s.DroppedNoDestination + s.DroppedShutdown
}

// Recorder records broker activity.
type Recorder struct {
	prom *collectors

	connections     atomic.Int64
	peakConnections atomic.Int64
	accepted        atomic.Int64
	rejected        atomic.Int64
	closed          atomic.Int64
	received        atomic.Int64
	receivedBytes   atomic.Int64
	delivered       atomic.Int64
	deliveredBytes  atomic.Int64
	frames          atomic.Int64
	droppedBusy     atomic.Int64
	droppedInbound  atomic.Int64
	droppedOutbound atomic.Int64
	droppedNoDest   atomic.Int64
	droppedShutdown atomic.Int64
	transportErrors atomic.Int64
	callbackPanics  atomic.Int64
}

// New creates a Recorder.
func New(opts ...Option) *Recorder {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Recorder{}
	if cfg.Registry != nil {
		r.prom = newCollectors(cfg)
	}
	return r
}

// ConnectionAccepted records a connection added to the table.
func (r *Recorder) ConnectionAccepted() {
	if r == nil {
		return
	}
	n := r.connections.Add(1)
	for {
		peak := r.peakConnections.Load()
		if n <= peak || r.peakConnections.CompareAndSwap(peak, n) {
			break
		}
	}
	r.accepted.Add(1)
	if r.prom != nil {
		r.prom.connections.Inc()
		r.prom.accepted.Inc()
	}
}

// ConnectionRejected records a connection refused at capacity.
func (r *Recorder) ConnectionRejected() {
	if r == nil {
		return
	}
	r.rejected.Add(1)
	if r.prom != nil {
		r.prom.rejected.Inc()
	}
}

// ConnectionClosed records a connection removed from the table.
func (r *Recorder) ConnectionClosed() {
	if r == nil {
		return
	}
	r.connections.Add(-1)
	r.closed.Add(1)
	if r.prom != nil {
		r.prom.connections.Dec()
		r.prom.closed.Inc()
	}
}

// MessageReceived records a complete inbound message of n bytes.
func (r *Recorder) MessageReceived(n int) {
	if r == nil {
		return
	}
	r.received.Add(1)
	r.receivedBytes.Add(int64(n))
	if r.prom != nil {
		r.prom.received.Inc()
		r.prom.receivedBytes.Add(float64(n))
	}
}

// FrameSent records one outbound frame.
func (r *Recorder) FrameSent() {
	if r == nil {
		return
	}
	r.frames.Add(1)
	if r.prom != nil {
		r.prom.frames.Inc()
	}
}

// MessageDelivered records an outbound message of n bytes fully written.
func (r *Recorder) MessageDelivered(n int) {
	if r == nil {
		return
	}
	r.delivered.Add(1)
	r.deliveredBytes.Add(int64(n))
	if r.prom != nil {
		r.prom.delivered.Inc()
		r.prom.deliveredBytes.Add(float64(n))
	}
}

// MessageDropped records a dropped message. reason is one of the Reason
// constants.
func (r *Recorder) MessageDropped(reason string) {
	if r == nil {
		return
	}
	switch reason {
	case ReasonBusy:
		r.droppedBusy.Add(1)
	case ReasonInboundFull:
		r.droppedInbound.Add(1)
	case ReasonOutboundFull:
		r.droppedOutbound.Add(1)
	case ReasonNoDestination:
		r.droppedNoDest.Add(1)
	case ReasonShutdown:
		r.droppedShutdown.Add(1)
	}
	if r.prom != nil {
		r.prom.dropped.WithLabelValues(reason).Inc()
	}
}

// TransportError records a connection-fatal error during op.
func (r *Recorder) TransportError(op string) {
	if r == nil {
		return
	}
	r.transportErrors.Add(1)
	if r.prom != nil {
		r.prom.transportErrors.WithLabelValues(op).Inc()
	}
}

// CallbackPanic records a recovered message callback panic.
func (r *Recorder) CallbackPanic() {
	if r == nil {
		return
	}
	r.callbackPanics.Add(1)
	if r.prom != nil {
		r.prom.callbackPanics.Inc()
	}
}

// CallbackDuration records how long one message callback ran.
func (r *Recorder) CallbackDuration(d time.Duration) {
	if r == nil || r.prom == nil {
		return
	}
	r.prom.callbackDuration.Observe(d.Seconds())
}

// Snapshot returns the current counters.
func (r *Recorder) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{CollectedAt: time.Now()}
	}
	return Snapshot{
		Connections:          r.connections.Load(),
		PeakConnections:      r.peakConnections.Load(),
		Accepted:             r.accepted.Load(),
		Rejected:             r.rejected.Load(),
		Closed:               r.closed.Load(),
		MessagesReceived:     r.received.Load(),
		BytesReceived:        r.receivedBytes.Load(),
		MessagesDelivered:    r.delivered.Load(),
		BytesDelivered:       r.deliveredBytes.Load(),
		FramesSent:           r.frames.Load(),
		DroppedBusy:          r.droppedBusy.Load(),
		DroppedInboundFull:   r.droppedInbound.Load(),
		DroppedOutboundFull:  r.droppedOutbound.Load(),
		DroppedNoDestination: r.droppedNoDest.Load(),
		DroppedShutdown:      r.droppedShutdown.Load(),
		TransportErrors:      r.transportErrors.Load(),
		CallbackPanics:       r.callbackPanics.Load(),
		CollectedAt:          time.Now(),
	}
}
