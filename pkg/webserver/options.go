package webserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/wsbroker/wsbroker/pkg/conntable"
	"github.com/wsbroker/wsbroker/pkg/engine"
	"github.com/wsbroker/wsbroker/pkg/metrics"
	"go.opentelemetry.io/otel"
)

// Options holds the runtime limits of a Server.
type Options struct {
	// MaxConnections bounds the connection table.
	// Default: 64.
	MaxConnections int

	// MaxFrameSize is the largest fragment written to a connection.
	// Default: 4096.
	MaxFrameSize int

	// InboundCapacity bounds complete inbound messages awaiting
	// ReceiveMessage or the callback.
	// Default: 100.
	InboundCapacity int

	// OutboundCapacity bounds messages accepted by SendMessage and not yet
	// scheduled.
	// Default: 100.
	OutboundCapacity int

	// ServiceTimeout bounds one wait of the loop goroutine in the engine.
	// Default: 1 second.
	ServiceTimeout time.Duration

	// MaxMessageSize bounds an assembled inbound message. 0 disables the limit.
	// Default: 1 MiB.
	MaxMessageSize int

	// ValidateUTF8 closes connections that send text that is not valid UTF-8.
	// Default: true.
	ValidateUTF8 bool

	// Framer selects the websocket implementation of the HTTP engine.
	// Default: engine.FramerGorilla.
	Framer string

	// WebSocketPath is the path accepting websocket upgrades. "/" accepts
	// upgrades on any path.
	// Default: "/".
	WebSocketPath string

	// BindAddress is the interface to listen on. Empty means all.
	BindAddress string

	// EnableCompression negotiates permessage-deflate.
	EnableCompression bool

	// AccessLog logs every HTTP request.
	AccessLog bool
}

// DefaultOptions returns the default limits.
func DefaultOptions() Options {
	return Options{
		MaxConnections:   conntable.DefaultMaxConnections,
		MaxFrameSize:     4096,
		InboundCapacity:  100,
		OutboundCapacity: 100,
		ServiceTimeout:   time.Second,
		MaxMessageSize:   1 << 20,
		ValidateUTF8:     true,
		Framer:           engine.FramerGorilla,
		WebSocketPath:    "/",
	}
}

// validate checks o, returning a ConfigError for the first bad field.
func (o Options) validate() error {
	check := func(field string, v int) error {
		if v <= 0 {
			return &ConfigError{Field: field, Err: fmt.Errorf("%w: %d must be positive", ErrInvalidOption, v)}
		}
		return nil
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"MaxConnections", o.MaxConnections},
		{"MaxFrameSize", o.MaxFrameSize},
		{"InboundCapacity", o.InboundCapacity},
		{"OutboundCapacity", o.OutboundCapacity},
	} {
		if err := check(f.name, f.v); err != nil {
			return err
		}
	}
	if o.ServiceTimeout <= 0 {
		return &ConfigError{Field: "ServiceTimeout", Err: fmt.Errorf("%w: %s must be positive", ErrInvalidOption, o.ServiceTimeout)}
	}
	if o.MaxMessageSize < 0 {
		return &ConfigError{Field: "MaxMessageSize", Err: fmt.Errorf("%w: %d is negative", ErrInvalidOption, o.MaxMessageSize)}
	}
	switch o.Framer {
	case engine.FramerGorilla, engine.FramerGobwas:
	default:
		return &ConfigError{Field: "Framer", Err: fmt.Errorf("%w: unknown framer %q", ErrInvalidOption, o.Framer)}
	}
	if o.WebSocketPath == "" || o.WebSocketPath[0] != '/' {
		return &ConfigError{Field: "WebSocketPath", Err: fmt.Errorf("%w: %q must start with /", ErrInvalidOption, o.WebSocketPath)}
	}
	return nil
}

// ServerOption configures a Server at construction.
type ServerOption func(*Server)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the recorder. Default: a snapshot-only recorder.
func WithMetrics(rec *metrics.Recorder) ServerOption {
	return func(s *Server) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// WithEngineFactory sets the engine implementation. Default: engine.NewHTTP.
func WithEngineFactory(f engine.Factory) ServerOption {
	return func(s *Server) {
		if f != nil {
			s.factory = f
		}
	}
}

// WithTracerName sets the name of the OpenTelemetry tracer used for
// callback spans. Default: "wsbroker".
func WithTracerName(name string) ServerOption {
	return func(s *Server) {
		s.tracer = otel.Tracer(name)
	}
}

// WithOptions sets the initial limits.
func WithOptions(o Options) ServerOption {
	return func(s *Server) {
		s.opts = o
	}
}
