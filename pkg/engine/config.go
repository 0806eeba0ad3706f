package engine

import (
	"log/slog"
	"net/http"
	"time"
)

// Framer names accepted in Config.Framer.
const (
	FramerGorilla = "gorilla"
	FramerGobwas  = "gobwas"
)

// Config holds the settings of an HTTP engine.
type Config struct {
	// Hostname is the virtual host name, used as a log label.
	Hostname string

	// BindAddress is the interface to listen on. Empty means all interfaces.
	BindAddress string

	// WebDir is the root of the static content served over HTTP.
	WebDir string

	// Port is the plaintext port. <= 0 disables plaintext.
	Port int

	// TLSPort is the TLS port. <= 0 disables TLS.
	TLSPort int

	// TLSCertPath and TLSKeyPath locate the TLS key pair.
	TLSCertPath string
	TLSKeyPath  string

	// WebSocketPath is the path accepting websocket upgrades.
	// "/" accepts upgrades on any path.
	// Default: "/".
	WebSocketPath string

	// Framer selects the websocket implementation.
	// Default: FramerGorilla.
	Framer string

	// MaxFrameSize bounds the payload of inbound fragments delivered to the
	// handler and sizes the write buffer.
	// Default: 4096.
	MaxFrameSize int

	// ReadTimeout is the maximum silence allowed from a peer.
	// Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout bounds a single fragment write.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// PingInterval is the time between keepalive pings.
	// Default: 30 seconds.
	PingInterval time.Duration

	// EventBuffer is the capacity of the channel between connection readers
	// and Service.
	// Default: 1024.
	EventBuffer int

	// EnableCompression negotiates permessage-deflate (gorilla framer only).
	EnableCompression bool

	// CheckOrigin validates the Origin header of upgrade requests.
	// Default: allow all origins.
	CheckOrigin func(r *http.Request) bool

	// AccessLog enables HTTP request logging.
	AccessLog bool

	// Logger receives engine logs. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config with the default limits and no ports enabled.
func DefaultConfig() Config {
	return Config{
		WebSocketPath: "/",
		Framer:        FramerGorilla,
		MaxFrameSize:  4096,
		ReadTimeout:   60 * time.Second,
		WriteTimeout:  10 * time.Second,
		PingInterval:  30 * time.Second,
		EventBuffer:   1024,
		CheckOrigin:   func(*http.Request) bool { return true },
	}
}

// withDefaults fills unset fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WebSocketPath == "" {
		c.WebSocketPath = d.WebSocketPath
	}
	if c.Framer == "" {
		c.Framer = d.Framer
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = d.CheckOrigin
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
