package config

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/wsbroker/wsbroker/internal/errors"
	"github.com/wsbroker/wsbroker/pkg/engine"
	"github.com/wsbroker/wsbroker/pkg/webserver"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "wsbroker.json"

	// DefaultPort is the default plaintext port.
	DefaultPort = 8080

	// DefaultHostname is the default virtual host name.
	DefaultHostname = "localhost"

	// DefaultWebDir is the default static content directory.
	DefaultWebDir = "public"

	// Disabled turns a listener off when used as a port.
	Disabled = -1
)

// Config represents the complete wsbroker.json configuration.
type Config struct {
	// Hostname is the virtual host name.
	Hostname string `json:"hostname,omitempty"`

	// Bind is the interface to listen on. Empty means all interfaces.
	Bind string `json:"bind,omitempty"`

	// WebDir is the static content directory.
	WebDir string `json:"webDir,omitempty"`

	// Port is the plaintext port, -1 to disable.
	Port int `json:"port,omitempty"`

	TLS TLSConfig `json:"tls,omitempty"`

	Limits LimitsConfig `json:"limits,omitempty"`

	// Framer selects the websocket implementation ("gorilla" or "gobwas").
	Framer string `json:"framer,omitempty"`

	// WSPath is the path accepting websocket upgrades. "/" accepts any path.
	WSPath string `json:"wsPath,omitempty"`

	// Compression negotiates permessage-deflate.
	Compression bool `json:"compression,omitempty"`

	// AccessLog logs every HTTP request.
	AccessLog bool `json:"accessLog,omitempty"`

	Metrics MetricsConfig `json:"metrics,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"logLevel,omitempty"`

	// LogFormat is "text" or "json".
	LogFormat string `json:"logFormat,omitempty"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// TLSConfig contains the TLS listener settings.
type TLSConfig struct {
	// Port is the TLS port, -1 to disable.
	Port int `json:"port,omitempty"`

	// Cert is the PEM certificate path.
	Cert string `json:"cert,omitempty"`

	// Key is the PEM private key path.
	Key string `json:"key,omitempty"`
}

// LimitsConfig contains the broker limits. Zero values take the defaults.
type LimitsConfig struct {
	MaxConnections   int    `json:"maxConnections,omitempty"`
	MaxFrameSize     int    `json:"maxFrameSize,omitempty"`
	InboundCapacity  int    `json:"inboundCapacity,omitempty"`
	OutboundCapacity int    `json:"outboundCapacity,omitempty"`
	MaxMessageSize   int    `json:"maxMessageSize,omitempty"`
	ServiceTimeout   string `json:"serviceTimeout,omitempty"`

	// ValidateUTF8 closes connections sending invalid UTF-8. Default: true.
	ValidateUTF8 *bool `json:"validateUTF8,omitempty"`
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	// Address serves /metrics when set (e.g. ":9090").
	Address string `json:"address,omitempty"`

	// Namespace prefixes every metric name. Default: "wsbroker".
	Namespace string `json:"namespace,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	d := webserver.DefaultOptions()
	validate := d.ValidateUTF8
	return &Config{
		Hostname: DefaultHostname,
		WebDir:   DefaultWebDir,
		Port:     DefaultPort,
		TLS: TLSConfig{
			Port: Disabled,
		},
		Limits: LimitsConfig{
			MaxConnections:   d.MaxConnections,
			MaxFrameSize:     d.MaxFrameSize,
			InboundCapacity:  d.InboundCapacity,
			OutboundCapacity: d.OutboundCapacity,
			MaxMessageSize:   d.MaxMessageSize,
			ServiceTimeout:   d.ServiceTimeout.String(),
			ValidateUTF8:     &validate,
		},
		Framer:    d.Framer,
		WSPath:    d.WebSocketPath,
		LogLevel:  "info",
		LogFormat: "text",
		Metrics: MetricsConfig{
			Namespace: "wsbroker",
		},
	}
}

// Load reads configuration from the specified directory.
// It looks for wsbroker.json in the directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads configuration from the specified file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("E100").
				WithDetail("No " + ConfigFileName + " found at " + path)
		}
		return nil, errors.New("E101").Wrap(err)
	}

	cfg := New()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, parseError(path, data, err)
	}

	cfg.configPath = path
	cfg.applyDefaults()
	return cfg, nil
}

// parseError points a JSON decoding error at its position in the file.
func parseError(path string, data []byte, err error) error {
	e := errors.New("E101").Wrap(err)

	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	switch {
	case stderrors.As(err, &syn):
		e.WithOffset(path, data, syn.Offset)
	case stderrors.As(err, &typ):
		e.WithOffset(path, data, typ.Offset).
			WithDetail(fmt.Sprintf("%s must be a %s, not a %s.", typ.Field, typ.Type, typ.Value)).
			WithSuggestion("Fix the value type of " + typ.Field)
	}
	return e
}

// Save writes the configuration to the file it was loaded from.
func (c *Config) Save() error {
	if c.configPath == "" {
		return errors.Newf(errors.CategoryConfig, "no config path set")
	}
	return c.SaveTo(c.configPath)
}

// SaveTo writes the configuration to the specified path.
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Newf(errors.CategoryConfig, "encode config").Wrap(err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Newf(errors.CategoryConfig, "write %s", path).Wrap(err)
	}

	c.configPath = path
	return nil
}

// Path returns the path where the config was loaded from.
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the directory containing the config file.
func (c *Config) Dir() string {
	if c.configPath == "" {
		return ""
	}
	return filepath.Dir(c.configPath)
}

// applyDefaults fills in default values for empty fields.
func (c *Config) applyDefaults() {
	d := New()

	if c.Hostname == "" {
		c.Hostname = d.Hostname
	}
	if c.WebDir == "" {
		c.WebDir = d.WebDir
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.TLS.Port == 0 {
		c.TLS.Port = Disabled
	}

	l := &c.Limits
	if l.MaxConnections == 0 {
		l.MaxConnections = d.Limits.MaxConnections
	}
	if l.MaxFrameSize == 0 {
		l.MaxFrameSize = d.Limits.MaxFrameSize
	}
	if l.InboundCapacity == 0 {
		l.InboundCapacity = d.Limits.InboundCapacity
	}
	if l.OutboundCapacity == 0 {
		l.OutboundCapacity = d.Limits.OutboundCapacity
	}
	if l.ServiceTimeout == "" {
		l.ServiceTimeout = d.Limits.ServiceTimeout
	}
	if l.ValidateUTF8 == nil {
		l.ValidateUTF8 = d.Limits.ValidateUTF8
	}

	if c.Framer == "" {
		c.Framer = d.Framer
	}
	if c.WSPath == "" {
		c.WSPath = d.WSPath
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = d.Metrics.Namespace
	}
}

// Validate checks the settings that do not depend on the filesystem.
// Directory and key pair checks happen when the server starts.
func (c *Config) Validate() error {
	for _, p := range []struct {
		name string
		port int
	}{{"port", c.Port}, {"tls.port", c.TLS.Port}} {
		if p.port > 65535 || (p.port < 0 && p.port != Disabled) {
			return c.locate(errors.New("E102").
				WithDetail(fmt.Sprintf("%s must be between 1 and 65535, or -1 to disable. Got %d.", p.name, p.port)), p.name)
		}
	}
	if c.Port <= 0 && c.TLS.Port <= 0 {
		return errors.New("E105")
	}
	if c.Port > 0 && c.Port == c.TLS.Port {
		return c.locate(errors.New("E106").
			WithDetail(fmt.Sprintf("port and tls.port are both %d.", c.Port)), "tls.port")
	}
	if c.TLS.Port > 0 && (c.TLS.Cert == "" || c.TLS.Key == "") {
		return c.locate(errors.New("E104").
			WithDetail("tls.port is set but tls.cert or tls.key is empty."), "tls")
	}
	if c.Framer != engine.FramerGorilla && c.Framer != engine.FramerGobwas {
		return c.locate(errors.New("E107").
			WithDetail(fmt.Sprintf("framer %q is not supported.", c.Framer)), "framer")
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return c.locate(errors.New("E102").
			WithDetail(fmt.Sprintf("wsPath %q must start with /.", c.WSPath)), "wsPath")
	}

	l := c.Limits
	for _, f := range []struct {
		name  string
		value int
	}{
		{"limits.maxConnections", l.MaxConnections},
		{"limits.maxFrameSize", l.MaxFrameSize},
		{"limits.inboundCapacity", l.InboundCapacity},
		{"limits.outboundCapacity", l.OutboundCapacity},
	} {
		if f.value <= 0 {
			return c.locate(errors.New("E102").
				WithDetail(fmt.Sprintf("%s must be positive. Got %d.", f.name, f.value)), f.name)
		}
	}
	if l.MaxMessageSize < 0 {
		return c.locate(errors.New("E102").
			WithDetail("limits.maxMessageSize must be 0 (unlimited) or positive."), "limits.maxMessageSize")
	}
	if d, err := time.ParseDuration(l.ServiceTimeout); err != nil || d <= 0 {
		return c.locate(errors.New("E102").
			WithDetail(fmt.Sprintf("limits.serviceTimeout %q is not a positive duration.", l.ServiceTimeout)).
			WithExample(`"serviceTimeout": "500ms"`), "limits.serviceTimeout")
	}
	if _, err := c.SlogLevel(); err != nil {
		return c.locate(errors.New("E102").Wrap(err), "logLevel")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return c.locate(errors.New("E102").
			WithDetail(fmt.Sprintf("logFormat %q must be text or json.", c.LogFormat)), "logFormat")
	}
	return nil
}

// locate points e at key in the config file. key is a dotted path such as
// "limits.maxFrameSize". Without a file, or when the key is not written in
// it, e is returned unchanged.
func (c *Config) locate(e *errors.Error, key string) *errors.Error {
	if c.configPath == "" {
		return e
	}
	data, err := os.ReadFile(c.configPath)
	if err != nil {
		return e
	}
	offset := 0
	for _, part := range strings.Split(key, ".") {
		i := bytes.Index(data[offset:], []byte(strconv.Quote(part)))
		if i < 0 {
			return e
		}
		offset += i
	}
	line := bytes.Count(data[:offset], []byte("\n")) + 1
	col := offset - bytes.LastIndexByte(data[:offset], '\n')
	return e.WithLocation(c.configPath, line, col)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logLevel %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// ServiceTimeout returns the parsed loop timeout, or the default when
// the setting does not parse.
func (c *Config) ServiceTimeout() time.Duration {
	d, err := time.ParseDuration(c.Limits.ServiceTimeout)
	if err != nil || d <= 0 {
		return webserver.DefaultOptions().ServiceTimeout
	}
	return d
}

// ServerOptions converts the file settings into server options.
func (c *Config) ServerOptions() webserver.Options {
	opts := webserver.DefaultOptions()
	opts.MaxConnections = c.Limits.MaxConnections
	opts.MaxFrameSize = c.Limits.MaxFrameSize
	opts.InboundCapacity = c.Limits.InboundCapacity
	opts.OutboundCapacity = c.Limits.OutboundCapacity
	opts.MaxMessageSize = c.Limits.MaxMessageSize
	opts.ServiceTimeout = c.ServiceTimeout()
	if c.Limits.ValidateUTF8 != nil {
		opts.ValidateUTF8 = *c.Limits.ValidateUTF8
	}
	opts.Framer = c.Framer
	opts.WebSocketPath = c.WSPath
	opts.BindAddress = c.Bind
	opts.EnableCompression = c.Compression
	opts.AccessLog = c.AccessLog
	return opts
}

// resolve returns path relative to the config directory unless absolute.
func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Dir(), path)
}

// WebDirPath returns the resolved static content directory.
func (c *Config) WebDirPath() string {
	return c.resolve(c.WebDir)
}

// TLSCertPath returns the resolved certificate path.
func (c *Config) TLSCertPath() string {
	return c.resolve(c.TLS.Cert)
}

// TLSKeyPath returns the resolved private key path.
func (c *Config) TLSKeyPath() string {
	return c.resolve(c.TLS.Key)
}

// envVars maps WSBROKER_* variables to the field they override.
var envVars = []struct {
	name  string
	apply func(c *Config, v string) error
}{
	{"WSBROKER_HOSTNAME", func(c *Config, v string) error { c.Hostname = v; return nil }},
	{"WSBROKER_BIND", func(c *Config, v string) error { c.Bind = v; return nil }},
	{"WSBROKER_WEB_DIR", func(c *Config, v string) error { c.WebDir = v; return nil }},
	{"WSBROKER_PORT", intVar(func(c *Config) *int { return &c.Port })},
	{"WSBROKER_TLS_PORT", intVar(func(c *Config) *int { return &c.TLS.Port })},
	{"WSBROKER_TLS_CERT", func(c *Config, v string) error { c.TLS.Cert = v; return nil }},
	{"WSBROKER_TLS_KEY", func(c *Config, v string) error { c.TLS.Key = v; return nil }},
	{"WSBROKER_MAX_CONNECTIONS", intVar(func(c *Config) *int { return &c.Limits.MaxConnections })},
	{"WSBROKER_MAX_FRAME_SIZE", intVar(func(c *Config) *int { return &c.Limits.MaxFrameSize })},
	{"WSBROKER_MAX_MESSAGE_SIZE", intVar(func(c *Config) *int { return &c.Limits.MaxMessageSize })},
	{"WSBROKER_SERVICE_TIMEOUT", func(c *Config, v string) error { c.Limits.ServiceTimeout = v; return nil }},
	{"WSBROKER_FRAMER", func(c *Config, v string) error { c.Framer = v; return nil }},
	{"WSBROKER_WS_PATH", func(c *Config, v string) error { c.WSPath = v; return nil }},
	{"WSBROKER_METRICS_ADDRESS", func(c *Config, v string) error { c.Metrics.Address = v; return nil }},
	{"WSBROKER_LOG_LEVEL", func(c *Config, v string) error { c.LogLevel = v; return nil }},
	{"WSBROKER_LOG_FORMAT", func(c *Config, v string) error { c.LogFormat = v; return nil }},
}

func intVar(field func(c *Config) *int) func(c *Config, v string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

// ApplyEnv overrides settings from WSBROKER_* variables found by lookup
// (os.LookupEnv when nil).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, ev := range envVars {
		v, ok := lookup(ev.name)
		if !ok {
			continue
		}
		if err := ev.apply(c, v); err != nil {
			return errors.New("E108").
				WithDetail(fmt.Sprintf("%s=%q could not be parsed.", ev.name, v)).
				Wrap(err)
		}
	}
	return nil
}

// Exists checks if a config file exists in the given directory.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// FindConfigDir walks up from startDir to the directory holding wsbroker.json.
func FindConfigDir(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if Exists(dir) {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("E100").
				WithDetail("No " + ConfigFileName + " found in " + startDir + " or any parent directory")
		}
		dir = parent
	}
}

// LoadFromWorkingDir loads the nearest wsbroker.json above the working
// directory.
func LoadFromWorkingDir() (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	dir, err := FindConfigDir(wd)
	if err != nil {
		return nil, err
	}
	return Load(dir)
}
