package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jpillora/sizestr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/wsbroker/wsbroker/internal/config"
	"github.com/wsbroker/wsbroker/internal/errors"
	"github.com/wsbroker/wsbroker/pkg/metrics"
	"github.com/wsbroker/wsbroker/pkg/webserver"
)

// Delivery modes of the serve command.
const (
	modeEcho      = "echo"
	modeBroadcast = "broadcast"
	modePoll      = "poll"
)

// startTimeout bounds the wait for listeners after Start.
const startTimeout = 10 * time.Second

type serveFlags struct {
	hostname string
	bind     string
	webDir   string
	port     int
	tlsPort  int
	cert     string
	key      string
	framer   string
	wsPath   string
	metrics  string
	mode     string
	watch    bool
}

func serveCmd(g *globalFlags) *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker",
		Long: `Start the broker with settings from wsbroker.json, WSBROKER_* variables
and flags, in increasing order of precedence.

Modes:
  echo       every message is sent back to its sender
  broadcast  every message is sent to all connections
  poll       messages are read from the inbound queue and logged

Examples:
  wsbroker serve
  wsbroker serve --port=9000 --web-dir=./site
  wsbroker serve --mode=broadcast --metrics=:9090
  wsbroker serve --config=deploy/wsbroker.json --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, g, &f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.hostname, "hostname", "", "Virtual host name")
	fl.StringVar(&f.bind, "bind", "", "Interface to listen on")
	fl.StringVarP(&f.webDir, "web-dir", "w", "", "Static content directory")
	fl.IntVarP(&f.port, "port", "p", 0, "Plaintext port, -1 to disable")
	fl.IntVar(&f.tlsPort, "tls-port", 0, "TLS port, -1 to disable")
	fl.StringVar(&f.cert, "cert", "", "TLS certificate (PEM)")
	fl.StringVar(&f.key, "key", "", "TLS private key (PEM)")
	fl.StringVar(&f.framer, "framer", "", "Websocket implementation: gorilla or gobwas")
	fl.StringVar(&f.wsPath, "ws-path", "", "Path accepting websocket upgrades")
	fl.StringVar(&f.metrics, "metrics", "", "Address serving /metrics and /stats")
	fl.StringVarP(&f.mode, "mode", "m", modeEcho, "Delivery mode: echo, broadcast or poll")
	fl.BoolVar(&f.watch, "watch", false, "Restart the broker when the config file changes")

	return cmd
}

// applyServeFlags overrides cfg with the flags set on the command line.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config, f *serveFlags) {
	changed := cmd.Flags().Changed
	if changed("hostname") {
		cfg.Hostname = f.hostname
	}
	if changed("bind") {
		cfg.Bind = f.bind
	}
	if changed("web-dir") {
		cfg.WebDir = absPath(f.webDir)
	}
	if changed("port") {
		cfg.Port = f.port
	}
	if changed("tls-port") {
		cfg.TLS.Port = f.tlsPort
	}
	if changed("cert") {
		cfg.TLS.Cert = absPath(f.cert)
	}
	if changed("key") {
		cfg.TLS.Key = absPath(f.key)
	}
	if changed("framer") {
		cfg.Framer = f.framer
	}
	if changed("ws-path") {
		cfg.WSPath = f.wsPath
	}
	if changed("metrics") {
		cfg.Metrics.Address = f.metrics
	}
}

// absPath makes command line paths independent of the config directory.
func absPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// resolveServeConfig loads, overrides and validates the configuration.
func resolveServeConfig(cmd *cobra.Command, g *globalFlags, f *serveFlags) (*config.Config, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	applyServeFlags(cmd, cfg, f)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, g *globalFlags, f *serveFlags) error {
	if f.mode != modeEcho && f.mode != modeBroadcast && f.mode != modePoll {
		return errors.Newf(errors.CategoryCLI, "unknown mode %q", f.mode).
			WithSuggestion("Use --mode=echo, --mode=broadcast or --mode=poll")
	}

	cfg, err := resolveServeConfig(cmd, g, f)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metrics.New(
		metrics.WithRegistry(reg),
		metrics.WithNamespace(cfg.Metrics.Namespace),
	)

	srv := webserver.New(
		webserver.WithLogger(logger),
		webserver.WithMetrics(rec),
	)
	srv.SetMessageCallback(deliveryCallback(srv, f.mode))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := startServer(ctx, srv, cfg); err != nil {
		return err
	}
	defer srv.Stop()

	printBanner()
	printServing(srv, cfg, f.mode)

	var metricsErr <-chan error
	if cfg.Metrics.Address != "" {
		ms, errCh := serveMetrics(cfg.Metrics.Address, reg, srv, logger)
		defer shutdownHTTP(ms)
		metricsErr = errCh
		info("Metrics:   http://%s/metrics", displayAddr(cfg.Metrics.Address))
	}

	if f.mode == modePoll {
		go pollMessages(ctx, srv, logger)
	}

	var reload <-chan struct{}
	if f.watch {
		if cfg.Path() == "" {
			warn("--watch ignored: no config file")
		} else {
			ch, err := watchConfig(ctx, cfg.Path(), logger)
			if err != nil {
				return errors.Newf(errors.CategoryCLI, "watch %s", cfg.Path()).Wrap(err)
			}
			reload = ch
			info("Watching:  %s", cfg.Path())
		}
	}
	fmt.Println()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\n  Shutting down...")
			return nil

		case err := <-metricsErr:
			return errors.New("E122").Wrap(err)

		case <-reload:
			next, err := resolveServeConfig(cmd, g, f)
			if err != nil {
				logger.Error("config reload rejected", "error", compactError(err, "E102"))
				continue
			}
			logger.Info("config changed, restarting")
			srv.Stop()
			if err := startServer(ctx, srv, next); err != nil {
				logger.Error("restart failed, restoring previous config", "error", compactError(err, "E120"))
				if err := startServer(ctx, srv, cfg); err != nil {
					return err
				}
				continue
			}
			cfg = next
			success("Restarted with %s", cfg.Path())
		}
	}
}

// deliveryCallback returns the message callback for mode (nil for poll).
func deliveryCallback(srv *webserver.Server, mode string) webserver.MessageCallback {
	switch mode {
	case modeEcho:
		return func(m webserver.Message) {
			srv.SendMessage(m.Payload, m.ConnectionID)
		}
	case modeBroadcast:
		return func(m webserver.Message) {
			srv.SendMessage(m.Payload, webserver.Broadcast)
		}
	default:
		return nil
	}
}

// startServer applies cfg to a stopped server, starts it and waits for the
// listeners.
func startServer(ctx context.Context, srv *webserver.Server, cfg *config.Config) error {
	if err := srv.SetConfig(cfg.Hostname, cfg.WebDirPath(), cfg.Port); err != nil {
		return describeStartError(err)
	}
	if err := srv.SetConfigTLS(cfg.TLS.Port, cfg.TLSCertPath(), cfg.TLSKeyPath()); err != nil {
		return describeStartError(err)
	}
	if err := srv.SetOptions(cfg.ServerOptions()); err != nil {
		return describeStartError(err)
	}
	if err := srv.Start(); err != nil {
		return describeStartError(err)
	}

	wctx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := srv.WaitRunning(wctx); err != nil {
		srv.Stop()
		return describeStartError(err)
	}
	return nil
}

func printServing(srv *webserver.Server, cfg *config.Config, mode string) {
	host := cfg.Bind
	if host == "" {
		host = cfg.Hostname
	}
	if cfg.Port > 0 {
		success("Serving   http://%s:%d (websocket %s)", host, cfg.Port, cfg.WSPath)
	}
	if cfg.TLS.Port > 0 {
		success("Serving   https://%s:%d (websocket %s)", host, cfg.TLS.Port, cfg.WSPath)
	}
	opts := srv.Options()
	info("Web dir:   %s", srv.WebDir())
	info("Mode:      %s", mode)
	info("Framer:    %s, frames of %s, %d connections max",
		opts.Framer, sizestr.ToString(int64(opts.MaxFrameSize)), opts.MaxConnections)
}

func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

// serveMetrics exposes the Prometheus registry and a JSON stats snapshot.
func serveMetrics(addr string, reg *prometheus.Registry, srv *webserver.Server, logger *slog.Logger) (*http.Server, <-chan error) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/stats", statsHandler(srv))

	hs := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	errCh := make(chan error, 1)
	go func() {
		if err := hs.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return hs, errCh
}

// statsView is the JSON form of webserver.Stats.
type statsView struct {
	State          string `json:"state"`
	Clients        int    `json:"clients"`
	InboundQueued  int    `json:"inboundQueued"`
	OutboundQueued int    `json:"outboundQueued"`

	Accepted          int64 `json:"accepted"`
	Rejected          int64 `json:"rejected"`
	PeakConnections   int64 `json:"peakConnections"`
	MessagesReceived  int64 `json:"messagesReceived"`
	MessagesDelivered int64 `json:"messagesDelivered"`
	Dropped           int64 `json:"dropped"`
	TransportErrors   int64 `json:"transportErrors"`
	CallbackPanics    int64 `json:"callbackPanics"`
}

func statsHandler(srv *webserver.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := srv.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(statsView{
			State:             st.State.String(),
			Clients:           st.Clients,
			InboundQueued:     st.InboundQueued,
			OutboundQueued:    st.OutboundQueued,
			Accepted:          st.Accepted,
			Rejected:          st.Rejected,
			PeakConnections:   st.PeakConnections,
			MessagesReceived:  st.MessagesReceived,
			MessagesDelivered: st.MessagesDelivered,
			Dropped:           st.Dropped(),
			TransportErrors:   st.TransportErrors,
			CallbackPanics:    st.CallbackPanics,
		})
	}
}

func shutdownHTTP(hs *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.Shutdown(ctx); err != nil {
		hs.Close()
	}
}

// pollMessages drains the inbound queue in poll mode.
func pollMessages(ctx context.Context, srv *webserver.Server, logger *slog.Logger) {
	for ctx.Err() == nil {
		msg, ok := srv.ReceiveMessage(500 * time.Millisecond)
		if !ok {
			continue
		}
		logger.Info("message received",
			"conn_id", msg.ConnectionID,
			"bytes", len(msg.Payload),
			"payload", truncate(msg.Payload, 120))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// watchConfig signals on the returned channel when path is written or
// replaced. Bursts of events are coalesced.
func watchConfig(ctx context.Context, path string, logger *slog.Logger) (<-chan struct{}, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Editors often replace the file, so watch its directory.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}

	out := make(chan struct{}, 1)
	go func() {
		defer w.Close()
		var settle <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				settle = time.After(250 * time.Millisecond)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("config watch error", "error", err)
			case <-settle:
				settle = nil
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}
