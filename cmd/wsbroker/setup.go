package main

import (
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/wsbroker/wsbroker/internal/config"
	"github.com/wsbroker/wsbroker/internal/errors"
	"github.com/wsbroker/wsbroker/pkg/engine"
	"github.com/wsbroker/wsbroker/pkg/webserver"
)

// loadConfig reads the configuration named by --config, or the nearest
// wsbroker.json, falling back to defaults when none exists. Environment
// variables and the global log flags are applied on top.
func loadConfig(g *globalFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.configPath != "" {
		cfg, err = config.LoadFile(g.configPath)
	} else {
		cfg, err = config.LoadFromWorkingDir()
		if errorCode(err) == "E100" {
			cfg, err = config.New(), nil
		}
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.logFormat != "" {
		cfg.LogFormat = g.logFormat
	}
	return cfg, nil
}

// newLogger builds the process logger.
func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.New("E102").
			WithDetail(fmt.Sprintf("log level %q must be debug, info, warn or error.", level))
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, errors.New("E102").
			WithDetail(fmt.Sprintf("log format %q must be text or json.", format))
	}
}

// errorCode returns the code of a coded error, or "".
func errorCode(err error) string {
	var e *errors.Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// describeStartError converts server start failures into coded errors.
func describeStartError(err error) error {
	if err == nil {
		return nil
	}

	var ce *webserver.ConfigError
	field := ""
	if stderrors.As(err, &ce) {
		field = ce.Field
	}

	switch {
	case stderrors.Is(err, webserver.ErrNoPort):
		return errors.New("E105").Wrap(err)
	case stderrors.Is(err, webserver.ErrSamePorts):
		return errors.New("E106").Wrap(err)
	case stderrors.Is(err, webserver.ErrWebDirMissing):
		return errors.New("E103").Wrap(err)
	case stderrors.Is(err, webserver.ErrTLSFileMissing):
		return errors.New("E104").Wrap(err)
	case stderrors.Is(err, webserver.ErrInvalidOption):
		e := errors.New("E102").Wrap(err)
		if field != "" {
			e.WithDetail("The " + field + " option is out of range.")
		}
		return e
	}

	var se *engine.StageError
	if stderrors.As(err, &se) && strings.HasSuffix(se.Stage, " vhost") {
		return errors.New("E121").Wrap(err)
	}
	return errors.FromError(err, "E120")
}

// compactError renders err on one line for log records.
func compactError(err error, code string) string {
	return errors.FromError(err, code).FormatCompact()
}

// printError reports a command failure, as JSON when format is "json".
func printError(w io.Writer, err error, format string) {
	if strings.EqualFold(format, "json") {
		errors.PrintJSON(w, err)
		return
	}
	errors.Print(w, err)
}
