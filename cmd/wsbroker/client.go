package main

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/spf13/cobra"
	"github.com/wsbroker/wsbroker/internal/errors"
)

// errInputDone ends an interactive session without reconnecting.
var errInputDone = stderrors.New("input closed")

type clientFlags struct {
	send       string
	timeout    time.Duration
	reconnect  bool
	maxRetries int
	minDelay   time.Duration
	maxDelay   time.Duration
}

func clientCmd(g *globalFlags) *cobra.Command {
	var f clientFlags

	cmd := &cobra.Command{
		Use:   "client <url>",
		Short: "Connect to a broker and exchange messages",
		Long: `Connect to a websocket endpoint. Lines read from stdin are sent as text
messages and every received message is printed on its own line.

With --send, one message is sent, one reply is awaited, and the client exits.
With --reconnect, dropped connections are retried with exponential backoff.

Examples:
  wsbroker client ws://localhost:8080/
  wsbroker client ws://localhost:8080/ --send=hello
  wsbroker client wss://broker.example.com/ws --reconnect --max-retries=10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level := g.logLevel
			if level == "" {
				level = "warn"
			}
			logger, err := newLogger(level, g.logFormat, os.Stderr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runClient(ctx, args[0], &f, os.Stdin, cmd.OutOrStdout(), logger)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.send, "send", "", "Send one message, print one reply and exit")
	fl.DurationVar(&f.timeout, "timeout", 5*time.Second, "Reply timeout with --send")
	fl.BoolVar(&f.reconnect, "reconnect", false, "Reconnect when the connection drops")
	fl.IntVar(&f.maxRetries, "max-retries", 0, "Give up after this many failed attempts (0 = never)")
	fl.DurationVar(&f.minDelay, "min-delay", 500*time.Millisecond, "Initial reconnect delay")
	fl.DurationVar(&f.maxDelay, "max-delay", 30*time.Second, "Largest reconnect delay")

	return cmd
}

func runClient(ctx context.Context, url string, f *clientFlags, in io.Reader, out io.Writer, logger *slog.Logger) error {
	b := &backoff.Backoff{
		Min:    f.minDelay,
		Max:    f.maxDelay,
		Factor: 2,
		Jitter: true,
	}

	var lines <-chan string
	if f.send == "" {
		lines = readLines(in)
	}

	for {
		connected, err := clientSession(ctx, url, f, lines, out, logger)
		switch {
		case ctx.Err() != nil, err == nil, stderrors.Is(err, errInputDone):
			return nil
		case !f.reconnect:
			return errors.New("E140").Wrap(err)
		}

		if connected {
			b.Reset()
		}
		if f.maxRetries > 0 && int(b.Attempt()) >= f.maxRetries {
			return errors.New("E140").
				WithDetail(fmt.Sprintf("Gave up after %d attempts.", f.maxRetries)).
				Wrap(err)
		}

		delay := b.Duration()
		logger.Warn("connection lost, reconnecting", "url", url, "in", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// readLines forwards lines of r until EOF, then closes the channel.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

// clientSession runs one connection. connected reports whether the dial
// succeeded.
func clientSession(ctx context.Context, url string, f *clientFlags, lines <-chan string, out io.Writer, logger *slog.Logger) (connected bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	logger.Info("connected", "url", url)

	if f.send != "" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f.send)); err != nil {
			return true, err
		}
		conn.SetReadDeadline(time.Now().Add(f.timeout))
		_, reply, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		fmt.Fprintln(out, string(reply))
		closeGracefully(conn)
		return true, nil
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			fmt.Fprintln(out, string(msg))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			closeGracefully(conn)
			return true, nil
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return true, nil
			}
			return true, err
		case line, ok := <-lines:
			if !ok {
				closeGracefully(conn)
				return true, errInputDone
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				return true, err
			}
		}
	}
}

func closeGracefully(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
