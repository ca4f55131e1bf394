package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coregx/wsclient/config"
	"github.com/coregx/wsclient/websocket"
)

var (
	configPath   string
	headers      []string
	subprotocols []string
	logLevel     string
	pingInterval time.Duration
	insecure     bool
	waitReply    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "wsclient [url]",
	Short: "Interactive WebSocket client",
	Long: `WebSocket client speaking RFC 6455 over ws:// and wss://.

Each line read from stdin is sent as a text message. Received messages are
printed to stdout, one per line. EOF on stdin closes the connection.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		var rawURL string
		if len(args) == 1 {
			rawURL = args[0]
		}

		cfg, logger, err := loadConfig(cmd, rawURL)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return interactive(ctx, cfg, os.Stdin, cmd.OutOrStdout(), logger)
	},
}

var sendCmd = &cobra.Command{
	Use:   "send [url] <message>",
	Short: "Send one text message and exit",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rawURL, message := "", args[len(args)-1]
		if len(args) == 2 {
			rawURL = args[0]
		}

		cfg, logger, err := loadConfig(cmd, rawURL)
		if err != nil {
			return err
		}

		return sendOnce(cmd.Context(), cfg, message, waitReply, cmd.OutOrStdout(), logger)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "YAML configuration file")
	flags.StringArrayVarP(&headers, "header", "H", nil, `extra handshake header, "Name: value" (repeatable)`)
	flags.StringSliceVar(&subprotocols, "subprotocol", nil, "subprotocol to offer (repeatable)")
	flags.StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	flags.DurationVar(&pingInterval, "ping-interval", 0, "send a ping at this interval (0 disables)")
	flags.BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")

	sendCmd.Flags().DurationVar(&waitReply, "wait", 0, "wait this long for one reply and print it")

	rootCmd.AddCommand(sendCmd)
}

// loadConfig reads the config file, applies command line overrides and
// builds the logger.
func loadConfig(cmd *cobra.Command, rawURL string) (*config.Client, zerolog.Logger, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, zerolog.Nop(), err
		}
	}

	if rawURL != "" {
		cfg.URL = rawURL
	}
	if len(headers) > 0 {
		if cfg.Headers == nil {
			cfg.Headers = make(map[string]string, len(headers))
		}
		for _, h := range headers {
			name, value, err := parseHeader(h)
			if err != nil {
				return nil, zerolog.Nop(), err
			}
			cfg.Headers[name] = value
		}
	}

	flags := cmd.Flags()
	if flags.Changed("subprotocol") {
		cfg.Subprotocols = subprotocols
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("ping-interval") {
		cfg.Ping.Interval = pingInterval
	}
	if flags.Changed("insecure") {
		cfg.Dial.InsecureSkipVerify = insecure
	}

	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}

	logger, err := cfg.Log.Logger(os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

// parseHeader splits "Name: value".
func parseHeader(s string) (string, string, error) {
	name, value, ok := strings.Cut(s, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", "", fmt.Errorf("invalid header %q, want \"Name: value\"", s)
	}
	return name, strings.TrimSpace(value), nil
}

// dial connects a new Conn and registers l before the handshake so no
// event is missed.
func dial(ctx context.Context, cfg *config.Client, logger *zerolog.Logger, l websocket.Listener) (*websocket.Conn, error) {
	conn, err := websocket.NewConn(cfg.URL, cfg.Options(logger))
	if err != nil {
		return nil, err
	}
	conn.Register(l)

	if cfg.Dial.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Dial.Timeout)
		defer cancel()
	}

	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.URL, err)
	}
	return conn, nil
}

// interactive sends every line of in and prints every message to out until
// in is exhausted, ctx is done or the server closes.
func interactive(ctx context.Context, cfg *config.Client, in io.Reader, out io.Writer, logger zerolog.Logger) error {
	closed := make(chan websocket.Event, 1)

	conn, err := dial(ctx, cfg, &logger, websocket.ListenerFunc(func(e websocket.Event) {
		switch e.Type {
		case websocket.EventOpen:
			logger.Info().Str("url", cfg.URL).Msg("connected")
		case websocket.EventMessage:
			printMessage(out, e.Message)
		case websocket.EventError:
			logger.Error().Err(e.Err).Msg("connection error")
		case websocket.EventClose:
			closed <- e
		}
	}))
	if err != nil {
		return err
	}

	if cfg.Ping.Interval > 0 {
		go heartbeat(ctx, conn, cfg.Ping.Interval, logger)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return finish(conn, closed, logger)
			}
			if err := conn.SendText(line); err != nil {
				if websocket.IsCloseError(err) {
					return reportClose(<-closed, logger)
				}
				return err
			}

		case e := <-closed:
			return reportClose(e, logger)

		case <-ctx.Done():
			return finish(conn, closed, logger)
		}
	}
}

// sendOnce sends message, optionally waits for one reply, and closes.
func sendOnce(ctx context.Context, cfg *config.Client, message string, wait time.Duration, out io.Writer, logger zerolog.Logger) error {
	replies := make(chan websocket.Message, 1)
	closed := make(chan websocket.Event, 1)

	conn, err := dial(ctx, cfg, &logger, websocket.ListenerFunc(func(e websocket.Event) {
		switch e.Type {
		case websocket.EventMessage:
			if e.Message.Opcode == websocket.OpPong {
				return
			}
			select {
			case replies <- e.Message:
			default:
			}
		case websocket.EventClose:
			closed <- e
		}
	}))
	if err != nil {
		return err
	}

	if err := conn.SendText(message); err != nil {
		_ = conn.Close()
		return err
	}

	if wait > 0 {
		select {
		case msg := <-replies:
			printMessage(out, msg)
		case e := <-closed:
			return reportClose(e, logger)
		case <-time.After(wait):
			logger.Warn().Dur("wait", wait).Msg("no reply")
		}
	}

	return finish(conn, closed, logger)
}

// finish closes the connection and waits for the close event.
func finish(conn *websocket.Conn, closed <-chan websocket.Event, logger zerolog.Logger) error {
	if err := conn.Close(); err != nil {
		logger.Debug().Err(err).Msg("close")
	}
	return reportClose(<-closed, logger)
}

func reportClose(e websocket.Event, logger zerolog.Logger) error {
	logger.Info().
		Int("code", int(e.Code)).
		Str("reason", e.Reason).
		Bool("remote", e.Remote).
		Msg("connection closed")

	switch e.Code {
	case websocket.CloseNormal, websocket.CloseGoingAway, websocket.CloseNoStatusCode:
		return nil
	default:
		return fmt.Errorf("connection closed: %d %s", int(e.Code), e.Code)
	}
}

// heartbeat pings the server until the connection stops accepting frames.
func heartbeat(ctx context.Context, conn *websocket.Conn, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(nil); err != nil {
				if !websocket.IsCloseError(err) {
					logger.Warn().Err(err).Msg("ping failed")
				}
				return
			}
			logger.Debug().Time("last_pong", conn.LastPong()).Msg("ping sent")
		}
	}
}

func printMessage(out io.Writer, msg websocket.Message) {
	switch msg.Opcode {
	case websocket.OpText:
		fmt.Fprintln(out, msg.Text())
	case websocket.OpBinary:
		fmt.Fprintf(out, "<binary %d bytes> %x\n", len(msg.Payload), msg.Payload)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
