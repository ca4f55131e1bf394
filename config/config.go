// Package config loads the wsclient configuration file.
//
// The file is YAML:
//
//	url: wss://example.com/ws
//	headers:
//	  Authorization: Bearer token
//	subprotocols: [chat]
//	read_limit: 1048576
//	dial:
//	  timeout: 10s
//	  keep_alive: 30s
//	  user_timeout: 20s
//	  read_buffer: 65536
//	  write_buffer: 65536
//	  insecure_skip_verify: false
//	  server_name: example.com
//	ping:
//	  interval: 30s
//	log:
//	  level: info
//	  format: console
//
// Every field is optional in the file; the URL may come from the command line.
package config

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/coregx/wsclient/transport"
	"github.com/coregx/wsclient/websocket"
)

// Defaults applied before the file is decoded.
const (
	DefaultDialTimeout = 10 * time.Second
	DefaultKeepAlive   = 30 * time.Second
	DefaultLogLevel    = "info"
	DefaultLogFormat   = FormatConsole
)

// Log formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Client is the complete client configuration.
type Client struct {
	URL          string            `yaml:"url"`
	Headers      map[string]string `yaml:"headers"`
	Subprotocols []string          `yaml:"subprotocols"`
	ReadLimit    int64             `yaml:"read_limit"`
	Dial         Dial              `yaml:"dial"`
	Ping         Ping              `yaml:"ping"`
	Log          Log               `yaml:"log"`
}

// Dial configures the transport.
type Dial struct {
	Timeout            time.Duration `yaml:"timeout"`
	KeepAlive          time.Duration `yaml:"keep_alive"`
	UserTimeout        time.Duration `yaml:"user_timeout"`
	ReadBuffer         int           `yaml:"read_buffer"`
	WriteBuffer        int           `yaml:"write_buffer"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	ServerName         string        `yaml:"server_name"`
}

// Ping configures application heartbeats. A zero interval disables them.
type Ping struct {
	Interval time.Duration `yaml:"interval"`
}

// Log configures the CLI logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Client {
	return &Client{
		Dial: Dial{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		},
		Log: Log{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// Load reads and decodes the file at path.
func Load(path string) (*Client, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default. Unknown keys are rejected.
// The result is not validated; command line overrides usually follow.
func Parse(data []byte) (*Client, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration is usable.
func (c *Client) Validate() error {
	if c.URL == "" {
		return errors.New("config: url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("config: invalid url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("config: url scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("config: url has no host")
	}

	if c.Dial.Timeout < 0 {
		return fmt.Errorf("config: dial.timeout must not be negative: %s", c.Dial.Timeout)
	}
	if c.Dial.UserTimeout < 0 {
		return fmt.Errorf("config: dial.user_timeout must not be negative: %s", c.Dial.UserTimeout)
	}
	if c.Dial.ReadBuffer < 0 || c.Dial.WriteBuffer < 0 {
		return errors.New("config: dial buffer sizes must not be negative")
	}
	if c.Ping.Interval < 0 {
		return fmt.Errorf("config: ping.interval must not be negative: %s", c.Ping.Interval)
	}

	return c.Log.validate()
}

// Options translates the configuration into connection options.
// logger may be nil.
func (c *Client) Options(logger *zerolog.Logger) *websocket.Options {
	var header http.Header
	if len(c.Headers) > 0 {
		header = make(http.Header, len(c.Headers))
		for k, v := range c.Headers {
			header.Set(k, v)
		}
	}

	return &websocket.Options{
		Header:       header,
		Subprotocols: c.Subprotocols,
		Dialer:       c.Dial.dialer(),
		Logger:       logger,
		ReadLimit:    c.ReadLimit,
	}
}

func (d Dial) dialer() *transport.Dialer {
	td := &transport.Dialer{
		Timeout:         d.Timeout,
		KeepAlive:       d.KeepAlive,
		UserTimeout:     d.UserTimeout,
		ReadBufferSize:  d.ReadBuffer,
		WriteBufferSize: d.WriteBuffer,
	}

	if d.InsecureSkipVerify || d.ServerName != "" {
		td.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ServerName:         d.ServerName,
			InsecureSkipVerify: d.InsecureSkipVerify, // #nosec G402 - opt-in for test servers
		}
	}

	return td
}
