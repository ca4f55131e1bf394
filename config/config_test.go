package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coregx/wsclient/transport"
)

const fullConfig = `
url: wss://example.com/ws
headers:
  Authorization: Bearer token
subprotocols: [chat, superchat]
read_limit: 1048576
dial:
  timeout: 5s
  keep_alive: -1s
  user_timeout: 20s
  read_buffer: 65536
  write_buffer: 32768
  insecure_skip_verify: true
  server_name: internal.example.com
ping:
  interval: 30s
log:
  level: debug
  format: json
`

func TestParse_Full(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.URL != "wss://example.com/ws" {
		t.Errorf("URL = %q", cfg.URL)
	}
	if cfg.Headers["Authorization"] != "Bearer token" {
		t.Errorf("Headers = %v", cfg.Headers)
	}
	if len(cfg.Subprotocols) != 2 || cfg.Subprotocols[1] != "superchat" {
		t.Errorf("Subprotocols = %v", cfg.Subprotocols)
	}
	if cfg.ReadLimit != 1<<20 {
		t.Errorf("ReadLimit = %d", cfg.ReadLimit)
	}

	want := Dial{
		Timeout:            5 * time.Second,
		KeepAlive:          -time.Second,
		UserTimeout:        20 * time.Second,
		ReadBuffer:         65536,
		WriteBuffer:        32768,
		InsecureSkipVerify: true,
		ServerName:         "internal.example.com",
	}
	if cfg.Dial != want {
		t.Errorf("Dial = %+v, want %+v", cfg.Dial, want)
	}
	if cfg.Ping.Interval != 30*time.Second {
		t.Errorf("Ping.Interval = %s", cfg.Ping.Interval)
	}
	if cfg.Log != (Log{Level: "debug", Format: FormatJSON}) {
		t.Errorf("Log = %+v", cfg.Log)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestParse_Defaults(t *testing.T) {
	for _, data := range []string{"", "url: ws://localhost:8080/\n"} {
		cfg, err := Parse([]byte(data))
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", data, err)
		}
		if cfg.Dial.Timeout != DefaultDialTimeout || cfg.Dial.KeepAlive != DefaultKeepAlive {
			t.Errorf("Parse(%q) Dial = %+v, want defaults", data, cfg.Dial)
		}
		if cfg.Log.Level != DefaultLogLevel || cfg.Log.Format != DefaultLogFormat {
			t.Errorf("Parse(%q) Log = %+v, want defaults", data, cfg.Log)
		}
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown key", "uri: ws://example.com/\n"},
		{"unknown nested key", "dial:\n  timeout_ms: 100\n"},
		{"bad duration", "dial:\n  timeout: soon\n"},
		{"bad type", "read_limit: lots\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data)); err == nil {
				t.Errorf("Parse(%q) succeeded", tt.data)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wsclient.yaml")
	if err := os.WriteFile(path, []byte(fullConfig), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.URL != "wss://example.com/ws" {
		t.Errorf("URL = %q", cfg.URL)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Client)
		wantErr string
	}{
		{"valid", func(*Client) {}, ""},
		{"missing url", func(c *Client) { c.URL = "" }, "url is required"},
		{"http url", func(c *Client) { c.URL = "http://example.com/" }, "scheme"},
		{"no host", func(c *Client) { c.URL = "ws:///path" }, "no host"},
		{"negative timeout", func(c *Client) { c.Dial.Timeout = -time.Second }, "dial.timeout"},
		{"negative user timeout", func(c *Client) { c.Dial.UserTimeout = -time.Second }, "dial.user_timeout"},
		{"negative buffer", func(c *Client) { c.Dial.ReadBuffer = -1 }, "buffer"},
		{"negative ping", func(c *Client) { c.Ping.Interval = -time.Second }, "ping.interval"},
		{"bad level", func(c *Client) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Client) { c.Log.Format = "xml" }, "log.format"},
		{"negative keep-alive allowed", func(c *Client) { c.Dial.KeepAlive = -1 }, ""},
		{"uppercase level allowed", func(c *Client) { c.Log.Level = "WARN" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.URL = "ws://localhost:8080/ws"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestOptions(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	opts := cfg.Options(nil)

	if opts.Header.Get("Authorization") != "Bearer token" {
		t.Errorf("Header = %v", opts.Header)
	}
	if len(opts.Subprotocols) != 2 {
		t.Errorf("Subprotocols = %v", opts.Subprotocols)
	}
	if opts.ReadLimit != 1<<20 {
		t.Errorf("ReadLimit = %d", opts.ReadLimit)
	}

	d, ok := opts.Dialer.(*transport.Dialer)
	if !ok {
		t.Fatalf("Dialer = %T, want *transport.Dialer", opts.Dialer)
	}
	if d.Timeout != 5*time.Second || d.UserTimeout != 20*time.Second {
		t.Errorf("Dialer timeouts = %s, %s", d.Timeout, d.UserTimeout)
	}
	if d.ReadBufferSize != 65536 || d.WriteBufferSize != 32768 {
		t.Errorf("Dialer buffers = %d, %d", d.ReadBufferSize, d.WriteBufferSize)
	}
	if d.TLSConfig == nil || !d.TLSConfig.InsecureSkipVerify || d.TLSConfig.ServerName != "internal.example.com" {
		t.Errorf("TLSConfig = %+v", d.TLSConfig)
	}
}

func TestOptions_NoTLSOverride(t *testing.T) {
	opts := Default().Options(nil)

	d := opts.Dialer.(*transport.Dialer)
	if d.TLSConfig != nil {
		t.Error("TLSConfig set without insecure_skip_verify or server_name")
	}
	if opts.Header != nil {
		t.Errorf("Header = %v, want nil", opts.Header)
	}
}

func TestLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Log{Level: "warn", Format: FormatJSON}.Logger(&buf)
	if err != nil {
		t.Fatalf("Logger() error = %v", err)
	}

	logger.Info().Msg("hidden")
	logger.Warn().Str("url", "ws://x").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("wrote %d lines, want 1: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["level"] != "warn" || entry["message"] != "shown" || entry["url"] != "ws://x" {
		t.Errorf("entry = %v", entry)
	}
}

func TestLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Log{Level: "debug", Format: FormatConsole}.Logger(&buf)
	if err != nil {
		t.Fatalf("Logger() error = %v", err)
	}

	logger.Debug().Msg("dialing")
	if !strings.Contains(buf.String(), "dialing") {
		t.Errorf("console output = %q", buf.String())
	}
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Error("console format wrote JSON")
	}
}

func TestLogger_BadLevel(t *testing.T) {
	if _, err := (Log{Level: "chatty"}).Logger(&bytes.Buffer{}); err == nil {
		t.Error("Logger() with an unknown level succeeded")
	}
}
