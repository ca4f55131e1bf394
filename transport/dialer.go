// Package transport opens the byte stream a WebSocket client runs over.
//
// ws:// URLs are dialed as plain TCP, wss:// URLs as TLS. Both yield a
// net.Conn, so the protocol engine treats them interchangeably.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
	"time"
)

// ErrUnsupportedScheme indicates a URL scheme other than ws or wss.
var ErrUnsupportedScheme = errors.New("transport: unsupported scheme")

// Default ports per RFC 6455 Section 3.
const (
	defaultPort       = "80"
	defaultSecurePort = "443"
)

// Dialer dials WebSocket transports.
//
// The zero value dials with no timeout beyond the caller's context, the
// operating system defaults for keep-alive and socket buffers, and the
// default TLS configuration.
type Dialer struct {
	// Timeout bounds connection establishment, TLS included.
	Timeout time.Duration

	// KeepAlive is the TCP keep-alive period. Zero uses the net package
	// default; negative disables keep-alive.
	KeepAlive time.Duration

	// UserTimeout bounds how long transmitted data may stay unacknowledged
	// before the kernel drops the connection (TCP_USER_TIMEOUT, Linux only).
	UserTimeout time.Duration

	// ReadBufferSize and WriteBufferSize set SO_RCVBUF and SO_SNDBUF when
	// positive (Linux only).
	ReadBufferSize  int
	WriteBufferSize int

	// TLSConfig is used for wss:// URLs. ServerName defaults to the URL host.
	TLSConfig *tls.Config
}

// Dial connects to the host of u.
func (d *Dialer) Dial(ctx context.Context, u *url.URL) (net.Conn, error) {
	addr, secure, err := Address(u)
	if err != nil {
		return nil, err
	}

	nd := &net.Dialer{
		Timeout:   d.Timeout,
		KeepAlive: d.KeepAlive,
		Control:   d.control,
	}

	if !secure {
		conn, err := nd.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
		}
		return conn, nil
	}

	cfg := d.TLSConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = u.Hostname()
	}

	td := &tls.Dialer{NetDialer: nd, Config: cfg}
	conn, err := td.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial tls %s: %w", addr, err)
	}
	return conn, nil
}

// control applies socket options before connect.
func (d *Dialer) control(_, _ string, rc syscall.RawConn) error {
	opts := socketOptions{
		userTimeout: d.UserTimeout,
		readBuffer:  d.ReadBufferSize,
		writeBuffer: d.WriteBufferSize,
	}
	if opts.empty() {
		return nil
	}

	var sockErr error
	err := rc.Control(func(fd uintptr) {
		sockErr = opts.apply(fd)
	})
	if err != nil {
		return err
	}
	return sockErr
}

type socketOptions struct {
	userTimeout time.Duration
	readBuffer  int
	writeBuffer int
}

func (o socketOptions) empty() bool {
	return o.userTimeout <= 0 && o.readBuffer <= 0 && o.writeBuffer <= 0
}

// Address returns the host:port to dial for u and whether TLS is required.
// The port defaults to 80 for ws:// and 443 for wss://.
func Address(u *url.URL) (string, bool, error) {
	var secure bool
	port := defaultPort

	switch u.Scheme {
	case "ws":
	case "wss":
		secure = true
		port = defaultSecurePort
	default:
		return "", false, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	if p := u.Port(); p != "" {
		port = p
	}

	return net.JoinHostPort(u.Hostname(), port), secure, nil
}
