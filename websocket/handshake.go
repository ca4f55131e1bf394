package websocket

import (
	"bufio"
	"crypto/sha1" // #nosec G505 - SHA-1 required by RFC 6455 Section 1.3
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// Magic GUID from RFC 6455 Section 1.3.
// Used for computing Sec-WebSocket-Accept header.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// websocketVersion is the only protocol version this client speaks.
const websocketVersion = "13"

// handshake holds the state of one opening handshake: the client nonce,
// the outgoing header set and the accept value the server must echo.
type handshake struct {
	key          string
	accept       string
	header       http.Header
	subprotocols []string
}

// newHandshake prepares the request headers for u.
//
// RFC 6455 Section 4.1: the request carries Host, Upgrade, Connection,
// Sec-WebSocket-Key (base64 of 16 random bytes) and Sec-WebSocket-Version.
// Caller headers are sent as well, but cannot override the upgrade headers.
// Host defaults to the URL host when the caller does not provide one.
func newHandshake(u *url.URL, extra http.Header, subprotocols []string, rnd io.Reader) (*handshake, error) {
	nonce := make([]byte, 16)
	if _, err := io.ReadFull(rnd, nonce); err != nil {
		return nil, fmt.Errorf("websocket: generate key: %w", err)
	}
	key := base64.StdEncoding.EncodeToString(nonce)

	header := extra.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if header.Get("Host") == "" {
		header.Set("Host", u.Host)
	}
	header.Set("Upgrade", "websocket")
	header.Set("Connection", "Upgrade")
	header.Set("Sec-WebSocket-Key", key)
	header.Set("Sec-WebSocket-Version", websocketVersion)
	if len(subprotocols) > 0 {
		header.Set("Sec-WebSocket-Protocol", strings.Join(subprotocols, ", "))
	}

	return &handshake{
		key:          key,
		accept:       ComputeAcceptKey(key),
		header:       header,
		subprotocols: subprotocols,
	}, nil
}

// writeRequest sends the upgrade request and flushes it.
//
//	GET /path?query HTTP/1.1
//	Host: example.com
//	Connection: Upgrade
//	...
func (h *handshake) writeRequest(w *bufio.Writer, u *url.URL) error {
	if _, err := fmt.Fprintf(w, "GET %s HTTP/1.1\r\nHost: %s\r\n", requestURI(u), h.header.Get("Host")); err != nil {
		return ioError("write handshake", err)
	}
	if err := h.header.WriteSubset(w, map[string]bool{"Host": true}); err != nil {
		return ioError("write handshake", err)
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return ioError("write handshake", err)
	}
	if err := w.Flush(); err != nil {
		return ioError("flush handshake", err)
	}
	return nil
}

// readResponse reads the server response up to the first blank line and
// validates it.
//
// RFC 6455 Section 4.1, the client fails the connection unless:
//  1. The status line starts with "HTTP/1.1 101"
//  2. Upgrade contains "websocket" (case-insensitive)
//  3. Connection contains "Upgrade" (case-insensitive)
//  4. Sec-WebSocket-Accept equals base64(SHA-1(key + GUID))
//  5. No extension was selected (none are offered)
//  6. The selected subprotocol, if any, was offered
//
// Header names are matched case-insensitively. Returns the selected
// subprotocol. Bytes following the blank line stay buffered in r.
func (h *handshake) readResponse(r *bufio.Reader) (string, error) {
	tp := textproto.NewReader(r)

	status, err := tp.ReadLine()
	if err != nil {
		return "", ioError("read handshake status", err)
	}
	if !strings.HasPrefix(status, "HTTP/1.1 101") {
		return "", fmt.Errorf("%w: %q", ErrBadStatus, status)
	}

	hdr, err := tp.ReadMIMEHeader()
	if err != nil {
		var pe textproto.ProtocolError
		if errors.As(err, &pe) {
			return "", fmt.Errorf("%w: %w", ErrBadHeader, err)
		}
		return "", ioError("read handshake headers", err)
	}
	header := http.Header(hdr)

	if !headerContainsToken(strings.Join(header.Values("Upgrade"), ","), "websocket") {
		return "", ErrBadUpgrade
	}
	if !headerContainsToken(strings.Join(header.Values("Connection"), ","), "upgrade") {
		return "", ErrBadConnection
	}
	if got := header.Get("Sec-WebSocket-Accept"); got != h.accept {
		return "", fmt.Errorf("%w: got %q, want %q", ErrBadAccept, got, h.accept)
	}
	if ext := header.Get("Sec-WebSocket-Extensions"); ext != "" {
		return "", fmt.Errorf("%w: %q", ErrExtensionNotNegotiated, ext)
	}

	subprotocol := header.Get("Sec-WebSocket-Protocol")
	if subprotocol != "" && !h.offered(subprotocol) {
		return "", fmt.Errorf("%w: %q", ErrSubprotocolMismatch, subprotocol)
	}

	return subprotocol, nil
}

func (h *handshake) offered(subprotocol string) bool {
	for _, p := range h.subprotocols {
		if p == subprotocol {
			return true
		}
	}
	return false
}

// ComputeAcceptKey computes Sec-WebSocket-Accept from client key.
//
// RFC 6455 Section 1.3:
//
//	Sec-WebSocket-Accept = base64(SHA-1(key + GUID))
//
// Where GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11".
//
// Example:
//
//	key := "dGhlIHNhbXBsZSBub25jZQ=="
//	accept := ComputeAcceptKey(key)
//	// accept = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
func ComputeAcceptKey(key string) string {
	// #nosec G401 - SHA-1 required by RFC 6455 Section 1.3 (not for cryptographic security)
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// requestURI returns the path and query of u, defaulting the path to "/".
func requestURI(u *url.URL) string {
	uri := u.EscapedPath()
	if uri == "" {
		uri = "/"
	}
	if u.RawQuery != "" {
		uri += "?" + u.RawQuery
	}
	return uri
}

// headerContainsToken checks if header value contains token (case-insensitive).
//
// RFC 6455 Section 4.2.1: Header tokens are case-insensitive.
//
// Example:
//
//	headerContainsToken("Upgrade, HTTP/2.0", "upgrade") // true
//	headerContainsToken("keep-alive", "upgrade")        // false
func headerContainsToken(header, token string) bool {
	for _, h := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(h), token) {
			return true
		}
	}

	return false
}
