package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/coregx/wsclient/transport"
)

// Default buffer sizes and limits for WebSocket connections.
const (
	defaultReadBufferSize  = 4096
	defaultWriteBufferSize = 4096

	// defaultReadLimit caps inbound messages at 32 MB.
	defaultReadLimit = 32 * 1024 * 1024
)

// Dialer opens the transport for a ws:// or wss:// URL.
//
// *transport.Dialer is the default implementation.
type Dialer interface {
	Dial(ctx context.Context, u *url.URL) (net.Conn, error)
}

// Options configures a client connection.
//
// All fields are optional. Zero values use sensible defaults.
type Options struct {
	// Header holds extra request headers sent with the opening handshake.
	// Host may be overridden here; the upgrade headers may not.
	Header http.Header

	// Subprotocols is the list of subprotocols offered to the server.
	Subprotocols []string

	// Dialer opens the transport (default: &transport.Dialer{}).
	Dialer Dialer

	// Logger receives structured protocol observations (default: no-op).
	Logger *zerolog.Logger

	// ReadLimit is the largest inbound message accepted, in bytes
	// (default: 32 MB). Larger messages close the connection with
	// CloseMessageTooBig. Negative disables the limit.
	ReadLimit int64

	// ReadBufferSize sets size of read buffer (default: 4096).
	ReadBufferSize int

	// WriteBufferSize sets size of write buffer (default: 4096).
	WriteBufferSize int

	// Rand is the entropy source for handshake keys and masking keys
	// (default: crypto/rand.Reader).
	Rand io.Reader
}

func (o *Options) withDefaults() Options {
	opts := Options{}
	if o != nil {
		opts = *o
	}
	if opts.Dialer == nil {
		opts.Dialer = &transport.Dialer{}
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	if opts.ReadLimit == 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = defaultReadBufferSize
	}
	if opts.WriteBufferSize <= 0 {
		opts.WriteBufferSize = defaultWriteBufferSize
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	return opts
}

// Conn is a client WebSocket connection (RFC 6455).
//
// Conn owns the transport for its whole lifetime and drives it through the
// states Closed -> Connecting -> Open -> Closing -> Closed. Once Open, a
// receive loop goroutine reads frames, answers pings and close frames, and
// raises events to registered listeners. Send methods are safe for
// concurrent use; every outbound frame is written and flushed under one
// mutex so frames never interleave.
//
// Example Usage:
//
//	conn, err := websocket.NewConn("wss://example.com/ws", nil)
//	if err != nil {
//	    return err
//	}
//	conn.Register(websocket.ListenerFunc(func(e websocket.Event) {
//	    if e.Type == websocket.EventMessage {
//	        fmt.Println(e.Message.Text())
//	    }
//	}))
//
//	if err := conn.Connect(ctx); err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	conn.SendText("Hello, WebSocket!")
type Conn struct {
	url    *url.URL
	opts   Options
	logger *zerolog.Logger

	state  stateMachine
	events *dispatcher
	frags  *reassembler

	// Session state, assigned by Connect before the state becomes Open.
	netConn     net.Conn
	reader      *bufio.Reader
	writer      *bufio.Writer
	subprotocol string

	// Write synchronization: one frame is encoded, written and flushed at a time.
	writeMu sync.Mutex

	lastPong atomic.Int64 // unix nanoseconds, 0 if none
	loop     sync.WaitGroup
}

// NewConn creates a closed connection for a ws:// or wss:// URL.
// Call Connect to open it.
func NewConn(rawURL string, opts *Options) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	o := opts.withDefaults()
	c := &Conn{
		url:    u,
		opts:   o,
		logger: o.Logger,
		events: newDispatcher(o.Logger),
		frags:  newReassembler(o.ReadLimit),
	}
	c.state.onChange = func(from, to State) {
		c.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("state changed")
	}

	return c, nil
}

// Register adds a listener for connection events and returns a function
// that removes it. Listeners persist across reconnects.
func (c *Conn) Register(l Listener) (unregister func()) {
	return c.events.register(l)
}

// State returns the current connection state.
func (c *Conn) State() State {
	return c.state.load()
}

// LastPong returns when the last pong was received, or the zero time.
func (c *Conn) LastPong() time.Time {
	ns := c.lastPong.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Subprotocol returns the subprotocol selected by the server, if any.
func (c *Conn) Subprotocol() string {
	if err := c.state.require("subprotocol", StateOpen, StateClosing); err != nil {
		return ""
	}
	return c.subprotocol
}

// URL returns the target URL.
func (c *Conn) URL() string {
	return c.url.String()
}

// Connect dials the server and performs the opening handshake.
//
// Connect fails with a *StateError unless the connection is Closed. On
// success the state is Open, EventOpen has been raised and the receive
// loop is running. On failure the transport is released, the state
// returns to Closed and no event is raised.
//
// ctx bounds the dial and the handshake; it has no effect once Connect
// returns.
func (c *Conn) Connect(ctx context.Context) error {
	if err := c.state.transition("connect", StateClosed, StateConnecting); err != nil {
		return err
	}

	// The previous session's receive loop must be gone before its fields
	// are reused.
	c.loop.Wait()

	c.logger.Debug().Str("url", c.url.String()).Msg("dialing")

	netConn, err := c.opts.Dialer.Dial(ctx, c.url)
	if err != nil {
		c.abortConnect()
		return ioError("dial", err)
	}

	reader := bufio.NewReaderSize(netConn, c.opts.ReadBufferSize)
	writer := bufio.NewWriterSize(netConn, c.opts.WriteBufferSize)

	subprotocol, err := c.handshake(ctx, netConn, reader, writer)
	if err != nil {
		_ = netConn.Close()
		c.abortConnect()
		c.logger.Debug().Err(err).Msg("handshake failed")
		return err
	}

	c.netConn = netConn
	c.reader = reader
	c.writer = writer
	c.subprotocol = subprotocol
	c.frags.reset()
	c.lastPong.Store(0)

	c.events.start()
	if err := c.state.transition("connect", StateConnecting, StateOpen); err != nil {
		_ = netConn.Close()
		c.events.finish()
		return err
	}

	c.logger.Debug().Str("subprotocol", subprotocol).Msg("handshake completed")
	c.events.emit(Event{Type: EventOpen})

	c.loop.Add(1)
	go c.receiveLoop()

	return nil
}

// abortConnect returns a failed Connect to Closed.
func (c *Conn) abortConnect() {
	_ = c.state.transition("connect", StateConnecting, StateClosed)
}

// handshake runs the opening handshake bounded by ctx.
func (c *Conn) handshake(ctx context.Context, netConn net.Conn, r *bufio.Reader, w *bufio.Writer) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}
	// Unblock pending reads and writes if ctx is cancelled mid-handshake.
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = netConn.SetDeadline(time.Unix(1, 0))
		close(fired)
	})
	defer func() {
		// Let a running hook finish so its deadline cannot outlive the handshake.
		if !stop() {
			<-fired
		}
		_ = netConn.SetDeadline(time.Time{})
	}()

	hs, err := newHandshake(c.url, c.opts.Header, c.opts.Subprotocols, c.opts.Rand)
	if err != nil {
		return "", err
	}

	if err := hs.writeRequest(w, c.url); err != nil {
		return "", c.handshakeErr(ctx, err)
	}

	subprotocol, err := hs.readResponse(r)
	if err != nil {
		return "", c.handshakeErr(ctx, err)
	}

	if err := ctx.Err(); err != nil {
		return "", ioError("handshake", err)
	}

	return subprotocol, nil
}

// handshakeErr reports cancellation instead of the deadline error it caused.
func (c *Conn) handshakeErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ErrIO) {
		return ioError("handshake", ctxErr)
	}
	return err
}

// SendFrame sends a single final frame with the given opcode and payload.
//
// This is the only path through which bytes are written after the
// handshake, including pong replies and the close frame. The frame is
// masked with a fresh random key.
//
// Fails with a *StateError unless the state is Open or Closing,
// ErrControlTooLarge for control payloads over 125 bytes, and
// ErrMessageTooBig for payloads over 2^31-1 bytes; in the latter case the
// caller should close the connection with CloseMessageTooBig.
func (c *Conn) SendFrame(op Opcode, payload []byte) error {
	if err := c.state.require("send", StateOpen, StateClosing); err != nil {
		return err
	}
	if !op.Valid() {
		return fmt.Errorf("%w: 0x%X", ErrInvalidOpcode, byte(op))
	}
	if op.IsControl() && len(payload) > maxControlPayload {
		return ErrControlTooLarge
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	data, err := encodeFrame(op, payload, c.opts.Rand)
	if err != nil {
		return err
	}

	if _, err := c.writer.Write(data); err != nil {
		return ioError("write frame", err)
	}
	if err := c.writer.Flush(); err != nil {
		return ioError("flush frame", err)
	}

	c.logger.Debug().Stringer("opcode", op).Int("len", len(payload)).Msg("frame sent")
	return nil
}

// Send sends a Text or Binary message as a single frame.
//
// Text messages must be valid UTF-8 (RFC 6455 Section 8.1).
func (c *Conn) Send(messageType MessageType, data []byte) error {
	op, err := messageType.opcode()
	if err != nil {
		return err
	}
	if op == OpText && !utf8.Valid(data) {
		return ErrInvalidUTF8
	}
	return c.SendFrame(op, data)
}

// SendText sends a text message.
func (c *Conn) SendText(text string) error {
	return c.Send(TextMessage, []byte(text))
}

// SendBinary sends a binary message.
func (c *Conn) SendBinary(data []byte) error {
	return c.Send(BinaryMessage, data)
}

// SendJSON marshals v to JSON and sends it as a text message.
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendFrame(OpText, data)
}

// Ping sends a ping frame. The server answers with a pong carrying the
// same payload, which updates LastPong and raises EventMessage.
//
// The connection never pings on its own; schedule Ping from the
// application to detect dead peers:
//
//	ticker := time.NewTicker(30 * time.Second)
//	go func() {
//	    for range ticker.C {
//	        if conn.Ping(nil) != nil {
//	            return
//	        }
//	    }
//	}()
func (c *Conn) Ping(payload []byte) error {
	return c.SendFrame(OpPing, payload)
}

// Close sends a close frame with CloseNormal and releases the connection.
//
// Idempotent - safe to call multiple times.
func (c *Conn) Close() error {
	return c.CloseWithCode(CloseNormal, "")
}

// CloseWithCode sends a close frame with the status code and reason, then
// releases the connection.
//
// A non-positive code sends an empty close body. The reason is truncated
// to fit a control frame.
//
// Calling CloseWithCode while Closing or Closed is a no-op. The transport
// is released, EventClose is raised and the state becomes Closed even if
// sending the close frame fails; that failure is returned afterwards.
func (c *Conn) CloseWithCode(code CloseCode, reason string) error {
	return c.closeWith(code, reason, Event{Type: EventClose, Code: code, Reason: reason})
}

// closeWith implements the close sequence; ev is the close event raised
// once the transport has been released.
func (c *Conn) closeWith(code CloseCode, reason string, ev Event) error {
	if err := c.state.transition("close", StateOpen, StateClosing); err != nil {
		var se *StateError
		if errors.As(err, &se) && (se.State == StateClosing || se.State == StateClosed) {
			return nil
		}
		return err
	}

	defer c.release(ev)

	if err := c.SendFrame(OpClose, closePayload(code, reason)); err != nil {
		return fmt.Errorf("websocket: send close frame: %w", err)
	}

	return nil
}

// release tears down the session: drops pending fragments, closes the
// transport, enters Closed and raises the close event.
func (c *Conn) release(ev Event) {
	c.frags.reset()

	if err := c.netConn.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("close transport")
	}

	_ = c.state.transition("close", StateClosing, StateClosed)

	c.logger.Debug().
		Int("code", int(ev.Code)).
		Str("reason", ev.Reason).
		Bool("remote", ev.Remote).
		Msg("connection closed")

	c.events.emit(ev)
	c.events.finish()
}

// receiveLoop reads messages while the connection is Open.
//
// Errors are raised as EventError, never returned. Whatever ends the loop,
// the connection is closed afterwards so the transport is always released.
func (c *Conn) receiveLoop() {
	defer c.loop.Done()

	code, reason := CloseNormal, ""

	for c.state.is(StateOpen) {
		msg, err := c.readMessage()
		if err == nil && msg != nil {
			err = c.handleMessage(msg)
		}
		if err != nil {
			// Read errors after a local close are expected.
			if c.state.is(StateOpen) {
				c.logger.Debug().Err(err).Msg("receive loop failed")
				c.events.emit(Event{Type: EventError, Err: err})
				code, reason = closeCodeFor(err), closeReasonFor(err)
			}
			break
		}
	}

	if err := c.closeWith(code, reason, Event{Type: EventClose, Code: code, Reason: reason}); err != nil {
		c.logger.Debug().Err(err).Msg("close after receive loop")
	}
}

// readMessage reads one frame and feeds it to the reassembler. It returns
// nil without error while a fragmented message is incomplete.
func (c *Conn) readMessage() (*Message, error) {
	f, err := decodeFrame(c.reader)
	if err != nil {
		return nil, err
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	if c.opts.ReadLimit > 0 && int64(f.payloadLen) > c.opts.ReadLimit {
		return nil, fmt.Errorf("%w: %d byte frame exceeds read limit", ErrMessageTooBig, f.payloadLen)
	}

	payload, err := readPayload(f, c.reader)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Stringer("opcode", f.opcode).
		Bool("fin", f.fin).
		Int("len", f.payloadLen).
		Msg("frame received")

	return c.frags.push(f, payload)
}

// handleMessage dispatches a complete message by opcode.
func (c *Conn) handleMessage(msg *Message) error {
	switch msg.Opcode {
	case OpText:
		if !utf8.Valid(msg.Payload) {
			return ErrInvalidUTF8
		}
		c.events.emit(Event{Type: EventMessage, Message: *msg})

	case OpBinary:
		c.events.emit(Event{Type: EventMessage, Message: *msg})

	case OpPong:
		now := time.Now()
		c.lastPong.Store(now.UnixNano())
		c.events.emit(Event{Type: EventMessage, Message: *msg, Time: now})

	case OpPing:
		// RFC 6455 Section 5.5.2: answer with a pong echoing the payload.
		if err := c.SendFrame(OpPong, msg.Payload); err != nil {
			c.logger.Debug().Err(err).Msg("pong reply failed")
			break
		}
		c.logger.Debug().Int("len", len(msg.Payload)).Msg("ping answered")

	case OpClose:
		code, reason, err := parseClosePayload(msg.Payload)
		if err != nil {
			return err
		}
		ev := Event{Type: EventClose, Code: code, Reason: reason, Remote: true}
		if err := c.closeWith(CloseNormal, "", ev); err != nil {
			c.logger.Debug().Err(err).Msg("close acknowledgement failed")
		}

	case OpContinuation:
		return fmt.Errorf("%w: continuation without initial fragment", ErrUnexpectedContinuation)
	}

	return nil
}

// closeReasonFor returns the close frame reason for an error that ended
// the receive loop.
func closeReasonFor(err error) string {
	var pe *protocolErr
	if errors.As(err, &pe) {
		return pe.msg
	}
	if errors.Is(err, ErrMessageTooBig) {
		return "message too big"
	}
	if errors.Is(err, ErrProtocolError) {
		return "protocol error"
	}
	return ""
}
