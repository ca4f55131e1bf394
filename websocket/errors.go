package websocket

import (
	"errors"
	"fmt"
)

// Error categories.
//
// Every error returned by this package belongs to one of three categories,
// testable with errors.Is:
//   - ErrInvalidState: operation attempted in the wrong connection state
//   - ErrProtocolError: malformed frame or failed handshake negotiation
//   - ErrIO: transport failure or short read
var (
	// ErrInvalidState indicates an operation was attempted in a state that
	// does not allow it (e.g. Connect while not Closed, send while not Open).
	ErrInvalidState = errors.New("websocket: invalid connection state")

	// ErrProtocolError indicates a violation of the WebSocket protocol.
	// RFC 6455 Section 7.4.1: Status code 1002.
	ErrProtocolError = errors.New("websocket: protocol error")

	// ErrIO indicates the transport failed.
	ErrIO = errors.New("websocket: i/o error")
)

// Frame errors (RFC 6455 Section 5).
var (
	// ErrReservedBits indicates RSV1/RSV2/RSV3 bits are set.
	// RFC 6455 Section 5.2: Reserved bits must be 0 unless extension negotiated.
	ErrReservedBits = protocolError("reserved bits must be 0")

	// ErrInvalidOpcode indicates a reserved opcode (0x3-0x7, 0xB-0xF).
	ErrInvalidOpcode = protocolError("invalid opcode")

	// ErrControlFragmented indicates a control frame with FIN=0.
	// RFC 6455 Section 5.5: Control frames must NOT be fragmented.
	ErrControlFragmented = protocolError("control frame must not be fragmented")

	// ErrControlTooLarge indicates control frame payload > 125 bytes.
	// RFC 6455 Section 5.5: Control frame payload length must be <= 125.
	ErrControlTooLarge = protocolError("control frame payload too large")

	// ErrNothingToContinue indicates a new data frame arrived while a
	// fragmented message was still pending.
	ErrNothingToContinue = protocolError("nothing to continue")

	// ErrUnexpectedContinuation indicates a continuation frame without an
	// initial fragment.
	ErrUnexpectedContinuation = protocolError("unexpected continuation frame")

	// ErrInvalidClosePayload indicates a close frame with a 1-byte body or a
	// status code that must not appear on the wire.
	ErrInvalidClosePayload = protocolError("invalid close frame payload")

	// ErrInvalidUTF8 indicates a text message contains invalid UTF-8.
	// RFC 6455 Section 8.1. Status code 1007.
	ErrInvalidUTF8 = protocolError("invalid UTF-8 in text message")
)

// Handshake errors (RFC 6455 Section 4.1).
var (
	// ErrBadStatus indicates the response status line is not "HTTP/1.1 101".
	ErrBadStatus = protocolError("handshake: unexpected response status")

	// ErrBadHeader indicates a response header line that does not parse.
	ErrBadHeader = protocolError("handshake: malformed response header")

	// ErrBadUpgrade indicates a missing or invalid Upgrade response header.
	ErrBadUpgrade = protocolError("handshake: missing or invalid Upgrade header")

	// ErrBadConnection indicates a missing or invalid Connection response header.
	ErrBadConnection = protocolError("handshake: missing or invalid Connection header")

	// ErrBadAccept indicates a missing or mismatched Sec-WebSocket-Accept header.
	ErrBadAccept = protocolError("handshake: Sec-WebSocket-Accept mismatch")

	// ErrExtensionNotNegotiated indicates the server selected an extension
	// the client never offered.
	ErrExtensionNotNegotiated = protocolError("handshake: server selected an extension")

	// ErrSubprotocolMismatch indicates the server selected a subprotocol the
	// client never offered.
	ErrSubprotocolMismatch = protocolError("handshake: server selected an unknown subprotocol")
)

// Usage errors.
var (
	// ErrMessageTooBig indicates a payload exceeds 2^31-1 bytes on send, or
	// the configured read limit on receive. Status code 1009.
	ErrMessageTooBig = errors.New("websocket: message too big")

	// ErrInvalidURL indicates the target URI is not a ws:// or wss:// URL.
	ErrInvalidURL = errors.New("websocket: invalid URL")

	// ErrInvalidMessageType indicates a message type other than Text or Binary.
	ErrInvalidMessageType = errors.New("websocket: invalid message type")
)

// protocolErr is a specific protocol violation. It matches both itself and
// ErrProtocolError in errors.Is.
type protocolErr struct {
	msg string
}

func protocolError(msg string) error {
	return &protocolErr{msg: msg}
}

func (e *protocolErr) Error() string {
	return "websocket: " + e.msg
}

func (e *protocolErr) Unwrap() error {
	return ErrProtocolError
}

// StateError reports an operation rejected by the connection state machine.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("websocket: %s not allowed in state %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// IOError reports a transport failure during Op.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("websocket: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Is reports ErrIO as a match so callers can test the category without
// knowing the underlying transport error.
func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

func ioError(op string, err error) error {
	return &IOError{Op: op, Err: err}
}

// IsCloseError reports whether err was caused by using a connection that
// has already been closed.
func IsCloseError(err error) bool {
	var se *StateError
	if !errors.As(err, &se) {
		return false
	}
	return se.State == StateClosing || se.State == StateClosed
}

// closeCodeFor maps an error that ended the receive loop to the status code
// sent in the closing frame.
func closeCodeFor(err error) CloseCode {
	switch {
	case errors.Is(err, ErrMessageTooBig):
		return CloseMessageTooBig
	case errors.Is(err, ErrInvalidUTF8):
		return CloseInconsistentType
	case errors.Is(err, ErrProtocolError):
		return CloseProtocolError
	default:
		return CloseAbnormal
	}
}
