package websocket

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// MessageType represents an application message type.
//
// WebSocket supports two application message types (RFC 6455 Section 5.6):
// - Text (UTF-8 encoded text).
// - Binary (arbitrary binary data).
type MessageType int

const (
	// TextMessage represents a UTF-8 text message (opcode 0x1).
	TextMessage MessageType = 1

	// BinaryMessage represents a binary data message (opcode 0x2).
	BinaryMessage MessageType = 2
)

// String returns string representation of message type.
func (mt MessageType) String() string {
	switch mt {
	case TextMessage:
		return "Text"
	case BinaryMessage:
		return "Binary"
	default:
		return "Unknown"
	}
}

func (mt MessageType) opcode() (Opcode, error) {
	switch mt {
	case TextMessage:
		return OpText, nil
	case BinaryMessage:
		return OpBinary, nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidMessageType, int(mt))
	}
}

// Message is a complete logical message, possibly reassembled from
// several frames. Opcode is OpText or OpBinary for data messages, or the
// control opcode for Ping, Pong and Close.
type Message struct {
	Opcode  Opcode
	Payload []byte
}

// Text returns the payload as a string.
func (m Message) Text() string {
	return string(m.Payload)
}

// CloseCode represents WebSocket close status codes (RFC 6455 Section 7.4).
type CloseCode int

const (
	// CloseNormal indicates normal closure (1000).
	CloseNormal CloseCode = 1000

	// CloseGoingAway indicates endpoint going away (1001).
	CloseGoingAway CloseCode = 1001

	// CloseProtocolError indicates protocol error (1002).
	CloseProtocolError CloseCode = 1002

	// CloseCannotAccept indicates a data type the endpoint cannot accept (1003).
	CloseCannotAccept CloseCode = 1003

	// 1004 is reserved and MUST NOT be used.

	// CloseNoStatusCode indicates no status code was received (1005).
	// Never sent on the wire.
	CloseNoStatusCode CloseCode = 1005

	// CloseAbnormal indicates the connection dropped without a close frame (1006).
	// Never sent on the wire.
	CloseAbnormal CloseCode = 1006

	// CloseInconsistentType indicates payload inconsistent with the message
	// type, e.g. invalid UTF-8 in a text message (1007).
	CloseInconsistentType CloseCode = 1007

	// ClosePolicyViolation indicates policy violation (1008).
	ClosePolicyViolation CloseCode = 1008

	// CloseMessageTooBig indicates message too large (1009).
	CloseMessageTooBig CloseCode = 1009

	// CloseDenyExtension indicates the server did not negotiate a required extension (1010).
	CloseDenyExtension CloseCode = 1010

	// CloseInternalError indicates an unexpected condition on the server (1011).
	CloseInternalError CloseCode = 1011

	// CloseBadTLSHandshake indicates TLS handshake failure (1015).
	// Never sent on the wire.
	CloseBadTLSHandshake CloseCode = 1015
)

// String returns string representation of close code.
//
//nolint:cyclop // one case per status code
func (cc CloseCode) String() string {
	switch cc {
	case CloseNormal:
		return "Normal"
	case CloseGoingAway:
		return "Going Away"
	case CloseProtocolError:
		return "Protocol Error"
	case CloseCannotAccept:
		return "Cannot Accept"
	case CloseNoStatusCode:
		return "No Status Code"
	case CloseAbnormal:
		return "Abnormal Close"
	case CloseInconsistentType:
		return "Inconsistent Type"
	case ClosePolicyViolation:
		return "Policy Violation"
	case CloseMessageTooBig:
		return "Message Too Big"
	case CloseDenyExtension:
		return "Deny Extension"
	case CloseInternalError:
		return "Internal Error"
	case CloseBadTLSHandshake:
		return "Bad TLS Handshake"
	default:
		return "Unknown"
	}
}

// onWire reports whether the code may appear in a close frame.
// RFC 6455 Section 7.4.1: 1005, 1006 and 1015 are reserved for local use.
func (cc CloseCode) onWire() bool {
	switch cc {
	case CloseNoStatusCode, CloseAbnormal, CloseBadTLSHandshake:
		return false
	default:
		return cc >= 1000 && cc <= 4999
	}
}

// maxCloseReason is what remains of a control payload after the status code.
const maxCloseReason = maxControlPayload - 2

// closePayload builds a close frame body: 2-byte big-endian status code
// followed by the UTF-8 reason. Non-positive and local-only codes produce
// an empty body. Reasons that do not fit are cut on a rune boundary.
func closePayload(code CloseCode, reason string) []byte {
	if code <= 0 || !code.onWire() {
		return nil
	}

	if len(reason) > maxCloseReason {
		cut := maxCloseReason
		for cut > 0 && !utf8.RuneStart(reason[cut]) {
			cut--
		}
		reason = reason[:cut]
	}

	payload := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	return append(payload, reason...)
}

// parseClosePayload decodes a received close frame body.
//
// RFC 6455 Section 5.5.1: the body is empty, or a 2-byte status code
// optionally followed by a UTF-8 reason.
func parseClosePayload(payload []byte) (CloseCode, string, error) {
	switch len(payload) {
	case 0:
		return CloseNoStatusCode, "", nil
	case 1:
		return 0, "", ErrInvalidClosePayload
	}

	code := CloseCode(binary.BigEndian.Uint16(payload))
	if !code.onWire() {
		return 0, "", fmt.Errorf("%w: status %d", ErrInvalidClosePayload, int(code))
	}

	reason := payload[2:]
	if !utf8.Valid(reason) {
		return 0, "", ErrInvalidUTF8
	}

	return code, string(reason), nil
}
