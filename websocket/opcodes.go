// Package websocket implements the client side of the RFC 6455 WebSocket protocol.
//
// The package covers the whole protocol engine of a client connection:
//   - Opening handshake (HTTP/1.1 Upgrade with Sec-WebSocket-Accept verification)
//   - Frame encoding and decoding (7-bit, 16-bit and 64-bit payload lengths)
//   - Client-to-server masking
//   - Fragment reassembly and control frame handling (close, ping, pong)
//   - Connection lifecycle (Connecting, Open, Closing, Closed)
//   - Ordered event delivery to registered listeners
//
// Protocol extensions are not supported: any frame with a reserved bit set
// is rejected as a protocol error.
//
// RFC Reference: https://datatracker.ietf.org/doc/html/rfc6455
package websocket

// Opcode is the 4-bit frame operation code (RFC 6455 Section 5.2).
type Opcode byte

// Opcode values defined in RFC 6455 Section 5.2.
//
// Opcodes 0x0-0x2 are data frames, 0x8-0xA are control frames.
// Opcodes 0x3-0x7 and 0xB-0xF are reserved for future use.
const (
	// OpContinuation indicates a continuation frame (RFC 6455 Section 5.4).
	// Used for fragmented messages where FIN=0 in previous frame.
	OpContinuation Opcode = 0x0

	// OpText indicates a text data frame (RFC 6455 Section 5.6).
	// Payload must be valid UTF-8.
	OpText Opcode = 0x1

	// OpBinary indicates a binary data frame (RFC 6455 Section 5.6).
	OpBinary Opcode = 0x2

	// OpClose indicates a close control frame (RFC 6455 Section 5.5.1).
	OpClose Opcode = 0x8

	// OpPing indicates a ping control frame (RFC 6455 Section 5.5.2).
	OpPing Opcode = 0x9

	// OpPong indicates a pong control frame (RFC 6455 Section 5.5.3).
	OpPong Opcode = 0xA
)

// IsControl returns true if the opcode is a control frame (0x8-0xF).
//
// RFC 6455 Section 5.5: Control frames are identified by opcodes where
// the most significant bit of the opcode is 1.
//
// Control frames:
//   - Must NOT be fragmented (FIN must be 1)
//   - May be interleaved with fragmented messages
//   - Payload length must be <= 125 bytes
func (op Opcode) IsControl() bool {
	return op&0x08 != 0
}

// IsData returns true if the opcode is a data frame (0x0-0x2).
func (op Opcode) IsData() bool {
	return op == OpContinuation || op == OpText || op == OpBinary
}

// Valid returns true if the opcode is defined in RFC 6455.
//
// Opcodes 0x3-0x7 and 0xB-0xF are reserved.
func (op Opcode) Valid() bool {
	switch op {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	default:
		return false
	}
}

// String returns the opcode name.
func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "Continuation"
	case OpText:
		return "Text"
	case OpBinary:
		return "Binary"
	case OpClose:
		return "Close"
	case OpPing:
		return "Ping"
	case OpPong:
		return "Pong"
	default:
		return "Reserved"
	}
}
