package websocket

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame size limits.
const (
	// maxControlPayload is the maximum payload length for control frames.
	// RFC 6455 Section 5.5: Control frames must have payload <= 125 bytes.
	maxControlPayload = 125

	// maxPayloadLen is the largest payload a single frame may carry.
	// Larger messages must be refused with CloseMessageTooBig.
	maxPayloadLen = 1<<31 - 1

	// maxHeaderLen is 2 header bytes + 8 extended length bytes + 4 mask bytes.
	maxHeaderLen = 14

	// Payload length encoding thresholds (RFC 6455 Section 5.2).
	payloadLen7Bit  = 125 // 0-125: stored in 7 bits
	payloadLen16Bit = 126 // 126: followed by 16-bit length
	payloadLen64Bit = 127 // 127: followed by 64-bit length
)

// frame describes one WebSocket frame header as defined in RFC 6455 Section 5.2.
// The payload is read separately with readPayload.
//
// Frame structure:
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-------+-+-------------+-------------------------------+
//	|F|R|R|R| opcode|M| Payload len |    Extended payload length    |
//	|I|S|S|S|  (4)  |A|     (7)     |             (16/64)           |
//	|N|V|V|V|       |S|             |   (if payload len==126/127)   |
//	| |1|2|3|       |K|             |                               |
//	+-+-+-+-+-------+-+-------------+ - - - - - - - - - - - - - - - +
//	|     Extended payload length continued, if payload len == 127  |
//	+ - - - - - - - - - - - - - - - +-------------------------------+
//	|                               |Masking-key, if MASK set to 1  |
//	+-------------------------------+-------------------------------+
//	| Masking-key (continued)       |          Payload Data         |
//	+-------------------------------- - - - - - - - - - - - - - - - +
type frame struct {
	// fin indicates this is the final fragment (FIN bit).
	fin bool

	// rsv1, rsv2, rsv3 are reserved bits for extensions.
	// RFC 6455 Section 5.2: Must be 0 unless extension negotiated.
	rsv1, rsv2, rsv3 bool

	opcode Opcode

	// masked indicates if payload is masked (MASK bit).
	// RFC 6455 Section 5.3: Client-to-server frames MUST be masked.
	masked bool

	// mask is the 32-bit masking key, meaningful only when masked is set.
	mask [4]byte

	// payloadLen is the decoded payload length, at most maxPayloadLen.
	payloadLen int
}

// encodeFrame encodes a single final, masked frame carrying payload.
//
// RFC 6455 Section 5.3: a client MUST mask all frames it sends. The
// masking key is read from rnd, which must be a source of strong entropy
// outside of tests.
//
// The caller's payload is left untouched; the returned slice holds the
// complete frame ready to be written to the transport.
func encodeFrame(op Opcode, payload []byte, rnd io.Reader) ([]byte, error) {
	if len(payload) > maxPayloadLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooBig, len(payload))
	}

	f := frame{
		fin:        true,
		opcode:     op,
		masked:     true,
		payloadLen: len(payload),
	}
	if _, err := io.ReadFull(rnd, f.mask[:]); err != nil {
		return nil, fmt.Errorf("websocket: generate masking key: %w", err)
	}

	buf := make([]byte, 0, maxHeaderLen+len(payload))
	buf = appendHeader(buf, &f)

	start := len(buf)
	buf = append(buf, payload...)
	applyMask(buf[start:], f.mask)

	return buf, nil
}

// appendHeader appends the wire encoding of the frame header to dst.
func appendHeader(dst []byte, f *frame) []byte {
	// Byte 0: FIN(1) RSV(3) Opcode(4)
	var b0 byte
	if f.fin {
		b0 |= 0x80
	}
	if f.rsv1 {
		b0 |= 0x40
	}
	if f.rsv2 {
		b0 |= 0x20
	}
	if f.rsv3 {
		b0 |= 0x10
	}
	b0 |= byte(f.opcode) & 0x0F

	// Byte 1: MASK(1) PayloadLen(7)
	var b1 byte
	if f.masked {
		b1 |= 0x80
	}

	n := f.payloadLen
	switch {
	case n <= payloadLen7Bit:
		dst = append(dst, b0, b1|byte(n))
	case n <= 0xFFFF:
		dst = append(dst, b0, b1|payloadLen16Bit)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, b1|payloadLen64Bit)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}

	if f.masked {
		dst = append(dst, f.mask[:]...)
	}

	return dst
}

// decodeFrame reads a frame header from r without reading the payload.
//
// Steps:
//  1. Read 2-byte header (FIN, RSV, opcode, MASK, payload length)
//  2. Read extended payload length if needed (16-bit or 64-bit)
//  3. Read masking key if MASK=1 (4 bytes)
//
// The returned frame is not validated; call validate before trusting it.
func decodeFrame(r *bufio.Reader) (*frame, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, ioError("read frame header", err)
	}

	f := &frame{
		fin:    header[0]&0x80 != 0,
		rsv1:   header[0]&0x40 != 0,
		rsv2:   header[0]&0x20 != 0,
		rsv3:   header[0]&0x10 != 0,
		opcode: Opcode(header[0] & 0x0F),
		masked: header[1]&0x80 != 0,
	}

	length := uint64(header[1] & 0x7F)

	switch length {
	case payloadLen16Bit:
		var buf [2]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, ioError("read 16-bit length", err)
		}
		length = uint64(binary.BigEndian.Uint16(buf[:]))
	case payloadLen64Bit:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, ioError("read 64-bit length", err)
		}
		length = binary.BigEndian.Uint64(buf[:])
		// RFC 6455 Section 5.2: Most significant bit must be 0.
		if length&(1<<63) != 0 {
			return nil, fmt.Errorf("%w: 64-bit length has most significant bit set", ErrProtocolError)
		}
	}

	if length > maxPayloadLen {
		return nil, fmt.Errorf("%w: frame length %d", ErrMessageTooBig, length)
	}
	f.payloadLen = int(length)

	if f.masked {
		if _, err := io.ReadFull(r, f.mask[:]); err != nil {
			return nil, ioError("read masking key", err)
		}
	}

	return f, nil
}

// validate checks the frame header against RFC 6455 Section 5.
//
// Rejected:
//   - any reserved bit set (no extensions are negotiated)
//   - reserved opcodes 0x3-0x7 and 0xB-0xF
//   - control frames with payload > 125 bytes
//   - fragmented control frames
func (f *frame) validate() error {
	if f.rsv1 || f.rsv2 || f.rsv3 {
		return ErrReservedBits
	}

	if !f.opcode.Valid() {
		return fmt.Errorf("%w: 0x%X", ErrInvalidOpcode, byte(f.opcode))
	}

	if f.opcode.IsControl() {
		if f.payloadLen > maxControlPayload {
			return ErrControlTooLarge
		}
		if !f.fin {
			return ErrControlFragmented
		}
	}

	return nil
}

// readPayload reads exactly f.payloadLen bytes from r and unmasks them if
// the frame is masked. A short read is reported as an IOError wrapping
// io.ErrUnexpectedEOF.
func readPayload(f *frame, r *bufio.Reader) ([]byte, error) {
	payload := make([]byte, f.payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, ioError("read payload", err)
	}

	if f.masked {
		applyMask(payload, f.mask)
	}

	return payload, nil
}

// applyMask applies the WebSocket masking algorithm to data.
//
// RFC 6455 Section 5.3: Client-to-Server Masking.
//
//	transformed-octet-i = original-octet-i XOR masking-key-octet-j
//	where j = i MOD 4
//
// XOR is its own inverse, so the same call masks and unmasks.
// Modifies data in-place.
func applyMask(data []byte, mask [4]byte) {
	for i := range data {
		data[i] ^= mask[i%4]
	}
}
