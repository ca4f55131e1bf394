package websocket

// Test helpers for building and inspecting raw frames.

import (
	"bufio"
	"bytes"
	"testing"
)

// fixedMask is the masking key produced by maskRand.
var fixedMask = [4]byte{0x12, 0x34, 0x56, 0x78}

// maskRand is a deterministic entropy source repeating fixedMask.
type maskRand struct{}

func (maskRand) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = fixedMask[i%4]
	}
	return len(p), nil
}

// rawFrame encodes a frame as a server would send it: unmasked unless
// f.masked is set, with any header bits the test asks for.
func rawFrame(f frame, payload []byte) []byte {
	f.payloadLen = len(payload)
	buf := appendHeader(nil, &f)
	start := len(buf)
	buf = append(buf, payload...)
	if f.masked {
		applyMask(buf[start:], f.mask)
	}
	return buf
}

// serverFrame encodes an unmasked frame.
func serverFrame(op Opcode, fin bool, payload []byte) []byte {
	return rawFrame(frame{fin: fin, opcode: op}, payload)
}

// decodeAll decodes, validates and reads the payload of one frame.
func decodeAll(t *testing.T, data []byte) (*frame, []byte) {
	t.Helper()

	r := bufio.NewReader(bytes.NewReader(data))
	f, err := decodeFrame(r)
	if err != nil {
		t.Fatalf("decodeFrame() error = %v", err)
	}
	if err := f.validate(); err != nil {
		t.Fatalf("validate() error = %v", err)
	}
	payload, err := readPayload(f, r)
	if err != nil {
		t.Fatalf("readPayload() error = %v", err)
	}
	return f, payload
}
