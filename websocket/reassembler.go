package websocket

import (
	"fmt"
	"sync"
)

// reassembler turns validated frames into complete messages.
//
// RFC 6455 Section 5.4: "A fragmented message consists of a single frame with
// the FIN bit clear and an opcode other than 0, followed by zero or more frames
// with the FIN bit clear and the opcode set to 0, and terminated by a single
// frame with the FIN bit set and an opcode of 0."
//
// Only the receive loop pushes frames. The mutex exists because Close clears
// the buffer from whichever goroutine closes the connection.
type reassembler struct {
	mu sync.Mutex

	// fragments holds the payloads of the pending message in arrival order.
	// The opcode of the first fragment is the opcode of the final message.
	fragments [][]byte
	opcode    Opcode
	size      int64

	// limit caps the reassembled message size; 0 means no limit.
	limit int64
}

func newReassembler(limit int64) *reassembler {
	return &reassembler{limit: limit}
}

// push consumes one frame and its payload. It returns the completed
// message, or nil if more fragments are needed.
//
// Control frames pass straight through, even in the middle of a
// fragmented message. On error the pending fragments are dropped.
func (r *reassembler) push(f *frame, payload []byte) (*Message, error) {
	if f.opcode.IsControl() {
		return &Message{Opcode: f.opcode, Payload: payload}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pending := len(r.fragments) > 0

	// A new data frame while a message is still open.
	if pending && f.opcode != OpContinuation {
		r.resetLocked()
		return nil, fmt.Errorf("%w: %s frame while fragments pending", ErrNothingToContinue, f.opcode)
	}

	if !pending && f.opcode == OpContinuation {
		return nil, fmt.Errorf("%w: continuation without initial fragment", ErrUnexpectedContinuation)
	}

	if r.limit > 0 && r.size+int64(len(payload)) > r.limit {
		r.resetLocked()
		return nil, fmt.Errorf("%w: exceeds read limit of %d bytes", ErrMessageTooBig, r.limit)
	}

	if !f.fin {
		if !pending {
			r.opcode = f.opcode
		}
		r.fragments = append(r.fragments, payload)
		r.size += int64(len(payload))
		return nil, nil
	}

	if !pending {
		return &Message{Opcode: f.opcode, Payload: payload}, nil
	}

	buf := make([]byte, 0, r.size+int64(len(payload)))
	for _, frag := range r.fragments {
		buf = append(buf, frag...)
	}
	buf = append(buf, payload...)

	msg := &Message{Opcode: r.opcode, Payload: buf}
	r.resetLocked()

	return msg, nil
}

// pending reports whether a fragmented message is in progress.
func (r *reassembler) pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fragments) > 0
}

// reset drops any pending fragments.
func (r *reassembler) reset() {
	r.mu.Lock()
	r.resetLocked()
	r.mu.Unlock()
}

func (r *reassembler) resetLocked() {
	r.fragments = nil
	r.opcode = OpContinuation
	r.size = 0
}
