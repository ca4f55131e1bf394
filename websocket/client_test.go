package websocket

// In-process fake server and event recorder shared by the connection tests.

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

const testTimeout = 5 * time.Second

// fakeServer accepts TCP connections and answers the opening handshake
// with respond, or with a valid 101 response when respond is nil.
type fakeServer struct {
	ln      net.Listener
	respond func(req *http.Request) []byte
	conns   chan *serverConn

	mu   sync.Mutex
	open []net.Conn
}

func newFakeServer(t *testing.T, respond func(req *http.Request) []byte) *fakeServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &fakeServer{
		ln:      ln,
		respond: respond,
		conns:   make(chan *serverConn, 8),
	}
	if s.respond == nil {
		s.respond = func(req *http.Request) []byte {
			return upgradeResponse(req, nil)
		}
	}

	go s.serve()

	t.Cleanup(func() {
		_ = ln.Close()
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, c := range s.open {
			_ = c.Close()
		}
	})

	return s
}

func (s *fakeServer) serve() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.open = append(s.open, c)
		s.mu.Unlock()

		r := bufio.NewReader(c)
		req, err := http.ReadRequest(r)
		if err != nil {
			_ = c.Close()
			continue
		}

		if resp := s.respond(req); resp != nil {
			if _, err := c.Write(resp); err != nil {
				_ = c.Close()
				continue
			}
		}

		s.conns <- &serverConn{conn: c, r: r, req: req}
	}
}

// URL returns the ws:// URL of the server with the given path.
func (s *fakeServer) URL(path string) string {
	return "ws://" + s.ln.Addr().String() + path
}

// accept returns the next connection that completed the request phase.
func (s *fakeServer) accept(t *testing.T) *serverConn {
	t.Helper()

	select {
	case sc := <-s.conns:
		return sc
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for client connection")
		return nil
	}
}

// upgradeResponse builds a 101 response for req. mutate may alter the
// headers before they are written.
func upgradeResponse(req *http.Request, mutate func(h http.Header)) []byte {
	h := http.Header{}
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "Upgrade")
	h.Set("Sec-WebSocket-Accept", ComputeAcceptKey(req.Header.Get("Sec-WebSocket-Key")))
	if mutate != nil {
		mutate(h)
	}

	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	_ = h.Write(&b)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// serverConn is the server side of one accepted connection.
type serverConn struct {
	conn net.Conn
	r    *bufio.Reader
	req  *http.Request
}

func (sc *serverConn) writeRaw(t *testing.T, data []byte) {
	t.Helper()

	_ = sc.conn.SetWriteDeadline(time.Now().Add(testTimeout))
	if _, err := sc.conn.Write(data); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func (sc *serverConn) writeFrame(t *testing.T, op Opcode, fin bool, payload []byte) {
	t.Helper()
	sc.writeRaw(t, serverFrame(op, fin, payload))
}

func (sc *serverConn) writeClose(t *testing.T, code CloseCode, reason string) {
	t.Helper()
	sc.writeFrame(t, OpClose, true, closePayload(code, reason))
}

// readFrame reads one client frame and returns it with its unmasked payload.
func (sc *serverConn) readFrame(t *testing.T) (*frame, []byte) {
	t.Helper()

	_ = sc.conn.SetReadDeadline(time.Now().Add(testTimeout))
	f, err := decodeFrame(sc.r)
	if err != nil {
		t.Fatalf("server read frame: %v", err)
	}
	payload, err := readPayload(f, sc.r)
	if err != nil {
		t.Fatalf("server read payload: %v", err)
	}
	return f, payload
}

// readClose reads one frame, asserts it is a masked close frame and
// returns its status code.
func (sc *serverConn) readClose(t *testing.T) CloseCode {
	t.Helper()

	f, payload := sc.readFrame(t)
	if f.opcode != OpClose {
		t.Fatalf("opcode = %s, want Close", f.opcode)
	}
	if !f.masked {
		t.Error("client close frame not masked")
	}
	if len(payload) < 2 {
		return CloseNoStatusCode
	}
	return CloseCode(binary.BigEndian.Uint16(payload))
}

// expectEOF asserts the client has closed the transport.
func (sc *serverConn) expectEOF(t *testing.T) {
	t.Helper()

	_ = sc.conn.SetReadDeadline(time.Now().Add(testTimeout))
	buf := make([]byte, 1)
	if n, err := sc.r.Read(buf); err == nil {
		t.Fatalf("read %d more bytes, want EOF", n)
	}
}

// eventRecorder is a Listener that queues every event for inspection.
type eventRecorder struct {
	events chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{events: make(chan Event, 64)}
}

func (r *eventRecorder) HandleEvent(e Event) {
	r.events <- e
}

// next returns the next event and fails unless it has type want.
func (r *eventRecorder) next(t *testing.T, want EventType) Event {
	t.Helper()

	select {
	case e := <-r.events:
		if e.Type != want {
			t.Fatalf("event = %s (err=%v), want %s", e.Type, e.Err, want)
		}
		return e
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s event", want)
		return Event{}
	}
}

// none fails if any event arrives within d.
func (r *eventRecorder) none(t *testing.T, d time.Duration) {
	t.Helper()

	select {
	case e := <-r.events:
		t.Fatalf("unexpected %s event", e.Type)
	case <-time.After(d):
	}
}

// connectConn opens a connection to s and returns it with the server side
// and a recorder that has already seen EventOpen.
func connectConn(t *testing.T, s *fakeServer, opts *Options) (*Conn, *serverConn, *eventRecorder) {
	t.Helper()

	conn, err := NewConn(s.URL("/"), opts)
	if err != nil {
		t.Fatalf("NewConn() error = %v", err)
	}

	rec := newEventRecorder()
	conn.Register(rec)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := conn.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	sc := s.accept(t)
	rec.next(t, EventOpen)

	return conn, sc, rec
}

// waitState polls until the connection reaches want.
func waitState(t *testing.T, c *Conn, want State) {
	t.Helper()

	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

