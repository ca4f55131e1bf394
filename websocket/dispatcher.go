package websocket

import (
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
)

// EventType identifies a connection event.
type EventType int

const (
	// EventOpen fires once the opening handshake succeeded.
	EventOpen EventType = iota + 1
	// EventMessage fires for every Text, Binary and Pong message.
	EventMessage
	// EventError fires when the receive loop fails.
	EventError
	// EventClose fires once per session, after the transport is released.
	EventClose
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is a notification raised by a connection.
//
// Fields are populated by type:
//   - EventMessage: Message
//   - EventError: Err
//   - EventClose: Code, Reason, Remote (true when the server sent the close frame)
type Event struct {
	Type    EventType
	Time    time.Time
	Message Message
	Err     error
	Code    CloseCode
	Reason  string
	Remote  bool
}

// Listener receives connection events.
//
// Events are delivered one at a time, in the order they were raised, on a
// goroutine owned by the connection. A slow listener delays later events
// but never blocks the receive loop.
type Listener interface {
	HandleEvent(Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(Event)

// HandleEvent calls f(e).
func (f ListenerFunc) HandleEvent(e Event) {
	f(e)
}

// dispatcher delivers events to registered listeners in emission order.
//
// Events are queued without blocking the emitter and drained by a single
// delivery goroutine. The goroutine is started per session and exits once
// the session's close event has been delivered.
//
// Example Usage:
//
//	d := newDispatcher(logger)
//	unregister := d.register(ListenerFunc(func(e Event) { ... }))
//	defer unregister()
//
//	d.start()
//	d.emit(Event{Type: EventOpen})
//	d.finish() // drain and stop
type dispatcher struct {
	logger *zerolog.Logger

	mu        sync.Mutex
	listeners map[uint64]Listener
	order     []uint64 // registration order
	nextID    uint64

	pending   *queue.Queue // of Event
	wake      chan struct{}
	running   bool
	finishing bool
	wg        sync.WaitGroup
}

func newDispatcher(logger *zerolog.Logger) *dispatcher {
	return &dispatcher{
		logger:    logger,
		listeners: make(map[uint64]Listener),
		pending:   queue.New(),
		wake:      make(chan struct{}, 1),
	}
}

// register adds a listener and returns a function removing it.
// Safe to call multiple times for the same listener; each call is a
// separate registration.
func (d *dispatcher) register(l Listener) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = l
	d.order = append(d.order, id)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.unregister(id) })
	}
}

func (d *dispatcher) unregister(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.listeners, id)
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
}

// listenerCount returns the number of registered listeners.
func (d *dispatcher) listenerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners)
}

// start launches the delivery goroutine unless it is already running.
func (d *dispatcher) start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.finishing = false
	if d.running {
		return
	}
	d.running = true
	d.wg.Add(1)
	go d.run()
}

// emit queues an event. Events emitted while the dispatcher is stopped are
// dropped.
func (d *dispatcher) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	d.mu.Lock()
	if !d.running || d.finishing {
		d.mu.Unlock()
		d.logger.Debug().Stringer("event", e.Type).Msg("event dropped: dispatcher stopped")
		return
	}
	d.pending.Add(e)
	d.mu.Unlock()

	d.signal()
}

// finish lets the delivery goroutine drain the queue and exit.
func (d *dispatcher) finish() {
	d.mu.Lock()
	d.finishing = true
	d.mu.Unlock()

	d.signal()
}

// wait blocks until the delivery goroutine exits.
func (d *dispatcher) wait() {
	d.wg.Wait()
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// run is the delivery loop.
func (d *dispatcher) run() {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		for d.pending.Length() == 0 && !d.finishing {
			d.mu.Unlock()
			<-d.wake
			d.mu.Lock()
		}
		if d.pending.Length() == 0 {
			d.running = false
			d.finishing = false
			d.mu.Unlock()
			return
		}

		e, _ := d.pending.Remove().(Event)
		listeners := make([]Listener, 0, len(d.order))
		for _, id := range d.order {
			listeners = append(listeners, d.listeners[id])
		}
		d.mu.Unlock()

		for _, l := range listeners {
			d.deliver(l, e)
		}
	}
}

// deliver calls one listener, containing panics so one faulty listener
// cannot stop delivery to the others.
func (d *dispatcher) deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Err(fmt.Errorf("%v", r)).
				Stringer("event", e.Type).
				Msg("listener panicked")
		}
	}()

	l.HandleEvent(e)
}
