package tcpserver

import "sync"

// EventKind identifies one of the lifecycle notifications raised by a Server.
type EventKind int

const (
	ClientConnected    EventKind = iota // A connection was accepted and registered
	ClientDisconnected                  // A session was closed, by either side
	DataReceived                        // Bytes arrived on a session
	PrepareSend                         // A payload is about to be queued for a session
	CompletedSend                       // A payload was fully written to a session
	NetError                            // A transport-level failure
	OtherException                      // Any other fault, including shutdown faults and recovered panics

	eventKindCount
)

// String returns a human-readable name for the event kind.
func (k EventKind) String() string {
	switch k {
	case ClientConnected:
		return "ClientConnected"
	case ClientDisconnected:
		return "ClientDisconnected"
	case DataReceived:
		return "DataReceived"
	case PrepareSend:
		return "PrepareSend"
	case CompletedSend:
		return "CompletedSend"
	case NetError:
		return "NetError"
	case OtherException:
		return "OtherException"
	default:
		return "Unknown"
	}
}

// Event is the record delivered to subscribers. A single *Event is handed to
// every subscriber of its kind in registration order, so a subscriber may set
// Handled to tell later subscribers it has fully processed the event. The
// server itself never reads Handled.
type Event struct {
	Kind    EventKind
	Message string   // Optional human-readable description
	Session *Session // Session involved; nil for server-level events
	Data    []byte   // Received bytes for DataReceived, the payload for PrepareSend and CompletedSend
	Err     error    // Cause for NetError and OtherException
	Handled bool
}

// Handler is called synchronously on the goroutine that raised the event.
// Handlers for session events run on that session's read or write goroutine
// and must be safe for concurrent use across sessions.
type Handler func(e *Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Notifier fans events out to zero or more subscribers per kind. Subscriber
// lists are copied on write, so handlers may subscribe or unsubscribe while an
// event is being delivered; the change applies to the next event.
type Notifier struct {
	mu     sync.RWMutex
	nextID uint64
	subs   [eventKindCount][]subscription
}

// NewNotifier creates an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe registers handler for events of the given kind.
//
// Parameters:
//   - kind: The event kind to listen for
//   - handler: Function invoked for every event of kind; nil is ignored
//
// Returns:
//   - A function that removes the subscription; safe to call more than once
func (n *Notifier) Subscribe(kind EventKind, handler Handler) func() {
	if handler == nil || kind < 0 || kind >= eventKindCount {
		return func() {}
	}

	n.mu.Lock()
	n.nextID++
	id := n.nextID
	next := make([]subscription, len(n.subs[kind]), len(n.subs[kind])+1)
	copy(next, n.subs[kind])
	n.subs[kind] = append(next, subscription{id: id, handler: handler})
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { n.unsubscribe(kind, id) })
	}
}

func (n *Notifier) unsubscribe(kind EventKind, id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	current := n.subs[kind]
	next := make([]subscription, 0, len(current))
	for _, s := range current {
		if s.id != id {
			next = append(next, s)
		}
	}

	n.subs[kind] = next
}

// Count returns the number of subscribers for kind.
func (n *Notifier) Count(kind EventKind) int {
	if kind < 0 || kind >= eventKindCount {
		return 0
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs[kind])
}

// Publish delivers e to every subscriber of e.Kind, in registration order,
// on the calling goroutine. A panicking handler does not stop delivery to
// the subscribers after it; once all have run, the first panic value is
// raised again for the caller to handle.
func (n *Notifier) Publish(e *Event) {
	if e == nil || e.Kind < 0 || e.Kind >= eventKindCount {
		return
	}

	n.mu.RLock()
	subs := n.subs[e.Kind]
	n.mu.RUnlock()

	var fault any
	for _, s := range subs {
		if r := deliver(s.handler, e); r != nil && fault == nil {
			fault = r
		}
	}

	if fault != nil {
		panic(fault)
	}
}

func deliver(handler Handler, e *Event) (recovered any) {
	defer func() {
		recovered = recover()
	}()

	handler(e)
	return nil
}
