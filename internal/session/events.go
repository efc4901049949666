package session

import (
	"sync"
	"time"
)

// State is the controller's position in the call lifecycle
type State string

const (
	StateIdle                       State = "idle"
	StateOriginating                State = "originating"
	StateRinging                    State = "ringing"
	StateAnsweredPendingNegotiation State = "answered_pending_negotiation"
	StateNegotiating                State = "negotiating"
	StateConnected                  State = "connected"
	StateEnding                     State = "ending"
	StateFailed                     State = "failed"
)

// EventType identifies what an Event reports
type EventType string

const (
	EventStateChanged          EventType = "state_changed"
	EventIncomingCall          EventType = "incoming_call"
	EventConnected             EventType = "connected"
	EventEnded                 EventType = "ended"
	EventEndedByRemote         EventType = "ended_by_remote"
	EventCallFailed            EventType = "call_failed"
	EventCallNoLongerAvailable EventType = "call_no_longer_available"
	EventRejected              EventType = "rejected"
)

// Event is what the controller reports to the surrounding application.
// Peer is the caller for IncomingCall and the winning recipient for
// CallNoLongerAvailable.
type Event struct {
	Type   EventType `json:"type"`
	State  State     `json:"state,omitempty"`
	CallID string    `json:"callId,omitempty"`
	Peer   string    `json:"peer,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"timestamp"`
}

// outbox is an unbounded queue in front of the events channel so the
// event loop never blocks on a slow consumer.
type outbox struct {
	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

func newOutbox() *outbox {
	o := &outbox{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *outbox) push(ev Event) {
	o.mu.Lock()
	o.queue = append(o.queue, ev)
	o.mu.Unlock()
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// close stops accepting wakeups. Events already queued are still
// delivered before out is closed.
func (o *outbox) close() {
	o.once.Do(func() { close(o.done) })
}

func (o *outbox) run() {
	defer close(o.out)
	for {
		ev, ok := o.next()
		if !ok {
			return
		}
		o.out <- ev
	}
}

// next blocks until an event is queued. Once closed it hands out what is
// left and then reports false.
func (o *outbox) next() (Event, bool) {
	for {
		o.mu.Lock()
		if len(o.queue) > 0 {
			ev := o.queue[0]
			o.queue = o.queue[1:]
			o.mu.Unlock()
			return ev, true
		}
		o.mu.Unlock()

		select {
		case <-o.notify:
		case <-o.done:
			o.mu.Lock()
			empty := len(o.queue) == 0
			o.mu.Unlock()
			if empty {
				return Event{}, false
			}
		}
	}
}
