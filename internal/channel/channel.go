// Package channel defines the shared signal store that participants
// coordinate through. Implementations live in channel/memory and internal/redis.
package channel

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned by ReadOnce when nothing is stored at a path
	ErrNotFound = errors.New("channel: no value at path")
	// ErrAbort may be returned from an UpdateValue func to leave the value untouched
	ErrAbort = errors.New("channel: update aborted")
)

// EventKind distinguishes value changes from appended children
type EventKind int

const (
	EventValue EventKind = iota + 1
	EventChildAdded
)

// Event is one notification delivered on a subscription
type Event struct {
	Kind  EventKind
	Path  string
	Key   string // child key for EventChildAdded
	Value []byte
}

// UpdateFunc receives the current value (nil when absent) and returns the
// value to store. Returning ErrAbort leaves the stored value as is.
type UpdateFunc func(current []byte) ([]byte, error)

// Channel is an addressable, eventually consistent store with change
// notifications. There is no atomicity across paths.
type Channel interface {
	WriteValue(ctx context.Context, path string, value []byte) error
	ReadOnce(ctx context.Context, path string) ([]byte, error)
	// UpdateValue applies fn as a compare-then-write on a single path and
	// returns the value that ended up stored.
	UpdateValue(ctx context.Context, path string, fn UpdateFunc) ([]byte, error)
	// SubscribeValue replays the current value (if any) and then every change.
	SubscribeValue(ctx context.Context, path string) (*Subscription, error)
	// AppendChild stores value under a new, ordered, channel-assigned key.
	AppendChild(ctx context.Context, path string, value []byte) (string, error)
	// SubscribeChildren replays existing children in order and then new ones.
	SubscribeChildren(ctx context.Context, path string) (*Subscription, error)
}

// Subscription is a handle on a stream of events. Close unsubscribes and
// closes C; it is safe to call more than once.
type Subscription struct {
	C <-chan Event

	once   sync.Once
	cancel func()
}

// NewSubscription wires an event channel to the function that stops its producer.
// The producer must close c once cancel has been called.
func NewSubscription(c <-chan Event, cancel func()) *Subscription {
	return &Subscription{C: c, cancel: cancel}
}

// Close unsubscribes
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Join builds a slash separated path, dropping empty segments
func Join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}
