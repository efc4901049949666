// Package memory is an in-process signal channel. It gives every
// subscriber its own unbounded queue so a slow reader never blocks a writer.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mossy-p/webrtc-calls/internal/channel"
	"github.com/mossy-p/webrtc-calls/internal/models"
)

type child struct {
	key   string
	value []byte
}

// Channel implements channel.Channel in memory
type Channel struct {
	mu          sync.Mutex
	values      map[string][]byte
	children    map[string][]child
	valueSubs   map[string]map[*pump]struct{}
	childSubs   map[string]map[*pump]struct{}
	writes      map[string]int
	seq         int64
	unavailable bool
}

var _ channel.Channel = (*Channel)(nil)

// New creates an empty channel
func New() *Channel {
	return &Channel{
		values:    make(map[string][]byte),
		children:  make(map[string][]child),
		valueSubs: make(map[string]map[*pump]struct{}),
		childSubs: make(map[string]map[*pump]struct{}),
		writes:    make(map[string]int),
	}
}

// SetUnavailable makes every subsequent operation fail with models.ErrChannelUnavailable
func (c *Channel) SetUnavailable(v bool) {
	c.mu.Lock()
	c.unavailable = v
	c.mu.Unlock()
}

// Writes returns how many times a value was stored at path
func (c *Channel) Writes(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[path]
}

// Subscribers returns the number of live subscriptions on path (values and children)
func (c *Channel) Subscribers(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.valueSubs[path]) + len(c.childSubs[path])
}

// TotalSubscribers returns the number of live subscriptions across all paths
func (c *Channel) TotalSubscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, subs := range c.valueSubs {
		n += len(subs)
	}
	for _, subs := range c.childSubs {
		n += len(subs)
	}
	return n
}

func (c *Channel) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.unavailable {
		return fmt.Errorf("memory channel: %w", models.ErrChannelUnavailable)
	}
	return nil
}

func (c *Channel) WriteValue(ctx context.Context, path string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return err
	}
	c.storeLocked(path, value)
	return nil
}

func (c *Channel) ReadOnce(ctx context.Context, path string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	v, ok := c.values[path]
	if !ok {
		return nil, channel.ErrNotFound
	}
	return clone(v), nil
}

func (c *Channel) UpdateValue(ctx context.Context, path string, fn channel.UpdateFunc) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	current := c.values[path]
	next, err := fn(clone(current))
	if errors.Is(err, channel.ErrAbort) {
		return clone(current), nil
	}
	if err != nil {
		return nil, err
	}
	c.storeLocked(path, next)
	return clone(next), nil
}

func (c *Channel) storeLocked(path string, value []byte) {
	v := clone(value)
	c.values[path] = v
	c.writes[path]++
	for p := range c.valueSubs[path] {
		p.push(channel.Event{Kind: channel.EventValue, Path: path, Value: clone(v)})
	}
}

func (c *Channel) SubscribeValue(ctx context.Context, path string) (*channel.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	p := newPump()
	if v, ok := c.values[path]; ok {
		p.push(channel.Event{Kind: channel.EventValue, Path: path, Value: clone(v)})
	}
	return c.registerLocked(ctx, c.valueSubs, path, p), nil
}

func (c *Channel) AppendChild(ctx context.Context, path string, value []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return "", err
	}
	c.seq++
	key := fmt.Sprintf("%020d", c.seq)
	v := clone(value)
	c.children[path] = append(c.children[path], child{key: key, value: v})
	for p := range c.childSubs[path] {
		p.push(channel.Event{Kind: channel.EventChildAdded, Path: path, Key: key, Value: clone(v)})
	}
	return key, nil
}

func (c *Channel) SubscribeChildren(ctx context.Context, path string) (*channel.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	p := newPump()
	for _, ch := range c.children[path] {
		p.push(channel.Event{Kind: channel.EventChildAdded, Path: path, Key: ch.key, Value: clone(ch.value)})
	}
	return c.registerLocked(ctx, c.childSubs, path, p), nil
}

func (c *Channel) registerLocked(ctx context.Context, subs map[string]map[*pump]struct{}, path string, p *pump) *channel.Subscription {
	if subs[path] == nil {
		subs[path] = make(map[*pump]struct{})
	}
	subs[path][p] = struct{}{}

	cancel := func() {
		c.mu.Lock()
		delete(subs[path], p)
		if len(subs[path]) == 0 {
			delete(subs, path)
		}
		c.mu.Unlock()
		p.stop()
	}
	sub := channel.NewSubscription(p.out, cancel)
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-p.done:
		}
	}()
	go p.run()
	return sub
}

// pump is an unbounded FIFO between a writer holding the channel lock and a subscriber
type pump struct {
	mu      sync.Mutex
	pending []channel.Event
	notify  chan struct{}
	out     chan channel.Event
	done    chan struct{}
	once    sync.Once
}

func newPump() *pump {
	return &pump{
		notify: make(chan struct{}, 1),
		out:    make(chan channel.Event),
		done:   make(chan struct{}),
	}
}

func (p *pump) push(ev channel.Event) {
	p.mu.Lock()
	p.pending = append(p.pending, ev)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *pump) stop() {
	p.once.Do(func() { close(p.done) })
}

func (p *pump) run() {
	defer close(p.out)
	for {
		p.mu.Lock()
		if len(p.pending) == 0 {
			p.mu.Unlock()
			select {
			case <-p.notify:
				continue
			case <-p.done:
				return
			}
		}
		ev := p.pending[0]
		p.pending = p.pending[1:]
		p.mu.Unlock()

		select {
		case p.out <- ev:
		case <-p.done:
			return
		}
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
