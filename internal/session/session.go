// Package session runs the per-participant call state machine. A Controller
// coordinates the call registry, the signaling relay and a negotiation
// engine, and reports everything that happens as Events.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mossy-p/webrtc-calls/internal/engine"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/registry"
	"github.com/mossy-p/webrtc-calls/internal/relay"
	"github.com/rs/zerolog"
)

const defaultIOTimeout = 10 * time.Second

var (
	ErrAlreadyInCall = fmt.Errorf("already in a call: %w", models.ErrInvalidState)
	ErrNotStarted    = errors.New("session: controller not started")
	ErrClosed        = errors.New("session: controller closed")
)

// Registry is the subset of the call registry the controller uses
type Registry interface {
	Announce(ctx context.Context, caller string, recipients []string) (models.CallRecord, error)
	TryAnswer(ctx context.Context, callID, responder string) (models.AnswerOutcome, error)
	Reject(ctx context.Context, callID, responder string) error
	MarkEnded(ctx context.Context, callID string) (bool, error)
	Observe(ctx context.Context, callID string) (*registry.RecordStream, error)
	Incoming(ctx context.Context, recipient string) (*registry.RecordStream, error)
}

// Relay is the subset of the signaling relay the controller uses
type Relay interface {
	Send(ctx context.Context, callID string, msg models.SignalingMessage) error
	Subscribe(ctx context.Context, callID, local string) (*relay.Inbound, error)
}

// Config wires a Controller. IOTimeout bounds the channel and engine calls
// the controller makes on its own, outside of an action.
type Config struct {
	Self      string
	Registry  Registry
	Relay     Relay
	Engines   engine.Factory
	Logger    zerolog.Logger
	IOTimeout time.Duration
}

// Controller is the call state machine of one participant. All state is
// owned by a single event loop; actions and notifications are serialized
// through it.
type Controller struct {
	self      string
	registry  Registry
	relay     Relay
	engines   engine.Factory
	log       zerolog.Logger
	ioTimeout time.Duration

	cmds    chan func()
	inbox   chan loopMsg
	events  *outbox
	quit    chan struct{}
	stopped chan struct{}
	started atomic.Bool
	once    sync.Once

	mu     sync.RWMutex
	state  State
	callID string

	// owned by the loop
	ctx      context.Context
	call     *activeCall
	pending  map[string]pendingCall
	incoming *registry.RecordStream
	lastGen  uint64
}

func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.Self == "":
		return nil, errors.New("session: local identity is required")
	case cfg.Registry == nil, cfg.Relay == nil:
		return nil, errors.New("session: registry and relay are required")
	case cfg.Engines == nil:
		return nil, errors.New("session: engine factory is required")
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = defaultIOTimeout
	}

	return &Controller{
		self:      cfg.Self,
		registry:  cfg.Registry,
		relay:     cfg.Relay,
		engines:   cfg.Engines,
		log:       cfg.Logger.With().Str("component", "session").Str("self", cfg.Self).Logger(),
		ioTimeout: cfg.IOTimeout,
		cmds:      make(chan func()),
		inbox:     make(chan loopMsg, 16),
		events:    newOutbox(),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		state:     StateIdle,
		pending:   make(map[string]pendingCall),
	}, nil
}

// Start begins watching for incoming calls and runs the event loop until
// ctx is cancelled or Close is called.
func (c *Controller) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("session: controller already started")
	}
	incoming, err := c.registry.Incoming(ctx, c.self)
	if err != nil {
		c.started.Store(false)
		return fmt.Errorf("watch incoming calls: %w", err)
	}

	c.ctx = ctx
	c.incoming = incoming
	go forward(ctx, c.quit, incoming.C, c.inbox, func(rec models.CallRecord) loopMsg {
		return loopMsg{kind: msgIncoming, record: rec}
	})
	go c.run()

	c.log.Info().Msg("Session controller started")
	return nil
}

// Close ends the current call, releases every subscription and stops the
// loop. The Events channel is closed afterwards.
func (c *Controller) Close() {
	c.once.Do(func() { close(c.quit) })
	if c.started.Load() {
		<-c.stopped
		return
	}
	c.events.close()
}

// Events delivers state changes and call outcomes in order
func (c *Controller) Events() <-chan Event {
	return c.events.out
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// CallID returns the id of the call the controller is engaged in, if any
func (c *Controller) CallID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callID
}

// Self is the local participant identity
func (c *Controller) Self() string {
	return c.self
}

// PlaceCall announces a new call to recipients and waits for one of them
// to answer. It returns the new call id.
func (c *Controller) PlaceCall(ctx context.Context, recipients []string) (string, error) {
	var (
		id  string
		err error
	)
	if doErr := c.do(ctx, func() { id, err = c.placeCall(ctx, recipients) }); doErr != nil {
		return "", doErr
	}
	return id, err
}

// Accept tries to answer callID. Losing the race to another recipient is
// reported through the outcome, not as an error.
func (c *Controller) Accept(ctx context.Context, callID string) (models.AnswerOutcome, error) {
	var (
		outcome models.AnswerOutcome
		err     error
	)
	if doErr := c.do(ctx, func() { outcome, err = c.accept(ctx, callID) }); doErr != nil {
		return models.AnswerOutcome{}, doErr
	}
	return outcome, err
}

// Reject declines an incoming call
func (c *Controller) Reject(ctx context.Context, callID string) error {
	var err error
	if doErr := c.do(ctx, func() { err = c.reject(ctx, callID) }); doErr != nil {
		return doErr
	}
	return err
}

// EndCall hangs up the current call. It is a no-op when there is none.
// A failure to publish the end is reported on the Ended event; the only
// errors returned are about reaching the controller itself.
func (c *Controller) EndCall(ctx context.Context) error {
	return c.do(ctx, func() { c.endCall(ctx) })
}

// do runs fn on the event loop and waits for it to finish
func (c *Controller) do(ctx context.Context, fn func()) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	done := make(chan struct{})
	select {
	case c.cmds <- func() { defer close(done); fn() }:
	case <-c.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

func (c *Controller) setState(s State, callID string) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.callID = callID
	c.mu.Unlock()

	if prev == s {
		return
	}
	c.log.Info().Str("call_id", callID).Str("from", string(prev)).Str("to", string(s)).Msg("Session state changed")
	c.emit(Event{Type: EventStateChanged, State: s, CallID: callID})
}

func (c *Controller) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	c.events.push(ev)
}

// ioContext bounds loop-initiated IO. It survives cancellation of the
// controller context so teardown writes still go out.
func (c *Controller) ioContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.ctx), c.ioTimeout)
}
