package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/mossy-p/webrtc-calls/internal/engine"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/registry"
	"github.com/mossy-p/webrtc-calls/internal/relay"
)

type role int

const (
	roleCaller role = iota + 1
	roleCallee
)

// activeCall is the call the controller is engaged in. gen tags every
// notification forwarded for it so late deliveries for an old call are
// dropped.
type activeCall struct {
	id     string
	gen    uint64
	role   role
	peer   string
	ctx    context.Context
	cancel context.CancelFunc

	engine  engine.Engine
	record  *registry.RecordStream
	inbound *relay.Inbound

	remoteApplied bool
	buffered      []string
}

type pendingCall struct {
	caller string
	stream *registry.RecordStream
}

type msgKind int

const (
	msgIncoming msgKind = iota + 1
	msgPending
	msgRecord
	msgSignal
	msgLocalCandidate
	msgConnState
)

type loopMsg struct {
	kind   msgKind
	gen    uint64
	record models.CallRecord
	signal models.SignalingMessage
	blob   string
	state  engine.ConnectionState
}

// forward copies src into the loop inbox until src closes or the
// subscription is torn down.
func forward[T any](ctx context.Context, quit <-chan struct{}, src <-chan T, dst chan<- loopMsg, wrap func(T) loopMsg) {
	for {
		select {
		case v, ok := <-src:
			if !ok {
				return
			}
			select {
			case dst <- wrap(v):
			case <-ctx.Done():
				return
			case <-quit:
				return
			}
		case <-ctx.Done():
			return
		case <-quit:
			return
		}
	}
}

func (c *Controller) run() {
	defer close(c.stopped)
	defer c.events.close()

	for {
		select {
		case fn := <-c.cmds:
			fn()
		case m := <-c.inbox:
			c.dispatch(m)
		case <-c.quit:
			c.shutdown()
			return
		case <-c.ctx.Done():
			c.shutdown()
			return
		}
	}
}

func (c *Controller) shutdown() {
	if c.call != nil {
		ctx, cancel := c.ioContext()
		c.endCall(ctx)
		cancel()
	}
	for id := range c.pending {
		c.dropPending(id)
	}
	if c.incoming != nil {
		c.incoming.Close()
	}
	c.log.Info().Msg("Session controller stopped")
}

func (c *Controller) dispatch(m loopMsg) {
	switch m.kind {
	case msgIncoming:
		c.onIncoming(m.record)
		return
	case msgPending:
		c.onPendingUpdate(m.record)
		return
	}

	call := c.call
	if call == nil || call.gen != m.gen {
		c.log.Debug().Uint64("gen", m.gen).Msg("Dropping stale notification")
		return
	}
	switch m.kind {
	case msgRecord:
		c.onRecord(call, m.record)
	case msgSignal:
		c.onSignal(call, m.signal)
	case msgLocalCandidate:
		c.onLocalCandidate(call, m.blob)
	case msgConnState:
		c.onConnectionState(call, m.state)
	}
}

// Actions

func (c *Controller) placeCall(ctx context.Context, recipients []string) (string, error) {
	if c.call != nil {
		return "", ErrAlreadyInCall
	}

	rec, err := c.registry.Announce(ctx, c.self, recipients)
	if err != nil {
		if errors.Is(err, models.ErrChannelUnavailable) {
			c.emit(Event{Type: EventCallFailed, Reason: err.Error()})
		}
		return "", err
	}

	call := c.begin(rec.CallID, roleCaller)
	c.setState(StateOriginating, call.id)
	if err := c.observe(call); err != nil {
		c.fail(call, err)
		return "", err
	}
	return call.id, nil
}

func (c *Controller) accept(ctx context.Context, callID string) (models.AnswerOutcome, error) {
	if c.call != nil {
		return models.AnswerOutcome{}, ErrAlreadyInCall
	}

	caller := c.dropPending(callID)
	c.setState(StateRinging, callID)

	outcome, err := c.registry.TryAnswer(ctx, callID, c.self)
	if err != nil {
		if errors.Is(err, models.ErrChannelUnavailable) {
			c.setState(StateFailed, callID)
			c.emit(Event{Type: EventCallFailed, CallID: callID, Peer: caller, Reason: err.Error()})
		}
		c.setState(StateIdle, "")
		return outcome, err
	}
	if !outcome.Accepted() {
		c.log.Info().Str("call_id", callID).Str("result", string(outcome.Result)).Str("by", outcome.By).Msg("Call no longer available")
		c.setState(StateIdle, "")
		c.emit(Event{Type: EventCallNoLongerAvailable, CallID: callID, Peer: outcome.By, Reason: string(outcome.Result)})
		return outcome, nil
	}

	call := c.begin(callID, roleCallee)
	call.peer = caller
	c.setState(StateAnsweredPendingNegotiation, call.id)
	for _, step := range []func(*activeCall) error{c.startEngine, c.subscribeRelay, c.observe} {
		if err := step(call); err != nil {
			c.fail(call, err)
			return outcome, err
		}
	}
	return outcome, nil
}

func (c *Controller) reject(ctx context.Context, callID string) error {
	if c.call != nil && c.call.id == callID {
		return fmt.Errorf("reject the current call: %w", models.ErrInvalidState)
	}
	c.dropPending(callID)
	return c.registry.Reject(ctx, callID, c.self)
}

// endCall tears the call down locally even when the channel write fails;
// the failure is carried on the Ended event.
func (c *Controller) endCall(ctx context.Context) {
	call := c.call
	if call == nil {
		return
	}

	c.setState(StateEnding, call.id)
	ev := Event{Type: EventEnded, CallID: call.id, Peer: call.peer}
	if _, err := c.registry.MarkEnded(ctx, call.id); err != nil {
		c.log.Warn().Err(err).Str("call_id", call.id).Msg("Failed to mark call ended")
		ev.Reason = err.Error()
	}
	c.emit(ev)
	c.cleanup(call)
}

// Call lifecycle

func (c *Controller) begin(id string, r role) *activeCall {
	c.lastGen++
	ctx, cancel := context.WithCancel(c.ctx)
	call := &activeCall{id: id, gen: c.lastGen, role: r, ctx: ctx, cancel: cancel}
	c.call = call
	return call
}

func (c *Controller) observe(call *activeCall) error {
	stream, err := c.registry.Observe(call.ctx, call.id)
	if err != nil {
		return err
	}
	call.record = stream
	go forward(call.ctx, c.quit, stream.C, c.inbox, func(rec models.CallRecord) loopMsg {
		return loopMsg{kind: msgRecord, gen: call.gen, record: rec}
	})
	return nil
}

func (c *Controller) subscribeRelay(call *activeCall) error {
	in, err := c.relay.Subscribe(call.ctx, call.id, c.self)
	if err != nil {
		return err
	}
	call.inbound = in
	go forward(call.ctx, c.quit, in.C, c.inbox, func(msg models.SignalingMessage) loopMsg {
		return loopMsg{kind: msgSignal, gen: call.gen, signal: msg}
	})
	return nil
}

func (c *Controller) startEngine(call *activeCall) error {
	eng, err := c.engines(call.id)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrNegotiationFailed, err)
	}
	call.engine = eng
	go forward(call.ctx, c.quit, eng.LocalCandidates(), c.inbox, func(blob string) loopMsg {
		return loopMsg{kind: msgLocalCandidate, gen: call.gen, blob: blob}
	})
	go forward(call.ctx, c.quit, eng.ConnectionStates(), c.inbox, func(s engine.ConnectionState) loopMsg {
		return loopMsg{kind: msgConnState, gen: call.gen, state: s}
	})
	return nil
}

// fail ends the call after an unrecoverable error and reports CallFailed
func (c *Controller) fail(call *activeCall, cause error) {
	c.log.Error().Err(cause).Str("call_id", call.id).Msg("Call failed")
	c.setState(StateFailed, call.id)

	ctx, cancel := c.ioContext()
	defer cancel()
	if _, err := c.registry.MarkEnded(ctx, call.id); err != nil {
		c.log.Warn().Err(err).Str("call_id", call.id).Msg("Failed to mark failed call ended")
	}
	c.emit(Event{Type: EventCallFailed, CallID: call.id, Peer: call.peer, Reason: cause.Error()})
	c.cleanup(call)
}

// cleanup is the single teardown path for every way a call can end
func (c *Controller) cleanup(call *activeCall) {
	call.cancel()
	if call.inbound != nil {
		call.inbound.Close()
	}
	if call.record != nil {
		call.record.Close()
	}
	if call.engine != nil {
		if err := call.engine.Close(); err != nil {
			c.log.Warn().Err(err).Str("call_id", call.id).Msg("Failed to close engine")
		}
	}
	if c.call == call {
		c.call = nil
	}
	c.setState(StateIdle, "")
}

func (c *Controller) dropPending(callID string) string {
	p, ok := c.pending[callID]
	if !ok {
		return ""
	}
	p.stream.Close()
	delete(c.pending, callID)
	return p.caller
}

// Notifications

func (c *Controller) onIncoming(rec models.CallRecord) {
	if _, ok := c.pending[rec.CallID]; ok {
		return
	}
	if c.call != nil && c.call.id == rec.CallID {
		return
	}

	stream, err := c.registry.Observe(c.ctx, rec.CallID)
	if err != nil {
		c.log.Warn().Err(err).Str("call_id", rec.CallID).Msg("Cannot watch incoming call")
		return
	}
	c.pending[rec.CallID] = pendingCall{caller: rec.Caller, stream: stream}
	go forward(c.ctx, c.quit, stream.C, c.inbox, func(r models.CallRecord) loopMsg {
		return loopMsg{kind: msgPending, record: r}
	})

	c.log.Info().Str("call_id", rec.CallID).Str("from", rec.Caller).Msg("Incoming call")
	c.emit(Event{Type: EventIncomingCall, CallID: rec.CallID, Peer: rec.Caller})
}

func (c *Controller) onPendingUpdate(rec models.CallRecord) {
	if _, ok := c.pending[rec.CallID]; !ok || rec.Status == models.CallStatusRinging {
		return
	}
	c.dropPending(rec.CallID)
	if rec.Status == models.CallStatusAnswered && rec.AnsweredBy == c.self {
		return
	}
	c.emit(Event{Type: EventCallNoLongerAvailable, CallID: rec.CallID, Peer: rec.AnsweredBy, Reason: string(rec.Status)})
}

func (c *Controller) onRecord(call *activeCall, rec models.CallRecord) {
	switch rec.Status {
	case models.CallStatusAnswered:
		switch {
		case call.role == roleCallee && rec.AnsweredBy != c.self:
			// a later read naming someone else overrides our own win
			c.log.Warn().Str("call_id", call.id).Str("by", rec.AnsweredBy).Msg("Answer overridden by another recipient")
			c.emit(Event{Type: EventCallNoLongerAvailable, CallID: call.id, Peer: rec.AnsweredBy, Reason: string(models.AnswerAlreadyAnswered)})
			c.cleanup(call)
		case call.role == roleCaller && c.State() == StateOriginating:
			c.startOffer(call, rec.AnsweredBy)
		case call.role == roleCaller && call.peer != "" && rec.AnsweredBy != call.peer:
			c.fail(call, fmt.Errorf("%w: answered by %s after pairing with %s", models.ErrInvalidState, rec.AnsweredBy, call.peer))
		}
	case models.CallStatusRejected:
		if call.role == roleCaller {
			c.log.Info().Str("call_id", call.id).Strs("by", rec.RejectedBy).Msg("Call rejected")
			c.emit(Event{Type: EventRejected, CallID: call.id})
			c.cleanup(call)
		}
	case models.CallStatusEnded:
		c.log.Info().Str("call_id", call.id).Msg("Call ended by remote party")
		c.emit(Event{Type: EventEndedByRemote, CallID: call.id, Peer: call.peer})
		c.cleanup(call)
	}
}

func (c *Controller) startOffer(call *activeCall, answeredBy string) {
	call.peer = answeredBy
	c.setState(StateNegotiating, call.id)

	if err := c.startEngine(call); err != nil {
		c.fail(call, err)
		return
	}
	if err := c.subscribeRelay(call); err != nil {
		c.fail(call, err)
		return
	}

	ctx, cancel := c.ioContext()
	defer cancel()
	offer, err := call.engine.CreateOffer(ctx)
	if err != nil {
		c.fail(call, err)
		return
	}
	if err := c.relay.Send(ctx, call.id, models.SignalingMessage{Kind: models.KindOffer, Sender: c.self, Payload: offer}); err != nil {
		c.fail(call, err)
	}
}

func (c *Controller) onSignal(call *activeCall, msg models.SignalingMessage) {
	if call.peer != "" && msg.Sender != call.peer {
		c.log.Warn().Str("call_id", call.id).Str("from", msg.Sender).Msg("Ignoring signal from a party outside the call")
		return
	}

	ctx, cancel := c.ioContext()
	defer cancel()

	switch msg.Kind {
	case models.KindOffer:
		if call.role != roleCallee || c.State() != StateAnsweredPendingNegotiation {
			return
		}
		call.peer = msg.Sender
		c.setState(StateNegotiating, call.id)

		if err := call.engine.ApplyRemoteDescription(ctx, msg.Payload, models.KindOffer); err != nil {
			c.fail(call, err)
			return
		}
		answer, err := call.engine.CreateAnswer(ctx)
		if err != nil {
			c.fail(call, err)
			return
		}
		if err := c.relay.Send(ctx, call.id, models.SignalingMessage{Kind: models.KindAnswer, Sender: c.self, Payload: answer}); err != nil {
			c.fail(call, err)
			return
		}
		c.flushCandidates(ctx, call)

	case models.KindAnswer:
		if call.role != roleCaller || call.remoteApplied {
			return
		}
		if err := call.engine.ApplyRemoteDescription(ctx, msg.Payload, models.KindAnswer); err != nil {
			c.fail(call, err)
			return
		}
		c.flushCandidates(ctx, call)

	case models.KindCandidate:
		if !call.remoteApplied {
			call.buffered = append(call.buffered, msg.Payload)
			return
		}
		c.applyCandidate(ctx, call, msg.Payload)
	}
}

// flushCandidates applies candidates that arrived before the remote
// description, in arrival order.
func (c *Controller) flushCandidates(ctx context.Context, call *activeCall) {
	call.remoteApplied = true
	buffered := call.buffered
	call.buffered = nil
	for _, blob := range buffered {
		c.applyCandidate(ctx, call, blob)
	}
}

func (c *Controller) applyCandidate(ctx context.Context, call *activeCall, blob string) {
	if err := call.engine.ApplyRemoteCandidate(ctx, blob); err != nil {
		c.log.Warn().Err(err).Str("call_id", call.id).Msg("Failed to apply remote candidate")
	}
}

func (c *Controller) onLocalCandidate(call *activeCall, blob string) {
	ctx, cancel := c.ioContext()
	defer cancel()
	err := c.relay.Send(ctx, call.id, models.SignalingMessage{Kind: models.KindCandidate, Sender: c.self, Payload: blob})
	if err == nil {
		return
	}
	if errors.Is(err, models.ErrChannelUnavailable) && c.State() == StateNegotiating {
		c.fail(call, err)
		return
	}
	c.log.Warn().Err(err).Str("call_id", call.id).Msg("Failed to send local candidate")
}

func (c *Controller) onConnectionState(call *activeCall, s engine.ConnectionState) {
	switch s {
	case engine.StateConnected:
		if c.State() != StateNegotiating {
			return
		}
		c.setState(StateConnected, call.id)
		c.emit(Event{Type: EventConnected, CallID: call.id, Peer: call.peer})
	case engine.StateDisconnected:
		c.log.Warn().Str("call_id", call.id).Msg("Peer connection disconnected")
	case engine.StateFailed:
		c.fail(call, fmt.Errorf("%w: connectivity failed", models.ErrNegotiationFailed))
	}
}
