// Package relay carries offer, answer and candidate messages between the
// two parties of a call over the signal channel.
package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/mossy-p/webrtc-calls/internal/channel"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/registry"
	"github.com/rs/zerolog"
)

func signalingPath(callID, leaf string) string {
	return channel.Join(registry.CallPath(callID), "signaling", leaf)
}

// OfferPath, AnswerPath and CandidatesPath locate a call's negotiation data
func OfferPath(callID string) string      { return signalingPath(callID, "offer") }
func AnswerPath(callID string) string     { return signalingPath(callID, "answer") }
func CandidatesPath(callID string) string { return signalingPath(callID, "candidates") }

// Relay sends and receives signaling messages scoped by call id
type Relay struct {
	ch  channel.Channel
	log zerolog.Logger
}

func New(ch channel.Channel, log zerolog.Logger) *Relay {
	return &Relay{ch: ch, log: log}
}

// Send stores msg so the remote party receives it whenever it subscribes.
// Offers and answers are set at fixed paths, candidates are appended.
func (r *Relay) Send(ctx context.Context, callID string, msg models.SignalingMessage) error {
	data, err := models.EncodeMessage(msg)
	if err != nil {
		return err
	}

	switch msg.Kind {
	case models.KindOffer:
		err = r.ch.WriteValue(ctx, OfferPath(callID), data)
	case models.KindAnswer:
		err = r.ch.WriteValue(ctx, AnswerPath(callID), data)
	case models.KindCandidate:
		_, err = r.ch.AppendChild(ctx, CandidatesPath(callID), data)
	}
	if err != nil {
		return fmt.Errorf("send %s for %s: %w", msg.Kind, callID, err)
	}

	r.log.Debug().Str("call_id", callID).Str("kind", msg.Kind.String()).Str("from", msg.Sender).Msg("Signal sent")
	return nil
}

// Inbound is the stream of messages authored by the remote party
type Inbound struct {
	C <-chan models.SignalingMessage

	subs []*channel.Subscription
	done chan struct{}
	once sync.Once
}

// Close unsubscribes from every path of the call
func (in *Inbound) Close() {
	in.once.Do(func() {
		close(in.done)
		for _, s := range in.subs {
			s.Close()
		}
	})
}

// Subscribe streams messages for callID not authored by local. Offer and
// answer are delivered at most once per sender even when the channel
// repeats a value notification. Candidates keep their send order.
func (r *Relay) Subscribe(ctx context.Context, callID, local string) (*Inbound, error) {
	type source struct {
		path string
		kind models.SignalKind
		open func(context.Context, string) (*channel.Subscription, error)
	}
	sources := []source{
		{OfferPath(callID), models.KindOffer, r.ch.SubscribeValue},
		{AnswerPath(callID), models.KindAnswer, r.ch.SubscribeValue},
		{CandidatesPath(callID), models.KindCandidate, r.ch.SubscribeChildren},
	}

	out := make(chan models.SignalingMessage)
	in := &Inbound{C: out, done: make(chan struct{})}
	for _, src := range sources {
		sub, err := src.open(ctx, src.path)
		if err != nil {
			in.Close()
			return nil, fmt.Errorf("subscribe %s: %w", callID, err)
		}
		in.subs = append(in.subs, sub)
	}

	log := r.log.With().Str("call_id", callID).Str("local", local).Logger()

	go func() {
		defer close(out)
		defer in.Close()

		inputs := make([]<-chan channel.Event, len(in.subs))
		for i, s := range in.subs {
			inputs[i] = s.C
		}
		seen := make(map[string]bool)

		for open := len(inputs); open > 0; {
			var (
				ev  channel.Event
				ok  bool
				idx int
			)
			select {
			case ev, ok = <-inputs[0]:
				idx = 0
			case ev, ok = <-inputs[1]:
				idx = 1
			case ev, ok = <-inputs[2]:
				idx = 2
			case <-in.done:
				return
			case <-ctx.Done():
				return
			}
			if !ok {
				inputs[idx] = nil
				open--
				continue
			}

			msg, err := models.DecodeMessage(ev.Value)
			if err != nil || msg.Kind != sources[idx].kind {
				log.Warn().Err(err).Str("path", ev.Path).Msg("Dropping malformed signal")
				continue
			}
			if msg.Sender == local {
				continue
			}
			if msg.Kind.Singleton() {
				key := msg.Kind.String() + "/" + msg.Sender
				if seen[key] {
					continue
				}
				seen[key] = true
			} else {
				msg.Sequence = ev.Key
			}

			select {
			case out <- msg:
			case <-in.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return in, nil
}
