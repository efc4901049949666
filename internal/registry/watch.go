package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/mossy-p/webrtc-calls/internal/channel"
	"github.com/mossy-p/webrtc-calls/internal/models"
)

// RecordStream is a typed stream of call records. C is closed when the
// stream ends; Close stops it early.
type RecordStream struct {
	C <-chan models.CallRecord

	sub  *channel.Subscription
	done chan struct{}
	once sync.Once
}

func newRecordStream(sub *channel.Subscription) (*RecordStream, chan models.CallRecord) {
	out := make(chan models.CallRecord)
	return &RecordStream{C: out, sub: sub, done: make(chan struct{})}, out
}

// Close unsubscribes from the underlying channel
func (s *RecordStream) Close() {
	s.once.Do(func() {
		close(s.done)
		s.sub.Close()
	})
}

// Observe streams the record of callID, starting with its current state.
// Stale or repeated versions are skipped and the stream ends after a
// terminal status has been delivered.
func (r *Registry) Observe(ctx context.Context, callID string) (*RecordStream, error) {
	sub, err := r.ch.SubscribeValue(ctx, CallPath(callID))
	if err != nil {
		return nil, fmt.Errorf("observe %s: %w", callID, err)
	}
	stream, out := newRecordStream(sub)
	log := r.log.With().Str("call_id", callID).Logger()

	go func() {
		defer close(out)
		defer sub.Close()

		var last int64
		for ev := range sub.C {
			rec, err := decodeRecord(ev.Value)
			if err != nil {
				log.Warn().Err(err).Msg("Skipping undecodable call record")
				continue
			}
			if rec.Version <= last {
				continue
			}
			last = rec.Version

			select {
			case out <- rec:
			case <-stream.done:
				return
			case <-ctx.Done():
				return
			}
			if rec.Status.Terminal() {
				return
			}
		}
	}()

	return stream, nil
}

// Incoming streams calls announced to recipient that are still ringing
// when the announcement is read. Calls placed by recipient itself are skipped.
func (r *Registry) Incoming(ctx context.Context, recipient string) (*RecordStream, error) {
	sub, err := r.ch.SubscribeChildren(ctx, announcementsPath)
	if err != nil {
		return nil, fmt.Errorf("watch incoming for %s: %w", recipient, err)
	}
	stream, out := newRecordStream(sub)
	log := r.log.With().Str("recipient", recipient).Logger()

	go func() {
		defer close(out)
		defer sub.Close()

		for ev := range sub.C {
			var a announcement
			if err := json.Unmarshal(ev.Value, &a); err != nil {
				log.Warn().Err(err).Str("key", ev.Key).Msg("Skipping undecodable announcement")
				continue
			}
			if a.Caller == recipient || !slices.Contains(a.Recipients, recipient) {
				continue
			}

			rec, err := r.Get(ctx, a.CallID)
			if errors.Is(err, models.ErrCallNotFound) {
				continue
			}
			if err != nil {
				log.Warn().Err(err).Str("call_id", a.CallID).Msg("Failed to read announced call")
				continue
			}
			if rec.Status != models.CallStatusRinging {
				continue
			}

			select {
			case out <- rec:
			case <-stream.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return stream, nil
}
