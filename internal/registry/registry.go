// Package registry owns the shared call record: it creates calls, resolves
// which recipient answers and propagates the end of a call.
//
// The signal channel has no cross-client transactions, so an answer is a
// conditional update followed by an authoritative read. Whatever the read
// returns is the truth, regardless of whether our own write went through.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-calls/internal/channel"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/rs/zerolog"
)

const (
	callsRoot         = "calls"
	announcementsPath = "announcements"
)

var (
	errNoChange = errors.New("registry: no change")
	errNoRecord = errors.New("registry: no record")
)

// CallPath is where the record of a call lives on the channel
func CallPath(callID string) string {
	return channel.Join(callsRoot, callID)
}

// announcement is the index entry recipients watch for new calls
type announcement struct {
	CallID     string    `json:"callId"`
	Caller     string    `json:"from"`
	Recipients []string  `json:"to"`
	CreatedAt  time.Time `json:"timestamp"`
}

// Registry reads and writes call records on a signal channel
type Registry struct {
	ch    channel.Channel
	log   zerolog.Logger
	now   func() time.Time
	newID func() string
}

// New creates a registry on ch
func New(ch channel.Channel, log zerolog.Logger) *Registry {
	return &Registry{
		ch:    ch,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Announce creates a ringing call from caller to recipients and publishes it
// to the announcement index.
func (r *Registry) Announce(ctx context.Context, caller string, recipients []string) (models.CallRecord, error) {
	if caller == "" {
		return models.CallRecord{}, fmt.Errorf("%w: caller is required", models.ErrInvalidRecipients)
	}
	to := dedupe(recipients)
	if len(to) == 0 {
		return models.CallRecord{}, fmt.Errorf("%w: at least one recipient is required", models.ErrInvalidRecipients)
	}
	if slices.Contains(to, caller) {
		return models.CallRecord{}, fmt.Errorf("%w: caller cannot call itself", models.ErrInvalidRecipients)
	}

	now := r.now()
	rec := models.CallRecord{
		CallID:     r.newID(),
		Caller:     caller,
		Recipients: to,
		Status:     models.CallStatusRinging,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return models.CallRecord{}, err
	}
	if err := r.ch.WriteValue(ctx, CallPath(rec.CallID), data); err != nil {
		return models.CallRecord{}, fmt.Errorf("announce %s: %w", rec.CallID, err)
	}

	idx, err := json.Marshal(announcement{CallID: rec.CallID, Caller: caller, Recipients: to, CreatedAt: now})
	if err != nil {
		return models.CallRecord{}, err
	}
	if _, err := r.ch.AppendChild(ctx, announcementsPath, idx); err != nil {
		// Nobody can discover the call; end it so it does not linger as ringing.
		if _, endErr := r.MarkEnded(context.WithoutCancel(ctx), rec.CallID); endErr != nil {
			r.log.Warn().Err(endErr).Str("call_id", rec.CallID).Msg("Failed to end unannounced call")
		}
		return models.CallRecord{}, fmt.Errorf("announce %s: %w", rec.CallID, err)
	}

	r.log.Info().Str("call_id", rec.CallID).Str("caller", caller).Strs("recipients", to).Msg("Call announced")
	return rec, nil
}

// Get reads the current record
func (r *Registry) Get(ctx context.Context, callID string) (models.CallRecord, error) {
	data, err := r.ch.ReadOnce(ctx, CallPath(callID))
	if errors.Is(err, channel.ErrNotFound) {
		return models.CallRecord{}, fmt.Errorf("%w: %s", models.ErrCallNotFound, callID)
	}
	if err != nil {
		return models.CallRecord{}, err
	}
	return decodeRecord(data)
}

// TryAnswer attempts to record responder as the single answerer.
// Losing the race is an outcome, not an error.
func (r *Registry) TryAnswer(ctx context.Context, callID, responder string) (models.AnswerOutcome, error) {
	_, _, err := r.update(ctx, callID, func(rec *models.CallRecord) error {
		if !rec.IsRecipient(responder) {
			return models.ErrNotRecipient
		}
		if rec.Status != models.CallStatusRinging || rec.AnsweredBy != "" {
			return errNoChange
		}
		rec.Status = models.CallStatusAnswered
		rec.AnsweredBy = responder
		return nil
	})
	switch {
	case errors.Is(err, models.ErrCallNotFound):
		return models.AnswerOutcome{Result: models.AnswerNotFound}, nil
	case err != nil:
		return models.AnswerOutcome{}, fmt.Errorf("answer %s: %w", callID, err)
	}

	// The read-back decides, not the write.
	rec, err := r.Get(ctx, callID)
	if errors.Is(err, models.ErrCallNotFound) {
		return models.AnswerOutcome{Result: models.AnswerNotFound}, nil
	}
	if err != nil {
		return models.AnswerOutcome{}, fmt.Errorf("answer %s: %w", callID, err)
	}

	out := outcomeFor(rec, responder)
	r.log.Info().Str("call_id", callID).Str("responder", responder).Str("result", string(out.Result)).Str("by", out.By).Msg("Answer attempt resolved")
	return out, nil
}

func outcomeFor(rec models.CallRecord, responder string) models.AnswerOutcome {
	switch {
	case rec.AnsweredBy == responder:
		return models.AnswerOutcome{Result: models.AnswerAccepted, By: responder}
	case rec.AnsweredBy != "":
		return models.AnswerOutcome{Result: models.AnswerAlreadyAnswered, By: rec.AnsweredBy}
	default:
		return models.AnswerOutcome{Result: models.AnswerNoLongerRinging}
	}
}

// Reject records that responder declined. Other recipients stay eligible;
// the call only becomes rejected once every recipient has declined.
func (r *Registry) Reject(ctx context.Context, callID, responder string) error {
	rec, changed, err := r.update(ctx, callID, func(rec *models.CallRecord) error {
		if !rec.IsRecipient(responder) {
			return models.ErrNotRecipient
		}
		if rec.Status != models.CallStatusRinging || rec.HasRejected(responder) {
			return errNoChange
		}
		rec.RejectedBy = append(rec.RejectedBy, responder)
		if rec.AllRejected() {
			rec.Status = models.CallStatusRejected
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reject %s: %w", callID, err)
	}
	if changed {
		r.log.Info().Str("call_id", callID).Str("responder", responder).Str("status", string(rec.Status)).Msg("Call rejected by recipient")
	}
	return nil
}

// MarkEnded moves the call to ended. It reports whether this call performed
// the write; ending an already finished or vanished call is a no-op.
func (r *Registry) MarkEnded(ctx context.Context, callID string) (bool, error) {
	_, changed, err := r.update(ctx, callID, func(rec *models.CallRecord) error {
		if rec.Status.Terminal() {
			return errNoChange
		}
		rec.Status = models.CallStatusEnded
		return nil
	})
	if errors.Is(err, models.ErrCallNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("end %s: %w", callID, err)
	}
	if changed {
		r.log.Info().Str("call_id", callID).Msg("Call ended")
	}
	return changed, nil
}

// update applies mutate as a conditional write. mutate returning errNoChange
// leaves the record untouched; any other error is returned as is.
func (r *Registry) update(ctx context.Context, callID string, mutate func(*models.CallRecord) error) (models.CallRecord, bool, error) {
	var (
		changed   bool
		mutateErr error
	)
	data, err := r.ch.UpdateValue(ctx, CallPath(callID), func(cur []byte) ([]byte, error) {
		changed, mutateErr = false, nil
		if cur == nil {
			mutateErr = errNoRecord
			return nil, channel.ErrAbort
		}
		rec, err := decodeRecord(cur)
		if err != nil {
			return nil, err
		}
		prev := rec.Status
		if err := mutate(&rec); err != nil {
			if !errors.Is(err, errNoChange) {
				mutateErr = err
			}
			return nil, channel.ErrAbort
		}
		if rec.Status != prev && !models.CanTransition(prev, rec.Status) {
			mutateErr = fmt.Errorf("%w: %s -> %s", models.ErrInvalidState, prev, rec.Status)
			return nil, channel.ErrAbort
		}
		rec.Version++
		rec.UpdatedAt = r.now()
		changed = true
		return json.Marshal(rec)
	})
	if err != nil {
		return models.CallRecord{}, false, err
	}
	if errors.Is(mutateErr, errNoRecord) {
		return models.CallRecord{}, false, fmt.Errorf("%w: %s", models.ErrCallNotFound, callID)
	}
	if mutateErr != nil {
		return models.CallRecord{}, false, mutateErr
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return models.CallRecord{}, false, err
	}
	return rec, changed, nil
}

func decodeRecord(data []byte) (models.CallRecord, error) {
	var rec models.CallRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return models.CallRecord{}, fmt.Errorf("decode call record: %w", err)
	}
	if rec.CallID == "" || !rec.Status.Valid() {
		return models.CallRecord{}, fmt.Errorf("decode call record: missing id or status %q", rec.Status)
	}
	return rec, nil
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
