package models

import (
	"slices"
	"time"
)

// CallStatus represents the shared lifecycle state of a call record
type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusAnswered CallStatus = "answered"
	CallStatusRejected CallStatus = "rejected"
	CallStatusEnded    CallStatus = "ended"
)

// Valid reports whether s is one of the known statuses
func (s CallStatus) Valid() bool {
	switch s {
	case CallStatusRinging, CallStatusAnswered, CallStatusRejected, CallStatusEnded:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s
func (s CallStatus) Terminal() bool {
	return s == CallStatusRejected || s == CallStatusEnded
}

// CanTransition reports whether a record may move from one status to another.
// Ringing may become answered, rejected or ended; answered may only become ended.
func CanTransition(from, to CallStatus) bool {
	switch from {
	case CallStatusRinging:
		return to == CallStatusAnswered || to == CallStatusRejected || to == CallStatusEnded
	case CallStatusAnswered:
		return to == CallStatusEnded
	}
	return false
}

// CallRecord is the shared state of one call attempt
type CallRecord struct {
	CallID     string     `json:"callId"`
	Caller     string     `json:"from"`
	Recipients []string   `json:"to"`
	Status     CallStatus `json:"status"`
	AnsweredBy string     `json:"answeredBy"`
	RejectedBy []string   `json:"rejectedBy,omitempty"`
	CreatedAt  time.Time  `json:"timestamp"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	Version    int64      `json:"version"`
}

// IsRecipient reports whether id was one of the announced recipients
func (r *CallRecord) IsRecipient(id string) bool {
	return slices.Contains(r.Recipients, id)
}

// HasRejected reports whether id has already declined the call
func (r *CallRecord) HasRejected(id string) bool {
	return slices.Contains(r.RejectedBy, id)
}

// AllRejected reports whether every recipient has declined
func (r *CallRecord) AllRejected() bool {
	for _, id := range r.Recipients {
		if !r.HasRejected(id) {
			return false
		}
	}
	return len(r.Recipients) > 0
}

// Clone returns a deep copy so callers can't alias the slices
func (r CallRecord) Clone() CallRecord {
	r.Recipients = slices.Clone(r.Recipients)
	r.RejectedBy = slices.Clone(r.RejectedBy)
	return r
}

// AnswerResult is the outcome class of an answer attempt
type AnswerResult string

const (
	AnswerAccepted        AnswerResult = "accepted"
	AnswerAlreadyAnswered AnswerResult = "already_answered"
	AnswerNotFound        AnswerResult = "not_found"
	AnswerNoLongerRinging AnswerResult = "no_longer_ringing"
)

// AnswerOutcome is returned from an answer attempt. By holds the winning
// answerer for AnswerAccepted and AnswerAlreadyAnswered.
type AnswerOutcome struct {
	Result AnswerResult `json:"result"`
	By     string       `json:"by,omitempty"`
}

// Accepted reports whether the attempt won the race
func (o AnswerOutcome) Accepted() bool {
	return o.Result == AnswerAccepted
}

// RaceLost reports whether the call can no longer be taken by this party
func (o AnswerOutcome) RaceLost() bool {
	return o.Result != AnswerAccepted
}
