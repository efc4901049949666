package models

import "errors"

var (
	// ErrChannelUnavailable means a signal channel read or write could not be confirmed
	ErrChannelUnavailable = errors.New("signal channel unavailable")
	// ErrInvalidState is returned when an action is not valid in the controller's current state
	ErrInvalidState      = errors.New("invalid state transition")
	ErrCallNotFound      = errors.New("call not found")
	ErrInvalidRecipients = errors.New("invalid recipients")
	ErrNotRecipient      = errors.New("not a recipient of this call")
	ErrNegotiationFailed = errors.New("negotiation failed")
	ErrInvalidMessage    = errors.New("invalid signaling message")
)
