package models

import (
	"encoding/json"
	"fmt"
)

// SignalKind is the closed set of negotiation message kinds
type SignalKind uint8

const (
	KindOffer SignalKind = iota + 1
	KindAnswer
	KindCandidate
)

var kindNames = map[SignalKind]string{
	KindOffer:     "offer",
	KindAnswer:    "answer",
	KindCandidate: "candidate",
}

func (k SignalKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("SignalKind(%d)", uint8(k))
}

// Valid reports whether k is a known kind
func (k SignalKind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// Singleton reports whether at most one message of this kind is sent per party per call
func (k SignalKind) Singleton() bool {
	return k == KindOffer || k == KindAnswer
}

// ParseSignalKind maps a wire tag to a kind
func ParseSignalKind(s string) (SignalKind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, s)
}

func (k SignalKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidMessage, uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *SignalKind) UnmarshalText(text []byte) error {
	parsed, err := ParseSignalKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// SignalingMessage is one negotiation event scoped to a call
type SignalingMessage struct {
	Kind    SignalKind `json:"type"`
	Sender  string     `json:"from"`
	Payload string     `json:"data"`
	// Sequence is the channel-assigned key for candidates; empty for offer and answer
	Sequence string `json:"-"`
}

// Validate checks the fields every message must carry
func (m SignalingMessage) Validate() error {
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind", ErrInvalidMessage)
	}
	if m.Sender == "" {
		return fmt.Errorf("%w: sender is required", ErrInvalidMessage)
	}
	if m.Payload == "" {
		return fmt.Errorf("%w: payload is required", ErrInvalidMessage)
	}
	return nil
}

// EncodeMessage serializes a message for the signal channel
func EncodeMessage(m SignalingMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// DecodeMessage parses a message read from the signal channel
func DecodeMessage(data []byte) (SignalingMessage, error) {
	var m SignalingMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return SignalingMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return SignalingMessage{}, err
	}
	return m, nil
}
