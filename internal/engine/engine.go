// Package engine is the boundary to the session-description/ICE machinery.
// The session controller only talks to the Engine interface; Pion is the
// production implementation.
package engine

import (
	"context"

	"github.com/mossy-p/webrtc-calls/internal/models"
)

// ConnectionState is the connectivity reported by an engine
type ConnectionState int

const (
	StateConnecting ConnectionState = iota + 1
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Engine negotiates one peer-to-peer session. Descriptions and candidates
// are opaque blobs to everything outside the engine.
type Engine interface {
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	// ApplyRemoteDescription applies an offer or answer from the remote party.
	ApplyRemoteDescription(ctx context.Context, blob string, kind models.SignalKind) error
	// ApplyRemoteCandidate fails when no remote description has been applied yet.
	ApplyRemoteCandidate(ctx context.Context, blob string) error
	LocalCandidates() <-chan string
	ConnectionStates() <-chan ConnectionState
	Close() error
}

// Factory creates the engine for one call
type Factory func(callID string) (Engine, error)
