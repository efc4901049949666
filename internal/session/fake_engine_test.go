package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-calls/internal/engine"
	"github.com/mossy-p/webrtc-calls/internal/models"
)

// fakeEngine records every call the controller makes so tests can assert
// on ordering.
type fakeEngine struct {
	name string

	mu        sync.Mutex
	ops       []string
	closes    int
	remoteSet bool

	candidates chan string
	states     chan engine.ConnectionState
}

func (e *fakeEngine) record(op string) {
	e.mu.Lock()
	e.ops = append(e.ops, op)
	e.mu.Unlock()
}

func (e *fakeEngine) CreateOffer(context.Context) (string, error) {
	e.record("create-offer")
	return "offer-from-" + e.name, nil
}

func (e *fakeEngine) CreateAnswer(context.Context) (string, error) {
	e.record("create-answer")
	return "answer-from-" + e.name, nil
}

func (e *fakeEngine) ApplyRemoteDescription(_ context.Context, blob string, kind models.SignalKind) error {
	e.mu.Lock()
	e.remoteSet = true
	e.mu.Unlock()
	e.record(fmt.Sprintf("remote-%s:%s", kind, blob))
	return nil
}

func (e *fakeEngine) ApplyRemoteCandidate(_ context.Context, blob string) error {
	e.mu.Lock()
	set := e.remoteSet
	e.mu.Unlock()
	if !set {
		return fmt.Errorf("%w: candidate before remote description", models.ErrNegotiationFailed)
	}
	e.record("candidate:" + blob)
	return nil
}

func (e *fakeEngine) LocalCandidates() <-chan string                  { return e.candidates }
func (e *fakeEngine) ConnectionStates() <-chan engine.ConnectionState { return e.states }

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closes++
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) Ops() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ops...)
}

func (e *fakeEngine) Closes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

type fakeFactory struct {
	name string

	mu      sync.Mutex
	engines []*fakeEngine
}

func (f *fakeFactory) New(string) (engine.Engine, error) {
	e := &fakeEngine{
		name:       f.name,
		candidates: make(chan string, 8),
		states:     make(chan engine.ConnectionState, 8),
	}
	f.mu.Lock()
	f.engines = append(f.engines, e)
	f.mu.Unlock()
	return e, nil
}

func (f *fakeFactory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

// Last waits for the most recently created engine
func (f *fakeFactory) Last(t *testing.T) *fakeEngine {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.engines)
		var e *fakeEngine
		if n > 0 {
			e = f.engines[n-1]
		}
		f.mu.Unlock()
		if e != nil {
			return e
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no engine created")
	return nil
}
