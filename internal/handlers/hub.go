package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-calls/internal/engine"
	"github.com/mossy-p/webrtc-calls/internal/session"
	"github.com/rs/zerolog"
)

var errHubClosed = errors.New("hub closed")

// HubConfig holds what every per-user controller is built from
type HubConfig struct {
	Registry  session.Registry
	Relay     session.Relay
	Engines   engine.Factory
	IOTimeout time.Duration
	Logger    zerolog.Logger
}

// Hub owns one session controller per logged-in user and fans its events
// out to that user's WebSocket clients.
type Hub struct {
	cfg HubConfig
	ctx context.Context
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*userSession
	closed   bool
}

type userSession struct {
	ctrl *session.Controller
	log  zerolog.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewHub creates a hub whose controllers live until ctx is cancelled or
// Close is called.
func NewHub(ctx context.Context, cfg HubConfig) *Hub {
	return &Hub{
		cfg:      cfg,
		ctx:      ctx,
		log:      cfg.Logger.With().Str("component", "hub").Logger(),
		sessions: make(map[string]*userSession),
	}
}

// Controller returns the controller for user, starting it on first use
func (h *Hub) Controller(user string) (*session.Controller, error) {
	s, err := h.session(user)
	if err != nil {
		return nil, err
	}
	return s.ctrl, nil
}

func (h *Hub) session(user string) (*userSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errHubClosed
	}
	if s, ok := h.sessions[user]; ok {
		return s, nil
	}

	ctrl, err := session.New(session.Config{
		Self:      user,
		Registry:  h.cfg.Registry,
		Relay:     h.cfg.Relay,
		Engines:   h.cfg.Engines,
		Logger:    h.cfg.Logger,
		IOTimeout: h.cfg.IOTimeout,
	})
	if err != nil {
		return nil, err
	}
	if err := ctrl.Start(h.ctx); err != nil {
		return nil, err
	}

	s := &userSession{
		ctrl:    ctrl,
		log:     h.log.With().Str("user", user).Logger(),
		clients: make(map[*Client]struct{}),
	}
	h.sessions[user] = s
	go s.broadcast()

	h.log.Info().Str("user", user).Msg("Session controller created")
	return s, nil
}

// Subscribe attaches a WebSocket client to user's event stream
func (h *Hub) Subscribe(user string, client *Client) error {
	s, err := h.session(user)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients == nil {
		return errHubClosed
	}
	s.clients[client] = struct{}{}
	return nil
}

// Unsubscribe detaches client and closes its send channel
func (h *Hub) Unsubscribe(user string, client *Client) {
	h.mu.Lock()
	s, ok := h.sessions[user]
	h.mu.Unlock()
	if ok {
		s.remove(client)
	}
}

// Close ends every active call and stops all controllers
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := h.sessions
	h.sessions = make(map[string]*userSession)
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ctrl.Close()
		}()
	}
	wg.Wait()
}

func (s *userSession) remove(client *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		close(client.Send)
	}
}

// broadcast runs until the controller's event stream closes
func (s *userSession) broadcast() {
	for ev := range s.ctrl.Events() {
		data, err := json.Marshal(ev)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to marshal event")
			continue
		}

		s.mu.Lock()
		for client := range s.clients {
			select {
			case client.Send <- data:
			default:
				s.log.Warn().Str("client", client.ID).Msg("Client send buffer full, dropping event")
			}
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	for client := range s.clients {
		close(client.Send)
	}
	s.clients = nil
	s.mu.Unlock()
}
