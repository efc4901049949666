package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-calls/internal/channel/memory"
	"github.com/mossy-p/webrtc-calls/internal/engine"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/registry"
	"github.com/mossy-p/webrtc-calls/internal/relay"
	"github.com/mossy-p/webrtc-calls/internal/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type stubEngine struct {
	candidates chan string
	states     chan engine.ConnectionState
}

func newStubEngine(string) (engine.Engine, error) {
	return &stubEngine{candidates: make(chan string), states: make(chan engine.ConnectionState)}, nil
}

func (e *stubEngine) CreateOffer(context.Context) (string, error)  { return "offer", nil }
func (e *stubEngine) CreateAnswer(context.Context) (string, error) { return "answer", nil }
func (e *stubEngine) ApplyRemoteDescription(context.Context, string, models.SignalKind) error {
	return nil
}
func (e *stubEngine) ApplyRemoteCandidate(context.Context, string) error { return nil }
func (e *stubEngine) LocalCandidates() <-chan string                     { return e.candidates }
func (e *stubEngine) ConnectionStates() <-chan engine.ConnectionState    { return e.states }
func (e *stubEngine) Close() error                                       { return nil }

type testServer struct {
	router *gin.Engine
	reg    *registry.Registry
	ch     *memory.Channel
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ch := memory.New()
	reg := registry.New(ch, zerolog.Nop())
	hub := NewHub(context.Background(), HubConfig{
		Registry:  reg,
		Relay:     relay.New(ch, zerolog.Nop()),
		Engines:   newStubEngine,
		IOTimeout: time.Second,
		Logger:    zerolog.Nop(),
	})
	t.Cleanup(hub.Close)

	router := NewRouter(RouterConfig{
		Hub:            hub,
		Calls:          reg,
		JWTSecret:      testSecret,
		TokenTTL:       time.Hour,
		AllowedOrigins: []string{"http://localhost:3000"},
		Logger:         zerolog.Nop(),
	})
	return &testServer{router: router, reg: reg, ch: ch}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) login(t *testing.T, user string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: user, Password: "pw"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, user, resp.UserID)
	return resp.Token
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestLogin_Validation(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCallsRequireAuth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/api/calls", "", PlaceCallRequest{Recipients: []string{"bob"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOriginFilter(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodOptions, "/api/calls", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestPlaceAcceptEndFlow(t *testing.T) {
	s := newTestServer(t)
	alice := s.login(t, "alice")
	bob := s.login(t, "bob")
	carol := s.login(t, "carol")

	w := s.do(t, http.MethodPost, "/api/calls", alice, PlaceCallRequest{Recipients: []string{"bob", "carol"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode(t, w)
	callID := created["callId"].(string)
	assert.Equal(t, string(session.StateOriginating), created["state"])

	w = s.do(t, http.MethodPost, "/api/calls", alice, PlaceCallRequest{Recipients: []string{"dave"}})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodGet, "/api/calls/"+callID, bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rec models.CallRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, models.CallStatusRinging, rec.Status)
	assert.Equal(t, "alice", rec.Caller)

	w = s.do(t, http.MethodPost, "/api/calls/"+callID+"/accept", bob, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	accepted := decode(t, w)
	assert.Equal(t, string(models.AnswerAccepted), accepted["result"])
	assert.Equal(t, "bob", accepted["by"])

	w = s.do(t, http.MethodPost, "/api/calls/"+callID+"/accept", carol, nil)
	require.Equal(t, http.StatusOK, w.Code)
	lost := decode(t, w)
	assert.Equal(t, string(models.AnswerAlreadyAnswered), lost["result"])
	assert.Equal(t, "bob", lost["by"])

	require.Eventually(t, func() bool {
		w := s.do(t, http.MethodGet, "/api/session", alice, nil)
		return decode(t, w)["state"] == string(session.StateNegotiating)
	}, 2*time.Second, 10*time.Millisecond)

	w = s.do(t, http.MethodPost, "/api/calls/end", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(session.StateIdle), decode(t, w)["state"])

	got, err := s.reg.Get(context.Background(), callID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusEnded, got.Status)

	require.Eventually(t, func() bool {
		w := s.do(t, http.MethodGet, "/api/session", bob, nil)
		return decode(t, w)["state"] == string(session.StateIdle)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRejectAndErrors(t *testing.T) {
	s := newTestServer(t)
	alice := s.login(t, "alice")
	bob := s.login(t, "bob")
	mallory := s.login(t, "mallory")

	w := s.do(t, http.MethodPost, "/api/calls", alice, PlaceCallRequest{Recipients: []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodPost, "/api/calls", alice, PlaceCallRequest{Recipients: []string{"alice"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/calls", alice, PlaceCallRequest{Recipients: []string{"bob"}})
	require.Equal(t, http.StatusCreated, w.Code)
	callID := decode(t, w)["callId"].(string)

	w = s.do(t, http.MethodGet, "/api/calls/"+callID, mallory, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodGet, "/api/calls/missing", bob, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/calls/"+callID+"/accept", mallory, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/calls/"+callID+"/reject", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)

	require.Eventually(t, func() bool {
		w := s.do(t, http.MethodGet, "/api/session", alice, nil)
		return decode(t, w)["state"] == string(session.StateIdle)
	}, 2*time.Second, 10*time.Millisecond)

	s.ch.SetUnavailable(true)
	w = s.do(t, http.MethodPost, "/api/calls", alice, PlaceCallRequest{Recipients: []string{"bob"}})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestEndCallSucceedsWhenChannelUnavailable(t *testing.T) {
	s := newTestServer(t)
	alice := s.login(t, "alice")

	w := s.do(t, http.MethodPost, "/api/calls", alice, PlaceCallRequest{Recipients: []string{"bob"}})
	require.Equal(t, http.StatusCreated, w.Code)

	s.ch.SetUnavailable(true)
	w = s.do(t, http.MethodPost, "/api/calls/end", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(session.StateIdle), decode(t, w)["state"])
}

func TestEventStream(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	bob := s.login(t, "bob")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?token=" + bob
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	rec, err := s.reg.Announce(context.Background(), "alice", []string{"bob"})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev session.Event
		require.NoError(t, json.Unmarshal(data, &ev))
		if ev.Type == session.EventIncomingCall {
			assert.Equal(t, rec.CallID, ev.CallID)
			assert.Equal(t, "alice", ev.Peer)
			return
		}
	}
}

func TestEventStreamRequiresToken(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
