package handlers

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-calls/internal/logger"
	"github.com/mossy-p/webrtc-calls/internal/middleware"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/session"
)

// CallReader looks up call records
type CallReader interface {
	Get(ctx context.Context, callID string) (models.CallRecord, error)
}

// PlaceCallRequest represents the body of POST /api/calls
type PlaceCallRequest struct {
	Recipients []string `json:"recipients" binding:"required,min=1,dive,required"`
}

// CallHandler exposes the session controller actions over HTTP
type CallHandler struct {
	hub   *Hub
	calls CallReader
}

func NewCallHandler(hub *Hub, calls CallReader) *CallHandler {
	return &CallHandler{hub: hub, calls: calls}
}

// PlaceCall starts a call from the authenticated user
func (h *CallHandler) PlaceCall(c *gin.Context) {
	var req PlaceCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	callID, err := ctrl.PlaceCall(c.Request.Context(), req.Recipients)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"callId": callID,
		"state":  ctrl.State(),
	})
}

// AcceptCall answers an incoming call. Losing the race is a 200 with the
// result and the winner, not an error.
func (h *CallHandler) AcceptCall(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	outcome, err := ctrl.Accept(c.Request.Context(), c.Param("callId"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"callId": c.Param("callId"),
		"result": outcome.Result,
		"by":     outcome.By,
		"state":  ctrl.State(),
	})
}

// RejectCall declines an incoming call
func (h *CallHandler) RejectCall(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	if err := ctrl.Reject(c.Request.Context(), c.Param("callId")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"callId": c.Param("callId"), "status": "rejected"})
}

// EndCall hangs up the user's current call, if any
func (h *CallHandler) EndCall(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	if err := ctrl.EndCall(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": ctrl.State()})
}

// GetCall returns a call record to its caller or one of its recipients
func (h *CallHandler) GetCall(c *gin.Context) {
	user := middleware.UserID(c)
	rec, err := h.calls.Get(c.Request.Context(), c.Param("callId"))
	if err != nil {
		respondError(c, err)
		return
	}
	if rec.Caller != user && !slices.Contains(rec.Recipients, user) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Call not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetSession reports the user's controller state
func (h *CallHandler) GetSession(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":   ctrl.Self(),
		"state":  ctrl.State(),
		"callId": ctrl.CallID(),
	})
}

func (h *CallHandler) controller(c *gin.Context) (*session.Controller, bool) {
	user := middleware.UserID(c)
	if user == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return nil, false
	}
	ctrl, err := h.hub.Controller(user)
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return ctrl, true
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.From(c.Request.Context()).Error().Err(err).Msg("Call action failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, models.ErrCallNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNotRecipient):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInvalidRecipients), errors.Is(err, models.ErrInvalidMessage):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNegotiationFailed):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrChannelUnavailable),
		errors.Is(err, session.ErrClosed),
		errors.Is(err, errHubClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
