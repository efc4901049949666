package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-calls/internal/logger"
	"github.com/mossy-p/webrtc-calls/internal/middleware"
)

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login handles user login and JWT generation.
// For demo purposes, accepts any username/password combination; the
// username becomes the participant identity used for calls.
func Login(jwtSecret string, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}

		userID := req.Username
		token, err := middleware.IssueToken(jwtSecret, userID, ttl)
		if err != nil {
			logger.From(c.Request.Context()).Error().Err(err).Msg("Failed to sign token")
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate token",
			})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{
			Token:  token,
			UserID: userID,
		})
	}
}
