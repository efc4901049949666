package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-calls/internal/logger"
	"github.com/rs/zerolog"
)

const RequestIDHeader = "X-Request-Id"

// RequestLogger tags every request with a request id, puts a request-scoped
// logger in the request context and logs the outcome.
func RequestLogger(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(RequestIDHeader, requestID)

		l := base.With().Str("request_id", requestID).Logger()
		c.Request = c.Request.WithContext(logger.With(c.Request.Context(), l))

		c.Next()

		status := c.Writer.Status()
		ev := l.Info()
		switch {
		case status >= 500:
			ev = l.Error()
		case status >= 400:
			ev = l.Warn()
		}
		if user := UserID(c); user != "" {
			ev = ev.Str("user", user)
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("Request handled")
	}
}
