package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/webrtc-calls/internal/middleware"
	"github.com/rs/zerolog"
)

// RouterConfig is everything the HTTP surface needs
type RouterConfig struct {
	Hub            *Hub
	Calls          CallReader
	JWTSecret      string
	TokenTTL       time.Duration
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// NewRouter builds the gin engine with every route mounted
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(cfg.Logger))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	calls := NewCallHandler(cfg.Hub, cfg.Calls)
	auth := middleware.JWTAuth(cfg.JWTSecret)

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret, cfg.TokenTTL))

		authed := apiGroup.Group("", auth)
		authed.GET("/session", calls.GetSession)
		authed.POST("/calls", calls.PlaceCall)
		authed.POST("/calls/end", calls.EndCall)
		authed.GET("/calls/:callId", calls.GetCall)
		authed.POST("/calls/:callId/accept", calls.AcceptCall)
		authed.POST("/calls/:callId/reject", calls.RejectCall)
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/events", auth, calls.HandleEvents)
	}

	return router
}
