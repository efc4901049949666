package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-calls/internal/logger"
	"github.com/mossy-p/webrtc-calls/internal/middleware"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	ID   string
	User string
	Conn *websocket.Conn
	Send chan []byte
	log  zerolog.Logger
}

// HandleEvents streams the authenticated user's session events over a
// WebSocket. The stream is server to client only; anything the client
// sends is read and discarded to keep pong handling alive.
func (h *CallHandler) HandleEvents(c *gin.Context) {
	user := middleware.UserID(c)
	log := logger.From(c.Request.Context()).With().Str("user", user).Logger()

	client := &Client{
		ID:   uuid.NewString(),
		User: user,
		Send: make(chan []byte, 256),
	}
	client.log = log.With().Str("client", client.ID).Logger()

	// Attach before upgrading so nothing emitted after the handshake is missed.
	if err := h.hub.Subscribe(user, client); err != nil {
		respondError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		client.log.Warn().Err(err).Msg("Failed to upgrade connection")
		h.hub.Unsubscribe(user, client)
		return
	}
	client.Conn = conn
	client.log.Info().Msg("Event stream opened")

	go client.writePump()
	go client.readPump(h.hub)
}

func (c *Client) readPump(hub *Hub) {
	defer func() {
		hub.Unsubscribe(c.User, c)
		c.Conn.Close()
		c.log.Info().Msg("Event stream closed")
	}()

	c.Conn.SetReadLimit(4096)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Warn().Err(err).Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
