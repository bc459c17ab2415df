package controllers

import (
	"net/http"
	"time"

	"pushwatch/internal/middleware"
	"pushwatch/internal/models"
	"pushwatch/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// StreamController upgrades authenticated clients to the live record feed.
type StreamController struct {
	feed     *services.RecordFeed
	security *middleware.SecurityLogger
	log      logr.Logger
	upgrader websocket.Upgrader
}

func NewStreamController(feed *services.RecordFeed, security *middleware.SecurityLogger, log logr.Logger) *StreamController {
	return &StreamController{
		feed:     feed,
		security: security,
		log:      log.WithName("stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Every stream request already carries a valid bearer token
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleStream handles incoming WebSocket connections
func (sc *StreamController) HandleStream(c *gin.Context) {
	ws, err := sc.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sc.log.Info("websocket upgrade failed", "ip", c.ClientIP(), "error", err.Error())
		return
	}

	principal, _ := middleware.PrincipalFrom(c)
	sc.security.LogStreamConnected(c.ClientIP(), principal)

	client := sc.feed.Subscribe(c.ClientIP() + "-" + uuid.NewString()[:8])
	replies := make(chan models.FeedMessage, 8)

	go sc.readPump(ws, client, replies)
	go sc.writePump(ws, client, replies)
}

// readPump reads control messages from the WebSocket client
func (sc *StreamController) readPump(ws *websocket.Conn, client *services.ClientConnection, replies chan<- models.FeedMessage) {
	defer func() {
		sc.feed.Unsubscribe(client.ID)
		ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg models.FeedRequest
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sc.log.V(1).Info("websocket read error", "client", client.ID, "error", err.Error())
			}
			return
		}

		switch msg.Type {
		case "ping":
			reply(replies, models.FeedMessage{Type: "pong"})
		case "unsubscribe":
			return
		default:
			reply(replies, models.FeedMessage{Type: "error", Error: "unknown message type: " + msg.Type})
		}
	}
}

// writePump writes feed records and replies to the WebSocket client
func (sc *StreamController) writePump(ws *websocket.Conn, client *services.ClientConnection, replies <-chan models.FeedMessage) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Unsubscribed or feed stopped
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := ws.WriteJSON(msg); err != nil {
				sc.log.V(1).Info("websocket write error", "client", client.ID, "error", err.Error())
				return
			}

		case msg := <-replies:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func reply(replies chan<- models.FeedMessage, msg models.FeedMessage) {
	select {
	case replies <- msg:
	default:
	}
}
