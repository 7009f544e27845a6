package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"perpcore/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origins are enforced by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and streams hub events to it as
// JSON messages. The optional "types" query parameter is a comma-separated
// event type filter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	types, err := events.ParseTypes(strings.Split(r.URL.Query().Get("types"), ","))
	if err != nil {
		writeErr(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sub := s.hub.Subscribe(types...)
	ctx, cancel := context.WithCancel(s.streams)
	c := &wsClient{conn: conn, sub: sub, log: s.log.With("subID", sub.ID())}
	c.log.Info("websocket client connected", "remote", r.RemoteAddr)

	go c.readPump(cancel)
	go c.pingLoop(ctx, cancel)
	c.writePump(ctx)
	cancel()
	c.log.Info("websocket client disconnected", "dropped", sub.Dropped())
}

// wsClient bridges one hub subscription to one WebSocket connection.
type wsClient struct {
	conn *websocket.Conn
	sub  *events.Subscription
	log  *slog.Logger
}

// readPump discards inbound messages and watches for the peer going away.
func (c *wsClient) readPump(cancel context.CancelFunc) {
	defer cancel()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read error", "error", err)
			}
			return
		}
	}
}

func (c *wsClient) pingLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				cancel()
				return
			}
		}
	}
}

// writePump delivers events until ctx is cancelled or a write fails.
func (c *wsClient) writePump(ctx context.Context) {
	defer func() {
		c.sub.Close()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.conn.Close()
	}()

	for {
		msg, err := c.sub.Next(ctx)
		if err != nil {
			return
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			c.log.Warn("websocket write failed", "seq", msg.Seq, "error", err)
			return
		}
	}
}
