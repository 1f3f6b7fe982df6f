package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/codecollab/backend/internal/config"
	"github.com/codecollab/backend/internal/protocol"
	"github.com/codecollab/backend/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one duplex connection bound to a room's broadcast group.
type Client struct {
	hub      *Hub
	sessions *session.Handler
	conn     *websocket.Conn
	logger   *zap.Logger

	send     chan []byte
	id       string
	roomID   string
	username string
	limiter  *rate.Limiter
	readMax  int64

	// sendMu serializes Send against closeSend; the hub closes dropped
	// connections while their read pumps may still be producing replies.
	sendMu sync.Mutex
	closed bool
}

var _ session.Conn = (*Client)(nil)

// ServeWs upgrades an inbound connection and runs the join flow. Both
// routing parameters are required; a request missing either is refused
// before the upgrade with no side effects.
func ServeWs(hub *Hub, sessions *session.Handler, cfg *config.Config, logger *zap.Logger, w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	username := r.URL.Query().Get("username")
	if roomID == "" || username == "" {
		http.Error(w, "missing room or username", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:      hub,
		sessions: sessions,
		conn:     conn,
		logger:   logger,
		send:     make(chan []byte, sendBufferSize),
		id:       uuid.NewString(),
		roomID:   roomID,
		username: username,
		limiter:  rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.MessageBurst),
		readMax:  cfg.MaxMessageBytes,
	}

	hub.Register(client)

	go client.writePump()
	sessions.HandleJoin(client)
	go client.readPump()
}

func (c *Client) ID() string       { return c.id }
func (c *Client) Username() string { return c.username }
func (c *Client) RoomID() string   { return c.roomID }

// Send queues an event for this connection only. Events for a slow
// consumer are dropped.
func (c *Client) Send(ev protocol.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("event marshal failed", zap.String("event", string(ev.Type)), zap.Error(err))
		return
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// closeSend shuts the connection's outbound channel, which ends writePump.
// Idempotent; a Send racing with it becomes a no-op instead of a write on
// a closed channel.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.sendMu.Unlock()
}

// BroadcastOthers queues an event for every other connection in the room.
func (c *Client) BroadcastOthers(roomID string, ev protocol.Event) {
	c.enqueueBroadcast(roomID, ev, false)
}

// BroadcastAll queues an event for the whole room, this connection included.
func (c *Client) BroadcastAll(roomID string, ev protocol.Event) {
	c.enqueueBroadcast(roomID, ev, true)
}

func (c *Client) enqueueBroadcast(roomID string, ev protocol.Event, includeSender bool) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("event marshal failed", zap.String("event", string(ev.Type)), zap.Error(err))
		return
	}
	c.hub.broadcast <- &broadcastMsg{
		roomID:        roomID,
		data:          data,
		sender:        c,
		includeSender: includeSender,
	}
}

func (c *Client) readPump() {
	defer func() {
		c.sessions.HandleDisconnect(c)
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.readMax)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error",
					zap.String("conn", c.id), zap.Error(err))
			}
			break
		}

		if !c.limiter.Allow() {
			c.logger.Warn("rate limit exceeded, dropping message",
				zap.String("conn", c.id), zap.String("room", c.roomID))
			continue
		}

		var ev protocol.Event
		if err := json.Unmarshal(message, &ev); err != nil {
			c.logger.Warn("malformed event dropped",
				zap.String("conn", c.id), zap.Error(err))
			continue
		}

		c.dispatch(ev)
	}
}

// dispatch demultiplexes an inbound event to its handler. Unknown events
// and undecodable payloads are dropped.
func (c *Client) dispatch(ev protocol.Event) {
	switch ev.Type {
	case protocol.EventCodeChange:
		var p protocol.CodeChange
		if err := ev.Decode(&p); err != nil {
			c.logger.Warn("bad code-change payload", zap.String("conn", c.id), zap.Error(err))
			return
		}
		c.sessions.HandleCodeChange(c, p)

	case protocol.EventLanguageChange:
		var p protocol.LanguageChange
		if err := ev.Decode(&p); err != nil {
			c.logger.Warn("bad language-change payload", zap.String("conn", c.id), zap.Error(err))
			return
		}
		c.sessions.HandleLanguageChange(c, p)

	case protocol.EventChatMessage:
		var p protocol.ChatMessage
		if err := ev.Decode(&p); err != nil {
			c.logger.Warn("bad chat-message payload", zap.String("conn", c.id), zap.Error(err))
			return
		}
		c.sessions.HandleChatMessage(c, p)

	case protocol.EventCursorPosition:
		var p protocol.CursorPosition
		if err := ev.Decode(&p); err != nil {
			c.logger.Warn("bad cursor-position payload", zap.String("conn", c.id), zap.Error(err))
			return
		}
		c.sessions.HandleCursor(c, p)

	case protocol.EventRequestSnapshot:
		var p protocol.SnapshotRequest
		if err := ev.Decode(&p); err != nil {
			c.logger.Warn("bad request-snapshot payload", zap.String("conn", c.id), zap.Error(err))
			return
		}
		c.sessions.HandleSnapshot(c, p)

	default:
		c.logger.Warn("unknown event dropped",
			zap.String("conn", c.id), zap.String("event", string(ev.Type)))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
