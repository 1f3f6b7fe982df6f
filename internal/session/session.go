// Package session applies inbound room events: presence, document sync,
// chat and snapshots. Handlers mutate the room registry, write through to
// the store and fan results back out over the caller's broadcast group.
package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/codecollab/backend/internal/db"
	"github.com/codecollab/backend/internal/protocol"
	"github.com/codecollab/backend/internal/room"
)

// ChatHistoryLimit caps the transcript replayed to a joining connection.
const ChatHistoryLimit = 100

// Conn is one live connection as the handlers see it: an identity plus
// the send primitives of its room's broadcast group.
type Conn interface {
	ID() string
	Username() string
	RoomID() string

	// Send delivers an event to this connection only.
	Send(ev protocol.Event)
	// BroadcastOthers delivers an event to every other connection in the room.
	BroadcastOthers(roomID string, ev protocol.Event)
	// BroadcastAll delivers an event to every connection in the room,
	// this one included.
	BroadcastAll(roomID string, ev protocol.Event)
}

type Handler struct {
	registry *room.Registry
	database *db.Database
	logger   *zap.Logger
}

func New(registry *room.Registry, database *db.Database, logger *zap.Logger) *Handler {
	return &Handler{
		registry: registry,
		database: database,
		logger:   logger,
	}
}

// HandleJoin runs the join flow: the connection's participant enters the
// room, the joiner receives the current document, the chat transcript and
// the roster, and everyone else learns about the new participant.
func (h *Handler) HandleJoin(c Conn) {
	result := h.registry.Join(c.RoomID(), c.ID(), c.Username())

	h.send(c, protocol.EventCodeSnapshot, result.Code)
	h.send(c, protocol.EventLanguageUpdate, result.Language)

	history, err := h.database.RecentMessages(c.RoomID(), ChatHistoryLimit)
	if err != nil {
		h.logger.Error("chat history load failed",
			zap.String("room", c.RoomID()), zap.Error(err))
		history = []db.ChatMessage{}
	}
	h.send(c, protocol.EventChatHistory, history)

	h.send(c, protocol.EventRoomJoined, protocol.RoomJoined{Participants: result.Roster})
	h.broadcastOthers(c, c.RoomID(), protocol.EventUserJoined, result.Participant)

	h.logger.Info("participant joined",
		zap.String("room", c.RoomID()),
		zap.String("conn", c.ID()),
		zap.String("username", c.Username()),
		zap.Int("roster", len(result.Roster)))
}

// HandleDisconnect removes the participant and tells the rest of the room.
// An emptied room keeps its durable record unchanged.
func (h *Handler) HandleDisconnect(c Conn) {
	removed, remaining, ok := h.registry.Leave(c.RoomID(), c.ID())
	if !ok {
		return
	}

	h.broadcastOthers(c, c.RoomID(), protocol.EventUserLeft, removed.ConnID)

	h.logger.Info("participant left",
		zap.String("room", c.RoomID()),
		zap.String("conn", removed.ConnID),
		zap.String("username", removed.Username),
		zap.Int("remaining", remaining))
}

// HandleCodeChange overwrites the room's code (last write wins) and
// broadcasts it to everyone except the sender, who already has it.
// Events for rooms that are not active are dropped.
func (h *Handler) HandleCodeChange(c Conn, p protocol.CodeChange) {
	version, ok := h.registry.SetCode(p.RoomID, p.Code)
	if !ok {
		h.logger.Debug("code-change for unknown room dropped", zap.String("room", p.RoomID))
		return
	}

	h.broadcastOthers(c, p.RoomID, protocol.EventCodeUpdate, p.Code)
	h.logger.Debug("code updated",
		zap.String("room", p.RoomID), zap.Int64("version", version))
}

// HandleLanguageChange is the language counterpart of HandleCodeChange.
func (h *Handler) HandleLanguageChange(c Conn, p protocol.LanguageChange) {
	version, ok := h.registry.SetLanguage(p.RoomID, p.Language)
	if !ok {
		h.logger.Debug("language-change for unknown room dropped", zap.String("room", p.RoomID))
		return
	}

	h.broadcastOthers(c, p.RoomID, protocol.EventLanguageUpdate, p.Language)
	h.logger.Debug("language updated",
		zap.String("room", p.RoomID),
		zap.String("language", p.Language),
		zap.Int64("version", version))
}

// HandleChatMessage appends to the transcript and broadcasts to the whole
// room, sender included. The timestamp is the sender's; it is assigned by
// the server only when the client omitted it.
func (h *Handler) HandleChatMessage(c Conn, p protocol.ChatMessage) {
	if !h.registry.Has(p.RoomID) {
		h.logger.Debug("chat-message for unknown room dropped", zap.String("room", p.RoomID))
		return
	}

	ts := time.UnixMilli(p.Timestamp).UTC()
	if p.Timestamp == 0 {
		ts = time.Now().UTC()
	}
	msg := &db.ChatMessage{
		RoomID:    p.RoomID,
		Username:  p.Username,
		Text:      p.Text,
		Timestamp: ts,
	}
	if err := h.database.SaveMessage(msg); err != nil {
		// Best effort: the live room still sees the message.
		h.logger.Error("chat message persist failed",
			zap.String("room", p.RoomID), zap.Error(err))
	}

	h.broadcastAll(c, p.RoomID, protocol.EventChatMessage, msg)
}

// HandleCursor relays an opaque cursor position to the rest of the room.
// Cursor traffic is ephemeral and never persisted.
func (h *Handler) HandleCursor(c Conn, p protocol.CursorPosition) {
	h.broadcastOthers(c, p.RoomID, protocol.EventCursorUpdate, protocol.CursorUpdate{
		UserID:   c.ID(),
		Username: c.Username(),
		Position: p.Position,
	})
}

// HandleSnapshot captures the room's current document as an immutable
// snapshot attributed to the requester. Only the requester is told the
// outcome; failure leaves the room untouched.
func (h *Handler) HandleSnapshot(c Conn, p protocol.SnapshotRequest) {
	r, ok := h.registry.Get(p.RoomID)
	if !ok {
		h.send(c, protocol.EventSnapshotSaved, protocol.SnapshotSaved{
			Success: false,
			Error:   "room not found",
		})
		return
	}

	code, language, version := r.Document()
	snap := &db.Snapshot{
		RoomID:    p.RoomID,
		Code:      code,
		Language:  language,
		Version:   version,
		CreatedBy: c.Username(),
	}
	if err := h.database.SaveSnapshot(snap); err != nil {
		h.logger.Error("snapshot persist failed",
			zap.String("room", p.RoomID), zap.Error(err))
		h.send(c, protocol.EventSnapshotSaved, protocol.SnapshotSaved{
			Success: false,
			Error:   "failed to save snapshot",
		})
		return
	}

	h.send(c, protocol.EventSnapshotSaved, protocol.SnapshotSaved{Success: true})
	h.logger.Info("snapshot saved",
		zap.String("room", p.RoomID),
		zap.Int64("version", version),
		zap.String("created_by", c.Username()))
}

func (h *Handler) send(c Conn, t protocol.EventType, payload interface{}) {
	ev, err := protocol.Make(t, payload)
	if err != nil {
		h.logger.Error("event encode failed", zap.String("event", string(t)), zap.Error(err))
		return
	}
	c.Send(ev)
}

func (h *Handler) broadcastOthers(c Conn, roomID string, t protocol.EventType, payload interface{}) {
	ev, err := protocol.Make(t, payload)
	if err != nil {
		h.logger.Error("event encode failed", zap.String("event", string(t)), zap.Error(err))
		return
	}
	c.BroadcastOthers(roomID, ev)
}

func (h *Handler) broadcastAll(c Conn, roomID string, t protocol.EventType, payload interface{}) {
	ev, err := protocol.Make(t, payload)
	if err != nil {
		h.logger.Error("event encode failed", zap.String("event", string(t)), zap.Error(err))
		return
	}
	c.BroadcastAll(roomID, ev)
}
