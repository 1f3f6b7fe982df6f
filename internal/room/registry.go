package room

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codecollab/backend/internal/db"
	"github.com/codecollab/backend/internal/protocol"
)

// Registry owns the authoritative in-memory state of every active room.
// The database is a write-through, best-effort mirror: store failures are
// logged and the in-memory state keeps serving broadcasts (the live view
// may diverge from durable storage until the next successful write).
type Registry struct {
	database *db.Database
	logger   *zap.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewRegistry(database *db.Database, logger *zap.Logger) *Registry {
	return &Registry{
		database: database,
		logger:   logger,
		rooms:    make(map[string]*Room),
	}
}

// Result of adding a participant: what the joiner needs to catch up,
// plus the new participant's public fields for the user-joined broadcast.
type JoinResult struct {
	Participant protocol.ParticipantInfo
	Roster      []protocol.ParticipantInfo
	Code        string
	Language    string
	Version     int64
}

// Join finds or creates the room and appends a participant to it.
// Room creation is idempotent: concurrent joins for the same id end up
// on the same Room object, hydrated from the store when a durable record
// exists.
func (reg *Registry) Join(roomID, connID, username string) *JoinResult {
	reg.mu.Lock()
	room, ok := reg.rooms[roomID]
	if !ok {
		room = reg.loadOrCreate(roomID)
		reg.rooms[roomID] = room
	}

	room.mu.Lock()
	reg.mu.Unlock()

	p := &Participant{
		ConnID:   connID,
		Username: username,
		Color:    room.pickColorLocked(),
		JoinedAt: time.Now(),
	}
	room.participants = append(room.participants, p)
	room.lastActivity = time.Now()
	reg.persistLocked(room)

	result := &JoinResult{
		Participant: protocol.ParticipantInfo{ID: p.ConnID, Username: p.Username, Color: p.Color},
		Roster:      room.rosterLocked(),
		Code:        room.code,
		Language:    room.language,
		Version:     room.version,
	}
	room.mu.Unlock()
	return result
}

// loadOrCreate hydrates a room from its durable record, or builds a fresh
// one with the default document. Caller must hold reg.mu.
func (reg *Registry) loadOrCreate(roomID string) *Room {
	rec, err := reg.database.GetRoom(roomID)
	if err != nil {
		reg.logger.Warn("room load failed, starting fresh",
			zap.String("room", roomID), zap.Error(err))
	}
	if rec != nil {
		return roomFromRecord(rec)
	}
	return newRoom(roomID)
}

// Leave removes the participant with the matching connection id.
// The removed participant and the remaining roster size are returned;
// ok is false when neither room nor participant was found. An emptied
// room is released from memory but its durable record is left untouched.
func (reg *Registry) Leave(roomID, connID string) (removed *Participant, remaining int, ok bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	room, found := reg.rooms[roomID]
	if !found {
		return nil, 0, false
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	for i, p := range room.participants {
		if p.ConnID == connID {
			removed = p
			room.participants = append(room.participants[:i], room.participants[i+1:]...)
			break
		}
	}
	if removed == nil {
		return nil, len(room.participants), false
	}

	if len(room.participants) == 0 {
		delete(reg.rooms, roomID)
	} else {
		reg.persistLocked(room)
	}
	return removed, len(room.participants), true
}

// SetCode applies a code mutation, bumping the version. Returns the new
// version, or ok=false when the room is not active (the event is dropped).
func (reg *Registry) SetCode(roomID, code string) (version int64, ok bool) {
	return reg.mutate(roomID, func(room *Room) {
		room.code = code
	})
}

// SetLanguage applies a language mutation, bumping the version.
func (reg *Registry) SetLanguage(roomID, language string) (version int64, ok bool) {
	return reg.mutate(roomID, func(room *Room) {
		room.language = language
	})
}

func (reg *Registry) mutate(roomID string, apply func(*Room)) (int64, bool) {
	reg.mu.RLock()
	room, ok := reg.rooms[roomID]
	reg.mu.RUnlock()
	if !ok {
		return 0, false
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	apply(room)
	room.version++
	room.lastActivity = time.Now()
	reg.persistLocked(room)
	return room.version, true
}

// Get returns an active room.
func (reg *Registry) Get(roomID string) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	room, ok := reg.rooms[roomID]
	return room, ok
}

// Has reports whether the room is active.
func (reg *Registry) Has(roomID string) bool {
	_, ok := reg.Get(roomID)
	return ok
}

// RoomCount returns the number of active rooms.
func (reg *Registry) RoomCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// persistLocked writes the room through to the store. Caller must hold
// room.mu. Failures are logged; the in-memory state stays authoritative.
func (reg *Registry) persistLocked(room *Room) {
	if err := reg.database.SaveRoom(room.record()); err != nil {
		reg.logger.Error("room persist failed",
			zap.String("room", room.ID), zap.Error(err))
	}
}
