package room

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/codecollab/backend/internal/db"
	"github.com/codecollab/backend/internal/protocol"
)

// Code and language a brand-new room starts with
const (
	DefaultCode     = "// Start coding together!"
	DefaultLanguage = "javascript"
)

// Display colors handed out to participants
var Palette = []string{"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A", "#98D8C8", "#F7DC6F"}

// One live connection's identity inside a room
type Participant struct {
	ConnID   string    `json:"id"`
	Username string    `json:"username"`
	Color    string    `json:"color"`
	JoinedAt time.Time `json:"joinedAt"`
}

// A collaborative session: the shared document, its version counter and
// the roster of live participants, keyed by an external identifier.
//
// All state is guarded by mu. Every read-modify-persist cycle runs under
// it, which makes the room its own single-writer serialization point:
// two concurrent mutations on the same room can never both observe
// version N and both write N+1.
type Room struct {
	ID string

	mu           sync.Mutex
	code         string
	language     string
	version      int64
	participants []*Participant
	lastActivity time.Time
}

func newRoom(id string) *Room {
	return &Room{
		ID:           id,
		code:         DefaultCode,
		language:     DefaultLanguage,
		lastActivity: time.Now(),
	}
}

// Rebuilds a room from its durable record. The stored roster is stale by
// definition (those connections are gone), so the live roster starts empty.
func roomFromRecord(rec *db.Room) *Room {
	return &Room{
		ID:           rec.ID,
		code:         rec.CurrentCode,
		language:     rec.Language,
		version:      rec.Version,
		lastActivity: rec.LastActivity,
	}
}

// record builds the durable form of the room. Caller must hold mu.
func (r *Room) record() *db.Room {
	roster, err := json.Marshal(r.rosterLocked())
	if err != nil {
		roster = []byte("[]")
	}
	return &db.Room{
		ID:           r.ID,
		Participants: string(roster),
		CurrentCode:  r.code,
		Language:     r.language,
		Version:      r.version,
		LastActivity: r.lastActivity,
	}
}

// rosterLocked returns the participants' public fields in join order.
// Caller must hold mu.
func (r *Room) rosterLocked() []protocol.ParticipantInfo {
	roster := make([]protocol.ParticipantInfo, len(r.participants))
	for i, p := range r.participants {
		roster[i] = protocol.ParticipantInfo{ID: p.ConnID, Username: p.Username, Color: p.Color}
	}
	return roster
}

// pickColorLocked selects the first palette color not currently in use,
// falling back to round-robin reuse once all colors are taken.
// Caller must hold mu.
func (r *Room) pickColorLocked() string {
	inUse := make(map[string]bool, len(r.participants))
	for _, p := range r.participants {
		inUse[p.Color] = true
	}
	for _, color := range Palette {
		if !inUse[color] {
			return color
		}
	}
	return Palette[len(r.participants)%len(Palette)]
}

// Roster returns the current participants' public fields in join order.
func (r *Room) Roster() []protocol.ParticipantInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterLocked()
}

// Document returns the current code, language and version.
func (r *Room) Document() (code, language string, version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code, r.language, r.version
}

// ParticipantCount returns the number of live participants.
func (r *Room) ParticipantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}
