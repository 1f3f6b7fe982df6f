package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type Database struct {
	db     *sql.DB
	logger *zap.Logger
}

// Durable form of a room. Participants is the JSON-encoded roster as of
// the last write; the live roster is owned by the in-memory registry.
type Room struct {
	ID           string    `json:"id"`
	Participants string    `json:"participants"`
	CurrentCode  string    `json:"current_code"`
	Language     string    `json:"language"`
	Version      int64     `json:"version"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
}

type ChatMessage struct {
	ID        int64     `json:"id"`
	RoomID    string    `json:"roomId"`
	Username  string    `json:"username"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type Snapshot struct {
	ID        int64     `json:"id"`
	RoomID    string    `json:"room_id"`
	Code      string    `json:"code"`
	Language  string    `json:"language"`
	Version   int64     `json:"version"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

func New(dbPath string, logger *zap.Logger) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("path", dbPath))
	return &Database{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		participants TEXT NOT NULL DEFAULT '[]',
		current_code TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT 'javascript',
		version INTEGER NOT NULL DEFAULT 0,
		last_activity DATETIME DEFAULT CURRENT_TIMESTAMP,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		username TEXT NOT NULL,
		text TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_timestamp ON messages(room_id, timestamp);

	CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		code TEXT NOT NULL,
		language TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_room_id ON snapshots(room_id, created_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room operations

// SaveRoom writes the full durable state of a room, inserting or updating.
func (d *Database) SaveRoom(room *Room) error {
	_, err := d.db.Exec(`
		INSERT INTO rooms (id, participants, current_code, language, version, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participants = excluded.participants,
			current_code = excluded.current_code,
			language = excluded.language,
			version = excluded.version,
			last_activity = excluded.last_activity
	`, room.ID, room.Participants, room.CurrentCode, room.Language, room.Version, room.LastActivity)
	return err
}

// GetRoom returns the durable room record, or nil if none exists.
func (d *Database) GetRoom(id string) (*Room, error) {
	row := d.db.QueryRow(`
		SELECT id, participants, current_code, language, version, last_activity, created_at
		FROM rooms WHERE id = ?
	`, id)

	var room Room
	err := row.Scan(&room.ID, &room.Participants, &room.CurrentCode, &room.Language,
		&room.Version, &room.LastActivity, &room.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (d *Database) ListRooms(limit, offset int) ([]Room, error) {
	rows, err := d.db.Query(`
		SELECT id, participants, current_code, language, version, last_activity, created_at
		FROM rooms ORDER BY last_activity DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Participants, &room.CurrentCode, &room.Language,
			&room.Version, &room.LastActivity, &room.CreatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// Chat message operations

func (d *Database) SaveMessage(msg *ChatMessage) error {
	result, err := d.db.Exec(
		"INSERT INTO messages (room_id, username, text, timestamp) VALUES (?, ?, ?, ?)",
		msg.RoomID, msg.Username, msg.Text, msg.Timestamp,
	)
	if err != nil {
		return err
	}
	if id, err := result.LastInsertId(); err == nil {
		msg.ID = id
	}
	return nil
}

// RecentMessages returns up to limit of the newest messages in a room,
// ordered by timestamp ascending for transcript replay.
func (d *Database) RecentMessages(roomID string, limit int) ([]ChatMessage, error) {
	rows, err := d.db.Query(`
		SELECT id, room_id, username, text, timestamp FROM (
			SELECT id, room_id, username, text, timestamp
			FROM messages
			WHERE room_id = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]ChatMessage, 0)
	for rows.Next() {
		var msg ChatMessage
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.Username, &msg.Text, &msg.Timestamp); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Snapshot operations

func (d *Database) SaveSnapshot(snap *Snapshot) error {
	result, err := d.db.Exec(`
		INSERT INTO snapshots (room_id, code, language, version, created_by)
		VALUES (?, ?, ?, ?, ?)
	`, snap.RoomID, snap.Code, snap.Language, snap.Version, snap.CreatedBy)
	if err != nil {
		return err
	}
	if id, err := result.LastInsertId(); err == nil {
		snap.ID = id
	}
	return nil
}

// GetSnapshot returns a snapshot by ID, or nil if none exists.
func (d *Database) GetSnapshot(id int64) (*Snapshot, error) {
	row := d.db.QueryRow(`
		SELECT id, room_id, code, language, version, created_by, created_at
		FROM snapshots WHERE id = ?
	`, id)

	var snap Snapshot
	err := row.Scan(&snap.ID, &snap.RoomID, &snap.Code, &snap.Language,
		&snap.Version, &snap.CreatedBy, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListSnapshots returns a room's snapshots, newest first.
func (d *Database) ListSnapshots(roomID string, limit, offset int) ([]Snapshot, error) {
	rows, err := d.db.Query(`
		SELECT id, room_id, code, language, version, created_by, created_at
		FROM snapshots
		WHERE room_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, roomID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		var snap Snapshot
		if err := rows.Scan(&snap.ID, &snap.RoomID, &snap.Code, &snap.Language,
			&snap.Version, &snap.CreatedBy, &snap.CreatedAt); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, rows.Err()
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var roomCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM rooms").Scan(&roomCount); err != nil {
		return nil, err
	}
	stats["room_count"] = roomCount

	var messageCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&messageCount); err != nil {
		return nil, err
	}
	stats["message_count"] = messageCount

	var snapshotCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM snapshots").Scan(&snapshotCount); err != nil {
		return nil, err
	}
	stats["snapshot_count"] = snapshotCount

	return stats, nil
}
