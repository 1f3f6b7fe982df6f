package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codecollab/backend/internal/db"
	"github.com/codecollab/backend/internal/ws"
)

// Read-side REST surface next to the socket: health, stats, and listings
// of durable rooms and snapshots.
type API struct {
	hub      *ws.Hub
	database *db.Database
	logger   *zap.Logger
}

func New(hub *ws.Hub, database *db.Database, logger *zap.Logger) *API {
	return &API{
		hub:      hub,
		database: database,
		logger:   logger,
	}
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Error("encoding JSON response failed", zap.Error(err))
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	dbStats, err := a.database.GetStats()
	if err == nil {
		stats["total_rooms"] = dbStats["room_count"]
		stats["total_messages"] = dbStats["message_count"]
		stats["total_snapshots"] = dbStats["snapshot_count"]
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID           string    `json:"id"`
	Language     string    `json:"language"`
	Version      int64     `json:"version"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
	ActiveUsers  int       `json:"active_users"`
}

// RoomsRouter dispatches /api/rooms and /api/rooms/{id}.
func (a *API) RoomsRouter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	path := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/rooms"), "/")
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		a.listRooms(w, r)
		return
	}
	a.getRoom(w, r, path)
}

func (a *API) listRooms(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 20)

	rooms, err := a.database.ListRooms(limit, offset)
	if err != nil {
		a.logger.Error("listing rooms failed", zap.Error(err))
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	activeRooms := a.hub.GetActiveRooms()

	response := make([]RoomResponse, len(rooms))
	for i, room := range rooms {
		response[i] = roomResponse(&room, activeRooms[room.ID])
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) getRoom(w http.ResponseWriter, r *http.Request, roomID string) {
	room, err := a.database.GetRoom(roomID)
	if err != nil {
		a.logger.Error("getting room failed", zap.String("room", roomID), zap.Error(err))
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}
	if room == nil {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	activeRooms := a.hub.GetActiveRooms()
	a.jsonResponse(w, http.StatusOK, roomResponse(room, activeRooms[roomID]))
}

func roomResponse(room *db.Room, activeUsers int) RoomResponse {
	return RoomResponse{
		ID:           room.ID,
		Language:     room.Language,
		Version:      room.Version,
		LastActivity: room.LastActivity,
		CreatedAt:    room.CreatedAt,
		ActiveUsers:  activeUsers,
	}
}

// Snapshot handlers

// SnapshotsRouter dispatches /api/snapshots?room={id} and /api/snapshots/{id}.
func (a *API) SnapshotsRouter(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	path := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/snapshots"), "/")
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		a.listSnapshots(w, r)
		return
	}

	id, err := strconv.ParseInt(path, 10, 64)
	if err != nil {
		a.errorResponse(w, http.StatusBadRequest, "Invalid snapshot ID")
		return
	}
	a.getSnapshot(w, r, id)
}

func (a *API) listSnapshots(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		a.errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}

	limit, offset := pagination(r, 20)

	snapshots, err := a.database.ListSnapshots(roomID, limit, offset)
	if err != nil {
		a.logger.Error("listing snapshots failed", zap.String("room", roomID), zap.Error(err))
		a.errorResponse(w, http.StatusInternalServerError, "Failed to list snapshots")
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"snapshots": snapshots,
		"limit":     limit,
		"offset":    offset,
	})
}

func (a *API) getSnapshot(w http.ResponseWriter, r *http.Request, id int64) {
	snap, err := a.database.GetSnapshot(id)
	if err != nil {
		a.logger.Error("getting snapshot failed", zap.Int64("id", id), zap.Error(err))
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get snapshot")
		return
	}
	if snap == nil {
		a.errorResponse(w, http.StatusNotFound, "Snapshot not found")
		return
	}

	a.jsonResponse(w, http.StatusOK, snap)
}

func pagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = defaultLimit
	}
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
