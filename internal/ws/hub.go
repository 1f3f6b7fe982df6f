package ws

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Hub owns the broadcast groups: the set of live connections bound to
// each room, addressed as "everyone in room X" or "everyone but the
// sender". Unregister and broadcast requests are drained by a single Run
// goroutine; registration is synchronous.
type Hub struct {
	logger *zap.Logger

	// Registered clients by room
	rooms map[string]map[*Client]bool

	broadcast  chan *broadcastMsg
	unregister chan *Client

	mu sync.RWMutex
}

type broadcastMsg struct {
	roomID string
	data   []byte
	sender *Client
	// includeSender is set for chat messages, which echo back to the
	// sender; document and presence events exclude it.
	includeSender bool
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan *broadcastMsg, 256),
		unregister: make(chan *Client, 64),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.send(msg)
		}
	}
}

// Register binds a connection to its room's broadcast group. Binding is
// synchronous so that a broadcast enqueued right after a join can never
// be processed before the joiner is in the group.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	if _, ok := h.rooms[client.roomID]; !ok {
		h.rooms[client.roomID] = make(map[*Client]bool)
	}
	h.rooms[client.roomID][client] = true
	count := len(h.rooms[client.roomID])
	h.mu.Unlock()

	h.logger.Debug("connection bound",
		zap.String("room", client.roomID),
		zap.String("conn", client.id),
		zap.Int("connections", count))
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if clients, ok := h.rooms[client.roomID]; ok {
		if _, ok := clients[client]; ok {
			delete(clients, client)
			client.closeSend()

			if len(clients) == 0 {
				delete(h.rooms, client.roomID)
			}
		}
	}
	h.mu.Unlock()
}

func (h *Hub) send(msg *broadcastMsg) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.rooms[msg.roomID]
	if !ok {
		return
	}
	for client := range clients {
		if client == msg.sender && !msg.includeSender {
			continue
		}
		select {
		case client.send <- msg.data:
		default:
			// Slow consumer: drop the connection rather than block the room.
			delete(clients, client)
			client.closeSend()
		}
	}
	if len(clients) == 0 {
		delete(h.rooms, msg.roomID)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.rooms {
		for client := range clients {
			client.closeSend()
		}
	}
	h.rooms = make(map[string]map[*Client]bool)
}

// GetRoomCount returns the number of rooms with at least one connection.
func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// GetClientCount returns the total number of live connections.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, clients := range h.rooms {
		total += len(clients)
	}
	return total
}

// GetActiveRooms returns connection counts keyed by room id.
func (h *Hub) GetActiveRooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	active := make(map[string]int, len(h.rooms))
	for roomID, clients := range h.rooms {
		active[roomID] = len(clients)
	}
	return active
}
