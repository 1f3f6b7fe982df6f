package session

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codecollab/backend/internal/db"
	"github.com/codecollab/backend/internal/protocol"
	"github.com/codecollab/backend/internal/room"
)

// Records every event delivered through each send primitive.
type fakeConn struct {
	id       string
	username string
	roomID   string

	sent   []protocol.Event
	others []protocol.Event
	all    []protocol.Event
}

func newFakeConn(id, username, roomID string) *fakeConn {
	return &fakeConn{id: id, username: username, roomID: roomID}
}

func (f *fakeConn) ID() string       { return f.id }
func (f *fakeConn) Username() string { return f.username }
func (f *fakeConn) RoomID() string   { return f.roomID }

func (f *fakeConn) Send(ev protocol.Event) { f.sent = append(f.sent, ev) }
func (f *fakeConn) BroadcastOthers(roomID string, ev protocol.Event) {
	f.others = append(f.others, ev)
}
func (f *fakeConn) BroadcastAll(roomID string, ev protocol.Event) {
	f.all = append(f.all, ev)
}

func (f *fakeConn) sentTypes() []protocol.EventType {
	types := make([]protocol.EventType, len(f.sent))
	for i, ev := range f.sent {
		types[i] = ev.Type
	}
	return types
}

func (f *fakeConn) lastSent() protocol.Event {
	return f.sent[len(f.sent)-1]
}

func setupHandler(t *testing.T) (*Handler, *room.Registry, *db.Database) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	registry := room.NewRegistry(database, zap.NewNop())
	return New(registry, database, zap.NewNop()), registry, database
}

func decodeString(t *testing.T, ev protocol.Event) string {
	t.Helper()
	var s string
	require.NoError(t, ev.Decode(&s))
	return s
}

func TestJoinDeliversStateInOrder(t *testing.T) {
	handler, _, _ := setupHandler(t)

	alice := newFakeConn("c1", "alice", "R1")
	handler.HandleJoin(alice)

	require.Equal(t, []protocol.EventType{
		protocol.EventCodeSnapshot,
		protocol.EventLanguageUpdate,
		protocol.EventChatHistory,
		protocol.EventRoomJoined,
	}, alice.sentTypes())

	assert.Equal(t, room.DefaultCode, decodeString(t, alice.sent[0]))
	assert.Equal(t, room.DefaultLanguage, decodeString(t, alice.sent[1]))

	var history []db.ChatMessage
	require.NoError(t, alice.sent[2].Decode(&history))
	assert.Empty(t, history)

	var joined protocol.RoomJoined
	require.NoError(t, alice.sent[3].Decode(&joined))
	require.Len(t, joined.Participants, 1)
	assert.Equal(t, "alice", joined.Participants[0].Username)

	// Others are told about the join.
	require.Len(t, alice.others, 1)
	assert.Equal(t, protocol.EventUserJoined, alice.others[0].Type)
}

func TestSecondJoinerCatchesUp(t *testing.T) {
	handler, _, _ := setupHandler(t)

	alice := newFakeConn("c1", "alice", "R1")
	handler.HandleJoin(alice)
	handler.HandleCodeChange(alice, protocol.CodeChange{RoomID: "R1", Code: "x=1"})
	handler.HandleChatMessage(alice, protocol.ChatMessage{
		RoomID: "R1", Username: "alice", Text: "hello", Timestamp: time.Now().UnixMilli(),
	})

	bob := newFakeConn("c2", "bob", "R1")
	handler.HandleJoin(bob)

	assert.Equal(t, "x=1", decodeString(t, bob.sent[0]))

	var history []db.ChatMessage
	require.NoError(t, bob.sent[2].Decode(&history))
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Text)

	var joined protocol.RoomJoined
	require.NoError(t, bob.sent[3].Decode(&joined))
	assert.Len(t, joined.Participants, 2)

	var newcomer protocol.ParticipantInfo
	require.NoError(t, bob.others[0].Decode(&newcomer))
	assert.Equal(t, "c2", newcomer.ID)
	assert.Equal(t, "bob", newcomer.Username)
}

func TestCodeChangeBroadcastsToOthersOnly(t *testing.T) {
	handler, registry, _ := setupHandler(t)

	alice := newFakeConn("c1", "alice", "R1")
	handler.HandleJoin(alice)
	alice.sent = nil
	alice.others = nil

	handler.HandleCodeChange(alice, protocol.CodeChange{RoomID: "R1", Code: "x=1"})

	// Nothing echoes back to the sender.
	assert.Empty(t, alice.sent)
	assert.Empty(t, alice.all)
	require.Len(t, alice.others, 1)
	assert.Equal(t, protocol.EventCodeUpdate, alice.others[0].Type)
	assert.Equal(t, "x=1", decodeString(t, alice.others[0]))

	r, ok := registry.Get("R1")
	require.True(t, ok)
	code, _, version := r.Document()
	assert.Equal(t, "x=1", code)
	assert.Equal(t, int64(1), version)
}

func TestLanguageChangeBroadcastsToOthersOnly(t *testing.T) {
	handler, registry, _ := setupHandler(t)

	alice := newFakeConn("c1", "alice", "R1")
	handler.HandleJoin(alice)
	alice.others = nil

	handler.HandleLanguageChange(alice, protocol.LanguageChange{RoomID: "R1", Language: "python"})

	require.Len(t, alice.others, 1)
	assert.Equal(t, protocol.EventLanguageUpdate, alice.others[0].Type)
	assert.Equal(t, "python", decodeString(t, alice.others[0]))

	r, ok := registry.Get("R1")
	require.True(t, ok)
	_, language, _ := r.Document()
	assert.Equal(t, "python", language)
}

func TestChangeForUnknownRoomIsDropped(t *testing.T) {
	handler, _, _ := setupHandler(t)

	alice := newFakeConn("c1", "alice", "R1")
	handler.HandleCodeChange(alice, protocol.CodeChange{RoomID: "ghost", Code: "x"})
	handler.HandleLanguageChange(alice, protocol.LanguageChange{RoomID: "ghost", Language: "go"})
	handler.HandleChatMessage(alice, protocol.ChatMessage{RoomID: "ghost", Username: "alice", Text: "hi"})

	assert.Empty(t, alice.sent)
	assert.Empty(t, alice.others)
	assert.Empty(t, alice.all)
}

func TestChatMessageReachesEveryoneAndPersists(t *testing.T) {
	handler, _, database := setupHandler(t)

	alice := newFakeConn("c1", "alice", "R1")
	handler.HandleJoin(alice)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	handler.HandleChatMessage(alice, protocol.ChatMessage{
		RoomID: "R1", Username: "alice", Text: "hello", Timestamp: ts,
	})

	// Chat goes to the whole room, sender included.
	require.Len(t, alice.all, 1)
	assert.Equal(t, protocol.EventChatMessage, alice.all[0].Type)

	var msg db.ChatMessage
	require.NoError(t, alice.all[0].Decode(&msg))
	assert.Equal(t, "hello", msg.Text)
	assert.True(t, msg.Timestamp.Equal(time.UnixMilli(ts)))

	stored, err := database.RecentMessages("R1", 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "alice", stored[0].Username)
}

func TestChatBroadcastSurvivesPersistFailure(t *testing.T) {
	handler, _, database := setupHandler(t)

	alice := newFakeConn("c1", "alice", "R1")
	handler.HandleJoin(alice)

	// Kill the store out from under the handler; the live room must still
	// see the message.
	require.NoError(t, database.Close())

	handler.HandleChatMessage(alice, protocol.ChatMessage{
		RoomID: "R1", Username: "alice", Text: "still here", Timestamp: time.Now().UnixMilli(),
	})

	require.Len(t, alice.all, 1)
	assert.Equal(t, protocol.EventChatMessage, alice.all[0].Type)

	var msg db.ChatMessage
	require.NoError(t, alice.all[0].Decode(&msg))
	assert.Equal(t, "still here", msg.Text)
}

func TestCursorRelayedVerbatimNeverPersisted(t *testing.T) {
	handler, _, database := setupHandler(t)

	alice := newFakeConn("c1", "alice", "R1")
	handler.HandleJoin(alice)

	position := json.RawMessage(`{"line":3,"column":14}`)
	handler.HandleCursor(alice, protocol.CursorPosition{RoomID: "R1", Position: position})

	require.Len(t, alice.others, 2) // user-joined from the join, then the cursor
	cursor := alice.others[1]
	assert.Equal(t, protocol.EventCursorUpdate, cursor.Type)

	var update protocol.CursorUpdate
	require.NoError(t, cursor.Decode(&update))
	assert.Equal(t, "c1", update.UserID)
	assert.Equal(t, "alice", update.Username)
	assert.JSONEq(t, string(position), string(update.Position))

	stats, err := database.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats["message_count"])
}

func TestSnapshotAcknowledgedToRequesterOnly(t *testing.T) {
	handler, _, database := setupHandler(t)

	alice := newFakeConn("c1", "alice", "R1")
	handler.HandleJoin(alice)
	handler.HandleCodeChange(alice, protocol.CodeChange{RoomID: "R1", Code: "x=1"})

	bob := newFakeConn("c2", "bob", "R1")
	handler.HandleJoin(bob)
	bob.others = nil
	bob.all = nil

	handler.HandleSnapshot(bob, protocol.SnapshotRequest{RoomID: "R1"})

	// Ack goes to the requester alone.
	assert.Empty(t, bob.others)
	assert.Empty(t, bob.all)
	require.Equal(t, protocol.EventSnapshotSaved, bob.lastSent().Type)

	var ack protocol.SnapshotSaved
	require.NoError(t, bob.lastSent().Decode(&ack))
	assert.True(t, ack.Success)
	assert.Empty(t, ack.Error)

	snapshots, err := database.ListSnapshots("R1", 10, 0)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, "x=1", snapshots[0].Code)
	assert.Equal(t, int64(1), snapshots[0].Version)
	assert.Equal(t, "bob", snapshots[0].CreatedBy)
}

func TestSnapshotUnknownRoomFails(t *testing.T) {
	handler, _, database := setupHandler(t)

	bob := newFakeConn("c2", "bob", "ghost")
	handler.HandleSnapshot(bob, protocol.SnapshotRequest{RoomID: "ghost"})

	require.Len(t, bob.sent, 1)
	var ack protocol.SnapshotSaved
	require.NoError(t, bob.sent[0].Decode(&ack))
	assert.False(t, ack.Success)
	assert.Equal(t, "room not found", ack.Error)

	snapshots, err := database.ListSnapshots("ghost", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, snapshots)
}

func TestSnapshotIndependentOfLaterMutations(t *testing.T) {
	handler, _, database := setupHandler(t)

	alice := newFakeConn("c1", "alice", "R1")
	handler.HandleJoin(alice)
	handler.HandleCodeChange(alice, protocol.CodeChange{RoomID: "R1", Code: "v1"})
	handler.HandleSnapshot(alice, protocol.SnapshotRequest{RoomID: "R1"})
	handler.HandleCodeChange(alice, protocol.CodeChange{RoomID: "R1", Code: "v2"})

	snapshots, err := database.ListSnapshots("R1", 10, 0)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, "v1", snapshots[0].Code)
	assert.Equal(t, int64(1), snapshots[0].Version)
}

func TestDisconnectNotifiesOthers(t *testing.T) {
	handler, registry, _ := setupHandler(t)

	alice := newFakeConn("c1", "alice", "R1")
	bob := newFakeConn("c2", "bob", "R1")
	handler.HandleJoin(alice)
	handler.HandleJoin(bob)
	alice.others = nil

	handler.HandleDisconnect(alice)

	require.Len(t, alice.others, 1)
	assert.Equal(t, protocol.EventUserLeft, alice.others[0].Type)
	assert.Equal(t, "c1", decodeString(t, alice.others[0]))

	r, ok := registry.Get("R1")
	require.True(t, ok)
	roster := r.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, "bob", roster[0].Username)

	// A second disconnect for the same connection is a no-op.
	alice.others = nil
	handler.HandleDisconnect(alice)
	assert.Empty(t, alice.others)
}

func TestChatHistoryCapOnJoin(t *testing.T) {
	handler, _, database := setupHandler(t)

	alice := newFakeConn("c1", "alice", "R1")
	handler.HandleJoin(alice)

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < ChatHistoryLimit+20; i++ {
		require.NoError(t, database.SaveMessage(&db.ChatMessage{
			RoomID:    "R1",
			Username:  "alice",
			Text:      "m",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}

	bob := newFakeConn("c2", "bob", "R1")
	handler.HandleJoin(bob)

	var history []db.ChatMessage
	require.NoError(t, bob.sent[2].Decode(&history))
	assert.Len(t, history, ChatHistoryLimit)
	// The cap keeps the newest messages; replay stays ascending.
	assert.True(t, history[0].Timestamp.Equal(base.Add(20*time.Second)))
	assert.True(t, history[0].Timestamp.Before(history[len(history)-1].Timestamp))
}
