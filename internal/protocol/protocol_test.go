package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeAndDecode(t *testing.T) {
	ev, err := Make(EventCodeChange, CodeChange{RoomID: "r1", Code: "x=1"})
	require.NoError(t, err)
	assert.Equal(t, EventCodeChange, ev.Type)

	var p CodeChange
	require.NoError(t, ev.Decode(&p))
	assert.Equal(t, "r1", p.RoomID)
	assert.Equal(t, "x=1", p.Code)
}

func TestMakeNilPayload(t *testing.T) {
	ev, err := Make(EventUserLeft, nil)
	require.NoError(t, err)
	assert.Empty(t, ev.Data)

	var s string
	assert.Error(t, ev.Decode(&s))
}

func TestEnvelopeWireShape(t *testing.T) {
	ev, err := Make(EventLanguageUpdate, "python")
	require.NoError(t, err)

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"language-update","data":"python"}`, string(data))

	var back Event
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, EventLanguageUpdate, back.Type)
}

func TestCursorPositionStaysOpaque(t *testing.T) {
	raw := json.RawMessage(`{"line":1,"ch":[2,3],"anything":"goes"}`)
	ev, err := Make(EventCursorPosition, CursorPosition{RoomID: "r1", Position: raw})
	require.NoError(t, err)

	var p CursorPosition
	require.NoError(t, ev.Decode(&p))
	assert.JSONEq(t, string(raw), string(p.Position))
}
