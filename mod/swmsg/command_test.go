package swmsg

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand_SkipWaitingShapes(t *testing.T) {
	for _, msg := range []string{
		`{"type":"SKIP_WAITING"}`,
		`{"action":"skipWaiting"}`,
		`{"type":"SKIP_WAITING","action":"skipWaiting"}`,
	} {
		cmd, err := ParseCommand([]byte(msg))
		require.NoError(t, err, msg)
		assert.Equal(t, CommandSkipWaiting, cmd.Kind, msg)
	}
}

func TestParseCommand_ShowNotification(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"type":"SHOW_NOTIFICATION","title":" Liturgia ","body":"Hoje"}`))
	require.NoError(t, err)
	assert.Equal(t, CommandShowNotification, cmd.Kind)
	assert.Equal(t, "Liturgia", cmd.Title)
	assert.Equal(t, "Hoje", cmd.Body)
}

func TestParseCommand_SyncDefaultsTag(t *testing.T) {
	cmd, err := ParseCommand([]byte(`{"type":"SYNC"}`))
	require.NoError(t, err)
	assert.Equal(t, CommandSync, cmd.Kind)
	assert.Equal(t, DefaultSyncTag, cmd.Tag)
}

func TestParseCommand_Unknown(t *testing.T) {
	for _, msg := range []string{
		`{"type":"skip_waiting"}`,
		`{"action":"SKIP_WAITING"}`,
		`{}`,
		`not json`,
	} {
		_, err := ParseCommand([]byte(msg))
		assert.ErrorIs(t, err, ErrUnknownCommand, msg)
	}
}

func TestEvent_JSON(t *testing.T) {
	data, err := json.Marshal(Event{Type: EventUpdateAvailable, Version: "v2"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"UPDATE_AVAILABLE","version":"v2"}`, string(data))
}
