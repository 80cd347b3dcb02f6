package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/convsync/pkg/config"
	"github.com/go-go-golems/convsync/pkg/store"
)

const testScript = `
user: u1
conversation_with: u2
start_ms: 1700000000000
drain: 2s
events:
  - stream: conversations
    kind: added
    key: c1
    payload: &conv
      is_new: true
      last_message_text: hi
      recipient: u1
      recipient_fullname: Alice
      sender: u2
      sender_fullname: Bob
      timestamp: 1700000000000
      channel_type: direct
  - stream: conversations
    kind: changed
    key: c1
    after: 100ms
    payload: *conv
  - stream: messages
    kind: added
    key: m1
    payload:
      sender: u2
      sender_fullname: Bob
      recipient: u1
      text: hi
      timestamp: 1700000000000
      type: text
      channel_type: direct
`

func TestSimulate_RunsScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testScript), 0o644))
	script, err := loadScript(path)
	require.NoError(t, err)
	require.Len(t, script.Events, 3)

	var out bytes.Buffer
	require.NoError(t, runSimulation(context.Background(), script, &out))

	var lines []simLine
	for _, l := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var sl simLine
		require.NoError(t, json.Unmarshal([]byte(l), &sl), l)
		lines = append(lines, sl)
	}
	require.NotEmpty(t, lines)

	first := lines[0]
	require.Equal(t, 1, first.Step)
	require.Equal(t, "conversations", first.Event)
	require.Len(t, first.Conversations, 1)
	require.Equal(t, "u2", first.Conversations[0].ConversationWith)
	require.NotNil(t, first.CountIsNew)
	require.Equal(t, 1, *first.CountIsNew)

	var sawMessage, sawSound bool
	for _, l := range lines {
		switch l.Event {
		case "message.added":
			require.Equal(t, 3, l.Step)
			require.Equal(t, "m1", l.Message.UID)
			sawMessage = true
		case "sound":
			require.Equal(t, 4, l.Step)
			sawSound = true
		}
	}
	require.True(t, sawMessage)
	require.True(t, sawSound)
}

func TestLoadScript_RequiresUser(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(path, []byte("events: []\n"), 0o644))
	_, err := loadScript(path)
	require.Error(t, err)
}

func TestOpenStore_SQLite(t *testing.T) {
	s := &config.Settings{Tenant: "t", User: config.UserSettings{ID: "u1"}}
	s.Store.Kind = "sqlite"
	s.Store.Path = filepath.Join(t.TempDir(), "cache.db")

	b, err := openStore(context.Background(), s)
	require.NoError(t, err)
	defer func() { require.NoError(t, b.Close()) }()

	repo, err := b.messages("u2")
	require.NoError(t, err)
	_, isSQLite := repo.(*store.SQLiteMessageRepository)
	require.True(t, isSQLite)

	convs, err := b.conversations.LoadAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, convs)
}
