package chatmodel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func conversationUIDs(cs []Conversation) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.UID)
	}
	return out
}

func TestConversationSequence_SortedDescendingWithoutDuplicates(t *testing.T) {
	s := NewConversationSequence()

	require.True(t, s.Upsert(Conversation{UID: "a", Timestamp: 10}))
	require.True(t, s.Upsert(Conversation{UID: "b", Timestamp: 30}))
	require.True(t, s.Upsert(Conversation{UID: "c", Timestamp: 20}))
	require.Equal(t, []string{"b", "c", "a"}, conversationUIDs(s.Snapshot()))

	// Same uid again replaces in place, then re-sorts.
	require.False(t, s.Upsert(Conversation{UID: "a", Timestamp: 40, LastMessageText: "new"}))
	snap := s.Snapshot()
	require.Equal(t, []string{"a", "b", "c"}, conversationUIDs(snap))
	require.Equal(t, "new", snap[0].LastMessageText)
	require.Equal(t, 3, s.Len())
}

func TestMessageSequence_SortedAscendingAndIdempotent(t *testing.T) {
	s := NewMessageSequence()
	m := Message{UID: "m1", Timestamp: 5, Text: "hi"}

	s.Upsert(Message{UID: "m2", Timestamp: 9})
	s.Upsert(m)
	s.Upsert(m)

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "m1", snap[0].UID)
	require.Equal(t, "m2", snap[1].UID)
}

func TestSequence_EqualTimestampsOrderedByUID(t *testing.T) {
	convs := NewConversationSequence()
	for _, uid := range []string{"c", "a", "b"} {
		convs.Upsert(Conversation{UID: uid, Timestamp: 10})
	}
	convs.Upsert(Conversation{UID: "z", Timestamp: 20})
	require.Equal(t, []string{"z", "a", "b", "c"}, conversationUIDs(convs.Snapshot()))

	msgs := NewMessageSequence()
	for _, uid := range []string{"m3", "m1", "m2"} {
		msgs.Upsert(Message{UID: uid, Timestamp: 5})
	}
	snap := msgs.Snapshot()
	require.Equal(t, []string{"m1", "m2", "m3"}, []string{snap[0].UID, snap[1].UID, snap[2].UID})
}

func TestSequence_RemoveAndReplace(t *testing.T) {
	s := NewMessageSequence()
	s.Upsert(Message{UID: "m1", Timestamp: 1})

	require.False(t, s.Replace(Message{UID: "unknown", Timestamp: 2}))
	require.True(t, s.Replace(Message{UID: "m1", Timestamp: 3, Status: StatusRead}))

	got, ok := s.Find("m1")
	require.True(t, ok)
	require.Equal(t, StatusRead, got.Status)

	_, ok = s.Remove("unknown")
	require.False(t, ok)
	_, ok = s.Remove("m1")
	require.True(t, ok)
	require.Equal(t, 0, s.Len())
}

func TestConversation_UnmarshalTracksNullFields(t *testing.T) {
	var c Conversation
	err := json.Unmarshal([]byte(`{
		"uid": "c1", "is_new": false, "last_message_text": "", "recipient": "u2",
		"recipient_fullname": null, "sender": "u1", "timestamp": 0, "channel_type": "direct"
	}`), &c)
	require.NoError(t, err)

	require.True(t, c.Has(FieldUID))
	require.True(t, c.Has(FieldIsNew))
	require.True(t, c.Has(FieldLastMessageText))
	require.True(t, c.Has(FieldTimestamp))
	require.False(t, c.Has(FieldRecipientFullname))
	require.False(t, c.Has(FieldSenderFullname))
	require.False(t, c.Has(FieldStatus))
	require.Equal(t, ChannelDirect, c.ChannelType)
}

func TestConversation_RoundTripKeepsPresence(t *testing.T) {
	var c Conversation
	require.NoError(t, json.Unmarshal([]byte(`{"uid":"c1","sender":"u1","status":"1"}`), &c))

	b, err := json.Marshal(c)
	require.NoError(t, err)

	var back Conversation
	require.NoError(t, json.Unmarshal(b, &back))
	for _, rf := range RequiredFields {
		require.True(t, back.Has(rf.Field), rf.Name)
	}
}
