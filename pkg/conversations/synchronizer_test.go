package conversations

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/convsync/pkg/chatmodel"
	"github.com/go-go-golems/convsync/pkg/schedule"
	"github.com/go-go-golems/convsync/pkg/store"
	"github.com/go-go-golems/convsync/pkg/transport"
)

var testStart = time.UnixMilli(1_700_000_000_000)

func newTestSynchronizer(t *testing.T, mutate func(*Options)) (*Synchronizer, *schedule.Manual) {
	t.Helper()
	sched := schedule.NewManual(testStart)
	opts := Options{
		Tenant:    "acme",
		UserID:    "u1",
		Locale:    "en",
		Scheduler: sched,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(s.Dispose)
	return s, sched
}

func event(kind transport.EventKind, key string, payload string) transport.Event {
	return transport.Event{Kind: kind, Key: key, Payload: json.RawMessage(payload)}
}

func convPayload(sender, recipient string, ts int64, isNew bool) string {
	return fmt.Sprintf(`{
		"sender": %q, "sender_fullname": "", "recipient": %q, "recipient_fullname": "",
		"channel_type": "direct", "last_message_text": "hello", "timestamp": %d, "is_new": %t
	}`, sender, recipient, ts, isNew)
}

func uids(cs []chatmodel.Conversation) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.UID)
	}
	return out
}

func requireSortedUnique(t *testing.T, cs []chatmodel.Conversation) {
	t.Helper()
	seen := map[string]bool{}
	for i, c := range cs {
		require.False(t, seen[c.UID], "duplicate uid %s", c.UID)
		seen[c.UID] = true
		if i > 0 {
			require.GreaterOrEqual(t, cs[i-1].Timestamp, c.Timestamp)
		}
	}
}

func TestCompletion_DirectSelfSent(t *testing.T) {
	s, _ := newTestSynchronizer(t, func(o *Options) {
		o.ImageBaseURL = "https://storage.example/v0/b/"
		o.ImageBucket = "chat.appspot.com"
	})
	s.Added(event(transport.KindAdded, "c1", `{
		"sender": "u1", "sender_fullname": "", "recipient": "u2", "recipient_fullname": "Bob",
		"channel_type": "direct", "last_message_text": "hi", "timestamp": 1000, "is_new": false
	}`))

	c, ok := s.GetConversationByUID("c1")
	require.True(t, ok)
	require.Equal(t, "u2", c.ConversationWith)
	require.Equal(t, "Bob", c.ConversationWithFullname)
	require.Equal(t, "you: hi", c.LastMessageText)
	require.Equal(t, chatmodel.ConversationRead, c.Status)
	require.Equal(t, "u1", c.SenderFullname)
	require.Equal(t, chatmodel.BackgroundColor("Bob"), c.Color)
	require.Equal(t, "B", c.Avatar)
	require.Equal(t, "https://storage.example/v0/b/chat.appspot.com/o/profiles%2Fu2%2Fthumb_photo.jpg?alt=media", c.Image)
}

func TestCompletion_GroupFromOtherSender(t *testing.T) {
	s, _ := newTestSynchronizer(t, nil)
	s.Added(event(transport.KindAdded, "group-1", `{
		"sender": "u3", "sender_fullname": "Carol", "recipient": "group-1", "recipient_fullname": "Team",
		"channel_type": "group", "last_message_text": "standup", "timestamp": 1000, "is_new": true
	}`))

	c, ok := s.GetConversationByUID("group-1")
	require.True(t, ok)
	require.Equal(t, "group-1", c.ConversationWith)
	require.Equal(t, "Team", c.ConversationWithFullname)
	require.Equal(t, "standup", c.LastMessageText)
	require.Equal(t, chatmodel.ConversationUnread, c.Status)
	require.Equal(t, "#80d066", c.Color)
}

func TestCompletion_DirectFromOtherSender(t *testing.T) {
	s, _ := newTestSynchronizer(t, nil)
	in := chatmodel.Conversation{
		UID: "c2", Sender: "u2", SenderFullname: "undefined", Recipient: "u1",
		ChannelType: chatmodel.ChannelDirect, LastMessageText: "yo",
		Timestamp: testStart.Add(-2 * time.Minute).UnixMilli(),
	}
	in.Mark(chatmodel.FieldSender)
	in.Mark(chatmodel.FieldRecipient)

	c := s.CompleteConversation(in)
	require.Equal(t, "u2", c.ConversationWith)
	require.Equal(t, "u2", c.ConversationWithFullname)
	require.Equal(t, "u1", c.RecipientFullname)
	require.Equal(t, "yo", c.LastMessageText)
	require.Equal(t, "2 minutes ago", c.TimeLastMessage)
}

func TestIsValidConversation(t *testing.T) {
	s, _ := newTestSynchronizer(t, nil)
	full := `{"uid":"c1","is_new":false,"last_message_text":"","recipient":"","recipient_fullname":"",
		"sender":"","sender_fullname":"","status":"0","timestamp":0,"channel_type":""}`

	var c chatmodel.Conversation
	require.NoError(t, json.Unmarshal([]byte(full), &c))
	require.True(t, s.IsValidConversation(c), "empty strings, 0 and false are present values")

	for _, rf := range chatmodel.RequiredFields {
		t.Run(rf.Name, func(t *testing.T) {
			var m map[string]any
			require.NoError(t, json.Unmarshal([]byte(full), &m))

			m[rf.Name] = nil
			b, err := json.Marshal(m)
			require.NoError(t, err)
			var withNull chatmodel.Conversation
			require.NoError(t, json.Unmarshal(b, &withNull))
			require.False(t, s.IsValidConversation(withNull))

			delete(m, rf.Name)
			b, err = json.Marshal(m)
			require.NoError(t, err)
			var missing chatmodel.Conversation
			require.NoError(t, json.Unmarshal(b, &missing))
			require.False(t, s.IsValidConversation(missing))
		})
	}
}

func TestAdded_InvalidIsDropped(t *testing.T) {
	s, _ := newTestSynchronizer(t, nil)
	ch, cancel := s.Changes().Subscribe()
	defer cancel()

	s.Added(event(transport.KindAdded, "c1", `{"sender":"u2","recipient":"u1","channel_type":"direct","is_new":true,"last_message_text":"x"}`))
	s.Added(event(transport.KindAdded, "c2", `not json`))

	require.Empty(t, s.Snapshot())
	select {
	case <-ch:
		t.Fatal("invalid event must not emit")
	default:
	}
}

func TestAdded_OrderedAndIdempotent(t *testing.T) {
	s, _ := newTestSynchronizer(t, nil)

	s.Added(event(transport.KindAdded, "a", convPayload("u2", "u1", 100, false)))
	s.Added(event(transport.KindAdded, "b", convPayload("u3", "u1", 300, false)))
	s.Added(event(transport.KindAdded, "c", convPayload("u4", "u1", 200, false)))
	s.Added(event(transport.KindAdded, "a", convPayload("u2", "u1", 100, false)))

	snap := s.Snapshot()
	require.Equal(t, []string{"b", "c", "a"}, uids(snap))
	requireSortedUnique(t, snap)

	s.Changed(event(transport.KindChanged, "a", convPayload("u2", "u1", 400, false)))
	snap = s.Snapshot()
	require.Equal(t, []string{"a", "b", "c"}, uids(snap))
	requireSortedUnique(t, snap)

	s.Changed(event(transport.KindChanged, "zzz", convPayload("u9", "u1", 999, false)))
	require.Equal(t, []string{"a", "b", "c"}, uids(s.Snapshot()))

	s.Removed("b")
	snap = s.Snapshot()
	require.Equal(t, []string{"a", "c"}, uids(snap))
	requireSortedUnique(t, snap)
	require.Equal(t, 0, s.CountIsNew())
}

func TestRemoved_UnknownDoesNotEmit(t *testing.T) {
	s, _ := newTestSynchronizer(t, nil)
	s.Added(event(transport.KindAdded, "a", convPayload("u2", "u1", 100, true)))

	ch, cancel := s.Changes().Subscribe()
	defer cancel()
	<-ch

	s.Removed("missing")
	select {
	case <-ch:
		t.Fatal("removing an unknown uid must not emit")
	default:
	}
	require.Len(t, s.Snapshot(), 1)
}

func TestAdded_ClearsClosingFlag(t *testing.T) {
	closing := NewMemoryClosingRegistry()
	closing.SetClosing("a", true)
	s, _ := newTestSynchronizer(t, func(o *Options) { o.Closing = closing })

	s.Added(event(transport.KindAdded, "a", convPayload("u2", "u1", 100, true)))
	flag, known := closing.IsClosing("a")
	require.True(t, known)
	require.False(t, flag)

	s.Removed("a")
	_, known = closing.IsClosing("a")
	require.False(t, known)
}

type countingPlayer struct{ n atomic.Int32 }

func (p *countingPlayer) Play() { p.n.Add(1) }

func TestChanged_SoundIsDebounced(t *testing.T) {
	player := &countingPlayer{}
	s, sched := newTestSynchronizer(t, func(o *Options) { o.SoundPlayer = player })
	sounds, cancel := s.Sounds().Subscribe()
	defer cancel()

	s.Added(event(transport.KindAdded, "a", convPayload("u2", "u1", 100, false)))
	for i := 0; i < 3; i++ {
		s.Changed(event(transport.KindChanged, "a", convPayload("u2", "u1", int64(200+i), true)))
		sched.Advance(500 * time.Millisecond)
	}
	require.Equal(t, int32(0), player.n.Load())

	sched.Advance(500 * time.Millisecond)
	require.Equal(t, int32(1), player.n.Load())
	require.Len(t, sounds, 1)
	require.Equal(t, 1, s.CountIsNew())

	s.Changed(event(transport.KindChanged, "a", convPayload("u2", "u1", 300, false)))
	sched.Advance(2 * time.Second)
	require.Equal(t, int32(1), player.n.Load())
}

func TestSelect_MarksConversationRead(t *testing.T) {
	s, _ := newTestSynchronizer(t, nil)
	s.Added(event(transport.KindAdded, "a", convPayload("u2", "u1", 100, true)))
	s.Added(event(transport.KindAdded, "b", convPayload("u3", "u1", 200, true)))

	s.Select("a")
	a, _ := s.GetConversationByUID("a")
	b, _ := s.GetConversationByUID("b")
	require.True(t, a.Selected)
	require.Equal(t, chatmodel.ConversationRead, a.Status)
	require.False(t, b.Selected)
	require.Equal(t, chatmodel.ConversationUnread, b.Status)

	s.Changed(event(transport.KindChanged, "a", convPayload("u2", "u1", 300, true)))
	a, _ = s.GetConversationByUID("a")
	require.Equal(t, chatmodel.ConversationRead, a.Status)
}

func TestRemoveByUID(t *testing.T) {
	st := store.NewMemoryConversationStore()
	s, _ := newTestSynchronizer(t, func(o *Options) { o.Store = st })
	s.Added(event(transport.KindAdded, "a", convPayload("u2", "u1", 100, false)))

	require.True(t, s.RemoveByUID("a"))
	require.False(t, s.RemoveByUID("a"))
	require.Empty(t, s.Snapshot())

	s.Flush()
	all, err := st.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1, "eviction is local only")
}

func TestPersistenceWriteThroughAndHydrate(t *testing.T) {
	st := store.NewMemoryConversationStore()
	s, _ := newTestSynchronizer(t, func(o *Options) { o.Store = st })

	s.Added(event(transport.KindAdded, "a", convPayload("u1", "u2", 100, false)))
	s.Added(event(transport.KindAdded, "b", convPayload("u3", "u1", 200, true)))
	s.Removed("b")
	s.Flush()

	all, err := st.LoadAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, uids(all))
	require.Equal(t, "you: hello", all[0].LastMessageText)

	fresh, _ := newTestSynchronizer(t, func(o *Options) { o.Store = st })
	loaded, cancel := fresh.Loaded().Subscribe()
	defer cancel()
	require.NoError(t, fresh.Hydrate(context.Background()))

	got := <-loaded
	require.Equal(t, []string{"a"}, uids(got))
	require.Equal(t, "you: hello", got[0].LastMessageText, "hydrated rows are not completed twice")
	require.NotEmpty(t, got[0].TimeLastMessage)
}

func TestConnect_ReceivesTransportEvents(t *testing.T) {
	ps := transport.NewInProcessPubSub()
	t.Cleanup(func() { _ = ps.Close() })
	tr := transport.NewWatermill(ps, ps, "test")
	s, _ := newTestSynchronizer(t, func(o *Options) { o.Transport = tr })

	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))

	streamID := transport.ConversationsStreamID("acme", "u1")
	ev := event(transport.KindAdded, "a", convPayload("u2", "u1", 100, true))
	ev.StreamID = streamID
	require.NoError(t, tr.Emit(ctx, ev))
	require.Eventually(t, func() bool { return len(s.Snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tr.Emit(ctx, transport.Event{Kind: transport.KindRemoved, StreamID: streamID, Key: "a"}))
	require.Eventually(t, func() bool { return len(s.Snapshot()) == 0 }, 2*time.Second, 10*time.Millisecond)

	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	flags, err := ps.Subscribe(cmdCtx, transport.CommandTopic("test", transport.CommandSetFlag))
	require.NoError(t, err)
	require.NoError(t, s.SetConversationRead(ctx, "a"))
	msg := <-flags
	msg.Ack()
	var fu transport.FlagUpdate
	require.NoError(t, json.Unmarshal(msg.Payload, &fu))
	require.Equal(t, "a", fu.ConversationID)
	require.False(t, fu.Flag.IsNew)
}

func TestConnect_AfterDisposeFails(t *testing.T) {
	ps := transport.NewInProcessPubSub()
	t.Cleanup(func() { _ = ps.Close() })
	tr := transport.NewWatermill(ps, ps, "test")
	s, _ := newTestSynchronizer(t, func(o *Options) { o.Transport = tr })

	s.Dispose()
	require.ErrorIs(t, s.Connect(context.Background()), ErrDisposed)
	require.Empty(t, s.subs)
}

func TestDispose(t *testing.T) {
	s, _ := newTestSynchronizer(t, nil)
	s.Added(event(transport.KindAdded, "a", convPayload("u2", "u1", 100, false)))
	s.Select("a")
	ch, _ := s.Changes().Subscribe()

	s.Dispose()
	require.Empty(t, s.Snapshot())
	require.Empty(t, s.Selected())

	var last []chatmodel.Conversation
	for v := range ch {
		last = v
	}
	require.Empty(t, last)

	s.Added(event(transport.KindAdded, "b", convPayload("u2", "u1", 100, false)))
	require.Empty(t, s.Snapshot())
	s.Dispose()
}

func TestNew_RequiresUser(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
