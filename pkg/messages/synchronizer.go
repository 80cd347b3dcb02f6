package messages

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/convsync/pkg/chatmodel"
	"github.com/go-go-golems/convsync/pkg/schedule"
	"github.com/go-go-golems/convsync/pkg/store"
	"github.com/go-go-golems/convsync/pkg/streams"
	"github.com/go-go-golems/convsync/pkg/syncmetrics"
	"github.com/go-go-golems/convsync/pkg/transport"
)

const (
	DefaultWait         = 1000 * time.Millisecond
	DefaultBackfillStep = 100 * time.Millisecond
)

var ErrDisposed = errors.New("messages: synchronizer is disposed")

// DefaultVisibleInfoKeys are the info labels shown when none are configured.
var DefaultVisibleInfoKeys = []string{chatmodel.MemberJoinedGroup}

type Options struct {
	Tenant           string
	UserID           string
	ConversationWith string
	Locale           string

	Transport  transport.Transport
	Repository store.MessageRepository
	Scheduler  schedule.Scheduler

	VisibleInfoKeys []string
	// DefaultWait applies to wait steps that carry no time.
	DefaultWait time.Duration
	// BackfillStep spaces the sub-messages of a replay that is not live.
	BackfillStep time.Duration
	// StartTime separates live messages from backfill. Defaults to the
	// scheduler's clock at construction.
	StartTime time.Time

	Metrics *syncmetrics.Metrics
}

// TypingEvent announces a simulated typer during a live scripted replay.
// On the wire waitTime is in milliseconds.
type TypingEvent struct {
	ConversationUID string
	TyperID         string
	TyperFullname   string
	Wait            time.Duration
}

type typingEventJSON struct {
	ConversationUID string `json:"uid"`
	TyperID         string `json:"uidUserTypingNow"`
	TyperFullname   string `json:"nameUserTypingNow"`
	WaitMS          int64  `json:"waitTime"`
}

func (e TypingEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(typingEventJSON{
		ConversationUID: e.ConversationUID,
		TyperID:         e.TyperID,
		TyperFullname:   e.TyperFullname,
		WaitMS:          e.Wait.Milliseconds(),
	})
}

func (e *TypingEvent) UnmarshalJSON(data []byte) error {
	var w typingEventJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return errors.Wrap(err, "decode typing event")
	}
	*e = TypingEvent{
		ConversationUID: w.ConversationUID,
		TyperID:         w.TyperID,
		TyperFullname:   w.TyperFullname,
		Wait:            time.Duration(w.WaitMS) * time.Millisecond,
	}
	return nil
}

// Synchronizer keeps the ordered message list of one conversation in step
// with the transport, and replays scripted command messages.
type Synchronizer struct {
	opts   Options
	sched  schedule.Scheduler
	repo   store.MessageRepository
	start  int64
	logger zerolog.Logger

	added   *streams.Stream[chatmodel.Message]
	changed *streams.Stream[chatmodel.Message]
	removed *streams.Stream[string]
	typing  *streams.Stream[TypingEvent]
	info    *streams.Stream[chatmodel.Message]

	mu        sync.Mutex
	seq       *chatmodel.Sequence[chatmodel.Message]
	escalated map[string]struct{}
	replays   map[*replay]struct{}
	subs      []transport.Subscription
	disposed  bool
}

func New(opts Options) (*Synchronizer, error) {
	if strings.TrimSpace(opts.UserID) == "" {
		return nil, errors.New("messages: user id is empty")
	}
	if strings.TrimSpace(opts.ConversationWith) == "" {
		return nil, errors.New("messages: conversation_with is empty")
	}
	if opts.Scheduler == nil {
		opts.Scheduler = schedule.Real()
	}
	if opts.Repository == nil {
		opts.Repository = store.NewMemoryMessageRepository()
	}
	if opts.VisibleInfoKeys == nil {
		opts.VisibleInfoKeys = DefaultVisibleInfoKeys
	}
	if opts.DefaultWait <= 0 {
		opts.DefaultWait = DefaultWait
	}
	if opts.BackfillStep <= 0 {
		opts.BackfillStep = DefaultBackfillStep
	}
	if opts.StartTime.IsZero() {
		opts.StartTime = opts.Scheduler.Now()
	}
	return &Synchronizer{
		opts:  opts,
		sched: opts.Scheduler,
		repo:  opts.Repository,
		start: opts.StartTime.UnixMilli(),
		logger: log.With().
			Str("component", "messages").
			Str("user_id", opts.UserID).
			Str("conv_id", opts.ConversationWith).
			Logger(),
		added:     streams.New[chatmodel.Message]("messages.added"),
		changed:   streams.New[chatmodel.Message]("messages.changed"),
		removed:   streams.New[string]("messages.removed"),
		typing:    streams.New[TypingEvent]("messages.typing"),
		info:      streams.New[chatmodel.Message]("messages.info"),
		seq:       chatmodel.NewMessageSequence(),
		escalated: map[string]struct{}{},
		replays:   map[*replay]struct{}{},
	}, nil
}

func (s *Synchronizer) Added() *streams.Stream[chatmodel.Message]   { return s.added }
func (s *Synchronizer) Changed() *streams.Stream[chatmodel.Message] { return s.changed }
func (s *Synchronizer) Removed() *streams.Stream[string]            { return s.removed }
func (s *Synchronizer) Typing() *streams.Stream[TypingEvent]        { return s.typing }
func (s *Synchronizer) Info() *streams.Stream[chatmodel.Message]    { return s.info }

// Connect subscribes to the conversation's message stream on the transport.
func (s *Synchronizer) Connect(ctx context.Context) error {
	if s.opts.Transport == nil {
		return errors.New("messages: transport is nil")
	}
	if s.isDisposed() {
		return ErrDisposed
	}
	streamID := transport.MessagesStreamID(s.opts.Tenant, s.opts.UserID, s.opts.ConversationWith)
	handlers := []struct {
		on func(context.Context, string, transport.Handler) (transport.Subscription, error)
		h  transport.Handler
	}{
		{s.opts.Transport.OnAdded, s.HandleAdded},
		{s.opts.Transport.OnChanged, s.HandleChanged},
		{s.opts.Transport.OnRemoved, func(ev transport.Event) { s.Remove(ev.Key) }},
	}
	var subs []transport.Subscription
	for _, b := range handlers {
		sub, err := b.on(ctx, streamID, b.h)
		if err != nil {
			for _, done := range subs {
				_ = done.Unsubscribe()
			}
			return errors.Wrap(err, "messages: connect")
		}
		subs = append(subs, sub)
	}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		return ErrDisposed
	}
	s.subs = append(s.subs, subs...)
	s.mu.Unlock()
	s.logger.Info().Str("stream_id", streamID).Msg("connected")
	return nil
}

func (s *Synchronizer) isDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

func decodeMessage(ev transport.Event) (chatmodel.Message, error) {
	var m chatmodel.Message
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &m); err != nil {
			return chatmodel.Message{}, errors.Wrap(err, "decode message")
		}
	}
	if m.MessageID == "" {
		m.MessageID = ev.Key
	}
	m.Normalize()
	return m, nil
}

// HandleAdded decodes a transport added event and applies it.
func (s *Synchronizer) HandleAdded(ev transport.Event) {
	m, err := decodeMessage(ev)
	if err != nil {
		s.opts.Metrics.Dropped(syncmetrics.Messages, "decode")
		s.logger.Warn().Err(err).Str("key", ev.Key).Msg("message event dropped")
		return
	}
	s.Add(m)
}

// HandleChanged decodes a transport changed event and applies it.
func (s *Synchronizer) HandleChanged(ev transport.Event) {
	m, err := decodeMessage(ev)
	if err != nil {
		s.opts.Metrics.Dropped(syncmetrics.Messages, "decode")
		s.logger.Warn().Err(err).Str("key", ev.Key).Msg("message event dropped")
		return
	}
	s.Change(m)
}

// Add applies an added message. Hidden info messages are dropped and visible
// ones are announced on Info. Command messages then start a scripted replay;
// everything else is inserted or replaced by uid.
func (s *Synchronizer) Add(m chatmodel.Message) {
	s.opts.Metrics.Event(syncmetrics.Messages, string(transport.KindAdded))
	m.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	cmds := m.Commands()
	if len(cmds) == 0 {
		s.addLocked(m)
		return
	}
	if m.IsInfo() {
		if m.HiddenInfo(s.opts.VisibleInfoKeys) {
			s.opts.Metrics.Dropped(syncmetrics.Messages, "hidden_info")
			return
		}
		s.info.Publish(m.Clone())
	}
	s.startReplayLocked(m, cmds)
}

func (s *Synchronizer) addLocked(m chatmodel.Message) {
	if m.UID == "" {
		s.opts.Metrics.Dropped(syncmetrics.Messages, "no_uid")
		s.logger.Warn().Msg("message without uid dropped")
		return
	}
	isInfo := m.IsInfo()
	if isInfo && m.HiddenInfo(s.opts.VisibleInfoKeys) {
		s.opts.Metrics.Dropped(syncmetrics.Messages, "hidden_info")
		return
	}
	if isInfo {
		s.info.Publish(m.Clone())
	}
	if chatmodel.IsBlank(m.SenderFullname) {
		m.SenderFullname = m.Sender
	}
	m.IsSender = m.Sender == s.opts.UserID

	if prev, ok := s.seq.Find(m.UID); ok {
		m.Status = chatmodel.MaxStatus(prev.Status, m.Status)
	} else if rec, ok := s.findRecord(m.UID); ok {
		m.Status = chatmodel.MaxStatus(rec.Status, m.Status)
	}
	s.seq.Upsert(m)
	s.mirror(m)
	s.updateMessageStatusReceivedLocked(m)
	s.added.Publish(m.Clone())
}

// Change applies a status patch. Only the status of a known message changes,
// and never downwards. Patches addressed to a command message update the
// sub-messages replayed from it.
func (s *Synchronizer) Change(patch chatmodel.Message) {
	s.opts.Metrics.Event(syncmetrics.Messages, string(transport.KindChanged))
	if patch.IsInfo() {
		return
	}
	id := patch.MessageID
	if id == "" {
		id = patch.UID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	if m, ok := s.seq.Find(id); ok {
		s.applyStatusLocked(m, patch.Status)
		return
	}
	for _, m := range s.seq.Snapshot() {
		if m.ParentUID() == id {
			s.applyStatusLocked(m, patch.Status)
		}
	}
}

func (s *Synchronizer) applyStatusLocked(m chatmodel.Message, status chatmodel.Status) {
	next := chatmodel.MaxStatus(m.Status, status)
	if next == m.Status {
		return
	}
	m.Status = next
	s.seq.Replace(m)
	s.mirror(m)
	s.changed.Publish(m.Clone())
}

// Remove drops uid and emits its key. Unknown uids are ignored.
func (s *Synchronizer) Remove(uid string) {
	s.opts.Metrics.Event(syncmetrics.Messages, string(transport.KindRemoved))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	if _, ok := s.seq.Remove(uid); !ok {
		return
	}
	if err := s.repo.Remove(context.Background(), uid); err != nil {
		s.logger.Warn().Err(err).Str("uid", uid).Msg("repository remove failed")
	}
	s.removed.Publish(uid)
}

// UpdateMessageStatusReceived asks the transport to mark m received when it
// was sent by someone else and is still below received.
func (s *Synchronizer) UpdateMessageStatusReceived(m chatmodel.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateMessageStatusReceivedLocked(m)
}

func (s *Synchronizer) updateMessageStatusReceivedLocked(m chatmodel.Message) {
	if m.Status >= chatmodel.StatusReceived || m.Sender == s.opts.UserID || s.opts.Transport == nil {
		return
	}
	id := m.ParentUID()
	if id == "" {
		id = m.MessageID
	}
	if id == "" {
		return
	}
	if _, done := s.escalated[id]; done {
		return
	}
	if rec, ok := s.findRecord(id); ok && rec.Status >= chatmodel.StatusReceived {
		return
	}
	if err := s.opts.Transport.UpdateStatus(context.Background(), id, s.opts.ConversationWith, chatmodel.StatusReceived); err != nil {
		s.logger.Warn().Err(err).Str("message_id", id).Msg("status update failed")
		return
	}
	s.escalated[id] = struct{}{}
	s.opts.Metrics.Escalated()
}

// Find returns the message with uid.
func (s *Synchronizer) Find(uid string) (chatmodel.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq.Find(uid)
}

// Snapshot returns the current ordered list.
func (s *Synchronizer) Snapshot() []chatmodel.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq.Snapshot()
}

// Dispose cancels in-flight replays, releases the transport subscriptions and
// closes the streams.
func (s *Synchronizer) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	for r := range s.replays {
		r.cancelLocked()
	}
	s.replays = map[*replay]struct{}{}
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn().Err(err).Msg("unsubscribe failed")
		}
	}
	s.added.Close()
	s.changed.Close()
	s.removed.Close()
	s.typing.Close()
	s.info.Close()
	s.logger.Debug().Msg("disposed")
}

func (s *Synchronizer) findRecord(uid string) (chatmodel.Message, bool) {
	rec, ok, err := s.repo.FindByUID(context.Background(), uid)
	if err != nil {
		s.logger.Warn().Err(err).Str("uid", uid).Msg("repository lookup failed")
		return chatmodel.Message{}, false
	}
	return rec, ok
}

func (s *Synchronizer) mirror(m chatmodel.Message) {
	if err := s.repo.Upsert(context.Background(), m); err != nil {
		s.logger.Warn().Err(err).Str("uid", m.UID).Msg("repository upsert failed")
	}
}
