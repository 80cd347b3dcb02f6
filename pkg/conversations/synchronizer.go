package conversations

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
	"github.com/go-go-golems/convsync/pkg/locale"
	"github.com/go-go-golems/convsync/pkg/schedule"
	"github.com/go-go-golems/convsync/pkg/store"
	"github.com/go-go-golems/convsync/pkg/streams"
	"github.com/go-go-golems/convsync/pkg/syncmetrics"
	"github.com/go-go-golems/convsync/pkg/transport"
)

const DefaultSoundDelay = time.Second

var ErrDisposed = errors.New("conversations: synchronizer is disposed")

// SoundPlayer plays the new-message notification.
type SoundPlayer interface {
	Play()
}

type Options struct {
	Tenant string
	UserID string
	Locale string
	Labels *locale.Labels

	Transport transport.Transport
	// Store is read once by Hydrate and written behind on every mutation.
	Store     store.ConversationStore
	Scheduler schedule.Scheduler

	SoundDelay  time.Duration
	SoundPlayer SoundPlayer

	ImageBaseURL string
	ImageBucket  string

	Closing ClosingRegistry
	Metrics *syncmetrics.Metrics
}

// Synchronizer keeps the ordered conversation list of one user in step with
// the transport. Event handlers may be called from any goroutine.
type Synchronizer struct {
	opts   Options
	userID string
	labels locale.LabelSet
	sched  schedule.Scheduler
	logger zerolog.Logger

	writer *store.Writer
	sound  *schedule.Debouncer

	changes *streams.Stream[[]chatmodel.Conversation]
	loaded  *streams.Stream[[]chatmodel.Conversation]
	sounds  *streams.Stream[time.Time]

	mu       sync.Mutex
	seq      *chatmodel.Sequence[chatmodel.Conversation]
	selected string
	subs     []transport.Subscription
	disposed bool
}

func New(opts Options) (*Synchronizer, error) {
	userID := strings.TrimSpace(opts.UserID)
	if userID == "" {
		return nil, errors.New("conversations: user id is empty")
	}
	if opts.Scheduler == nil {
		opts.Scheduler = schedule.Real()
	}
	if opts.SoundDelay <= 0 {
		opts.SoundDelay = DefaultSoundDelay
	}
	if opts.Closing == nil {
		opts.Closing = NewMemoryClosingRegistry()
	}
	s := &Synchronizer{
		opts:    opts,
		userID:  userID,
		labels:  opts.Labels.For(opts.Locale),
		sched:   opts.Scheduler,
		logger:  log.With().Str("component", "conversations").Str("user_id", userID).Logger(),
		changes: streams.New[[]chatmodel.Conversation]("conversations.changed", streams.WithLatest()),
		loaded:  streams.New[[]chatmodel.Conversation]("conversations.loaded", streams.WithLatest()),
		sounds:  streams.New[time.Time]("conversations.sound"),
		seq:     chatmodel.NewConversationSequence(),
	}
	if opts.Store != nil {
		s.writer = store.NewWriter(opts.Store)
	}
	s.sound = schedule.NewDebouncer(s.sched, opts.SoundDelay, s.playSound)
	return s, nil
}

// Changes emits the full ordered list after every mutation.
func (s *Synchronizer) Changes() *streams.Stream[[]chatmodel.Conversation] { return s.changes }

// Loaded emits the list hydrated from the store.
func (s *Synchronizer) Loaded() *streams.Stream[[]chatmodel.Conversation] { return s.loaded }

// Sounds emits once per debounced burst of new-message changes.
func (s *Synchronizer) Sounds() *streams.Stream[time.Time] { return s.sounds }

// Connect subscribes to the user's conversation stream on the transport.
func (s *Synchronizer) Connect(ctx context.Context) error {
	if s.opts.Transport == nil {
		return errors.New("conversations: transport is nil")
	}
	if s.isDisposed() {
		return ErrDisposed
	}
	streamID := transport.ConversationsStreamID(s.opts.Tenant, s.userID)
	var subs []transport.Subscription
	bind := func(on func(context.Context, string, transport.Handler) (transport.Subscription, error), h transport.Handler) error {
		sub, err := on(ctx, streamID, h)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
		return nil
	}
	err := bind(s.opts.Transport.OnChanged, s.Changed)
	if err == nil {
		err = bind(s.opts.Transport.OnRemoved, func(ev transport.Event) { s.Removed(ev.Key) })
	}
	if err == nil {
		err = bind(s.opts.Transport.OnAdded, s.Added)
	}
	if err != nil {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		return errors.Wrap(err, "conversations: connect")
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

// Hydrate loads the cached list from the store. Rows were completed before
// they were written, so only the relative time is refreshed.
func (s *Synchronizer) Hydrate(ctx context.Context) error {
	if s.opts.Store == nil {
		return nil
	}
	convs, err := s.opts.Store.LoadAll(ctx)
	if err != nil {
		return errors.Wrap(err, "conversations: hydrate")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil
	}
	for _, c := range convs {
		if strings.TrimSpace(c.UID) == "" {
			continue
		}
		c.TimeLastMessage = s.relativeTime(c.Timestamp)
		if _, known := s.seq.Find(c.UID); known {
			continue
		}
		s.seq.Upsert(c)
	}
	snapshot := s.seq.Snapshot()
	s.loaded.Publish(snapshot)
	s.changes.Publish(snapshot)
	s.logger.Debug().Int("count", len(convs)).Msg("hydrated from store")
	return nil
}

func (s *Synchronizer) decode(ev transport.Event) (chatmodel.Conversation, error) {
	var c chatmodel.Conversation
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &c); err != nil {
			return chatmodel.Conversation{}, err
		}
	}
	c.UID = ev.Key
	c.Mark(chatmodel.FieldUID)
	return c, nil
}

// Added handles a conversation added event keyed by its uid.
func (s *Synchronizer) Added(ev transport.Event) {
	s.opts.Metrics.Event(syncmetrics.Conversations, string(transport.KindAdded))
	c, err := s.decode(ev)
	if err != nil {
		s.drop(ev.Key, "decode", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	c = s.complete(c)
	if err := validate(c); err != nil {
		s.drop(c.UID, "invalid", err)
		return
	}
	s.opts.Closing.SetClosing(c.UID, false)
	inserted := s.seq.Upsert(c)
	s.persist(c)
	s.logger.Debug().Str("conv_id", c.UID).Bool("inserted", inserted).Msg("conversation added")
	s.publishLocked()
}

// Changed handles a conversation changed event. Unknown uids are ignored; a
// change that leaves the conversation new restarts the sound debounce.
func (s *Synchronizer) Changed(ev transport.Event) {
	s.opts.Metrics.Event(syncmetrics.Conversations, string(transport.KindChanged))
	c, err := s.decode(ev)
	if err != nil {
		s.drop(ev.Key, "decode", err)
		return
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	c = s.complete(c)
	if err := validate(c); err != nil {
		s.drop(c.UID, "invalid", err)
	} else if s.seq.Replace(c) {
		s.persist(c)
		s.publishLocked()
	} else {
		s.logger.Debug().Str("conv_id", c.UID).Msg("changed event for unknown conversation")
	}
	s.mu.Unlock()

	if c.IsNew {
		s.sound.Trigger()
	}
}

// Removed handles a conversation removed event.
func (s *Synchronizer) Removed(key string) {
	s.opts.Metrics.Event(syncmetrics.Conversations, string(transport.KindRemoved))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	if _, ok := s.seq.Remove(key); ok {
		if s.writer != nil {
			s.writer.Remove(key)
		}
		s.publishLocked()
	}
	s.opts.Closing.DeleteClosing(key)
}

// CompleteConversation returns c with its derived fields filled.
func (s *Synchronizer) CompleteConversation(c chatmodel.Conversation) chatmodel.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete(c)
}

// IsValidConversation reports whether every required attribute is present.
func (s *Synchronizer) IsValidConversation(c chatmodel.Conversation) bool {
	return validate(c) == nil
}

func (s *Synchronizer) GetConversationByUID(uid string) (chatmodel.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq.Find(uid)
}

// RemoveByUID evicts uid from the local list without touching the store.
func (s *Synchronizer) RemoveByUID(uid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seq.Remove(uid); !ok {
		return false
	}
	s.publishLocked()
	return true
}

// CountIsNew counts conversations flagged is_new.
func (s *Synchronizer) CountIsNew() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq.Count(func(c chatmodel.Conversation) bool { return c.IsNew })
}

// Snapshot returns the current ordered list.
func (s *Synchronizer) Snapshot() []chatmodel.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq.Snapshot()
}

// Select marks uid as the open conversation. The selected conversation reads
// as read.
func (s *Synchronizer) Select(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || s.selected == uid {
		return
	}
	s.selected = uid
	for _, c := range s.seq.Snapshot() {
		want := c.UID == uid
		changed := c.Selected != want
		c.Selected = want
		if want && c.Status != chatmodel.ConversationRead {
			c.Status = chatmodel.ConversationRead
			changed = true
		}
		if changed {
			s.seq.Replace(c)
		}
	}
	s.publishLocked()
}

func (s *Synchronizer) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// SetConversationRead clears the remote is_new flag of uid.
func (s *Synchronizer) SetConversationRead(ctx context.Context, uid string) error {
	if s.opts.Transport == nil {
		return errors.New("conversations: transport is nil")
	}
	if err := s.opts.Transport.SetConversationFlag(ctx, uid, transport.ConversationFlag{IsNew: false}); err != nil {
		return errors.Wrapf(err, "conversations: set %s read", uid)
	}
	return nil
}

// Flush waits until pending store writes are applied.
func (s *Synchronizer) Flush() {
	if s.writer != nil {
		s.writer.Flush()
	}
}

// Dispose clears the list and selection, releases the transport
// subscriptions, drains pending writes and closes the streams.
func (s *Synchronizer) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.seq.Reset()
	s.selected = ""
	subs := s.subs
	s.subs = nil
	s.changes.Publish(s.seq.Snapshot())
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn().Err(err).Msg("unsubscribe failed")
		}
	}
	s.sound.Stop()
	if s.writer != nil {
		s.writer.Close()
	}
	s.changes.Close()
	s.loaded.Close()
	s.sounds.Close()
	s.logger.Debug().Msg("disposed")
}

func (s *Synchronizer) persist(c chatmodel.Conversation) {
	if s.writer != nil {
		s.writer.Upsert(c)
	}
}

func (s *Synchronizer) publishLocked() {
	s.changes.Publish(s.seq.Snapshot())
}

func (s *Synchronizer) drop(uid, reason string, err error) {
	s.opts.Metrics.Dropped(syncmetrics.Conversations, reason)
	s.logger.Warn().Err(err).Str("conv_id", uid).Str("reason", reason).Msg("conversation event dropped")
}

func (s *Synchronizer) playSound() {
	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()
	if disposed {
		return
	}
	s.opts.Metrics.Sound()
	s.sounds.Publish(s.sched.Now())
	if s.opts.SoundPlayer != nil {
		s.opts.SoundPlayer.Play()
	}
}
