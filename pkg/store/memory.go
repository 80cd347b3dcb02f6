package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/convsync/pkg/chatmodel"
)

// MemoryConversationStore keeps conversations in a map. It is the default
// store and the one used in tests. Rows are stored in their JSON form like the
// other backends, so loaded values carry the same field presence.
type MemoryConversationStore struct {
	mu    sync.Mutex
	convs map[string]chatmodel.Conversation
}

var _ ConversationStore = &MemoryConversationStore{}

func NewMemoryConversationStore(seed ...chatmodel.Conversation) *MemoryConversationStore {
	s := &MemoryConversationStore{convs: map[string]chatmodel.Conversation{}}
	for _, c := range seed {
		if rc, err := roundTrip(c); err == nil {
			s.convs[c.UID] = rc
		}
	}
	return s
}

func (s *MemoryConversationStore) LoadAll(_ context.Context) ([]chatmodel.Conversation, error) {
	if s == nil {
		return nil, errors.New("in-memory conversation store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chatmodel.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].UID < out[j].UID
	})
	return out, nil
}

func (s *MemoryConversationStore) Upsert(_ context.Context, c chatmodel.Conversation) error {
	if s == nil {
		return errors.New("in-memory conversation store: nil store")
	}
	uid, err := normalizeUID(c.UID)
	if err != nil {
		return errors.Wrap(err, "in-memory conversation store")
	}
	rc, err := roundTrip(c)
	if err != nil {
		return errors.Wrap(err, "in-memory conversation store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[uid] = rc
	return nil
}

func roundTrip(c chatmodel.Conversation) (chatmodel.Conversation, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return chatmodel.Conversation{}, errors.Wrap(err, "encode conversation")
	}
	var out chatmodel.Conversation
	if err := json.Unmarshal(b, &out); err != nil {
		return chatmodel.Conversation{}, errors.Wrap(err, "decode conversation")
	}
	return out, nil
}

func (s *MemoryConversationStore) Remove(_ context.Context, uid string) error {
	if s == nil {
		return errors.New("in-memory conversation store: nil store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, uid)
	return nil
}

func (s *MemoryConversationStore) Close() error { return nil }

// MemoryMessageRepository is a map-backed MessageRepository.
type MemoryMessageRepository struct {
	mu   sync.RWMutex
	msgs map[string]chatmodel.Message
}

var _ MessageRepository = &MemoryMessageRepository{}

func NewMemoryMessageRepository() *MemoryMessageRepository {
	return &MemoryMessageRepository{msgs: map[string]chatmodel.Message{}}
}

func (r *MemoryMessageRepository) FindByUID(_ context.Context, uid string) (chatmodel.Message, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.msgs[uid]
	if !ok {
		return chatmodel.Message{}, false, nil
	}
	return m.Clone(), true, nil
}

func (r *MemoryMessageRepository) Upsert(_ context.Context, m chatmodel.Message) error {
	uid, err := normalizeUID(m.UID)
	if err != nil {
		return errors.Wrap(err, "in-memory message repository")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs[uid] = m.Clone()
	return nil
}

func (r *MemoryMessageRepository) Remove(_ context.Context, uid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.msgs, uid)
	return nil
}

func (r *MemoryMessageRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.msgs)
}
