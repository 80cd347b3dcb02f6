package store

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/go-go-golems/convsync/pkg/chatmodel"
)

// RedisConversationStore keeps one hash per owner, field uid, value the
// conversation JSON.
type RedisConversationStore struct {
	client    *redis.Client
	key       string
	ownClient bool
}

var _ ConversationStore = &RedisConversationStore{}

// NewRedisConversationStore dials addr and scopes the store to owner.
func NewRedisConversationStore(addr, keyPrefix string, owner Owner) (*RedisConversationStore, error) {
	if addr == "" {
		return nil, errors.New("redis conversation store: empty addr")
	}
	s, err := NewRedisConversationStoreWithClient(redis.NewClient(&redis.Options{Addr: addr}), keyPrefix, owner)
	if err != nil {
		return nil, err
	}
	s.ownClient = true
	return s, nil
}

func NewRedisConversationStoreWithClient(client *redis.Client, keyPrefix string, owner Owner) (*RedisConversationStore, error) {
	if client == nil {
		return nil, errors.New("redis conversation store: client is nil")
	}
	if err := owner.validate(); err != nil {
		return nil, err
	}
	if keyPrefix == "" {
		keyPrefix = "convsync"
	}
	return &RedisConversationStore{client: client, key: keyPrefix + ":conversations:" + owner.Key()}, nil
}

func (s *RedisConversationStore) LoadAll(ctx context.Context) ([]chatmodel.Conversation, error) {
	vals, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis conversation store: hgetall")
	}
	out := make([]chatmodel.Conversation, 0, len(vals))
	for uid, raw := range vals {
		var c chatmodel.Conversation
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, errors.Wrapf(err, "redis conversation store: unmarshal %s", uid)
		}
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

func (s *RedisConversationStore) Upsert(ctx context.Context, c chatmodel.Conversation) error {
	uid, err := normalizeUID(c.UID)
	if err != nil {
		return errors.Wrap(err, "redis conversation store")
	}
	b, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "redis conversation store: marshal")
	}
	if err := s.client.HSet(ctx, s.key, uid, b).Err(); err != nil {
		return errors.Wrap(err, "redis conversation store: hset")
	}
	return nil
}

func (s *RedisConversationStore) Remove(ctx context.Context, uid string) error {
	if err := s.client.HDel(ctx, s.key, uid).Err(); err != nil {
		return errors.Wrap(err, "redis conversation store: hdel")
	}
	return nil
}

func (s *RedisConversationStore) Close() error {
	if s == nil || !s.ownClient {
		return nil
	}
	return s.client.Close()
}
