package store

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/convsync/pkg/chatmodel"
)

// ConversationStore caches a user's conversation list between runs.
//
// Implementations are scoped to one owner (tenant and user) at construction
// time. LoadAll is read once at start-up; writes are mirrors of the in-memory
// list and may be applied asynchronously through a Writer.
type ConversationStore interface {
	LoadAll(ctx context.Context) ([]chatmodel.Conversation, error)
	Upsert(ctx context.Context, c chatmodel.Conversation) error
	Remove(ctx context.Context, uid string) error
	Close() error
}

// MessageRepository holds the messages of one conversation keyed by uid.
type MessageRepository interface {
	FindByUID(ctx context.Context, uid string) (chatmodel.Message, bool, error)
	Upsert(ctx context.Context, m chatmodel.Message) error
	Remove(ctx context.Context, uid string) error
}

// Owner scopes stored rows to one tenant and user.
type Owner struct {
	Tenant string
	UserID string
}

func (o Owner) Key() string {
	return o.Tenant + "/" + o.UserID
}

func (o Owner) validate() error {
	if strings.TrimSpace(o.Tenant) == "" || strings.TrimSpace(o.UserID) == "" {
		return errors.New("store: owner tenant and user id are required")
	}
	return nil
}

func normalizeUID(uid string) (string, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return "", errors.New("store: uid is empty")
	}
	return uid, nil
}
