package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/convsync/pkg/config"
	"github.com/go-go-golems/convsync/pkg/store"
	"github.com/go-go-golems/convsync/pkg/transport"
)

type closer func() error

// openTransport builds the configured transport. Redis consumer groups are
// created at the tail of every event topic of streamIDs first.
func openTransport(ctx context.Context, s *config.Settings, streamIDs ...string) (transport.Transport, closer, error) {
	switch s.Transport.Kind {
	case "memory":
		ps := transport.NewInProcessPubSub()
		return transport.NewWatermill(ps, ps, s.Transport.Prefix), ps.Close, nil
	case "redis":
		for _, id := range streamIDs {
			for _, kind := range []transport.EventKind{transport.KindAdded, transport.KindChanged, transport.KindRemoved} {
				topic := transport.EventTopic(s.Transport.Prefix, id, kind)
				if err := transport.EnsureGroupAtTail(ctx, s.Transport.Redis.Addr, topic, s.Transport.Redis.Group); err != nil {
					return nil, nil, errors.Wrapf(err, "ensure consumer group for %s", topic)
				}
			}
		}
		pub, sub, closeFn, err := transport.NewRedisStreamPubSub(s.Transport.Redis)
		if err != nil {
			return nil, nil, err
		}
		return transport.NewWatermill(pub, sub, s.Transport.Prefix), closeFn, nil
	case "nats":
		nc, err := transport.ConnectNATS(s.Transport.NATS.URL, "convsync")
		if err != nil {
			return nil, nil, err
		}
		return transport.NewNATS(nc, s.Transport.Prefix), func() error { return nc.Drain() }, nil
	}
	return nil, nil, errors.Errorf("unknown transport kind %q", s.Transport.Kind)
}

// storeBundle groups the conversation store with the message repositories of
// the same backend.
type storeBundle struct {
	conversations store.ConversationStore
	sqlite        *store.SQLiteDB
	owner         store.Owner
}

func openStore(ctx context.Context, s *config.Settings) (*storeBundle, error) {
	owner := store.Owner{Tenant: s.Tenant, UserID: s.User.ID}
	b := &storeBundle{owner: owner}
	switch s.Store.Kind {
	case "memory":
		b.conversations = store.NewMemoryConversationStore()
	case "sqlite":
		dsn, err := store.SQLiteDSNForFile(s.Store.Path)
		if err != nil {
			return nil, err
		}
		db, err := store.OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		cs, err := db.Conversations(owner)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		b.sqlite = db
		b.conversations = cs
	case "redis":
		rs, err := store.NewRedisConversationStore(s.Store.Redis.Addr, s.Store.Redis.KeyPrefix, owner)
		if err != nil {
			return nil, err
		}
		b.conversations = rs
	case "postgres":
		ps, err := store.NewPostgresConversationStore(ctx, store.PostgresConfig{DSN: s.Store.DSN, MaxConns: s.Store.MaxConns}, owner)
		if err != nil {
			return nil, err
		}
		b.conversations = ps
	default:
		return nil, errors.Errorf("unknown store kind %q", s.Store.Kind)
	}
	log.Info().Str("component", "store").Str("kind", s.Store.Kind).Str("owner", owner.Key()).Msg("conversation store opened")
	return b, nil
}

// messages returns the message repository for one conversation. Only the
// SQLite backend persists messages; the others keep them in memory.
func (b *storeBundle) messages(conversationWith string) (store.MessageRepository, error) {
	if b.sqlite == nil {
		return store.NewMemoryMessageRepository(), nil
	}
	repo, err := b.sqlite.Messages(b.owner, conversationWith)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func (b *storeBundle) Close() error {
	err := b.conversations.Close()
	if b.sqlite != nil {
		if cerr := b.sqlite.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// bellPlayer rings the terminal bell when stdout is a terminal and logs
// otherwise.
type bellPlayer struct {
	tty bool
}

func newBellPlayer() bellPlayer {
	fd := os.Stdout.Fd()
	return bellPlayer{tty: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)}
}

func (p bellPlayer) Play() {
	if p.tty {
		_, _ = fmt.Fprint(os.Stdout, "\a")
		return
	}
	log.Info().Str("component", "sound").Msg("new message notification")
}
