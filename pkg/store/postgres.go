package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/go-go-golems/convsync/pkg/chatmodel"
)

type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PostgresConversationStore stores conversations as jsonb rows keyed by owner
// and uid.
type PostgresConversationStore struct {
	pool  *pgxpool.Pool
	owner string
}

var _ ConversationStore = &PostgresConversationStore{}

func NewPostgresConversationStore(ctx context.Context, cfg PostgresConfig, owner Owner) (*PostgresConversationStore, error) {
	if err := owner.validate(); err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "postgres conversation store: parse config")
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 4
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "postgres conversation store: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "postgres conversation store: ping")
	}
	s := &PostgresConversationStore{pool: pool, owner: owner.Key()}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresConversationStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS convsync_conversations (
		  owner TEXT NOT NULL,
		  uid TEXT NOT NULL,
		  timestamp_ms BIGINT NOT NULL,
		  body JSONB NOT NULL,
		  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		  PRIMARY KEY (owner, uid)
		)`,
		`CREATE INDEX IF NOT EXISTS convsync_conversations_by_timestamp
		  ON convsync_conversations(owner, timestamp_ms DESC)`,
	}
	for _, st := range stmts {
		if _, err := s.pool.Exec(ctx, st); err != nil {
			return errors.Wrap(err, "postgres conversation store: migrate")
		}
	}
	return nil
}

func (s *PostgresConversationStore) LoadAll(ctx context.Context) ([]chatmodel.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT body FROM convsync_conversations
		WHERE owner = $1
		ORDER BY timestamp_ms DESC, uid ASC
	`, s.owner)
	if err != nil {
		return nil, errors.Wrap(err, "postgres conversation store: query")
	}
	defer rows.Close()

	out := []chatmodel.Conversation{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrap(err, "postgres conversation store: scan")
		}
		var c chatmodel.Conversation
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, errors.Wrap(err, "postgres conversation store: unmarshal")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "postgres conversation store: rows")
	}
	return out, nil
}

func (s *PostgresConversationStore) Upsert(ctx context.Context, c chatmodel.Conversation) error {
	uid, err := normalizeUID(c.UID)
	if err != nil {
		return errors.Wrap(err, "postgres conversation store")
	}
	b, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "postgres conversation store: marshal")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO convsync_conversations (owner, uid, timestamp_ms, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner, uid) DO UPDATE SET
			timestamp_ms = EXCLUDED.timestamp_ms,
			body = EXCLUDED.body,
			updated_at = now()
	`, s.owner, uid, c.Timestamp, b)
	if err != nil {
		return errors.Wrap(err, "postgres conversation store: upsert")
	}
	return nil
}

func (s *PostgresConversationStore) Remove(ctx context.Context, uid string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM convsync_conversations WHERE owner = $1 AND uid = $2`, s.owner, uid); err != nil {
		return errors.Wrap(err, "postgres conversation store: remove")
	}
	return nil
}

func (s *PostgresConversationStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}
