package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/convsync/pkg/chatmodel"
)

// SQLiteDB owns the database handle shared by the SQLite conversation store
// and message repositories.
type SQLiteDB struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*SQLiteDB, error) {
	if dsn == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: open")
	}
	s := &SQLiteDB{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteDB) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
		  owner TEXT NOT NULL,
		  uid TEXT NOT NULL,
		  timestamp_ms INTEGER NOT NULL,
		  updated_at_ms INTEGER NOT NULL,
		  conversation_json TEXT NOT NULL,
		  PRIMARY KEY (owner, uid)
		);`,
		`CREATE INDEX IF NOT EXISTS conversations_by_timestamp
		  ON conversations(owner, timestamp_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS messages (
		  owner TEXT NOT NULL,
		  conversation_with TEXT NOT NULL,
		  uid TEXT NOT NULL,
		  timestamp_ms INTEGER NOT NULL,
		  status INTEGER NOT NULL,
		  message_json TEXT NOT NULL,
		  PRIMARY KEY (owner, conversation_with, uid)
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}
	return nil
}

// Conversations returns the conversation store of owner.
func (s *SQLiteDB) Conversations(owner Owner) (*SQLiteConversationStore, error) {
	if err := owner.validate(); err != nil {
		return nil, err
	}
	return &SQLiteConversationStore{db: s, owner: owner.Key()}, nil
}

// Messages returns the message repository of one of owner's conversations.
func (s *SQLiteDB) Messages(owner Owner, conversationWith string) (*SQLiteMessageRepository, error) {
	if err := owner.validate(); err != nil {
		return nil, err
	}
	conversationWith = strings.TrimSpace(conversationWith)
	if conversationWith == "" {
		return nil, errors.New("sqlite store: conversation_with is empty")
	}
	return &SQLiteMessageRepository{db: s, owner: owner.Key(), conversationWith: conversationWith}, nil
}

type SQLiteConversationStore struct {
	db    *SQLiteDB
	owner string
}

var _ ConversationStore = &SQLiteConversationStore{}

func (s *SQLiteConversationStore) LoadAll(ctx context.Context) ([]chatmodel.Conversation, error) {
	if s == nil || s.db == nil || s.db.db == nil {
		return nil, errors.New("sqlite conversation store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT conversation_json
		FROM conversations
		WHERE owner = ?
		ORDER BY timestamp_ms DESC, uid ASC
	`, s.owner)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite conversation store: query")
	}
	defer func() { _ = rows.Close() }()

	out := []chatmodel.Conversation{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrap(err, "sqlite conversation store: scan")
		}
		var c chatmodel.Conversation
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, errors.Wrap(err, "sqlite conversation store: unmarshal")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite conversation store: rows")
	}
	return out, nil
}

func (s *SQLiteConversationStore) Upsert(ctx context.Context, c chatmodel.Conversation) error {
	if s == nil || s.db == nil || s.db.db == nil {
		return errors.New("sqlite conversation store: db is nil")
	}
	uid, err := normalizeUID(c.UID)
	if err != nil {
		return errors.Wrap(err, "sqlite conversation store")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "sqlite conversation store: marshal")
	}
	_, err = s.db.db.ExecContext(ctx, `
		INSERT INTO conversations (owner, uid, timestamp_ms, updated_at_ms, conversation_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner, uid) DO UPDATE SET
			timestamp_ms = excluded.timestamp_ms,
			updated_at_ms = excluded.updated_at_ms,
			conversation_json = excluded.conversation_json
	`, s.owner, uid, c.Timestamp, time.Now().UnixMilli(), string(b))
	if err != nil {
		return errors.Wrap(err, "sqlite conversation store: upsert")
	}
	return nil
}

func (s *SQLiteConversationStore) Remove(ctx context.Context, uid string) error {
	if s == nil || s.db == nil || s.db.db == nil {
		return errors.New("sqlite conversation store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.db.db.ExecContext(ctx, `DELETE FROM conversations WHERE owner = ? AND uid = ?`, s.owner, uid); err != nil {
		return errors.Wrap(err, "sqlite conversation store: remove")
	}
	return nil
}

// Close is a no-op; the shared handle is closed through SQLiteDB.
func (s *SQLiteConversationStore) Close() error { return nil }

type SQLiteMessageRepository struct {
	db               *SQLiteDB
	owner            string
	conversationWith string
}

var _ MessageRepository = &SQLiteMessageRepository{}

func (r *SQLiteMessageRepository) FindByUID(ctx context.Context, uid string) (chatmodel.Message, bool, error) {
	if r == nil || r.db == nil || r.db.db == nil {
		return chatmodel.Message{}, false, errors.New("sqlite message repository: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var raw string
	err := r.db.db.QueryRowContext(ctx, `
		SELECT message_json FROM messages
		WHERE owner = ? AND conversation_with = ? AND uid = ?
	`, r.owner, r.conversationWith, uid).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return chatmodel.Message{}, false, nil
	}
	if err != nil {
		return chatmodel.Message{}, false, errors.Wrap(err, "sqlite message repository: query")
	}
	var m chatmodel.Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return chatmodel.Message{}, false, errors.Wrap(err, "sqlite message repository: unmarshal")
	}
	return m, true, nil
}

func (r *SQLiteMessageRepository) Upsert(ctx context.Context, m chatmodel.Message) error {
	if r == nil || r.db == nil || r.db.db == nil {
		return errors.New("sqlite message repository: db is nil")
	}
	uid, err := normalizeUID(m.UID)
	if err != nil {
		return errors.Wrap(err, "sqlite message repository")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "sqlite message repository: marshal")
	}
	_, err = r.db.db.ExecContext(ctx, `
		INSERT INTO messages (owner, conversation_with, uid, timestamp_ms, status, message_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, conversation_with, uid) DO UPDATE SET
			timestamp_ms = excluded.timestamp_ms,
			status = excluded.status,
			message_json = excluded.message_json
	`, r.owner, r.conversationWith, uid, m.Timestamp, int(m.Status), string(b))
	if err != nil {
		return errors.Wrap(err, "sqlite message repository: upsert")
	}
	return nil
}

func (r *SQLiteMessageRepository) Remove(ctx context.Context, uid string) error {
	if r == nil || r.db == nil || r.db.db == nil {
		return errors.New("sqlite message repository: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := r.db.db.ExecContext(ctx, `
		DELETE FROM messages WHERE owner = ? AND conversation_with = ? AND uid = ?
	`, r.owner, r.conversationWith, uid)
	if err != nil {
		return errors.Wrap(err, "sqlite message repository: remove")
	}
	return nil
}

// SQLiteDSNForFile builds a WAL-mode DSN for a database file.
func SQLiteDSNForFile(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("sqlite store: path is empty")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
