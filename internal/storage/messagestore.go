package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relaymesh/relaymesh/pkg/wire"
)

// MessageStore is the audit/replay log consumed by session resume and
// status tooling. It is never on the live routing path.
type MessageStore interface {
	Append(env *wire.Envelope) error
	Query(q MessageQuery) ([]*wire.Envelope, error)
	Close() error
}

type MessageQuery struct {
	Limit   int
	From    string
	To      string
	SinceTS int64
	Order   QueryOrder
}

type QueryOrder string

const (
	OrderAsc  QueryOrder = "asc"
	OrderDesc QueryOrder = "desc"
)

// SQLiteMessageStore stores envelopes in a single messages table. WAL
// mode and a busy timeout keep concurrent CLI readers from tripping over
// the daemon writer.
type SQLiteMessageStore struct {
	db *sql.DB
}

func OpenMessageStore(path string) (*SQLiteMessageStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			from_agent TEXT NOT NULL DEFAULT '',
			to_agent   TEXT NOT NULL DEFAULT '',
			topic      TEXT NOT NULL DEFAULT '',
			ts         INTEGER NOT NULL,
			stored_at  INTEGER NOT NULL,
			envelope   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts);
		CREATE INDEX IF NOT EXISTS idx_messages_from ON messages(from_agent);
		CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_agent);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create messages schema: %w", err)
	}

	return &SQLiteMessageStore{db: db}, nil
}

// Append inserts one envelope. Re-appending the same envelope id is a
// no-op so retried writes stay idempotent.
func (s *SQLiteMessageStore) Append(env *wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT OR IGNORE INTO messages (id, type, from_agent, to_agent, topic, ts, stored_at, envelope)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ID, string(env.Type), env.From, env.To, env.Topic, env.TS,
		time.Now().UnixMilli(), string(data),
	)
	if err != nil {
		return fmt.Errorf("append envelope %s: %w", env.ID, err)
	}
	return nil
}

func (s *SQLiteMessageStore) Query(q MessageQuery) ([]*wire.Envelope, error) {
	var (
		where []string
		args  []any
	)
	if q.From != "" {
		where = append(where, "from_agent = ?")
		args = append(args, q.From)
	}
	if q.To != "" {
		where = append(where, "to_agent = ?")
		args = append(args, q.To)
	}
	if q.SinceTS > 0 {
		where = append(where, "ts >= ?")
		args = append(args, q.SinceTS)
	}

	query := "SELECT envelope FROM messages"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if q.Order == OrderDesc {
		query += " ORDER BY ts DESC, stored_at DESC"
	} else {
		query += " ORDER BY ts ASC, stored_at ASC"
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*wire.Envelope
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		var env wire.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("parse stored envelope: %w", err)
		}
		out = append(out, &env)
	}
	return out, rows.Err()
}

// Prune deletes entries older than the retention cutoff. Called
// periodically by the daemon; replay never reaches past this window.
func (s *SQLiteMessageStore) Prune(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM messages WHERE ts < ?", olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteMessageStore) Close() error {
	return s.db.Close()
}
