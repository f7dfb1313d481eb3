// Package sqlstore implements threadstore.Store over database/sql. The sqlite
// and postgres packages open the connection and pick the dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tokligence/tokligence-chat/internal/threadstore"
)

// Dialect selects placeholder syntax and row locking.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

var _ threadstore.Store = (*Store)(nil)

// Store is a SQL backed thread store. Timestamps are stored as unix
// microseconds so both dialects sort and compare them the same way.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS chat_threads (
	id TEXT PRIMARY KEY,
	guest_id TEXT NOT NULL,
	title TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chat_threads_guest ON chat_threads(guest_id, created_at);

CREATE TABLE IF NOT EXISTS chat_messages (
	thread_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	tool_calls TEXT,
	tool_call_id TEXT,
	name TEXT,
	created_at BIGINT NOT NULL,
	PRIMARY KEY (thread_id, seq)
);
`

// New wraps db and applies the schema.
func New(db *sql.DB, dialect Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect, now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }}
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return s, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// PingContext checks the connection.
func (s *Store) PingContext(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close releases underlying resources.
func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func micros(t time.Time) int64 { return t.UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

func (s *Store) CreateThread(ctx context.Context, guestID, title string) (threadstore.Thread, error) {
	now := s.now()
	t := threadstore.Thread{ID: threadstore.NewID(), GuestID: guestID, Title: title, CreatedAt: now, UpdatedAt: now}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO chat_threads (id, guest_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
		t.ID, t.GuestID, t.Title, micros(now), micros(now))
	if err != nil {
		return threadstore.Thread{}, fmt.Errorf("insert thread: %w", err)
	}
	return t, nil
}

func (s *Store) ListThreads(ctx context.Context, guestID string) ([]threadstore.Thread, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, guest_id, title, created_at, updated_at FROM chat_threads WHERE guest_id = ? ORDER BY created_at DESC, id DESC`), guestID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()
	var out []threadstore.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanThread(row scanner) (threadstore.Thread, error) {
	var t threadstore.Thread
	var created, updated int64
	if err := row.Scan(&t.ID, &t.GuestID, &t.Title, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return threadstore.Thread{}, threadstore.ErrNotFound
		}
		return threadstore.Thread{}, fmt.Errorf("scan thread: %w", err)
	}
	t.CreatedAt = fromMicros(created)
	t.UpdatedAt = fromMicros(updated)
	return t, nil
}

func (s *Store) GetThread(ctx context.Context, id string) (threadstore.Thread, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, guest_id, title, created_at, updated_at FROM chat_threads WHERE id = ?`), id)
	return scanThread(row)
}

func (s *Store) RenameThread(ctx context.Context, id, title string) (threadstore.Thread, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE chat_threads SET title = ?, updated_at = ? WHERE id = ?`), title, micros(s.now()), id)
	if err != nil {
		return threadstore.Thread{}, fmt.Errorf("rename thread: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return threadstore.Thread{}, threadstore.ErrNotFound
	}
	return s.GetThread(ctx, id)
}

func (s *Store) DeleteThread(ctx context.Context, id string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM chat_messages WHERE thread_id = ?`), id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM chat_threads WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if n, rerr := res.RowsAffected(); rerr == nil && n == 0 {
		return threadstore.ErrNotFound
	}
	return nil
}

func (s *Store) AppendMessages(ctx context.Context, threadID string, msgs ...threadstore.Message) (stored []threadstore.Message, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	lock := ""
	if s.dialect == Postgres {
		lock = " FOR UPDATE"
	}
	var exists string
	if err = tx.QueryRowContext(ctx, s.rebind(`SELECT id FROM chat_threads WHERE id = ?`+lock), threadID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, threadstore.ErrNotFound
		}
		return nil, fmt.Errorf("lock thread: %w", err)
	}

	var last int
	if err = tx.QueryRowContext(ctx, s.rebind(`SELECT COALESCE(MAX(seq), 0) FROM chat_messages WHERE thread_id = ?`), threadID).Scan(&last); err != nil {
		return nil, fmt.Errorf("read last seq: %w", err)
	}

	now := s.now()
	stored = threadstore.Prepare(threadID, last, now, msgs)
	insert := s.rebind(`INSERT INTO chat_messages (thread_id, seq, id, role, content, tool_calls, tool_call_id, name, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, m := range stored {
		var calls sql.NullString
		if len(m.ToolCalls) > 0 {
			data, merr := json.Marshal(m.ToolCalls)
			if merr != nil {
				err = fmt.Errorf("encode tool calls: %w", merr)
				return nil, err
			}
			calls = sql.NullString{String: string(data), Valid: true}
		}
		if _, err = tx.ExecContext(ctx, insert, threadID, m.Seq, m.ID, string(m.Role), m.Content, calls, m.ToolCallID, m.Name, micros(m.CreatedAt)); err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}
	}
	if _, err = tx.ExecContext(ctx, s.rebind(`UPDATE chat_threads SET updated_at = ? WHERE id = ?`), micros(now), threadID); err != nil {
		return nil, fmt.Errorf("touch thread: %w", err)
	}
	return stored, nil
}

func (s *Store) ListMessages(ctx context.Context, threadID string) ([]threadstore.Message, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, seq, role, content, tool_calls, tool_call_id, name, created_at FROM chat_messages WHERE thread_id = ? ORDER BY seq ASC`), threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []threadstore.Message
	for rows.Next() {
		var (
			m          threadstore.Message
			role       string
			calls      sql.NullString
			toolCallID sql.NullString
			name       sql.NullString
			created    int64
		)
		if err := rows.Scan(&m.ID, &m.Seq, &role, &m.Content, &calls, &toolCallID, &name, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ThreadID = threadID
		m.Role = threadstore.Role(role)
		m.ToolCallID = toolCallID.String
		m.Name = name.String
		m.CreatedAt = fromMicros(created)
		if calls.Valid && calls.String != "" {
			if err := json.Unmarshal([]byte(calls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
