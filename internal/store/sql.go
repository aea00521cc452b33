package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// sqlStore implements SessionStore and CronStore on database/sql. The two
// dialects share every query; only placeholder style differs.
type sqlStore struct {
	db      *sql.DB
	dialect string
}

// Close releases the underlying connection pool.
func (s *sqlStore) Close() error { return s.db.Close() }

// rebind converts ?-style placeholders to $N for postgres.
func (s *sqlStore) rebind(query string) string {
	if s.dialect != "postgres" {
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

func (s *sqlStore) Create(ctx context.Context, sess Session) (bool, error) {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = now
	}
	if sess.Kind == "" {
		sess.Kind = KindMain
	}
	meta, err := marshalMeta(sess.Metadata)
	if err != nil {
		return false, err
	}

	// ON CONFLICT DO NOTHING makes concurrent creates of one key converge:
	// exactly one insert wins, the rest are no-ops with the row untouched.
	res, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO sessions (session_key, label, agent_id, kind, created_at, updated_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_key) DO NOTHING`),
		sess.SessionKey, sess.Label, sess.AgentID, string(sess.Kind),
		sess.CreatedAt, sess.UpdatedAt, meta)
	if err != nil {
		return false, fmt.Errorf("store: create session %s: %w", sess.SessionKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) Get(ctx context.Context, key string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT session_key, label, agent_id, kind, created_at, updated_at, metadata
		 FROM sessions WHERE session_key = ?`), key)
	return scanSession(row)
}

func (s *sqlStore) Update(ctx context.Context, key string, patch SessionPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, s.rebind(
		`SELECT session_key, label, agent_id, kind, created_at, updated_at, metadata
		 FROM sessions WHERE session_key = ?`), key)
	cur, err := scanSession(row)
	if err != nil {
		return err
	}

	if patch.Label != nil {
		cur.Label = *patch.Label
	}
	if patch.AgentID != nil {
		cur.AgentID = *patch.AgentID
	}
	if len(patch.Metadata) > 0 {
		if cur.Metadata == nil {
			cur.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			cur.Metadata[k] = v
		}
	}
	meta, err := marshalMeta(cur.Metadata)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, s.rebind(
		`UPDATE sessions SET label = ?, agent_id = ?, metadata = ?, updated_at = ?
		 WHERE session_key = ?`),
		cur.Label, cur.AgentID, meta, time.Now().UTC(), key)
	if err != nil {
		return fmt.Errorf("store: update session %s: %w", key, err)
	}
	return tx.Commit()
}

func (s *sqlStore) Delete(ctx context.Context, key string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	// Messages first; sqlite foreign_keys may be off on exotic setups.
	if _, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM session_messages WHERE session_key = ?`), key); err != nil {
		return false, fmt.Errorf("store: delete messages for %s: %w", key, err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(
		`DELETE FROM sessions WHERE session_key = ?`), key)
	if err != nil {
		return false, fmt.Errorf("store: delete session %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlStore) List(ctx context.Context, opts ListOptions) ([]Session, error) {
	query := `SELECT session_key, label, agent_id, kind, created_at, updated_at, metadata
		 FROM sessions`
	var args []any
	if opts.Kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(opts.Kind))
	}
	query += ` ORDER BY updated_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *sqlStore) AddMessage(ctx context.Context, msg SessionMessage) (*SessionMessage, error) {
	msg.ID = uuid.NewString()
	msg.Timestamp = time.Now().UTC()
	meta, err := marshalMeta(msg.Metadata)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Touching updated_at first doubles as the existence check, inside the
	// same transaction so a concurrent delete cannot slip between.
	res, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE sessions SET updated_at = ? WHERE session_key = ?`),
		msg.Timestamp, msg.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("store: touch session %s: %w", msg.SessionKey, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrSessionNotFound
	}

	_, err = tx.ExecContext(ctx, s.rebind(
		`INSERT INTO session_messages (id, session_key, role, content, timestamp, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.SessionKey, msg.Role, msg.Content, msg.Timestamp, meta)
	if err != nil {
		return nil, fmt.Errorf("store: append message to %s: %w", msg.SessionKey, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *sqlStore) GetMessages(ctx context.Context, key string, opts GetMessagesOptions) ([]SessionMessage, error) {
	query := `SELECT id, session_key, role, content, timestamp, metadata
		 FROM session_messages WHERE session_key = ?`
	args := []any{key}
	if !opts.Before.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, opts.Before.UTC())
	}
	query += ` ORDER BY timestamp ASC, seq ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: get messages for %s: %w", key, err)
	}
	defer rows.Close()

	var out []SessionMessage
	for rows.Next() {
		var m SessionMessage
		var meta []byte
		if err := rows.Scan(&m.ID, &m.SessionKey, &m.Role, &m.Content, &m.Timestamp, &meta); err != nil {
			return nil, err
		}
		if err := unmarshalMeta(meta, &m.Metadata); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlStore) LoadTasks(ctx context.Context) ([]CronTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, schedule, description, task, enabled, notify, built_in FROM cron_tasks`)
	if err != nil {
		return nil, fmt.Errorf("store: load cron tasks: %w", err)
	}
	defer rows.Close()

	var out []CronTask
	for rows.Next() {
		var t CronTask
		var notify []byte
		if err := rows.Scan(&t.ID, &t.Name, &t.Schedule, &t.Description, &t.Task, &t.Enabled, &notify, &t.BuiltIn); err != nil {
			return nil, err
		}
		if len(notify) > 0 {
			if err := json.Unmarshal(notify, &t.Notify); err != nil {
				return nil, fmt.Errorf("store: cron task %s notify: %w", t.ID, err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveTasks replaces the persisted task set with the given one.
func (s *sqlStore) SaveTasks(ctx context.Context, tasks []CronTask) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cron_tasks`); err != nil {
		return fmt.Errorf("store: clear cron tasks: %w", err)
	}
	for _, t := range tasks {
		notify, err := json.Marshal(t.Notify)
		if err != nil {
			return err
		}
		if t.Notify == nil {
			notify = []byte(`[]`)
		}
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO cron_tasks (id, name, schedule, description, task, enabled, notify, built_in)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			t.ID, t.Name, t.Schedule, t.Description, t.Task, t.Enabled, notify, t.BuiltIn)
		if err != nil {
			return fmt.Errorf("store: save cron task %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var kind string
	var meta []byte
	err := row.Scan(&sess.SessionKey, &sess.Label, &sess.AgentID, &kind,
		&sess.CreatedAt, &sess.UpdatedAt, &meta)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Kind = SessionKind(kind)
	if err := unmarshalMeta(meta, &sess.Metadata); err != nil {
		return nil, err
	}
	return &sess, nil
}

func marshalMeta(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte(`{}`), nil
	}
	return json.Marshal(m)
}

func unmarshalMeta(data []byte, dst *map[string]any) error {
	if len(data) == 0 || string(data) == `{}` {
		return nil
	}
	return json.Unmarshal(data, dst)
}
