// Package store persists sessions and their ordered message transcripts.
// Two backends implement the same contract: SQLite for the default local
// install and Postgres for shared deployments. Schema lifecycle is handled
// by embedded migrations.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when an operation targets a session key
// that does not exist (or was deleted between lookup and mutation).
var ErrSessionNotFound = errors.New("store: session not found")

// SessionKind classifies how a session came to exist. Immutable.
type SessionKind string

const (
	KindMain     SessionKind = "main"
	KindSubagent SessionKind = "subagent"
	KindCron     SessionKind = "cron"
)

// Session is one persisted conversation.
type Session struct {
	SessionKey string         `json:"sessionKey"`
	Label      string         `json:"label,omitempty"`
	AgentID    string         `json:"agentId,omitempty"`
	Kind       SessionKind    `json:"kind"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SessionMessage is one immutable transcript entry.
type SessionMessage struct {
	ID         string         `json:"id"`
	SessionKey string         `json:"sessionKey"`
	Role       string         `json:"role"` // user | assistant | system
	Content    string         `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// SessionPatch is a partial update applied by Update. Nil fields are left
// untouched; Metadata entries are merged key-by-key.
type SessionPatch struct {
	Label    *string        `json:"label,omitempty"`
	AgentID  *string        `json:"agentId,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ListOptions filters List. Zero Limit means no cap.
type ListOptions struct {
	Kind  SessionKind
	Limit int
}

// GetMessagesOptions filters GetMessages. Zero Before means no upper bound.
type GetMessagesOptions struct {
	Limit  int
	Before time.Time
}

// SessionStore is the persistence contract for sessions and transcripts.
//
// Create is ensure-exists-without-truncation: creating a key that already
// holds messages never wipes them. Concurrent creates of one key converge
// to a single survivor. AddMessage preserves total append order per session.
type SessionStore interface {
	// Create inserts the session if absent. Returns true iff a row was
	// actually created; an existing session is left untouched.
	Create(ctx context.Context, s Session) (created bool, err error)

	// Get returns the session or ErrSessionNotFound.
	Get(ctx context.Context, key string) (*Session, error)

	// Update merges the patch and refreshes UpdatedAt.
	Update(ctx context.Context, key string, patch SessionPatch) error

	// Delete removes the session and all its messages atomically.
	// Returns true iff something was removed.
	Delete(ctx context.Context, key string) (bool, error)

	// List returns sessions newest-first by UpdatedAt.
	List(ctx context.Context, opts ListOptions) ([]Session, error)

	// AddMessage assigns id and timestamp, appends in order, and refreshes
	// the session's UpdatedAt. ErrSessionNotFound if the session is gone.
	AddMessage(ctx context.Context, msg SessionMessage) (*SessionMessage, error)

	// GetMessages returns the transcript oldest-first. Empty, not an
	// error, when the session does not exist.
	GetMessages(ctx context.Context, key string, opts GetMessagesOptions) ([]SessionMessage, error)

	Close() error
}

// CronTask is one scheduled instruction for the agent.
type CronTask struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Schedule    string   `json:"schedule"`
	Description string   `json:"description,omitempty"`
	Task        string   `json:"task"`
	Enabled     bool     `json:"enabled"`
	Notify      []string `json:"notify,omitempty"`
	BuiltIn     bool     `json:"builtIn,omitempty"`
}

// CronStore persists the non-ephemeral cron task set.
type CronStore interface {
	LoadTasks(ctx context.Context) ([]CronTask, error)
	SaveTasks(ctx context.Context, tasks []CronTask) error
}
