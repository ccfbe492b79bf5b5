// Package store is the persistence layer: chat directory rows, broadcast
// batches and their delivered copies, dedup fingerprints, and scheduled job
// definitions. SQLite (WAL) is the single source of truth; all writers go
// through one *sql.DB so concurrent dispatches stay safe.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

// Chat is one directory row, keyed by (ChatID, Platform).
// Chats are never hard-deleted, only flagged inactive.
type Chat struct {
	ChatID      string
	Platform    string
	Type        string // "private" | "group" | "channel"
	Title       string
	Tags        []string
	Active      bool
	LastSeen    time.Time
	MemberCount int
}

// ChatFilter narrows ListChats. Zero value matches every active chat.
type ChatFilter struct {
	Types []string // empty = all types
	Tag   string   // non-empty = require tag membership
}

// Batch groups every message one dispatch invocation produced.
type Batch struct {
	ID        string
	Scope     string
	Platform  string
	Preview   string
	CreatedAt time.Time
	Deleted   bool
}

// SentMessage is one delivered copy, the join key for later edit/retract.
// Platform routes the later mutation through the right client.
type SentMessage struct {
	BatchID   string
	Platform  string
	ChatID    string
	MessageID string
}

// Job statuses. Transitions are monotone except the recurring reset
// sent -> pending.
const (
	JobPending   = "pending"
	JobSent      = "sent"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Job repeat kinds.
const (
	RepeatOnce     = "once"
	RepeatInterval = "interval"
	RepeatCalendar = "calendar"
)

// Job is a persisted scheduled-broadcast definition.
type Job struct {
	ID          string
	Title       string
	Body        string
	Platforms   []string
	Scopes      []string
	TagFilter   string
	ContentKind string
	Content     string // opaque payload (file id, forward ref, ...)
	FireAt      time.Time
	RepeatKind  string // "once" | "interval" | "calendar"
	RepeatEvery time.Duration
	CronSpec    string
	Status      string
	LastSent    time.Time
	TotalSent   int
	PinOnSend   bool
	CreatedAt   time.Time
}

type ChatStore interface {
	UpsertChat(ctx context.Context, c Chat) error
	ListChats(ctx context.Context, platform string, f ChatFilter) ([]Chat, error)
	MarkChatInactive(ctx context.Context, platform, chatID string) error
}

type BatchStore interface {
	InsertBatch(ctx context.Context, b Batch) error
	GetBatch(ctx context.Context, id string) (Batch, error)
	ListBatches(ctx context.Context, limit int) ([]Batch, error)
	SoftDeleteBatch(ctx context.Context, id string) error
	DeleteBatch(ctx context.Context, id string) error
	InsertSentMessage(ctx context.Context, m SentMessage) error
	ListBatchMessages(ctx context.Context, batchID string) ([]SentMessage, error)
}

type DedupStore interface {
	// AdmitFingerprint purges entries older than window, then attempts a
	// unique insert of fp. It returns false when an identical fingerprint
	// was already admitted inside the window. Purge and insert run in one
	// transaction; uniqueness is enforced by the store, not by a
	// check-then-insert.
	AdmitFingerprint(ctx context.Context, fp string, now time.Time, window time.Duration) (bool, error)
}

type JobStore interface {
	InsertJob(ctx context.Context, j Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context, statuses ...string) ([]Job, error)
	// MarkJobFired updates last_sent, adds sentDelta to total_sent and sets
	// status in one statement, so a crash cannot split the outcome record.
	MarkJobFired(ctx context.Context, id string, at time.Time, sentDelta int, status string) error
	SetJobStatus(ctx context.Context, id, status string) error
	DeleteJob(ctx context.Context, id string) error
}

// Store is the full persistence API.
type Store interface {
	ChatStore
	BatchStore
	DedupStore
	JobStore
	Close() error
}
