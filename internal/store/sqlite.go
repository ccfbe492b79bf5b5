package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "herald/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite store and runs migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	// Cascade delete of sent_messages depends on this.
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- chats ----

func (s *sqliteStore) UpsertChat(ctx context.Context, c Chat) error {
	if c.LastSeen.IsZero() {
		c.LastSeen = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats(chat_id, platform, type, title, tags, active, last_seen, member_count)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(chat_id, platform) DO UPDATE SET
		   type=excluded.type, title=excluded.title, tags=excluded.tags,
		   active=excluded.active, last_seen=excluded.last_seen, member_count=excluded.member_count`,
		c.ChatID, c.Platform, c.Type, c.Title, joinTags(c.Tags), boolInt(c.Active), c.LastSeen.Unix(), c.MemberCount,
	)
	return err
}

func (s *sqliteStore) ListChats(ctx context.Context, platform string, f ChatFilter) ([]Chat, error) {
	// Stable order keeps retry/resume of a partial dispatch meaningful.
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, platform, type, title, tags, active, last_seen, member_count
		 FROM chats WHERE platform = ? AND active = 1 ORDER BY chat_id`, platform)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		var c Chat
		var tags string
		var active int
		var lastSeen int64
		if err := rows.Scan(&c.ChatID, &c.Platform, &c.Type, &c.Title, &tags, &active, &lastSeen, &c.MemberCount); err != nil {
			return nil, err
		}
		c.Tags = splitTags(tags)
		c.Active = active != 0
		c.LastSeen = time.Unix(lastSeen, 0)
		if !matchFilter(c, f) {
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func matchFilter(c Chat, f ChatFilter) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if c.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Tag != "" {
		for _, t := range c.Tags {
			if t == f.Tag {
				return true
			}
		}
		return false
	}
	return true
}

func (s *sqliteStore) MarkChatInactive(ctx context.Context, platform, chatID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE chats SET active = 0 WHERE platform = ? AND chat_id = ?`, platform, chatID)
	return err
}

// ---- batches ----

func (s *sqliteStore) InsertBatch(ctx context.Context, b Batch) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches(id, scope, platform, preview, created_at, deleted) VALUES(?,?,?,?,?,0)`,
		b.ID, b.Scope, b.Platform, b.Preview, b.CreatedAt.Unix(),
	)
	return err
}

func (s *sqliteStore) GetBatch(ctx context.Context, id string) (Batch, error) {
	var b Batch
	var created int64
	var deleted int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, scope, platform, preview, created_at, deleted FROM batches WHERE id = ?`, id).
		Scan(&b.ID, &b.Scope, &b.Platform, &b.Preview, &created, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return Batch{}, ErrNotFound
	}
	if err != nil {
		return Batch{}, err
	}
	b.CreatedAt = time.Unix(created, 0)
	b.Deleted = deleted != 0
	return b, nil
}

func (s *sqliteStore) ListBatches(ctx context.Context, limit int) ([]Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, platform, preview, created_at, deleted
		 FROM batches ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		var b Batch
		var created int64
		var deleted int
		if err := rows.Scan(&b.ID, &b.Scope, &b.Platform, &b.Preview, &created, &deleted); err != nil {
			return nil, err
		}
		b.CreatedAt = time.Unix(created, 0)
		b.Deleted = deleted != 0
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SoftDeleteBatch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE batches SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteBatch(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) InsertSentMessage(ctx context.Context, m SentMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sent_messages(batch_id, platform, chat_id, message_id) VALUES(?,?,?,?)`,
		m.BatchID, m.Platform, m.ChatID, m.MessageID,
	)
	return err
}

func (s *sqliteStore) ListBatchMessages(ctx context.Context, batchID string) ([]SentMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT batch_id, platform, chat_id, message_id FROM sent_messages WHERE batch_id = ? ORDER BY rowid`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SentMessage
	for rows.Next() {
		var m SentMessage
		if err := rows.Scan(&m.BatchID, &m.Platform, &m.ChatID, &m.MessageID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---- dedupe ----

func (s *sqliteStore) AdmitFingerprint(ctx context.Context, fp string, now time.Time, window time.Duration) (bool, error) {
	if fp == "" {
		return true, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := now.Add(-window).Unix()
	if _, err := tx.ExecContext(ctx, `DELETE FROM dedupe WHERE created_at < ?`, cutoff); err != nil {
		return false, err
	}
	// INSERT OR IGNORE is the atomic check-and-set: a conflicting row inside
	// the window means a concurrent or recent identical broadcast won.
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO dedupe(fingerprint, created_at) VALUES(?,?)`, fp, now.Unix())
	if err != nil {
		return false, err
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

// ---- jobs ----

func (s *sqliteStore) InsertJob(ctx context.Context, j Job) error {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	if j.Status == "" {
		j.Status = JobPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, title, body, platforms, scopes, tag_filter, content_kind, content,
		                  fire_at, repeat_kind, repeat_every, cron_spec, status, last_sent, total_sent, pin_on_send, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Title, j.Body, strings.Join(j.Platforms, ","), strings.Join(j.Scopes, ","), j.TagFilter,
		j.ContentKind, j.Content, unixOrZero(j.FireAt), j.RepeatKind, int64(j.RepeatEvery/time.Second),
		j.CronSpec, j.Status, unixOrZero(j.LastSent), j.TotalSent, boolInt(j.PinOnSend), j.CreatedAt.Unix(),
	)
	return err
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, body, platforms, scopes, tag_filter, content_kind, content,
		        fire_at, repeat_kind, repeat_every, cron_spec, status, last_sent, total_sent, pin_on_send, created_at
		 FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (s *sqliteStore) ListJobs(ctx context.Context, statuses ...string) ([]Job, error) {
	q := `SELECT id, title, body, platforms, scopes, tag_filter, content_kind, content,
	             fire_at, repeat_kind, repeat_every, cron_spec, status, last_sent, total_sent, pin_on_send, created_at
	      FROM jobs`
	var args []any
	if len(statuses) > 0 {
		ph := make([]string, len(statuses))
		for i, st := range statuses {
			ph[i] = "?"
			args = append(args, st)
		}
		q += ` WHERE status IN (` + strings.Join(ph, ",") + `)`
	}
	q += ` ORDER BY fire_at`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkJobFired(ctx context.Context, id string, at time.Time, sentDelta int, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET last_sent = ?, total_sent = total_sent + ?, status = ? WHERE id = ?`,
		at.Unix(), sentDelta, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) SetJobStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (Job, error) {
	var j Job
	var platforms, scopes string
	var fireAt, lastSent, createdAt, everySec int64
	var pin int
	err := r.Scan(&j.ID, &j.Title, &j.Body, &platforms, &scopes, &j.TagFilter, &j.ContentKind, &j.Content,
		&fireAt, &j.RepeatKind, &everySec, &j.CronSpec, &j.Status, &lastSent, &j.TotalSent, &pin, &createdAt)
	if err != nil {
		return Job{}, err
	}
	j.Platforms = splitTags(platforms)
	j.Scopes = splitTags(scopes)
	j.RepeatEvery = time.Duration(everySec) * time.Second
	j.PinOnSend = pin != 0
	if fireAt > 0 {
		j.FireAt = time.Unix(fireAt, 0)
	}
	if lastSent > 0 {
		j.LastSent = time.Unix(lastSent, 0)
	}
	if createdAt > 0 {
		j.CreatedAt = time.Unix(createdAt, 0)
	}
	return j, nil
}

func joinTags(tags []string) string {
	parts := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, ",")
}

func splitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
