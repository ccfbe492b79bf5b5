package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"herald/internal/platform"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

// ErrBatchRetracted is returned for edit/pin/list attempts on a batch the
// operator has already retracted.
var ErrBatchRetracted = errors.New("batch retracted")

// Tracker groups every send of one dispatch into a batch record and lets a
// later operator action reach every delivered copy.
type Tracker struct {
	store store.BatchStore
	reg   *platform.Registry
	log   logx.Logger
}

func NewTracker(st store.BatchStore, reg *platform.Registry, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{store: st, reg: reg, log: log}
}

// OpenBatch creates the batch row. A batch with zero recorded messages is
// valid: it records a dispatch whose every send failed.
func (t *Tracker) OpenBatch(ctx context.Context, scope string, platforms []platform.ID, preview string) (string, error) {
	id := uuid.NewString()
	names := make([]string, len(platforms))
	for i, p := range platforms {
		names[i] = string(p)
	}
	b := store.Batch{
		ID:        id,
		Scope:     scope,
		Platform:  strings.Join(names, ","),
		Preview:   preview,
		CreatedAt: time.Now(),
	}
	if err := t.store.InsertBatch(ctx, b); err != nil {
		return "", fmt.Errorf("open batch: %w", err)
	}
	return id, nil
}

// RecordSent stores one delivered copy. Called after every successful send,
// before the dispatcher moves to the next recipient.
func (t *Tracker) RecordSent(ctx context.Context, batchID string, pid platform.ID, chatID, messageID string) error {
	return t.store.InsertSentMessage(ctx, store.SentMessage{
		BatchID:   batchID,
		Platform:  string(pid),
		ChatID:    chatID,
		MessageID: messageID,
	})
}

// ListMessages returns every tracked copy of a live batch.
func (t *Tracker) ListMessages(ctx context.Context, batchID string) ([]store.SentMessage, error) {
	b, err := t.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Deleted {
		return nil, ErrBatchRetracted
	}
	return t.store.ListBatchMessages(ctx, batchID)
}

// ListBatches returns recent batches for operator tooling.
func (t *Tracker) ListBatches(ctx context.Context, limit int) ([]store.Batch, error) {
	return t.store.ListBatches(ctx, limit)
}

// Retract deletes every delivered copy from the platforms and soft-deletes
// the batch. SentMessage rows stay in place; they only disappear if the
// batch row itself is hard-deleted (cascade).
func (t *Tracker) Retract(ctx context.Context, batchID string) (deleted, failed int, err error) {
	b, err := t.store.GetBatch(ctx, batchID)
	if err != nil {
		return 0, 0, err
	}
	if b.Deleted {
		return 0, 0, ErrBatchRetracted
	}
	msgs, err := t.store.ListBatchMessages(ctx, batchID)
	if err != nil {
		return 0, 0, err
	}
	for _, m := range msgs {
		client, ok := t.reg.Client(platform.ID(m.Platform))
		if !ok {
			failed++
			continue
		}
		ref := platform.MessageRef{ChatID: m.ChatID, MessageID: m.MessageID}
		if derr := client.Delete(ctx, ref); derr != nil {
			failed++
			t.log.Warn("retract: delete failed", logx.String("batch", batchID), logx.String("chat", m.ChatID), logx.Err(derr))
			continue
		}
		deleted++
	}
	if err := t.store.SoftDeleteBatch(ctx, batchID); err != nil {
		return deleted, failed, err
	}
	t.log.Info("batch retracted", logx.String("batch", batchID), logx.Int("deleted", deleted), logx.Int("failed", failed))
	return deleted, failed, nil
}

// EditAll replaces the content of every delivered copy of a live batch.
func (t *Tracker) EditAll(ctx context.Context, batchID string, c Content) (edited, failed int, err error) {
	msgs, err := t.ListMessages(ctx, batchID)
	if err != nil {
		return 0, 0, err
	}
	payloads := map[platform.ID]platform.Payload{}
	for _, m := range msgs {
		pid := platform.ID(m.Platform)
		client, ok := t.reg.Client(pid)
		if !ok {
			failed++
			continue
		}
		p, ok := payloads[pid]
		if !ok {
			p, err = Normalize(c, pid)
			if err != nil {
				return edited, failed, err
			}
			payloads[pid] = p
		}
		ref := platform.MessageRef{ChatID: m.ChatID, MessageID: m.MessageID}
		if eerr := client.Edit(ctx, ref, p); eerr != nil {
			failed++
			t.log.Warn("edit failed", logx.String("batch", batchID), logx.String("chat", m.ChatID), logx.Err(eerr))
			continue
		}
		edited++
	}
	return edited, failed, nil
}

// PinAll pins every delivered copy of a live batch.
func (t *Tracker) PinAll(ctx context.Context, batchID string) (pinned, failed int, err error) {
	msgs, err := t.ListMessages(ctx, batchID)
	if err != nil {
		return 0, 0, err
	}
	for _, m := range msgs {
		client, ok := t.reg.Client(platform.ID(m.Platform))
		if !ok {
			failed++
			continue
		}
		ref := platform.MessageRef{ChatID: m.ChatID, MessageID: m.MessageID}
		if perr := client.Pin(ctx, ref); perr != nil {
			failed++
			continue
		}
		pinned++
	}
	return pinned, failed, nil
}

// SoftDelete marks the batch retracted without touching delivered copies.
func (t *Tracker) SoftDelete(ctx context.Context, batchID string) error {
	return t.store.SoftDeleteBatch(ctx, batchID)
}
