// Package directory is the chat directory: every chat the system has seen,
// per platform, with type/tags/activity used by broadcast scoping.
package directory

import (
	"context"
	"time"

	"herald/internal/store"
	logx "herald/pkg/logx"
)

// Directory reads and maintains chat rows. It owns no background work.
type Directory struct {
	chats store.ChatStore
	log   logx.Logger
}

func New(chats store.ChatStore, log logx.Logger) *Directory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Directory{chats: chats, log: log}
}

// Track records an observed interaction: the chat is created on first sight
// and refreshed on every later one. Chats are never removed here.
func (d *Directory) Track(ctx context.Context, c store.Chat) error {
	if c.LastSeen.IsZero() {
		c.LastSeen = time.Now()
	}
	c.Active = true
	return d.chats.UpsertChat(ctx, c)
}

// List returns the active chats on platform matching f, in stable order.
func (d *Directory) List(ctx context.Context, platform string, f store.ChatFilter) ([]store.Chat, error) {
	return d.chats.ListChats(ctx, platform, f)
}

// MarkInactive flags a chat so future broadcasts skip it. Called by the
// dispatcher when a platform reports the recipient unreachable.
func (d *Directory) MarkInactive(ctx context.Context, platform, chatID string) error {
	err := d.chats.MarkChatInactive(ctx, platform, chatID)
	if err != nil {
		d.log.Warn("failed to deactivate chat", logx.String("platform", platform), logx.String("chat", chatID), logx.Err(err))
		return err
	}
	d.log.Debug("chat deactivated", logx.String("platform", platform), logx.String("chat", chatID))
	return nil
}
