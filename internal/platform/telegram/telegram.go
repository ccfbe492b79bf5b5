// Package telegram implements the platform capability on top of the
// Telegram Bot API. Bot-API-compatible platforms (Bale) reuse this client
// with a custom endpoint URL.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"herald/internal/platform"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

type Config struct {
	Token       string
	APIURL      string // empty = api.telegram.org; set for Bale etc.
	PollTimeout time.Duration
}

// ChatSink receives observed chats (directory Track).
type ChatSink interface {
	Track(ctx context.Context, c store.Chat) error
}

type Client struct {
	id  platform.ID
	bot *tele.Bot
	log logx.Logger
}

func New(id platform.ID, cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("%s: token is empty", id)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		URL:    cfg.APIURL,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Client{id: id, bot: b, log: log}, nil
}

// StartPolling consumes updates so the chat directory sees every chat on
// first interaction. It blocks until ctx is cancelled.
func (c *Client) StartPolling(ctx context.Context, sink ChatSink) {
	c.bot.Handle(tele.OnText, func(tc tele.Context) error {
		c.track(ctx, sink, tc)
		return nil
	})
	c.bot.Handle(tele.OnAddedToGroup, func(tc tele.Context) error {
		c.track(ctx, sink, tc)
		return nil
	})
	c.bot.Handle(tele.OnChannelPost, func(tc tele.Context) error {
		c.track(ctx, sink, tc)
		return nil
	})

	go func() {
		<-ctx.Done()
		c.bot.Stop()
	}()
	c.log.Info("polling started", logx.String("platform", string(c.id)))
	c.bot.Start()
	c.log.Info("polling stopped", logx.String("platform", string(c.id)))
}

func (c *Client) track(ctx context.Context, sink ChatSink, tc tele.Context) {
	if sink == nil {
		return
	}
	chat := tc.Chat()
	if chat == nil {
		return
	}
	typ := "private"
	switch chat.Type {
	case tele.ChatGroup, tele.ChatSuperGroup:
		typ = "group"
	case tele.ChatChannel, tele.ChatChannelPrivate:
		typ = "channel"
	}
	title := chat.Title
	if title == "" {
		title = strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	}
	err := sink.Track(ctx, store.Chat{
		ChatID:   strconv.FormatInt(chat.ID, 10),
		Platform: string(c.id),
		Type:     typ,
		Title:    title,
		LastSeen: time.Now(),
	})
	if err != nil {
		c.log.Warn("chat track failed", logx.Int64("chat", chat.ID), logx.Err(err))
	}
}

// ---- platform.Client ----

func (c *Client) Send(ctx context.Context, chatID string, p platform.Payload) (platform.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return platform.MessageRef{}, err
	}
	to, err := recipient(chatID)
	if err != nil {
		return platform.MessageRef{}, err
	}

	var msg *tele.Message
	switch p.Kind {
	case platform.PayloadText:
		msg, err = c.bot.Send(to, p.Text)
	case platform.PayloadPhoto:
		msg, err = c.bot.Send(to, &tele.Photo{File: tele.File{FileID: p.FileID}, Caption: p.Caption})
	case platform.PayloadVideo:
		msg, err = c.bot.Send(to, &tele.Video{File: tele.File{FileID: p.FileID}, Caption: p.Caption})
	case platform.PayloadDocument:
		msg, err = c.bot.Send(to, &tele.Document{File: tele.File{FileID: p.FileID}, Caption: p.Caption})
	case platform.PayloadForward:
		src, serr := storedMessage(p.Forward)
		if serr != nil {
			return platform.MessageRef{}, serr
		}
		msg, err = c.bot.Forward(to, src)
	default:
		return platform.MessageRef{}, fmt.Errorf("unsupported payload kind %q", p.Kind)
	}
	if err != nil {
		return platform.MessageRef{}, classify(err)
	}
	return platform.MessageRef{ChatID: chatID, MessageID: strconv.Itoa(msg.ID)}, nil
}

func (c *Client) Edit(ctx context.Context, ref platform.MessageRef, p platform.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ed, err := editable(ref)
	if err != nil {
		return err
	}
	switch p.Kind {
	case platform.PayloadText:
		_, err = c.bot.Edit(ed, p.Text)
	default:
		// Media content: only the caption can change after the fact.
		_, err = c.bot.EditCaption(ed, p.Caption)
	}
	return classify(err)
}

func (c *Client) Delete(ctx context.Context, ref platform.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ed, err := editable(ref)
	if err != nil {
		return err
	}
	return classify(c.bot.Delete(ed))
}

func (c *Client) Pin(ctx context.Context, ref platform.MessageRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ed, err := editable(ref)
	if err != nil {
		return err
	}
	return classify(c.bot.Pin(ed))
}

func recipient(chatID string) (tele.Recipient, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad chat id %q: %w", chatID, err)
	}
	return tele.ChatID(id), nil
}

func editable(ref platform.MessageRef) (tele.Editable, error) {
	id, err := strconv.ParseInt(ref.ChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad chat id %q: %w", ref.ChatID, err)
	}
	return tele.StoredMessage{ChatID: id, MessageID: ref.MessageID}, nil
}

func storedMessage(f *platform.ForwardRef) (tele.Editable, error) {
	if f == nil {
		return nil, errors.New("missing forward reference")
	}
	id, err := strconv.ParseInt(f.FromChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad forward chat id %q: %w", f.FromChatID, err)
	}
	return tele.StoredMessage{ChatID: id, MessageID: f.MessageID}, nil
}

// classify maps telebot errors onto the platform error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &platform.RateLimitedError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second}
	}
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrNotStartedByUser),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrKickedFromSuperGroup),
		errors.Is(err, tele.ErrKickedFromChannel):
		return fmt.Errorf("%w: %s", platform.ErrUnreachable, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) || errors.Is(err, context.DeadlineExceeded) {
		return &platform.TransientError{Err: err}
	}
	return err
}
