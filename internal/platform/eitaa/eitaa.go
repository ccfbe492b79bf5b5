// Package eitaa implements the platform capability against the eitaayar.ir
// bot API. The API is send-only: delivered messages cannot be edited or
// deleted, and pinning happens at send time via a request flag.
package eitaa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"herald/internal/platform"
	logx "herald/pkg/logx"
)

const defaultBaseURL = "https://eitaayar.ir/api"

type Config struct {
	Token   string
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	id   platform.ID
	base string // <base>/<token>, no trailing slash
	http *http.Client
	log  logx.Logger
}

func New(id platform.ID, cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("%s: token is empty", id)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		id:   id,
		base: base + "/" + cfg.Token,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}, nil
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

func (c *Client) Send(ctx context.Context, chatID string, p platform.Payload) (platform.MessageRef, error) {
	var text string
	switch p.Kind {
	case platform.PayloadText:
		text = p.Text
	case platform.PayloadForward:
		return platform.MessageRef{}, fmt.Errorf("%w: forward", platform.ErrNotSupported)
	default:
		// Media travels by foreign file id, which this API cannot resolve.
		// Deliver the caption as text so the recipient is not skipped silently.
		if p.Caption == "" {
			return platform.MessageRef{}, fmt.Errorf("%w: %s without caption", platform.ErrNotSupported, p.Kind)
		}
		text = p.Caption
	}

	form := url.Values{}
	form.Set("chat_id", chatID)
	form.Set("text", text)

	resp, err := c.call(ctx, "sendMessage", form)
	if err != nil {
		return platform.MessageRef{}, err
	}
	return platform.MessageRef{
		ChatID:    chatID,
		MessageID: strconv.FormatInt(resp.Result.MessageID, 10),
	}, nil
}

func (c *Client) Edit(context.Context, platform.MessageRef, platform.Payload) error {
	return fmt.Errorf("%w: edit", platform.ErrNotSupported)
}

func (c *Client) Delete(context.Context, platform.MessageRef) error {
	return fmt.Errorf("%w: delete", platform.ErrNotSupported)
}

func (c *Client) Pin(context.Context, platform.MessageRef) error {
	return fmt.Errorf("%w: pin", platform.ErrNotSupported)
}

func (c *Client) call(ctx context.Context, method string, form url.Values) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+method, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &platform.TransientError{Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, &platform.TransientError{Err: err}
	}

	if res.StatusCode == http.StatusTooManyRequests {
		return nil, &platform.RateLimitedError{RetryAfter: retryAfter(res)}
	}
	if res.StatusCode >= 500 {
		return nil, &platform.TransientError{Err: fmt.Errorf("%s: http %d", method, res.StatusCode)}
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%s: bad response: %w", method, err)
	}
	if !parsed.OK {
		return nil, classifyAPIError(method, res.StatusCode, parsed.Description)
	}
	return &parsed, nil
}

func retryAfter(res *http.Response) time.Duration {
	if s := res.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 5 * time.Second
}

func classifyAPIError(method string, code int, desc string) error {
	lower := strings.ToLower(desc)
	switch {
	case strings.Contains(lower, "chat not found"),
		strings.Contains(lower, "blocked"),
		strings.Contains(lower, "deactivated"):
		return fmt.Errorf("%w: %s", platform.ErrUnreachable, desc)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%s: http %d: %s", method, code, desc)
	}
	if desc == "" {
		desc = "unknown error"
	}
	return errors.New(method + ": " + desc)
}
