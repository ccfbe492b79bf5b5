// Package platform defines the capability every messaging platform client
// must provide. The dispatcher is polymorphic over Client and never
// special-cases a platform beyond picking the right client and payload.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ID tags a configured platform instance ("telegram", "bale", "eitaa", ...).
type ID string

// ChatRef addresses a chat on one platform.
type ChatRef struct {
	Platform ID
	ChatID   string
}

// MessageRef addresses one delivered message copy.
type MessageRef struct {
	ChatID    string
	MessageID string
}

// PayloadKind enumerates the send instruction shapes.
type PayloadKind string

const (
	PayloadText     PayloadKind = "text"
	PayloadPhoto    PayloadKind = "photo"
	PayloadVideo    PayloadKind = "video"
	PayloadDocument PayloadKind = "document"
	PayloadForward  PayloadKind = "forward"
)

// Payload is a normalized, platform-ready send instruction.
// For media kinds FileID carries the platform-native file handle.
// For PayloadForward, Forward references the original message.
type Payload struct {
	Kind    PayloadKind
	Text    string
	FileID  string
	Caption string
	Forward *ForwardRef
}

// ForwardRef points at an existing message to re-send verbatim.
type ForwardRef struct {
	FromChatID string
	MessageID  string
}

// Client is the per-platform send/mutate capability.
type Client interface {
	Send(ctx context.Context, chatID string, p Payload) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, p Payload) error
	Delete(ctx context.Context, ref MessageRef) error
	Pin(ctx context.Context, ref MessageRef) error
}

// ---- Error taxonomy ----

// RateLimitedError signals the platform asked us to back off.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// ErrNotSupported marks an operation the platform's API does not offer
// (for example message edits on Eitaa). Not retryable.
var ErrNotSupported = errors.New("operation not supported by platform")

// ErrUnreachable marks a recipient that can never receive this message
// (bot blocked, chat deleted, user deactivated). The dispatcher deactivates
// the chat in the directory when it sees this.
var ErrUnreachable = errors.New("recipient unreachable")

// TransientError wraps a failure worth retrying (network, timeout, 5xx).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ---- Registry ----

// Registry holds the configured platform clients.
// It is built once at startup and read-only afterwards.
type Registry struct {
	clients map[ID]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: map[ID]Client{}}
}

func (r *Registry) Register(id ID, c Client) {
	r.clients[id] = c
}

func (r *Registry) Client(id ID) (Client, bool) {
	c, ok := r.clients[id]
	return c, ok
}

// IDs returns the registered platform tags in stable order.
func (r *Registry) IDs() []ID {
	out := make([]ID, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
