package broadcast

import (
	"context"
	"fmt"
	"strings"

	"herald/internal/store"
)

// Scope variants understood by ParseScope.
const (
	ScopeAll       = "all"
	scopeTagPrefix = "tag:"
)

var chatTypes = map[string]bool{"private": true, "group": true, "channel": true}

// ParseScope validates a scope string and returns the directory filter it
// denotes.
func ParseScope(scope string) (store.ChatFilter, error) {
	s := strings.TrimSpace(strings.ToLower(scope))
	switch {
	case s == "" || s == ScopeAll:
		return store.ChatFilter{}, nil
	case chatTypes[s]:
		return store.ChatFilter{Types: []string{s}}, nil
	case strings.HasPrefix(s, scopeTagPrefix):
		tag := strings.TrimSpace(strings.TrimPrefix(s, scopeTagPrefix))
		if tag == "" {
			return store.ChatFilter{}, fmt.Errorf("empty tag in scope %q", scope)
		}
		return store.ChatFilter{Tag: tag}, nil
	default:
		return store.ChatFilter{}, fmt.Errorf("unknown scope %q", scope)
	}
}

// ChatLister is the slice of the chat directory the resolver needs.
type ChatLister interface {
	List(ctx context.Context, platform string, f store.ChatFilter) ([]store.Chat, error)
}

// Resolver expands a scope into the ordered recipient set for one platform.
// For a fixed directory state resolution is stable (the directory orders by
// chat id), so retrying a partially failed dispatch walks the same sequence.
type Resolver struct {
	dir ChatLister
}

func NewResolver(dir ChatLister) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve returns the destination chat ids. An empty result is not an error;
// the dispatcher reports zero recipients.
func (r *Resolver) Resolve(ctx context.Context, scope, platform string) ([]string, error) {
	f, err := ParseScope(scope)
	if err != nil {
		return nil, err
	}
	chats, err := r.dir.List(ctx, platform, f)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(chats))
	for _, c := range chats {
		out = append(out, c.ChatID)
	}
	return out, nil
}

// ResolveAll expands several scopes into one recipient set for one platform.
// The union is deduplicated: a chat matched by two scopes appears once, so a
// multi-scope broadcast delivers a single copy per chat.
func (r *Resolver) ResolveAll(ctx context.Context, scopes []string, platform string) ([]string, error) {
	if len(scopes) == 0 {
		scopes = []string{ScopeAll}
	}
	seen := map[string]bool{}
	var out []string
	for _, s := range scopes {
		ids, err := r.Resolve(ctx, s, platform)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}
