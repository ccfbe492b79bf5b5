package broadcast

import (
	"context"
	"reflect"
	"testing"

	"herald/internal/store"
)

func TestParseScope(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		scope   string
		want    store.ChatFilter
		wantErr bool
	}{
		{name: "all", scope: "all", want: store.ChatFilter{}},
		{name: "empty means all", scope: "", want: store.ChatFilter{}},
		{name: "case folded", scope: "All", want: store.ChatFilter{}},
		{name: "private", scope: "private", want: store.ChatFilter{Types: []string{"private"}}},
		{name: "group", scope: "group", want: store.ChatFilter{Types: []string{"group"}}},
		{name: "channel", scope: "channel", want: store.ChatFilter{Types: []string{"channel"}}},
		{name: "tag", scope: "tag:vip", want: store.ChatFilter{Tag: "vip"}},
		{name: "empty tag rejected", scope: "tag:", wantErr: true},
		{name: "unknown rejected", scope: "everyone", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseScope(tt.scope)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseScope(%q) error: %v", tt.scope, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("ParseScope(%q) = %+v, want %+v", tt.scope, got, tt.want)
			}
		})
	}
}

type staticLister struct {
	chats  []store.Chat
	lastF  store.ChatFilter
	lastPf string
}

func (l *staticLister) List(_ context.Context, platform string, f store.ChatFilter) ([]store.Chat, error) {
	l.lastPf = platform
	l.lastF = f
	return l.chats, nil
}

func TestResolve(t *testing.T) {
	t.Parallel()
	lister := &staticLister{chats: []store.Chat{
		{ChatID: "10", Platform: "telegram"},
		{ChatID: "20", Platform: "telegram"},
	}}
	r := NewResolver(lister)

	ids, err := r.Resolve(context.Background(), "tag:ops", "telegram")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"10", "20"}) {
		t.Fatalf("ids = %v", ids)
	}
	if lister.lastPf != "telegram" || lister.lastF.Tag != "ops" {
		t.Fatalf("lister called with platform=%q filter=%+v", lister.lastPf, lister.lastF)
	}
}

func TestResolveEmptyIsNotError(t *testing.T) {
	t.Parallel()
	r := NewResolver(&staticLister{})
	ids, err := r.Resolve(context.Background(), "all", "eitaa")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no recipients, got %v", ids)
	}
}
