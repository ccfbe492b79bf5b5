package broadcast

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"herald/internal/platform"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

// ---- shared fakes ----

type fakeClient struct {
	mu     sync.Mutex
	errs   map[string][]error
	panics map[string]bool
	sent   []string
	edits  int
	dels   int
	pins   int
	nextID int
}

func newFakeClient() *fakeClient {
	return &fakeClient{errs: map[string][]error{}, panics: map[string]bool{}}
}

func (c *fakeClient) failNext(chatID string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[chatID] = append(c.errs[chatID], errs...)
}

func (c *fakeClient) panicNext(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.panics[chatID] = true
}

func (c *fakeClient) Send(_ context.Context, chatID string, _ platform.Payload) (platform.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.panics[chatID] {
		delete(c.panics, chatID)
		panic("send blew up: " + chatID)
	}
	if q := c.errs[chatID]; len(q) > 0 {
		err := q[0]
		c.errs[chatID] = q[1:]
		return platform.MessageRef{}, err
	}
	c.nextID++
	c.sent = append(c.sent, chatID)
	return platform.MessageRef{ChatID: chatID, MessageID: strconv.Itoa(c.nextID)}, nil
}

func (c *fakeClient) Edit(context.Context, platform.MessageRef, platform.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edits++
	return nil
}

func (c *fakeClient) Delete(context.Context, platform.MessageRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dels++
	return nil
}

func (c *fakeClient) Pin(context.Context, platform.MessageRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pins++
	return nil
}

func (c *fakeClient) sentChats() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.sent...)
	sort.Strings(out)
	return out
}

type memBatches struct {
	mu      sync.Mutex
	batches map[string]store.Batch
	msgs    map[string][]store.SentMessage
}

func newMemBatches() *memBatches {
	return &memBatches{batches: map[string]store.Batch{}, msgs: map[string][]store.SentMessage{}}
}

func (m *memBatches) InsertBatch(_ context.Context, b store.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.ID] = b
	return nil
}

func (m *memBatches) GetBatch(_ context.Context, id string) (store.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return store.Batch{}, store.ErrNotFound
	}
	return b, nil
}

func (m *memBatches) ListBatches(_ context.Context, limit int) ([]store.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Batch, 0, len(m.batches))
	for _, b := range m.batches {
		out = append(out, b)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memBatches) SoftDeleteBatch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return store.ErrNotFound
	}
	b.Deleted = true
	m.batches[id] = b
	return nil
}

func (m *memBatches) DeleteBatch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.batches, id)
	delete(m.msgs, id)
	return nil
}

func (m *memBatches) InsertSentMessage(_ context.Context, msg store.SentMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs[msg.BatchID] = append(m.msgs[msg.BatchID], msg)
	return nil
}

func (m *memBatches) ListBatchMessages(_ context.Context, batchID string) ([]store.SentMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.SentMessage(nil), m.msgs[batchID]...), nil
}

func (m *memBatches) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

type fakeDir struct {
	mu     sync.Mutex
	marked []string
}

func (d *fakeDir) MarkInactive(_ context.Context, platform, chatID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.marked = append(d.marked, platform+"/"+chatID)
	return nil
}

type dispatcherEnv struct {
	disp    *Dispatcher
	client  *fakeClient
	batches *memBatches
	dir     *fakeDir
	dedup   *fakeDedup
}

func newDispatcherEnv(t *testing.T, chatIDs ...string) *dispatcherEnv {
	t.Helper()
	chats := make([]store.Chat, 0, len(chatIDs))
	for _, id := range chatIDs {
		chats = append(chats, store.Chat{ChatID: id, Platform: "telegram", Type: "group", Active: true})
	}
	client := newFakeClient()
	batches := newMemBatches()
	dir := &fakeDir{}
	dedup := newFakeDedup()

	reg := platform.NewRegistry()
	reg.Register("telegram", client)

	cfg := Config{Workers: 2, RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, DedupWindow: time.Minute}
	gate := NewGate(dedup, cfg.DedupWindow, logx.Nop())
	tracker := NewTracker(batches, reg, logx.Nop())
	disp := NewDispatcher(cfg, reg, NewResolver(&staticLister{chats: chats}), gate, tracker, dir, nil, logx.Nop())

	return &dispatcherEnv{disp: disp, client: client, batches: batches, dir: dir, dedup: dedup}
}

// ---- tests ----

func TestDispatchFanOut(t *testing.T) {
	t.Parallel()
	env := newDispatcherEnv(t, "1", "2", "3")

	res, err := env.disp.Dispatch(context.Background(), Request{
		Content:   Content{Text: "hello"},
		Scopes:    []string{"all"},
		Platforms: []platform.ID{"telegram"},
	})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if res.Sent != 3 || res.Failed != 0 {
		t.Fatalf("Sent=%d Failed=%d, want 3/0", res.Sent, res.Failed)
	}
	if res.BatchID == "" {
		t.Fatal("expected a batch id")
	}
	msgs, err := env.batches.ListBatchMessages(context.Background(), res.BatchID)
	if err != nil {
		t.Fatalf("ListBatchMessages error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("batch has %d messages, want 3", len(msgs))
	}
	for _, m := range msgs {
		if m.Platform != "telegram" || m.MessageID == "" {
			t.Fatalf("bad sent message row: %+v", m)
		}
	}
}

func TestDispatchDuplicateSuppressed(t *testing.T) {
	t.Parallel()
	env := newDispatcherEnv(t, "1")
	req := Request{Content: Content{Text: "once"}, Scopes: []string{"all"}, Platforms: []platform.ID{"telegram"}}

	first, err := env.disp.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("first Dispatch error: %v", err)
	}
	if first.Deduped || first.Sent != 1 {
		t.Fatalf("first dispatch: %+v", first)
	}

	second, err := env.disp.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("second Dispatch error: %v", err)
	}
	if !second.Deduped || second.Sent != 0 || second.BatchID != "" {
		t.Fatalf("duplicate not suppressed: %+v", second)
	}
	if env.batches.count() != 1 {
		t.Fatalf("duplicate created a batch; have %d", env.batches.count())
	}
}

func TestDispatchUnreachableDeactivates(t *testing.T) {
	t.Parallel()
	env := newDispatcherEnv(t, "1", "2")
	env.client.failNext("2", platform.ErrUnreachable)

	res, err := env.disp.Dispatch(context.Background(), Request{
		Content: Content{Text: "hi"}, Scopes: []string{"all"}, Platforms: []platform.ID{"telegram"},
	})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if res.Sent != 1 || res.Failed != 1 {
		t.Fatalf("Sent=%d Failed=%d, want 1/1", res.Sent, res.Failed)
	}
	env.dir.mu.Lock()
	defer env.dir.mu.Unlock()
	if len(env.dir.marked) != 1 || env.dir.marked[0] != "telegram/2" {
		t.Fatalf("marked = %v, want [telegram/2]", env.dir.marked)
	}
}

func TestDispatchFloodRetriesOnce(t *testing.T) {
	t.Parallel()
	env := newDispatcherEnv(t, "1", "2")
	// Chat 1 recovers after one flood wait; chat 2 floods twice and fails.
	env.client.failNext("1", &platform.RateLimitedError{RetryAfter: time.Millisecond})
	env.client.failNext("2",
		&platform.RateLimitedError{RetryAfter: time.Millisecond},
		&platform.RateLimitedError{RetryAfter: time.Millisecond},
	)

	res, err := env.disp.Dispatch(context.Background(), Request{
		Content: Content{Text: "hi"}, Scopes: []string{"all"}, Platforms: []platform.ID{"telegram"},
	})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if res.Sent != 1 || res.Failed != 1 {
		t.Fatalf("Sent=%d Failed=%d, want 1/1", res.Sent, res.Failed)
	}
	if got := env.client.sentChats(); len(got) != 1 || got[0] != "1" {
		t.Fatalf("sent chats = %v, want [1]", got)
	}
}

func TestDispatchTransientRetries(t *testing.T) {
	t.Parallel()
	env := newDispatcherEnv(t, "1")
	env.client.failNext("1",
		&platform.TransientError{Err: errors.New("timeout")},
		&platform.TransientError{Err: errors.New("timeout")},
	)

	res, err := env.disp.Dispatch(context.Background(), Request{
		Content: Content{Text: "hi"}, Scopes: []string{"all"}, Platforms: []platform.ID{"telegram"},
	})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if res.Sent != 1 {
		t.Fatalf("Sent=%d, want 1 (two transient failures within RetryMax)", res.Sent)
	}
}

func TestDispatchTransientExhausted(t *testing.T) {
	t.Parallel()
	env := newDispatcherEnv(t, "1")
	env.client.failNext("1",
		&platform.TransientError{Err: errors.New("timeout")},
		&platform.TransientError{Err: errors.New("timeout")},
		&platform.TransientError{Err: errors.New("timeout")},
	)

	res, err := env.disp.Dispatch(context.Background(), Request{
		Content: Content{Text: "hi"}, Scopes: []string{"all"}, Platforms: []platform.ID{"telegram"},
	})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if res.Sent != 0 || res.Failed != 1 {
		t.Fatalf("Sent=%d Failed=%d, want 0/1", res.Sent, res.Failed)
	}
}

func TestDispatchPinFirst(t *testing.T) {
	t.Parallel()
	env := newDispatcherEnv(t, "1", "2", "3")

	_, err := env.disp.Dispatch(context.Background(), Request{
		Content: Content{Text: "pinned"}, Scopes: []string{"all"}, Platforms: []platform.ID{"telegram"}, PinFirst: true,
	})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	env.client.mu.Lock()
	defer env.client.mu.Unlock()
	if env.client.pins != 1 {
		t.Fatalf("pins = %d, want exactly 1", env.client.pins)
	}
}

func TestDispatchRejectsBadRequests(t *testing.T) {
	t.Parallel()
	env := newDispatcherEnv(t, "1")
	ctx := context.Background()

	if _, err := env.disp.Dispatch(ctx, Request{Content: Content{Text: "x"}, Scopes: []string{"all"}}); err == nil {
		t.Fatal("expected error for missing platforms")
	}
	if _, err := env.disp.Dispatch(ctx, Request{Content: Content{Text: "x"}, Scopes: []string{"all"}, Platforms: []platform.ID{"matrix"}}); err == nil {
		t.Fatal("expected error for unknown platform")
	}
	if _, err := env.disp.Dispatch(ctx, Request{Content: Content{Text: "  "}, Scopes: []string{"all"}, Platforms: []platform.ID{"telegram"}}); err == nil {
		t.Fatal("expected error for empty content")
	}
	if _, err := env.disp.Dispatch(ctx, Request{Content: Content{Text: "x"}, Scopes: []string{"nope"}, Platforms: []platform.ID{"telegram"}}); err == nil {
		t.Fatal("expected error for bad scope")
	}
	if _, err := env.disp.Dispatch(ctx, Request{Content: Content{Text: "x"}, Scopes: []string{"all", "nope"}, Platforms: []platform.ID{"telegram"}}); err == nil {
		t.Fatal("expected error for bad scope in a multi-scope list")
	}
	if env.batches.count() != 0 {
		t.Fatalf("rejected dispatches must not open batches; have %d", env.batches.count())
	}
}

func TestDispatchZeroRecipients(t *testing.T) {
	t.Parallel()
	env := newDispatcherEnv(t) // no chats

	res, err := env.disp.Dispatch(context.Background(), Request{
		Content: Content{Text: "hello"}, Scopes: []string{"all"}, Platforms: []platform.ID{"telegram"},
	})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if res.Sent != 0 || res.Failed != 0 || res.Deduped {
		t.Fatalf("unexpected result: %+v", res)
	}
	// The dispatch was admitted, so the batch exists even with zero sends.
	if res.BatchID == "" || env.batches.count() != 1 {
		t.Fatalf("admitted dispatch must open a batch: %+v", res)
	}
}

// typedLister honors type filters the way the real directory does.
type typedLister struct {
	chats []store.Chat
}

func (l *typedLister) List(_ context.Context, platform string, f store.ChatFilter) ([]store.Chat, error) {
	var out []store.Chat
	for _, c := range l.chats {
		if c.Platform != platform {
			continue
		}
		if len(f.Types) > 0 {
			match := false
			for _, typ := range f.Types {
				if c.Type == typ {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func TestDispatchMultiScopeUnion(t *testing.T) {
	t.Parallel()
	lister := &typedLister{chats: []store.Chat{
		{ChatID: "p1", Platform: "telegram", Type: "private", Active: true},
		{ChatID: "g1", Platform: "telegram", Type: "group", Active: true},
		{ChatID: "c1", Platform: "telegram", Type: "channel", Active: true},
	}}
	client := newFakeClient()
	batches := newMemBatches()
	reg := platform.NewRegistry()
	reg.Register("telegram", client)
	cfg := Config{Workers: 2, RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, DedupWindow: time.Hour}
	gate := NewGate(newFakeDedup(), cfg.DedupWindow, logx.Nop())
	disp := NewDispatcher(cfg, reg, NewResolver(lister), gate, NewTracker(batches, reg, logx.Nop()), &fakeDir{}, nil, logx.Nop())

	req := Request{
		Content:   Content{Text: "digest"},
		Scopes:    []string{"private", "group"},
		Platforms: []platform.ID{"telegram"},
	}
	res, err := disp.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	// Every scope in the list is delivered: one admission covers the union.
	if res.Deduped || res.Sent != 2 || res.Failed != 0 {
		t.Fatalf("multi-scope dispatch: %+v", res)
	}
	got := client.sentChats()
	if len(got) != 2 || got[0] != "g1" || got[1] != "p1" {
		t.Fatalf("delivered chats = %v, want [g1 p1]", got)
	}

	// Repeating the whole job inside the window is a duplicate.
	second, err := disp.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("second Dispatch error: %v", err)
	}
	if !second.Deduped || second.Sent != 0 {
		t.Fatalf("repeat not suppressed: %+v", second)
	}
}

func TestDispatchSendPanicContained(t *testing.T) {
	t.Parallel()
	env := newDispatcherEnv(t, "1", "2", "3")
	// A single worker: if the panic killed it, the remaining targets would
	// never drain and Dispatch would never return.
	env.disp.Apply(Config{Workers: 1, RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, DedupWindow: time.Minute})
	env.client.panicNext("2")

	res, err := env.disp.Dispatch(context.Background(), Request{
		Content: Content{Text: "hi"}, Scopes: []string{"all"}, Platforms: []platform.ID{"telegram"},
	})
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if res.Sent != 2 || res.Failed != 1 {
		t.Fatalf("Sent=%d Failed=%d, want 2/1", res.Sent, res.Failed)
	}
	if got := env.client.sentChats(); len(got) != 2 || got[0] != "1" || got[1] != "3" {
		t.Fatalf("sent chats = %v, want [1 3]", got)
	}
}
