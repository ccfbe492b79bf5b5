package broadcast

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"herald/internal/eventbus"
	"herald/internal/platform"
	logx "herald/pkg/logx"
)

// InactiveMarker is the directory write the dispatcher needs: deactivating
// chats that turned out to be unreachable.
type InactiveMarker interface {
	MarkInactive(ctx context.Context, platform, chatID string) error
}

// DispatchEvent is the bus payload for dispatch.* events.
type DispatchEvent struct {
	BatchID  string
	Scope    string
	Platform string
	Sent     int
	Failed   int
}

// Dispatcher fans one broadcast out to every resolved recipient on every
// target platform.
type Dispatcher struct {
	mu  sync.Mutex
	cfg Config

	reg      *platform.Registry
	resolver *Resolver
	gate     *Gate
	tracker  *Tracker
	dir      InactiveMarker
	bus      eventbus.Bus
	log      logx.Logger

	// One token bucket per platform; rate limits are per-platform, never
	// shared across them.
	limiters map[platform.ID]*rate.Limiter
}

func NewDispatcher(cfg Config, reg *platform.Registry, resolver *Resolver, gate *Gate, tracker *Tracker, dir InactiveMarker, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		reg:      reg,
		resolver: resolver,
		gate:     gate,
		tracker:  tracker,
		dir:      dir,
		bus:      bus,
		log:      log,
		limiters: map[platform.ID]*rate.Limiter{},
	}
}

// Apply swaps dispatch tuning at runtime (config hot reload).
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.limiters = map[platform.ID]*rate.Limiter{}
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot(pid platform.ID) (Config, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.limiters[pid]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(d.cfg.RatePerSec), d.cfg.RatePerSec)
		d.limiters[pid] = lim
	}
	return d.cfg, lim
}

// Dispatch performs one broadcast invocation. Per-recipient failures are
// absorbed into the Result; the returned error reports only dispatch-level
// problems (bad content, unknown platform, untrustworthy bookkeeping).
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	var res Result

	d.mu.Lock()
	previewLen := d.cfg.PreviewLen
	d.mu.Unlock()

	if len(req.Platforms) == 0 {
		return res, errors.New("no target platforms")
	}
	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = []string{ScopeAll}
	}
	for _, s := range scopes {
		if _, err := ParseScope(s); err != nil {
			return res, err
		}
	}
	scopeLabel := strings.Join(scopes, ",")
	for _, pid := range req.Platforms {
		if _, ok := d.reg.Client(pid); !ok {
			return res, fmt.Errorf("unknown platform %q", pid)
		}
	}

	admitted := 0
	var bookkeepErr error
	for _, pid := range req.Platforms {
		client, _ := d.reg.Client(pid)

		// Normalized once per platform; the whole fan-out reuses it.
		payload, err := Normalize(req.Content, pid)
		if err != nil {
			return res, err
		}

		recipients, err := d.resolver.ResolveAll(ctx, scopes, string(pid))
		if err != nil {
			return res, err
		}

		fp := Fingerprint(pid, req.Content, time.Now(), d.gate.Window())
		if !d.gate.Admit(ctx, fp) {
			d.log.Info("duplicate suppressed", logx.String("platform", string(pid)), logx.String("scope", scopeLabel))
			d.publish(eventbus.TypeDispatchDeduped, DispatchEvent{Scope: scopeLabel, Platform: string(pid)})
			continue
		}
		admitted++

		// Batch open completes before any send is recorded against it.
		if res.BatchID == "" {
			id, err := d.tracker.OpenBatch(ctx, scopeLabel, req.Platforms, Preview(req.Content, previewLen))
			if err != nil {
				return res, err
			}
			res.BatchID = id
		}

		if len(recipients) == 0 {
			d.log.Info("no recipients resolved", logx.String("platform", string(pid)), logx.String("scope", scopeLabel))
			continue
		}

		sent, failed, rerr := d.fanOut(ctx, client, pid, res.BatchID, recipients, payload, req.PinFirst)
		res.Sent += sent
		res.Failed += failed
		if rerr != nil && bookkeepErr == nil {
			bookkeepErr = rerr
		}
	}

	if admitted == 0 {
		res.Deduped = true
		return res, nil
	}

	fields := []logx.Field{
		logx.String("batch", res.BatchID),
		logx.String("scope", scopeLabel),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Duration("took", time.Since(start)),
	}
	if res.Failed > 0 {
		d.log.Warn("dispatch finished with failures", fields...)
	} else {
		d.log.Info("dispatch finished", fields...)
	}
	d.publish(eventbus.TypeDispatchFinished, DispatchEvent{BatchID: res.BatchID, Scope: scopeLabel, Sent: res.Sent, Failed: res.Failed})
	return res, bookkeepErr
}

// fanOut sends payload to every recipient with bounded parallelism. It
// returns aggregate counts plus the first bookkeeping error, if any.
func (d *Dispatcher) fanOut(ctx context.Context, client platform.Client, pid platform.ID, batchID string, recipients []string, payload platform.Payload, pinFirst bool) (int, int, error) {
	cfg, lim := d.snapshot(pid)
	workers := cfg.Workers
	if workers > len(recipients) {
		workers = len(recipients)
	}

	var (
		mu       sync.Mutex
		sent     int
		failed   int
		recErr   error
		pinOnce  sync.Once
		targets  = make(chan string)
		workerWG sync.WaitGroup
	)

	workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer workerWG.Done()
			for chatID := range targets {
				chatID := chatID
				// Recovery is per recipient: a panicking client call costs
				// one failed send, the worker stays alive and keeps
				// draining targets.
				func() {
					defer func() {
						if r := recover(); r != nil {
							d.log.Error("panic in dispatch send", logx.Int("worker", idx), logx.String("chat", chatID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							mu.Lock()
							failed++
							mu.Unlock()
						}
					}()
					if err := lim.Wait(ctx); err != nil {
						mu.Lock()
						failed++
						mu.Unlock()
						return
					}
					ref, err := d.sendOne(ctx, client, chatID, payload, cfg)
					if err != nil {
						if errors.Is(err, platform.ErrUnreachable) {
							// Stop wasting sends on this chat next time.
							_ = d.dir.MarkInactive(ctx, string(pid), chatID)
						}
						d.log.Warn("send failed", logx.String("platform", string(pid)), logx.String("chat", chatID), logx.Err(err))
						mu.Lock()
						failed++
						mu.Unlock()
						return
					}
					// Record before moving on: a crash mid-dispatch must
					// leave a correct partial batch, not an in-memory count.
					if rerr := d.tracker.RecordSent(ctx, batchID, pid, chatID, ref.MessageID); rerr != nil {
						d.log.Error("record sent failed", logx.String("batch", batchID), logx.String("chat", chatID), logx.Err(rerr))
						mu.Lock()
						if recErr == nil {
							recErr = fmt.Errorf("batch bookkeeping: %w", rerr)
						}
						mu.Unlock()
					}
					mu.Lock()
					sent++
					mu.Unlock()
					if pinFirst {
						pinOnce.Do(func() {
							if perr := client.Pin(ctx, ref); perr != nil {
								d.log.Warn("pin failed", logx.String("platform", string(pid)), logx.String("chat", chatID), logx.Err(perr))
							}
						})
					}
				}()
			}
		}()
	}

feed:
	for _, chatID := range recipients {
		select {
		case <-ctx.Done():
			break feed
		case targets <- chatID:
		}
	}
	close(targets)
	workerWG.Wait()

	return sent, failed, recErr
}

// sendOne applies the per-send failure policy:
//   - rate limit: wait the advertised delay, retry once; a second rate
//     limit counts as failed (no global pause)
//   - unreachable: fail immediately, caller deactivates the chat
//   - transient: bounded retries with short fixed backoff
func (d *Dispatcher) sendOne(ctx context.Context, client platform.Client, chatID string, p platform.Payload, cfg Config) (platform.MessageRef, error) {
	floodRetried := false
	transient := 0
	for {
		ref, err := client.Send(ctx, chatID, p)
		if err == nil {
			return ref, nil
		}

		var rl *platform.RateLimitedError
		switch {
		case errors.As(err, &rl):
			if floodRetried {
				return platform.MessageRef{}, err
			}
			floodRetried = true
			if !sleepCtx(ctx, rl.RetryAfter) {
				return platform.MessageRef{}, ctx.Err()
			}
		case errors.Is(err, platform.ErrUnreachable):
			return platform.MessageRef{}, err
		case platform.IsTransient(err):
			if transient >= cfg.RetryMax {
				return platform.MessageRef{}, err
			}
			transient++
			if !sleepCtx(ctx, cfg.RetryBase*time.Duration(transient)) {
				return platform.MessageRef{}, ctx.Err()
			}
		default:
			return platform.MessageRef{}, err
		}
	}
}

func (d *Dispatcher) publish(typ string, data DispatchEvent) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func sleepCtx(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	tmr := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			<-tmr.C
		}
		return false
	case <-tmr.C:
		return true
	}
}
