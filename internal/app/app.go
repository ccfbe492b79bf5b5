// Package app wires the engine together: config, logging, storage, platform
// clients, the broadcast dispatcher and the scheduler, plus config hot reload.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"herald/internal/broadcast"
	"herald/internal/config"
	"herald/internal/directory"
	"herald/internal/eventbus"
	"herald/internal/platform"
	"herald/internal/platform/eitaa"
	"herald/internal/platform/telegram"
	"herald/internal/scheduler"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	st   store.Store

	reg     *platform.Registry
	pollers []*telegram.Client

	dir     *directory.Directory
	tracker *broadcast.Tracker
	disp    *broadcast.Dispatcher
	sched   *scheduler.Service

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	reg, pollers, err := buildRegistry(cfg.Platforms, log)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	dir := directory.New(st, log.With(logx.String("comp", "directory")))

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	gate := broadcast.NewGate(st, dispCfg.DedupWindow, log.With(logx.String("comp", "dedup")))
	tracker := broadcast.NewTracker(st, reg, log.With(logx.String("comp", "batches")))
	disp := broadcast.NewDispatcher(dispCfg, reg, broadcast.NewResolver(dir), gate, tracker, dir, bus,
		log.With(logx.String("comp", "dispatch")))

	sched := scheduler.New(scheduler.Config{
		Enabled:   cfg.Scheduler.Enabled,
		Timezone:  cfg.Scheduler.Timezone,
		Workers:   cfg.Scheduler.Workers,
		QueueSize: cfg.Scheduler.QueueSize,
	}, st, disp, bus, log.With(logx.String("comp", "scheduler")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		st:      st,
		reg:     reg,
		pollers: pollers,
		dir:     dir,
		tracker: tracker,
		disp:    disp,
		sched:   sched,
	}, nil
}

// Accessors for embedders and operator surfaces.
func (a *App) Dispatcher() *broadcast.Dispatcher { return a.disp }
func (a *App) Scheduler() *scheduler.Service     { return a.sched }
func (a *App) Batches() *broadcast.Tracker       { return a.tracker }
func (a *App) Directory() *directory.Directory   { return a.dir }
func (a *App) Bus() eventbus.Bus                 { return a.bus }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	for _, p := range a.pollers {
		p := p
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			p.StartPolling(runCtx, a.dir)
		}()
	}

	if err := a.sched.Start(runCtx); err != nil {
		cancel()
		return err
	}

	// Operator event tail: every dispatch/job event lands in the log, so
	// an operator can follow engine activity without a separate surface.
	events, unsub := a.bus.Subscribe(32)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-runCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				a.log.Info("event", logx.String("type", ev.Type), logx.Any("data", ev.Data))
			}
		}
	}()

	// Hot reload fan-out. Storage and platform changes need a restart; the
	// rest applies live.
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				lastApplied = a.applyReload(lastApplied, newCfg)
			}
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	a.log.Info("started", logx.Int("platforms", len(a.reg.IDs())))
	return nil
}

func (a *App) applyReload(oldCfg, newCfg *config.Config) *config.Config {
	sections, attrs, platformsChanged := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, no effective changes")
		return newCfg
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if dispCfg, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.disp.Apply(dispCfg)
	}

	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required")
		case "scheduler":
			a.log.Warn("scheduler config changed; restart required")
		}
	}
	if len(platformsChanged) > 0 {
		a.log.Warn("platform config changed; restart required",
			logx.Any("platforms", platformsChanged))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	return newCfg
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")

	// Scheduler first so no new dispatch starts while pollers unwind.
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	a.sched.Stop(stopCtx)
	cancel()

	if a.runCancel != nil {
		a.runCancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("stop deadline reached; background work may be leaking")
	}

	if err := a.st.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// ---- config mapping ----

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapDispatchConfig(cfg *config.Config) (broadcast.Config, error) {
	retryBase, err := config.ParseDurationField("dispatch.retry_base", cfg.Dispatch.RetryBase)
	if err != nil {
		return broadcast.Config{}, err
	}
	dedupWindow, err := config.ParseDurationField("dispatch.dedup_window", cfg.Dispatch.DedupWindow)
	if err != nil {
		return broadcast.Config{}, err
	}
	return broadcast.Config{
		Workers:     cfg.Dispatch.Workers,
		RatePerSec:  cfg.Dispatch.RatePerSec,
		RetryMax:    cfg.Dispatch.RetryMax,
		RetryBase:   retryBase,
		DedupWindow: dedupWindow,
		PreviewLen:  cfg.Dispatch.PreviewLen,
	}, nil
}

func buildRegistry(platforms map[string]config.PlatformConfig, log logx.Logger) (*platform.Registry, []*telegram.Client, error) {
	reg := platform.NewRegistry()
	var pollers []*telegram.Client

	for tag, pc := range platforms {
		id := platform.ID(tag)
		plog := log.With(logx.String("comp", "platform"), logx.String("platform", tag))

		switch strings.ToLower(strings.TrimSpace(pc.Kind)) {
		case "telegram", "":
			pollTimeout, err := config.ParseDurationOrDefault(
				"platforms."+tag+".poll_timeout", pc.PollTimeout, 10*time.Second)
			if err != nil {
				return nil, nil, err
			}
			c, err := telegram.New(id, telegram.Config{
				Token:       pc.Token,
				APIURL:      pc.APIURL,
				PollTimeout: pollTimeout,
			}, plog)
			if err != nil {
				return nil, nil, fmt.Errorf("platforms.%s: %w", tag, err)
			}
			reg.Register(id, c)
			if pc.Poll {
				pollers = append(pollers, c)
			}
		case "eitaa":
			timeout, err := config.ParseDurationField("platforms."+tag+".timeout", pc.Timeout)
			if err != nil {
				return nil, nil, err
			}
			c, err := eitaa.New(id, eitaa.Config{
				Token:   pc.Token,
				BaseURL: pc.APIURL,
				Timeout: timeout,
			}, plog)
			if err != nil {
				return nil, nil, fmt.Errorf("platforms.%s: %w", tag, err)
			}
			reg.Register(id, c)
		default:
			return nil, nil, fmt.Errorf("platforms.%s: unknown kind %q", tag, pc.Kind)
		}
	}
	if len(reg.IDs()) == 0 {
		return nil, nil, fmt.Errorf("no platforms configured")
	}
	return reg, pollers, nil
}

// validate rejects a hot-reloaded config before it is committed.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("dispatch.retry_base", cfg.Dispatch.RetryBase); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("dispatch.dedup_window", cfg.Dispatch.DedupWindow); err != nil {
		return err
	}
	if cfg.Dispatch.Workers < 0 || cfg.Dispatch.RatePerSec < 0 || cfg.Dispatch.RetryMax < 0 {
		return fmt.Errorf("dispatch: counts must be >= 0")
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	for tag, pc := range cfg.Platforms {
		if strings.TrimSpace(pc.Token) == "" {
			return fmt.Errorf("platforms.%s: token is required", tag)
		}
		switch strings.ToLower(strings.TrimSpace(pc.Kind)) {
		case "telegram", "", "eitaa":
		default:
			return fmt.Errorf("platforms.%s: unknown kind %q", tag, pc.Kind)
		}
		if _, err := config.ParseDurationField("platforms."+tag+".poll_timeout", pc.PollTimeout); err != nil {
			return err
		}
		if _, err := config.ParseDurationField("platforms."+tag+".timeout", pc.Timeout); err != nil {
			return err
		}
	}
	return nil
}
