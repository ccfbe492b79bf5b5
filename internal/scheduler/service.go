package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"herald/internal/broadcast"
	"herald/internal/eventbus"
	"herald/internal/platform"
	"herald/internal/store"
	logx "herald/pkg/logx"
)

// Config controls the scheduler service.
type Config struct {
	Enabled   bool
	Timezone  string // IANA TZ, e.g. "Asia/Tehran"
	Workers   int
	QueueSize int
}

// Dispatcher is the slice of the broadcast engine the scheduler invokes.
type Dispatcher interface {
	Dispatch(ctx context.Context, req broadcast.Request) (broadcast.Result, error)
}

// JobEvent is the bus payload for job.* events.
type JobEvent struct {
	ID     string
	Title  string
	Sent   int
	Failed int
	Error  string
}

// Service drives scheduled broadcasts. Jobs are independent: two timers
// may fire concurrently and their dispatches overlap; the store is the
// shared, internally synchronized truth.
type Service struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	jobs     store.JobStore
	dispatch Dispatcher
	bus      eventbus.Bus
	log      logx.Logger

	queue     chan string // job ids ready to fire
	stopCh    chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// One live timer per job, versioned so a cancelled or replaced timer's
	// stale callback is ignored.
	tmu    sync.Mutex
	timers map[string]*time.Timer
	vers   map[string]uint64
}

func New(cfg Config, jobs store.JobStore, dispatch Dispatcher, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Service{
		cfg:      cfg,
		loc:      loadLocation(cfg.Timezone, log),
		jobs:     jobs,
		dispatch: dispatch,
		bus:      bus,
		log:      log,
		timers:   map[string]*time.Timer{},
		vers:     map[string]uint64{},
	}
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Location returns the scheduler's wall-clock location (used when parsing
// operator-supplied fire times).
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Start loads persisted pending jobs and arms them. Overdue jobs fire
// immediately, once, before normal scheduling resumes.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return nil
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return nil
	}
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.queue = make(chan string, s.cfg.QueueSize)

	workers := s.cfg.Workers
	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue
	s.mu.Unlock()

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			s.worker(runCtx, stopCh, queue, idx)
		}()
	}

	pending, err := s.jobs.ListJobs(ctx, store.JobPending)
	if err != nil {
		return fmt.Errorf("load pending jobs: %w", err)
	}
	now := time.Now()
	armed, catchup := 0, 0
	for _, j := range pending {
		if s.armJob(j, now) {
			armed++
			if next := s.nextFire(j, now); !next.IsZero() && !next.After(now) {
				catchup++
			}
		}
	}
	s.log.Info("scheduler started", logx.Int("workers", workers), logx.Int("jobs", armed), logx.Int("catchup", catchup), logx.String("tz", s.Location().String()))
	return nil
}

// Stop releases all timers and waits for in-flight fires until ctx expires.
// An in-flight dispatch is not forcibly cancelled; its outcome is recorded.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	cancel := s.runCancel
	s.stopCh = nil
	s.runCancel = nil
	s.queue = nil
	s.mu.Unlock()

	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	close(stopCh)

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("scheduler stopped")
}

// JobDefinition is the operator-facing shape for creating a job.
type JobDefinition struct {
	Title       string
	Body        string
	Platforms   []string
	Scopes      []string
	TagFilter   string
	ContentKind string
	Content     string
	FireAt      time.Time
	RepeatKind  string
	RepeatEvery time.Duration
	CronSpec    string
	PinOnSend   bool
}

// CreateJob validates, persists and (when running) arms a new job.
func (s *Service) CreateJob(ctx context.Context, def JobDefinition) (store.Job, error) {
	if len(def.Platforms) == 0 {
		return store.Job{}, errors.New("job requires at least one platform")
	}
	if len(def.Scopes) == 0 {
		def.Scopes = []string{broadcast.ScopeAll}
	}
	for _, sc := range def.Scopes {
		if _, err := broadcast.ParseScope(sc); err != nil {
			return store.Job{}, err
		}
	}
	j := store.Job{
		ID:          uuid.NewString(),
		Title:       def.Title,
		Body:        def.Body,
		Platforms:   def.Platforms,
		Scopes:      def.Scopes,
		TagFilter:   def.TagFilter,
		ContentKind: def.ContentKind,
		Content:     def.Content,
		FireAt:      def.FireAt,
		RepeatKind:  def.RepeatKind,
		RepeatEvery: def.RepeatEvery,
		CronSpec:    def.CronSpec,
		Status:      store.JobPending,
		PinOnSend:   def.PinOnSend,
		CreatedAt:   time.Now(),
	}
	if j.RepeatKind == "" {
		j.RepeatKind = store.RepeatOnce
	}
	if _, err := TriggerFor(j, s.Location()); err != nil {
		return store.Job{}, err
	}
	if err := s.jobs.InsertJob(ctx, j); err != nil {
		return store.Job{}, fmt.Errorf("persist job: %w", err)
	}

	s.mu.Lock()
	running := s.stopCh != nil
	s.mu.Unlock()
	if running {
		s.armJob(j, time.Now())
	}
	s.log.Info("job created", logx.String("job", j.ID), logx.String("title", j.Title), logx.String("repeat", j.RepeatKind), logx.Time("fire_at", j.FireAt))
	return j, nil
}

// ListJobs returns persisted jobs, optionally filtered by status.
func (s *Service) ListJobs(ctx context.Context, statuses ...string) ([]store.Job, error) {
	return s.jobs.ListJobs(ctx, statuses...)
}

// CancelJob is terminal: the timer is released and no further fire occurs.
// An in-flight dispatch finishes and its outcome is still recorded.
func (s *Service) CancelJob(ctx context.Context, id string) error {
	j, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.Status == store.JobCancelled {
		return nil
	}
	if err := s.jobs.SetJobStatus(ctx, id, store.JobCancelled); err != nil {
		return err
	}
	s.releaseTimer(id)
	s.publish(eventbus.TypeJobCancelled, JobEvent{ID: id, Title: j.Title})
	s.log.Info("job cancelled", logx.String("job", id))
	return nil
}

// ---- timers ----

func (s *Service) nextFire(j store.Job, now time.Time) time.Time {
	trig, err := TriggerFor(j, s.Location())
	if err != nil {
		return time.Time{}
	}
	return trig.Next(now, j.LastSent)
}

// armJob installs the job's single live timer. Returns false when the
// trigger is exhausted or invalid.
func (s *Service) armJob(j store.Job, now time.Time) bool {
	next := s.nextFire(j, now)
	if next.IsZero() {
		return false
	}
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if t, ok := s.timers[j.ID]; ok {
		_ = t.Stop()
	}
	ver := s.vers[j.ID] + 1
	s.vers[j.ID] = ver

	id := j.ID
	s.timers[id] = time.AfterFunc(delay, func() {
		// Stale callback from a replaced/cancelled timer: ignore.
		s.tmu.Lock()
		cur := s.vers[id]
		delete(s.timers, id)
		s.tmu.Unlock()
		if cur != ver {
			return
		}
		s.enqueue(id)
	})
	s.log.Debug("job armed", logx.String("job", id), logx.Time("next", next), logx.Duration("in", delay))
	return true
}

func (s *Service) releaseTimer(id string) {
	s.tmu.Lock()
	if t, ok := s.timers[id]; ok {
		_ = t.Stop()
		delete(s.timers, id)
	}
	s.vers[id]++
	s.tmu.Unlock()
}

func (s *Service) enqueue(id string) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Debug("scheduler not running; dropping fire", logx.String("job", id))
		return
	}
	select {
	case q <- id:
	default:
		s.log.Warn("scheduler queue full; dropping fire", logx.String("job", id), logx.Int("queue_cap", cap(q)))
	}
}

// ---- firing ----

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan string, idx int) {
	for {
		// Fast-exit so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case id := <-queue:
			s.fire(ctx, id, idx)
		}
	}
}

// fire runs one job occurrence. A panic or unexpected error is contained
// here: the job is marked failed, other jobs keep their schedules.
func (s *Service) fire(ctx context.Context, id string, worker int) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in job fire", logx.Int("worker", worker), logx.String("job", id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			_ = s.jobs.SetJobStatus(context.Background(), id, store.JobFailed)
		}
	}()

	j, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		s.log.Error("job vanished before fire", logx.String("job", id), logx.Err(err))
		return
	}
	if j.Status != store.JobPending {
		// Cancelled (or already terminal) between arm and fire.
		return
	}

	start := time.Now()

	// One Dispatch call per occurrence: the scope list travels as a unit so
	// the dedup gate admits the whole job once, not scope by scope.
	res, dispatchErr := s.dispatch.Dispatch(ctx, requestFor(j))
	sent, failed := res.Sent, res.Failed

	recurring := j.RepeatKind != store.RepeatOnce && j.RepeatKind != ""
	now := time.Now()

	if dispatchErr != nil {
		s.log.Error("job dispatch failed", logx.String("job", j.ID), logx.String("title", j.Title), logx.Err(dispatchErr))
		s.publish(eventbus.TypeJobFailed, JobEvent{ID: j.ID, Title: j.Title, Sent: sent, Failed: failed, Error: dispatchErr.Error()})
		if !recurring {
			if err := s.jobs.MarkJobFired(ctx, j.ID, now, sent, store.JobFailed); err != nil {
				s.log.Error("job outcome not persisted", logx.String("job", j.ID), logx.Err(err))
			}
			return
		}
		// Recurring failures are assumed transient: record the run and
		// keep the schedule alive.
		if err := s.jobs.MarkJobFired(ctx, j.ID, now, sent, store.JobPending); err != nil {
			s.log.Error("job outcome not persisted", logx.String("job", j.ID), logx.Err(err))
		}
		j.LastSent = now
		s.armJob(j, now)
		return
	}

	status := store.JobSent
	if recurring {
		status = store.JobPending
	}
	if err := s.jobs.MarkJobFired(ctx, j.ID, now, sent, status); err != nil {
		// The durable record is untrustworthy; a re-fire after restart is
		// tolerated, dedup is the backstop.
		s.log.Error("job outcome not persisted", logx.String("job", j.ID), logx.Err(err))
	}
	s.publish(eventbus.TypeJobFired, JobEvent{ID: j.ID, Title: j.Title, Sent: sent, Failed: failed})
	s.log.Info("job fired", logx.String("job", j.ID), logx.String("title", j.Title), logx.Int("sent", sent), logx.Int("failed", failed), logx.Duration("took", time.Since(start)))

	if recurring {
		j.LastSent = now
		s.armJob(j, now)
	}
}

func requestFor(j store.Job) broadcast.Request {
	platforms := make([]platform.ID, 0, len(j.Platforms))
	for _, p := range j.Platforms {
		platforms = append(platforms, platform.ID(p))
	}
	content := broadcast.Content{
		Kind:   platform.PayloadKind(j.ContentKind),
		Text:   j.Body,
		FileID: j.Content,
	}
	if content.Kind == "" {
		content.Kind = platform.PayloadText
	}
	if content.Kind == platform.PayloadText {
		content.FileID = ""
	}
	if content.Kind == platform.PayloadForward {
		content.FileID = ""
		if from, msg, ok := strings.Cut(j.Content, ":"); ok {
			content.Forward = &platform.ForwardRef{FromChatID: from, MessageID: msg}
		}
	}

	scopes := j.Scopes
	if len(scopes) == 0 {
		scopes = []string{broadcast.ScopeAll}
	}
	if j.TagFilter != "" {
		scopes = []string{"tag:" + j.TagFilter}
	}
	return broadcast.Request{Content: content, Scopes: scopes, Platforms: platforms, PinFirst: j.PinOnSend}
}

func (s *Service) publish(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
