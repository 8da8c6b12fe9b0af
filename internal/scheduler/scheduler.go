// Package scheduler drives the fetch cycle and the notification drain on
// fixed intervals.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bryan-buckman/showtracker/internal/compare"
	"github.com/bryan-buckman/showtracker/internal/database"
	"github.com/bryan-buckman/showtracker/internal/dispatch"
	"github.com/bryan-buckman/showtracker/internal/listing"
	"github.com/bryan-buckman/showtracker/internal/logx"
	"github.com/bryan-buckman/showtracker/internal/model"
	"github.com/bryan-buckman/showtracker/internal/tracker"
)

const (
	DefaultFetchInterval    = 2 * time.Minute
	DefaultDispatchInterval = time.Minute
	// MaxConcurrencyPostgres bounds parallel target fetches when the store
	// handles concurrent writes.
	MaxConcurrencyPostgres = 4
	// JobTimeout bounds a single cycle or drain.
	JobTimeout = 10 * time.Minute
)

// Evaluator runs the subscription state machine against a fresh snapshot.
type Evaluator interface {
	EvaluateCycle(ctx context.Context, snap model.Snapshot, cs tracker.ChangeSet, prevKnown bool) (int, error)
}

// Drainer delivers queued notifications.
type Drainer interface {
	Drain(ctx context.Context) (dispatch.Result, error)
}

// Options configures a Scheduler.
type Options struct {
	Store            database.Store
	Fetcher          listing.Fetcher
	Evaluator        Evaluator
	Drainer          Drainer
	Cache            *SnapshotCache
	Locker           Locker
	FetchInterval    time.Duration
	DispatchInterval time.Duration
	Concurrency      int // parallel fetches; only used when the store supports it
	Location         *time.Location
	Log              logx.Logger
}

// Scheduler owns the two periodic jobs.
type Scheduler struct {
	store            database.Store
	fetcher          listing.Fetcher
	evaluator        Evaluator
	drainer          Drainer
	cache            *SnapshotCache
	locker           Locker
	fetchInterval    time.Duration
	dispatchInterval time.Duration
	concurrency      int
	loc              *time.Location
	log              logx.Logger
	now              func() time.Time

	mu sync.Mutex
	c  *cron.Cron
	wg sync.WaitGroup
}

// CycleResult summarizes one fetch cycle.
type CycleResult struct {
	Targets int
	Fetched int
	Failed  int
	Queued  int
	Evicted []string
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		store:            opts.Store,
		fetcher:          opts.Fetcher,
		evaluator:        opts.Evaluator,
		drainer:          opts.Drainer,
		cache:            opts.Cache,
		locker:           opts.Locker,
		fetchInterval:    opts.FetchInterval,
		dispatchInterval: opts.DispatchInterval,
		concurrency:      opts.Concurrency,
		loc:              opts.Location,
		log:              log.With(logx.String("comp", "scheduler")),
		now:              time.Now,
	}
	if s.fetchInterval <= 0 {
		s.fetchInterval = DefaultFetchInterval
	}
	if s.dispatchInterval <= 0 {
		s.dispatchInterval = DefaultDispatchInterval
	}
	if s.concurrency <= 0 {
		s.concurrency = MaxConcurrencyPostgres
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.cache == nil {
		s.cache = NewSnapshotCache(opts.Store, log)
	}
	if s.locker == nil {
		s.locker = NewMemoryLocker()
	}
	return s
}

// Start schedules both jobs and runs each once right away. Overlapping runs
// of the same job are skipped.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}

	cl := logx.CronLogger{L: s.log}
	chain := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))
	fetchJob := chain.Then(cron.FuncJob(s.fetchJob))
	drainJob := chain.Then(cron.FuncJob(s.drainJob))

	s.c = cron.New(cron.WithLocation(s.loc), cron.WithLogger(cl))
	s.c.Schedule(cron.Every(s.fetchInterval), fetchJob)
	s.c.Schedule(cron.Every(s.dispatchInterval), drainJob)
	s.c.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fetchJob.Run()
		drainJob.Run()
	}()
	s.log.Info("scheduler started",
		logx.Duration("fetch_every", s.fetchInterval),
		logx.Duration("dispatch_every", s.dispatchInterval),
		logx.String("tz", s.loc.String()))
}

// Stop stops scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) fetchJob() {
	ctx, cancel := context.WithTimeout(context.Background(), JobTimeout)
	defer cancel()
	start := time.Now()
	res, err := s.RunCycle(ctx)
	if err != nil {
		s.log.Error("fetch cycle", logx.Err(err))
		return
	}
	s.log.Info("fetch cycle done",
		logx.Int("targets", res.Targets), logx.Int("fetched", res.Fetched),
		logx.Int("failed", res.Failed), logx.Int("queued", res.Queued),
		logx.Int("evicted", len(res.Evicted)), logx.Duration("took", time.Since(start)))
}

func (s *Scheduler) drainJob() {
	ctx, cancel := context.WithTimeout(context.Background(), JobTimeout)
	defer cancel()
	if _, err := s.drainer.Drain(ctx); err != nil {
		s.log.Error("drain notifications", logx.Err(err))
	}
}

// RunCycle fetches every target that has an ACTIVE subscription for today
// or later, diffs it against the cached snapshot and evaluates the bound
// subscriptions. Snapshots of targets nobody tracks any more are evicted.
// A failing target is logged and skipped; it keeps its last good snapshot.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	today := s.now().In(s.loc).Format(model.DateLayout)
	targets, err := s.store.ListActiveTargets(ctx, today)
	if err != nil {
		return res, err
	}
	res.Targets = len(targets)

	keep := make(map[string]bool, len(targets))
	for _, t := range targets {
		keep[t.Key()] = true
	}
	evicted, err := s.cache.Retain(ctx, keep)
	if err != nil {
		s.log.Warn("evict snapshots", logx.Err(err))
	}
	res.Evicted = evicted
	if len(evicted) > 0 {
		s.log.Debug("evicted snapshots", logx.Strings("targets", evicted))
	}
	if len(targets) == 0 {
		return res, nil
	}

	if s.store.SupportsHighConcurrency() && s.concurrency > 1 {
		err = s.runParallel(ctx, targets, &res)
	} else {
		err = s.runSequential(ctx, targets, &res)
	}
	return res, err
}

// runSequential processes targets one at a time (for SQLite).
func (s *Scheduler) runSequential(ctx context.Context, targets []model.Target, res *CycleResult) error {
	for i, t := range targets {
		select {
		case <-ctx.Done():
			s.log.Warn("cycle cancelled", logx.Int("done", i), logx.Int("total", len(targets)))
			return ctx.Err()
		default:
		}
		queued, err := s.processTarget(ctx, t)
		s.record(res, t, queued, err)
	}
	return nil
}

// runParallel processes targets with a worker pool (for PostgreSQL).
func (s *Scheduler) runParallel(ctx context.Context, targets []model.Target, res *CycleResult) error {
	type result struct {
		target model.Target
		queued int
		err    error
	}

	targetChan := make(chan model.Target, len(targets))
	resultChan := make(chan result, len(targets))
	var wg sync.WaitGroup

	workers := s.concurrency
	if workers > len(targets) {
		workers = len(targets)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range targetChan {
				if ctx.Err() != nil {
					return
				}
				queued, err := s.processTarget(ctx, t)
				resultChan <- result{target: t, queued: queued, err: err}
			}
		}()
	}
	for _, t := range targets {
		targetChan <- t
	}
	close(targetChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()
	for r := range resultChan {
		s.record(res, r.target, r.queued, r.err)
	}
	return ctx.Err()
}

func (s *Scheduler) record(res *CycleResult, t model.Target, queued int, err error) {
	if err != nil {
		res.Failed++
		if errors.Is(err, listing.ErrDateNotOpen) {
			s.log.Info("listing not open yet", logx.String("target", t.Key()))
			return
		}
		s.log.Warn("process target", logx.String("target", t.Key()), logx.Err(err))
		return
	}
	res.Fetched++
	res.Queued += queued
}

// processTarget runs one target under its lock.
func (s *Scheduler) processTarget(ctx context.Context, t model.Target) (int, error) {
	key := t.Key()
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return 0, err
	}
	defer unlock()

	prev, known := s.cache.Get(ctx, key)
	snap, err := s.fetcher.Fetch(ctx, t)
	if err != nil {
		return 0, err
	}
	if !known {
		prev = nil
	}
	cs := compare.Diff(prev, *snap)
	if err := s.cache.Put(ctx, *snap); err != nil {
		s.log.Warn("store snapshot", logx.String("target", key), logx.Err(err))
	}
	if !cs.Empty() {
		s.log.Debug("listing changed", logx.String("target", key),
			logx.Strings("new_titles", cs.NewlyPresent), logx.Int("new_showtimes", len(cs.NewShowtimes)),
			logx.Strings("removed", cs.Removed))
	}
	return s.evaluator.EvaluateCycle(ctx, *snap, cs, known)
}
