package engine

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/intralog/outreach-engine/internal/domain"
)

// SchedulerStore is the persistence slice the claim loop needs.
type SchedulerStore interface {
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]*domain.Enrollment, error)
	RecoverStale(ctx context.Context, cutoff time.Time) (int, error)
	InFlightBySender(ctx context.Context) (map[string]int, error)
}

// GovernorSeeder rebuilds in-memory reservations at startup.
type GovernorSeeder interface {
	SeedPending(senderEmail string, n int)
}

// SchedulerConfig tunes the claim loop.
type SchedulerConfig struct {
	GlobalConcurrency int           // parallel executors (default 8)
	PollInterval      time.Duration // idle sleep between claim sweeps
	DrainTimeout      time.Duration // shutdown grace for in-flight work
	StaleThreshold    time.Duration // in_flight older than this is recovered
}

func (c *SchedulerConfig) defaults() {
	if c.GlobalConcurrency <= 0 {
		c.GlobalConcurrency = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 60 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 10 * time.Minute
	}
}

// Scheduler owns the claim loop: it sweeps due enrollments into in_flight
// and fans them out to a fixed pool of executor workers. One scheduler
// process runs at a time; cmd/worker takes a leadership lock before Start.
type Scheduler struct {
	store    SchedulerStore
	executor *Executor
	seeder   GovernorSeeder
	clock    Clock
	cfg      SchedulerConfig

	ctx        context.Context
	cancel     context.CancelFunc
	execCtx    context.Context
	execCancel context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool

	claimed   int64
	executed  int64
	recovered int64
}

// NewScheduler wires a scheduler. clock may be nil for the real clock.
func NewScheduler(st SchedulerStore, ex *Executor, seeder GovernorSeeder, clock Clock, cfg SchedulerConfig) *Scheduler {
	cfg.defaults()
	if clock == nil {
		clock = RealClock{}
	}
	return &Scheduler{
		store:    st,
		executor: ex,
		seeder:   seeder,
		clock:    clock,
		cfg:      cfg,
	}
}

// Start recovers stale claims, rebuilds governor reservations and begins
// the claim loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.execCtx, s.execCancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	now := s.clock.Now()
	n, err := s.store.RecoverStale(s.ctx, now.Add(-s.cfg.StaleThreshold))
	if err != nil {
		log.Printf("[Scheduler] stale recovery failed: %v", err)
	} else if n > 0 {
		atomic.AddInt64(&s.recovered, int64(n))
		log.Printf("[Scheduler] recovered %d stale in-flight enrollments", n)
	}

	if inFlight, err := s.store.InFlightBySender(s.ctx); err != nil {
		log.Printf("[Scheduler] in-flight rebuild failed: %v", err)
	} else {
		for sender, count := range inFlight {
			s.seeder.SeedPending(sender, count)
		}
	}

	jobs := make(chan *domain.Enrollment)
	for i := 0; i < s.cfg.GlobalConcurrency; i++ {
		s.wg.Add(1)
		go s.worker(i, jobs)
	}

	s.wg.Add(1)
	go s.loop(jobs)

	log.Printf("[Scheduler] started (concurrency=%d, poll=%s)", s.cfg.GlobalConcurrency, s.cfg.PollInterval)
	return nil
}

// Stop cancels the loop and waits up to DrainTimeout for in-flight steps.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	// Claiming has stopped; give in-flight steps the drain window, then
	// hard-cancel. Abandoned rows come back through stale-claim recovery.
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("[Scheduler] drained cleanly")
	case <-time.After(s.cfg.DrainTimeout):
		log.Printf("[Scheduler] drain timeout after %s", s.cfg.DrainTimeout)
	}
	s.execCancel()
}

// Stats returns lifetime counters.
func (s *Scheduler) Stats() (claimed, executed, recovered int64) {
	return atomic.LoadInt64(&s.claimed), atomic.LoadInt64(&s.executed), atomic.LoadInt64(&s.recovered)
}

func (s *Scheduler) loop(jobs chan<- *domain.Enrollment) {
	defer s.wg.Done()
	defer close(jobs)

	for {
		if s.ctx.Err() != nil {
			return
		}

		batch, err := s.store.ClaimDue(s.ctx, s.cfg.GlobalConcurrency*2, s.clock.Now())
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			log.Printf("[Scheduler] claim failed: %v", err)
			batch = nil
		}

		for _, e := range batch {
			select {
			case jobs <- e:
				atomic.AddInt64(&s.claimed, 1)
			case <-s.ctx.Done():
				return
			}
		}

		// A sweep that found work loops straight back; an idle one sleeps.
		if len(batch) > 0 {
			continue
		}
		select {
		case <-time.After(s.cfg.PollInterval):
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) worker(id int, jobs <-chan *domain.Enrollment) {
	defer s.wg.Done()
	for e := range jobs {
		s.runOne(id, e)
	}
}

// runOne isolates panics so one bad step never takes the pool down; the
// row comes back through stale-claim recovery.
func (s *Scheduler) runOne(id int, e *domain.Enrollment) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Scheduler] worker %d panic on enrollment %s: %v", id, e.ID, r)
		}
	}()
	if err := s.executor.Execute(s.execCtx, e); err != nil {
		log.Printf("[Scheduler] worker %d execute %s: %v", id, e.ID, err)
		return
	}
	atomic.AddInt64(&s.executed, 1)
}
