package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"sla_framework/internal/jobs"
	"sla_framework/internal/store"
)

// Scheduler periodically enqueues load jobs for the trailing window of days
// and re-drives report ranges that have not finished. Today is included so
// its rows keep landing, even though the day itself never closes.
type Scheduler struct {
	store        *store.Store
	runner       *jobs.Runner
	lookbackDays int
	now          func() time.Time

	mu       sync.Mutex
	interval time.Duration
	reload   chan struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

func New(st *store.Store, runner *jobs.Runner, interval time.Duration, lookbackDays int, now func() time.Time) *Scheduler {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Scheduler{
		store:        st,
		runner:       runner,
		lookbackDays: lookbackDays,
		now:          now,
		interval:     interval,
		reload:       make(chan struct{}, 1),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// SetInterval updates the tick period; the running loop picks it up on the
// next wakeup.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	changed := s.interval != d
	s.interval = d
	s.mu.Unlock()
	if changed {
		select {
		case s.reload <- struct{}{}:
		default:
		}
		log.Printf("scheduler: sync interval now %s", d)
	}
}

func (s *Scheduler) currentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.currentInterval())
	defer ticker.Stop()

	// First sweep right away so a fresh process starts catching up.
	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.reload:
			ticker.Reset(s.currentInterval())
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep enqueues the trailing-day loads and retriggers unfinished reports.
// Everything goes through the runner's idempotent enqueue, so repeated
// sweeps cost nothing once a day or range is done.
func (s *Scheduler) sweep(ctx context.Context) {
	now := s.now()
	for back := 0; back <= s.lookbackDays; back++ {
		day := now.AddDate(0, 0, -back)
		for _, entity := range []string{"calls", "events"} {
			if err := s.runner.RequestDayLoad(ctx, entity, day); err != nil {
				log.Printf("scheduler: request %s load for %s: %v", entity, day.Format("2006-01-02"), err)
			}
		}
	}

	pending, err := s.store.UnfinishedReports(ctx, 50)
	if err != nil {
		log.Printf("scheduler: list unfinished reports: %v", err)
		return
	}
	for _, rep := range pending {
		if _, err := s.runner.RequestReport(ctx, rep.StartTime, rep.EndTime); err != nil {
			log.Printf("scheduler: retrigger report %s to %s: %v",
				rep.StartTime.Format(time.RFC3339), rep.EndTime.Format(time.RFC3339), err)
		}
	}
}
