package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"sla_framework/config"
	"sla_framework/internal/metrics"
	"sla_framework/internal/store"
)

// Status values for jobs.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Kind names the job families the runner drives.
type Kind string

const (
	KindLoad   Kind = "load"
	KindReport Kind = "report"
)

// Outcome classifies how a job handler ended. The runner maps outcomes to
// queue actions; handlers never touch the queue themselves.
type Outcome string

const (
	// OutcomeSuccess: the work is done.
	OutcomeSuccess Outcome = "success"
	// OutcomeAlreadyLoaded: idempotent no-op, treated as done.
	OutcomeAlreadyLoaded Outcome = "already_loaded"
	// OutcomeDelay: a dependency has not landed yet. Re-enqueued with a fixed
	// future attempt; never counts against the retry budget.
	OutcomeDelay Outcome = "delay"
	// OutcomeRetry: transient fault. Re-enqueued with exponential backoff up
	// to the attempt bound, then surfaced as a hard failure.
	OutcomeRetry Outcome = "retry"
	// OutcomeFailed: programming or configuration error; never retried.
	OutcomeFailed Outcome = "failed"
)

// JobFunc executes one job and classifies the result.
type JobFunc func(ctx context.Context, job store.Job) (Outcome, error)

// Runner owns the durable queue: it persists jobs with stable idempotency
// keys, feeds them to a fixed worker pool, and re-drives retries.
type Runner struct {
	cfg    config.Config
	store  *store.Store
	reg    map[Kind]JobFunc
	wake   chan string
	wg     sync.WaitGroup
	cancel context.CancelFunc
	now    func() time.Time
}

func NewRunner(cfg config.Config, st *store.Store, now func() time.Time) *Runner {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Runner{
		cfg:   cfg,
		store: st,
		reg:   make(map[Kind]JobFunc),
		wake:  make(chan string, cfg.QueueSize),
		now:   now,
	}
}

// Register installs the handler for a job kind. Must happen before Start.
func (r *Runner) Register(kind Kind, fn JobFunc) {
	r.reg[kind] = fn
}

// Start requeues any jobs stranded by a previous process and spins the
// worker pool plus the due-job poller.
func (r *Runner) Start(ctx context.Context) error {
	n, err := r.store.RequeueRunning(ctx, r.now())
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("jobs: requeued %d jobs left running by a previous process", n)
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	for i := 0; i < r.cfg.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
	r.wg.Add(1)
	go r.poll(ctx)
	return nil
}

// Stop lets in-flight jobs finish or time out, then returns.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// RequestDayLoad enqueues a load job for one entity/day pair. The key is
// stable per pair, so duplicate requests collapse onto the same job and all
// loads for a pair serialize through one queue identity.
func (r *Runner) RequestDayLoad(ctx context.Context, entity string, day time.Time) error {
	dayKey := day.UTC().Format("2006-01-02")
	_, err := r.enqueue(ctx, &store.Job{
		ID:             uuid.NewString(),
		Kind:           string(KindLoad),
		Entity:         entity,
		Day:            dayKey,
		Status:         StatusQueued,
		IdempotencyKey: fmt.Sprintf("load:%s:%s", entity, dayKey),
	})
	return err
}

// RequestReport enqueues a report build for the exact range.
func (r *Runner) RequestReport(ctx context.Context, start, end time.Time) (*store.Job, error) {
	start = start.UTC()
	end = end.UTC()
	return r.enqueue(ctx, &store.Job{
		ID:             uuid.NewString(),
		Kind:           string(KindReport),
		RangeStart:     &start,
		RangeEnd:       &end,
		Status:         StatusQueued,
		IdempotencyKey: fmt.Sprintf("report:%s:%s", start.Format(time.RFC3339), end.Format(time.RFC3339)),
	})
}

func (r *Runner) enqueue(ctx context.Context, job *store.Job) (*store.Job, error) {
	now := r.now()
	job.NotBefore = now
	job.CreatedAt = now
	job.UpdatedAt = now
	j, err := r.store.InsertJobIdempotent(ctx, job)
	if err == store.ErrConflict {
		// A failed job asked for again is an operator re-drive: reset it.
		if j.Status == StatusFailed {
			if err := r.store.RescheduleJob(ctx, j.ID, 0, now, nil, now); err != nil {
				return nil, err
			}
			r.nudge(j.ID)
		}
		return j, nil
	}
	if err != nil {
		return nil, err
	}
	r.nudge(j.ID)
	return j, nil
}

// nudge wakes a worker without waiting for the next poll tick. Dropping the
// hint is fine: the poller will find the job.
func (r *Runner) nudge(id string) {
	select {
	case r.wake <- id:
	default:
	}
}

func (r *Runner) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-r.wake:
			job, err := r.store.GetJob(ctx, id)
			if err != nil || job == nil {
				continue
			}
			r.execute(ctx, *job)
		}
	}
}

// poll re-discovers due jobs: retries whose not_before passed, and anything
// enqueued while no worker was listening.
func (r *Runner) poll(ctx context.Context) {
	defer r.wg.Done()
	interval := time.Duration(r.cfg.PollIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := r.store.DueJobs(ctx, r.now(), r.cfg.QueueSize)
			if err != nil {
				log.Printf("jobs: poll: %v", err)
				continue
			}
			for _, j := range due {
				r.nudge(j.ID)
			}
		}
	}
}

func (r *Runner) execute(ctx context.Context, job store.Job) {
	claimed, err := r.store.ClaimJob(ctx, job.ID, r.now())
	if err != nil {
		log.Printf("jobs: claim %s: %v", job.ID, err)
		return
	}
	if !claimed {
		return
	}

	fn, ok := r.reg[Kind(job.Kind)]
	if !ok {
		msg := fmt.Sprintf("no handler for kind %q", job.Kind)
		log.Printf("jobs: %s", msg)
		r.finish(ctx, job.ID, StatusFailed, &msg)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.JobTimeoutSec)*time.Second)
	outcome, runErr := fn(jobCtx, job)
	cancel()
	if jobCtx.Err() == context.DeadlineExceeded && outcome != OutcomeDelay {
		outcome = OutcomeRetry
		runErr = fmt.Errorf("job timed out after %ds", r.cfg.JobTimeoutSec)
	}

	switch outcome {
	case OutcomeSuccess, OutcomeAlreadyLoaded:
		metrics.IncSucceeded()
		r.finish(ctx, job.ID, StatusSucceeded, nil)
	case OutcomeDelay:
		metrics.IncDelayed()
		notBefore := r.now().Add(time.Duration(r.cfg.RetryDelaySec) * time.Second)
		msg := errMsg(runErr)
		if err := r.store.RescheduleJob(ctx, job.ID, job.Attempts, notBefore, msg, r.now()); err != nil {
			log.Printf("jobs: reschedule %s: %v", job.ID, err)
		}
	case OutcomeRetry:
		attempts := job.Attempts + 1
		msg := errMsg(runErr)
		if attempts >= r.cfg.MaxAttempts {
			log.Printf("jobs: %s failed after %d attempts: %v", job.IdempotencyKey, attempts, runErr)
			metrics.IncFailed()
			r.finish(ctx, job.ID, StatusFailed, msg)
			return
		}
		metrics.IncRetried()
		notBefore := r.now().Add(r.retryInterval(attempts))
		log.Printf("jobs: %s attempt %d failed, retrying at %s: %v", job.IdempotencyKey, attempts, notBefore.Format(time.RFC3339), runErr)
		if err := r.store.RescheduleJob(ctx, job.ID, attempts, notBefore, msg, r.now()); err != nil {
			log.Printf("jobs: reschedule %s: %v", job.ID, err)
		}
	default:
		log.Printf("jobs: %s hit a non-retryable error: %v", job.IdempotencyKey, runErr)
		metrics.IncFailed()
		r.finish(ctx, job.ID, StatusFailed, errMsg(runErr))
	}
}

func (r *Runner) finish(ctx context.Context, id, status string, msg *string) {
	if err := r.store.MarkJobFinished(ctx, id, status, msg, r.now()); err != nil {
		log.Printf("jobs: finish %s: %v", id, err)
	}
}

// retryInterval grows exponentially with the attempt count, capped at the
// configured ceiling.
func (r *Runner) retryInterval(attempts int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(r.cfg.RetryInitialSec) * time.Second
	bo.MaxInterval = time.Duration(r.cfg.RetryMaxSec) * time.Second
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	d := bo.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = bo.NextBackOff()
	}
	return d
}

func errMsg(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
