package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nacorid/x402-facilitator/x402"
	"github.com/nacorid/x402-facilitator/x402/retry"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("settle: queue closed")

// Config controls the settlement queue.
type Config struct {
	// Workers is the number of concurrent settlement workers (default 4).
	Workers int

	// MaxRetries is the number of retries after the first attempt before a
	// job fails terminally (default 3).
	MaxRetries int

	// RetryDelay is the delay before the first retry (default 5s).
	RetryDelay time.Duration

	// BackoffMultiplier scales the delay after each failed attempt
	// (default 2).
	BackoffMultiplier float64

	// MaxRetryDelay caps the backoff delay (default 5m).
	MaxRetryDelay time.Duration

	// PollInterval is how often the dispatcher looks for due jobs
	// (default 500ms).
	PollInterval time.Duration

	// SettleTimeout bounds a single settlement attempt (default 60s).
	SettleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = x402.DefaultTimeouts.SettleTimeout
	}
	return c
}

// Queue runs settlements asynchronously: Enqueue hands back a job ID
// immediately and a supervised worker pool executes jobs at its own cadence,
// decoupling request latency from chain latency.
//
// At most one attempt per job is in flight at a time; distinct jobs run
// concurrently up to the configured worker count. Transient failures are
// rescheduled with exponential backoff up to MaxRetries, then the job fails
// terminally and is only surfaced, never retried again.
type Queue struct {
	cfg     Config
	engine  *Engine
	store   Store
	logger  *slog.Logger
	metrics *Metrics

	// now is swappable in tests.
	now func() time.Time

	jobs chan Job
	stop chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// NewQueue creates a queue. metrics may be nil.
func NewQueue(cfg Config, engine *Engine, store Store, logger *slog.Logger, metrics *Metrics) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Queue{
		cfg:     cfg,
		engine:  engine,
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		jobs:    make(chan Job),
		stop:    make(chan struct{}),
	}
}

// Start recovers jobs left running by a previous shutdown and launches the
// dispatcher and worker pool.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("settle: queue already started")
	}
	if q.closed {
		return ErrQueueClosed
	}
	q.started = true

	if err := q.store.ResetRunning(ctx); err != nil {
		return fmt.Errorf("settle: recovering interrupted jobs: %w", err)
	}

	q.wg.Add(1)
	go q.dispatch()

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	q.logger.Info("settlement queue started", "workers", q.cfg.Workers, "maxRetries", q.cfg.MaxRetries)
	return nil
}

// Enqueue appends a pending settlement job and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, payload x402.PaymentPayload, req x402.PaymentRequirements) (string, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return "", ErrQueueClosed
	}

	now := q.now()
	job := Job{
		ID:            uuid.NewString(),
		Payload:       payload,
		Requirements:  req,
		State:         JobPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := q.store.Put(ctx, job); err != nil {
		return "", fmt.Errorf("settle: enqueue: %w", err)
	}

	q.metrics.jobEnqueued()
	q.logger.Info("settlement job enqueued", "job", job.ID, "network", req.Network)
	return job.ID, nil
}

// Job returns the current state of a job.
func (q *Queue) Job(ctx context.Context, id string) (Job, error) {
	return q.store.Get(ctx, id)
}

// Counts returns the number of jobs per state.
func (q *Queue) Counts(ctx context.Context) (map[JobState]int, error) {
	return q.store.CountByState(ctx)
}

// Close stops accepting jobs, stops the workers, and waits for in-flight
// attempts to finish. Job state already persisted is left in the store for
// resumption on the next Start.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	started := q.started
	q.mu.Unlock()

	close(q.stop)
	if started {
		q.wg.Wait()
	}
	q.logger.Info("settlement queue stopped")
}

func (q *Queue) dispatch() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.PollInterval)
		due, err := q.store.ClaimDue(ctx, q.now(), q.cfg.Workers*2)
		if err != nil {
			q.logger.Error("claiming due settlement jobs failed", "error", err)
		}
		if counts, err := q.store.CountByState(ctx); err == nil {
			q.metrics.setDepth(counts[JobPending] + counts[JobRunning])
		}
		cancel()

		for _, job := range due {
			select {
			case q.jobs <- job:
			case <-q.stop:
				return
			}
		}
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case job := <-q.jobs:
			q.process(job)
		}
	}
}

func (q *Queue) process(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.SettleTimeout)
	defer cancel()

	job.Attempts++
	result, err := q.engine.Settle(ctx, job.Payload, job.Requirements)
	now := q.now()
	job.UpdatedAt = now

	switch {
	case err == nil && result.Success:
		job.State = JobSucceeded
		job.Result = &result
		job.LastError = ""
		q.metrics.attempt("succeeded")
		q.logger.Info("settlement job succeeded",
			"job", job.ID, "attempts", job.Attempts, "transaction", result.Transaction)

	case err == nil:
		// Terminal protocol rejection: retrying cannot change the outcome.
		job.State = JobFailed
		job.Result = &result
		job.LastError = result.ErrorReason
		q.metrics.attempt("rejected")
		q.logger.Warn("settlement job rejected",
			"job", job.ID, "attempts", job.Attempts, "reason", result.ErrorReason)

	case job.Attempts > q.cfg.MaxRetries:
		job.State = JobFailed
		job.LastError = err.Error()
		q.metrics.attempt("exhausted")
		q.logger.Error("settlement job failed permanently",
			"job", job.ID, "attempts", job.Attempts, "error", err)

	default:
		backoff := retry.Config{
			InitialDelay: q.cfg.RetryDelay,
			MaxDelay:     q.cfg.MaxRetryDelay,
			Multiplier:   q.cfg.BackoffMultiplier,
		}
		job.State = JobPending
		job.NextAttemptAt = now.Add(backoff.Delay(job.Attempts))
		job.LastError = err.Error()
		q.metrics.attempt("retried")
		q.logger.Warn("settlement job attempt failed, rescheduled",
			"job", job.ID, "attempts", job.Attempts, "nextAttempt", job.NextAttemptAt, "error", err)
	}

	updateCtx, updateCancel := context.WithTimeout(context.Background(), q.cfg.SettleTimeout)
	defer updateCancel()
	if err := q.store.Update(updateCtx, job); err != nil {
		q.logger.Error("persisting settlement job failed", "job", job.ID, "error", err)
	}
}
