package settle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nacorid/x402-facilitator/x402"
)

// JobState is the lifecycle state of a settlement job.
type JobState string

const (
	// JobPending: waiting for a worker, or rescheduled after a transient
	// failure.
	JobPending JobState = "pending"

	// JobRunning: claimed by a worker; at most one attempt is in flight.
	JobRunning JobState = "running"

	// JobSucceeded: settled; Result holds the settlement outcome. Terminal.
	JobSucceeded JobState = "succeeded"

	// JobFailed: rejected terminally or retries exhausted. Never retried
	// again. Terminal.
	JobFailed JobState = "failed"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// Job is one unit of queued settlement work. Jobs are created on enqueue and
// mutated only by the queue worker.
type Job struct {
	// ID is the job identifier handed back to the caller on enqueue.
	ID string `json:"id"`

	// Payload is the signed payment payload to settle.
	Payload x402.PaymentPayload `json:"payload"`

	// Requirements is the payment option the payload was verified against.
	Requirements x402.PaymentRequirements `json:"requirements"`

	// Attempts counts settlement attempts made so far.
	Attempts int `json:"attempts"`

	// State is the current lifecycle state.
	State JobState `json:"state"`

	// NextAttemptAt is the earliest time the job is eligible to run.
	NextAttemptAt time.Time `json:"nextAttemptAt"`

	// Result holds the settlement outcome once the job is terminal.
	Result *x402.SettleResponse `json:"result,omitempty"`

	// LastError records the most recent failure.
	LastError string `json:"lastError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ErrJobNotFound is returned by Store.Get for unknown job IDs.
var ErrJobNotFound = errors.New("settle: job not found")

// Store persists settlement jobs. Implementations must make ClaimDue
// atomic: a claimed job transitions to running and cannot be claimed again
// until updated.
type Store interface {
	// Put inserts a new job.
	Put(ctx context.Context, job Job) error

	// ClaimDue atomically transitions up to limit pending jobs whose
	// NextAttemptAt is not after now into the running state and returns them.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error)

	// Update replaces the stored job.
	Update(ctx context.Context, job Job) error

	// Get returns the job with the given ID, or ErrJobNotFound.
	Get(ctx context.Context, id string) (Job, error)

	// ResetRunning returns jobs left running by a previous shutdown to the
	// pending state so they can be resumed.
	ResetRunning(ctx context.Context) error

	// CountByState returns the number of jobs in each state.
	CountByState(ctx context.Context) (map[JobState]int, error)
}

// MemoryStore is the in-memory Store used when no durable store is
// configured. Jobs do not survive a restart.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]Job
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]Job)}
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

// ClaimDue implements Store.
func (s *MemoryStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Job
	for _, job := range s.jobs {
		if job.State == JobPending && !job.NextAttemptAt.After(now) {
			due = append(due, job)
		}
	}
	// Oldest first, so retries do not starve fresh jobs forever and claims
	// are deterministic.
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	for i := range due {
		due[i].State = JobRunning
		due[i].UpdatedAt = now
		s.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

// Update implements Store.
func (s *MemoryStore) Update(ctx context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[job.ID] = job
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}

// ResetRunning implements Store.
func (s *MemoryStore) ResetRunning(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, job := range s.jobs {
		if job.State == JobRunning {
			job.State = JobPending
			s.jobs[id] = job
		}
	}
	return nil
}

// CountByState implements Store.
func (s *MemoryStore) CountByState(ctx context.Context) (map[JobState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[JobState]int)
	for _, job := range s.jobs {
		counts[job.State]++
	}
	return counts, nil
}
