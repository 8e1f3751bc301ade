package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nacorid/x402-facilitator/x402"
)

func testQueueConfig() Config {
	return Config{
		Workers:           2,
		MaxRetries:        2,
		RetryDelay:        5 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxRetryDelay:     50 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		SettleTimeout:     time.Second,
	}
}

func startQueue(t *testing.T, cfg Config, client *fakeClient) *Queue {
	t.Helper()
	engine, _ := testEngine(client)
	queue := NewQueue(cfg, engine, NewMemoryStore(), slog.Default(), NewMetrics(prometheus.NewRegistry()))
	if err := queue.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(queue.Close)
	return queue
}

// waitTerminal polls until the job reaches a terminal state.
func waitTerminal(t *testing.T, queue *Queue, jobID string) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := queue.Job(context.Background(), jobID)
		if err != nil {
			t.Fatalf("Job() error = %v", err)
		}
		if job.State.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state in time")
	return Job{}
}

func TestQueueSettlesJob(t *testing.T) {
	client := &fakeClient{}
	queue := startQueue(t, testQueueConfig(), client)

	jobID, err := queue.Enqueue(context.Background(), testPayload("0xaa"), testRequirement())
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if jobID == "" {
		t.Fatal("Enqueue() returned empty job ID")
	}

	job := waitTerminal(t, queue, jobID)
	if job.State != JobSucceeded {
		t.Fatalf("State = %s; want %s (lastError %q)", job.State, JobSucceeded, job.LastError)
	}
	if job.Attempts != 1 {
		t.Errorf("Attempts = %d; want 1", job.Attempts)
	}
	if job.Result == nil || !job.Result.Success {
		t.Errorf("Result = %+v; want success", job.Result)
	}
}

func TestQueueRetriesTransientFailures(t *testing.T) {
	// Two transient failures, then success. MaxRetries 2 allows three
	// attempts in total, so the job must succeed on the last one.
	transient := fmt.Errorf("%w: node timeout", x402.ErrLedgerUnavailable)
	client := &fakeClient{outcome: []error{transient, transient, nil}}
	queue := startQueue(t, testQueueConfig(), client)

	jobID, err := queue.Enqueue(context.Background(), testPayload("0xaa"), testRequirement())
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	job := waitTerminal(t, queue, jobID)
	if job.State != JobSucceeded {
		t.Fatalf("State = %s; want %s (lastError %q)", job.State, JobSucceeded, job.LastError)
	}
	if job.Attempts != 3 {
		t.Errorf("Attempts = %d; want 3", job.Attempts)
	}
}

func TestQueueExhaustsRetries(t *testing.T) {
	transient := fmt.Errorf("%w: node down", x402.ErrLedgerUnavailable)
	client := &fakeClient{outcome: []error{transient, transient, transient, transient}}
	queue := startQueue(t, testQueueConfig(), client)

	jobID, err := queue.Enqueue(context.Background(), testPayload("0xaa"), testRequirement())
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	job := waitTerminal(t, queue, jobID)
	if job.State != JobFailed {
		t.Fatalf("State = %s; want %s", job.State, JobFailed)
	}
	// MaxRetries 2 bounds the job at three attempts.
	if job.Attempts != 3 {
		t.Errorf("Attempts = %d; want 3", job.Attempts)
	}
	if job.LastError == "" {
		t.Error("LastError is empty for an exhausted job")
	}
	if got := client.submitCount(); got != 3 {
		t.Errorf("submits = %d; want 3", got)
	}
}

func TestQueueTerminalRejectionIsNotRetried(t *testing.T) {
	client := &fakeClient{}
	queue := startQueue(t, testQueueConfig(), client)

	payload := testPayload("0xaa")
	payload.Payload = map[string]interface{}{"garbage": true}

	jobID, err := queue.Enqueue(context.Background(), payload, testRequirement())
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	job := waitTerminal(t, queue, jobID)
	if job.State != JobFailed {
		t.Fatalf("State = %s; want %s", job.State, JobFailed)
	}
	if job.Attempts != 1 {
		t.Errorf("Attempts = %d; want 1, rejections must not be retried", job.Attempts)
	}
	if job.Result == nil || job.Result.ErrorReason != x402.ReasonInvalidPayload {
		t.Errorf("Result = %+v; want %s rejection", job.Result, x402.ReasonInvalidPayload)
	}
}

func TestQueueJobNotFound(t *testing.T) {
	queue := startQueue(t, testQueueConfig(), &fakeClient{})

	_, err := queue.Job(context.Background(), "no-such-job")
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Job() error = %v; want ErrJobNotFound", err)
	}
}

func TestQueueCounts(t *testing.T) {
	client := &fakeClient{}
	queue := startQueue(t, testQueueConfig(), client)

	jobID, err := queue.Enqueue(context.Background(), testPayload("0xaa"), testRequirement())
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitTerminal(t, queue, jobID)

	counts, err := queue.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts[JobSucceeded] != 1 {
		t.Errorf("Counts()[succeeded] = %d; want 1", counts[JobSucceeded])
	}
}

func TestQueueEnqueueAfterCloseFails(t *testing.T) {
	client := &fakeClient{}
	engine, _ := testEngine(client)
	queue := NewQueue(testQueueConfig(), engine, NewMemoryStore(), slog.Default(), NewMetrics(prometheus.NewRegistry()))
	if err := queue.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	queue.Close()

	_, err := queue.Enqueue(context.Background(), testPayload("0xaa"), testRequirement())
	if !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Enqueue() error = %v; want ErrQueueClosed", err)
	}
}

func TestQueueStartRecoversRunningJobs(t *testing.T) {
	// A job left running by a crashed worker is reset to pending on Start and
	// picked up again.
	client := &fakeClient{}
	engine, _ := testEngine(client)
	store := NewMemoryStore()

	now := time.Now()
	stuck := Job{
		ID:            "stuck-job",
		Payload:       testPayload("0xaa"),
		Requirements:  testRequirement(),
		State:         JobRunning,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.Put(context.Background(), stuck); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	queue := NewQueue(testQueueConfig(), engine, store, slog.Default(), NewMetrics(prometheus.NewRegistry()))
	if err := queue.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(queue.Close)

	job := waitTerminal(t, queue, "stuck-job")
	if job.State != JobSucceeded {
		t.Errorf("State = %s; want %s", job.State, JobSucceeded)
	}
}

func TestMemoryStoreClaimDueIsExclusive(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()

	for i := 0; i < 3; i++ {
		job := Job{
			ID:            fmt.Sprintf("job-%d", i),
			State:         JobPending,
			NextAttemptAt: now.Add(time.Duration(i) * time.Millisecond),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := store.Put(context.Background(), job); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	claimed, err := store.ClaimDue(context.Background(), now.Add(time.Second), 2)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("ClaimDue() returned %d jobs; want 2", len(claimed))
	}
	for _, job := range claimed {
		if job.State != JobRunning {
			t.Errorf("claimed job %s state = %s; want %s", job.ID, job.State, JobRunning)
		}
	}

	// The remaining pending job is claimable, the claimed ones are not.
	rest, err := store.ClaimDue(context.Background(), now.Add(time.Second), 10)
	if err != nil {
		t.Fatalf("second ClaimDue() error = %v", err)
	}
	if len(rest) != 1 {
		t.Errorf("second ClaimDue() returned %d jobs; want 1", len(rest))
	}
}

func TestMemoryStoreRespectsNextAttemptAt(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()

	future := Job{
		ID:            "future-job",
		State:         JobPending,
		NextAttemptAt: now.Add(time.Hour),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.Put(context.Background(), future); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	claimed, err := store.ClaimDue(context.Background(), now, 10)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("ClaimDue() returned %d jobs before NextAttemptAt; want 0", len(claimed))
	}
}
