package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nacorid/x402-facilitator/x402"
	"github.com/nacorid/x402-facilitator/x402/settle"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testJob(id string) settle.Job {
	now := time.Unix(1_700_000_000, 0).UTC()
	return settle.Job{
		ID: id,
		Payload: x402.PaymentPayload{
			X402Version: x402.X402Version,
			Accepted: x402.PaymentRequirements{
				Scheme:  x402.SchemeExact,
				Network: x402.NetworkBaseSepolia,
			},
			Payload: map[string]interface{}{
				"signature": "0xsig",
				"authorization": map[string]interface{}{
					"from":  "0x1111111111111111111111111111111111111111",
					"nonce": "0xaa",
				},
			},
		},
		Requirements: x402.PaymentRequirements{
			Scheme:            x402.SchemeExact,
			Network:           x402.NetworkBaseSepolia,
			Amount:            "10000",
			Asset:             x402.BaseSepolia.USDCAddress,
			PayTo:             "0x2222222222222222222222222222222222222222",
			MaxTimeoutSeconds: 300,
		},
		State:         settle.JobPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestPutAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, testJob("job-1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ID != "job-1" || got.State != settle.JobPending {
		t.Errorf("Get() = %+v; want pending job-1", got)
	}
	if got.Requirements.Amount != "10000" {
		t.Errorf("Requirements.Amount = %s; want 10000", got.Requirements.Amount)
	}

	exact, err := got.Payload.ExactPayload()
	if err != nil {
		t.Fatalf("ExactPayload() error = %v", err)
	}
	if exact.Authorization.Nonce != "0xaa" {
		t.Errorf("Authorization.Nonce = %s; want 0xaa", exact.Authorization.Nonce)
	}
}

func TestGetUnknownJob(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	if !errors.Is(err, settle.ErrJobNotFound) {
		t.Errorf("Get() error = %v; want ErrJobNotFound", err)
	}
}

func TestUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := testJob("job-1")
	if err := store.Put(ctx, job); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	job.State = settle.JobSucceeded
	job.Attempts = 2
	job.Result = &x402.SettleResponse{
		Success:     true,
		Transaction: "0xdeadbeef",
		Network:     x402.NetworkBaseSepolia,
	}
	job.UpdatedAt = job.UpdatedAt.Add(time.Minute)
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != settle.JobSucceeded || got.Attempts != 2 {
		t.Errorf("Get() = state %s attempts %d; want succeeded 2", got.State, got.Attempts)
	}
	if got.Result == nil || got.Result.Transaction != "0xdeadbeef" {
		t.Errorf("Result = %+v; want transaction 0xdeadbeef", got.Result)
	}
}

func TestUpdateUnknownJob(t *testing.T) {
	store := newTestStore(t)

	if err := store.Update(context.Background(), testJob("ghost")); !errors.Is(err, settle.ErrJobNotFound) {
		t.Errorf("Update() error = %v; want ErrJobNotFound", err)
	}
}

func TestClaimDue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()

	due := testJob("due-job")
	if err := store.Put(ctx, due); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	future := testJob("future-job")
	future.NextAttemptAt = now.Add(time.Hour)
	if err := store.Put(ctx, future); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	claimed, err := store.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "due-job" {
		t.Fatalf("ClaimDue() = %+v; want only due-job", claimed)
	}
	if claimed[0].State != settle.JobRunning {
		t.Errorf("claimed state = %s; want %s", claimed[0].State, settle.JobRunning)
	}

	// A claimed job cannot be claimed again.
	again, err := store.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("second ClaimDue() error = %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second ClaimDue() = %+v; want none", again)
	}
}

func TestClaimDueOrdersOldestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()

	late := testJob("late-job")
	late.NextAttemptAt = now.Add(-time.Minute)
	early := testJob("early-job")
	early.NextAttemptAt = now.Add(-time.Hour)

	for _, job := range []settle.Job{late, early} {
		if err := store.Put(ctx, job); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	claimed, err := store.ClaimDue(ctx, now, 1)
	if err != nil {
		t.Fatalf("ClaimDue() error = %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "early-job" {
		t.Errorf("ClaimDue() = %+v; want early-job first", claimed)
	}
}

func TestResetRunning(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	running := testJob("running-job")
	running.State = settle.JobRunning
	done := testJob("done-job")
	done.State = settle.JobSucceeded

	for _, job := range []settle.Job{running, done} {
		if err := store.Put(ctx, job); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	if err := store.ResetRunning(ctx); err != nil {
		t.Fatalf("ResetRunning() error = %v", err)
	}

	got, err := store.Get(ctx, "running-job")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != settle.JobPending {
		t.Errorf("running job state = %s; want %s", got.State, settle.JobPending)
	}

	got, err = store.Get(ctx, "done-job")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != settle.JobSucceeded {
		t.Errorf("done job state = %s; want untouched %s", got.State, settle.JobSucceeded)
	}
}

func TestCountByState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	states := []settle.JobState{
		settle.JobPending, settle.JobPending, settle.JobSucceeded, settle.JobFailed,
	}
	for i, state := range states {
		job := testJob(string(rune('a'+i)) + "-job")
		job.State = state
		if err := store.Put(ctx, job); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	counts, err := store.CountByState(ctx)
	if err != nil {
		t.Fatalf("CountByState() error = %v", err)
	}
	want := map[settle.JobState]int{
		settle.JobPending:   2,
		settle.JobSucceeded: 1,
		settle.JobFailed:    1,
	}
	for state, n := range want {
		if counts[state] != n {
			t.Errorf("counts[%s] = %d; want %d", state, counts[state], n)
		}
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	store, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := store.Put(ctx, testJob("durable-job")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen New() error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "durable-job")
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if got.State != settle.JobPending {
		t.Errorf("State = %s; want %s", got.State, settle.JobPending)
	}
}
