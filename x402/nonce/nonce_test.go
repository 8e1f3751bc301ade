package nonce

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{input: "0xABCDEF", want: "abcdef"},
		{input: "0XABCDEF", want: "abcdef"},
		{input: "abcdef", want: "abcdef"},
		{input: "  0xAb12  ", want: "ab12"},
		{input: "", want: ""},
	}

	for _, tt := range tests {
		if got := Normalize(tt.input); got != tt.want {
			t.Errorf("Normalize(%q) = %q; want %q", tt.input, got, tt.want)
		}
	}
}

func TestMarkUsedAndIsUsed(t *testing.T) {
	tracker := New()

	if tracker.IsUsed("0xaa") {
		t.Error("IsUsed() = true for fresh nonce")
	}
	if err := tracker.MarkUsed("0xaa"); err != nil {
		t.Fatalf("MarkUsed() error = %v", err)
	}
	if !tracker.IsUsed("0xaa") {
		t.Error("IsUsed() = false after MarkUsed")
	}
}

func TestMarkUsedRejectsReplay(t *testing.T) {
	tracker := New()

	if err := tracker.MarkUsed("0xAA11"); err != nil {
		t.Fatalf("MarkUsed() error = %v", err)
	}

	err := tracker.MarkUsed("0xaa11")
	if err == nil {
		t.Fatal("MarkUsed() replay expected error")
	}
	var used *AlreadyUsedError
	if !errors.As(err, &used) {
		t.Fatalf("MarkUsed() error = %T; want *AlreadyUsedError", err)
	}
	if used.Nonce != "aa11" {
		t.Errorf("AlreadyUsedError.Nonce = %q; want aa11", used.Nonce)
	}
}

func TestEquivalentSpellingsCollide(t *testing.T) {
	tracker := New()

	if err := tracker.MarkUsed("0xDEADBEEF"); err != nil {
		t.Fatalf("MarkUsed() error = %v", err)
	}
	for _, spelling := range []string{"deadbeef", "0xdeadbeef", "0XDEADBEEF", "DeadBeef"} {
		if !tracker.IsUsed(spelling) {
			t.Errorf("IsUsed(%q) = false; want true", spelling)
		}
	}
}

func TestTTLExpiry(t *testing.T) {
	current := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(d)
	}

	tracker := New(WithTTL(time.Minute), WithClock(clock))

	if err := tracker.MarkUsed("0xaa"); err != nil {
		t.Fatalf("MarkUsed() error = %v", err)
	}

	advance(59 * time.Second)
	if !tracker.IsUsed("0xaa") {
		t.Error("IsUsed() = false before TTL")
	}

	advance(2 * time.Second)
	if tracker.IsUsed("0xaa") {
		t.Error("IsUsed() = true past TTL")
	}

	// An expired nonce can be consumed again.
	if err := tracker.MarkUsed("0xaa"); err != nil {
		t.Errorf("MarkUsed() after expiry error = %v", err)
	}
}

func TestSizeEvictsExpired(t *testing.T) {
	current := time.Unix(1_700_000_000, 0)
	tracker := New(WithTTL(time.Minute), WithClock(func() time.Time { return current }))

	for i := 0; i < 10; i++ {
		if err := tracker.MarkUsed(fmt.Sprintf("0x%02x", i)); err != nil {
			t.Fatalf("MarkUsed() error = %v", err)
		}
	}
	if got := tracker.Size(); got != 10 {
		t.Fatalf("Size() = %d; want 10", got)
	}

	current = current.Add(2 * time.Minute)
	if got := tracker.Size(); got != 0 {
		t.Errorf("Size() after TTL = %d; want 0", got)
	}
}

func TestClear(t *testing.T) {
	tracker := New()
	if err := tracker.MarkUsed("0xaa"); err != nil {
		t.Fatalf("MarkUsed() error = %v", err)
	}
	tracker.Clear()
	if tracker.IsUsed("0xaa") {
		t.Error("IsUsed() = true after Clear")
	}
	if got := tracker.Size(); got != 0 {
		t.Errorf("Size() = %d; want 0", got)
	}
}

func TestConcurrentMarkUsedSingleWinner(t *testing.T) {
	tracker := New()

	const goroutines = 64
	var wins atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := tracker.MarkUsed("0xcontended"); err == nil {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Errorf("winners = %d; want exactly 1", got)
	}
}

func TestJanitorEvicts(t *testing.T) {
	tracker := New(WithTTL(10*time.Millisecond), WithJanitor(5*time.Millisecond))
	defer tracker.Close()

	if err := tracker.MarkUsed("0xaa"); err != nil {
		t.Fatalf("MarkUsed() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !tracker.IsUsed("0xaa") {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("nonce still reads used after TTL with janitor running")
}
