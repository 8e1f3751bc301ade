// Package nonce tracks consumed authorization nonces for replay prevention.
//
// A Tracker is the sole piece of mutable shared state in the protocol core.
// All reads and writes go through a single mutex so that IsUsed followed by
// MarkUsed is linearizable per nonce: two concurrent settlement attempts for
// the same nonce can never both observe it unused.
package nonce

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// AlreadyUsedError is raised when MarkUsed is called for a nonce that was
// already consumed and has not expired. It is the sole defense against
// double-spend of an authorization and must never be masked.
type AlreadyUsedError struct {
	// Nonce is the canonical form of the offending nonce.
	Nonce string
}

// Error implements the error interface.
func (e *AlreadyUsedError) Error() string {
	return fmt.Sprintf("nonce already used: %s", e.Nonce)
}

// Normalize coerces a nonce into its canonical string form so that
// equivalent spellings from different callers collide correctly: the 0x
// prefix is stripped and hex digits are lowercased. Non-hex tokens are
// lowercased as-is.
func Normalize(nonce string) string {
	s := strings.TrimSpace(nonce)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")
	return strings.ToLower(s)
}

type entry struct {
	seenAt    time.Time
	expiresAt time.Time // zero when no TTL is configured
}

// Tracker records which nonces have been consumed, with optional TTL
// eviction. Construct with New and pass by reference to every component
// that needs it; there is no process-wide instance.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration

	// now is swappable in tests.
	now func() time.Time

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTTL sets a time-to-live after which a consumed nonce is treated as
// unused again. Entries past their TTL read as unused even before physical
// eviction. Zero means nonces are tracked forever.
func WithTTL(ttl time.Duration) Option {
	return func(t *Tracker) { t.ttl = ttl }
}

// WithJanitor starts a background eviction loop with the given interval.
// The loop is owned by the tracker: it starts in New and stops in Close.
// Without a janitor, physical eviction happens lazily in Size.
func WithJanitor(interval time.Duration) Option {
	return func(t *Tracker) {
		if interval <= 0 {
			return
		}
		t.janitorStop = make(chan struct{})
		t.janitorDone = make(chan struct{})
		go t.janitor(interval)
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// IsUsed reports whether the nonce has been consumed and is still within its
// TTL. An entry past its TTL reads as unused even if not yet evicted.
func (t *Tracker) IsUsed(nonce string) bool {
	key := Normalize(nonce)

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		return false
	}
	if t.expired(e) {
		delete(t.entries, key)
		return false
	}
	return true
}

// MarkUsed consumes a nonce. Returns *AlreadyUsedError if the nonce was
// already consumed and has not expired. The check and the write happen under
// one lock, so no concurrent caller can slip between them.
func (t *Tracker) MarkUsed(nonce string) error {
	key := Normalize(nonce)

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[key]; ok && !t.expired(e) {
		return &AlreadyUsedError{Nonce: key}
	}

	now := t.now()
	e := entry{seenAt: now}
	if t.ttl > 0 {
		e.expiresAt = now.Add(t.ttl)
	}
	t.entries[key] = e
	return nil
}

// TTL returns the configured time-to-live. Zero means nonces never expire.
// Collaborators that keep per-nonce state (the settlement result cache) use
// it to expire their entries in lockstep with the tracker.
func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

// Size returns the number of live entries, evicting expired ones as a side
// effect so the map never leaks unbounded memory without a janitor.
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked()
	return len(t.entries)
}

// Clear removes all entries.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]entry)
}

// Close stops the janitor if one is running. The tracker remains usable.
func (t *Tracker) Close() {
	if t.janitorStop != nil {
		close(t.janitorStop)
		<-t.janitorDone
		t.janitorStop = nil
	}
}

func (t *Tracker) expired(e entry) bool {
	return !e.expiresAt.IsZero() && !t.now().Before(e.expiresAt)
}

func (t *Tracker) evictLocked() {
	if t.ttl <= 0 {
		return
	}
	for key, e := range t.entries {
		if t.expired(e) {
			delete(t.entries, key)
		}
	}
}

func (t *Tracker) janitor(interval time.Duration) {
	defer close(t.janitorDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			t.evictLocked()
			t.mu.Unlock()
		case <-t.janitorStop:
			return
		}
	}
}
