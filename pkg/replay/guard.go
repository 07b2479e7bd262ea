// Package replay enforces the nonce and timestamp-skew window that protects
// every signed channel. Nonces are partitioned by scope so user queries,
// peer-agent calls, and policy mutations cannot collide.
package replay

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

// Scope partitions the nonce space by auth channel.
type Scope string

const (
	ScopeUserQuery      Scope = "user-query"
	ScopeA2A            Scope = "a2a"
	ScopePolicyMutation Scope = "policy-mutation"
)

var (
	// ErrStaleTimestamp means signedAt is older than the nonce TTL window.
	ErrStaleTimestamp = errors.New("replay: stale timestamp")
	// ErrFutureTimestamp means signedAt is further ahead than the allowed skew.
	ErrFutureTimestamp = errors.New("replay: future timestamp")
	// ErrNonceReplay means the (scope, nonce) pair was already consumed.
	ErrNonceReplay = errors.New("replay: nonce already used")
)

type entry struct {
	key       string
	expiresAt time.Time
}

// Guard is the TTL-bounded (scope, nonce) set. All methods are safe for
// concurrent use. When the set reaches maxSize the oldest entries are
// evicted first.
type Guard struct {
	ttl     time.Duration
	maxSkew time.Duration
	maxSize int
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element // key → element in order
	order   *list.List               // oldest at front

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewGuard builds a guard. now may be nil, in which case wall-clock time is
// used; tests inject a fixed clock.
func NewGuard(ttl, maxSkew time.Duration, maxSize int, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	if maxSize <= 0 {
		maxSize = 100000
	}
	return &Guard{
		ttl:     ttl,
		maxSkew: maxSkew,
		maxSize: maxSize,
		now:     now,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		stopCh:  make(chan struct{}),
	}
}

// StartSweeper runs the background eviction loop until Stop is called.
func (g *Guard) StartSweeper(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.sweep()
			case <-g.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the sweeper.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
}

// Check validates signedAt against the skew window and atomically consumes
// (scope, nonce). The first error in the order stale → future → replay is
// returned; on success the nonce is registered with expiry signedAt + TTL.
func (g *Guard) Check(scope Scope, nonce string, signedAt time.Time) error {
	now := g.now().UTC()
	if now.Sub(signedAt) > g.ttl {
		return ErrStaleTimestamp
	}
	if signedAt.Sub(now) > g.maxSkew {
		return ErrFutureTimestamp
	}

	key := string(scope) + "\x00" + nonce
	expiresAt := signedAt.Add(g.ttl)

	g.mu.Lock()
	defer g.mu.Unlock()

	if el, ok := g.entries[key]; ok {
		if el.Value.(entry).expiresAt.After(now) {
			return ErrNonceReplay
		}
		// Expired duplicate: drop the old record and re-register.
		g.order.Remove(el)
		delete(g.entries, key)
	}

	for len(g.entries) >= g.maxSize {
		oldest := g.order.Front()
		if oldest == nil {
			break
		}
		g.order.Remove(oldest)
		delete(g.entries, oldest.Value.(entry).key)
	}

	g.entries[key] = g.order.PushBack(entry{key: key, expiresAt: expiresAt})
	return nil
}

// Len returns the current number of live nonce records.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func (g *Guard) sweep() {
	now := g.now().UTC()
	g.mu.Lock()
	defer g.mu.Unlock()
	for el := g.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(entry).expiresAt.Before(now) {
			g.order.Remove(el)
			delete(g.entries, el.Value.(entry).key)
		}
		el = next
	}
}
