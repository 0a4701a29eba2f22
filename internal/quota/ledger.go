package quota

import (
	"context"
	"sync"
	"time"

	"github.com/example/dispatch-engine/internal/models"
)

const statusActive = "active"

// fundable reports whether a subscription can pay for rides: active
// status and, when an end date is set, not past it.
func fundable(sub models.Subscription, now time.Time) bool {
	return sub.Status == statusActive && (sub.EndDate.IsZero() || sub.EndDate.After(now))
}

// ConsumeResult reports the outcome of a quota decrement.
type ConsumeResult struct {
	RidesRemaining int
	Replayed       bool // the request id was already consumed; nothing changed
}

// Ledger tracks subscription ride allowances. Decrements are serialized
// per driver and idempotent per request id: replaying the same request
// changes rides_remaining only once. Balances never go negative.
type Ledger interface {
	TryConsume(ctx context.Context, driverID, requestID string) (ConsumeResult, error)
	Refund(ctx context.Context, driverID, requestID string) error
	Remaining(ctx context.Context, driverID string) (int, bool)
}

type memEntry struct {
	mu       sync.Mutex
	sub      models.Subscription
	consumed map[string]int // request id -> remaining after that decrement
}

// MemoryLedger keeps subscriptions in process with a per-driver lock,
// the single-writer-per-key discipline the postgres ledger gets from
// its row CAS.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]*memEntry), now: time.Now}
}

// Grant installs or replaces a driver's subscription.
func (l *MemoryLedger) Grant(sub models.Subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[sub.DriverID] = &memEntry{sub: sub, consumed: make(map[string]int)}
}

func (l *MemoryLedger) entry(driverID string) (*memEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[driverID]
	return e, ok
}

func (l *MemoryLedger) TryConsume(_ context.Context, driverID, requestID string) (ConsumeResult, error) {
	e, ok := l.entry(driverID)
	if !ok {
		return ConsumeResult{}, models.ErrNoSubscription
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if after, seen := e.consumed[requestID]; seen {
		return ConsumeResult{RidesRemaining: after, Replayed: true}, nil
	}
	if !fundable(e.sub, l.now()) {
		return ConsumeResult{}, models.ErrNoSubscription
	}
	if e.sub.RidesRemaining <= 0 {
		return ConsumeResult{}, models.ErrQuotaExhausted
	}
	e.sub.RidesRemaining--
	e.consumed[requestID] = e.sub.RidesRemaining
	return ConsumeResult{RidesRemaining: e.sub.RidesRemaining}, nil
}

func (l *MemoryLedger) Refund(_ context.Context, driverID, requestID string) error {
	e, ok := l.entry(driverID)
	if !ok {
		return models.ErrNoSubscription
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, seen := e.consumed[requestID]; !seen {
		return nil // nothing was consumed for this request
	}
	delete(e.consumed, requestID)
	e.sub.RidesRemaining++
	return nil
}

func (l *MemoryLedger) Remaining(_ context.Context, driverID string) (int, bool) {
	e, ok := l.entry(driverID)
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !fundable(e.sub, l.now()) {
		return 0, false
	}
	return e.sub.RidesRemaining, true
}
