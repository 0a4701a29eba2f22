package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/dispatch-engine/internal/models"
)

// MemoryStore implements all stores in process. Useful for local runs
// and tests; the CAS discipline is identical to the postgres store.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.Request
	offers   map[string]*models.DriverOffer
	escrows  map[string]*models.EscrowTransaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*models.Request),
		offers:   make(map[string]*models.DriverOffer),
		escrows:  make(map[string]*models.EscrowTransaction),
	}
}

func (m *MemoryStore) SaveRequest(_ context.Context, r *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, models.ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, id string, expect int64, bump bool, mutate func(*models.Request) error) (*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, models.ErrRequestNotFound
	}
	if r.AssignmentVersion != expect {
		return nil, models.ErrAssignmentConflict
	}
	cp := *r
	if err := mutate(&cp); err != nil {
		return nil, err
	}
	cp.AssignmentVersion = expect
	if bump {
		cp.AssignmentVersion = expect + 1
	}
	m.requests[id] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) SaveOffer(_ context.Context, o *models.DriverOffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.offers[o.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateOfferStatus(_ context.Context, id string, status models.OfferStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return models.ErrOfferNotFound
	}
	o.Status = status
	return nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*models.DriverOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, models.ErrOfferNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) SaveEscrow(_ context.Context, t *models.EscrowTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.escrows[t.ID] = &cp
	return nil
}

func (m *MemoryStore) GetEscrow(_ context.Context, id string) (*models.EscrowTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.escrows[id]
	if !ok {
		return nil, models.ErrEscrowNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetEscrowByOrder(_ context.Context, orderID string) (*models.EscrowTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.escrows {
		if t.OrderID == orderID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, models.ErrEscrowNotFound
}

func (m *MemoryStore) UpdateEscrowStatus(_ context.Context, id string, from, to models.EscrowStatus, reason string, resolvedAt *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.escrows[id]
	if !ok {
		return false, models.ErrEscrowNotFound
	}
	if t.Status != from {
		return false, nil
	}
	t.Status = to
	if reason != "" {
		t.Reason = reason
	}
	t.ResolvedAt = resolvedAt
	return true, nil
}

func (m *MemoryStore) ListAutoReleasable(_ context.Context, now time.Time) ([]*models.EscrowTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.EscrowTransaction
	for _, t := range m.escrows {
		if t.Status == models.EscrowHeld && !t.AutoReleaseAt.After(now) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}
