package demand

import (
	"context"
	"sync"
	"time"

	"github.com/example/dispatch-engine/internal/models"
)

// Key identifies a demand bucket.
type Key struct {
	ZoneID string
	Class  models.VehicleClass
}

// Stats is one bucket's snapshot.
type Stats struct {
	Pending   int
	Available int
	Ratio     float64
}

type driverSlot struct {
	key       Key
	available bool
	lastSeen  time.Time
}

// Estimator aggregates pending-request and available-driver counts per
// zone and vehicle class. Writers are the dispatch path (pending) and
// the ping path (drivers); readers get a bounded-staleness ratio, never
// a strongly consistent count.
type Estimator struct {
	mu        sync.RWMutex
	pending   map[Key]int
	drivers   map[string]driverSlot
	staleness time.Duration
	now       func() time.Time
}

func NewEstimator(staleness time.Duration) *Estimator {
	return &Estimator{
		pending:   make(map[Key]int),
		drivers:   make(map[string]driverSlot),
		staleness: staleness,
		now:       time.Now,
	}
}

// RequestPending records a request waiting in the bucket.
func (e *Estimator) RequestPending(zoneID string, class models.VehicleClass) {
	k := Key{zoneID, class}
	e.mu.Lock()
	e.pending[k]++
	e.mu.Unlock()
}

// RequestSettled removes a request from the bucket once it is assigned
// or reaches a terminal state.
func (e *Estimator) RequestSettled(zoneID string, class models.VehicleClass) {
	k := Key{zoneID, class}
	e.mu.Lock()
	if e.pending[k] > 0 {
		e.pending[k]--
	}
	e.mu.Unlock()
}

// ObserveDriver folds one location ping into the supply side.
func (e *Estimator) ObserveDriver(d models.DriverLocation, zoneID string) {
	e.mu.Lock()
	e.drivers[d.DriverID] = driverSlot{
		key:       Key{zoneID, d.Class},
		available: d.Online && d.Available,
		lastSeen:  d.LastPing,
	}
	e.mu.Unlock()
}

// Ratio returns pending/available for the bucket. With zero available
// drivers the pending count itself is the ratio, so surge still climbs
// while supply is empty.
func (e *Estimator) Ratio(zoneID string, class models.VehicleClass) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	k := Key{zoneID, class}
	pending := e.pending[k]
	avail := e.availableLocked(k)
	if avail == 0 {
		if pending == 0 {
			return 1.0
		}
		return float64(pending)
	}
	r := float64(pending) / float64(avail)
	if r < 1.0 {
		return 1.0
	}
	return r
}

// Snapshot returns every non-empty bucket, pruning drivers that aged
// past the staleness window.
func (e *Estimator) Snapshot() map[Key]Stats {
	e.mu.Lock()
	cutoff := e.now().Add(-e.staleness)
	for id, s := range e.drivers {
		if e.staleness > 0 && s.lastSeen.Before(cutoff) {
			delete(e.drivers, id)
		}
	}
	e.mu.Unlock()

	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[Key]Stats)
	for k, n := range e.pending {
		s := out[k]
		s.Pending = n
		out[k] = s
	}
	for _, slot := range e.drivers {
		if !slot.available {
			continue
		}
		s := out[slot.key]
		s.Available++
		out[slot.key] = s
	}
	for k, s := range out {
		if s.Available == 0 {
			if s.Pending == 0 {
				s.Ratio = 1.0
			} else {
				s.Ratio = float64(s.Pending)
			}
		} else {
			s.Ratio = float64(s.Pending) / float64(s.Available)
			if s.Ratio < 1.0 {
				s.Ratio = 1.0
			}
		}
		out[k] = s
	}
	return out
}

func (e *Estimator) availableLocked(k Key) int {
	cutoff := e.now().Add(-e.staleness)
	n := 0
	for _, s := range e.drivers {
		if s.key != k || !s.available {
			continue
		}
		if e.staleness > 0 && s.lastSeen.Before(cutoff) {
			continue
		}
		n++
	}
	return n
}

// Run periodically recomputes bucket snapshots and hands them to the
// publish callback (gauge export, logging). The interval is the stated
// staleness bound for anything derived from the snapshot.
func (e *Estimator) Run(ctx context.Context, interval time.Duration, publish func(Key, Stats)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for k, s := range e.Snapshot() {
				publish(k, s)
			}
		}
	}
}
