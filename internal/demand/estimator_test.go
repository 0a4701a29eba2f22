package demand

import (
	"testing"
	"time"

	"github.com/example/dispatch-engine/internal/models"
)

func ping(id string, available bool) models.DriverLocation {
	return models.DriverLocation{DriverID: id, Online: true, Available: available, Class: models.ClassEco, LastPing: time.Now()}
}

func TestRatioFloorsAtOne(t *testing.T) {
	e := NewEstimator(time.Minute)
	e.ObserveDriver(ping("d1", true), "z1")
	e.ObserveDriver(ping("d2", true), "z1")
	e.RequestPending("z1", models.ClassEco)

	if r := e.Ratio("z1", models.ClassEco); r != 1.0 {
		t.Fatalf("expected floor 1.0, got %f", r)
	}
}

func TestRatioAboveOne(t *testing.T) {
	e := NewEstimator(time.Minute)
	e.ObserveDriver(ping("d1", true), "z1")
	for i := 0; i < 3; i++ {
		e.RequestPending("z1", models.ClassEco)
	}
	if r := e.Ratio("z1", models.ClassEco); r != 3.0 {
		t.Fatalf("expected 3.0, got %f", r)
	}
}

func TestRatioZeroAvailable(t *testing.T) {
	e := NewEstimator(time.Minute)
	e.RequestPending("z1", models.ClassEco)
	e.RequestPending("z1", models.ClassEco)

	// pending count itself is the ratio while supply is empty
	if r := e.Ratio("z1", models.ClassEco); r != 2.0 {
		t.Fatalf("expected 2.0, got %f", r)
	}
}

func TestRatioEmptyBucket(t *testing.T) {
	e := NewEstimator(time.Minute)
	if r := e.Ratio("z1", models.ClassEco); r != 1.0 {
		t.Fatalf("expected 1.0 for empty bucket, got %f", r)
	}
}

func TestSettledNeverGoesNegative(t *testing.T) {
	e := NewEstimator(time.Minute)
	e.RequestSettled("z1", models.ClassEco)
	e.RequestPending("z1", models.ClassEco)
	e.RequestSettled("z1", models.ClassEco)

	if r := e.Ratio("z1", models.ClassEco); r != 1.0 {
		t.Fatalf("expected 1.0, got %f", r)
	}
}

func TestUnavailableDriversDoNotCount(t *testing.T) {
	e := NewEstimator(time.Minute)
	e.ObserveDriver(ping("d1", false), "z1")
	e.RequestPending("z1", models.ClassEco)
	e.RequestPending("z1", models.ClassEco)

	if r := e.Ratio("z1", models.ClassEco); r != 2.0 {
		t.Fatalf("expected busy driver excluded from supply, got %f", r)
	}
}

func TestSnapshotPrunesStaleDrivers(t *testing.T) {
	e := NewEstimator(time.Minute)
	now := time.Now()
	e.now = func() time.Time { return now }

	old := ping("d1", true)
	old.LastPing = now.Add(-2 * time.Minute)
	e.ObserveDriver(old, "z1")
	e.RequestPending("z1", models.ClassEco)

	snap := e.Snapshot()
	s := snap[Key{"z1", models.ClassEco}]
	if s.Available != 0 {
		t.Fatalf("expected stale driver pruned, got %d available", s.Available)
	}
	if s.Ratio != 1.0 {
		t.Fatalf("expected ratio 1.0 with one pending and no supply, got %f", s.Ratio)
	}
}
