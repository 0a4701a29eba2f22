package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/dispatch-engine/internal/escrow"
	"github.com/example/dispatch-engine/internal/geo"
	"github.com/example/dispatch-engine/internal/logging"
	"github.com/example/dispatch-engine/internal/matcher"
	"github.com/example/dispatch-engine/internal/models"
	"github.com/example/dispatch-engine/internal/pricing"
	"github.com/example/dispatch-engine/internal/quota"
	"github.com/example/dispatch-engine/internal/storage"
)

type fakeQuoter struct {
	fare models.Fare
	err  error
}

func (f *fakeQuoter) Quote(_ context.Context, _ *models.Request) (*models.Fare, error) {
	if f.err != nil {
		return nil, f.err
	}
	cp := f.fare
	return &cp, nil
}

// gatedQuoter parks the dispatch goroutine inside Quote until the test
// releases it, so state transitions landing mid-quote can be exercised.
type gatedQuoter struct {
	inner   Quoter
	entered chan struct{}
	release chan struct{}
}

func (g *gatedQuoter) Quote(ctx context.Context, r *models.Request) (*models.Fare, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.inner.Quote(ctx, r)
}

type fakeEscrow struct {
	mu       sync.Mutex
	failHold bool
	held     int
	released []string
	refunded []string
}

func (f *fakeEscrow) Hold(_ context.Context, p escrow.HoldParams) (*models.EscrowTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failHold {
		return nil, models.ErrPaymentHoldFailed
	}
	f.held++
	return &models.EscrowTransaction{
		ID: fmt.Sprintf("esc-%d", f.held), OrderID: p.OrderID,
		Status: models.EscrowHeld, TotalAmount: p.TotalAmount,
	}, nil
}

func (f *fakeEscrow) Release(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return nil
}

func (f *fakeEscrow) Refund(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunded = append(f.refunded, id)
	return nil
}

func (f *fakeEscrow) refundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refunded)
}

func (f *fakeEscrow) holdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held
}

func (f *fakeEscrow) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

type fakeMatcher struct {
	mu      sync.Mutex
	batches [][]matcher.Candidate
	calls   int
}

func (f *fakeMatcher) FindCandidates(_ context.Context, _ models.Request) ([]matcher.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.batches) {
		i = len(f.batches) - 1
	}
	f.calls++
	if i < 0 {
		return nil, nil
	}
	return f.batches[i], nil
}

type captureNotifier struct {
	mu     sync.Mutex
	offers []models.DriverOffer
}

func (c *captureNotifier) Offer(o models.DriverOffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offers = append(c.offers, o)
	return nil
}

type harness struct {
	d      *Dispatcher
	store  *storage.MemoryStore
	escrow *fakeEscrow
	ledger *quota.MemoryLedger
	geo    *geo.Index
}

func cand(id string) matcher.Candidate {
	return matcher.Candidate{DriverID: id, DistanceKm: 1.2, Rating: 4.8, QuotaRemaining: 5}
}

func newHarness(t *testing.T, batches [][]matcher.Candidate, mod func(*Config)) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	fe := &fakeEscrow{}
	ledger := quota.NewMemoryLedger()
	ledger.Grant(models.Subscription{DriverID: "d1", PlanID: "basic", RidesRemaining: 5, Status: "active"})
	ledger.Grant(models.Subscription{DriverID: "d2", PlanID: "basic", RidesRemaining: 5, Status: "active"})
	idx := geo.NewIndex(0)

	cfg := Config{
		OfferTTL:        500 * time.Millisecond,
		OfferSweep:      10 * time.Millisecond,
		RetryBudget:     3,
		ParkBackoff:     20 * time.Millisecond,
		ParkMaxAttempts: 2,
		CommissionPct:   0.2,
		Currency:        "usd",
	}
	if mod != nil {
		mod(&cfg)
	}
	d := NewDispatcher(cfg, Deps{
		Store:        store,
		Offers:       store,
		Matcher:      &fakeMatcher{batches: batches},
		Quoter:       &fakeQuoter{fare: models.Fare{Total: 1000, Surge: 1.0, Currency: "usd", ZoneID: "z1"}},
		Quota:        ledger,
		Escrow:       fe,
		Locations:    idx,
		Notifier:     &captureNotifier{},
		Events:       NopSink{},
		CancelPolicy: pricing.FlatCancellationPolicy{Amount: 200},
		Log:          logging.NewLogger("error"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(cancel)
	return &harness{d: d, store: store, escrow: fe, ledger: ledger, geo: idx}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func pendingOfferID(d *Dispatcher, requestID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, ok := d.byRequest[requestID]
	return id, ok
}

func (h *harness) awaitOffer(t *testing.T, requestID string) string {
	t.Helper()
	var id string
	waitFor(t, func() bool {
		var ok bool
		id, ok = pendingOfferID(h.d, requestID)
		return ok
	}, "pending offer")
	return id
}

func (h *harness) awaitStatus(t *testing.T, requestID string, want models.RequestStatus) *models.Request {
	t.Helper()
	var req *models.Request
	waitFor(t, func() bool {
		r, err := h.store.GetRequest(context.Background(), requestID)
		if err != nil {
			return false
		}
		req = r
		return r.Status == want
	}, fmt.Sprintf("status %s", want))
	return req
}

func TestAcceptAssignsDriverAndBumpsVersionOnce(t *testing.T) {
	h := newHarness(t, [][]matcher.Candidate{{cand("d1")}}, nil)
	ctx := context.Background()

	req, err := h.d.CreateRequest(ctx, "u1", models.Coord{Lat: 40.7, Lon: -74}, models.Coord{Lat: 40.75, Lon: -74}, models.ClassEco)
	if err != nil {
		t.Fatal(err)
	}
	offerID := h.awaitOffer(t, req.ID)
	if err := h.d.RespondToOffer(ctx, offerID, true); err != nil {
		t.Fatal(err)
	}

	got := h.awaitStatus(t, req.ID, models.StatusAccepted)
	if got.AssignmentVersion != 1 {
		t.Fatalf("expected assignment_version 1, got %d", got.AssignmentVersion)
	}
	if got.AssignedDriverID != "d1" || got.AcceptedAt == nil {
		t.Fatalf("assignment incomplete: %+v", got)
	}
	if got.EscrowID == "" || got.Fare == nil || got.Fare.Total != 1000 {
		t.Fatalf("quote or escrow missing: %+v", got)
	}
	if n, _ := h.ledger.Remaining(ctx, "d1"); n != 4 {
		t.Fatalf("expected quota decremented to 4, got %d", n)
	}
	o, err := h.store.GetOffer(ctx, offerID)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != models.OfferAccepted {
		t.Fatalf("offer journal not accepted: %s", o.Status)
	}
}

func TestRejectionMovesToNextCandidate(t *testing.T) {
	h := newHarness(t, [][]matcher.Candidate{{cand("d1"), cand("d2")}}, nil)
	ctx := context.Background()

	req, _ := h.d.CreateRequest(ctx, "u1", models.Coord{}, models.Coord{}, models.ClassEco)
	first := h.awaitOffer(t, req.ID)
	if err := h.d.RespondToOffer(ctx, first, false); err != nil {
		t.Fatal(err)
	}

	var second string
	waitFor(t, func() bool {
		id, ok := pendingOfferID(h.d, req.ID)
		second = id
		return ok && id != first
	}, "second offer")
	if err := h.d.RespondToOffer(ctx, second, true); err != nil {
		t.Fatal(err)
	}

	got := h.awaitStatus(t, req.ID, models.StatusAccepted)
	if got.AssignedDriverID != "d2" {
		t.Fatalf("expected d2 assigned, got %s", got.AssignedDriverID)
	}
	o, _ := h.store.GetOffer(ctx, first)
	if o.Status != models.OfferRejected {
		t.Fatalf("first offer journal should be rejected, got %s", o.Status)
	}
}

func TestOfferExpiryMovesToNextCandidate(t *testing.T) {
	h := newHarness(t, [][]matcher.Candidate{{cand("d1"), cand("d2")}}, func(c *Config) {
		c.OfferTTL = 100 * time.Millisecond
	})
	ctx := context.Background()

	req, _ := h.d.CreateRequest(ctx, "u1", models.Coord{}, models.Coord{}, models.ClassEco)
	first := h.awaitOffer(t, req.ID)

	// no response: the sweep expires the offer
	var second string
	waitFor(t, func() bool {
		id, ok := pendingOfferID(h.d, req.ID)
		second = id
		return ok && id != first
	}, "offer to next candidate")

	o, _ := h.store.GetOffer(ctx, first)
	if o.Status != models.OfferExpired {
		t.Fatalf("first offer should be expired, got %s", o.Status)
	}
	if err := h.d.RespondToOffer(ctx, first, true); !errors.Is(err, models.ErrOfferExpired) {
		t.Fatalf("late response should be ErrOfferExpired, got %v", err)
	}

	if err := h.d.RespondToOffer(ctx, second, true); err != nil {
		t.Fatal(err)
	}
	got := h.awaitStatus(t, req.ID, models.StatusAccepted)
	if got.AssignedDriverID != "d2" {
		t.Fatalf("expected d2 assigned, got %s", got.AssignedDriverID)
	}
}

func TestStaleAcceptLosesCAS(t *testing.T) {
	h := newHarness(t, [][]matcher.Candidate{{cand("d1"), cand("d2")}}, nil)
	ctx := context.Background()

	req, _ := h.d.CreateRequest(ctx, "u1", models.Coord{}, models.Coord{}, models.ClassEco)
	first := h.awaitOffer(t, req.ID)

	// an out-of-band assignment mutation bumps the version under the offer
	if _, err := h.store.CompareAndSwap(ctx, req.ID, 0, true, func(r *models.Request) error { return nil }); err != nil {
		t.Fatal(err)
	}

	if err := h.d.RespondToOffer(ctx, first, true); err != nil {
		t.Fatal(err)
	}

	// the stale accept must lose; the cycle re-offers on the new version
	var second string
	waitFor(t, func() bool {
		id, ok := pendingOfferID(h.d, req.ID)
		second = id
		return ok && id != first
	}, "re-offer after conflict")
	if err := h.d.RespondToOffer(ctx, second, true); err != nil {
		t.Fatal(err)
	}

	got := h.awaitStatus(t, req.ID, models.StatusAccepted)
	if got.AssignedDriverID != "d2" {
		t.Fatalf("expected d2 after conflict, got %s", got.AssignedDriverID)
	}
	o, _ := h.store.GetOffer(ctx, first)
	if o.Status != models.OfferExpired {
		t.Fatalf("losing offer should be expired in the journal, got %s", o.Status)
	}
}

func TestNoDriversCancelsAndRefunds(t *testing.T) {
	h := newHarness(t, [][]matcher.Candidate{{}}, func(c *Config) {
		c.ParkMaxAttempts = 1
	})
	ctx := context.Background()

	req, _ := h.d.CreateRequest(ctx, "u1", models.Coord{}, models.Coord{}, models.ClassEco)
	got := h.awaitStatus(t, req.ID, models.StatusCancelled)
	if got.CancelledAt == nil {
		t.Fatal("cancelled_at not set")
	}
	waitFor(t, func() bool { return h.escrow.refundCount() == 1 }, "escrow refund")
}

func TestCancelBeforeAcceptIsFree(t *testing.T) {
	h := newHarness(t, [][]matcher.Candidate{{cand("d1")}}, nil)
	ctx := context.Background()

	req, _ := h.d.CreateRequest(ctx, "u1", models.Coord{}, models.Coord{}, models.ClassEco)
	offerID := h.awaitOffer(t, req.ID)

	if err := h.d.Cancel(ctx, req.ID, "changed my mind"); err != nil {
		t.Fatal(err)
	}
	got, _ := h.store.GetRequest(ctx, req.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if h.escrow.refundCount() != 1 {
		t.Fatalf("expected full escrow refund, got %d", h.escrow.refundCount())
	}
	if n, _ := h.ledger.Remaining(ctx, "d1"); n != 5 {
		t.Fatalf("quota must be untouched, got %d", n)
	}
	// the outstanding offer is dead
	if err := h.d.RespondToOffer(ctx, offerID, true); !errors.Is(err, models.ErrOfferExpired) {
		t.Fatalf("expected ErrOfferExpired after cancel, got %v", err)
	}
	// cancelling again is a no-op
	if err := h.d.Cancel(ctx, req.ID, "again"); err != nil {
		t.Fatal(err)
	}
}

func TestCancelDuringQuotingRefundsHold(t *testing.T) {
	h := newHarness(t, [][]matcher.Candidate{{cand("d1")}}, nil)
	gq := &gatedQuoter{
		inner:   &fakeQuoter{fare: models.Fare{Total: 1000, Surge: 1.0, Currency: "usd", ZoneID: "z1"}},
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	h.d.deps.Quoter = gq
	ctx := context.Background()

	req, err := h.d.CreateRequest(ctx, "u1", models.Coord{}, models.Coord{}, models.ClassEco)
	if err != nil {
		t.Fatal(err)
	}
	<-gq.entered // dispatch is parked inside the quote

	if err := h.d.Cancel(ctx, req.ID, "changed my mind"); err != nil {
		t.Fatal(err)
	}
	close(gq.release)

	// the hold taken after the cancel must be unwound, not left for the
	// auto-release sweep to capture
	waitFor(t, func() bool { return h.escrow.refundCount() == 1 }, "hold refund")
	if h.escrow.holdCount() != 1 {
		t.Fatalf("expected exactly one hold, got %d", h.escrow.holdCount())
	}
	got, err := h.store.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if _, ok := pendingOfferID(h.d, req.ID); ok {
		t.Fatal("no offer should go out for a cancelled request")
	}
	if n, _ := h.ledger.Remaining(ctx, "d1"); n != 5 {
		t.Fatalf("quota must be untouched, got %d", n)
	}
}

func TestCancelAfterAcceptRefundsQuotaAndEscrow(t *testing.T) {
	h := newHarness(t, [][]matcher.Candidate{{cand("d1")}}, nil)
	ctx := context.Background()
	_ = h.geo.Upsert(ctx, models.DriverLocation{DriverID: "d1", Online: true, Available: true, Class: models.ClassEco, LastPing: time.Now()})

	req, _ := h.d.CreateRequest(ctx, "u1", models.Coord{}, models.Coord{}, models.ClassEco)
	offerID := h.awaitOffer(t, req.ID)
	if err := h.d.RespondToOffer(ctx, offerID, true); err != nil {
		t.Fatal(err)
	}
	h.awaitStatus(t, req.ID, models.StatusAccepted)

	d, _ := h.geo.Get(ctx, "d1")
	if d.Available {
		t.Fatal("driver should be busy after accept")
	}

	if err := h.d.Cancel(ctx, req.ID, "rider no-show"); err != nil {
		t.Fatal(err)
	}
	got, _ := h.store.GetRequest(ctx, req.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if n, _ := h.ledger.Remaining(ctx, "d1"); n != 5 {
		t.Fatalf("expected quota refunded to 5, got %d", n)
	}
	if h.escrow.refundCount() != 1 {
		t.Fatalf("expected escrow refund, got %d", h.escrow.refundCount())
	}
	d, _ = h.geo.Get(ctx, "d1")
	if !d.Available {
		t.Fatal("driver should be available again after cancel")
	}
}

func TestQuotaRaceRevertsWithoutFallback(t *testing.T) {
	h := newHarness(t, [][]matcher.Candidate{{cand("d1"), cand("d2")}}, nil)
	ctx := context.Background()
	// d1's allowance empties between ranking and accept
	h.ledger.Grant(models.Subscription{DriverID: "d1", PlanID: "basic", RidesRemaining: 0, Status: "active"})

	req, _ := h.d.CreateRequest(ctx, "u1", models.Coord{}, models.Coord{}, models.ClassEco)
	first := h.awaitOffer(t, req.ID)
	if err := h.d.RespondToOffer(ctx, first, true); err != nil {
		t.Fatal(err)
	}

	var second string
	waitFor(t, func() bool {
		id, ok := pendingOfferID(h.d, req.ID)
		second = id
		return ok && id != first
	}, "re-offer after quota revert")
	if err := h.d.RespondToOffer(ctx, second, true); err != nil {
		t.Fatal(err)
	}

	got := h.awaitStatus(t, req.ID, models.StatusAccepted)
	if got.AssignedDriverID != "d2" {
		t.Fatalf("expected d2 assigned, got %s", got.AssignedDriverID)
	}
	if got.OverageSurcharge {
		t.Fatal("no fallback configured, overage must not be set")
	}
	if n, _ := h.ledger.Remaining(ctx, "d2"); n != 4 {
		t.Fatalf("expected d2 quota decremented, got %d", n)
	}
}

func TestQuotaRaceFallsBackToOverage(t *testing.T) {
	h := newHarness(t, [][]matcher.Candidate{{cand("d1")}}, func(c *Config) {
		c.PayPerRideFallback = true
	})
	ctx := context.Background()
	h.ledger.Grant(models.Subscription{DriverID: "d1", PlanID: "basic", RidesRemaining: 0, Status: "active"})

	req, _ := h.d.CreateRequest(ctx, "u1", models.Coord{}, models.Coord{}, models.ClassEco)
	offerID := h.awaitOffer(t, req.ID)
	if err := h.d.RespondToOffer(ctx, offerID, true); err != nil {
		t.Fatal(err)
	}

	got := h.awaitStatus(t, req.ID, models.StatusAccepted)
	waitFor(t, func() bool {
		r, _ := h.store.GetRequest(ctx, req.ID)
		return r != nil && r.OverageSurcharge
	}, "overage surcharge flag")
	if got.AssignedDriverID != "d1" {
		t.Fatalf("expected d1 assigned, got %s", got.AssignedDriverID)
	}
	if n, _ := h.ledger.Remaining(ctx, "d1"); n != 0 {
		t.Fatalf("quota must stay at 0, got %d", n)
	}
}

func TestOverageCandidateSkipsLedger(t *testing.T) {
	c := cand("d1")
	c.Overage = true
	c.QuotaRemaining = 0
	h := newHarness(t, [][]matcher.Candidate{{c}}, func(cfg *Config) {
		cfg.PayPerRideFallback = true
	})
	ctx := context.Background()

	req, _ := h.d.CreateRequest(ctx, "u1", models.Coord{}, models.Coord{}, models.ClassEco)
	offerID := h.awaitOffer(t, req.ID)
	if err := h.d.RespondToOffer(ctx, offerID, true); err != nil {
		t.Fatal(err)
	}
	got := h.awaitStatus(t, req.ID, models.StatusAccepted)
	if !got.OverageSurcharge {
		t.Fatal("overage candidate must carry the surcharge flag")
	}
	if n, _ := h.ledger.Remaining(ctx, "d1"); n != 5 {
		t.Fatalf("ledger must not be touched for an overage ride, got %d", n)
	}
}

func TestProgressMilestonesAndCompletion(t *testing.T) {
	h := newHarness(t, [][]matcher.Candidate{{cand("d1")}}, nil)
	ctx := context.Background()
	_ = h.geo.Upsert(ctx, models.DriverLocation{DriverID: "d1", Online: true, Available: true, Class: models.ClassEco, LastPing: time.Now()})

	req, _ := h.d.CreateRequest(ctx, "u1", models.Coord{}, models.Coord{}, models.ClassEco)
	offerID := h.awaitOffer(t, req.ID)
	if err := h.d.RespondToOffer(ctx, offerID, true); err != nil {
		t.Fatal(err)
	}
	h.awaitStatus(t, req.ID, models.StatusAccepted)

	// skipping milestones is rejected
	if _, err := h.d.Progress(ctx, req.ID, models.StatusCompleted); !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	for _, st := range []models.RequestStatus{models.StatusEnRoute, models.StatusArrived, models.StatusInProgress, models.StatusCompleted} {
		if _, err := h.d.Progress(ctx, req.ID, st); err != nil {
			t.Fatalf("progress to %s: %v", st, err)
		}
	}
	got, _ := h.store.GetRequest(ctx, req.ID)
	if got.Status != models.StatusCompleted || got.CompletedAt == nil || got.PickedUpAt == nil {
		t.Fatalf("milestones incomplete: %+v", got)
	}
	if got.AssignmentVersion != 1 {
		t.Fatalf("milestones must not bump the version, got %d", got.AssignmentVersion)
	}
	if h.escrow.releaseCount() != 1 {
		t.Fatalf("completion must release escrow once, got %d", h.escrow.releaseCount())
	}
	d, _ := h.geo.Get(ctx, "d1")
	if !d.Available {
		t.Fatal("driver should be freed on completion")
	}
	// terminal: nothing more moves
	if _, err := h.d.Progress(ctx, req.ID, models.StatusEnRoute); !errors.Is(err, models.ErrRequestTerminal) {
		t.Fatalf("expected ErrRequestTerminal, got %v", err)
	}
}

func TestPaymentHoldFailureParksRequest(t *testing.T) {
	h := newHarness(t, [][]matcher.Candidate{{cand("d1")}}, nil)
	h.escrow.failHold = true
	ctx := context.Background()

	req, _ := h.d.CreateRequest(ctx, "u1", models.Coord{}, models.Coord{}, models.ClassEco)
	got := h.awaitStatus(t, req.ID, models.StatusPendingPayment)
	if got.EscrowID != "" {
		t.Fatal("no escrow id should be recorded on a failed hold")
	}
	if _, ok := pendingOfferID(h.d, req.ID); ok {
		t.Fatal("no offer may go out without held funds")
	}
}

func TestRespondToUnknownOffer(t *testing.T) {
	h := newHarness(t, [][]matcher.Candidate{{}}, nil)
	err := h.d.RespondToOffer(context.Background(), "ghost", true)
	if !errors.Is(err, models.ErrOfferNotFound) {
		t.Fatalf("expected ErrOfferNotFound, got %v", err)
	}
}
