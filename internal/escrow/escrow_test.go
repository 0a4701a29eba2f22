package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/dispatch-engine/internal/logging"
	"github.com/example/dispatch-engine/internal/models"
	"github.com/example/dispatch-engine/internal/storage"
)

// fakeGateway records settlement calls.
type fakeGateway struct {
	mu       sync.Mutex
	failAuth bool
	failCap  bool
	captured []string
	refunded []string
	nextRef  int
}

func (g *fakeGateway) AuthorizeHold(_ context.Context, amount int64, currency, customerID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failAuth {
		return "", models.ErrPaymentHoldFailed
	}
	g.nextRef++
	return "pi_test", nil
}

func (g *fakeGateway) Capture(_ context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failCap {
		return errors.New("gateway down")
	}
	g.captured = append(g.captured, ref)
	return nil
}

func (g *fakeGateway) Refund(_ context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunded = append(g.refunded, ref)
	return nil
}

func newTestService(g Gateway) (*Service, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	s := NewService(store, g, 48*time.Hour, logging.NewLogger("error"))
	return s, store
}

func validHold() HoldParams {
	return HoldParams{
		OrderID: "r1", BuyerID: "u1",
		DriverAmount: 800, PlatformFee: 200, TotalAmount: 1000,
		Currency: "usd",
	}
}

func TestHoldExactDecomposition(t *testing.T) {
	s, _ := newTestService(&fakeGateway{})
	tx, err := s.Hold(context.Background(), validHold())
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != models.EscrowHeld || tx.PaymentRef != "pi_test" {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	if tx.SellerAmount+tx.PlatformFee+tx.DriverAmount != tx.TotalAmount {
		t.Fatal("decomposition does not sum to total")
	}
}

func TestHoldRejectsBadSplit(t *testing.T) {
	s, _ := newTestService(&fakeGateway{})
	p := validHold()
	p.PlatformFee = 300
	_, err := s.Hold(context.Background(), p)
	if !errors.Is(err, models.ErrBadAmountSplit) {
		t.Fatalf("expected ErrBadAmountSplit, got %v", err)
	}
}

func TestHoldWithoutGateway(t *testing.T) {
	s, store := newTestService(nil)
	ctx := context.Background()
	tx, err := s.Hold(ctx, validHold())
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != models.EscrowHeld || tx.PaymentRef != "" {
		t.Fatalf("ledger-only hold expected, got %+v", tx)
	}
	if err := s.Release(ctx, tx.ID); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetEscrow(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.EscrowReleased {
		t.Fatalf("expected released, got %s", got.Status)
	}
}

func TestHoldGatewayFailure(t *testing.T) {
	s, store := newTestService(&fakeGateway{failAuth: true})
	_, err := s.Hold(context.Background(), validHold())
	if !errors.Is(err, models.ErrPaymentHoldFailed) {
		t.Fatalf("expected ErrPaymentHoldFailed, got %v", err)
	}
	if _, err := store.GetEscrowByOrder(context.Background(), "r1"); !errors.Is(err, models.ErrEscrowNotFound) {
		t.Fatal("failed hold must not persist a transaction")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	g := &fakeGateway{}
	s, _ := newTestService(g)
	ctx := context.Background()
	tx, err := s.Hold(ctx, validHold())
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Release(ctx, tx.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Release(ctx, tx.ID); err != nil {
		t.Fatal(err)
	}
	if len(g.captured) != 1 {
		t.Fatalf("expected exactly one capture, got %d", len(g.captured))
	}
	cur, _ := s.Get(ctx, tx.ID)
	if cur.Status != models.EscrowReleased || cur.ResolvedAt == nil {
		t.Fatalf("unexpected state: %+v", cur)
	}
}

func TestRefundAfterReleaseIsNoOp(t *testing.T) {
	g := &fakeGateway{}
	s, _ := newTestService(g)
	ctx := context.Background()
	tx, _ := s.Hold(ctx, validHold())

	if err := s.Release(ctx, tx.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Refund(ctx, tx.ID, "late"); err != nil {
		t.Fatal(err)
	}
	if len(g.refunded) != 0 {
		t.Fatal("refund after release must not touch the gateway")
	}
	cur, _ := s.Get(ctx, tx.ID)
	if cur.Status != models.EscrowReleased {
		t.Fatalf("terminal status flipped: %s", cur.Status)
	}
}

func TestDisputeFreezesTransaction(t *testing.T) {
	g := &fakeGateway{}
	s, _ := newTestService(g)
	ctx := context.Background()
	tx, _ := s.Hold(ctx, validHold())

	if err := s.Dispute(ctx, tx.ID, "damaged goods"); err != nil {
		t.Fatal(err)
	}
	// disputing again is a no-op
	if err := s.Dispute(ctx, tx.ID, "again"); err != nil {
		t.Fatal(err)
	}
	cur, _ := s.Get(ctx, tx.ID)
	if cur.Status != models.EscrowDisputed || cur.Reason != "damaged goods" {
		t.Fatalf("unexpected state: %+v", cur)
	}

	// arbitration resolves the dispute through the normal calls
	if err := s.Refund(ctx, tx.ID, "arbitration"); err != nil {
		t.Fatal(err)
	}
	cur, _ = s.Get(ctx, tx.ID)
	if cur.Status != models.EscrowRefunded {
		t.Fatalf("expected refunded after arbitration, got %s", cur.Status)
	}
	if len(g.refunded) != 1 {
		t.Fatalf("expected one gateway refund, got %d", len(g.refunded))
	}

	// terminal now: a new dispute is rejected
	if err := s.Dispute(ctx, tx.ID, "too late"); !errors.Is(err, models.ErrEscrowTerminal) {
		t.Fatalf("expected ErrEscrowTerminal, got %v", err)
	}
}

func TestAutoReleaseSweep(t *testing.T) {
	g := &fakeGateway{}
	s, _ := newTestService(g)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	due, _ := s.Hold(ctx, validHold())

	disputedParams := validHold()
	disputedParams.OrderID = "r2"
	disputed, _ := s.Hold(ctx, disputedParams)
	if err := s.Dispute(ctx, disputed.ID, "open issue"); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return base.Add(49 * time.Hour) }
	released, err := s.AutoRelease(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if released != 1 {
		t.Fatalf("expected 1 release, got %d", released)
	}
	cur, _ := s.Get(ctx, due.ID)
	if cur.Status != models.EscrowReleased {
		t.Fatalf("due transaction not released: %s", cur.Status)
	}
	frozen, _ := s.Get(ctx, disputed.ID)
	if frozen.Status != models.EscrowDisputed {
		t.Fatalf("disputed transaction touched by sweep: %s", frozen.Status)
	}
}

func TestReleaseGatewayFailureSurfaces(t *testing.T) {
	g := &fakeGateway{failCap: true}
	s, _ := newTestService(g)
	ctx := context.Background()
	tx, _ := s.Hold(ctx, validHold())

	if err := s.Release(ctx, tx.ID); err == nil {
		t.Fatal("expected error when gateway capture fails")
	}
	// the status already moved exactly once; funds are flagged, not retried
	cur, _ := s.Get(ctx, tx.ID)
	if cur.Status != models.EscrowReleased {
		t.Fatalf("expected status released despite gateway failure, got %s", cur.Status)
	}
}
