package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/dispatch-engine/internal/models"
	"github.com/example/dispatch-engine/internal/observability"
	"github.com/example/dispatch-engine/internal/storage"
)

// Gateway is the payment collaborator behind escrow. AuthorizeHold
// reserves funds, Capture settles a hold, Refund voids it.
type Gateway interface {
	AuthorizeHold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, ref string) error
	Refund(ctx context.Context, ref string) error
}

// HoldParams describes the escrow to open for an order.
type HoldParams struct {
	OrderID      string
	BuyerID      string
	SellerID     string
	DriverID     string
	SellerAmount int64
	PlatformFee  int64
	DriverAmount int64
	TotalAmount  int64
	Currency     string
}

// Service implements escrow settlement: funds are held at booking and
// released, refunded or disputed on outcome. Release and Refund are
// terminal and idempotent; Dispute freezes the transaction and removes
// it from the auto-release sweep.
type Service struct {
	store            storage.EscrowStore
	gateway          Gateway
	autoReleaseAfter time.Duration
	log              *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewService(store storage.EscrowStore, gateway Gateway, autoReleaseAfter time.Duration, log *slog.Logger) *Service {
	return &Service{
		store:            store,
		gateway:          gateway,
		autoReleaseAfter: autoReleaseAfter,
		log:              log,
		now:              time.Now,
		newID:            func() string { return uuid.NewString() },
	}
}

// Hold authorizes funds and opens a held transaction. The amount
// decomposition must sum exactly to TotalAmount; there is no rounding
// allowance because all amounts are integer minor units.
func (s *Service) Hold(ctx context.Context, p HoldParams) (*models.EscrowTransaction, error) {
	if p.SellerAmount < 0 || p.PlatformFee < 0 || p.DriverAmount < 0 {
		return nil, models.ErrBadAmountSplit
	}
	if p.SellerAmount+p.PlatformFee+p.DriverAmount != p.TotalAmount {
		return nil, fmt.Errorf("%d+%d+%d != %d: %w",
			p.SellerAmount, p.PlatformFee, p.DriverAmount, p.TotalAmount, models.ErrBadAmountSplit)
	}

	var ref string
	if s.gateway != nil {
		var err error
		ref, err = s.gateway.AuthorizeHold(ctx, p.TotalAmount, p.Currency, p.BuyerID)
		if err != nil {
			if !errors.Is(err, models.ErrPaymentHoldFailed) {
				err = fmt.Errorf("%w: %v", models.ErrPaymentHoldFailed, err)
			}
			return nil, err
		}
	}

	now := s.now()
	t := &models.EscrowTransaction{
		ID:            s.newID(),
		OrderID:       p.OrderID,
		BuyerID:       p.BuyerID,
		SellerID:      p.SellerID,
		DriverID:      p.DriverID,
		SellerAmount:  p.SellerAmount,
		PlatformFee:   p.PlatformFee,
		DriverAmount:  p.DriverAmount,
		TotalAmount:   p.TotalAmount,
		Currency:      p.Currency,
		Status:        models.EscrowHeld,
		PaymentRef:    ref,
		HeldAt:        now,
		AutoReleaseAt: now.Add(s.autoReleaseAfter),
	}
	if err := s.store.SaveEscrow(ctx, t); err != nil {
		return nil, err
	}
	observability.EscrowHolds.Inc()
	s.log.Info("escrow held", "escrow_id", t.ID, "order_id", t.OrderID, "total", t.TotalAmount, "auto_release_at", t.AutoReleaseAt)
	return t, nil
}

// Release settles a held (or dispute-resolved) transaction. Calling it
// on an already-terminal transaction is a no-op. Releasing moves the
// status first so the auto-release sweep can never fire afterwards.
func (s *Service) Release(ctx context.Context, id string) error {
	return s.resolve(ctx, id, models.EscrowReleased, "")
}

// Refund voids a held (or dispute-resolved) transaction. Idempotent on
// terminal transactions.
func (s *Service) Refund(ctx context.Context, id, reason string) error {
	return s.resolve(ctx, id, models.EscrowRefunded, reason)
}

func (s *Service) resolve(ctx context.Context, id string, to models.EscrowStatus, reason string) error {
	t, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return nil
	}
	now := s.now()
	// held first, then disputed: arbitration resolves disputes through
	// the same calls
	changed, err := s.store.UpdateEscrowStatus(ctx, id, models.EscrowHeld, to, reason, &now)
	if err != nil {
		return err
	}
	if !changed {
		changed, err = s.store.UpdateEscrowStatus(ctx, id, models.EscrowDisputed, to, reason, &now)
		if err != nil {
			return err
		}
	}
	if !changed {
		// lost a race; whoever won either resolved it or disputed it
		cur, err := s.store.GetEscrow(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return nil
		}
		return fmt.Errorf("escrow %s is %s: %w", id, cur.Status, models.ErrEscrowDisputed)
	}

	if s.gateway != nil && t.PaymentRef != "" {
		var gerr error
		if to == models.EscrowReleased {
			gerr = s.gateway.Capture(ctx, t.PaymentRef)
		} else {
			gerr = s.gateway.Refund(ctx, t.PaymentRef)
		}
		if gerr != nil {
			// status already moved exactly once; the gateway leg is
			// flagged for manual review rather than retried blindly,
			// funds state must never be ambiguous
			s.log.Error("escrow gateway settlement failed, manual review required",
				"escrow_id", id, "order_id", t.OrderID, "payment_ref", t.PaymentRef, "target", to, "error", gerr)
			return fmt.Errorf("escrow %s settled to %s but gateway failed: %w", id, to, gerr)
		}
	}
	if to == models.EscrowReleased {
		observability.EscrowReleases.Inc()
	} else {
		observability.EscrowRefunds.Inc()
	}
	s.log.Info("escrow resolved", "escrow_id", id, "order_id", t.OrderID, "status", to, "reason", reason)
	return nil
}

// Dispute freezes a held transaction until external arbitration
// resolves it. Disputing an already-disputed transaction is a no-op;
// disputing a terminal one is an error.
func (s *Service) Dispute(ctx context.Context, id, reason string) error {
	t, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == models.EscrowDisputed {
		return nil
	}
	if t.Status.Terminal() {
		return fmt.Errorf("escrow %s is %s: %w", id, t.Status, models.ErrEscrowTerminal)
	}
	changed, err := s.store.UpdateEscrowStatus(ctx, id, models.EscrowHeld, models.EscrowDisputed, reason, nil)
	if err != nil {
		return err
	}
	if !changed {
		cur, err := s.store.GetEscrow(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status == models.EscrowDisputed {
			return nil
		}
		return fmt.Errorf("escrow %s is %s: %w", id, cur.Status, models.ErrEscrowTerminal)
	}
	s.log.Warn("escrow disputed", "escrow_id", id, "order_id", t.OrderID, "reason", reason)
	return nil
}

// Get returns the transaction by id.
func (s *Service) Get(ctx context.Context, id string) (*models.EscrowTransaction, error) {
	return s.store.GetEscrow(ctx, id)
}

// GetByOrder returns the transaction for an order id.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (*models.EscrowTransaction, error) {
	return s.store.GetEscrowByOrder(ctx, orderID)
}

// AutoRelease releases every held transaction whose auto_release_at has
// passed. Disputed and terminal transactions are never touched; the
// per-row status CAS makes the sweep safe against a concurrent explicit
// release. Returns the number of transactions released.
func (s *Service) AutoRelease(ctx context.Context) (int, error) {
	due, err := s.store.ListAutoReleasable(ctx, s.now())
	if err != nil {
		return 0, err
	}
	released := 0
	for _, t := range due {
		now := s.now()
		changed, err := s.store.UpdateEscrowStatus(ctx, t.ID, models.EscrowHeld, models.EscrowReleased, "auto_release", &now)
		if err != nil {
			s.log.Error("auto-release update failed", "escrow_id", t.ID, "error", err)
			continue
		}
		if !changed {
			continue // explicitly released or disputed since listing
		}
		if s.gateway != nil && t.PaymentRef != "" {
			if err := s.gateway.Capture(ctx, t.PaymentRef); err != nil {
				s.log.Error("auto-release gateway capture failed, manual review required",
					"escrow_id", t.ID, "payment_ref", t.PaymentRef, "error", err)
				continue
			}
		}
		released++
		observability.EscrowAutoReleases.Inc()
		s.log.Info("escrow auto-released", "escrow_id", t.ID, "order_id", t.OrderID)
	}
	return released, nil
}

// Run drives the auto-release sweep on a ticker until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.AutoRelease(ctx); err != nil {
				s.log.Error("auto-release sweep failed", "error", err)
			}
		}
	}
}
