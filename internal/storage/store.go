package storage

import (
	"context"
	"time"

	"github.com/example/dispatch-engine/internal/models"
)

// RequestStore persists requests. Every mutation of assignment state
// goes through CompareAndSwap so two dispatch cycles can never both win.
type RequestStore interface {
	SaveRequest(ctx context.Context, r *models.Request) error
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	// CompareAndSwap applies mutate to the stored request iff its
	// AssignmentVersion still equals expect. Assignment mutations pass
	// bump=true and advance the version to expect+1; status-only
	// transitions pass bump=false and stay version-guarded without
	// advancing it. A version mismatch is models.ErrAssignmentConflict.
	CompareAndSwap(ctx context.Context, id string, expect int64, bump bool, mutate func(*models.Request) error) (*models.Request, error)
}

// OfferStore journals every offer and its terminal outcome for audit.
type OfferStore interface {
	SaveOffer(ctx context.Context, o *models.DriverOffer) error
	UpdateOfferStatus(ctx context.Context, id string, status models.OfferStatus) error
	GetOffer(ctx context.Context, id string) (*models.DriverOffer, error)
}

// EscrowStore persists escrow transactions. Status moves are guarded by
// the expected prior status so terminal transitions happen exactly once.
type EscrowStore interface {
	SaveEscrow(ctx context.Context, t *models.EscrowTransaction) error
	GetEscrow(ctx context.Context, id string) (*models.EscrowTransaction, error)
	GetEscrowByOrder(ctx context.Context, orderID string) (*models.EscrowTransaction, error)
	// UpdateEscrowStatus moves id from one status to another and reports
	// whether this call performed the move.
	UpdateEscrowStatus(ctx context.Context, id string, from, to models.EscrowStatus, reason string, resolvedAt *time.Time) (bool, error)
	// ListAutoReleasable returns held transactions past their
	// auto_release_at as of now. Disputed transactions never appear.
	ListAutoReleasable(ctx context.Context, now time.Time) ([]*models.EscrowTransaction, error)
}
