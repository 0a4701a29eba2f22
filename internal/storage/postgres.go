package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/dispatch-engine/internal/models"
)

// PostgresStore backs the request, offer and escrow stores with
// postgres. The assignment CAS is a version-guarded UPDATE under a
// row lock, so it holds across processes.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) SaveRequest(ctx context.Context, r *models.Request) error {
	fare, err := fareJSON(r.Fare)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO requests(
			id, requester_id, pickup_lat, pickup_lon, dest_lat, dest_lon,
			vehicle_class, status, assigned_driver_id, assignment_version,
			zone_id, fare, escrow_id, overage_surcharge,
			requested_at, dispatched_at, accepted_at, en_route_at,
			arrived_at, picked_up_at, completed_at, cancelled_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			assigned_driver_id = EXCLUDED.assigned_driver_id,
			assignment_version = EXCLUDED.assignment_version,
			zone_id = EXCLUDED.zone_id,
			fare = EXCLUDED.fare,
			escrow_id = EXCLUDED.escrow_id,
			overage_surcharge = EXCLUDED.overage_surcharge,
			dispatched_at = EXCLUDED.dispatched_at,
			accepted_at = EXCLUDED.accepted_at,
			en_route_at = EXCLUDED.en_route_at,
			arrived_at = EXCLUDED.arrived_at,
			picked_up_at = EXCLUDED.picked_up_at,
			completed_at = EXCLUDED.completed_at,
			cancelled_at = EXCLUDED.cancelled_at`,
		r.ID, r.RequesterID, r.Pickup.Lat, r.Pickup.Lon, r.Destination.Lat, r.Destination.Lon,
		string(r.Class), string(r.Status), nullStr(r.AssignedDriverID), r.AssignmentVersion,
		nullStr(r.ZoneID), fare, nullStr(r.EscrowID), r.OverageSurcharge,
		r.RequestedAt, r.DispatchedAt, r.AcceptedAt, r.EnRouteAt,
		r.ArrivedAt, r.PickedUpAt, r.CompletedAt, r.CancelledAt)
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	return scanRequest(p.db.QueryRowContext(ctx, selectRequest+` WHERE id = $1`, id))
}

func (p *PostgresStore) CompareAndSwap(ctx context.Context, id string, expect int64, bump bool, mutate func(*models.Request) error) (*models.Request, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := scanRequest(tx.QueryRowContext(ctx, selectRequest+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if r.AssignmentVersion != expect {
		return nil, models.ErrAssignmentConflict
	}
	if err := mutate(r); err != nil {
		return nil, err
	}
	if bump {
		r.AssignmentVersion = expect + 1
	}

	fare, err := fareJSON(r.Fare)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE requests SET
			status = $2, assigned_driver_id = $3, assignment_version = $4,
			zone_id = $5, fare = $6, escrow_id = $7, overage_surcharge = $8,
			dispatched_at = $9, accepted_at = $10, en_route_at = $11,
			arrived_at = $12, picked_up_at = $13, completed_at = $14, cancelled_at = $15
		WHERE id = $1 AND assignment_version = $16`,
		r.ID, string(r.Status), nullStr(r.AssignedDriverID), r.AssignmentVersion,
		nullStr(r.ZoneID), fare, nullStr(r.EscrowID), r.OverageSurcharge,
		r.DispatchedAt, r.AcceptedAt, r.EnRouteAt,
		r.ArrivedAt, r.PickedUpAt, r.CompletedAt, r.CancelledAt,
		expect)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, models.ErrAssignmentConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

const selectRequest = `
	SELECT id, requester_id, pickup_lat, pickup_lon, dest_lat, dest_lon,
	       vehicle_class, status, assigned_driver_id, assignment_version,
	       zone_id, fare, escrow_id, overage_surcharge,
	       requested_at, dispatched_at, accepted_at, en_route_at,
	       arrived_at, picked_up_at, completed_at, cancelled_at
	FROM requests`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.Request, error) {
	var (
		r            models.Request
		class, state string
		driverID     sql.NullString
		zoneID       sql.NullString
		escrowID     sql.NullString
		fare         []byte
	)
	err := row.Scan(
		&r.ID, &r.RequesterID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&class, &state, &driverID, &r.AssignmentVersion,
		&zoneID, &fare, &escrowID, &r.OverageSurcharge,
		&r.RequestedAt, &r.DispatchedAt, &r.AcceptedAt, &r.EnRouteAt,
		&r.ArrivedAt, &r.PickedUpAt, &r.CompletedAt, &r.CancelledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Class = models.VehicleClass(class)
	r.Status = models.RequestStatus(state)
	r.AssignedDriverID = driverID.String
	r.ZoneID = zoneID.String
	r.EscrowID = escrowID.String
	if len(fare) > 0 {
		var f models.Fare
		if err := json.Unmarshal(fare, &f); err != nil {
			return nil, fmt.Errorf("decode fare: %w", err)
		}
		r.Fare = &f
	}
	return &r, nil
}

func (p *PostgresStore) SaveOffer(ctx context.Context, o *models.DriverOffer) error {
	fare, err := fareJSON(o.Fare)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO offers(id, request_id, driver_id, status, assignment_version, fare, distance_km, created_at, expires_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		o.ID, o.RequestID, o.DriverID, string(o.Status), o.Version, fare, o.DistanceKm, o.CreatedAt, o.ExpiresAt)
	return err
}

func (p *PostgresStore) UpdateOfferStatus(ctx context.Context, id string, status models.OfferStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE offers SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrOfferNotFound
	}
	return nil
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*models.DriverOffer, error) {
	var (
		o      models.DriverOffer
		status string
		fare   []byte
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, request_id, driver_id, status, assignment_version, fare, distance_km, created_at, expires_at
		FROM offers WHERE id = $1`, id).
		Scan(&o.ID, &o.RequestID, &o.DriverID, &status, &o.Version, &fare, &o.DistanceKm, &o.CreatedAt, &o.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrOfferNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Status = models.OfferStatus(status)
	if len(fare) > 0 {
		var f models.Fare
		if err := json.Unmarshal(fare, &f); err != nil {
			return nil, fmt.Errorf("decode fare: %w", err)
		}
		o.Fare = &f
	}
	return &o, nil
}

func (p *PostgresStore) SaveEscrow(ctx context.Context, t *models.EscrowTransaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions(
			id, order_id, buyer_id, seller_id, driver_id,
			seller_amount, platform_fee, driver_amount, total_amount, currency,
			status, reason, payment_ref, held_at, auto_release_at, resolved_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		t.ID, t.OrderID, t.BuyerID, t.SellerID, nullStr(t.DriverID),
		t.SellerAmount, t.PlatformFee, t.DriverAmount, t.TotalAmount, t.Currency,
		string(t.Status), nullStr(t.Reason), nullStr(t.PaymentRef), t.HeldAt, t.AutoReleaseAt, t.ResolvedAt)
	return err
}

func (p *PostgresStore) GetEscrow(ctx context.Context, id string) (*models.EscrowTransaction, error) {
	return scanEscrow(p.db.QueryRowContext(ctx, selectEscrow+` WHERE id = $1`, id))
}

func (p *PostgresStore) GetEscrowByOrder(ctx context.Context, orderID string) (*models.EscrowTransaction, error) {
	return scanEscrow(p.db.QueryRowContext(ctx, selectEscrow+` WHERE order_id = $1`, orderID))
}

func (p *PostgresStore) UpdateEscrowStatus(ctx context.Context, id string, from, to models.EscrowStatus, reason string, resolvedAt *time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions
		SET status = $3, reason = COALESCE(NULLIF($4, ''), reason), resolved_at = $5
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), reason, resolvedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// distinguish a missing row from a lost status race
		if _, err := p.GetEscrow(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) ListAutoReleasable(ctx context.Context, now time.Time) ([]*models.EscrowTransaction, error) {
	rows, err := p.db.QueryContext(ctx, selectEscrow+`
		WHERE status = 'held' AND auto_release_at <= $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.EscrowTransaction
	for rows.Next() {
		t, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const selectEscrow = `
	SELECT id, order_id, buyer_id, seller_id, driver_id,
	       seller_amount, platform_fee, driver_amount, total_amount, currency,
	       status, reason, payment_ref, held_at, auto_release_at, resolved_at
	FROM escrow_transactions`

func scanEscrow(row rowScanner) (*models.EscrowTransaction, error) {
	var (
		t                        models.EscrowTransaction
		status                   string
		driverID, reason, payRef sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.OrderID, &t.BuyerID, &t.SellerID, &driverID,
		&t.SellerAmount, &t.PlatformFee, &t.DriverAmount, &t.TotalAmount, &t.Currency,
		&status, &reason, &payRef, &t.HeldAt, &t.AutoReleaseAt, &t.ResolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = models.EscrowStatus(status)
	t.DriverID = driverID.String
	t.Reason = reason.String
	t.PaymentRef = payRef.String
	return &t, nil
}

func fareJSON(f *models.Fare) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	return json.Marshal(f)
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
