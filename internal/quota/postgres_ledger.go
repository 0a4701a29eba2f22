package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/example/dispatch-engine/internal/models"
)

// PostgresLedger serializes decrements with a row-level CAS: the UPDATE
// only fires while rides_remaining > 0, and a consumption journal keyed
// by (driver_id, request_id) makes replays no-ops.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(dsn string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresLedger{db: db}, nil
}

func NewPostgresLedgerWithDB(db *sql.DB) *PostgresLedger { return &PostgresLedger{db: db} }

func (l *PostgresLedger) TryConsume(ctx context.Context, driverID, requestID string) (ConsumeResult, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return ConsumeResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO quota_consumptions(driver_id, request_id, consumed_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (driver_id, request_id) DO NOTHING`,
		driverID, requestID)
	if err != nil {
		return ConsumeResult{}, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return ConsumeResult{}, err
	}
	if inserted == 0 {
		// replay of an already-consumed request id
		var remaining int
		if err := tx.QueryRowContext(ctx,
			`SELECT rides_remaining FROM driver_subscriptions WHERE driver_id = $1`,
			driverID).Scan(&remaining); err != nil {
			return ConsumeResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return ConsumeResult{}, err
		}
		return ConsumeResult{RidesRemaining: remaining, Replayed: true}, nil
	}

	var remaining int
	err = tx.QueryRowContext(ctx,
		`UPDATE driver_subscriptions
		 SET rides_remaining = rides_remaining - 1
		 WHERE driver_id = $1 AND status = 'active'
		   AND (end_date IS NULL OR end_date > now())
		   AND rides_remaining > 0
		 RETURNING rides_remaining`,
		driverID).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM driver_subscriptions
			 WHERE driver_id = $1 AND status = 'active'
			   AND (end_date IS NULL OR end_date > now()))`,
			driverID).Scan(&exists); err != nil {
			return ConsumeResult{}, err
		}
		if !exists {
			return ConsumeResult{}, models.ErrNoSubscription
		}
		return ConsumeResult{}, models.ErrQuotaExhausted
	}
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("quota decrement: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ConsumeResult{}, err
	}
	return ConsumeResult{RidesRemaining: remaining}, nil
}

func (l *PostgresLedger) Refund(ctx context.Context, driverID, requestID string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM quota_consumptions WHERE driver_id = $1 AND request_id = $2`,
		driverID, requestID)
	if err != nil {
		return err
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return tx.Commit() // nothing was consumed for this request
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE driver_subscriptions SET rides_remaining = rides_remaining + 1 WHERE driver_id = $1`,
		driverID); err != nil {
		return err
	}
	return tx.Commit()
}

func (l *PostgresLedger) Remaining(ctx context.Context, driverID string) (int, bool) {
	var remaining int
	err := l.db.QueryRowContext(ctx,
		`SELECT rides_remaining FROM driver_subscriptions
		 WHERE driver_id = $1 AND status = 'active'
		   AND (end_date IS NULL OR end_date > now())`,
		driverID).Scan(&remaining)
	if err != nil {
		return 0, false
	}
	return remaining, true
}
