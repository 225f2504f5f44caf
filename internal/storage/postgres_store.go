package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore persists rides in a single rides table. Conditional
// mutations are single UPDATE statements whose WHERE clause carries
// the guard, so the database provides the compare-and-swap; zero rows
// affected means the guard failed and a follow-up read diagnoses why.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(
			id, rider_id, driver_id,
			pickup_lat, pickup_lng, pickup_address,
			dest_lat, dest_lng, dest_address,
			price, status,
			payment_method, payment_intent_id, payment_amount,
			created_at, updated_at)
		VALUES($1,$2,'',$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		r.ID, r.RiderID,
		r.Pickup.Lat, r.Pickup.Lng, r.Pickup.Address,
		r.Destination.Lat, r.Destination.Lng, r.Destination.Address,
		r.Price, string(r.Status),
		r.Payment.Method, r.Payment.PaymentIntentID, r.Payment.Amount,
		r.CreatedAt, r.UpdatedAt)
	return err
}

const rideColumns = `id, rider_id, driver_id,
	pickup_lat, pickup_lng, pickup_address,
	dest_lat, dest_lng, dest_address,
	price, status,
	payment_method, payment_intent_id, payment_amount,
	pos_lat, pos_lng, pos_ts,
	created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	return scanRide(row)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, s models.Status) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE status=$1 ORDER BY created_at`, string(s))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE rider_id=$1 OR driver_id=$1 ORDER BY created_at DESC`, partyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Assign(ctx context.Context, rideID, driverID string, pos models.Position) (*models.Ride, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET
			driver_id=$1, status=$2,
			pos_lat=$3, pos_lng=$4, pos_ts=$5,
			updated_at=$6
		WHERE id=$7 AND status=$8 AND driver_id=''`,
		driverID, string(models.StatusAccepted),
		pos.Lat, pos.Lng, pos.Timestamp,
		time.Now(), rideID, string(models.StatusRequested))
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, p.diagnoseAssign(ctx, rideID)
	}
	return p.Get(ctx, rideID)
}

// diagnoseAssign explains a failed conditional accept. The ride still
// exists when it is simply taken, so losers must see ErrAlreadyAssigned
// rather than ErrNotFound.
func (p *PostgresStore) diagnoseAssign(ctx context.Context, rideID string) error {
	var status string
	err := p.db.QueryRowContext(ctx, `SELECT status FROM rides WHERE id=$1`, rideID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return err
	}
	if models.Status(status) == models.StatusCancelled {
		return models.ErrInvalidTransition
	}
	return models.ErrAlreadyAssigned
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, rideID, driverID string, next models.Status) (*models.Ride, error) {
	prev, ok := requiredPredecessor(next)
	if !ok {
		return nil, models.ErrInvalidTransition
	}
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET status=$1, updated_at=$2
		WHERE id=$3 AND driver_id=$4 AND status=$5`,
		string(next), time.Now(), rideID, driverID, string(prev))
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, p.diagnoseGuard(ctx, rideID, driverID)
	}
	return p.Get(ctx, rideID)
}

func (p *PostgresStore) Cancel(ctx context.Context, rideID, riderID string) (*models.Ride, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET status=$1, updated_at=$2
		WHERE id=$3 AND rider_id=$4 AND status=$5`,
		string(models.StatusCancelled), time.Now(), rideID, riderID, string(models.StatusRequested))
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var riderCol string
		err := p.db.QueryRowContext(ctx, `SELECT rider_id FROM rides WHERE id=$1`, rideID).Scan(&riderCol)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if riderCol != riderID {
			return nil, models.ErrForbidden
		}
		return nil, models.ErrInvalidTransition
	}
	return p.Get(ctx, rideID)
}

func (p *PostgresStore) UpdatePosition(ctx context.Context, rideID, driverID string, pos models.Position) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET
			pos_lat=$1, pos_lng=$2, pos_ts=$3, updated_at=$4
		WHERE id=$5 AND driver_id=$6
			AND status IN ($7,$8)
			AND (pos_ts IS NULL OR pos_ts < $3)`,
		pos.Lat, pos.Lng, pos.Timestamp, time.Now(),
		rideID, driverID,
		string(models.StatusAccepted), string(models.StatusPickedUp))
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	// guard failed: stale timestamp is a silent no-op, anything else is an error
	var status, driverCol string
	var posTS sql.NullTime
	err = p.db.QueryRowContext(ctx, `SELECT status, driver_id, pos_ts FROM rides WHERE id=$1`, rideID).
		Scan(&status, &driverCol, &posTS)
	if errors.Is(err, sql.ErrNoRows) {
		return false, models.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if !models.Status(status).Active() {
		return false, models.ErrInvalidTransition
	}
	if driverCol != driverID {
		return false, models.ErrForbidden
	}
	return false, nil
}

// diagnoseGuard explains a failed conditional status update.
func (p *PostgresStore) diagnoseGuard(ctx context.Context, rideID, driverID string) error {
	var driverCol string
	err := p.db.QueryRowContext(ctx, `SELECT driver_id FROM rides WHERE id=$1`, rideID).Scan(&driverCol)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return err
	}
	if driverCol == "" || driverCol != driverID {
		return models.ErrForbidden
	}
	return models.ErrInvalidTransition
}

func requiredPredecessor(next models.Status) (models.Status, bool) {
	switch next {
	case models.StatusPickedUp:
		return models.StatusAccepted, true
	case models.StatusCompleted:
		return models.StatusPickedUp, true
	}
	return "", false
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var status string
	var posLat, posLng sql.NullFloat64
	var posTS sql.NullTime
	err := row.Scan(&r.ID, &r.RiderID, &r.DriverID,
		&r.Pickup.Lat, &r.Pickup.Lng, &r.Pickup.Address,
		&r.Destination.Lat, &r.Destination.Lng, &r.Destination.Address,
		&r.Price, &status,
		&r.Payment.Method, &r.Payment.PaymentIntentID, &r.Payment.Amount,
		&posLat, &posLng, &posTS,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ride: %w", err)
	}
	r.Status = models.Status(status)
	if posTS.Valid {
		r.LastPosition = &models.Position{Lat: posLat.Float64, Lng: posLng.Float64, Timestamp: posTS.Time}
	}
	return &r, nil
}
