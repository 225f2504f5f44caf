package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Registry owns ride entities and their lifecycle. All mutations go
// through the store's conditional updates; committed transitions are
// fanned out to subscribed listeners (status notifier, settlement).
type Registry struct {
	store storage.RideStore
	fare  fare.Config
	log   *slog.Logger

	mu        sync.RWMutex
	listeners []func(models.Transition)
}

func New(store storage.RideStore, fareCfg fare.Config, log *slog.Logger) *Registry {
	return &Registry{store: store, fare: fareCfg, log: log}
}

// Subscribe registers a transition listener. Listeners run
// synchronously after the store mutation commits, in registration order.
func (r *Registry) Subscribe(fn func(models.Transition)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) emit(t models.Transition) {
	r.mu.RLock()
	fns := r.listeners
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(t)
	}
}

// Create validates the request, prices it, and stores a REQUESTED ride.
func (r *Registry) Create(ctx context.Context, riderID string, pickup, destination models.Coord, payment models.PaymentInfo) (*models.Ride, error) {
	if riderID == "" {
		return nil, fmt.Errorf("%w: rider id required", models.ErrValidation)
	}
	price, err := r.fare.Estimate(pickup, destination)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	ride := &models.Ride{
		ID:          NewID(),
		RiderID:     riderID,
		Pickup:      pickup,
		Destination: destination,
		Price:       price,
		Status:      models.StatusRequested,
		Payment:     payment,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.Create(ctx, ride); err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}
	observability.RidesCreated.Inc()
	r.log.Info("ride created", "ride_id", ride.ID, "rider_id", riderID, "price", price)
	return ride, nil
}

// Cancel is rider-only and legal only while the ride is still REQUESTED.
func (r *Registry) Cancel(ctx context.Context, rideID, requesterID string) (*models.Ride, error) {
	ride, err := r.store.Cancel(ctx, rideID, requesterID)
	if err != nil {
		return nil, err
	}
	r.log.Info("ride cancelled", "ride_id", rideID, "rider_id", requesterID)
	r.emit(models.Transition{RideID: rideID, From: models.StatusRequested, To: models.StatusCancelled})
	return ride, nil
}

// Assign is the accept race primitive, called by the assignment
// coordinator. Exactly one concurrent caller succeeds.
func (r *Registry) Assign(ctx context.Context, rideID, driverID string, pos models.Position) (*models.Ride, error) {
	ride, err := r.store.Assign(ctx, rideID, driverID, pos)
	if err != nil {
		return nil, err
	}
	r.log.Info("ride assigned", "ride_id", rideID, "driver_id", driverID)
	r.emit(models.Transition{RideID: rideID, DriverID: driverID, From: models.StatusRequested, To: models.StatusAccepted})
	return ride, nil
}

// Transition applies a driver-initiated status edge.
func (r *Registry) Transition(ctx context.Context, rideID, driverID string, next models.Status) (*models.Ride, error) {
	prev, ok := predecessor(next)
	if !ok {
		return nil, models.ErrInvalidTransition
	}
	ride, err := r.store.UpdateStatus(ctx, rideID, driverID, next)
	if err != nil {
		return nil, err
	}
	observability.StatusTransitions.WithLabelValues(string(next)).Inc()
	r.log.Info("ride status changed", "ride_id", rideID, "driver_id", driverID, "status", next)
	r.emit(models.Transition{RideID: rideID, DriverID: driverID, From: prev, To: next})
	return ride, nil
}

// UpdatePosition applies the staleness guard; false means the sample
// was not newer and was dropped without error.
func (r *Registry) UpdatePosition(ctx context.Context, rideID, driverID string, pos models.Position) (bool, error) {
	applied, err := r.store.UpdatePosition(ctx, rideID, driverID, pos)
	if err != nil {
		return false, err
	}
	if !applied {
		observability.PositionsDroppedStale.Inc()
	}
	return applied, nil
}

func (r *Registry) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	return r.store.Get(ctx, rideID)
}

func (r *Registry) ListByStatus(ctx context.Context, s models.Status) ([]*models.Ride, error) {
	return r.store.ListByStatus(ctx, s)
}

// History lists every ride the caller took part in, as rider or driver.
func (r *Registry) History(ctx context.Context, partyID string) ([]*models.Ride, error) {
	if partyID == "" {
		return nil, fmt.Errorf("%w: party id required", models.ErrValidation)
	}
	return r.store.ListByParty(ctx, partyID)
}

func predecessor(next models.Status) (models.Status, bool) {
	switch next {
	case models.StatusPickedUp:
		return models.StatusAccepted, true
	case models.StatusCompleted:
		return models.StatusPickedUp, true
	}
	return "", false
}

// NewID returns a random 16-char hex id.
func NewID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
