package assign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
)

// Coordinator resolves the accept race and guards driver-initiated
// status edges. The atomicity itself lives in the registry's store;
// the coordinator adds the driver-facing semantics: the discovery
// feed, the per-driver reject filter, and the transition table.
type Coordinator struct {
	reg *registry.Registry
	log *slog.Logger

	mu       sync.RWMutex
	rejected map[string]map[string]struct{} // driver id -> ride ids hidden from that driver
}

func NewCoordinator(reg *registry.Registry, log *slog.Logger) *Coordinator {
	return &Coordinator{reg: reg, log: log, rejected: make(map[string]map[string]struct{})}
}

// Accept claims the ride for driverID. Under concurrent calls exactly
// one wins; the rest get ErrAlreadyAssigned. A missing ride gets
// ErrNotFound, a cancelled one ErrInvalidTransition.
func (c *Coordinator) Accept(ctx context.Context, rideID, driverID string, initial models.Position) (*models.Ride, error) {
	if driverID == "" {
		return nil, fmt.Errorf("%w: driver id required", models.ErrValidation)
	}
	if !finiteCoord(initial.Lat, initial.Lng) {
		return nil, fmt.Errorf("%w: initial position is not a finite coordinate", models.ErrValidation)
	}
	ride, err := c.reg.Assign(ctx, rideID, driverID, initial)
	if err != nil {
		if errors.Is(err, models.ErrAlreadyAssigned) {
			observability.AcceptConflicts.Inc()
			c.log.Info("accept lost race", "ride_id", rideID, "driver_id", driverID)
		}
		return nil, err
	}
	observability.AcceptsTotal.Inc()
	return ride, nil
}

// Reject hides the ride from driverID's discovery feed. It is a local
// visibility filter only: other drivers can still accept, and the
// shared ride state is untouched. A rejected ride is never re-offered
// to the same driver for the life of this process.
func (c *Coordinator) Reject(rideID, driverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.rejected[driverID]
	if !ok {
		set = make(map[string]struct{})
		c.rejected[driverID] = set
	}
	set[rideID] = struct{}{}
}

// Rejected reports whether driverID has hidden rideID.
func (c *Coordinator) Rejected(rideID, driverID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rejected[driverID][rideID]
	return ok
}

// Feed lists REQUESTED rides visible to driverID, i.e. the broadcast
// discovery feed minus that driver's rejections.
func (c *Coordinator) Feed(ctx context.Context, driverID string) ([]*models.Ride, error) {
	rides, err := c.reg.ListByStatus(ctx, models.StatusRequested)
	if err != nil {
		return nil, err
	}
	out := rides[:0]
	for _, r := range rides {
		if !c.Rejected(r.ID, driverID) {
			out = append(out, r)
		}
	}
	return out, nil
}

// UpdateStatus applies one of the two legal driver edges:
// ACCEPTED -> PICKED_UP or PICKED_UP -> COMPLETED.
func (c *Coordinator) UpdateStatus(ctx context.Context, rideID, driverID string, next models.Status) (*models.Ride, error) {
	return c.reg.Transition(ctx, rideID, driverID, next)
}

func finiteCoord(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lng) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
