package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// RideStore defines persistence operations for rides. Every mutation
// is a single conditional step: the guard and the write happen
// together, so no partial update (status changed but driver unset) is
// ever observable and no read-then-write race exists.
type RideStore interface {
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)
	ListByStatus(ctx context.Context, s models.Status) ([]*models.Ride, error)
	ListByParty(ctx context.Context, partyID string) ([]*models.Ride, error)

	// Assign is the accept race primitive: REQUESTED with an empty
	// driver slot becomes ACCEPTED with the driver and initial
	// position set, atomically. Losers get ErrAlreadyAssigned.
	Assign(ctx context.Context, rideID, driverID string, pos models.Position) (*models.Ride, error)

	// UpdateStatus applies a driver-initiated edge of the state machine.
	UpdateStatus(ctx context.Context, rideID, driverID string, next models.Status) (*models.Ride, error)

	// Cancel is rider-only and legal only while REQUESTED.
	Cancel(ctx context.Context, rideID, riderID string) (*models.Ride, error)

	// UpdatePosition stores pos if the ride is active, the driver is
	// the assigned one, and the timestamp is strictly newer. A
	// non-newer timestamp returns (false, nil): a silent no-op.
	UpdatePosition(ctx context.Context, rideID, driverID string, pos models.Position) (bool, error)
}

// MemoryStore keeps rides in a map guarded by one mutex; conditional
// updates are atomic because guard and write share the critical section.
type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) Create(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return fmt.Errorf("ride %s already exists", r.ID)
	}
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copyRide(r), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, s models.Status) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.Status == s {
			out = append(out, copyRide(r))
		}
	}
	return out, nil
}

// ListByParty returns the ride history for a rider or driver, newest
// first by creation time.
func (m *MemoryStore) ListByParty(ctx context.Context, partyID string) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if r.RiderID == partyID || r.DriverID == partyID {
			out = append(out, copyRide(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Assign(ctx context.Context, rideID, driverID string, pos models.Position) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if r.Status == models.StatusCancelled {
		return nil, models.ErrInvalidTransition
	}
	if r.Status != models.StatusRequested || r.DriverID != "" {
		return nil, models.ErrAlreadyAssigned
	}
	r.DriverID = driverID
	r.Status = models.StatusAccepted
	p := pos
	r.LastPosition = &p
	r.UpdatedAt = time.Now()
	return copyRide(r), nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, rideID, driverID string, next models.Status) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if r.DriverID == "" || r.DriverID != driverID {
		return nil, models.ErrForbidden
	}
	if !models.LegalTransition(r.Status, next) {
		return nil, models.ErrInvalidTransition
	}
	r.Status = next
	r.UpdatedAt = time.Now()
	return copyRide(r), nil
}

func (m *MemoryStore) Cancel(ctx context.Context, rideID, riderID string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, models.ErrNotFound
	}
	if r.RiderID != riderID {
		return nil, models.ErrForbidden
	}
	if r.Status != models.StatusRequested {
		return nil, models.ErrInvalidTransition
	}
	r.Status = models.StatusCancelled
	r.UpdatedAt = time.Now()
	return copyRide(r), nil
}

func (m *MemoryStore) UpdatePosition(ctx context.Context, rideID, driverID string, pos models.Position) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return false, models.ErrNotFound
	}
	if !r.Status.Active() {
		return false, models.ErrInvalidTransition
	}
	if r.DriverID != driverID {
		return false, models.ErrForbidden
	}
	if r.LastPosition != nil && !pos.Timestamp.After(r.LastPosition.Timestamp) {
		return false, nil
	}
	p := pos
	r.LastPosition = &p
	r.UpdatedAt = time.Now()
	return true, nil
}

func copyRide(r *models.Ride) *models.Ride {
	cp := *r
	if r.LastPosition != nil {
		p := *r.LastPosition
		cp.LastPosition = &p
	}
	return &cp
}
