package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Role distinguishes the one authorized position source from observers.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// Conn is one member connection. The two methods are the two event
// kinds a room carries; implementations must be safe for concurrent use.
type Conn interface {
	SendLocation(models.LocationUpdate) error
	SendStatus(models.StatusChanged) error
	Close() error
}

// RideSource is the slice of the registry the broker needs.
type RideSource interface {
	Get(ctx context.Context, rideID string) (*models.Ride, error)
	UpdatePosition(ctx context.Context, rideID, driverID string, pos models.Position) (bool, error)
}

// SnapshotSource recovers a last-known position when the in-process
// room is cold (e.g. after a restart). Optional.
type SnapshotSource interface {
	LastPosition(ctx context.Context, rideID string) (*models.Position, error)
}

// Producer forwards accepted positions to the ingest pipeline. Optional.
type Producer interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
}

// CatchUp is handed to a joining member so it never waits for the next
// tick to learn where the ride stands.
type CatchUp struct {
	Position *models.Position `json:"position,omitempty"`
	Status   models.Status    `json:"status"`
	Stale    bool             `json:"stale,omitempty"`
}

// Broker owns one ephemeral room per active ride. Rooms are
// independent units of concurrency: one lock on the room map, one per
// room, nothing cross-ride.
type Broker struct {
	rides    RideSource
	snapshot SnapshotSource
	producer Producer
	log      *slog.Logger

	// StaleAfter tags the last position stale once the publisher has
	// been silent this long; GracePeriod is how long an empty room
	// survives awaiting reconnects.
	StaleAfter  time.Duration
	GracePeriod time.Duration

	mu    sync.RWMutex
	rooms map[string]*room
}

type room struct {
	mu         sync.Mutex
	rideID     string
	pubConnID  string
	pubDriver  string
	pubConn    Conn
	subs       map[string]Conn
	last       *models.Position
	quietSince time.Time // last publish or publisher join; zero until first
	graceTimer *time.Timer
	closed     bool
}

func NewBroker(rides RideSource, snapshot SnapshotSource, producer Producer, log *slog.Logger) *Broker {
	return &Broker{
		rides:       rides,
		snapshot:    snapshot,
		producer:    producer,
		log:         log,
		StaleAfter:  15 * time.Second,
		GracePeriod: 30 * time.Second,
		rooms:       make(map[string]*room),
	}
}

// Join adds a connection to the ride's room and returns the catch-up
// snapshot. Publisher joins are rejected unless identity is the
// assigned driver, and only one publisher may be active at a time.
func (b *Broker) Join(ctx context.Context, rideID, connID, identity string, role Role, conn Conn) (CatchUp, error) {
	ride, err := b.rides.Get(ctx, rideID)
	if err != nil {
		return CatchUp{}, err
	}
	if ride.Status.Terminal() {
		return CatchUp{}, fmt.Errorf("%w: ride %s is %s", models.ErrNotFound, rideID, ride.Status)
	}

	rm := b.ensureRoom(rideID)
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return CatchUp{}, models.ErrNotFound
	}

	switch role {
	case RolePublisher:
		if ride.DriverID == "" || identity != ride.DriverID {
			b.log.Warn("publisher join rejected", "ride_id", rideID, "identity", identity)
			return CatchUp{}, fmt.Errorf("%w: not the assigned driver", models.ErrForbidden)
		}
		if rm.pubConnID != "" && rm.pubConnID != connID {
			return CatchUp{}, fmt.Errorf("%w: publisher already active", models.ErrForbidden)
		}
		rm.pubConnID = connID
		rm.pubDriver = identity
		rm.pubConn = conn
		rm.quietSince = time.Now()
	case RoleSubscriber:
		rm.subs[connID] = conn
	default:
		return CatchUp{}, fmt.Errorf("%w: unknown role %q", models.ErrValidation, role)
	}
	rm.stopGraceLocked()

	return b.catchUpLocked(ctx, rm, ride), nil
}

// catchUpLocked assembles the join snapshot: room memory first, then
// the ride record, then the snapshot store (restart recovery).
func (b *Broker) catchUpLocked(ctx context.Context, rm *room, ride *models.Ride) CatchUp {
	pos := rm.last
	if pos == nil {
		pos = ride.LastPosition
	}
	if pos == nil && b.snapshot != nil {
		if p, err := b.snapshot.LastPosition(ctx, rm.rideID); err == nil {
			pos = p
		} else {
			b.log.Warn("snapshot lookup failed", "ride_id", rm.rideID, "error", err)
		}
	}
	stale := pos != nil && !rm.quietSince.IsZero() && time.Since(rm.quietSince) > b.StaleAfter
	return CatchUp{Position: pos, Status: ride.Status, Stale: stale}
}

// Publish forwards a position from the room's publisher. The registry
// applies the staleness guard; only accepted samples are broadcast.
// Publishing with no subscribers is a successful no-op.
func (b *Broker) Publish(ctx context.Context, rideID, connID string, pos models.Position) error {
	rm := b.room(rideID)
	if rm == nil {
		return models.ErrNotFound
	}

	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return models.ErrNotFound
	}
	if connID != rm.pubConnID {
		rm.mu.Unlock()
		b.log.Warn("publish rejected", "ride_id", rideID, "conn_id", connID)
		return fmt.Errorf("%w: not the room publisher", models.ErrForbidden)
	}
	driverID := rm.pubDriver
	rm.mu.Unlock()

	applied, err := b.rides.UpdatePosition(ctx, rideID, driverID, pos)
	if err != nil {
		return err
	}
	if !applied {
		// out-of-order delivery, idempotent no-op
		return nil
	}

	update := models.LocationUpdate{RideID: rideID, Lat: pos.Lat, Lng: pos.Lng, Timestamp: pos.Timestamp}

	rm.mu.Lock()
	p := pos
	rm.last = &p
	rm.quietSince = time.Now()
	conns := make([]Conn, 0, len(rm.subs))
	for _, c := range rm.subs {
		conns = append(conns, c)
	}
	rm.mu.Unlock()

	for _, c := range conns {
		if err := c.SendLocation(update); err != nil {
			b.log.Warn("location send failed", "ride_id", rideID, "error", err)
		}
	}
	if b.producer != nil {
		if err := b.producer.PublishLocation(ctx, update); err != nil {
			b.log.Warn("position ingest failed", "ride_id", rideID, "error", err)
		}
	}
	observability.PositionsPublished.Inc()
	return nil
}

// Leave removes a member. A leaving publisher marks the room quiet
// rather than destroying it, tolerating brief reconnects; an empty
// room is destroyed after the grace period.
func (b *Broker) Leave(rideID, connID string) {
	rm := b.room(rideID)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return
	}
	if connID == rm.pubConnID {
		rm.pubConnID = ""
		rm.pubConn = nil
		rm.quietSince = time.Now()
	}
	delete(rm.subs, connID)
	if rm.pubConnID == "" && len(rm.subs) == 0 {
		rm.startGraceLocked(b)
	}
}

// BroadcastStatus emits the status event kind to every subscriber.
// No room means nobody is watching: a no-op.
func (b *Broker) BroadcastStatus(rideID string, status models.Status) {
	rm := b.room(rideID)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	conns := make([]Conn, 0, len(rm.subs))
	for _, c := range rm.subs {
		conns = append(conns, c)
	}
	rm.mu.Unlock()
	ev := models.StatusChanged{RideID: rideID, Status: status}
	for _, c := range conns {
		if err := c.SendStatus(ev); err != nil {
			b.log.Warn("status send failed", "ride_id", rideID, "error", err)
		}
	}
}

// Close disconnects all members and discards the room. Invoked by the
// status notifier on terminal transitions.
func (b *Broker) Close(rideID string) {
	b.mu.Lock()
	rm, ok := b.rooms[rideID]
	if ok {
		delete(b.rooms, rideID)
		observability.RoomsActive.Dec()
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	rm.closed = true
	rm.stopGraceLocked()
	conns := make([]Conn, 0, len(rm.subs)+1)
	if rm.pubConn != nil {
		conns = append(conns, rm.pubConn)
	}
	for _, c := range rm.subs {
		conns = append(conns, c)
	}
	rm.pubConnID = ""
	rm.pubConn = nil
	rm.subs = make(map[string]Conn)
	rm.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	b.log.Info("room closed", "ride_id", rideID)
}

func (b *Broker) ensureRoom(rideID string) *room {
	b.mu.Lock()
	defer b.mu.Unlock()
	rm, ok := b.rooms[rideID]
	if !ok {
		rm = &room{rideID: rideID, subs: make(map[string]Conn)}
		b.rooms[rideID] = rm
		observability.RoomsActive.Inc()
	}
	return rm
}

func (b *Broker) room(rideID string) *room {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rooms[rideID]
}

func (rm *room) startGraceLocked(b *Broker) {
	rm.stopGraceLocked()
	rideID := rm.rideID
	rm.graceTimer = time.AfterFunc(b.GracePeriod, func() {
		b.expire(rideID)
	})
}

func (rm *room) stopGraceLocked() {
	if rm.graceTimer != nil {
		rm.graceTimer.Stop()
		rm.graceTimer = nil
	}
}

// expire drops a room whose grace period elapsed with nobody present.
func (b *Broker) expire(rideID string) {
	rm := b.room(rideID)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	empty := rm.pubConnID == "" && len(rm.subs) == 0
	rm.mu.Unlock()
	if !empty {
		return
	}
	b.mu.Lock()
	if cur, ok := b.rooms[rideID]; ok && cur == rm {
		delete(b.rooms, rideID)
		observability.RoomsActive.Dec()
	}
	b.mu.Unlock()
	b.log.Info("room expired", "ride_id", rideID)
}
