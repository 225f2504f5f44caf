package room

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	pickup = models.Coord{Lat: 23.8103, Lng: 90.4125}
	dest   = models.Coord{Lat: 23.7806, Lng: 90.2794}
)

// fakeConn records delivered events
type fakeConn struct {
	mu        sync.Mutex
	locations []models.LocationUpdate
	statuses  []models.StatusChanged
	closed    bool
}

func (f *fakeConn) SendLocation(u models.LocationUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locations = append(f.locations, u)
	return nil
}

func (f *fakeConn) SendStatus(ev models.StatusChanged) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, ev)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) lastLocation() (models.LocationUpdate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.locations) == 0 {
		return models.LocationUpdate{}, false
	}
	return f.locations[len(f.locations)-1], true
}

type fakeSnapshot struct{ pos *models.Position }

func (f *fakeSnapshot) LastPosition(ctx context.Context, rideID string) (*models.Position, error) {
	return f.pos, nil
}

func newTestBroker(snap SnapshotSource) (*Broker, *registry.Registry) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(storage.NewMemoryStore(), fare.Config{BaseFare: 35, PerKmRate: 35}, log)
	return NewBroker(reg, snap, nil, log), reg
}

func acceptedRide(t *testing.T, reg *registry.Registry, driverID string) *models.Ride {
	t.Helper()
	ctx := context.Background()
	ride, err := reg.Create(ctx, "rider1", pickup, dest, models.PaymentInfo{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ride, err = reg.Assign(ctx, ride.ID, driverID, models.Position{Lat: 23.8, Lng: 90.4, Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	return ride
}

func TestPublisherJoinAuthorization(t *testing.T) {
	b, reg := newTestBroker(nil)
	ctx := context.Background()
	ride := acceptedRide(t, reg, "driver1")

	if _, err := b.Join(ctx, ride.ID, "c1", "driver2", RolePublisher, &fakeConn{}); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for wrong identity, got %v", err)
	}
	if _, err := b.Join(ctx, ride.ID, "c1", "driver1", RolePublisher, &fakeConn{}); err != nil {
		t.Fatalf("assigned driver join: %v", err)
	}
	// a second live publisher connection is rejected
	if _, err := b.Join(ctx, ride.ID, "c2", "driver1", RolePublisher, &fakeConn{}); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for second publisher, got %v", err)
	}
}

func TestPublisherJoinBeforeAssignment(t *testing.T) {
	b, reg := newTestBroker(nil)
	ctx := context.Background()
	ride, _ := reg.Create(ctx, "rider1", pickup, dest, models.PaymentInfo{})
	if _, err := b.Join(ctx, ride.ID, "c1", "driver1", RolePublisher, &fakeConn{}); !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected ErrForbidden before assignment, got %v", err)
	}
}

func TestSubscriberCatchUpAfterPublishes(t *testing.T) {
	b, reg := newTestBroker(nil)
	ctx := context.Background()
	ride := acceptedRide(t, reg, "driver1")

	pub := &fakeConn{}
	if _, err := b.Join(ctx, ride.ID, "pub", "driver1", RolePublisher, pub); err != nil {
		t.Fatalf("publisher join: %v", err)
	}

	base := time.Now()
	for i := 1; i <= 3; i++ {
		p := models.Position{Lat: float64(i), Lng: float64(i), Timestamp: base.Add(time.Duration(i) * time.Second)}
		if err := b.Publish(ctx, ride.ID, "pub", p); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	sub := &fakeConn{}
	cu, err := b.Join(ctx, ride.ID, "sub", "rider1", RoleSubscriber, sub)
	if err != nil {
		t.Fatalf("subscriber join: %v", err)
	}
	if cu.Position == nil || cu.Position.Lat != 3 {
		t.Fatalf("catch-up must carry the latest position, got %+v", cu.Position)
	}
	if cu.Status != models.StatusAccepted {
		t.Fatalf("catch-up status: expected ACCEPTED, got %s", cu.Status)
	}
	if cu.Stale {
		t.Fatalf("fresh room must not be stale")
	}
}

func TestSubscriberCatchUpFallsBackToSnapshot(t *testing.T) {
	// simulates a restart: the room is cold but redis still holds the mirror
	snapPos := &models.Position{Lat: 7, Lng: 8, Timestamp: time.Now()}
	b, reg := newTestBroker(&fakeSnapshot{pos: snapPos})
	ctx := context.Background()
	ride, _ := reg.Create(ctx, "rider1", pickup, dest, models.PaymentInfo{})

	cu, err := b.Join(ctx, ride.ID, "sub", "rider1", RoleSubscriber, &fakeConn{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if cu.Position == nil || cu.Position.Lat != 7 {
		t.Fatalf("expected snapshot fallback position, got %+v", cu.Position)
	}
}

func TestPublishBroadcastsToSubscribers(t *testing.T) {
	b, reg := newTestBroker(nil)
	ctx := context.Background()
	ride := acceptedRide(t, reg, "driver1")

	b.Join(ctx, ride.ID, "pub", "driver1", RolePublisher, &fakeConn{})
	s1, s2 := &fakeConn{}, &fakeConn{}
	b.Join(ctx, ride.ID, "s1", "rider1", RoleSubscriber, s1)
	b.Join(ctx, ride.ID, "s2", "admin", RoleSubscriber, s2)

	p := models.Position{Lat: 5, Lng: 6, Timestamp: time.Now().Add(time.Second)}
	if err := b.Publish(ctx, ride.ID, "pub", p); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, s := range []*fakeConn{s1, s2} {
		got, ok := s.lastLocation()
		if !ok || got.Lat != 5 || got.RideID != ride.ID {
			t.Fatalf("subscriber missed broadcast: %+v ok=%v", got, ok)
		}
	}
}

func TestPublishStaleIsSilentlyDropped(t *testing.T) {
	b, reg := newTestBroker(nil)
	ctx := context.Background()
	ride := acceptedRide(t, reg, "driver1")
	b.Join(ctx, ride.ID, "pub", "driver1", RolePublisher, &fakeConn{})
	sub := &fakeConn{}
	b.Join(ctx, ride.ID, "sub", "rider1", RoleSubscriber, sub)

	base := time.Now().Add(time.Minute)
	b.Publish(ctx, ride.ID, "pub", models.Position{Lat: 1, Lng: 1, Timestamp: base})
	// older sample: accepted call, no broadcast
	if err := b.Publish(ctx, ride.ID, "pub", models.Position{Lat: 2, Lng: 2, Timestamp: base.Add(-time.Second)}); err != nil {
		t.Fatalf("stale publish must not error: %v", err)
	}
	got, _ := sub.lastLocation()
	if got.Lat != 1 {
		t.Fatalf("stale publish must not reach subscribers, got %+v", got)
	}
}

func TestPublishByNonPublisherForbidden(t *testing.T) {
	b, reg := newTestBroker(nil)
	ctx := context.Background()
	ride := acceptedRide(t, reg, "driver1")
	b.Join(ctx, ride.ID, "pub", "driver1", RolePublisher, &fakeConn{})
	b.Join(ctx, ride.ID, "sub", "rider1", RoleSubscriber, &fakeConn{})

	err := b.Publish(ctx, ride.ID, "sub", models.Position{Lat: 1, Lng: 1, Timestamp: time.Now()})
	if !errors.Is(err, models.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestPublishWithNoSubscribersIsNoop(t *testing.T) {
	b, reg := newTestBroker(nil)
	ctx := context.Background()
	ride := acceptedRide(t, reg, "driver1")
	b.Join(ctx, ride.ID, "pub", "driver1", RolePublisher, &fakeConn{})
	if err := b.Publish(ctx, ride.ID, "pub", models.Position{Lat: 1, Lng: 1, Timestamp: time.Now()}); err != nil {
		t.Fatalf("publish without subscribers: %v", err)
	}
}

func TestPublisherLeaveMarksStale(t *testing.T) {
	b, reg := newTestBroker(nil)
	b.StaleAfter = 10 * time.Millisecond
	ctx := context.Background()
	ride := acceptedRide(t, reg, "driver1")

	b.Join(ctx, ride.ID, "pub", "driver1", RolePublisher, &fakeConn{})
	sub := &fakeConn{}
	b.Join(ctx, ride.ID, "sub", "rider1", RoleSubscriber, sub)
	b.Publish(ctx, ride.ID, "pub", models.Position{Lat: 1, Lng: 1, Timestamp: time.Now()})

	b.Leave(ride.ID, "pub")
	time.Sleep(20 * time.Millisecond)

	cu, err := b.Join(ctx, ride.ID, "sub2", "admin", RoleSubscriber, &fakeConn{})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if cu.Position == nil || cu.Position.Lat != 1 {
		t.Fatalf("last position stays visible after publisher leaves, got %+v", cu.Position)
	}
	if !cu.Stale {
		t.Fatalf("position must be tagged stale after the timeout")
	}

	// a reconnecting publisher clears staleness
	if _, err := b.Join(ctx, ride.ID, "pub2", "driver1", RolePublisher, &fakeConn{}); err != nil {
		t.Fatalf("publisher reconnect: %v", err)
	}
}

func TestEmptyRoomExpiresAfterGrace(t *testing.T) {
	b, reg := newTestBroker(nil)
	b.GracePeriod = 10 * time.Millisecond
	ctx := context.Background()
	ride := acceptedRide(t, reg, "driver1")

	b.Join(ctx, ride.ID, "sub", "rider1", RoleSubscriber, &fakeConn{})
	b.Leave(ride.ID, "sub")

	time.Sleep(30 * time.Millisecond)
	if b.room(ride.ID) != nil {
		t.Fatalf("empty room must expire after the grace period")
	}
}

func TestReconnectWithinGraceKeepsRoom(t *testing.T) {
	b, reg := newTestBroker(nil)
	b.GracePeriod = 50 * time.Millisecond
	ctx := context.Background()
	ride := acceptedRide(t, reg, "driver1")

	b.Join(ctx, ride.ID, "sub", "rider1", RoleSubscriber, &fakeConn{})
	b.Leave(ride.ID, "sub")
	if _, err := b.Join(ctx, ride.ID, "sub", "rider1", RoleSubscriber, &fakeConn{}); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if b.room(ride.ID) == nil {
		t.Fatalf("room with a member must survive the grace period")
	}
}

func TestCloseDisconnectsAndRejectsPublishes(t *testing.T) {
	b, reg := newTestBroker(nil)
	ctx := context.Background()
	ride := acceptedRide(t, reg, "driver1")

	pub, sub := &fakeConn{}, &fakeConn{}
	b.Join(ctx, ride.ID, "pub", "driver1", RolePublisher, pub)
	b.Join(ctx, ride.ID, "sub", "rider1", RoleSubscriber, sub)

	b.Close(ride.ID)

	if !pub.closed || !sub.closed {
		t.Fatalf("close must disconnect all members")
	}
	err := b.Publish(ctx, ride.ID, "pub", models.Position{Lat: 1, Lng: 1, Timestamp: time.Now()})
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("publish after close: expected ErrNotFound, got %v", err)
	}
}

func TestJoinTerminalRide(t *testing.T) {
	b, reg := newTestBroker(nil)
	ctx := context.Background()
	ride, _ := reg.Create(ctx, "rider1", pickup, dest, models.PaymentInfo{})
	reg.Cancel(ctx, ride.ID, "rider1")
	if _, err := b.Join(ctx, ride.ID, "sub", "rider1", RoleSubscriber, &fakeConn{}); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for terminal ride, got %v", err)
	}
}
