package payments

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeGateway struct {
	captured  []string
	cancelled []string
	fail      bool
}

func (f *fakeGateway) Capture(ctx context.Context, id string) error {
	if f.fail {
		return errors.New("stripe down")
	}
	f.captured = append(f.captured, id)
	return nil
}

func (f *fakeGateway) Cancel(ctx context.Context, id string) error {
	if f.fail {
		return errors.New("stripe down")
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fakeRides struct {
	ride *models.Ride
	err  error
}

func (f *fakeRides) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	return f.ride, f.err
}

func newTestSettler(gw *fakeGateway, rides *fakeRides) *Settler {
	return NewSettler(gw, rides, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCaptureOnCompleted(t *testing.T) {
	gw := &fakeGateway{}
	s := newTestSettler(gw, &fakeRides{ride: &models.Ride{
		ID:      "r1",
		Payment: models.PaymentInfo{PaymentIntentID: "pi_123"},
	}})

	s.HandleTransition(models.Transition{RideID: "r1", To: models.StatusCompleted})

	if len(gw.captured) != 1 || gw.captured[0] != "pi_123" {
		t.Fatalf("expected capture of pi_123, got %v", gw.captured)
	}
	if len(gw.cancelled) != 0 {
		t.Fatalf("completed ride must not release the hold")
	}
}

func TestReleaseOnCancelled(t *testing.T) {
	gw := &fakeGateway{}
	s := newTestSettler(gw, &fakeRides{ride: &models.Ride{
		ID:      "r1",
		Payment: models.PaymentInfo{PaymentIntentID: "pi_123"},
	}})

	s.HandleTransition(models.Transition{RideID: "r1", To: models.StatusCancelled})

	if len(gw.cancelled) != 1 || gw.cancelled[0] != "pi_123" {
		t.Fatalf("expected release of pi_123, got %v", gw.cancelled)
	}
}

func TestNonTerminalIsIgnored(t *testing.T) {
	gw := &fakeGateway{}
	s := newTestSettler(gw, &fakeRides{ride: &models.Ride{
		ID:      "r1",
		Payment: models.PaymentInfo{PaymentIntentID: "pi_123"},
	}})

	s.HandleTransition(models.Transition{RideID: "r1", To: models.StatusPickedUp})

	if len(gw.captured)+len(gw.cancelled) != 0 {
		t.Fatalf("non-terminal transitions must not touch the gateway")
	}
}

func TestNoIntentIsNoop(t *testing.T) {
	gw := &fakeGateway{}
	s := newTestSettler(gw, &fakeRides{ride: &models.Ride{ID: "r1"}})

	s.HandleTransition(models.Transition{RideID: "r1", To: models.StatusCompleted})

	if len(gw.captured) != 0 {
		t.Fatalf("cash rides carry no intent and must not be captured")
	}
}

func TestGatewayFailureDoesNotPanic(t *testing.T) {
	gw := &fakeGateway{fail: true}
	s := newTestSettler(gw, &fakeRides{ride: &models.Ride{
		ID:      "r1",
		Payment: models.PaymentInfo{PaymentIntentID: "pi_123"},
	}})
	s.HandleTransition(models.Transition{RideID: "r1", To: models.StatusCompleted})

	// lookup failure path
	s2 := newTestSettler(&fakeGateway{}, &fakeRides{err: models.ErrNotFound})
	s2.HandleTransition(models.Transition{RideID: "r2", To: models.StatusCancelled})
}
