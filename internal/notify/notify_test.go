package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeBroker struct {
	broadcasts []models.StatusChanged
	closed     []string
}

func (f *fakeBroker) BroadcastStatus(rideID string, status models.Status) {
	f.broadcasts = append(f.broadcasts, models.StatusChanged{RideID: rideID, Status: status})
}

func (f *fakeBroker) Close(rideID string) {
	f.closed = append(f.closed, rideID)
}

func newTestNotifier() (*Notifier, *fakeBroker) {
	fb := &fakeBroker{}
	return New(fb, slog.New(slog.NewTextHandler(io.Discard, nil))), fb
}

func TestBroadcastsEveryTransition(t *testing.T) {
	n, fb := newTestNotifier()

	n.HandleTransition(models.Transition{RideID: "r1", From: models.StatusRequested, To: models.StatusAccepted})
	n.HandleTransition(models.Transition{RideID: "r1", From: models.StatusAccepted, To: models.StatusPickedUp})

	if len(fb.broadcasts) != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", len(fb.broadcasts))
	}
	if fb.broadcasts[1].Status != models.StatusPickedUp {
		t.Fatalf("expected PICKED_UP, got %s", fb.broadcasts[1].Status)
	}
	if len(fb.closed) != 0 {
		t.Fatalf("non-terminal transitions must not close the room")
	}
}

func TestTerminalTransitionClosesRoom(t *testing.T) {
	for _, terminal := range []models.Status{models.StatusCompleted, models.StatusCancelled} {
		n, fb := newTestNotifier()
		n.HandleTransition(models.Transition{RideID: "r1", To: terminal})
		if len(fb.broadcasts) != 1 {
			t.Fatalf("%s: terminal transition still broadcasts first", terminal)
		}
		if len(fb.closed) != 1 || fb.closed[0] != "r1" {
			t.Fatalf("%s: expected room close, got %v", terminal, fb.closed)
		}
	}
}

type fakeClearer struct{ cleared []string }

func (f *fakeClearer) Clear(ctx context.Context, rideID string) error {
	f.cleared = append(f.cleared, rideID)
	return nil
}

func TestTerminalTransitionClearsSnapshot(t *testing.T) {
	n, _ := newTestNotifier()
	fc := &fakeClearer{}
	n.Snapshot = fc

	n.HandleTransition(models.Transition{RideID: "r1", To: models.StatusPickedUp})
	if len(fc.cleared) != 0 {
		t.Fatalf("non-terminal must not clear the mirror")
	}
	n.HandleTransition(models.Transition{RideID: "r1", To: models.StatusCompleted})
	if len(fc.cleared) != 1 || fc.cleared[0] != "r1" {
		t.Fatalf("expected mirror cleared for r1, got %v", fc.cleared)
	}
}
