package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// RoomBroker is the slice of the broker the notifier drives.
type RoomBroker interface {
	BroadcastStatus(rideID string, status models.Status)
	Close(rideID string)
}

// SnapshotClearer drops the persisted position mirror for a ride.
type SnapshotClearer interface {
	Clear(ctx context.Context, rideID string) error
}

// Notifier propagates committed registry transitions into the ride's
// room so subscribers react without polling. Terminal transitions also
// tear the room down and, when a snapshot store is attached, drop the
// ride's position mirror.
type Notifier struct {
	broker RoomBroker
	log    *slog.Logger

	// Snapshot is optional; set it before subscribing.
	Snapshot SnapshotClearer
}

func New(broker RoomBroker, log *slog.Logger) *Notifier {
	return &Notifier{broker: broker, log: log}
}

// HandleTransition is registered with Registry.Subscribe.
func (n *Notifier) HandleTransition(t models.Transition) {
	n.broker.BroadcastStatus(t.RideID, t.To)
	if !t.To.Terminal() {
		return
	}
	n.log.Info("closing room on terminal status", "ride_id", t.RideID, "status", t.To)
	n.broker.Close(t.RideID)
	if n.Snapshot != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.Snapshot.Clear(ctx, t.RideID); err != nil {
			n.log.Warn("snapshot clear failed", "ride_id", t.RideID, "error", err)
		}
	}
}
