package payments

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Gateway is the payment backend slice the settler needs; satisfied by
// StripeClient and by fakes in tests.
type Gateway interface {
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// RideReader looks up the ride carrying the payment intent.
type RideReader interface {
	Get(ctx context.Context, rideID string) (*models.Ride, error)
}

// Settler is a registry transition listener that settles the held
// payment on terminal transitions: capture on COMPLETED, release on
// CANCELLED. Settlement is best-effort; failures are logged, never
// block the transition (the transition already committed).
type Settler struct {
	gateway Gateway
	rides   RideReader
	log     *slog.Logger
	Timeout time.Duration
}

func NewSettler(gateway Gateway, rides RideReader, log *slog.Logger) *Settler {
	return &Settler{gateway: gateway, rides: rides, log: log, Timeout: 10 * time.Second}
}

// HandleTransition is registered with Registry.Subscribe.
func (s *Settler) HandleTransition(t models.Transition) {
	if !t.To.Terminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()

	ride, err := s.rides.Get(ctx, t.RideID)
	if err != nil {
		s.log.Error("settlement lookup failed", "ride_id", t.RideID, "error", err)
		return
	}
	intentID := ride.Payment.PaymentIntentID
	if intentID == "" {
		return
	}

	switch t.To {
	case models.StatusCompleted:
		if err := s.gateway.Capture(ctx, intentID); err != nil {
			s.log.Error("payment capture failed", "ride_id", t.RideID, "payment_intent", intentID, "error", err)
			return
		}
		s.log.Info("payment captured", "ride_id", t.RideID, "payment_intent", intentID)
	case models.StatusCancelled:
		if err := s.gateway.Cancel(ctx, intentID); err != nil {
			s.log.Error("payment release failed", "ride_id", t.RideID, "payment_intent", intentID, "error", err)
			return
		}
		s.log.Info("payment hold released", "ride_id", t.RideID, "payment_intent", intentID)
	}
}
