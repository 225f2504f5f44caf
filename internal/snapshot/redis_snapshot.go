package snapshot

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// Store mirrors each ride's last-known driver position into Redis so
// rooms can hand out catch-up snapshots after a process restart.
// Rooms themselves are never persisted.
type Store struct {
	client *redis.Client
}

func New(addr, password string) *Store {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &Store{client: c}
}

func NewWithClient(c *redis.Client) *Store { return &Store{client: c} }

func (s *Store) SetLastPosition(ctx context.Context, rideID string, pos models.Position) error {
	return s.client.HSet(ctx, posKey(rideID), map[string]interface{}{
		"lat": strconv.FormatFloat(pos.Lat, 'f', -1, 64),
		"lng": strconv.FormatFloat(pos.Lng, 'f', -1, 64),
		"ts":  pos.Timestamp.Format(time.RFC3339Nano),
	}).Err()
}

// LastPosition returns (nil, nil) when nothing is stored for the ride.
func (s *Store) LastPosition(ctx context.Context, rideID string) (*models.Position, error) {
	m, err := s.client.HGetAll(ctx, posKey(rideID)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	var pos models.Position
	if v, ok := m["lat"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			pos.Lat = f
		}
	}
	if v, ok := m["lng"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			pos.Lng = f
		}
	}
	if v, ok := m["ts"]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			pos.Timestamp = t
		}
	}
	return &pos, nil
}

// Clear drops the mirror once a ride is terminal.
func (s *Store) Clear(ctx context.Context, rideID string) error {
	return s.client.Del(ctx, posKey(rideID)).Err()
}

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) Close() error { return s.client.Close() }

func posKey(id string) string { return "ride:pos:" + id }
