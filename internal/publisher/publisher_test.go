package publisher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishesImmediatelyThenOnInterval(t *testing.T) {
	var mu sync.Mutex
	published := 0

	sample := func(ctx context.Context) (models.Position, error) {
		return models.Position{Lat: 1, Lng: 2, Timestamp: time.Now()}, nil
	}
	publish := func(ctx context.Context, pos models.Position) error {
		mu.Lock()
		published++
		mu.Unlock()
		return nil
	}

	p := New(5*time.Millisecond, sample, publish, discard())
	go p.Run(context.Background())

	time.Sleep(30 * time.Millisecond)
	p.Stop()
	<-p.Done()

	mu.Lock()
	got := published
	mu.Unlock()
	if got < 2 {
		t.Fatalf("expected at least the immediate publish plus one tick, got %d", got)
	}
}

func TestStopPreventsFurtherPublishes(t *testing.T) {
	var mu sync.Mutex
	published := 0

	p := New(time.Millisecond,
		func(ctx context.Context) (models.Position, error) {
			return models.Position{Timestamp: time.Now()}, nil
		},
		func(ctx context.Context, pos models.Position) error {
			mu.Lock()
			published++
			mu.Unlock()
			return nil
		},
		discard())
	go p.Run(context.Background())
	time.Sleep(10 * time.Millisecond)

	p.Stop()
	<-p.Done()
	mu.Lock()
	after := published
	mu.Unlock()

	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	final := published
	mu.Unlock()
	if final != after {
		t.Fatalf("publish after Stop: %d -> %d", after, final)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	p := New(time.Millisecond,
		func(ctx context.Context) (models.Position, error) { return models.Position{}, nil },
		func(ctx context.Context, pos models.Position) error { return nil },
		discard())
	go p.Run(context.Background())
	p.Stop()
	p.Stop()
	p.Stop()
	<-p.Done()
}

func TestSampleErrorSkipsTick(t *testing.T) {
	var mu sync.Mutex
	samples, published := 0, 0

	p := New(2*time.Millisecond,
		func(ctx context.Context) (models.Position, error) {
			mu.Lock()
			defer mu.Unlock()
			samples++
			if samples%2 == 1 {
				return models.Position{}, errors.New("gps unavailable")
			}
			return models.Position{Timestamp: time.Now()}, nil
		},
		func(ctx context.Context, pos models.Position) error {
			mu.Lock()
			published++
			mu.Unlock()
			return nil
		},
		discard())
	go p.Run(context.Background())
	time.Sleep(25 * time.Millisecond)
	p.Stop()
	<-p.Done()

	mu.Lock()
	defer mu.Unlock()
	if published == 0 {
		t.Fatalf("loop must survive sample failures and keep publishing")
	}
	if published >= samples {
		t.Fatalf("failed samples must not be published: samples=%d published=%d", samples, published)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(time.Millisecond,
		func(ctx context.Context) (models.Position, error) { return models.Position{}, nil },
		func(ctx context.Context, pos models.Position) error { return nil },
		discard())
	go p.Run(ctx)
	cancel()
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatalf("Run must return on context cancellation")
	}
}
