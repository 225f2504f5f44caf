package publisher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// SampleFunc reads the driver's current position. A failure is
// transient: logged, skipped, retried on the next tick.
type SampleFunc func(ctx context.Context) (models.Position, error)

// PublishFunc forwards a sample to the room broker.
type PublishFunc func(ctx context.Context, pos models.Position) error

// Publisher is the driver-side repeating sampling loop: one immediate
// sample, then one per interval, until stopped. Stop is idempotent
// and, once it returns, no further publish call is made even if a
// sample was already in flight.
type Publisher struct {
	interval time.Duration
	sample   SampleFunc
	publish  PublishFunc
	log      *slog.Logger

	mu      sync.Mutex
	stopped bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

func New(interval time.Duration, sample SampleFunc, publish PublishFunc, log *slog.Logger) *Publisher {
	return &Publisher{
		interval: interval,
		sample:   sample,
		publish:  publish,
		log:      log,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks until the context is cancelled or Stop is called.
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.done)
	p.tick(ctx)
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-t.C:
			p.tick(ctx)
		}
	}
}

func (p *Publisher) tick(ctx context.Context) {
	pos, err := p.sample(ctx)
	if err != nil {
		p.log.Warn("position sample failed", "error", err)
		return
	}
	// the stopped check and the publish share the mutex, so Stop
	// returning guarantees no publish begins afterwards
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if err := p.publish(ctx, pos); err != nil {
		p.log.Warn("position publish failed", "error", err)
	}
}

// Stop halts the loop. Safe to call more than once.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

// Done is closed when Run has returned.
func (p *Publisher) Done() <-chan struct{} { return p.done }
