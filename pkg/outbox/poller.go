package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/bitechdev/OutboxSpec/pkg/logger"
)

// Poller drives an adapter on a cadence: an optional maintenance pass
// (e.g. stuck recovery) followed by a claim/process batch per tick.
// Adapter-level failures back the loop off exponentially so a degraded
// store is not hammered; the loop itself never dies.
type Poller struct {
	interval        time.Duration
	maxErrorBackoff time.Duration

	processBatch func(ctx context.Context) error
	maintenance  func(ctx context.Context) error // optional
	onError      func(error)

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	Interval        time.Duration
	MaxErrorBackoff time.Duration
	ProcessBatch    func(ctx context.Context) error
	Maintenance     func(ctx context.Context) error
	OnError         func(error)
}

// NewPoller creates a poller; Start begins ticking.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.MaxErrorBackoff <= 0 {
		cfg.MaxErrorBackoff = DefaultMaxErrorBackoff
	}
	return &Poller{
		interval:        cfg.Interval,
		maxErrorBackoff: cfg.MaxErrorBackoff,
		processBatch:    cfg.ProcessBatch,
		maintenance:     cfg.Maintenance,
		onError:         cfg.OnError,
	}
}

// Start begins the polling loop. Idempotent: a second call while
// running is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})

	go p.loop(p.stopCh, p.done)
}

// Stop cancels the pending tick and awaits the currently-executing
// batch. Cooperative: no handler is interrupted. Idempotent.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) loop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	errorCount := 0
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if err := p.tick(); err != nil {
			if p.onError != nil {
				p.onError(err)
			}
			errorCount++
		} else {
			errorCount = 0
		}

		delay := p.interval
		if errorCount > 0 {
			delay = errorBackoff(p.interval, errorCount, p.maxErrorBackoff)
			logger.Debug("Poll tick failed %d time(s), backing off %v", errorCount, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-stopCh:
			timer.Stop()
			return
		}
	}
}

// tick runs one maintenance + batch pass. A panic escaping the handler
// chain is converted to a tick error so the loop backs off instead of
// dying.
func (p *Poller) tick() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = logger.HandlePanic("poller tick", r)
		}
	}()

	ctx := context.Background()

	if p.maintenance != nil {
		if err := p.maintenance(ctx); err != nil {
			return err
		}
	}
	return p.processBatch(ctx)
}
