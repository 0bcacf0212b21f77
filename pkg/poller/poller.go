// Package poller drives the self-healing baseline of the session view: a
// fixed-interval full snapshot fetch that restates every session and cluster
// into the store. Whatever a lost or lying push stream did to the view, the
// next poll corrects it.
package poller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drejom/rbiocverse/internal/model"
	"github.com/drejom/rbiocverse/pkg/config"
	"github.com/drejom/rbiocverse/pkg/logger"
	"github.com/drejom/rbiocverse/pkg/scheduler"
	"github.com/drejom/rbiocverse/pkg/store"
)

// Poller periodically fetches the full status snapshot and merges it with
// poll precedence. Failed polls never clear last-known-good state; they only
// raise the degraded flag once the consecutive-failure budget is spent.
type Poller struct {
	api      scheduler.API
	st       *store.Store
	health   *store.HealthTracker
	interval time.Duration
	budget   int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	failures int32
	degraded atomic.Bool
}

// New creates a poller over the given gateway API and stores.
func New(api scheduler.API, st *store.Store, health *store.HealthTracker, cfg *config.PollerConfig) *Poller {
	return &Poller{
		api:      api,
		st:       st,
		health:   health,
		interval: cfg.Interval,
		budget:   cfg.FailureBudget,
	}
}

// Start begins the poll loop with an immediate first poll. It returns an
// error if the poller is already running.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller is already running")
	}
	p.running = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.mu.Unlock()

	logger.InfoCtx(ctx, "status poller started (interval: %v, failure budget: %d)", p.interval, p.budget)
	go p.loop(ctx)
	return nil
}

// Stop halts the poll loop and waits for it to exit.
func (p *Poller) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller is not running")
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Degraded reports whether the poll channel has exceeded its consecutive
// failure budget. It clears on the next successful poll.
func (p *Poller) Degraded() bool {
	return p.degraded.Load()
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Do an initial poll immediately
	p.PollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.InfoCtx(ctx, "status poller stopped")
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce fetches one full snapshot and merges every entry. A failed fetch
// is swallowed: the store keeps its last-known-good state and only the
// degraded flag may change.
func (p *Poller) PollOnce(ctx context.Context) {
	resp, err := p.api.StatusSnapshot(ctx)
	if err != nil {
		failures := atomic.AddInt32(&p.failures, 1)
		if int(failures) >= p.budget && !p.degraded.Load() {
			p.degraded.Store(true)
			logger.WarnCtx(ctx, "poll channel degraded after %d consecutive failures: %v", failures, err)
		} else {
			logger.DebugCtx(ctx, "poll failed (%d/%d): %v", failures, p.budget, err)
		}
		return
	}

	if atomic.SwapInt32(&p.failures, 0) > 0 && p.degraded.Swap(false) {
		logger.InfoCtx(ctx, "poll channel recovered")
	}

	now := time.Now()
	for i := range resp.Sessions {
		rec := &resp.Sessions[i]
		if !rec.Kind.Valid() {
			logger.Warnf("poll snapshot carries unknown workload kind %q for cluster %s", rec.Kind, rec.Cluster)
			continue
		}
		// The store logs rejections; one bad record must not abort the rest
		// of the restatement.
		_ = p.st.Merge(rec.Key(), &rec.SessionUpdate, model.SourcePoll, now)
	}

	for _, sample := range resp.Health {
		if sample.CollectedAt.IsZero() {
			sample.CollectedAt = now
		}
		p.health.Record(sample)
	}
}
