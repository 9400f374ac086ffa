package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/metrics"
	"github.com/KingOfTheAce2/kdp-research-suite--nklytics/internal/pipeline"
)

// PoolConfig controls the fan-out and the background janitor.
type PoolConfig struct {
	StaleTimeout    time.Duration
	ReclaimInterval time.Duration
	SweepInterval   time.Duration
}

// Pool fans a set of workers out over the shared queue and runs the janitor
// that reclaims stale claims and sweeps expired cache entries.
type Pool struct {
	workers []*Worker
	store   pipeline.Store
	cfg     PoolConfig
	logger  *zap.Logger
}

// NewPool constructs a Pool.
func NewPool(workers []*Worker, store pipeline.Store, cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = 5 * time.Minute
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{workers: workers, store: store, cfg: cfg, logger: logger}
}

// Run starts every worker plus the janitor and blocks until the context
// finishes and all of them have returned.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.janitor(ctx)
	}()
	p.logger.Info("worker pool started", zap.Int("workers", len(p.workers)))
	wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) janitor(ctx context.Context) {
	reclaim := time.NewTicker(p.cfg.ReclaimInterval)
	defer reclaim.Stop()
	sweep := time.NewTicker(p.cfg.SweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-reclaim.C:
			n, err := p.store.RequeueStale(ctx, p.cfg.StaleTimeout)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("stale reclaim failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				metrics.ObserveStaleReclaimed(n)
				p.logger.Warn("stale jobs returned to queue", zap.Int("count", n))
			}
		case <-sweep.C:
			n, err := p.store.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("cache sweep failed", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				p.logger.Debug("expired cache entries removed", zap.Int("count", n))
			}
		}
	}
}
