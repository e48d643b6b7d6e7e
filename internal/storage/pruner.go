package storage

import (
	"context"
	"log/slog"
	"time"

	"github.com/mistakeknot/interject/internal/clock"
)

// Pruner periodically deletes actions older than the retention period.
// Budgets only look back 24h, so anything older is audit history.
type Pruner struct {
	store     Store
	clock     clock.Clock
	logger    *slog.Logger
	interval  time.Duration
	retention time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewPruner(store Store, clk clock.Clock, logger *slog.Logger, interval, retention time.Duration) *Pruner {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if retention < 24*time.Hour {
		retention = 24 * time.Hour
	}
	return &Pruner{
		store:     store,
		clock:     clock.OrReal(clk),
		logger:    logger.With("component", "pruner"),
		interval:  interval,
		retention: retention,
		done:      make(chan struct{}),
	}
}

// Start prunes once, then on every interval until Stop or ctx ends.
func (p *Pruner) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go func() {
		defer close(p.done)
		p.Run(ctx)
	}()
}

// Run blocks until ctx is done.
func (p *Pruner) Run(ctx context.Context) error {
	p.prune(ctx)
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			p.prune(ctx)
		}
	}
}

func (p *Pruner) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *Pruner) prune(ctx context.Context) {
	cutoff := p.clock.Now().Add(-p.retention)
	n, err := p.store.PruneActions(ctx, cutoff)
	if err != nil {
		p.logger.Warn("action_prune_failed", "error", err)
		return
	}
	if n > 0 {
		p.logger.Info("action_prune_ok", "deleted", n, "cutoff", cutoff)
	}
}
