package flow

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/patrick-hofmann/koompl/internal/config"
	"github.com/patrick-hofmann/koompl/internal/store"
)

// Sweeper expires overdue flows. It also covers the restart case: flows
// whose deadline passed while the process was down are reconciled on
// the first pass.
type Sweeper struct {
	engine *Engine
	flows  store.FlowStore
	cfg    *config.Config
}

func NewSweeper(engine *Engine, flows store.FlowStore, cfg *config.Config) *Sweeper {
	return &Sweeper{engine: engine, flows: flows, cfg: cfg}
}

// Run blocks until ctx is done. Scheduling is either a fixed interval
// or, when SweepCron is set to a valid expression, a cron schedule.
func (s *Sweeper) Run(ctx context.Context) {
	flowsCfg := s.cfg.Snapshot().Flows

	cron := flowsCfg.SweepCron
	if cron != "" && !gronx.New().IsValid(cron) {
		slog.Warn("sweeper.invalid_cron", "expr", cron)
		cron = ""
	}

	// First pass immediately, for restart reconciliation.
	s.sweep(ctx)

	for {
		var wait time.Duration
		if cron != "" {
			next, err := gronx.NextTick(cron, false)
			if err != nil {
				slog.Warn("sweeper.next_tick_failed", "expr", cron, "error", err)
				wait = flowsCfg.SweepInterval()
			} else {
				wait = time.Until(next)
			}
		} else {
			wait = flowsCfg.SweepInterval()
		}
		if wait <= 0 {
			wait = time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	active, err := s.flows.ListActive(ctx)
	if err != nil {
		slog.Error("sweeper.list_failed", "error", err)
		return
	}

	now := time.Now().UTC()
	expired := 0
	for i := range active {
		f := &active[i]
		if !f.Expired(now) {
			continue
		}
		if err := s.engine.Expire(ctx, f.ID); err != nil {
			slog.Warn("sweeper.expire_failed", "flow", f.ID, "error", err)
			continue
		}
		expired++
	}
	if expired > 0 {
		slog.Info("sweeper.pass", "scanned", len(active), "expired", expired)
	}
}
