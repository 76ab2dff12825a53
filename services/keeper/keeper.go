package keeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"workescrow/crypto"
	"workescrow/native/escrow"
	"workescrow/observability/metrics"
)

// Engine is the slice of the escrow engine the keeper drives.
type Engine interface {
	List(ctx context.Context, filter escrow.Filter) ([]escrow.Entry, error)
	TriggerAutoRelease(loc escrow.CustodyLocation, caller crypto.Identity) error
}

// SweepResult tallies one pass over the ledger.
type SweepResult struct {
	Expired  int
	Released int
	Skipped  int
	Failed   int
}

// Keeper periodically releases expired agreements on behalf of freelancers.
// Auto-release is permissionless, so the keeper needs no special authority;
// its identity is only recorded on the emitted events.
type Keeper struct {
	engine       Engine
	identity     crypto.Identity
	pollInterval time.Duration
	logger       *slog.Logger
	metrics      *metrics.EscrowMetrics
}

// New constructs a keeper with a 30 second poll interval.
func New(engine Engine, identity crypto.Identity, logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		engine:       engine,
		identity:     identity,
		pollInterval: 30 * time.Second,
		logger:       logger.With(slog.String("component", "keeper")),
		metrics:      metrics.Escrow(),
	}
}

// SetPollInterval overrides the sweep cadence. Non-positive values are ignored.
func (k *Keeper) SetPollInterval(d time.Duration) {
	if d > 0 {
		k.pollInterval = d
	}
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) {
	if k == nil || k.engine == nil {
		return
	}
	k.logger.Info("keeper started",
		slog.String("identity", k.identity.String()),
		slog.Duration("interval", k.pollInterval))
	k.sweepAndLog(ctx)

	ticker := time.NewTicker(k.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			k.logger.Info("keeper stopped")
			return
		case <-ticker.C:
			k.sweepAndLog(ctx)
		}
	}
}

func (k *Keeper) sweepAndLog(ctx context.Context) {
	started := time.Now()
	result, err := k.Sweep(ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if ctx.Err() == nil {
			k.logger.Warn("keeper sweep failed", slog.String("error", err.Error()))
		}
	} else if result.Expired > 0 {
		k.logger.Info("keeper sweep finished",
			slog.Int("expired", result.Expired),
			slog.Int("released", result.Released),
			slog.Int("skipped", result.Skipped),
			slog.Int("failed", result.Failed))
	}
	k.metrics.ObserveKeeperSweep(outcome, result.Expired, time.Since(started))
}

// Sweep lists every agreement and triggers auto-release on the expired ones.
// Lost races with approvals or other keepers are counted as skipped.
func (k *Keeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	entries, err := k.engine.List(ctx, escrow.Filter{})
	if err != nil {
		return result, err
	}
	for _, entry := range entries {
		if entry.State != escrow.StateExpired {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Expired++
		err := k.engine.TriggerAutoRelease(entry.Location, k.identity)
		switch {
		case err == nil:
			result.Released++
			k.metrics.ObserveKeeperRelease("released")
			k.logger.Info("auto-released escrow",
				slog.String("location", entry.Location.String()),
				slog.String("agreement_id", entry.Escrow.AgreementID))
		case errors.Is(err, escrow.ErrAlreadyReleased), errors.Is(err, escrow.ErrConflict):
			result.Skipped++
			k.metrics.ObserveKeeperRelease("skipped")
		default:
			result.Failed++
			k.metrics.ObserveKeeperRelease("failed")
			k.logger.Warn("auto-release failed",
				slog.String("location", entry.Location.String()),
				slog.String("kind", escrow.KindOf(err)),
				slog.String("error", err.Error()))
		}
	}
	return result, nil
}
