// Package sched drives the periodic per-symbol analysis cadence. Each cycle
// collects signals from the configured sources under a bounded wait,
// aggregates them, and hands the result to the decision engine. Failures in
// one symbol's cycle are isolated: they never cancel the scheduler or touch
// sibling symbols.
package sched

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"tradepilot/internal/cfg"
	"tradepilot/internal/engine"
	"tradepilot/internal/exchange"
	"tradepilot/internal/metrics"
	"tradepilot/internal/signal"
	"tradepilot/internal/storage"
	"tradepilot/internal/store"
	"tradepilot/internal/types"
)

type Scheduler struct {
	cfg     cfg.BotConfig
	store   *store.Store
	engine  *engine.Engine
	sources []signal.Source
	prices  exchange.PriceSource
	history *storage.Store // nil disables analysis log persistence
	metrics *metrics.Metrics
}

func New(c cfg.BotConfig, st *store.Store, eng *engine.Engine, sources []signal.Source, prices exchange.PriceSource, history *storage.Store, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		cfg:     c,
		store:   st,
		engine:  eng,
		sources: sources,
		prices:  prices,
		history: history,
		metrics: m,
	}
}

// Run ticks on the configured cadence until the context is cancelled. The
// first sweep runs immediately.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.cfg.TradeInterval()
	log.Info().Dur("interval", interval).Strs("pairs", s.cfg.AllowedPairs).Msg("analysis scheduler started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("analysis scheduler stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one analysis cycle for every allowed pair.
func (s *Scheduler) sweep(ctx context.Context) {
	for _, symbol := range s.cfg.AllowedPairs {
		if ctx.Err() != nil {
			return
		}
		s.analyzeSymbol(ctx, symbol)
	}
}

// analyzeSymbol runs one symbol's cycle with panic isolation so a fault in
// one symbol cannot take down the loop or its siblings.
func (s *Scheduler) analyzeSymbol(ctx context.Context, symbol string) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.ErrorsTotal.Inc()
			log.Error().Interface("panic", r).Str("symbol", symbol).Msg("analysis cycle panicked, isolated")
		}
	}()

	if skip, why := s.shouldSkip(symbol); skip {
		s.metrics.AnalysesSkipped.Inc()
		log.Debug().Str("symbol", symbol).Str("reason", why).Msg("analysis skipped")
		return
	}

	price, err := s.prices.Price(ctx, symbol)
	if err != nil {
		s.metrics.ErrorsTotal.Inc()
		log.Warn().Err(err).Str("symbol", symbol).Msg("price unavailable, skipping cycle")
		return
	}

	started := time.Now()
	signals := signal.Collect(ctx, s.sources, symbol, s.cfg.SourceTimeout(), s.metrics.SourceTimeouts.Inc)
	s.metrics.SourceLatency.Observe(time.Since(started).Seconds())

	res := signal.Aggregate(symbol, price, signals, time.Now())
	s.store.MarkAnalyzed(res)
	s.metrics.AnalysesTotal.Inc()

	if s.history != nil {
		if err := s.history.StoreAnalysis(res); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("failed to persist analysis log")
		}
	}

	log.Info().
		Str("symbol", symbol).
		Str("action", string(res.FinalAction)).
		Float64("confidence", res.CombinedConfidence).
		Int("sources", len(signals)).
		Msg("analysis complete")

	if _, err := s.engine.Evaluate(ctx, res); err != nil {
		switch {
		case errors.Is(err, engine.ErrRejected), errors.Is(err, engine.ErrPendingApproval):
			// normal no-trade outcomes, already logged by the engine
		default:
			s.metrics.ErrorsTotal.Inc()
			log.Warn().Err(err).Str("symbol", symbol).Msg("trade submission failed")
		}
	}
}

// shouldSkip applies the cadence skip rules for one symbol.
func (s *Scheduler) shouldSkip(symbol string) (bool, string) {
	if pos, open := s.store.Position(symbol); open && pos.Status != types.PositionClosed && s.cfg.MonitorOpenTrades {
		// The monitor already supervises this symbol's exit; re-analysis
		// would be redundant.
		return true, "position open and monitored"
	}
	if s.store.InReanalysisCooldown(symbol, s.cfg.ReanalysisCooldown()) {
		return true, "reanalysis cooldown"
	}
	if s.store.InCooldown(symbol) {
		return true, "post-close cooldown"
	}
	return false, ""
}
