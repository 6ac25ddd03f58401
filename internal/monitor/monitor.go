// Package monitor supervises open positions. On every price update it
// re-evaluates stop-loss, trailing-stop and profit-target rules in that
// order and routes any close through the execution gateway, reduce-only.
package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tradepilot/internal/cfg"
	"tradepilot/internal/exchange"
	"tradepilot/internal/gateway"
	"tradepilot/internal/store"
	"tradepilot/internal/types"
)

type Monitor struct {
	cfg     cfg.BotConfig
	store   *store.Store
	gateway *gateway.Gateway
	prices  exchange.PriceSource
}

func New(c cfg.BotConfig, st *store.Store, gw *gateway.Gateway, prices exchange.PriceSource) *Monitor {
	return &Monitor{cfg: c, store: st, gateway: gw, prices: prices}
}

// Run polls every open position until the context is cancelled. Positions
// already in drawdown are re-polled on a tighter interval so the downside
// between checks stays bounded below the general monitoring cadence.
func (m *Monitor) Run(ctx context.Context) {
	if !m.cfg.MonitorOpenTrades {
		log.Info().Msg("position monitoring disabled")
		<-ctx.Done()
		return
	}

	interval := m.cfg.MonitorInterval()
	fast := interval / 4
	if fast < time.Second {
		fast = time.Second
	}

	log.Info().Dur("interval", interval).Msg("position monitor started")
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("position monitor stopped")
			return
		case <-timer.C:
			inDrawdown := m.sweep(ctx)
			if inDrawdown {
				timer.Reset(fast)
			} else {
				timer.Reset(interval)
			}
		}
	}
}

// sweep evaluates every open position once and reports whether any remain
// in drawdown past the loss-check granularity.
func (m *Monitor) sweep(ctx context.Context) bool {
	inDrawdown := false
	for _, pos := range m.store.OpenPositions() {
		if pos.Status != types.PositionOpen {
			continue
		}
		price, err := m.prices.Price(ctx, pos.Symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("price fetch failed, skipping position this sweep")
			continue
		}
		if m.Check(ctx, pos.Symbol, price) {
			continue // closed, nothing more to watch
		}
		if p, ok := m.store.Position(pos.Symbol); ok {
			lossPct := -p.UnrealizedPnL(price) / (p.EntryPrice * p.Quantity) * 100
			if lossPct >= m.cfg.LossCheckPercent {
				inDrawdown = true
			}
		}
	}
	return inDrawdown
}

// Check applies the exit rules to one position at the given price and
// reports whether it initiated a close. Rules run in contract order:
// stop-loss, then trailing stop, then profit target.
func (m *Monitor) Check(ctx context.Context, symbol string, price float64) bool {
	pos, ok := m.store.Position(symbol)
	if !ok || pos.Status != types.PositionOpen {
		return false
	}

	pnl := pos.UnrealizedPnL(price)

	// 1. Stop-loss: loss threshold derived from the configured percent of
	// the position's entry notional.
	stopLoss := m.cfg.StopLossPercent / 100 * pos.EntryPrice * pos.Quantity
	if m.cfg.StopLossPercent > 0 && pnl <= -stopLoss {
		return m.close(ctx, symbol, price, types.CloseStopLoss, pnl)
	}

	// 2. Trailing stop: arm on the trigger, ratchet the peak upward only,
	// close on retracement from the peak.
	if m.cfg.TrailingEnabled {
		armed, peak := pos.TrailingArmed, pos.TrailingPeakPnL
		if !armed && pnl >= m.cfg.TrailingTriggerUSD {
			armed, peak = true, pnl
			m.store.UpdateTrailing(symbol, true, peak)
			log.Info().Str("symbol", symbol).Float64("pnl", pnl).Msg("trailing stop armed")
		} else if armed && pnl > peak {
			peak = pnl
			m.store.UpdateTrailing(symbol, true, peak)
		}
		if armed && peak-pnl >= m.cfg.TrailingDistUSD {
			return m.close(ctx, symbol, price, types.CloseTrailingStop, pnl)
		}
	}

	// 3. Profit target: inside the band, or past the floor when no ceiling
	// is configured.
	if m.cfg.ProfitTargetMin > 0 && pnl >= m.cfg.ProfitTargetMin {
		if m.cfg.ProfitTargetMax == 0 || pnl <= m.cfg.ProfitTargetMax {
			return m.close(ctx, symbol, price, types.CloseProfitTarget, pnl)
		}
	}

	return false
}

func (m *Monitor) close(ctx context.Context, symbol string, price float64, reason types.CloseReason, pnl float64) bool {
	// CLOSING guard: a concurrent closer backs off here.
	if !m.store.MarkClosing(symbol) {
		return false
	}

	log.Info().Str("symbol", symbol).Str("reason", string(reason)).
		Float64("price", price).Float64("pnl", pnl).Msg("auto-close triggered")

	_, err := m.gateway.Close(ctx, gateway.CloseReq{
		TradeID: uuid.NewString(),
		Symbol:  symbol,
		Price:   price,
		Mode:    m.cfg.Mode,
		Reason:  reason,
	})
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Msg("auto-close failed, position stays open")
		return false
	}
	return true
}
