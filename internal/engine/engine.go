// Package engine turns analysis results into trade submissions. It applies
// the confidence threshold, concurrency and daily caps, cooldowns, optional
// manual-approval gating and pre-entry reconfirmation, then sizes and
// submits the order through the execution gateway.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tradepilot/internal/balance"
	"tradepilot/internal/cfg"
	"tradepilot/internal/exchange"
	"tradepilot/internal/gateway"
	"tradepilot/internal/metrics"
	"tradepilot/internal/store"
	"tradepilot/internal/types"
)

// ErrRejected marks a decision that failed one of the gates. It is the
// normal no-trade outcome, not a fault.
var ErrRejected = errors.New("decision rejected")

// ErrPendingApproval marks a decision parked for manual confirmation.
var ErrPendingApproval = errors.New("decision pending manual approval")

// PendingDecision is a trade waiting for external confirmation in manual
// approval mode.
type PendingDecision struct {
	ID        string               `json:"id"`
	Analysis  types.AnalysisResult `json:"analysis"`
	CreatedAt time.Time            `json:"created_at"`
	ExpiresAt time.Time            `json:"expires_at"`
}

type Engine struct {
	cfg      cfg.BotConfig
	store    *store.Store
	gateway  *gateway.Gateway
	balances *balance.Resolver
	prices   exchange.PriceSource
	metrics  *metrics.Metrics

	mu      sync.Mutex
	pending map[string]PendingDecision
}

func New(c cfg.BotConfig, st *store.Store, gw *gateway.Gateway, bal *balance.Resolver, prices exchange.PriceSource, m *metrics.Metrics) *Engine {
	return &Engine{
		cfg:      c,
		store:    st,
		gateway:  gw,
		balances: bal,
		prices:   prices,
		metrics:  m,
		pending:  make(map[string]PendingDecision),
	}
}

// Evaluate runs the decision gates over one analysis result. A rejection is
// returned as ErrRejected with the reason wrapped; in manual approval mode
// an accepted decision is queued instead of executed.
func (e *Engine) Evaluate(ctx context.Context, res types.AnalysisResult) (types.Trade, error) {
	if err := e.gate(res); err != nil {
		log.Debug().Err(err).Str("symbol", res.Symbol).Msg("trade decision rejected")
		return types.Trade{}, err
	}

	if e.cfg.ManualApprovalMode {
		d := PendingDecision{
			ID:        uuid.NewString(),
			Analysis:  res,
			CreatedAt: time.Now(),
			ExpiresAt: time.Now().Add(e.cfg.ApprovalTTL()),
		}
		e.mu.Lock()
		e.pending[d.ID] = d
		e.metrics.DecisionsPending.Set(float64(len(e.pending)))
		e.mu.Unlock()
		log.Info().Str("decision_id", d.ID).Str("symbol", res.Symbol).
			Str("action", string(res.FinalAction)).
			Msg("decision queued for manual approval")
		return types.Trade{}, ErrPendingApproval
	}

	return e.submit(ctx, res)
}

// gate checks the cheap rejections that need no network round trip.
func (e *Engine) gate(res types.AnalysisResult) error {
	if res.FinalAction == types.Hold {
		return fmt.Errorf("%w: action is HOLD", ErrRejected)
	}
	if res.CombinedConfidence < e.cfg.AIConfidenceThreshold {
		return fmt.Errorf("%w: confidence %.2f below threshold %.2f",
			ErrRejected, res.CombinedConfidence, e.cfg.AIConfidenceThreshold)
	}
	if open := e.store.OpenPositionCount(); open >= e.cfg.MaxConcurrentTrades {
		return fmt.Errorf("%w: %d positions open, cap is %d", ErrRejected, open, e.cfg.MaxConcurrentTrades)
	}
	if today := e.store.TradesToday(); today >= e.cfg.MaxTradesPerDay {
		return fmt.Errorf("%w: %d trades today, cap is %d", ErrRejected, today, e.cfg.MaxTradesPerDay)
	}
	if e.store.InCooldown(res.Symbol) {
		return fmt.Errorf("%w: %s in post-close cooldown", ErrRejected, res.Symbol)
	}
	if _, open := e.store.Position(res.Symbol); open {
		return fmt.Errorf("%w: position already open for %s", ErrRejected, res.Symbol)
	}
	return nil
}

// submit sizes the order and hands it to the gateway with a fresh trade id.
func (e *Engine) submit(ctx context.Context, res types.AnalysisResult) (types.Trade, error) {
	price := res.Price

	if e.cfg.ReconfirmEntry {
		current, err := e.prices.Price(ctx, res.Symbol)
		if err != nil {
			return types.Trade{}, fmt.Errorf("reconfirm price: %w", err)
		}
		moved := math.Abs(current-price) / price * 100
		if moved > e.cfg.SlippagePercent {
			return types.Trade{}, fmt.Errorf("%w: price moved %.2f%%, tolerance %.2f%%",
				ErrRejected, moved, e.cfg.SlippagePercent)
		}
		price = current
	}
	if price <= 0 {
		return types.Trade{}, fmt.Errorf("%w: no usable price for %s", ErrRejected, res.Symbol)
	}

	bal, err := e.balances.Get(ctx, e.cfg.QuoteAsset, e.cfg.Mode, "")
	if err != nil {
		return types.Trade{}, fmt.Errorf("balance lookup: %w", err)
	}

	amount := e.cfg.TradeAmountUSDT
	if e.cfg.RiskPerTradePercent > 0 {
		amount = bal.Free * e.cfg.RiskPerTradePercent / 100
	}
	if amount <= 0 || bal.Free < amount {
		return types.Trade{}, fmt.Errorf("%w: need %.2f %s, have %.2f",
			exchange.ErrInsufficientBalance, amount, e.cfg.QuoteAsset, bal.Free)
	}

	return e.gateway.Open(ctx, gateway.OpenReq{
		TradeID:   uuid.NewString(),
		Symbol:    res.Symbol,
		Direction: res.FinalAction.Direction(),
		Quantity:  amount / price,
		Price:     price,
		Mode:      e.cfg.Mode,
	})
}

// Pending lists decisions still awaiting approval, dropping expired ones.
func (e *Engine) Pending() []PendingDecision {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	out := make([]PendingDecision, 0, len(e.pending))
	for id, d := range e.pending {
		if now.After(d.ExpiresAt) {
			delete(e.pending, id)
			continue
		}
		out = append(out, d)
	}
	e.metrics.DecisionsPending.Set(float64(len(e.pending)))
	return out
}

// Approve executes a queued decision. The gates are re-checked: conditions
// may have changed while the decision waited.
func (e *Engine) Approve(ctx context.Context, id string) (types.Trade, error) {
	e.mu.Lock()
	d, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.metrics.DecisionsPending.Set(float64(len(e.pending)))
	e.mu.Unlock()

	if !ok {
		return types.Trade{}, fmt.Errorf("unknown decision %s", id)
	}
	if time.Now().After(d.ExpiresAt) {
		return types.Trade{}, fmt.Errorf("%w: decision %s expired", ErrRejected, id)
	}
	if err := e.gate(d.Analysis); err != nil {
		return types.Trade{}, err
	}
	return e.submit(ctx, d.Analysis)
}

// Reject drops a queued decision.
func (e *Engine) Reject(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[id]; !ok {
		return fmt.Errorf("unknown decision %s", id)
	}
	delete(e.pending, id)
	e.metrics.DecisionsPending.Set(float64(len(e.pending)))
	return nil
}
