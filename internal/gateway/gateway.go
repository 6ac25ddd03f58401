// Package gateway is the single execution path for opening and closing
// positions. It normalizes paper and live execution into one result shape,
// owns idempotency per trade identifier, and is the only writer of position
// state in the shared store.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tradepilot/internal/exchange"
	"tradepilot/internal/metrics"
	"tradepilot/internal/storage"
	"tradepilot/internal/store"
	"tradepilot/internal/types"
)

// OpenReq asks for a new position. TradeID is the caller-supplied
// idempotency key; a retry with the same id returns the original outcome
// without re-executing.
type OpenReq struct {
	TradeID   string
	Symbol    string
	Direction types.Direction
	Quantity  float64
	Price     float64
	Mode      types.TradeMode
}

// CloseReq asks to close an existing position, reduce-only.
type CloseReq struct {
	TradeID string
	Symbol  string
	Price   float64
	Mode    types.TradeMode
	Reason  types.CloseReason
}

// Gateway executes trades against the mock ledger or the live exchange.
type Gateway struct {
	store    *store.Store
	mock     *exchange.Mock
	live     exchange.Client
	history  *storage.Store // nil disables persistence
	metrics  *metrics.Metrics
	cooldown time.Duration
	rollback bool

	mu       sync.Mutex
	results  map[string]*result
	reserved map[string]float64 // tradeID -> reserved notional, live opens only
	inFlight sync.WaitGroup
}

// result tracks one trade id's execution. done is closed when the trade
// reaches a terminal status, at which point the record is immutable.
type result struct {
	trade types.Trade
	done  chan struct{}
}

func New(st *store.Store, mock *exchange.Mock, live exchange.Client, history *storage.Store, m *metrics.Metrics, cooldown time.Duration, rollback bool) *Gateway {
	return &Gateway{
		store:    st,
		mock:     mock,
		live:     live,
		history:  history,
		metrics:  m,
		cooldown: cooldown,
		rollback: rollback,
		results:  make(map[string]*result),
		reserved: make(map[string]float64),
	}
}

// Wait blocks until every in-flight execution has completed. stop_bot uses
// it so a submitted live order is never abandoned mid-flight.
func (g *Gateway) Wait() { g.inFlight.Wait() }

func (g *Gateway) client(mode types.TradeMode) exchange.Client {
	if mode == types.ModeLive && g.live != nil {
		return g.live
	}
	return g.mock
}

// begin claims the trade id. If the id was seen before, begin blocks until
// the original execution reaches its terminal status and returns that
// outcome; a retry never observes a half-done placeholder.
func (g *Gateway) begin(tradeID string) (types.Trade, bool) {
	g.mu.Lock()
	if prev, ok := g.results[tradeID]; ok {
		g.mu.Unlock()
		<-prev.done
		return prev.trade, false
	}
	g.results[tradeID] = &result{done: make(chan struct{})}
	g.mu.Unlock()
	return types.Trade{}, true
}

func (g *Gateway) finish(t types.Trade) types.Trade {
	g.mu.Lock()
	r := g.results[t.TradeID]
	r.trade = t
	g.mu.Unlock()
	close(r.done)
	if g.history != nil && t.Status == types.TradeFilled {
		if err := g.history.StoreTrade(t); err != nil {
			log.Warn().Err(err).Str("trade_id", t.TradeID).Msg("failed to persist trade record")
		}
	}
	return t
}

// Open places an entry order and installs the resulting position. The whole
// mutation happens inside the symbol's exclusive section: no partial state
// is ever observable.
func (g *Gateway) Open(ctx context.Context, req OpenReq) (types.Trade, error) {
	if prev, fresh := g.begin(req.TradeID); !fresh {
		log.Debug().Str("trade_id", req.TradeID).Msg("duplicate open, returning original result")
		if prev.Status == types.TradeFailed {
			return prev, fmt.Errorf("%w: original submission failed", exchange.ErrExchange)
		}
		return prev, nil
	}

	g.inFlight.Add(1)
	defer g.inFlight.Done()

	trade := types.Trade{
		TradeID:        req.TradeID,
		Symbol:         req.Symbol,
		Direction:      req.Direction,
		RequestedPrice: req.Price,
		Quantity:       req.Quantity,
		Mode:           req.Mode,
		Status:         types.TradePending,
		Timestamp:      time.Now(),
	}

	var err error
	g.store.WithSymbol(req.Symbol, func() {
		if _, exists := g.store.Position(req.Symbol); exists {
			trade.Status = types.TradeFailed
			err = fmt.Errorf("position already open for %s", req.Symbol)
			return
		}

		side := types.Buy
		if req.Direction == types.Short {
			side = types.Sell
		}

		notional := req.Quantity * req.Price
		if req.Mode == types.ModeLive {
			g.mu.Lock()
			g.reserved[req.TradeID] = notional
			g.mu.Unlock()
		}

		fill, placeErr := g.client(req.Mode).Place(ctx, exchange.OrderReq{
			Symbol:   req.Symbol,
			Side:     side,
			Quantity: req.Quantity,
			Price:    req.Price,
		})
		if placeErr != nil {
			trade.Status = types.TradeFailed
			err = placeErr
			// Reverse the reservation so no position is recorded without a
			// confirmed fill.
			if req.Mode == types.ModeLive && g.rollback {
				g.releaseReservation(req.TradeID)
			}
			return
		}

		trade.Status = types.TradeFilled
		trade.ExecutedPrice = fill.ExecutedPrice
		trade.ExecutedQty = fill.ExecutedQty

		// The reservation is consumed by the confirmed fill.
		if req.Mode == types.ModeLive {
			g.mu.Lock()
			delete(g.reserved, req.TradeID)
			g.mu.Unlock()
		}

		g.store.SetPosition(types.Position{
			Symbol:     req.Symbol,
			Direction:  req.Direction,
			EntryPrice: fill.ExecutedPrice,
			Quantity:   fill.ExecutedQty,
			OpenedAt:   trade.Timestamp,
			Status:     types.PositionOpen,
		})
		g.store.RecordTrade(trade)
	})

	trade = g.finish(trade)
	if err != nil {
		g.metrics.OrdersFailed.Inc()
		log.Warn().Err(err).Str("trade_id", req.TradeID).Str("symbol", req.Symbol).Msg("open failed")
		return trade, err
	}

	g.metrics.OrdersTotal.Inc()
	g.metrics.OpenPositions.Set(float64(g.store.OpenPositionCount()))
	log.Info().
		Str("trade_id", req.TradeID).
		Str("symbol", req.Symbol).
		Str("direction", string(req.Direction)).
		Float64("qty", trade.ExecutedQty).
		Float64("price", trade.ExecutedPrice).
		Str("mode", string(req.Mode)).
		Msg("position opened")
	return trade, nil
}

// Close closes the symbol's position with reduce-only semantics: the close
// quantity is capped at the open position's quantity.
func (g *Gateway) Close(ctx context.Context, req CloseReq) (types.Trade, error) {
	if prev, fresh := g.begin(req.TradeID); !fresh {
		log.Debug().Str("trade_id", req.TradeID).Msg("duplicate close, returning original result")
		if prev.Status == types.TradeFailed {
			return prev, fmt.Errorf("%w: original submission failed", exchange.ErrExchange)
		}
		return prev, nil
	}

	g.inFlight.Add(1)
	defer g.inFlight.Done()

	trade := types.Trade{
		TradeID:        req.TradeID,
		Symbol:         req.Symbol,
		RequestedPrice: req.Price,
		Mode:           req.Mode,
		Status:         types.TradePending,
		Reduce:         true,
		Reason:         req.Reason,
		Timestamp:      time.Now(),
	}

	var err error
	g.store.WithSymbol(req.Symbol, func() {
		pos, ok := g.store.Position(req.Symbol)
		if !ok {
			trade.Status = types.TradeFailed
			err = fmt.Errorf("no open position for %s", req.Symbol)
			return
		}

		// Exit side is the opposite of the entry side.
		side := types.Sell
		if pos.Direction == types.Short {
			side = types.Buy
		}
		trade.Direction = pos.Direction
		trade.Quantity = pos.Quantity

		fill, placeErr := g.client(req.Mode).Place(ctx, exchange.OrderReq{
			Symbol:     req.Symbol,
			Side:       side,
			Quantity:   pos.Quantity,
			Price:      req.Price,
			ReduceOnly: true,
		})
		if placeErr != nil {
			trade.Status = types.TradeFailed
			err = placeErr
			return
		}

		// Reduce-only cap: never book more than was open.
		if fill.ExecutedQty > pos.Quantity {
			fill.ExecutedQty = pos.Quantity
		}

		trade.Status = types.TradeFilled
		trade.ExecutedPrice = fill.ExecutedPrice
		trade.ExecutedQty = fill.ExecutedQty
		trade.RealizedPnL = (fill.ExecutedPrice - pos.EntryPrice) * fill.ExecutedQty * pos.Direction.Sign()

		g.store.RemovePosition(req.Symbol, g.cooldown)
		g.store.RecordTrade(trade)
	})

	trade = g.finish(trade)
	if err != nil {
		g.metrics.OrdersFailed.Inc()
		g.store.ReopenClosing(req.Symbol)
		log.Warn().Err(err).Str("trade_id", req.TradeID).Str("symbol", req.Symbol).Msg("close failed")
		return trade, err
	}

	g.metrics.OrdersTotal.Inc()
	g.metrics.PositionsClosed.WithLabelValues(string(req.Reason)).Inc()
	g.metrics.OpenPositions.Set(float64(g.store.OpenPositionCount()))
	g.metrics.RealizedPnL.Set(g.store.RealizedPnL())
	log.Info().
		Str("trade_id", req.TradeID).
		Str("symbol", req.Symbol).
		Str("reason", string(req.Reason)).
		Float64("pnl", trade.RealizedPnL).
		Str("mode", string(req.Mode)).
		Msg("position closed")
	return trade, nil
}

func (g *Gateway) releaseReservation(tradeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if notional, ok := g.reserved[tradeID]; ok {
		delete(g.reserved, tradeID)
		log.Info().Str("trade_id", tradeID).Float64("notional", notional).Msg("reservation rolled back")
	}
}

// ReservedNotional reports the total balance currently reserved by
// in-flight live opens.
func (g *Gateway) ReservedNotional() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	var sum float64
	for _, n := range g.reserved {
		sum += n
	}
	return sum
}
