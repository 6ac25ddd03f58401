package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"tradepilot/internal/types"
)

// Mock is the deterministic paper-trading exchange. Orders fill exactly at
// the requested price with no slippage or fees, and every wallet reports
// the same fixed starting balance, so paper runs replay identically.
type Mock struct {
	mu       sync.RWMutex
	prices   map[string]float64
	closes   map[string][]float64
	starting float64
	quote    string

	failNext error // injected failure for the next Place call
}

func NewMock(startingBalance float64, quoteAsset string) *Mock {
	return &Mock{
		prices:   make(map[string]float64),
		closes:   make(map[string][]float64),
		starting: startingBalance,
		quote:    quoteAsset,
	}
}

// SetPrice installs the current price for a symbol and appends it to the
// close history used by Klines.
func (m *Mock) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
	m.closes[symbol] = append(m.closes[symbol], price)
	if len(m.closes[symbol]) > 500 {
		m.closes[symbol] = m.closes[symbol][len(m.closes[symbol])-500:]
	}
}

// FailNext makes the next Place call return err, for failure-path tests.
func (m *Mock) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *Mock) Place(_ context.Context, req OrderReq) (Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return Fill{}, err
	}
	price := req.Price
	if price == 0 {
		price = m.prices[req.Symbol]
	}
	if price == 0 {
		return Fill{}, fmt.Errorf("%w: no price for %s", ErrExchange, req.Symbol)
	}
	return Fill{
		OrderID:       uuid.NewString(),
		ExecutedPrice: price,
		ExecutedQty:   req.Quantity,
	}, nil
}

func (m *Mock) Price(_ context.Context, symbol string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: no price for %s", ErrConnection, symbol)
	}
	return p, nil
}

// Balance returns the fixed starting balance for every wallet type,
// regardless of which is asked for.
func (m *Mock) Balance(_ context.Context, asset string, wallet types.WalletType) (types.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0.0
	if asset == m.quote {
		total = m.starting
	}
	return types.Balance{
		Asset:      asset,
		Free:       total,
		Total:      total,
		WalletType: wallet,
	}, nil
}

func (m *Mock) Balances(ctx context.Context, wallet types.WalletType) ([]types.Balance, error) {
	b, err := m.Balance(ctx, m.quote, wallet)
	if err != nil {
		return nil, err
	}
	return []types.Balance{b}, nil
}

func (m *Mock) Klines(_ context.Context, symbol string, limit int) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	closes := m.closes[symbol]
	if len(closes) > limit && limit > 0 {
		closes = closes[len(closes)-limit:]
	}
	out := make([]float64, len(closes))
	copy(out, closes)
	return out, nil
}
