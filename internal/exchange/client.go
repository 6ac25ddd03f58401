// Package exchange defines the order-placement and market-data boundary and
// provides the live REST client plus a deterministic mock used for paper
// trading and tests.
package exchange

import (
	"context"
	"errors"

	"tradepilot/internal/types"
)

// Sentinel errors surfaced across the exchange boundary.
var (
	ErrExchange            = errors.New("exchange error")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrConnection          = errors.New("connection error")
)

// OrderReq is a normalized order request.
type OrderReq struct {
	Symbol     string
	Side       types.Action // BUY or SELL
	Quantity   float64
	Price      float64 // reference price; orders are placed as MARKET
	ReduceOnly bool
}

// Fill is the normalized outcome of a placed order.
type Fill struct {
	OrderID       string
	ExecutedPrice float64
	ExecutedQty   float64
}

// PriceSource supplies the current price for a symbol.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (float64, error)
}

// Client is the exchange boundary: order placement, balances and market
// data. The live implementation talks REST to the exchange; the mock keeps
// an in-memory ledger.
type Client interface {
	PriceSource
	Place(ctx context.Context, req OrderReq) (Fill, error)
	Balance(ctx context.Context, asset string, wallet types.WalletType) (types.Balance, error)
	Balances(ctx context.Context, wallet types.WalletType) ([]types.Balance, error)
	Klines(ctx context.Context, symbol string, limit int) ([]float64, error)
}
