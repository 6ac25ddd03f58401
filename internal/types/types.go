// Package types holds the domain types shared across the trading core:
// positions, trades, balances, analysis results and their enums.
package types

import "time"

// Direction is the side of a position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Sign returns +1 for LONG and -1 for SHORT, for PnL arithmetic.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// Action is a signal recommendation.
type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
	Hold Action = "HOLD"
)

// Direction maps a tradeable action to a position side.
func (a Action) Direction() Direction {
	if a == Sell {
		return Short
	}
	return Long
}

// TradeMode selects between the paper ledger and the live exchange.
type TradeMode string

const (
	ModeMock TradeMode = "MOCK"
	ModeLive TradeMode = "LIVE"
)

// WalletType is an exchange account partition with its own balance.
type WalletType string

const (
	WalletSpot    WalletType = "SPOT"
	WalletFutures WalletType = "FUTURES"
	WalletMargin  WalletType = "MARGIN"
	WalletFunding WalletType = "FUNDING"
)

// AllWalletTypes enumerates the partitions for categorized balance queries.
var AllWalletTypes = []WalletType{WalletSpot, WalletFutures, WalletMargin, WalletFunding}

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
)

// TradeStatus is the lifecycle state of an order submission.
type TradeStatus string

const (
	TradePending TradeStatus = "PENDING"
	TradeFilled  TradeStatus = "FILLED"
	TradeFailed  TradeStatus = "FAILED"
)

// CloseReason records why a position was closed.
type CloseReason string

const (
	CloseStopLoss     CloseReason = "stop_loss"
	CloseTrailingStop CloseReason = "trailing_stop"
	CloseProfitTarget CloseReason = "profit_target"
	CloseManual       CloseReason = "manual"
)

// Position is an open exposure on one symbol. It is owned by the store and
// mutated only through the execution gateway.
type Position struct {
	Symbol          string         `json:"symbol"`
	Direction       Direction      `json:"direction"`
	EntryPrice      float64        `json:"entry_price"`
	Quantity        float64        `json:"quantity"`
	OpenedAt        time.Time      `json:"opened_at"`
	Status          PositionStatus `json:"status"`
	TrailingArmed   bool           `json:"trailing_armed"`
	TrailingPeakPnL float64        `json:"trailing_peak_pnl"`
}

// UnrealizedPnL computes the mark-to-market profit at the given price.
func (p *Position) UnrealizedPnL(price float64) float64 {
	return (price - p.EntryPrice) * p.Quantity * p.Direction.Sign()
}

// Trade is one executed (or attempted) order. TradeID is the idempotency key.
type Trade struct {
	TradeID        string      `json:"trade_id"`
	Symbol         string      `json:"symbol"`
	Direction      Direction   `json:"direction"`
	RequestedPrice float64     `json:"requested_price"`
	ExecutedPrice  float64     `json:"executed_price"`
	Quantity       float64     `json:"quantity"`
	ExecutedQty    float64     `json:"executed_qty"`
	Mode           TradeMode   `json:"mode"`
	Status         TradeStatus `json:"status"`
	Reduce         bool        `json:"reduce"`
	Reason         CloseReason `json:"reason,omitempty"`
	RealizedPnL    float64     `json:"realized_pnl,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

// Balance is one asset's holdings in one wallet.
type Balance struct {
	Asset      string     `json:"asset"`
	Free       float64    `json:"free"`
	Locked     float64    `json:"locked"`
	Total      float64    `json:"total"`
	WalletType WalletType `json:"wallet_type"`
}

// SourceSignal is one signal source's recommendation for a symbol.
type SourceSignal struct {
	SourceID   string  `json:"source_id"`
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"`
}

// AnalysisResult is the aggregated outcome of one analysis cycle for a
// symbol. Read-only after creation.
type AnalysisResult struct {
	Symbol             string         `json:"symbol"`
	Signals            []SourceSignal `json:"signals"`
	CombinedConfidence float64        `json:"combined_confidence"`
	FinalAction        Action         `json:"final_action"`
	Price              float64        `json:"price"`
	Timestamp          time.Time      `json:"timestamp"`
}
