// Package balance resolves wallet-aware balances, abstracting over mock and
// live trading modes and the exchange's wallet partitions.
package balance

import (
	"context"

	"tradepilot/internal/exchange"
	"tradepilot/internal/types"
)

// DefaultWallet is the wallet used for trading when a query does not name
// one explicitly.
const DefaultWallet = types.WalletFutures

// Resolver answers balance queries for the active trading mode. In MOCK
// mode every wallet reports the fixed paper balance; in LIVE mode values
// come from the exchange per wallet.
type Resolver struct {
	mock *exchange.Mock
	live exchange.Client
}

func NewResolver(mock *exchange.Mock, live exchange.Client) *Resolver {
	return &Resolver{mock: mock, live: live}
}

func (r *Resolver) client(mode types.TradeMode) exchange.Client {
	if mode == types.ModeLive && r.live != nil {
		return r.live
	}
	return r.mock
}

// Get returns one asset's balance. An empty wallet resolves to the default
// trading wallet; MOCK mode ignores the wallet entirely.
func (r *Resolver) Get(ctx context.Context, asset string, mode types.TradeMode, wallet types.WalletType) (types.Balance, error) {
	if wallet == "" {
		wallet = DefaultWallet
	}
	return r.client(mode).Balance(ctx, asset, wallet)
}

// GetAll enumerates all balances in the default trading wallet.
func (r *Resolver) GetAll(ctx context.Context, mode types.TradeMode) ([]types.Balance, error) {
	return r.client(mode).Balances(ctx, DefaultWallet)
}

// GetCategorized enumerates SPOT/FUTURES/MARGIN/FUNDING independently,
// without defaulting any wallet.
func (r *Resolver) GetCategorized(ctx context.Context, mode types.TradeMode) (map[types.WalletType][]types.Balance, error) {
	out := make(map[types.WalletType][]types.Balance, len(types.AllWalletTypes))
	for _, w := range types.AllWalletTypes {
		balances, err := r.client(mode).Balances(ctx, w)
		if err != nil {
			return nil, err
		}
		out[w] = balances
	}
	return out, nil
}
