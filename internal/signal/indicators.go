package signal

import (
	"context"
	"fmt"
	"math"

	"tradepilot/internal/exchange"
	"tradepilot/internal/types"
)

// RSI computes the Relative Strength Index over the given period using
// Wilder's smoothing. Returns 50 when there is not enough history to say
// anything.
func RSI(prices []float64, period int) float64 {
	if len(prices) < period+1 {
		return 50.0
	}

	gains := make([]float64, 0, len(prices)-1)
	losses := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains = append(gains, change)
			losses = append(losses, 0)
		} else {
			gains = append(gains, 0)
			losses = append(losses, math.Abs(change))
		}
	}

	avgGain, avgLoss := 0.0, 0.0
	for i := 0; i < period; i++ {
		avgGain += gains[i]
		avgLoss += losses[i]
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	for i := period; i < len(gains); i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50.0
		}
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

// EMA computes the exponential moving average over the given period,
// seeded with the SMA of the first period values.
func EMA(prices []float64, period int) float64 {
	if len(prices) < period {
		return 0
	}

	sum := 0.0
	for _, p := range prices[:period] {
		sum += p
	}
	ema := sum / float64(period)

	multiplier := 2.0 / float64(period+1)
	for _, p := range prices[period:] {
		ema = (p-ema)*multiplier + ema
	}
	return ema
}

// MACD computes the MACD line (EMA12-EMA26), its signal line and the
// histogram. The signal line is a true EMA(9) over the MACD series, not the
// flat-factor shortcut some implementations use.
func MACD(prices []float64) (macd, signalLine, histogram float64) {
	if len(prices) < 26 {
		return 0, 0, 0
	}

	macd = EMA(prices, 12) - EMA(prices, 26)

	macdSeries := make([]float64, 0, len(prices)-25)
	for i := 26; i <= len(prices); i++ {
		window := prices[:i]
		macdSeries = append(macdSeries, EMA(window, 12)-EMA(window, 26))
	}
	if len(macdSeries) >= 9 {
		signalLine = EMA(macdSeries, 9)
	}
	return macd, signalLine, macd - signalLine
}

// IndicatorSource derives a recommendation from RSI(14) and MACD(12,26,9)
// over recent closes fetched from the market-data provider. It needs no
// network beyond the price history and therefore serves as the always-on
// local source.
type IndicatorSource struct {
	id     string
	client exchange.Client
}

func NewIndicatorSource(id string, client exchange.Client) *IndicatorSource {
	return &IndicatorSource{id: id, client: client}
}

func (s *IndicatorSource) ID() string { return s.id }

// Evaluate maps oversold/overbought RSI readings and the MACD histogram
// sign to an action. Confidence scales with how far RSI sits from neutral,
// reinforced when MACD agrees.
func (s *IndicatorSource) Evaluate(ctx context.Context, symbol string) (types.SourceSignal, error) {
	closes, err := s.client.Klines(ctx, symbol, 100)
	if err != nil {
		return types.SourceSignal{}, fmt.Errorf("indicator source: %w", err)
	}
	if len(closes) < 15 {
		return types.SourceSignal{
			SourceID:   s.id,
			Action:     types.Hold,
			Confidence: 0,
		}, nil
	}

	rsi := RSI(closes, 14)
	_, _, histogram := MACD(closes)

	action := types.Hold
	confidence := 0.0
	switch {
	case rsi <= 30:
		action = types.Buy
		confidence = 0.5 + (30-rsi)/60 // 0.5 at RSI 30 up to 1.0 at RSI 0
	case rsi >= 70:
		action = types.Sell
		confidence = 0.5 + (rsi-70)/60
	}

	if action == types.Buy && histogram > 0 || action == types.Sell && histogram < 0 {
		confidence = clamp01(confidence + 0.1)
	}

	return types.SourceSignal{
		SourceID:   s.id,
		Action:     action,
		Confidence: clamp01(confidence),
	}, nil
}
