// Package signal provides the pluggable signal sources and the aggregation
// of their per-symbol recommendations into one combined decision.
package signal

import (
	"time"

	"tradepilot/internal/types"
)

// Aggregate merges the responding sources' recommendations into one
// AnalysisResult. Combined confidence is the mean confidence over responding
// sources only; absent sources are excluded from both numerator and
// denominator. The final action is a confidence-weighted majority vote with
// ties resolved to HOLD. Zero responders yield HOLD at confidence 0.
//
// The function is pure: same inputs, same output.
func Aggregate(symbol string, price float64, signals []types.SourceSignal, now time.Time) types.AnalysisResult {
	res := types.AnalysisResult{
		Symbol:      symbol,
		Signals:     signals,
		FinalAction: types.Hold,
		Price:       price,
		Timestamp:   now,
	}
	if len(signals) == 0 {
		return res
	}

	var sum float64
	weights := map[types.Action]float64{}
	for _, s := range signals {
		c := clamp01(s.Confidence)
		sum += c
		weights[s.Action] += c
	}
	res.CombinedConfidence = clamp01(sum / float64(len(signals)))

	best := types.Hold
	bestWeight := weights[types.Hold]
	tied := false
	for _, a := range []types.Action{types.Buy, types.Sell} {
		switch {
		case weights[a] > bestWeight:
			best, bestWeight, tied = a, weights[a], false
		case weights[a] == bestWeight && weights[a] > 0 && a != best:
			tied = true
		}
	}
	if tied {
		best = types.Hold
	}
	res.FinalAction = best
	return res
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
