package signal

import (
	"context"
	"testing"
	"time"

	"tradepilot/internal/types"
)

// stubSource answers with a fixed signal after an optional delay.
type stubSource struct {
	id    string
	sig   types.SourceSignal
	err   error
	delay time.Duration
}

func (s *stubSource) ID() string { return s.id }

func (s *stubSource) Evaluate(ctx context.Context, symbol string) (types.SourceSignal, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return types.SourceSignal{}, ctx.Err()
		}
	}
	return s.sig, s.err
}

func TestCollect(t *testing.T) {
	buy := types.SourceSignal{SourceID: "fast", Action: types.Buy, Confidence: 0.8}

	t.Run("timed out source is excluded, not zeroed", func(t *testing.T) {
		timeouts := 0
		sources := []Source{
			&stubSource{id: "fast", sig: buy},
			&stubSource{id: "slow", sig: buy, delay: 500 * time.Millisecond},
		}

		got := Collect(context.Background(), sources, "BTCUSDT", 50*time.Millisecond, func() { timeouts++ })

		if len(got) != 1 {
			t.Fatalf("got %d signals, want 1", len(got))
		}
		if got[0].SourceID != "fast" {
			t.Errorf("responder = %s, want fast", got[0].SourceID)
		}
		if timeouts != 1 {
			t.Errorf("timeouts = %d, want 1", timeouts)
		}
	})

	t.Run("all sources timing out leaves nothing", func(t *testing.T) {
		sources := []Source{
			&stubSource{id: "a", sig: buy, delay: 500 * time.Millisecond},
			&stubSource{id: "b", sig: buy, delay: 500 * time.Millisecond},
		}

		got := Collect(context.Background(), sources, "BTCUSDT", 20*time.Millisecond, nil)
		if len(got) != 0 {
			t.Fatalf("got %d signals, want 0", len(got))
		}

		res := Aggregate("BTCUSDT", 45000, got, time.Now())
		if res.FinalAction != types.Hold || res.CombinedConfidence != 0 {
			t.Errorf("aggregation of no responders = %s@%f, want HOLD@0", res.FinalAction, res.CombinedConfidence)
		}
	})

	t.Run("failing source is an abstention", func(t *testing.T) {
		ok := types.SourceSignal{SourceID: "ok", Action: types.Sell, Confidence: 0.6}
		sources := []Source{
			&stubSource{id: "bad", err: context.Canceled},
			&stubSource{id: "ok", sig: ok},
		}
		got := Collect(context.Background(), sources, "BTCUSDT", time.Second, nil)
		if len(got) != 1 || got[0].SourceID != "ok" {
			t.Fatalf("got %v, want only the healthy source's signal", got)
		}
	})
}
