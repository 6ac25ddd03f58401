package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tradepilot/internal/cfg"
	"tradepilot/internal/exchange"
	"tradepilot/internal/gateway"
	"tradepilot/internal/metrics"
	"tradepilot/internal/store"
	"tradepilot/internal/types"
)

func testConfig() cfg.BotConfig {
	return cfg.WithDefaults(cfg.BotConfig{
		Mode:              types.ModeMock,
		MonitorOpenTrades: true,
		StopLossPercent:   2,
		ProfitTargetMin:   100,
		TradeAmountUSDT:   100,
	})
}

func newTestMonitor(t *testing.T, b cfg.BotConfig) (*Monitor, *store.Store, *exchange.Mock) {
	t.Helper()
	st := store.New()
	mock := exchange.NewMock(b.PaperBalanceUSDT, b.QuoteAsset)
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	gw := gateway.New(st, mock, nil, nil, m, b.Cooldown(), false)
	return New(b, st, gw, mock), st, mock
}

func openLong(st *store.Store, symbol string, entry, qty float64) {
	st.SetPosition(types.Position{
		Symbol:     symbol,
		Direction:  types.Long,
		EntryPrice: entry,
		Quantity:   qty,
		OpenedAt:   time.Now(),
		Status:     types.PositionOpen,
	})
}

func TestTrailingStopScenario(t *testing.T) {
	// Entry 45000, trigger 1 USD, distance 0.5 USD: PnL rises to 2.0
	// (arms, peak=2.0), drops to 1.4 (retracement 0.6 >= 0.5) -> close.
	b := testConfig()
	b.TrailingEnabled = true
	b.TrailingTriggerUSD = 1
	b.TrailingDistUSD = 0.5

	mon, st, _ := newTestMonitor(t, b)
	openLong(st, "BTCUSDT", 45000, 1)
	ctx := context.Background()

	// Below the trigger: nothing arms.
	if mon.Check(ctx, "BTCUSDT", 45000.5) {
		t.Fatal("closed below the trailing trigger")
	}
	if pos, _ := st.Position("BTCUSDT"); pos.TrailingArmed {
		t.Fatal("armed below the trigger")
	}

	// PnL 2.0: arms with peak 2.0.
	if mon.Check(ctx, "BTCUSDT", 45002) {
		t.Fatal("closed on the arming update")
	}
	pos, _ := st.Position("BTCUSDT")
	if !pos.TrailingArmed || pos.TrailingPeakPnL != 2.0 {
		t.Fatalf("trailing state = %+v, want armed peak 2.0", pos)
	}

	// Small dip, retracement 0.4 < 0.5: stays open, peak holds.
	if mon.Check(ctx, "BTCUSDT", 45001.6) {
		t.Fatal("closed inside the trailing distance")
	}
	if pos, _ := st.Position("BTCUSDT"); pos.TrailingPeakPnL != 2.0 {
		t.Fatal("peak must only ratchet upward")
	}

	// PnL 1.4: retracement 0.6 >= 0.5 -> close.
	if !mon.Check(ctx, "BTCUSDT", 45001.4) {
		t.Fatal("did not close on trailing retracement")
	}
	if _, open := st.Position("BTCUSDT"); open {
		t.Fatal("position still open after trailing close")
	}
	trades := st.RecentTrades(1)
	if len(trades) != 1 || trades[0].Reason != types.CloseTrailingStop {
		t.Errorf("close reason = %+v, want trailing_stop", trades)
	}
}

func TestTrailingPeakRatchetsUpward(t *testing.T) {
	b := testConfig()
	b.TrailingEnabled = true
	b.TrailingTriggerUSD = 1
	b.TrailingDistUSD = 5

	mon, st, _ := newTestMonitor(t, b)
	openLong(st, "BTCUSDT", 45000, 1)
	ctx := context.Background()

	mon.Check(ctx, "BTCUSDT", 45002) // arm, peak 2
	mon.Check(ctx, "BTCUSDT", 45004) // peak 4
	mon.Check(ctx, "BTCUSDT", 45003) // dip, peak stays 4

	pos, _ := st.Position("BTCUSDT")
	if pos.TrailingPeakPnL != 4.0 {
		t.Errorf("peak = %f, want 4.0", pos.TrailingPeakPnL)
	}
}

func TestStopLoss(t *testing.T) {
	b := testConfig() // 2% stop loss
	mon, st, _ := newTestMonitor(t, b)
	openLong(st, "BTCUSDT", 45000, 1)
	ctx := context.Background()

	// 1% down: stays open.
	if mon.Check(ctx, "BTCUSDT", 44550) {
		t.Fatal("closed above the stop-loss threshold")
	}
	// 2% down: closes.
	if !mon.Check(ctx, "BTCUSDT", 44100) {
		t.Fatal("did not close at the stop-loss threshold")
	}
	trades := st.RecentTrades(1)
	if trades[0].Reason != types.CloseStopLoss {
		t.Errorf("close reason = %s, want stop_loss", trades[0].Reason)
	}
}

func TestStopLossForShort(t *testing.T) {
	b := testConfig()
	mon, st, _ := newTestMonitor(t, b)
	st.SetPosition(types.Position{
		Symbol: "BTCUSDT", Direction: types.Short,
		EntryPrice: 45000, Quantity: 1, Status: types.PositionOpen,
	})

	// Price rising hurts a short; 2% up trips the stop.
	if !mon.Check(context.Background(), "BTCUSDT", 45900) {
		t.Fatal("short did not stop out on a rising price")
	}
}

func TestProfitTargetBand(t *testing.T) {
	b := testConfig()
	b.ProfitTargetMin = 10
	b.ProfitTargetMax = 50

	mon, st, _ := newTestMonitor(t, b)
	openLong(st, "BTCUSDT", 45000, 1)
	ctx := context.Background()

	if mon.Check(ctx, "BTCUSDT", 45005) {
		t.Fatal("closed below the profit floor")
	}
	// PnL 60 is past the ceiling: the band does not close it.
	if mon.Check(ctx, "BTCUSDT", 45060) {
		t.Fatal("closed above the profit ceiling")
	}
	if !mon.Check(ctx, "BTCUSDT", 45020) {
		t.Fatal("did not close inside the profit band")
	}
	trades := st.RecentTrades(1)
	if trades[0].Reason != types.CloseProfitTarget {
		t.Errorf("close reason = %s, want profit_target", trades[0].Reason)
	}
}

func TestProfitTargetWithoutCeiling(t *testing.T) {
	b := testConfig()
	b.ProfitTargetMin = 10
	b.ProfitTargetMax = 0

	mon, st, _ := newTestMonitor(t, b)
	openLong(st, "BTCUSDT", 45000, 1)

	if !mon.Check(context.Background(), "BTCUSDT", 45500) {
		t.Fatal("did not close past the floor with no ceiling set")
	}
}

func TestStopLossEvaluatedBeforeTrailing(t *testing.T) {
	b := testConfig()
	b.TrailingEnabled = true
	b.TrailingTriggerUSD = 1
	b.TrailingDistUSD = 0.5

	mon, st, _ := newTestMonitor(t, b)
	openLong(st, "BTCUSDT", 45000, 1)
	ctx := context.Background()

	mon.Check(ctx, "BTCUSDT", 45002) // arm trailing

	// A crash through the stop level closes as stop_loss, not trailing.
	if !mon.Check(ctx, "BTCUSDT", 44000) {
		t.Fatal("did not close on crash")
	}
	trades := st.RecentTrades(1)
	if trades[0].Reason != types.CloseStopLoss {
		t.Errorf("close reason = %s, want stop_loss to take precedence", trades[0].Reason)
	}
}

func TestSweepSkipsSymbolsWithoutPrices(t *testing.T) {
	b := testConfig()
	mon, st, mock := newTestMonitor(t, b)
	openLong(st, "BTCUSDT", 45000, 1)
	openLong(st, "ETHUSDT", 3000, 1)
	mock.SetPrice("ETHUSDT", 3000) // BTCUSDT has no price feed

	mon.sweep(context.Background())

	// Both positions survive: ETH is flat, BTC unpriceable.
	if n := st.OpenPositionCount(); n != 2 {
		t.Errorf("positions = %d, want 2", n)
	}
}
