package store

import (
	"sync"
	"testing"
	"time"

	"tradepilot/internal/types"
)

func openPosition(symbol string) types.Position {
	return types.Position{
		Symbol:     symbol,
		Direction:  types.Long,
		EntryPrice: 45000,
		Quantity:   0.01,
		OpenedAt:   time.Now(),
		Status:     types.PositionOpen,
	}
}

func TestPositionLifecycle(t *testing.T) {
	s := New()

	if _, ok := s.Position("BTCUSDT"); ok {
		t.Fatal("unexpected position in fresh store")
	}

	s.SetPosition(openPosition("BTCUSDT"))
	pos, ok := s.Position("BTCUSDT")
	if !ok || pos.Status != types.PositionOpen {
		t.Fatalf("position not stored: %+v", pos)
	}
	if s.OpenPositionCount() != 1 {
		t.Errorf("count = %d, want 1", s.OpenPositionCount())
	}

	if !s.MarkClosing("BTCUSDT") {
		t.Error("MarkClosing on OPEN position should succeed")
	}
	if s.MarkClosing("BTCUSDT") {
		t.Error("MarkClosing on CLOSING position should fail")
	}
	s.ReopenClosing("BTCUSDT")
	if pos, _ := s.Position("BTCUSDT"); pos.Status != types.PositionOpen {
		t.Errorf("status after reopen = %s, want OPEN", pos.Status)
	}

	s.RemovePosition("BTCUSDT", time.Minute)
	if _, ok := s.Position("BTCUSDT"); ok {
		t.Error("position survived removal")
	}
	if !s.InCooldown("BTCUSDT") {
		t.Error("post-close cooldown not active")
	}
	if s.InCooldown("ETHUSDT") {
		t.Error("cooldown leaked to another symbol")
	}
}

func TestRemovePositionWithoutCooldown(t *testing.T) {
	s := New()
	s.SetPosition(openPosition("BTCUSDT"))
	s.RemovePosition("BTCUSDT", 0)
	if s.InCooldown("BTCUSDT") {
		t.Error("zero cooldown should not block the symbol")
	}
}

func TestTrailingUpdate(t *testing.T) {
	s := New()
	s.SetPosition(openPosition("BTCUSDT"))

	s.UpdateTrailing("BTCUSDT", true, 2.0)
	pos, _ := s.Position("BTCUSDT")
	if !pos.TrailingArmed || pos.TrailingPeakPnL != 2.0 {
		t.Errorf("trailing state not persisted: %+v", pos)
	}
}

func TestTradeLedgerAndDailyCount(t *testing.T) {
	s := New()
	now := time.Now()

	entry := types.Trade{TradeID: "t1", Symbol: "BTCUSDT", Status: types.TradeFilled, Timestamp: now}
	s.RecordTrade(entry)
	s.RecordTrade(types.Trade{TradeID: "t2", Symbol: "BTCUSDT", Status: types.TradeFailed, Timestamp: now})
	exit := types.Trade{TradeID: "t3", Symbol: "BTCUSDT", Status: types.TradeFilled, Reduce: true, RealizedPnL: 12.5, Timestamp: now}
	s.RecordTrade(exit)

	// Failed submissions and closes do not count against the daily cap.
	if got := s.TradesToday(); got != 1 {
		t.Errorf("TradesToday = %d, want 1", got)
	}
	if got := s.RealizedPnL(); got != 12.5 {
		t.Errorf("RealizedPnL = %f, want 12.5", got)
	}

	recent := s.RecentTrades(2)
	if len(recent) != 2 || recent[1].TradeID != "t3" {
		t.Errorf("RecentTrades = %+v, want last two newest-last", recent)
	}
	if got := s.RecentTrades(0); len(got) != 3 {
		t.Errorf("RecentTrades(0) = %d records, want all 3", len(got))
	}
}

func TestReanalysisCooldown(t *testing.T) {
	s := New()
	res := types.AnalysisResult{Symbol: "BTCUSDT", FinalAction: types.Hold, Timestamp: time.Now()}
	s.MarkAnalyzed(res)

	if !s.InReanalysisCooldown("BTCUSDT", time.Minute) {
		t.Error("fresh analysis should be inside the window")
	}
	if s.InReanalysisCooldown("BTCUSDT", time.Nanosecond) {
		t.Error("expired window should not block")
	}

	got, ok := s.LastAnalysis("BTCUSDT")
	if !ok || got.Symbol != "BTCUSDT" {
		t.Error("cached analysis not retrievable")
	}
}

func TestConcurrentSymbolSections(t *testing.T) {
	s := New()
	const workers = 16

	// Interleave open/close mutations on the same symbol; the per-symbol
	// section must serialize them so every close finds the open it pairs
	// with.
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.WithSymbol("BTCUSDT", func() {
				if _, open := s.Position("BTCUSDT"); !open {
					s.SetPosition(openPosition("BTCUSDT"))
				} else {
					s.RemovePosition("BTCUSDT", 0)
				}
			})
		}()
	}
	wg.Wait()

	// Even worker count: every open was paired with a close.
	if n := s.OpenPositionCount(); n != 0 {
		t.Errorf("open positions after paired mutations = %d, want 0", n)
	}
}
