package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tradepilot/internal/cfg"
	"tradepilot/internal/metrics"
	"tradepilot/internal/types"
)

func testSettings() cfg.Settings {
	return cfg.Settings{
		ListenAddr:  ":0",
		MetricsPort: 9000,
		RESTTimeout: 5 * time.Second,
		SignalURLs:  map[string]string{},
		Bot:         cfg.WithDefaults(cfg.BotConfig{Mode: types.ModeMock}),
	}
}

// testBotConfig keeps the scheduler idle for the length of a test so manual
// operations are the only activity.
func testBotConfig() cfg.BotConfig {
	return cfg.BotConfig{
		Mode:              types.ModeMock,
		AllowedPairs:      []string{"BTCUSDT"},
		TradeIntervalSecs: 3600,
		TradeAmountUSDT:   100,
	}
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	return New(testSettings(), nil, metrics.NewWithRegistry(prometheus.NewRegistry()))
}

func TestLifecycle(t *testing.T) {
	c := newTestController(t)

	st := c.GetStatus()
	if st.State != Stopped || st.Enabled {
		t.Fatalf("fresh controller state = %+v, want STOPPED", st)
	}
	if st.StartedAt != nil {
		t.Error("StartedAt set before first start")
	}

	if err := c.Start(testBotConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	st = c.GetStatus()
	if st.State != Running || !st.Enabled || st.StartedAt == nil {
		t.Fatalf("running status = %+v", st)
	}

	if err := c.Start(testBotConfig()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second start err = %v, want ErrAlreadyRunning", err)
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	st = c.GetStatus()
	if st.State != Stopped || st.Enabled {
		t.Fatalf("stopped status = %+v", st)
	}

	if err := c.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second stop err = %v, want ErrNotRunning", err)
	}

	// The controller restarts cleanly.
	if err := c.Start(testBotConfig()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	c.Stop()
}

func TestInvalidConfigLeavesBotStopped(t *testing.T) {
	c := newTestController(t)

	b := testBotConfig()
	b.Mode = "SANDBOX"
	if err := c.Start(b); err == nil {
		t.Fatal("invalid mode must fail start")
	}
	if st := c.GetStatus(); st.State != Stopped {
		t.Errorf("state = %s, want STOPPED after rejected start", st.State)
	}
}

func TestUnknownSignalSourceFailsStart(t *testing.T) {
	c := newTestController(t)

	b := testBotConfig()
	b.SignalSources = []string{"no-such-source"}
	if err := c.Start(b); err == nil {
		t.Fatal("unresolvable signal source must fail start")
	}
	if st := c.GetStatus(); st.State != Stopped {
		t.Errorf("state = %s, want STOPPED", st.State)
	}
}

func TestLiveModeWithoutCredentialsFailsStart(t *testing.T) {
	c := newTestController(t)

	b := testBotConfig()
	b.Mode = types.ModeLive
	if err := c.Start(b); err == nil {
		t.Fatal("LIVE start without credentials must fail")
	}
}

func TestStopLeavesPositionsOpen(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	if err := c.Start(testBotConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.Mock().SetPrice("BTCUSDT", 45000)

	trade, err := c.ExecuteTrade(ctx, "BTCUSDT", types.Buy, 0.01)
	if err != nil {
		t.Fatalf("execute trade: %v", err)
	}
	if trade.Status != types.TradeFilled {
		t.Fatalf("status = %s, want FILLED", trade.Status)
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	st := c.GetStatus()
	if st.Enabled {
		t.Error("enabled after stop")
	}
	if len(st.OpenPositions) != 1 || st.OpenPositions[0].Status != types.PositionOpen {
		t.Fatalf("positions after stop = %+v, want one OPEN position", st.OpenPositions)
	}

	// The position survives into the next run.
	if err := c.Start(testBotConfig()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer c.Stop()
	if got := c.Positions(); len(got) != 1 {
		t.Errorf("positions after restart = %d, want 1", len(got))
	}
}

func TestManualTradeRequiresRunningBot(t *testing.T) {
	c := newTestController(t)
	_, err := c.ExecuteTrade(context.Background(), "BTCUSDT", types.Buy, 0.01)
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}

func TestManualTradeRejectsHoldAndUnknownSymbols(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	if err := c.Start(testBotConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()
	c.Mock().SetPrice("BTCUSDT", 45000)

	if _, err := c.ExecuteTrade(ctx, "BTCUSDT", types.Hold, 1); err == nil {
		t.Error("HOLD is not executable")
	}
	if _, err := c.ExecuteTrade(ctx, "DOGEUSDT", types.Buy, 1); err == nil {
		t.Error("symbol outside the allowed pairs must be rejected")
	}
}

func TestManualClose(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	if err := c.Start(testBotConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()
	c.Mock().SetPrice("BTCUSDT", 45000)

	if _, err := c.ExecuteTrade(ctx, "BTCUSDT", types.Buy, 1); err != nil {
		t.Fatalf("open: %v", err)
	}
	c.Mock().SetPrice("BTCUSDT", 45010)

	trade, err := c.ClosePosition(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if trade.Reason != types.CloseManual {
		t.Errorf("reason = %s, want manual", trade.Reason)
	}
	if trade.RealizedPnL != 10 {
		t.Errorf("pnl = %f, want 10", trade.RealizedPnL)
	}
	if len(c.Positions()) != 0 {
		t.Error("position survived manual close")
	}

	if _, err := c.ClosePosition(ctx, "BTCUSDT"); err == nil {
		t.Error("closing a closed position must fail")
	}
}

func TestSetModeOnlyWhileStopped(t *testing.T) {
	c := newTestController(t)

	if err := c.SetMode("SANDBOX"); err == nil {
		t.Error("invalid mode must be rejected")
	}
	if err := c.SetMode(types.ModeLive); err == nil {
		t.Error("LIVE without credentials must be rejected")
	}
	if err := c.SetMode(types.ModeMock); err != nil {
		t.Errorf("MOCK while stopped: %v", err)
	}

	if err := c.Start(testBotConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()
	if err := c.SetMode(types.ModeMock); err == nil {
		t.Error("mode change while running must be rejected")
	}
}

func TestBalancesInMockMode(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	// Before any start the default paper ledger answers.
	b, err := c.Balance(ctx, "", types.WalletSpot)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if b.Total != 100000 || b.Asset != "USDT" {
		t.Errorf("balance = %+v, want 100000 USDT", b)
	}

	all, err := c.AllBalances(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("all balances = %v, %v", all, err)
	}

	cat, err := c.CategorizedBalances(ctx)
	if err != nil {
		t.Fatalf("categorized: %v", err)
	}
	for w, balances := range cat {
		if len(balances) != 1 || balances[0].Total != 100000 {
			t.Errorf("wallet %s = %+v, want the fixed paper balance", w, balances)
		}
	}
}

func TestPortfolioSummary(t *testing.T) {
	c := newTestController(t)
	ctx := context.Background()

	if err := c.Start(testBotConfig()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()
	c.Mock().SetPrice("BTCUSDT", 45000)

	if _, err := c.ExecuteTrade(ctx, "BTCUSDT", types.Buy, 1); err != nil {
		t.Fatalf("open: %v", err)
	}
	c.Mock().SetPrice("BTCUSDT", 45020)

	sum, err := c.Portfolio(ctx)
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if sum.ExposureUSD != 45000 {
		t.Errorf("exposure = %f, want 45000", sum.ExposureUSD)
	}
	if sum.UnrealizedPnL != 20 {
		t.Errorf("unrealized = %f, want 20", sum.UnrealizedPnL)
	}
	if !sum.PricesAvailable {
		t.Error("prices were available")
	}
	if sum.QuoteBalance.Total != 100000 {
		t.Errorf("quote balance = %f", sum.QuoteBalance.Total)
	}
}

func TestStatusIsSafeUnderConcurrentLifecycle(t *testing.T) {
	c := newTestController(t)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					c.GetStatus()
					c.Positions()
				}
			}
		}()
	}

	for i := 0; i < 3; i++ {
		if err := c.Start(testBotConfig()); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		if err := c.Stop(); err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()
}
