// Package bot owns the trading lifecycle: the STOPPED → RUNNING → STOPPING
// → STOPPED state machine, construction and supervision of the scheduler
// and monitor tasks, and the concurrent-safe status surface the protocol
// layer queries.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tradepilot/internal/balance"
	"tradepilot/internal/cfg"
	"tradepilot/internal/engine"
	"tradepilot/internal/exchange"
	"tradepilot/internal/gateway"
	"tradepilot/internal/metrics"
	"tradepilot/internal/monitor"
	"tradepilot/internal/sched"
	"tradepilot/internal/signal"
	"tradepilot/internal/storage"
	"tradepilot/internal/store"
	"tradepilot/internal/types"
)

// State is the controller lifecycle state.
type State string

const (
	Stopped  State = "STOPPED"
	Running  State = "RUNNING"
	Stopping State = "STOPPING"
)

var (
	ErrAlreadyRunning = errors.New("bot is already running")
	ErrNotRunning     = errors.New("bot is not running")
)

// Status is the snapshot returned by get_bot_status.
type Status struct {
	Enabled       bool             `json:"enabled"`
	State         State            `json:"state"`
	Mode          types.TradeMode  `json:"mode"`
	Config        cfg.BotConfig    `json:"config"`
	OpenPositions []types.Position `json:"open_positions"`
	TradesToday   int              `json:"trades_today"`
	RealizedPnL   float64          `json:"realized_pnl"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
}

// PortfolioSummary aggregates balance and exposure for the summary query.
type PortfolioSummary struct {
	Mode            types.TradeMode  `json:"mode"`
	QuoteBalance    types.Balance    `json:"quote_balance"`
	OpenPositions   []types.Position `json:"open_positions"`
	UnrealizedPnL   float64          `json:"unrealized_pnl"`
	RealizedPnL     float64          `json:"realized_pnl"`
	ExposureUSD     float64          `json:"exposure_usd"`
	PricesAvailable bool             `json:"prices_available"`
}

// Controller composes the scheduler and monitor tasks over the shared
// store. The store survives stop/start so open positions are left intact
// for later resumption.
type Controller struct {
	settings cfg.Settings
	history  *storage.Store // nil disables persistence
	metrics  *metrics.Metrics
	live     exchange.Client // nil without API credentials

	mu        sync.RWMutex
	state     State
	botCfg    cfg.BotConfig
	store     *store.Store
	mock      *exchange.Mock
	prices    exchange.Client
	gateway   *gateway.Gateway
	engine    *engine.Engine
	resolver  *balance.Resolver
	cancel    context.CancelFunc
	tasks     sync.WaitGroup
	startedAt time.Time
}

func New(settings cfg.Settings, history *storage.Store, m *metrics.Metrics) *Controller {
	c := &Controller{
		settings: settings,
		history:  history,
		metrics:  m,
		state:    Stopped,
		botCfg:   settings.Bot,
		store:    store.New(),
	}
	if settings.Key != "" && settings.Secret != "" {
		c.live = exchange.NewREST(settings.Key, settings.Secret, settings.BaseURL, settings.RESTTimeout)
	}
	// A default mock is always present so balance and price queries work
	// before the first start.
	c.mock = exchange.NewMock(settings.Bot.PaperBalanceUSDT, settings.Bot.QuoteAsset)
	c.prices = c.pickClient(settings.Bot.Mode)
	c.resolver = balance.NewResolver(c.mock, c.live)
	return c
}

func (c *Controller) pickClient(mode types.TradeMode) exchange.Client {
	if mode == types.ModeLive && c.live != nil {
		return c.live
	}
	return c.mock
}

// buildSources maps configured source names to implementations: "indicator"
// is the local indicator source; any other name must have a URL configured
// and becomes an HTTP source. An unresolvable name is a config error.
func (c *Controller) buildSources(b cfg.BotConfig, prices exchange.Client) ([]signal.Source, error) {
	sources := make([]signal.Source, 0, len(b.SignalSources))
	for _, name := range b.SignalSources {
		if name == "indicator" {
			sources = append(sources, signal.NewIndicatorSource(name, prices))
			continue
		}
		url, ok := c.settings.SignalURLs[name]
		if !ok {
			return nil, fmt.Errorf("signal source %q has no configured URL", name)
		}
		sources = append(sources, signal.NewHTTPSource(name, url, b.SourceTimeout()))
	}
	return sources, nil
}

// Start validates the config, wires the run's components and launches the
// scheduler and monitor tasks. A validation error leaves the bot STOPPED.
func (c *Controller) Start(b cfg.BotConfig) error {
	b = cfg.WithDefaults(b)
	if err := cfg.Validate(&b); err != nil {
		return fmt.Errorf("invalid bot config: %w", err)
	}
	if b.Mode == types.ModeLive && c.live == nil {
		return fmt.Errorf("invalid bot config: LIVE mode requires API credentials")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Stopped {
		return ErrAlreadyRunning
	}

	c.mock = exchange.NewMock(b.PaperBalanceUSDT, b.QuoteAsset)
	c.prices = c.pickClient(b.Mode)
	c.resolver = balance.NewResolver(c.mock, c.live)

	sources, err := c.buildSources(b, c.prices)
	if err != nil {
		return fmt.Errorf("invalid bot config: %w", err)
	}

	c.botCfg = b
	c.gateway = gateway.New(c.store, c.mock, c.live, c.history, c.metrics, b.Cooldown(), b.RollbackEnabled)
	c.engine = engine.New(b, c.store, c.gateway, c.resolver, c.prices, c.metrics)
	mon := monitor.New(b, c.store, c.gateway, c.prices)
	scheduler := sched.New(b, c.store, c.engine, sources, c.prices, c.history, c.metrics)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = Running
	c.startedAt = time.Now()

	c.tasks.Add(2)
	go func() {
		defer c.tasks.Done()
		scheduler.Run(ctx)
	}()
	go func() {
		defer c.tasks.Done()
		mon.Run(ctx)
	}()

	log.Info().
		Str("mode", string(b.Mode)).
		Strs("pairs", b.AllowedPairs).
		Strs("sources", b.SignalSources).
		Msg("bot started")
	return nil
}

// Stop signals both tasks to finish their current iteration and halt, and
// waits for in-flight order placements to complete. Open positions are left
// untouched.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state != Running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.state = Stopping
	cancel := c.cancel
	gw := c.gateway
	c.mu.Unlock()

	cancel()
	c.tasks.Wait()
	if gw != nil {
		gw.Wait() // never abandon a submitted order mid-flight
	}

	c.mu.Lock()
	c.state = Stopped
	c.mu.Unlock()

	log.Info().Int("open_positions", c.store.OpenPositionCount()).Msg("bot stopped")
	return nil
}

// GetStatus is safe to call concurrently with any other operation.
func (c *Controller) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{
		Enabled:       c.state == Running,
		State:         c.state,
		Mode:          c.botCfg.Mode,
		Config:        c.botCfg,
		OpenPositions: c.store.OpenPositions(),
		TradesToday:   c.store.TradesToday(),
		RealizedPnL:   c.store.RealizedPnL(),
	}
	if c.state == Running {
		t := c.startedAt
		st.StartedAt = &t
	}
	return st
}

// Positions returns copies of all open positions.
func (c *Controller) Positions() []types.Position {
	return c.store.OpenPositions()
}

// TradeHistory returns up to limit recent trades, preferring the persistent
// store when available.
func (c *Controller) TradeHistory(limit int) []types.Trade {
	if c.history != nil {
		if trades, err := c.history.RecentTrades(limit); err == nil {
			return trades
		}
	}
	return c.store.RecentTrades(limit)
}

// Analysis returns the symbol's most recent analysis, running an ad-hoc
// cycle when the bot is running and no cached result exists.
func (c *Controller) Analysis(ctx context.Context, symbol string) (types.AnalysisResult, error) {
	if res, ok := c.store.LastAnalysis(symbol); ok {
		return res, nil
	}

	c.mu.RLock()
	running := c.state == Running
	b := c.botCfg
	prices := c.prices
	c.mu.RUnlock()

	if !running {
		return types.AnalysisResult{}, fmt.Errorf("no analysis for %s and bot is not running", symbol)
	}
	if !b.Allowed(symbol) {
		return types.AnalysisResult{}, fmt.Errorf("symbol %s is not in the allowed pairs", symbol)
	}

	sources, err := c.buildSources(b, prices)
	if err != nil {
		return types.AnalysisResult{}, err
	}
	price, err := prices.Price(ctx, symbol)
	if err != nil {
		return types.AnalysisResult{}, fmt.Errorf("price unavailable: %w", err)
	}
	signals := signal.Collect(ctx, sources, symbol, b.SourceTimeout(), c.metrics.SourceTimeouts.Inc)
	res := signal.Aggregate(symbol, price, signals, time.Now())
	c.store.MarkAnalyzed(res)
	return res, nil
}

// AnalysisLogs returns recent analysis records from the persistent store.
func (c *Controller) AnalysisLogs(limit int) ([]types.AnalysisResult, error) {
	if c.history == nil {
		return nil, fmt.Errorf("analysis log persistence is not configured")
	}
	return c.history.RecentAnalyses(limit)
}

// ExecuteTrade opens a position manually, outside the decision engine's
// gates. It requires a running bot so mode and gateway wiring are in place.
func (c *Controller) ExecuteTrade(ctx context.Context, symbol string, action types.Action, quantity float64) (types.Trade, error) {
	c.mu.RLock()
	running := c.state == Running
	b := c.botCfg
	gw := c.gateway
	prices := c.prices
	c.mu.RUnlock()

	if !running {
		return types.Trade{}, ErrNotRunning
	}
	if action != types.Buy && action != types.Sell {
		return types.Trade{}, fmt.Errorf("action must be BUY or SELL, got %q", action)
	}
	if !b.Allowed(symbol) {
		return types.Trade{}, fmt.Errorf("symbol %s is not in the allowed pairs", symbol)
	}

	price, err := prices.Price(ctx, symbol)
	if err != nil {
		return types.Trade{}, fmt.Errorf("price unavailable: %w", err)
	}
	if quantity <= 0 {
		quantity = b.TradeAmountUSDT / price
	}

	return gw.Open(ctx, gateway.OpenReq{
		TradeID:   uuid.NewString(),
		Symbol:    symbol,
		Direction: action.Direction(),
		Quantity:  quantity,
		Price:     price,
		Mode:      b.Mode,
	})
}

// ClosePosition closes an open position manually through the gateway.
func (c *Controller) ClosePosition(ctx context.Context, symbol string) (types.Trade, error) {
	c.mu.RLock()
	b := c.botCfg
	gw := c.gateway
	prices := c.prices
	c.mu.RUnlock()

	if gw == nil {
		return types.Trade{}, ErrNotRunning
	}
	price, err := prices.Price(ctx, symbol)
	if err != nil {
		return types.Trade{}, fmt.Errorf("price unavailable: %w", err)
	}
	if !c.store.MarkClosing(symbol) {
		return types.Trade{}, fmt.Errorf("no open position for %s", symbol)
	}
	return gw.Close(ctx, gateway.CloseReq{
		TradeID: uuid.NewString(),
		Symbol:  symbol,
		Price:   price,
		Mode:    b.Mode,
		Reason:  types.CloseManual,
	})
}

// SetMode changes the trading mode for the next run. The per-run config is
// immutable, so this is rejected while the bot is running.
func (c *Controller) SetMode(mode types.TradeMode) error {
	if mode != types.ModeMock && mode != types.ModeLive {
		return fmt.Errorf("mode must be MOCK or LIVE, got %q", mode)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Stopped {
		return fmt.Errorf("cannot change trading mode while bot is %s", c.state)
	}
	if mode == types.ModeLive && c.live == nil {
		return fmt.Errorf("LIVE mode requires API credentials")
	}
	c.botCfg.Mode = mode
	c.prices = c.pickClient(mode)
	return nil
}

// Balance resolves one asset's balance for the active mode.
func (c *Controller) Balance(ctx context.Context, asset string, wallet types.WalletType) (types.Balance, error) {
	c.mu.RLock()
	b, r := c.botCfg, c.resolver
	c.mu.RUnlock()
	if asset == "" {
		asset = b.QuoteAsset
	}
	return r.Get(ctx, asset, b.Mode, wallet)
}

// AllBalances enumerates the default trading wallet.
func (c *Controller) AllBalances(ctx context.Context) ([]types.Balance, error) {
	c.mu.RLock()
	b, r := c.botCfg, c.resolver
	c.mu.RUnlock()
	return r.GetAll(ctx, b.Mode)
}

// CategorizedBalances enumerates every wallet partition independently.
func (c *Controller) CategorizedBalances(ctx context.Context) (map[types.WalletType][]types.Balance, error) {
	c.mu.RLock()
	b, r := c.botCfg, c.resolver
	c.mu.RUnlock()
	return r.GetCategorized(ctx, b.Mode)
}

// Portfolio assembles the portfolio summary at current prices. Symbols with
// no price available contribute exposure but not unrealized PnL.
func (c *Controller) Portfolio(ctx context.Context) (PortfolioSummary, error) {
	c.mu.RLock()
	b, r, prices := c.botCfg, c.resolver, c.prices
	c.mu.RUnlock()

	quote, err := r.Get(ctx, b.QuoteAsset, b.Mode, "")
	if err != nil {
		return PortfolioSummary{}, err
	}

	summary := PortfolioSummary{
		Mode:            b.Mode,
		QuoteBalance:    quote,
		OpenPositions:   c.store.OpenPositions(),
		RealizedPnL:     c.store.RealizedPnL(),
		PricesAvailable: true,
	}
	for _, pos := range summary.OpenPositions {
		summary.ExposureUSD += pos.EntryPrice * pos.Quantity
		price, err := prices.Price(ctx, pos.Symbol)
		if err != nil {
			summary.PricesAvailable = false
			continue
		}
		summary.UnrealizedPnL += pos.UnrealizedPnL(price)
	}
	return summary, nil
}

// Pending exposes the manual-approval queue.
func (c *Controller) Pending() []engine.PendingDecision {
	c.mu.RLock()
	eng := c.engine
	c.mu.RUnlock()
	if eng == nil {
		return nil
	}
	return eng.Pending()
}

// Approve executes a queued decision.
func (c *Controller) Approve(ctx context.Context, id string) (types.Trade, error) {
	c.mu.RLock()
	eng := c.engine
	c.mu.RUnlock()
	if eng == nil {
		return types.Trade{}, ErrNotRunning
	}
	return eng.Approve(ctx, id)
}

// Reject drops a queued decision.
func (c *Controller) Reject(id string) error {
	c.mu.RLock()
	eng := c.engine
	c.mu.RUnlock()
	if eng == nil {
		return ErrNotRunning
	}
	return eng.Reject(id)
}

// Mock exposes the paper exchange for price feeding in mock mode.
func (c *Controller) Mock() *exchange.Mock {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mock
}
