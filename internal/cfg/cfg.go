// Package cfg loads and validates the bot configuration. Settings come from
// a YAML file (CONFIG_FILE) with environment-variable overrides, or from the
// environment alone. Validation runs once at load; a BotConfig is immutable
// for the lifetime of a run.
package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tradepilot/internal/types"
)

// BotConfig is the immutable per-run configuration snapshot. Interval fields
// are plain seconds/minutes so the struct round-trips through the JSON
// protocol unchanged; use the accessor methods for durations.
type BotConfig struct {
	Mode types.TradeMode `json:"mode" yaml:"mode"`

	AllowedPairs  []string `json:"allowed_pairs" yaml:"allowedPairs"`
	SignalSources []string `json:"signal_sources" yaml:"signalSources"`

	MaxTradesPerDay     int     `json:"max_trades_per_day" yaml:"maxTradesPerDay"`
	MaxConcurrentTrades int     `json:"max_concurrent_trades" yaml:"maxConcurrentTrades"`
	TradeAmountUSDT     float64 `json:"trade_amount_usdt" yaml:"tradeAmountUSDT"`
	RiskPerTradePercent float64 `json:"risk_per_trade_percent" yaml:"riskPerTradePercent"`

	ProfitTargetMin float64 `json:"profit_target_min" yaml:"profitTargetMin"`
	ProfitTargetMax float64 `json:"profit_target_max" yaml:"profitTargetMax"`
	StopLossPercent float64 `json:"stop_loss_percent" yaml:"stopLossPercent"`

	TrailingEnabled    bool    `json:"trailing_enabled" yaml:"trailingEnabled"`
	TrailingTriggerUSD float64 `json:"trailing_trigger_usd" yaml:"trailingTriggerUSD"`
	TrailingDistUSD    float64 `json:"trailing_distance_usd" yaml:"trailingDistanceUSD"`

	AIConfidenceThreshold float64 `json:"ai_confidence_threshold" yaml:"aiConfidenceThreshold"`

	TradeIntervalSecs       int `json:"trade_interval_secs" yaml:"tradeIntervalSecs"`
	AnalysisIntervalMinutes int `json:"analysis_interval_minutes" yaml:"analysisIntervalMinutes"`
	CooldownSecs            int `json:"cooldown_secs" yaml:"cooldownSecs"`
	ReanalysisCooldownSecs  int `json:"reanalysis_cooldown_seconds" yaml:"reanalysisCooldownSecs"`
	SourceTimeoutSecs       int `json:"source_timeout_secs" yaml:"sourceTimeoutSecs"`

	ManualApprovalMode bool    `json:"manual_approval_mode" yaml:"manualApprovalMode"`
	ApprovalTTLSecs    int     `json:"approval_ttl_secs" yaml:"approvalTTLSecs"`
	ReconfirmEntry     bool    `json:"reconfirm_before_entry" yaml:"reconfirmBeforeEntry"`
	SlippagePercent    float64 `json:"slippage_tolerance_percent" yaml:"slippageTolerancePercent"`

	MonitorOpenTrades   bool    `json:"monitor_open_trades" yaml:"monitorOpenTrades"`
	MonitorIntervalSecs int     `json:"monitor_interval_secs" yaml:"monitorIntervalSecs"`
	LossCheckPercent    float64 `json:"loss_check_interval_percent" yaml:"lossCheckIntervalPercent"`
	RollbackEnabled     bool    `json:"rollback_enabled" yaml:"rollbackEnabled"`

	PaperBalanceUSDT float64 `json:"paper_balance_usdt" yaml:"paperBalanceUSDT"`
	QuoteAsset       string  `json:"quote_asset" yaml:"quoteAsset"`
}

// TradeInterval is the per-symbol analysis cadence. trade_interval_secs wins
// when both it and analysis_interval_minutes are set.
func (b *BotConfig) TradeInterval() time.Duration {
	if b.TradeIntervalSecs > 0 {
		return time.Duration(b.TradeIntervalSecs) * time.Second
	}
	return time.Duration(b.AnalysisIntervalMinutes) * time.Minute
}

func (b *BotConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownSecs) * time.Second
}

func (b *BotConfig) ReanalysisCooldown() time.Duration {
	return time.Duration(b.ReanalysisCooldownSecs) * time.Second
}

func (b *BotConfig) SourceTimeout() time.Duration {
	return time.Duration(b.SourceTimeoutSecs) * time.Second
}

func (b *BotConfig) ApprovalTTL() time.Duration {
	return time.Duration(b.ApprovalTTLSecs) * time.Second
}

func (b *BotConfig) MonitorInterval() time.Duration {
	return time.Duration(b.MonitorIntervalSecs) * time.Second
}

// Allowed reports whether the symbol belongs to the configured pair set.
func (b *BotConfig) Allowed(symbol string) bool {
	for _, p := range b.AllowedPairs {
		if p == symbol {
			return true
		}
	}
	return false
}

// Settings is the process-level configuration: exchange access, service
// ports, paths, and the default BotConfig used until start_bot supplies one.
type Settings struct {
	Key, Secret string
	BaseURL     string
	ListenAddr  string
	MetricsPort int
	DataPath    string
	RESTTimeout time.Duration
	SignalURLs  map[string]string
	Bot         BotConfig
}

type configFile struct {
	API struct {
		Key     string `yaml:"key"`
		Secret  string `yaml:"secret"`
		BaseURL string `yaml:"baseURL"`
	} `yaml:"api"`

	System struct {
		ListenAddr  string `yaml:"listenAddr"`
		MetricsPort int    `yaml:"metricsPort"`
		DataPath    string `yaml:"dataPath"`
		RESTTimeout string `yaml:"restTimeout"`
	} `yaml:"system"`

	Signals map[string]string `yaml:"signals"`

	Bot BotConfig `yaml:"bot"`
}

// Load reads settings from CONFIG_FILE when set, otherwise from the
// environment, and validates the embedded bot config.
func Load() (Settings, error) {
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		return loadFromYAML(path)
	}
	return loadFromEnv()
}

func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	restTimeout, err := time.ParseDuration(file.System.RESTTimeout)
	if err != nil {
		restTimeout = 5 * time.Second
	}

	s := Settings{
		Key:         getEnvOrDefault("EXCHANGE_API_KEY", file.API.Key),
		Secret:      getEnvOrDefault("EXCHANGE_SECRET_KEY", file.API.Secret),
		BaseURL:     getEnvOrDefault("BASE_URL", file.API.BaseURL),
		ListenAddr:  getEnvOrDefault("LISTEN_ADDR", file.System.ListenAddr),
		MetricsPort: getIntOrDefault("METRICS_PORT", file.System.MetricsPort),
		DataPath:    getEnvOrDefault("DATA_PATH", file.System.DataPath),
		RESTTimeout: restTimeout,
		SignalURLs:  file.Signals,
		Bot:         WithDefaults(file.Bot),
	}
	if err := validateSettings(&s); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return s, nil
}

func loadFromEnv() (Settings, error) {
	s := Settings{
		Key:         os.Getenv("EXCHANGE_API_KEY"),
		Secret:      os.Getenv("EXCHANGE_SECRET_KEY"),
		BaseURL:     getEnvOrDefault("BASE_URL", "https://api.exchange.example"),
		ListenAddr:  getEnvOrDefault("LISTEN_ADDR", ":8090"),
		MetricsPort: getIntOrDefault("METRICS_PORT", 8080),
		DataPath:    os.Getenv("DATA_PATH"), // optional
		RESTTimeout: getDurationOrDefault("REST_TIMEOUT", 5*time.Second),
		SignalURLs:  map[string]string{},
		Bot: WithDefaults(BotConfig{
			Mode:         types.TradeMode(getEnvOrDefault("TRADING_MODE", string(types.ModeMock))),
			AllowedPairs: splitOrDefault(os.Getenv("ALLOWED_PAIRS"), nil),
		}),
	}
	if err := validateSettings(&s); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return s, nil
}

// WithDefaults fills unset bot config fields with the defaults a fresh paper
// deployment uses. Callers still run Validate afterwards.
func WithDefaults(b BotConfig) BotConfig {
	if b.Mode == "" {
		b.Mode = types.ModeMock
	}
	if len(b.AllowedPairs) == 0 {
		b.AllowedPairs = []string{"BTCUSDT"}
	}
	if len(b.SignalSources) == 0 {
		b.SignalSources = []string{"indicator"}
	}
	if b.MaxTradesPerDay == 0 {
		b.MaxTradesPerDay = 10
	}
	if b.MaxConcurrentTrades == 0 {
		b.MaxConcurrentTrades = 3
	}
	if b.TradeAmountUSDT == 0 && b.RiskPerTradePercent == 0 {
		b.TradeAmountUSDT = 100
	}
	if b.ProfitTargetMin == 0 {
		b.ProfitTargetMin = 2
	}
	if b.StopLossPercent == 0 {
		b.StopLossPercent = 2
	}
	if b.AIConfidenceThreshold == 0 {
		b.AIConfidenceThreshold = 0.6
	}
	if b.TradeIntervalSecs == 0 && b.AnalysisIntervalMinutes == 0 {
		b.TradeIntervalSecs = 60
	}
	if b.CooldownSecs == 0 {
		b.CooldownSecs = 300
	}
	if b.ReanalysisCooldownSecs == 0 {
		b.ReanalysisCooldownSecs = 60
	}
	if b.SourceTimeoutSecs == 0 {
		b.SourceTimeoutSecs = 10
	}
	if b.ApprovalTTLSecs == 0 {
		b.ApprovalTTLSecs = 300
	}
	if b.SlippagePercent == 0 {
		b.SlippagePercent = 0.5
	}
	if b.MonitorIntervalSecs == 0 {
		b.MonitorIntervalSecs = 5
	}
	if b.LossCheckPercent == 0 {
		b.LossCheckPercent = 0.5
	}
	if b.PaperBalanceUSDT == 0 {
		b.PaperBalanceUSDT = 100000
	}
	if b.QuoteAsset == "" {
		b.QuoteAsset = "USDT"
	}
	return b
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDurationOrDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func splitOrDefault(v string, def []string) []string {
	if v == "" {
		return def
	}
	return strings.Split(v, ",")
}

func validateSettings(s *Settings) error {
	if s.ListenAddr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if s.MetricsPort < 1024 || s.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 1024 and 65535, got %d", s.MetricsPort)
	}
	if s.RESTTimeout < time.Second || s.RESTTimeout > time.Minute {
		return fmt.Errorf("REST timeout must be between 1s and 1m, got %v", s.RESTTimeout)
	}
	if s.Bot.Mode == types.ModeLive && (s.Key == "" || s.Secret == "") {
		return fmt.Errorf("API key and secret are required in LIVE mode")
	}
	return Validate(&s.Bot)
}

// Validate checks every bot config field against its documented range.
// It runs once before a bot run starts; an error here keeps the bot STOPPED.
func Validate(b *BotConfig) error {
	if b.Mode != types.ModeMock && b.Mode != types.ModeLive {
		return fmt.Errorf("mode must be MOCK or LIVE, got %q", b.Mode)
	}
	if len(b.AllowedPairs) == 0 {
		return fmt.Errorf("at least one allowed pair must be specified")
	}
	for _, p := range b.AllowedPairs {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("allowed pairs must not contain empty symbols")
		}
	}
	if len(b.SignalSources) == 0 {
		return fmt.Errorf("at least one signal source must be configured")
	}
	if b.MaxTradesPerDay <= 0 || b.MaxTradesPerDay > 1000 {
		return fmt.Errorf("max trades per day must be between 1 and 1000, got %d", b.MaxTradesPerDay)
	}
	if b.MaxConcurrentTrades <= 0 || b.MaxConcurrentTrades > 100 {
		return fmt.Errorf("max concurrent trades must be between 1 and 100, got %d", b.MaxConcurrentTrades)
	}
	if b.TradeAmountUSDT < 0 {
		return fmt.Errorf("trade amount must be non-negative, got %f", b.TradeAmountUSDT)
	}
	if b.TradeAmountUSDT == 0 && b.RiskPerTradePercent == 0 {
		return fmt.Errorf("either trade amount or risk per trade percent must be positive")
	}
	if b.RiskPerTradePercent < 0 || b.RiskPerTradePercent > 100 {
		return fmt.Errorf("risk per trade percent must be between 0 and 100, got %f", b.RiskPerTradePercent)
	}
	if b.AIConfidenceThreshold < 0 || b.AIConfidenceThreshold > 1 {
		return fmt.Errorf("AI confidence threshold must be between 0 and 1, got %f", b.AIConfidenceThreshold)
	}
	if b.StopLossPercent < 0 {
		return fmt.Errorf("stop loss percent must be non-negative, got %f", b.StopLossPercent)
	}
	if b.ProfitTargetMin < 0 {
		return fmt.Errorf("profit target min must be non-negative, got %f", b.ProfitTargetMin)
	}
	if b.ProfitTargetMax != 0 && b.ProfitTargetMax < b.ProfitTargetMin {
		return fmt.Errorf("profit target max %f is below min %f", b.ProfitTargetMax, b.ProfitTargetMin)
	}
	if b.TrailingEnabled {
		if b.TrailingTriggerUSD <= 0 {
			return fmt.Errorf("trailing trigger must be positive when trailing is enabled, got %f", b.TrailingTriggerUSD)
		}
		if b.TrailingDistUSD <= 0 {
			return fmt.Errorf("trailing distance must be positive when trailing is enabled, got %f", b.TrailingDistUSD)
		}
	}
	if iv := b.TradeInterval(); iv < time.Second || iv > 24*time.Hour {
		return fmt.Errorf("analysis interval must be between 1s and 24h, got %v", iv)
	}
	if b.CooldownSecs < 0 || b.ReanalysisCooldownSecs < 0 {
		return fmt.Errorf("cooldowns must be non-negative")
	}
	if b.SourceTimeoutSecs < 1 || b.SourceTimeoutSecs > 60 {
		return fmt.Errorf("source timeout must be between 1s and 60s, got %ds", b.SourceTimeoutSecs)
	}
	if b.SlippagePercent < 0 || b.SlippagePercent > 10 {
		return fmt.Errorf("slippage tolerance must be between 0 and 10 percent, got %f", b.SlippagePercent)
	}
	if b.MonitorIntervalSecs < 1 || b.MonitorIntervalSecs > 3600 {
		return fmt.Errorf("monitor interval must be between 1s and 1h, got %ds", b.MonitorIntervalSecs)
	}
	if b.LossCheckPercent < 0 || b.LossCheckPercent > 100 {
		return fmt.Errorf("loss check interval percent must be between 0 and 100, got %f", b.LossCheckPercent)
	}
	if b.PaperBalanceUSDT <= 0 {
		return fmt.Errorf("paper balance must be positive, got %f", b.PaperBalanceUSDT)
	}
	return nil
}
