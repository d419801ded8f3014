// Package config defines all configuration for the execution engine.
// Config is loaded once at startup from an optional YAML file with every
// operational knob overridable via a flat environment variable
// (EXECUTION_MODE, RISK_PER_TRADE, …). The loaded snapshot is immutable
// for the life of the process.
package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// ExecutionMode gates live order submission and strict-protection behavior.
type ExecutionMode string

const (
	ModeBacktest ExecutionMode = "backtest"
	ModePaper    ExecutionMode = "paper"
	ModeLive     ExecutionMode = "live"
)

// Config is the top-level configuration snapshot.
type Config struct {
	Mode       ExecutionMode `mapstructure:"execution_mode"`
	AllowLive  bool          `mapstructure:"allow_live"`
	StrategyID string        `mapstructure:"strategy_id"`

	Assets        []string          `mapstructure:"assets"`
	AssetRouting  map[string]string `mapstructure:"asset_routing"`
	DefaultBroker string            `mapstructure:"default_broker"`

	Risk        RiskConfig        `mapstructure:"risk"`
	Strategy    StrategyConfig    `mapstructure:"strategy"`
	Protections ProtectionsConfig `mapstructure:"protections"`
	Trail       TrailConfig       `mapstructure:"trail"`
	Runner      RunnerConfig      `mapstructure:"runner"`
	Paths       PathsConfig       `mapstructure:"paths"`
	Signals     SignalsConfig     `mapstructure:"signals"`
	Alerts      AlertsConfig      `mapstructure:"alerts"`
	Logging     LoggingConfig     `mapstructure:"logging"`

	Brokers map[string]BrokerConfig `mapstructure:"brokers"`
	Sim     SimConfig               `mapstructure:"sim"`
}

// RiskConfig sets the portfolio-wide hard limits. PerTrade and MaxPerTrade
// are fractions of equity; confidence scales risk between them.
// MaxOpenPositions counts venue positions together with open ledger trades
// (0 = unlimited). MaxDailyDrawdown is a fraction of the UTC-day anchor
// equity; 0 disables the guard.
type RiskConfig struct {
	PerTrade            float64 `mapstructure:"risk_per_trade"`
	MaxPerTrade         float64 `mapstructure:"max_risk_per_trade"`
	MaxOpenPositions    int     `mapstructure:"max_open_positions"`
	MaxPositionNotional float64 `mapstructure:"max_position_notional"`
	MaxDailyDrawdown    float64 `mapstructure:"max_daily_drawdown"`
}

// StrategyConfig tunes the signal-consumption side of the runner.
type StrategyConfig struct {
	ConfThreshold float64 `mapstructure:"conf_threshold"`
	SLMult        float64 `mapstructure:"sl_mult"`
	TPMult        float64 `mapstructure:"tp_mult"`
	PullbackMult  float64 `mapstructure:"pullback_mult"`
	MaxHoldBars   int     `mapstructure:"max_hold_bars"`
	Timeframe     string  `mapstructure:"timeframe"` // signal bar duration, e.g. "4h"
}

// ProtectionsConfig controls SL/TP arming.
type ProtectionsConfig struct {
	StrictLive          bool          `mapstructure:"strict_protections_live"`
	UseNative           bool          `mapstructure:"use_native_protections"`
	OrderConfirmTimeout time.Duration `mapstructure:"order_confirm_timeout"`
	PendingEntryMaxAge  time.Duration `mapstructure:"pending_entry_max_age"`
}

// TrailConfig holds the adaptive trailing-stop knobs. All *ATR fields are
// multiples of the signal ATR.
type TrailConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	BreakevenATR       float64       `mapstructure:"breakeven_atr"`
	BreakevenBufferATR float64       `mapstructure:"breakeven_buffer_atr"`
	TriggerATR         float64       `mapstructure:"trigger_atr"`
	OffsetATR          float64       `mapstructure:"offset_atr"`
	MinStepATR         float64       `mapstructure:"min_step_atr"`
	Cooldown           time.Duration `mapstructure:"cooldown"`
	MinGapPct          float64       `mapstructure:"min_gap_pct"`
}

// RunnerConfig controls the loop itself.
type RunnerConfig struct {
	HeartbeatEvery       time.Duration `mapstructure:"heartbeat_every"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
	SleepInterval        time.Duration `mapstructure:"sleep_interval"`
}

// PathsConfig names every persistent file. Bare file names resolve under
// StateDir.
type PathsConfig struct {
	StateDir        string `mapstructure:"state_dir"`
	RunnerStateFile string `mapstructure:"runner_state_file"`
	ProtectionsFile string `mapstructure:"protections_file"`
	TradeDBFile     string `mapstructure:"trade_db_file"`
	HeartbeatFile   string `mapstructure:"heartbeat_file"`
	KillSwitchFile  string `mapstructure:"kill_switch_file"`
}

// SignalsConfig locates the signal bus and its file fallback.
type SignalsConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	RedisKey  string        `mapstructure:"redis_key"`
	TTL       time.Duration `mapstructure:"ttl"`
	File      string        `mapstructure:"file"`
}

// AlertsConfig configures the best-effort Telegram alerter. Enabled only
// takes effect when both credentials are present.
type AlertsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"tg_bot_token"`
	ChatID   string `mapstructure:"tg_chat_id"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// BrokerConfig holds one venue adapter's credentials and HTTP tuning.
type BrokerConfig struct {
	APIKey     string `mapstructure:"api_key"`
	APISecret  string `mapstructure:"api_secret"`
	Passphrase string `mapstructure:"passphrase"`
	Token      string `mapstructure:"token"`      // bearer-token venues
	AccountID  string `mapstructure:"account_id"` // bearer-token venues
	BaseURL    string `mapstructure:"base_url"`

	RPS         float64 `mapstructure:"http_rps"`
	Burst       int     `mapstructure:"http_burst"`
	MaxInflight int64   `mapstructure:"http_max_inflight"`
	MaxRetries  int     `mapstructure:"http_max_retries"`
}

// SimConfig tunes the simulated broker.
type SimConfig struct {
	StartingEquity float64 `mapstructure:"starting_equity"`
	Currency       string  `mapstructure:"currency"`
	SlippageBps    float64 `mapstructure:"slippage_bps"`
	DataBroker     string  `mapstructure:"data_broker"` // real adapter consulted for market data
}

// envKeys maps the documented flat environment keys onto config paths.
var envKeys = map[string]string{
	"execution_mode":                      "EXECUTION_MODE",
	"allow_live":                          "ALLOW_LIVE",
	"risk.risk_per_trade":                 "RISK_PER_TRADE",
	"risk.max_risk_per_trade":             "MAX_RISK_PER_TRADE",
	"risk.max_open_positions":             "MAX_OPEN_POSITIONS",
	"risk.max_position_notional":          "MAX_POSITION_NOTIONAL",
	"risk.max_daily_drawdown":             "MAX_DAILY_DRAWDOWN",
	"protections.strict_protections_live": "STRICT_PROTECTIONS_LIVE",
	"protections.use_native_protections":  "USE_NATIVE_PROTECTIONS",
	"protections.order_confirm_timeout":   "ORDER_CONFIRM_TIMEOUT_S",
	"protections.pending_entry_max_age":   "PENDING_ENTRY_MAX_AGE_S",
	"runner.heartbeat_every":              "HEARTBEAT_EVERY_S",
	"runner.max_consecutive_errors":       "RUNNER_MAX_CONSECUTIVE_ERRORS",
	"trail.enabled":                       "DYNAMIC_TRAILING_ENABLED",
	"trail.breakeven_atr":                 "DYNAMIC_TRAIL_BREAKEVEN_ATR",
	"trail.breakeven_buffer_atr":          "DYNAMIC_TRAIL_BREAKEVEN_BUFFER_ATR",
	"trail.trigger_atr":                   "DYNAMIC_TRAIL_TRIGGER_ATR",
	"trail.offset_atr":                    "DYNAMIC_TRAIL_OFFSET_ATR",
	"trail.min_step_atr":                  "DYNAMIC_TRAIL_MIN_STEP_ATR",
	"trail.cooldown":                      "DYNAMIC_TRAIL_COOLDOWN_S",
	"trail.min_gap_pct":                   "DYNAMIC_TRAIL_MIN_GAP_PCT",
	"paths.state_dir":                     "STATE_DIR",
	"paths.runner_state_file":             "RUNNER_STATE_FILE",
	"paths.protections_file":              "PROTECTIONS_FILE",
	"paths.trade_db_file":                 "TRADE_DB_FILE",
	"paths.heartbeat_file":                "HEARTBEAT_FILE",
	"paths.kill_switch_file":              "KILL_SWITCH_FILE",
	"alerts.enabled":                      "ALERTS_ENABLED",
	"alerts.tg_bot_token":                 "ALERT_TG_BOT_TOKEN",
	"alerts.tg_chat_id":                   "ALERT_TG_CHAT_ID",
	"signals.redis_addr":                  "SIGNALS_REDIS_ADDR",
	"signals.redis_key":                   "SIGNALS_REDIS_KEY",
	"signals.file":                        "SIGNALS_FILE",
}

// Load reads config from an optional YAML file with env var overrides.
// An empty path loads pure defaults + env.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Mode = ExecutionMode(strings.ToLower(string(cfg.Mode)))
	cfg.resolvePaths()
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("execution_mode", string(ModePaper))
	v.SetDefault("strategy_id", "universal")
	v.SetDefault("default_broker", "bitget")

	v.SetDefault("risk.risk_per_trade", 0.01)
	v.SetDefault("risk.max_risk_per_trade", 0.03)
	v.SetDefault("risk.max_open_positions", 0)
	v.SetDefault("risk.max_position_notional", 0.0)
	v.SetDefault("risk.max_daily_drawdown", 0.0)

	v.SetDefault("strategy.conf_threshold", 0.6)
	v.SetDefault("strategy.sl_mult", 2.0)
	v.SetDefault("strategy.tp_mult", 3.5)
	v.SetDefault("strategy.pullback_mult", 0.0)
	v.SetDefault("strategy.max_hold_bars", 48)
	v.SetDefault("strategy.timeframe", "4h")

	v.SetDefault("protections.strict_protections_live", true)
	v.SetDefault("protections.use_native_protections", true)
	v.SetDefault("protections.order_confirm_timeout", 30*time.Second)
	v.SetDefault("protections.pending_entry_max_age", 120*time.Second)

	v.SetDefault("trail.enabled", true)
	v.SetDefault("trail.breakeven_atr", 1.0)
	v.SetDefault("trail.breakeven_buffer_atr", 0.05)
	v.SetDefault("trail.trigger_atr", 2.5)
	v.SetDefault("trail.offset_atr", 0.8)
	v.SetDefault("trail.min_step_atr", 0.10)
	v.SetDefault("trail.cooldown", 5*time.Second)
	v.SetDefault("trail.min_gap_pct", 0.001)

	v.SetDefault("runner.heartbeat_every", 5*time.Second)
	v.SetDefault("runner.max_consecutive_errors", 5)
	v.SetDefault("runner.sleep_interval", 10*time.Second)

	v.SetDefault("paths.state_dir", "state")
	v.SetDefault("paths.runner_state_file", "runner_state.json")
	v.SetDefault("paths.protections_file", "protections.json")
	v.SetDefault("paths.trade_db_file", "trades.sqlite")
	v.SetDefault("paths.heartbeat_file", "runner_heartbeat.json")
	v.SetDefault("paths.kill_switch_file", "kill_switch.json")

	v.SetDefault("signals.redis_addr", "localhost:6379")
	v.SetDefault("signals.redis_key", "production_signals_v1")
	v.SetDefault("signals.ttl", 300*time.Second)
	v.SetDefault("signals.file", "data_cache/production_signals_v1.json")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("sim.starting_equity", 10000.0)
	v.SetDefault("sim.currency", "USDT")
	v.SetDefault("sim.slippage_bps", 10.0)
	v.SetDefault("sim.data_broker", "bitget")
}

// secondsToDurationHook decodes bare numbers into durations as seconds.
// The _S env keys (ORDER_CONFIRM_TIMEOUT_S, HEARTBEAT_EVERY_S, …) carry
// plain second counts; values with a unit suffix fall through to the
// standard duration hook.
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	durType := reflect.TypeOf(time.Duration(0))
	return func(from, to reflect.Type, data any) (any, error) {
		if to != durType {
			return data, nil
		}
		switch v := data.(type) {
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case string:
			if secs, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
		}
		return data, nil
	}
}

// resolvePaths anchors bare file names under StateDir.
func (c *Config) resolvePaths() {
	anchor := func(p string) string {
		if p == "" || filepath.IsAbs(p) || strings.ContainsRune(p, filepath.Separator) {
			return p
		}
		return filepath.Join(c.Paths.StateDir, p)
	}
	c.Paths.RunnerStateFile = anchor(c.Paths.RunnerStateFile)
	c.Paths.ProtectionsFile = anchor(c.Paths.ProtectionsFile)
	c.Paths.TradeDBFile = anchor(c.Paths.TradeDBFile)
	c.Paths.HeartbeatFile = anchor(c.Paths.HeartbeatFile)
	c.Paths.KillSwitchFile = anchor(c.Paths.KillSwitchFile)
}

// Live reports whether real order submission is in effect. LIVE without
// ALLOW_LIVE is refused at validation, never silently downgraded.
func (c *Config) Live() bool { return c.Mode == ModeLive }

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeBacktest, ModePaper, ModeLive:
	default:
		return fmt.Errorf("execution_mode must be one of: backtest, paper, live (got %q)", c.Mode)
	}
	if c.Mode == ModeLive && !c.AllowLive {
		return fmt.Errorf("execution_mode=live requires ALLOW_LIVE=true")
	}
	if c.Risk.PerTrade <= 0 {
		return fmt.Errorf("risk.risk_per_trade must be > 0")
	}
	if c.Risk.MaxPerTrade < c.Risk.PerTrade {
		return fmt.Errorf("risk.max_risk_per_trade must be >= risk_per_trade")
	}
	if c.Risk.MaxDailyDrawdown < 0 || c.Risk.MaxDailyDrawdown >= 1 {
		return fmt.Errorf("risk.max_daily_drawdown must be in [0, 1)")
	}
	if c.Strategy.ConfThreshold <= 0 || c.Strategy.ConfThreshold >= 1 {
		return fmt.Errorf("strategy.conf_threshold must be in (0, 1)")
	}
	if c.Strategy.SLMult <= 0 {
		return fmt.Errorf("strategy.sl_mult must be > 0")
	}
	if c.DefaultBroker == "" {
		return fmt.Errorf("default_broker is required")
	}
	if c.Runner.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("runner.max_consecutive_errors must be >= 1")
	}
	return nil
}

// BrokerFor resolves the broker name routing a symbol.
func (c *Config) BrokerFor(symbol string) string {
	if name, ok := c.AssetRouting[symbol]; ok && name != "" {
		return name
	}
	return c.DefaultBroker
}

// TimeframeSeconds converts the configured bar timeframe into seconds for
// the time-exit check. Unknown values fall back to one hour.
func (c *Config) TimeframeSeconds() int {
	switch strings.ToLower(c.Strategy.Timeframe) {
	case "1m":
		return 60
	case "5m":
		return 5 * 60
	case "15m":
		return 15 * 60
	case "30m":
		return 30 * 60
	case "1h":
		return 3600
	case "4h":
		return 4 * 3600
	case "12h":
		return 12 * 3600
	case "1d":
		return 86400
	default:
		return 3600
	}
}
