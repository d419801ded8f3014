package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != ModePaper {
		t.Errorf("mode = %q, want paper", cfg.Mode)
	}
	if cfg.Live() {
		t.Error("default config reports live")
	}
	if cfg.Risk.PerTrade != 0.01 || cfg.Risk.MaxPerTrade != 0.03 {
		t.Errorf("risk defaults = %v/%v", cfg.Risk.PerTrade, cfg.Risk.MaxPerTrade)
	}
	if cfg.Strategy.ConfThreshold != 0.6 || cfg.Strategy.SLMult != 2.0 || cfg.Strategy.TPMult != 3.5 {
		t.Errorf("strategy defaults = %+v", cfg.Strategy)
	}
	if cfg.Protections.OrderConfirmTimeout != 30*time.Second {
		t.Errorf("confirm timeout = %v", cfg.Protections.OrderConfirmTimeout)
	}
	if cfg.Protections.PendingEntryMaxAge != 120*time.Second {
		t.Errorf("pending TTL = %v", cfg.Protections.PendingEntryMaxAge)
	}
	if !cfg.Trail.Enabled || cfg.Trail.TriggerATR != 2.5 || cfg.Trail.OffsetATR != 0.8 {
		t.Errorf("trail defaults = %+v", cfg.Trail)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults fail validation: %v", err)
	}

	// Bare file names resolve under the state dir.
	want := filepath.Join("state", "trades.sqlite")
	if cfg.Paths.TradeDBFile != want {
		t.Errorf("trade db path = %q, want %q", cfg.Paths.TradeDBFile, want)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EXECUTION_MODE", "live")
	t.Setenv("ALLOW_LIVE", "true")
	t.Setenv("RISK_PER_TRADE", "0.02")
	t.Setenv("MAX_DAILY_DRAWDOWN", "0.15")
	t.Setenv("ORDER_CONFIRM_TIMEOUT_S", "45")
	t.Setenv("DYNAMIC_TRAIL_COOLDOWN_S", "2.5")
	t.Setenv("STATE_DIR", "/var/lib/runner")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Live() || !cfg.AllowLive {
		t.Errorf("mode = %q allow_live = %v", cfg.Mode, cfg.AllowLive)
	}
	if cfg.Risk.PerTrade != 0.02 || cfg.Risk.MaxDailyDrawdown != 0.15 {
		t.Errorf("risk overrides = %+v", cfg.Risk)
	}
	// Bare second counts decode into durations.
	if cfg.Protections.OrderConfirmTimeout != 45*time.Second {
		t.Errorf("confirm timeout = %v, want 45s", cfg.Protections.OrderConfirmTimeout)
	}
	if cfg.Trail.Cooldown != 2500*time.Millisecond {
		t.Errorf("cooldown = %v, want 2.5s", cfg.Trail.Cooldown)
	}
	if cfg.Paths.KillSwitchFile != "/var/lib/runner/kill_switch.json" {
		t.Errorf("kill switch path = %q", cfg.Paths.KillSwitchFile)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		return cfg
	}

	cfg := base()
	cfg.Mode = ModeLive // without AllowLive
	if err := cfg.Validate(); err == nil {
		t.Error("live without ALLOW_LIVE passed validation")
	}

	cfg = base()
	cfg.Mode = "dry-run"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown mode passed validation")
	}

	cfg = base()
	cfg.Risk.MaxPerTrade = 0.001 // below base risk
	if err := cfg.Validate(); err == nil {
		t.Error("max risk below base risk passed validation")
	}

	cfg = base()
	cfg.Risk.MaxDailyDrawdown = 1.0
	if err := cfg.Validate(); err == nil {
		t.Error("drawdown of 100% passed validation")
	}

	cfg = base()
	cfg.Strategy.ConfThreshold = 1.2
	if err := cfg.Validate(); err == nil {
		t.Error("out-of-range threshold passed validation")
	}
}

func TestBrokerForRouting(t *testing.T) {
	cfg := &Config{
		DefaultBroker: "bitget",
		AssetRouting:  map[string]string{"SBER": "tinkoff", "GAZP": ""},
	}
	if got := cfg.BrokerFor("SBER"); got != "tinkoff" {
		t.Errorf("SBER routed to %q", got)
	}
	// An empty routing entry falls back to the default.
	if got := cfg.BrokerFor("GAZP"); got != "bitget" {
		t.Errorf("GAZP routed to %q", got)
	}
	if got := cfg.BrokerFor("BTCUSDT"); got != "bitget" {
		t.Errorf("unrouted symbol went to %q", got)
	}
}

func TestTimeframeSeconds(t *testing.T) {
	tests := []struct {
		tf   string
		want int
	}{
		{"1m", 60},
		{"15m", 900},
		{"4h", 14400},
		{"1d", 86400},
		{"7w", 3600}, // unknown falls back to an hour
	}
	for _, tt := range tests {
		cfg := &Config{Strategy: StrategyConfig{Timeframe: tt.tf}}
		if got := cfg.TimeframeSeconds(); got != tt.want {
			t.Errorf("TimeframeSeconds(%q) = %d, want %d", tt.tf, got, tt.want)
		}
	}
}
