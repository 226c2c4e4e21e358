// Package config loads engine configuration from flags, environment
// variables and an optional YAML file, in that precedence order, via
// github.com/spf13/viper (domain stack, grounded on
// tom-park-io-wscollector's collector config). spec.md §6 requires
// exactly this three-source composition ("configuration overrides" at
// the operator surface plus "risk parameters, broker endpoints,
// credentials, and thresholds ... read at start" from the environment).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Thresholds holds the filter-engine constants from spec.md §4.4.
type Thresholds struct {
	MinEntryPrice    float64 `mapstructure:"min_entry_price"`
	MaxEntryPrice    float64 `mapstructure:"max_entry_price"`
	MinVWAPPremium   float64 `mapstructure:"min_vwap_premium"`
	MinSLPercent     float64 `mapstructure:"min_sl_percent"`
	MaxSLPercent     float64 `mapstructure:"max_sl_percent"`
	TargetSLPoints   float64 `mapstructure:"target_sl_points"`
	TickSize         float64 `mapstructure:"tick_size"`
	ModThreshold     float64 `mapstructure:"mod_threshold"`
	ExitStopBuffer   float64 `mapstructure:"exit_stop_buffer"` // spec §9: limit = trigger + 3
}

// Sizing holds position-sizing constants from spec.md §4.4.
type Sizing struct {
	RValue           float64 `mapstructure:"r_value"`
	LotSize          int     `mapstructure:"lot_size"`
	MaxLotsPerPosition int   `mapstructure:"max_lots_per_position"`
}

// Caps holds the position caps from spec.md §3 and §4.6.
type Caps struct {
	MaxPositions   int `mapstructure:"max_positions"`
	MaxCEPositions int `mapstructure:"max_ce_positions"`
	MaxPEPositions int `mapstructure:"max_pe_positions"`
}

// Risk holds the session risk governor constants from spec.md §4.6.
type Risk struct {
	DailyTargetR       float64 `mapstructure:"daily_target_r"`
	DailyStopR         float64 `mapstructure:"daily_stop_r"`
	ForceExitTime      string  `mapstructure:"force_exit_time"` // "15:15"
	MaxSLFailureCount  int     `mapstructure:"max_sl_failure_count"`
}

// Feed holds the feed supervisor's failover thresholds from spec.md §4.2.
type Feed struct {
	StaleThresholdSec     int `mapstructure:"stale_threshold_sec"`
	SwitchbackStableSec   int `mapstructure:"switchback_stable_sec"`
	StaleDataTimeoutSec   int `mapstructure:"stale_data_timeout_sec"`
}

// Timers holds the Coordinator's periodic-timer cadences from spec.md §4.7.
type Timers struct {
	OrderbookPollSec   int `mapstructure:"orderbook_poll_sec"`
	PositionReconcileSec int `mapstructure:"position_reconcile_sec"`
	RiskCheckSec       int `mapstructure:"risk_check_sec"`
	HeartbeatSec       int `mapstructure:"heartbeat_sec"`
	WatchdogSec        int `mapstructure:"watchdog_sec"`
	ShutdownTimeoutSec int `mapstructure:"shutdown_timeout_sec"`
}

// Broker holds broker gateway connection settings.
type Broker struct {
	BaseURL     string `mapstructure:"base_url"`
	WebsocketURL string `mapstructure:"websocket_url"`
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	RateLimitPerSec float64 `mapstructure:"rate_limit_per_sec"`
}

// Session holds the anchor-strike selection and session window.
type Session struct {
	Auto           bool   `mapstructure:"auto"`
	ATMStrike      int    `mapstructure:"atm_strike"`
	ExpiryToken    string `mapstructure:"expiry_token"`
	StrikeWindow   int    `mapstructure:"strike_window"` // N, default 10
	TimezoneName   string `mapstructure:"timezone"`      // session local tz, e.g. Asia/Kolkata
}

// Root is the fully composed configuration.
type Root struct {
	TradingMode string     `mapstructure:"trading_mode"` // paper | live
	JournalPath string     `mapstructure:"journal_path"`
	SlackWebhook string    `mapstructure:"slack_webhook"`
	MetricsAddr string     `mapstructure:"metrics_addr"` // loopback listen address for /metrics and /healthz; empty disables
	Thresholds  Thresholds `mapstructure:"thresholds"`
	Sizing      Sizing     `mapstructure:"sizing"`
	Caps        Caps       `mapstructure:"caps"`
	Risk        Risk       `mapstructure:"risk"`
	Feed        Feed       `mapstructure:"feed"`
	Timers      Timers     `mapstructure:"timers"`
	Broker      Broker     `mapstructure:"broker"`
	Session     Session    `mapstructure:"session"`
}

// Location resolves the configured session timezone, defaulting to
// Asia/Kolkata (NSE's timezone) if unset or invalid.
func (r Root) Location() *time.Location {
	name := r.Session.TimezoneName
	if name == "" {
		name = "Asia/Kolkata"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ForceExitClock parses Risk.ForceExitTime ("HH:MM") into hour, minute.
func (r Root) ForceExitClock() (hour, minute int, err error) {
	parts := strings.Split(r.Risk.ForceExitTime, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid force_exit_time %q", r.Risk.ForceExitTime)
	}
	if _, err := fmt.Sscanf(r.Risk.ForceExitTime, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, fmt.Errorf("invalid force_exit_time %q: %w", r.Risk.ForceExitTime, err)
	}
	return hour, minute, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading_mode", "paper")
	v.SetDefault("journal_path", "data/journal.jsonl")
	v.SetDefault("metrics_addr", "127.0.0.1:8090")
	v.SetDefault("slack_webhook", "")

	// Keys with no meaningful default still need one so that Unmarshal
	// picks up their NIFTY_* environment variables.
	v.SetDefault("broker.base_url", "")
	v.SetDefault("broker.websocket_url", "")
	v.SetDefault("broker.api_key", "")
	v.SetDefault("broker.api_secret", "")
	v.SetDefault("session.auto", false)
	v.SetDefault("session.atm_strike", 0)
	v.SetDefault("session.expiry_token", "")

	v.SetDefault("thresholds.min_entry_price", 100.0)
	v.SetDefault("thresholds.max_entry_price", 300.0)
	v.SetDefault("thresholds.min_vwap_premium", 0.04)
	v.SetDefault("thresholds.min_sl_percent", 0.02)
	v.SetDefault("thresholds.max_sl_percent", 0.10)
	v.SetDefault("thresholds.target_sl_points", 10.0)
	v.SetDefault("thresholds.tick_size", 0.05)
	v.SetDefault("thresholds.mod_threshold", 1.00)
	v.SetDefault("thresholds.exit_stop_buffer", 3.0)

	v.SetDefault("sizing.r_value", 6500.0)
	v.SetDefault("sizing.lot_size", 65)
	v.SetDefault("sizing.max_lots_per_position", 10)

	v.SetDefault("caps.max_positions", 5)
	v.SetDefault("caps.max_ce_positions", 3)
	v.SetDefault("caps.max_pe_positions", 3)

	v.SetDefault("risk.daily_target_r", 5.0)
	v.SetDefault("risk.daily_stop_r", -5.0)
	v.SetDefault("risk.force_exit_time", "15:15")
	v.SetDefault("risk.max_sl_failure_count", 3)

	v.SetDefault("feed.stale_threshold_sec", 15)
	v.SetDefault("feed.switchback_stable_sec", 10)
	v.SetDefault("feed.stale_data_timeout_sec", 30)

	v.SetDefault("timers.orderbook_poll_sec", 5)
	v.SetDefault("timers.position_reconcile_sec", 60)
	v.SetDefault("timers.risk_check_sec", 10)
	v.SetDefault("timers.heartbeat_sec", 60)
	v.SetDefault("timers.watchdog_sec", 30)
	v.SetDefault("timers.shutdown_timeout_sec", 9)

	v.SetDefault("broker.rate_limit_per_sec", 10.0)

	v.SetDefault("session.strike_window", 10)
	v.SetDefault("session.timezone", "Asia/Kolkata")
}

// Load composes configuration from (in increasing precedence) the YAML
// file at path (if non-empty and present), environment variables
// prefixed NIFTY_ (nested keys use "_", e.g. NIFTY_SIZING_R_VALUE), and
// CLI flags bound via flags. Credentials (broker.api_key/api_secret)
// are expected to arrive via environment only; Load never logs the
// composed Root.
func Load(path string, flags *pflag.FlagSet) (Root, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NIFTY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !isNotFound(err) {
				return Root{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Root{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	var root Root
	if err := v.Unmarshal(&root); err != nil {
		return Root{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return root, nil
}

func isNotFound(err error) bool {
	_, ok := err.(viper.ConfigFileNotFoundError)
	return ok
}
