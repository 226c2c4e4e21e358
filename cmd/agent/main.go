// Command agent is the operator entrypoint for the live intraday
// engine: it resolves the session anchor (an explicit strike+expiry or
// --auto), builds every collaborator from spec.md §4, and runs the
// Coordinator's event loop until a shutdown signal arrives. Adapted
// from the teacher's cmd/decision main wiring (flags -> config.Load ->
// construct collaborators -> run), generalized to this engine's
// broker/risk/journal/notify stack.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ronniedreams/nifty-options-agent/internal/auto"
	"github.com/ronniedreams/nifty-options-agent/internal/bars"
	"github.com/ronniedreams/nifty-options-agent/internal/broker"
	"github.com/ronniedreams/nifty-options-agent/internal/config"
	"github.com/ronniedreams/nifty-options-agent/internal/engine"
	"github.com/ronniedreams/nifty-options-agent/internal/feed"
	"github.com/ronniedreams/nifty-options-agent/internal/filter"
	"github.com/ronniedreams/nifty-options-agent/internal/journal"
	"github.com/ronniedreams/nifty-options-agent/internal/notify"
	"github.com/ronniedreams/nifty-options-agent/internal/observ"
	"github.com/ronniedreams/nifty-options-agent/internal/orders"
	"github.com/ronniedreams/nifty-options-agent/internal/risk"
	"github.com/ronniedreams/nifty-options-agent/internal/symbol"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// newZapLogger installs a human-readable development logger in paper
// mode and the structured production encoder in live mode, mirroring
// the teacher's environment-conditional zap setup.
func newZapLogger(mode string) (*zap.Logger, error) {
	if mode == "live" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func main() {
	flags := pflag.NewFlagSet("agent", pflag.ExitOnError)
	configPath := flags.String("config", "", "path to YAML config file")
	auto_ := flags.Bool("auto", false, "auto-detect at-the-money strike and nearest expiry at startup")
	atmStrike := flags.Int("strike", 0, "anchor at-the-money strike (ignored with --auto)")
	expiryToken := flags.String("expiry", "", "expiry token DDMMMYY, e.g. 06FEB26 (ignored with --auto)")
	tradingMode := flags.String("mode", "paper", "paper | live")
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Fatalf("parse flags: %v", err)
	}

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if flags.Changed("mode") {
		cfg.TradingMode = *tradingMode
	}
	if flags.Changed("auto") {
		cfg.Session.Auto = *auto_
	}
	if *atmStrike != 0 {
		cfg.Session.ATMStrike = *atmStrike
	}
	if *expiryToken != "" {
		cfg.Session.ExpiryToken = *expiryToken
	}

	zapLogger, err := newZapLogger(cfg.TradingMode)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	observ.SetLogger(zapLogger)
	defer observ.Sync()

	if err := run(cfg); err != nil {
		observ.Log(observ.TagEngine, "agent_exit_error", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	os.Exit(0)
}

func run(cfg config.Root) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifier := buildNotifier(cfg)
	jrnl, err := buildJournal(cfg)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}

	anchor, err := resolveAnchor(ctx, cfg)
	if err != nil {
		return fmt.Errorf("resolve anchor: %w", err)
	}
	observ.Log(observ.TagEngine, "session_anchor_resolved", map[string]any{
		"atm_strike": anchor.ATMStrike, "expiry_token": anchor.ExpiryToken, "mode": cfg.TradingMode,
	})

	symbols := strikeWindowSymbols(anchor, cfg.Session.StrikeWindow)

	adapter, err := buildAdapter(cfg)
	if err != nil {
		return fmt.Errorf("broker adapter: %w", err)
	}
	defer adapter.Close()

	agg := bars.New(cfg.Location())
	filterEng := filter.New(cfg.Thresholds, cfg.Sizing, agg)
	orderMgr := orders.New(adapter, jrnl, notifier, cfg.Thresholds)
	riskGov, err := risk.NewFromConfig(cfg, jrnl, notifier)
	if err != nil {
		return fmt.Errorf("risk governor: %w", err)
	}

	feedSup := feed.New(
		time.Duration(cfg.Feed.StaleThresholdSec)*time.Second,
		time.Duration(cfg.Feed.SwitchbackStableSec)*time.Second,
		func(from, to feed.Source, reason string) {
			_ = notifier.Notify(ctx, notify.KindFeedFailover, "feed source switched", fmt.Sprintf("%s -> %s (%s)", from, to, reason))
		},
	)

	coord := engine.New(cfg, feedSup, agg, filterEng, orderMgr, riskGov, jrnl, notifier, symbols)

	startMetricsServer(cfg.MetricsAddr)

	primaryTicks, err := adapter.TickStream(ctx)
	if err != nil {
		return fmt.Errorf("primary tick stream: %w", err)
	}
	backupTicks := make(chan broker.Tick) // no independent backup feed configured; primary-only deployments still satisfy the Supervisor contract.

	_ = notifier.Notify(ctx, notify.KindStartup, "agent started", fmt.Sprintf("mode=%s symbols=%d", cfg.TradingMode, len(symbols)))

	return coord.Run(ctx, primaryTicks, backupTicks)
}

func resolveAnchor(ctx context.Context, cfg config.Root) (auto.Anchor, error) {
	if !cfg.Session.Auto {
		if cfg.Session.ATMStrike == 0 || cfg.Session.ExpiryToken == "" {
			return auto.Anchor{}, fmt.Errorf("strike and expiry are required unless --auto is set")
		}
		return auto.Anchor{ATMStrike: cfg.Session.ATMStrike, ExpiryToken: cfg.Session.ExpiryToken}, nil
	}
	detector := auto.NewHTTPDetector(cfg.Broker.BaseURL, cfg.Broker.APIKey, 50)
	return detector.Detect(ctx)
}

func strikeWindowSymbols(anchor auto.Anchor, window int) []string {
	if window <= 0 {
		window = 10
	}
	symbols := make([]string, 0, (2*window+1)*2)
	for offset := -window; offset <= window; offset++ {
		strike := anchor.ATMStrike + offset*50
		symbols = append(symbols, symbol.FormatToken(anchor.ExpiryToken, strike, symbol.CE))
		symbols = append(symbols, symbol.FormatToken(anchor.ExpiryToken, strike, symbol.PE))
	}
	return symbols
}

func buildAdapter(cfg config.Root) (broker.Adapter, error) {
	switch cfg.TradingMode {
	case "live":
		return broker.NewLiveAdapter(cfg.Broker.BaseURL, cfg.Broker.WebsocketURL, cfg.Broker.APIKey, cfg.Broker.APISecret, cfg.Broker.RateLimitPerSec), nil
	case "paper", "":
		return broker.NewPaperAdapter(50*time.Millisecond, 1, decimal.NewFromFloat(cfg.Thresholds.TickSize)), nil
	default:
		return nil, fmt.Errorf("unknown trading mode %q", cfg.TradingMode)
	}
}

func buildJournal(cfg config.Root) (journal.Journal, error) {
	if cfg.JournalPath == "" {
		return journal.NullJournal{}, nil
	}
	return journal.NewFileJournal(cfg.JournalPath)
}

// startMetricsServer binds the Prometheus /metrics and JSON /healthz
// endpoints on a loopback-only listener, mirroring the teacher's
// cmd/decision metrics-mux pattern (internal/observ.Handler() +
// a health handler registered alongside it).
func startMetricsServer(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/healthz", observ.HealthHandler())
	observ.Log(observ.TagEngine, "metrics_listen", map[string]any{"addr": addr})
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			observ.Warn(observ.TagEngine, "metrics_server_stopped", map[string]any{"err": err.Error()})
		}
	}()
}

func buildNotifier(cfg config.Root) notify.Notifier {
	if cfg.SlackWebhook == "" {
		return notify.NullNotifier{}
	}
	return notify.NewThrottler(notify.NewSlackNotifier(cfg.SlackWebhook))
}
