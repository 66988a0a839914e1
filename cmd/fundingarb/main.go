// Command fundingarb runs the delta-neutral funding-rate arbitrage engine:
// it loads configuration, wires the funding-rate client, universe/signal/
// risk services, the two-leg executor and the durable orchestrator, then
// blocks until a termination signal arrives or the cycle lock is lost.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"fundingarb/internal/alert"
	"fundingarb/internal/bootstrap"
	"fundingarb/internal/config"
	"fundingarb/internal/core"
	"fundingarb/internal/domain"
	"fundingarb/internal/execution"
	"fundingarb/internal/fundingclient"
	"fundingarb/internal/infrastructure/health"
	"fundingarb/internal/infrastructure/server"
	"fundingarb/internal/marketdata"
	"fundingarb/internal/orchestrator"
	"fundingarb/internal/risk"
	"fundingarb/internal/statestore"
	"fundingarb/internal/trading/arbitrage"
	"fundingarb/internal/trading/signal"
	"fundingarb/internal/venue"
	"fundingarb/pkg/apperrors"
	"fundingarb/pkg/logging"
	"fundingarb/pkg/telemetry"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 unrecoverable
// state divergence, 3 lock acquisition failure.
const (
	exitOK              = 0
	exitConfigError     = 1
	exitStateDivergence = 2
	exitLockUnavailable = 3
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/fundingarb.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fundingarb version %s (built %s)\n", version, buildTime)
		os.Exit(exitOK)
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap: %v\n", err)
		os.Exit(exitConfigError)
	}
	cfg := app.Cfg

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		app.Logger.Error("failed to create logger", "error", err)
		os.Exit(exitConfigError)
	}
	logging.SetGlobalLogger(logger)

	instanceID := cfg.App.InstanceID
	if instanceID == "" {
		// The lock owner identity must be unique per process so a stale
		// lease from a crashed twin is distinguishable from our own.
		instanceID = "fundingarb-" + uuid.NewString()[:8]
	}

	logger.Info("starting fundingarb",
		"version", version,
		"build_time", buildTime,
		"engine_type", cfg.App.EngineType,
		"market_data_mode", cfg.App.MarketDataMode,
		"instance_id", instanceID,
		"venues", cfg.App.Venues,
	)

	tel, err := telemetry.Setup("fundingarb")
	if err != nil {
		logger.Warn("failed to initialize telemetry, continuing without metrics/tracing", "error", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown error", "error", err)
			}
		}()
	}
	metrics := telemetry.GetGlobalMetrics()

	store, err := newStateStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		os.Exit(exitConfigError)
	}
	defer store.Close()

	venues, priceFeeds := newPaperVenues(cfg)

	executor := execution.NewExecutor(venues, logger, execution.Params{
		LegFillTimeout:       time.Duration(cfg.Execution.LegFillTimeoutSeconds) * time.Second,
		IntentDeadline:       time.Duration(cfg.Execution.IntentDeadlineSeconds) * time.Second,
		PartialFillTolerance: decimal.NewFromFloat(cfg.Execution.PartialFillTolerancePct),
	})

	marketDataSvc, err := newMarketData(cfg, priceFeeds, logger)
	if err != nil {
		logger.Error("failed to build market-data service", "error", err)
		os.Exit(exitConfigError)
	}

	alerts := newAlerts(cfg, logger)
	anomalies := alert.NewAnomalyDetector(alerts, alert.DefaultAnomalyThresholds())

	priceHistory := signal.NewPriceHistory(cfg.Signal.BetaLookbackCandles * 2)

	healthManager := health.NewHealthManager(logger)
	healthManager.Register("state_store", func() error { return nil })
	healthServer := server.NewHealthServer(fmt.Sprintf("%d", cfg.System.HealthPort), logger, healthManager)

	o := orchestrator.New(orchestrator.Deps{
		Logger:            logger,
		Store:             store,
		Executor:          executor,
		MarketData:        marketDataSvc,
		Venues:            venues,
		Alerts:            alerts,
		Anomalies:         anomalies,
		Metrics:           metrics,
		PriceFeeds:        priceFeeds,
		PriceHistory:      priceHistory,
		UniverseParams:    universeParams(cfg),
		PairParams:        pairParams(cfg, priceHistory),
		IntentParams:      intentParams(cfg),
		RiskParams:        riskParams(cfg),
		CyclePeriod:       time.Duration(cfg.Execution.CyclePeriodSeconds) * time.Second,
		CycleDeadline:     time.Duration(cfg.Execution.CycleDeadlineSeconds) * time.Second,
		LockTTL:           time.Duration(cfg.Execution.LockTTLSeconds) * time.Second,
		InstanceID:        instanceID,
		InitialCapitalUSD: decimal.NewFromFloat(cfg.App.InitialCapitalUSD),
	})

	runErr := app.Run(&orchestratorRunner{cfg: cfg, o: o}, healthServer)
	os.Exit(exitCodeFor(runErr, logger))
}

// orchestratorRunner adapts the engine-type dispatch (durable DBOS cycle vs
// plain ticker loop) to the bootstrap Runner contract.
type orchestratorRunner struct {
	cfg *config.Config
	o   *orchestrator.Orchestrator
}

func (r *orchestratorRunner) Run(ctx context.Context) error {
	if r.cfg.App.EngineType != "dbos" {
		return r.o.Run(ctx)
	}

	dbosCtx, err := newDBOSContext(ctx, r.cfg)
	if err != nil {
		return fmt.Errorf("%w: failed to start DBOS runtime: %v", apperrors.ErrConfiguration, err)
	}
	if err := dbosCtx.Launch(); err != nil {
		return fmt.Errorf("%w: failed to launch DBOS runtime: %v", apperrors.ErrConfiguration, err)
	}
	defer dbosCtx.Shutdown(10 * time.Second)

	return r.o.RunDurable(ctx, dbosCtx)
}

// newDBOSContext constructs the durable workflow runtime backing the "dbos"
// engine type.
func newDBOSContext(ctx context.Context, cfg *config.Config) (dbos.DBOSContext, error) {
	return dbos.NewDBOSContext(ctx, dbos.Config{
		AppName:     "fundingarb",
		DatabaseURL: cfg.App.DatabaseURL,
	})
}

func newStateStore(cfg *config.Config, logger core.ILogger) (*statestore.SQLStore, error) {
	if cfg.App.DatabaseURL != "" {
		return statestore.NewPostgres(cfg.App.DatabaseURL, logger)
	}
	path := cfg.App.StateStorePath
	if path == "" {
		path = "fundingarb.db"
	}
	return statestore.NewSQLite(path, logger)
}

// newPaperVenues builds a venue.Paper adapter per configured venue name.
// Real venue REST/WebSocket connectivity is an external collaborator; Paper
// stands in so the engine runs end-to-end locally, filling each leg at the
// mid price from the same cycle's market-data snapshot via its
// SnapshotPriceSource feed.
func newPaperVenues(cfg *config.Config) (map[string]core.IVenueAdapter, map[string]*venue.SnapshotPriceSource) {
	venues := make(map[string]core.IVenueAdapter, len(cfg.App.Venues))
	feeds := make(map[string]*venue.SnapshotPriceSource, len(cfg.App.Venues))
	startingBalance := decimal.NewFromFloat(cfg.App.InitialCapitalUSD)
	for _, name := range cfg.App.Venues {
		feed := venue.NewSnapshotPriceSource(name)
		feeds[name] = feed
		venues[name] = venue.NewPaper(name, feed, startingBalance)
	}
	return venues, feeds
}

// newMarketData selects the market-data variant per app.market_data_mode. In the
// paper setup, hybrid enriches aggregator funding with synthetic
// open-interest/book data from PaperMarketData adapters; venue_only is
// rejected because paper adapters cannot originate funding rates.
func newMarketData(cfg *config.Config, feeds map[string]*venue.SnapshotPriceSource, logger core.ILogger) (marketdata.Service, error) {
	switch cfg.App.MarketDataMode {
	case "hybrid":
		source := fundingclient.NewClient(cfg.App.FundingAggregatorURL, logger)
		adapters := make([]core.IMarketDataAdapter, 0, len(cfg.App.Venues))
		for _, name := range cfg.App.Venues {
			adapters = append(adapters, venue.NewPaperMarketData(name, feeds[name], marketdata.DefaultOpenInterestUSD))
		}
		return marketdata.NewHybrid(source, adapters, logger), nil
	case "venue_only":
		return nil, fmt.Errorf("%w: market_data_mode venue_only requires real venue market-data adapters", apperrors.ErrConfiguration)
	default:
		source := fundingclient.NewClient(cfg.App.FundingAggregatorURL, logger)
		return marketdata.NewAggregatorOnly(source, logger), nil
	}
}

func newAlerts(cfg *config.Config, logger core.ILogger) *alert.Manager {
	mgr := alert.NewManager(logger)
	if cfg.Alerting.WebhookURL != "" {
		mgr.AddSink(alert.NewWebhookSink(string(cfg.Alerting.WebhookURL)))
	}
	if cfg.Alerting.SlackWebhookURL != "" {
		mgr.AddSink(alert.NewSlackSink(string(cfg.Alerting.SlackWebhookURL)))
	}
	if cfg.Alerting.TelegramBotToken != "" {
		mgr.AddSink(alert.NewTelegramSink(string(cfg.Alerting.TelegramBotToken), cfg.Alerting.TelegramChatID))
	}
	return mgr
}

func universeParams(cfg *config.Config) arbitrage.UniverseParams {
	return arbitrage.UniverseParams{
		Size:             cfg.Universe.UniverseSize,
		FRDiffMin:        decimal.NewFromFloat(cfg.Universe.FRDiffMin),
		StaticSymbolList: cfg.Universe.StaticSymbolList,
		Weights: arbitrage.ScoreWeights{
			Spread:   decimal.NewFromFloat(cfg.Universe.ScoreWeightSpread),
			Coverage: decimal.NewFromFloat(cfg.Universe.ScoreWeightCoverage),
			AvgRate:  decimal.NewFromFloat(cfg.Universe.ScoreWeightAvgRate),
		},
	}
}

func pairParams(cfg *config.Config, history *signal.PriceHistory) signal.PairParams {
	return signal.PairParams{
		FRDiffMin:                decimal.NewFromFloat(cfg.Universe.FRDiffMin),
		AllowSingleExchangePairs: cfg.Signal.AllowSingleExchangePairs,
		ExpectedEdgeMinBps:       decimal.NewFromFloat(cfg.Signal.ExpectedEdgeMinBps),
		MinOIUSD:                 decimal.NewFromFloat(cfg.Signal.MinOIUSD),
		Weights:                  signal.DefaultScoreWeights(),
		FeeBpsForVenue:           cfg.Fees.FeeBpsForVenue,
		Beta: history.BetaFunc(signal.BetaParams{
			LookbackCandles: cfg.Signal.BetaLookbackCandles,
			MinSampleCount:  cfg.Signal.BetaMinSampleCount,
		}),
	}
}

func intentParams(cfg *config.Config) signal.IntentParams {
	return signal.IntentParams{
		MinPairScore:            decimal.NewFromFloat(cfg.Signal.MinPairScore),
		MinPersistenceWindows:   cfg.Signal.MinPersistenceWindows,
		MaxNewPositionsPerCycle: cfg.Signal.MaxNewPositionsPerCycle,
		MaxNotionalPerPairUSD:   decimal.NewFromFloat(cfg.Signal.MaxNotionalPerPairUSD),
		CapitalFraction:         decimal.NewFromFloat(cfg.Signal.CapitalFraction),
		MinOrderUSD:             decimal.NewFromFloat(cfg.Signal.MinOrderUSD),
	}
}

func drawdownThresholds(cfg *config.Config) domain.DrawdownThresholds {
	return domain.DrawdownThresholds{
		EnterReduce: decimal.NewFromFloat(cfg.Risk.ReduceModeDrawdownPct),
		EnterHalt:   decimal.NewFromFloat(cfg.Risk.MaxDrawdownStopPct),
		ExitReduce:  decimal.NewFromFloat(cfg.Risk.ExitReduceDrawdownPct),
		ExitHaltNew: decimal.NewFromFloat(cfg.Risk.ExitHaltDrawdownPct),
	}
}

func riskParams(cfg *config.Config) risk.Params {
	return risk.Params{
		Thresholds:              drawdownThresholds(cfg),
		MaxTotalNotionalUSD:     decimal.NewFromFloat(cfg.Risk.MaxTotalNotionalUSD),
		MaxNotionalPerSymbolUSD: decimal.NewFromFloat(cfg.Risk.MaxNotionalPerSymbolUSD),
		MaxNotionalPerVenueUSD:  decimal.NewFromFloat(cfg.Risk.MaxNotionalPerVenueUSD),
		NormalLeverageCap:       decimal.NewFromFloat(cfg.Risk.NormalLeverageCap),
		ReduceLeverageCap:       decimal.NewFromFloat(cfg.Risk.ReduceLeverageCap),
		RebalanceDriftPct:       decimal.NewFromFloat(cfg.Risk.RebalanceDriftPct),
	}
}

func exitCodeFor(err error, logger core.ILogger) int {
	if err == nil || errors.Is(err, context.Canceled) {
		logger.Info("fundingarb shut down cleanly")
		return exitOK
	}
	if errors.Is(err, apperrors.ErrLockUnavailable) {
		logger.Error("cross-process lock unavailable", "error", err)
		return exitLockUnavailable
	}
	switch apperrors.Classify(err) {
	case apperrors.KindConfig:
		logger.Error("configuration error", "error", err)
		return exitConfigError
	case apperrors.KindExecFatal:
		logger.Error("unrecoverable state divergence", "error", err)
		return exitStateDivergence
	default:
		logger.Error("fundingarb exited with error", "error", err)
		return exitStateDivergence
	}
}
