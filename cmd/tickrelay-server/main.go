package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tickrelay/internal/api"
	"tickrelay/internal/broker"
	"tickrelay/internal/config"
	"tickrelay/internal/domain"
	"tickrelay/internal/engine"
	"tickrelay/internal/gather"
	"tickrelay/internal/live"
	"tickrelay/internal/msg"
	"tickrelay/internal/obs"
	"tickrelay/internal/store"
	"tickrelay/internal/util"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfgPath := "config/tickrelay.yaml"
	if p := os.Getenv("TICKRELAY_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		// Logging options come from the config, so report with the defaults.
		util.NewLogger("info").Error("loading config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	logger := util.NewLoggerWithOptions(util.LogOptions{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("tickrelay-server exited", "error", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return config.Default()
	}
	return cfg, err
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	domain.DefaultExchange = cfg.Gateway.DefaultExchange
	metrics := obs.New()

	// Broker.
	var up broker.Upstream
	if cfg.UsesAlpaca() {
		up = broker.NewAlpacaUpstream(broker.AlpacaOptions{
			BaseURL:     cfg.Alpaca.BaseURL,
			DataURL:     cfg.Alpaca.DataURL,
			OAuthURL:    cfg.Alpaca.OAuthURL,
			RedirectURI: cfg.Alpaca.RedirectURI,
			Feed:        cfg.Alpaca.Feed,
			SessionTTL:  cfg.Alpaca.SessionTTL.Std(),
		})
	} else {
		logger.Warn("no alpaca credentials, using the paper simulator")
		up = broker.NewSimulatorUpstream(decimal.NewFromFloat(cfg.Trading.PaperCash), cfg.Alpaca.SessionTTL.Std())
	}
	client := broker.NewClient(up, cfg.Alpaca.APIKey, cfg.Alpaca.APISecret,
		broker.WithCallTimeout(cfg.Alpaca.CallTimeout.Std()),
		broker.WithRateLimiter(util.NewRateLimiter(cfg.Alpaca.RateLimitPerMin)),
		broker.WithObserver(metrics),
		broker.WithLogger(logger),
	)

	err := util.RetryIf(ctx, 5, 2*time.Second, domain.IsRetriable, func() error {
		_, err := client.Authenticate(ctx, cfg.Alpaca.RequestToken)
		return err
	})
	if err != nil {
		// The relay keeps serving; /healthz reports the invalid session.
		logger.Error("broker authentication failed", "broker", client.Name(), "error", err)
	}

	// Journal.
	var orders store.OrderStore
	if cfg.Storage.SQLitePath != "" {
		sq, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("opening order journal: %w", err)
		}
		defer sq.Close()
		orders = sq
	} else {
		orders = store.NewMemoryStore(0)
	}

	// Engine and export.
	eng := engine.NewEngine(client, orders, engine.NewValidator(cfg.Trading.MaxOrderQty), logger)
	eng.SetOrderTimeout(cfg.Trading.OrderTimeout.Std())
	eng.SetObserver(metrics)
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := msg.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.ClientID, cfg.Kafka.Topic, logger)
		if err != nil {
			return fmt.Errorf("creating order event producer: %w", err)
		}
		defer producer.Close()
		eng.AddSink(producer)
	}

	// Fan-out.
	registry := live.NewRegistry()
	bc := live.NewBroadcaster(registry, logger)
	bc.SetObserver(metrics)

	// Market data.
	var gatherer gather.Gatherer
	if cfg.Feed.Mode == "stream" && cfg.UsesAlpaca() {
		bs := gather.NewAlpacaBarStream(cfg.Alpaca.Feed, cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.StreamURL)
		sg := gather.NewStreamGatherer(bs, registry, bc, client, cfg.Feed.Interval.Std(), logger)
		sg.SetObserver(metrics)
		gatherer = sg
	} else {
		p := gather.NewPoller(client, registry, bc, gather.PollerOptions{
			Interval:     cfg.Feed.Interval.Std(),
			MaxInFlight:  cfg.Feed.MaxInFlight,
			FetchTimeout: cfg.Feed.FetchTimeout.Std(),
		}, logger)
		p.SetObserver(metrics)
		gatherer = p
	}
	registry.OnFirstSubscriber(gatherer.Kick)

	// Gateway and API.
	defaults := make([]domain.Instrument, 0, len(cfg.Gateway.DefaultInstruments))
	for _, s := range cfg.Gateway.DefaultInstruments {
		inst, err := domain.ParseInstrument(s)
		if err != nil {
			return fmt.Errorf("gateway default instrument %q: %w", s, err)
		}
		defaults = append(defaults, inst)
	}
	gw := api.NewGateway(bc, eng, api.GatewayOptions{
		SendBuffer:         cfg.Gateway.SendBuffer,
		MaxPendingOrders:   cfg.Gateway.MaxPendingOrders,
		DefaultInstruments: defaults,
		PingInterval:       cfg.Gateway.PingInterval.Std(),
		WriteTimeout:       cfg.Gateway.WriteTimeout.Std(),
		AllowedOrigins:     cfg.Gateway.AllowedOrigins,
	}, logger)
	gw.SetMetrics(metrics)

	grpcAddr := ""
	if cfg.Server.GRPCPort != 0 {
		grpcAddr = cfg.Server.GRPCAddr()
	}
	srv := api.NewServer(cfg.Server.Addr(), grpcAddr, api.Deps{
		Broker:       client,
		Session:      client,
		Orders:       orders,
		Trader:       eng,
		Gateway:      gw,
		Metrics:      metrics,
		HistoryLimit: cfg.Trading.HistoryLimit,
	}, logger)

	logger.Info("tickrelay-server starting",
		"broker", client.Name(),
		"feed", gatherer.Name(),
		"addr", cfg.Server.Addr(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := gatherer.Run(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("%s gatherer: %w", gatherer.Name(), err)
		}
		return nil
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	err = g.Wait()
	logger.Info("tickrelay-server stopped")
	return err
}
