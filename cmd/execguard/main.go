// Command execguard runs the order-execution safety layer: shared exchange clients
// behind circuit breakers, the futures risk gate and its background loops, and an
// HTTP endpoint for status, metrics and structured log events.
//
// Usage:
//
//	execguard --config config.yaml
//	execguard (uses defaults, testnet)
//
// Credentials are read from the vault under state_dir. When the vault is empty they are
// seeded from the environment:
//
//	BINANCE_API_KEY, BINANCE_API_SECRET (spot, and futures unless overridden)
//	BINANCE_FUTURES_API_KEY, BINANCE_FUTURES_API_SECRET
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/execguard/config"
	"github.com/vadiminshakov/execguard/internal/credentials"
	"github.com/vadiminshakov/execguard/internal/domain"
	"github.com/vadiminshakov/execguard/internal/engine"
	"github.com/vadiminshakov/execguard/internal/events"
	"github.com/vadiminshakov/execguard/internal/exchange"
	"github.com/vadiminshakov/execguard/internal/marketdata"
	"github.com/vadiminshakov/execguard/internal/metrics"
	"github.com/vadiminshakov/execguard/internal/riskgate"
	"github.com/vadiminshakov/execguard/internal/vault"
	"github.com/vadiminshakov/execguard/internal/web"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Get()
	if err != nil {
		logger.Fatal("failed to get configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("execguard stopped", zap.Error(err))
	}
	logger.Info("execguard stopped")
}

type status struct {
	Environment string                                           `json:"environment"`
	Mode        engine.Mode                                      `json:"mode"`
	Credentials map[domain.AccountType]credentials.AccountStatus `json:"credentials"`
	RiskGate    riskgate.State                                   `json:"risk_gate"`
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	vaultOpts := []vault.Option{vault.WithLogger(logger)}
	if key := cfg.EncryptionKey(); key != "" {
		cipher, err := vault.NewCipher(key)
		if err != nil {
			return errors.Wrap(err, "init credential cipher")
		}
		vaultOpts = append(vaultOpts, vault.WithCipher(cipher))
	} else {
		logger.Warn("credential encryption disabled", zap.String("env", cfg.Credentials.EncryptionKeyEnv))
	}
	v := vault.Open(cfg.StateDir, vaultOpts...)
	seedFromEnv(v, cfg.Exchange.Testnet, logger)

	journal, err := events.OpenJournal(cfg.Events.JournalDir, logger)
	if err != nil {
		return err
	}
	defer journal.Close()
	live := events.NewBroadcaster(256)
	sink := events.Multi{events.NewZapSink(logger), journal, live}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(reg)

	mdCfg := marketdata.Config{
		Testnet:     cfg.Exchange.Testnet,
		CallTimeout: cfg.Exchange.CallTimeout,
		RPS:         cfg.Exchange.MetadataRPS,
	}
	// income history is authenticated once futures trading is enabled
	md := marketdata.NewBinanceFutures(mdCfg, logger)

	gate := riskgate.New(cfg.RiskGate, md,
		riskgate.WithLogger(logger),
		riskgate.WithEventSink(sink),
		riskgate.WithMetrics(recorder),
		riskgate.WithStateDir(cfg.StateDir),
		riskgate.WithExecutionSource(md))

	dialers := map[domain.AccountType]exchange.Dialer{
		domain.AccountTypeSpot:    exchange.DialBinanceSpot,
		domain.AccountTypeFutures: exchange.DialBinanceFutures,
	}
	eng := engine.New(exchange.Config{
		FailureThreshold: cfg.Exchange.FailureThreshold,
		RecoveryTimeout:  cfg.Exchange.RecoveryTimeout,
		HistorySize:      cfg.Exchange.HistorySize,
		CallTimeout:      cfg.Exchange.CallTimeout,
	}, dialers, gate,
		engine.WithLogger(logger),
		engine.WithClientObserver(func(at domain.AccountType, c *exchange.Credentials) {
			if at != domain.AccountTypeFutures {
				return
			}
			if c == nil {
				md.SetCredentials("", "", cfg.Exchange.Testnet)
				logger.Warn("futures disabled, daily loss limits use local bookkeeping only")
				return
			}
			md.SetCredentials(c.APIKey, c.APISecret, c.Testnet)
			logger.Info("income history source follows futures credentials", zap.Bool("testnet", c.Testnet))
		}),
		engine.WithClientOptions(
			exchange.WithLogger(logger),
			exchange.WithEventSink(sink),
			exchange.WithMetrics(recorder),
		))

	creds := credentials.NewService(v, eng, dialers,
		credentials.WithLogger(logger),
		credentials.WithEventSink(sink),
		credentials.WithLiveTermsAccepted(cfg.Credentials.LiveTermsAccepted))

	for _, at := range domain.AccountTypes {
		if err := creds.Apply(ctx, at, nil, ""); err != nil {
			if errors.Is(err, domain.ErrNoCredentials) {
				logger.Info("no stored credentials", zap.String("account_type", at.String()))
				continue
			}
			logger.Error("failed to enable trading", zap.String("account_type", at.String()), zap.Error(err))
		}
	}
	mode := eng.Mode()
	if !mode.Futures {
		logger.Warn("futures not enabled, daily loss limits use local bookkeeping until futures credentials are applied")
	}
	logger.Info("engine mode", zap.Any("mode", mode))

	symbols := func() []string { return cfg.Symbols }

	server := web.NewServer(cfg.Metrics.ListenAddr, func(ctx context.Context, probe bool) any {
		return status{
			Environment: cfg.Environment,
			Mode:        eng.Mode(),
			Credentials: creds.Status(ctx, "", probe),
			RiskGate:    gate.Snapshot(),
		}
	}, journal, live, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(ctx)
	})

	if cfg.Production() {
		g.Go(func() error {
			return gate.RunBacktestLoop(ctx, symbols)
		})
		g.Go(func() error {
			return gate.RunIndicatorLoop(ctx, symbols)
		})
		logger.Info("background loops started", zap.Strings("symbols", cfg.Symbols))
	} else {
		logger.Info("background loops disabled outside production", zap.String("environment", cfg.Environment))
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return gate.Persist()
}

// seedFromEnv stores environment credentials into empty global vault slots.
func seedFromEnv(v *vault.Vault, testnet bool, logger *zap.Logger) {
	spotKey, spotSecret := os.Getenv("BINANCE_API_KEY"), os.Getenv("BINANCE_API_SECRET")
	futKey, futSecret := os.Getenv("BINANCE_FUTURES_API_KEY"), os.Getenv("BINANCE_FUTURES_API_SECRET")
	if futKey == "" || futSecret == "" {
		futKey, futSecret = spotKey, spotSecret
	}

	seeds := map[domain.AccountType][2]string{
		domain.AccountTypeSpot:    {spotKey, spotSecret},
		domain.AccountTypeFutures: {futKey, futSecret},
	}
	for _, at := range domain.AccountTypes {
		pair := seeds[at]
		if pair[0] == "" || pair[1] == "" {
			continue
		}
		if _, ok := v.Get(at, ""); ok {
			continue
		}
		if _, err := v.Save(vault.Entry{AccountType: at, APIKey: pair[0], APISecret: pair[1], Testnet: testnet, Note: "seeded from environment"}); err != nil {
			logger.Error("failed to seed credentials", zap.String("account_type", at.String()), zap.Error(err))
		}
	}
}
