package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"claimrails/internal/claim"
	"claimrails/internal/config"
	"claimrails/internal/domain"
	"claimrails/internal/escrow"
	"claimrails/internal/hmacauth"
	"claimrails/internal/idempotency"
	"claimrails/internal/notify"
	"claimrails/internal/payout"
	"claimrails/internal/retry"
	"claimrails/internal/server"
	"claimrails/internal/sweeper"
	"claimrails/internal/transfer"
	"claimrails/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config error", zap.Error(err))
	}
	logger, err := newLogger(cfg.Service)
	if err != nil {
		zap.NewExample().Fatal("logger error", zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func newLogger(svc config.ServiceConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if svc.LogDev {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(svc.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	return zcfg.Build()
}

func run(cfg *config.AppConfig, logger *zap.Logger) error {
	ctx := context.Background()

	v, err := vault.New(cfg.Secrets.ContactEncryptionKey)
	if err != nil {
		return err
	}
	if !v.Configured() {
		logger.Warn("CONTACT_ENCRYPTION_KEY not set; contact vault disabled, prepare will fail")
	}

	metrics := server.NewMetrics()
	chainRetry := retryPolicy(cfg.Retry, cfg.Chain.RPCTimeout, metrics)
	providerRetry := retryPolicy(cfg.Retry, cfg.Retry.ProviderTimeout, metrics)

	var gateway escrow.Gateway = escrow.NewFakeClient(cfg.Chain.ChainID)
	if cfg.Chain.PrivateKey != "" {
		eth, err := escrow.NewEthClient(ctx, escrow.EthClientConfig{
			RPCURL:             cfg.Chain.RPCURL,
			PrivateKeyHex:      cfg.Chain.PrivateKey,
			ContractSendEscrow: cfg.Deployment.Contracts.SendEscrow,
			Confirmations:      cfg.Chain.Confirmations,
		})
		if err != nil {
			return err
		}
		defer eth.Close()
		gateway = eth
	} else {
		logger.Warn("CHAIN_PRIVATE_KEY not set; using in-memory escrow")
	}

	var store transfer.Store = transfer.NewMemoryStore()
	var idem idempotency.Store = idempotency.NewMemoryStore()
	var database any
	var purger sweeper.Purger
	if cfg.Service.DatabaseURL != "" {
		pg, err := transfer.NewPostgresStore(ctx, cfg.Service.DatabaseURL)
		if err != nil {
			return err
		}
		defer pg.Close()
		pgIdem, err := idempotency.NewPostgresStoreWithPool(ctx, pg.Pool(), logger)
		if err != nil {
			return err
		}
		store, idem, database, purger = pg, pgIdem, pg, pgIdem
	} else {
		logger.Warn("DATABASE_URL not set; transfers are kept in memory")
	}

	var sessions claim.SessionStore = claim.NewMemoryStore(time.Now)
	var cache any
	if len(cfg.Service.MemcacheAddrs) > 0 {
		mc, err := claim.NewMemcacheStore(16, cfg.Service.MemcacheAddrs...)
		if err != nil {
			return err
		}
		sessions, cache = mc, mc
	}

	var notifier notify.Notifier = notify.LogNotifier{Logger: logger}
	if cfg.Service.NotifyWebhookURL != "" {
		notifier = &notify.WebhookNotifier{
			URL:    cfg.Service.NotifyWebhookURL,
			Client: &http.Client{Timeout: cfg.Retry.ProviderTimeout},
			Signer: &hmacauth.Signer{Secret: cfg.Secrets.NotifySigningKey},
			Retry:  providerRetry,
		}
	}

	orch := transfer.New(transfer.ConfigFrom(cfg), transfer.Deps{
		Store:        store,
		Gateway:      gateway,
		Vault:        v,
		Notifier:     notifier,
		Retry:        chainRetry,
		Logger:       logger,
		OnTransition: metrics.Transition,
	})
	claims := claim.NewService(cfg.Claim, claim.Deps{
		Transfers: orch,
		Sessions:  sessions,
		Vault:     v,
		Notifier:  notifier,
		Signer:    &hmacauth.Signer{Secret: cfg.Secrets.ClaimTokenSecret},
		Logger:    logger,
		OnVerify:  metrics.OTPVerification,
	})
	orch.SetOTPIssuer(claims)

	providerSigner := &hmacauth.Signer{Secret: cfg.Secrets.ProviderSigningKey}
	payouts := payout.NewDispatcher(payout.Deps{
		Transfers: orch,
		Claims:    claims,
		Gateway:   gateway,
		Providers: []payout.Provider{
			newProvider(cfg.Seed.Providers.Debit, domain.PayoutDebit, providerSigner, cfg.Retry.ProviderTimeout, logger),
			newProvider(cfg.Seed.Providers.Bank, domain.PayoutBank, providerSigner, cfg.Retry.ProviderTimeout, logger),
		},
		Treasury:   cfg.Transfers.Treasury,
		Retry:      providerRetry,
		Logger:     logger,
		OnDispatch: metrics.Payout,
	})

	sw, err := sweeper.New(logger)
	if err != nil {
		return err
	}
	if err := sw.Schedule(sweeper.ExpiryTask(orch, cfg.Service.SweepInterval, metrics.Expired)); err != nil {
		return err
	}
	if purger != nil {
		if err := sw.Schedule(sweeper.PurgeTask(purger, time.Hour)); err != nil {
			return err
		}
	}
	sw.Start()
	defer func() {
		if err := sw.Shutdown(); err != nil {
			logger.Warn("sweeper shutdown", zap.Error(err))
		}
	}()

	apiServer := server.NewServer(cfg, server.Deps{
		Transfers:   orch,
		Claims:      claims,
		Payouts:     payouts,
		Idempotency: idem,
		Metrics:     metrics,
		Logger:      logger,
		Gateway:     gateway,
		Database:    database,
		Cache:       cache,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-ch:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}

func retryPolicy(rc config.RetryConfig, attemptTimeout time.Duration, metrics *server.Metrics) retry.Policy {
	p := retry.Default()
	p.MaxAttempts = rc.MaxAttempts
	p.InitialBackoff = rc.InitialBackoff
	p.MaxBackoff = rc.MaxBackoff
	p.Multiplier = float64(rc.BackoffMultiplier)
	p.AttemptTimeout = attemptTimeout
	p.Observe = metrics.Retry
	return p
}

// newProvider talks to the configured provider API, or settles in a sandbox
// when no base URL is set.
func newProvider(seed config.ProviderSeed, rail domain.PayoutMethod, signer *hmacauth.Signer, timeout time.Duration, logger *zap.Logger) payout.Provider {
	name := seed.Name
	if name == "" {
		name = string(rail) + "_PROVIDER"
	}
	if seed.BaseURL == "" {
		logger.Warn("payout provider has no base URL; using sandbox", zap.String("provider", name))
		return &payout.SandboxProvider{ProviderName: name, Rail: rail}
	}
	return &payout.HTTPProvider{
		ProviderName: name,
		Rail:         rail,
		BaseURL:      seed.BaseURL,
		APIKey:       seed.APIKey,
		Client:       &http.Client{Timeout: timeout},
		Signer:       signer,
	}
}
