package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/gabrielgalati24/Usdc-app/internal/api"
	"github.com/gabrielgalati24/Usdc-app/internal/config"
	"github.com/gabrielgalati24/Usdc-app/internal/events"
	"github.com/gabrielgalati24/Usdc-app/internal/ledger"
	"github.com/gabrielgalati24/Usdc-app/internal/reconciler"
	"github.com/gabrielgalati24/Usdc-app/internal/settlement"
	"github.com/gabrielgalati24/Usdc-app/pkg/audit"
	"github.com/gabrielgalati24/Usdc-app/pkg/chainclient"
	"github.com/gabrielgalati24/Usdc-app/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	logger, err := logging.New()
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to create postgres pool", zap.Error(err))
	}
	defer pool.Close()

	store := ledger.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	var publisher ledger.Publisher = ledger.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
	}

	chain := chainclient.New(cfg.ChainGatewayURL, cfg.ChainGatewayKey)
	trail := audit.NewTrail()

	ledgerSvc := ledger.NewService(store, publisher, logger)

	settlementSvc := settlement.NewService(ledgerSvc, chain, trail, logger, settlement.Config{
		FeeReserve:       cfg.WithdrawFeeReserve,
		MinWithdraw:      cfg.MinWithdrawAmount,
		HotWalletAddress: cfg.HotWalletAddress,
	})

	rec := reconciler.New(store, ledgerSvc, chain, trail, logger, reconciler.Config{
		CronSpec:         cfg.DepositScanSpec,
		ScanBlocks:       cfg.DepositScanBlocks,
		MinConfirmations: cfg.MinConfirmations,
	})
	if err := rec.Start(); err != nil {
		logger.Fatal("failed to start deposit scan", zap.Error(err))
	}
	defer rec.Stop()

	router := api.NewRouter(api.Dependencies{
		Logger:     logger,
		Ledger:     ledgerSvc,
		Settlement: settlementSvc,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("ledgerd listening", zap.String("addr", cfg.HTTPAddr), zap.String("env", cfg.Environment))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}
