// Package main запускает HTTP-сервер сервиса momentum.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pvolkov/momentum-system/internal/config"
	"github.com/pvolkov/momentum-system/internal/handler"
	"github.com/pvolkov/momentum-system/internal/metrics"
	"github.com/pvolkov/momentum-system/internal/middleware"
	"github.com/pvolkov/momentum-system/internal/mint"
	"github.com/pvolkov/momentum-system/internal/oracle"
	"github.com/pvolkov/momentum-system/internal/repository"
	"github.com/pvolkov/momentum-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var oracleClient *oracle.Client
	if cfg.OracleAddress != "" {
		var opts []oracle.Option
		if cfg.OracleCacheSizeMB > 0 {
			opts = append(opts, oracle.WithCache(cfg.OracleCacheSizeMB, 30*time.Second))
		}
		oracleClient = oracle.NewClient(cfg.OracleAddress, opts...)
	}

	var mintClient *mint.Client
	if cfg.MintAddress != "" {
		mintClient = mint.NewClient(cfg.MintAddress, cfg.AuthSecret)
	}

	var svcOracle service.Oracle
	if oracleClient != nil {
		svcOracle = oracleClient
	}
	var svcMinter service.Minter
	if mintClient != nil {
		svcMinter = mintClient
	}

	svc := service.NewService(repo, svcOracle, svcMinter, service.Options{
		FeedID:       cfg.PriceFeedID,
		OracleMaxAge: cfg.OracleMaxAge,
		SkipAgeCheck: cfg.OracleSkipAgeCheck,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, metrics.NewProvider())

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового обновления кэша цены
	g.Go(func() error {
		svc.StartPriceUpdates(ctx, cfg.PriceInterval)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting momentum server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
