package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/addissms/gateway/internal/gateway/app"
	"github.com/addissms/gateway/internal/gateway/dispatch"
	"github.com/addissms/gateway/internal/gateway/domain"
	"github.com/addissms/gateway/internal/gateway/ledger"
	"github.com/addissms/gateway/internal/gateway/otp"
	"github.com/addissms/gateway/internal/gateway/provider"
	pgrepo "github.com/addissms/gateway/internal/gateway/repository/postgres"
	"github.com/addissms/gateway/internal/gateway/repository/redisrepo"
	transporthttp "github.com/addissms/gateway/internal/gateway/transport/http"
	"github.com/addissms/gateway/internal/platform/config"
	"github.com/addissms/gateway/internal/platform/database"
	"github.com/addissms/gateway/internal/platform/logger"
	"github.com/addissms/gateway/internal/platform/redisclient"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.LogLevel, cfg.Development())
	slog.SetDefault(log)
	log.Info("starting sms gateway", "env", cfg.AppEnv, "port", cfg.HTTPPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewDBPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	rdb, err := redisclient.New(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	messageRepo := pgrepo.NewPgMessageRepository(pool)
	challengeStore := redisrepo.NewChallengeStore(rdb, log)
	led := ledger.New(messageRepo, log)

	otpSvc := otp.NewService(challengeStore, otp.Config{
		TTL:         cfg.OTPTTL,
		MaxAttempts: cfg.OTPMaxAttempts,
		CodeLength:  cfg.OTPCodeLength,
	}, log)

	router := dispatch.NewRouter(buildAdapters(cfg, log), led, dispatch.Config{
		MaxAttempts:   cfg.DispatchMaxAttempts,
		BackoffBase:   cfg.DispatchBackoffBase,
		SubmitTimeout: cfg.DispatchSubmitTimeout,
		BucketQuota:   int64(cfg.SenderBucketQuota),
	}, log)

	svc := app.NewGatewayService(app.Config{
		DefaultRegion: cfg.DefaultRegion,
		OTPSenderID:   cfg.OTPSenderID,
	}, otpSvc, router, led, log)

	handler := transporthttp.NewHandler(svc, log, cfg.Development())

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := pool.Ping(req.Context()); err != nil {
			http.Error(w, "postgres unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := rdb.Ping(req.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	handler.RegisterRoutes(r, cfg.JWTSecret)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("stopped cleanly")
	return nil
}

// buildAdapters wires one adapter per carrier. A carrier with no configured
// endpoint gets the mock adapter so development environments work without
// upstream credentials.
func buildAdapters(cfg *config.Config, log *slog.Logger) []provider.Adapter {
	var adapters []provider.Adapter

	if cfg.EthioTelecomAPIURL != "" {
		adapters = append(adapters, provider.NewEthioTelecomProvider(log, cfg.EthioTelecomAPIURL, cfg.EthioTelecomAPIKey, nil))
	} else {
		log.Warn("ethio telecom endpoint not configured, using mock adapter")
		adapters = append(adapters, provider.NewMockProvider(log, domain.CarrierEthioTelecom, 0, 10, 50))
	}

	if cfg.SafaricomAPIURL != "" {
		adapters = append(adapters, provider.NewSafaricomProvider(log, cfg.SafaricomAPIURL, cfg.SafaricomAPIKey, nil))
	} else {
		log.Warn("safaricom endpoint not configured, using mock adapter")
		adapters = append(adapters, provider.NewMockProvider(log, domain.CarrierSafaricom, 0, 10, 50))
	}
	return adapters
}
