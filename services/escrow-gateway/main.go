package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"workescrow/gateway/auth"
	"workescrow/gateway/config"
	"workescrow/gateway/middleware"
	"workescrow/observability/logging"
	"workescrow/observability/otel"
)

const (
	shutdownTimeout      = 10 * time.Second
	idempotencyRetention = 24 * time.Hour
	pruneEvery           = time.Hour
)

func main() {
	configPath := flag.String("config", os.Getenv("ESCROW_GATEWAY_CONFIG"), "path to gateway YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger, closer := logging.Setup("escrow-gateway", logging.Options{
		Env:   cfg.Logging.Env,
		Level: logging.ParseLevel(cfg.Logging.Level),
		File:  cfg.Logging.File,
	})
	defer closer.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("escrow gateway stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := otel.Init(ctx, otel.Config{
		ServiceName: cfg.Observability.ServiceName,
		Environment: cfg.Security.Env,
		Endpoint:    cfg.Observability.OTLPEndpoint,
		Insecure:    cfg.Observability.OTLPInsecure,
		Traces:      cfg.Observability.Tracing,
		Metrics:     cfg.Observability.Metrics,
		Headers:     otel.ParseHeaders(os.Getenv("ESCROW_GATEWAY_OTLP_HEADERS")),
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	store, err := OpenStore(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	authOpts := auth.Options{
		TimestampSkew: cfg.HMAC.TimestampSkew,
		NonceTTL:      cfg.HMAC.NonceTTL,
		NonceCapacity: cfg.HMAC.NonceCapacity,
		Logger:        logger,
	}
	if cfg.HMAC.NoncePath != "" {
		nonces, err := auth.OpenLevelDBNonces(cfg.HMAC.NoncePath)
		if err != nil {
			return err
		}
		defer nonces.Close()
		authOpts.Persistence = nonces
	}
	secrets := make(map[string]string, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		secrets[key.Key] = key.Secret
	}
	hmacAuth := auth.NewAuthenticator(secrets, authOpts)
	if err := hmacAuth.HydrateNonces(ctx, time.Now().Add(-cfg.HMAC.NonceTTL)); err != nil {
		return err
	}

	nodeURL, err := cfg.NodeURL()
	if err != nil {
		return err
	}
	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for _, limit := range cfg.RateLimits {
		limits[limit.ID] = middleware.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}
	server := NewServer(Options{
		Logger: logger,
		HMAC:   hmacAuth,
		JWT: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ScopeClaim: cfg.Auth.ScopeClaim,
			ClockSkew:  cfg.Auth.ClockSkew,
		}, logger),
		ReadScope: cfg.Auth.ReadScope,
		Limiter:   middleware.NewRateLimiter(limits, logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName:   cfg.Observability.ServiceName,
			MetricsPrefix: cfg.Observability.MetricsPrefix,
			LogRequests:   cfg.Observability.LogRequests,
			Enabled:       cfg.Observability.Metrics || cfg.Observability.Tracing,
		}, logger),
		Node:        NewRPCNodeClient(nodeURL.String(), cfg.Node.AuthToken, cfg.Node.Timeout),
		Store:       store,
		NodeTimeout: cfg.Node.Timeout,
	})

	go pruneIdempotency(ctx, store, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("escrow gateway listening", slog.String("addr", cfg.ListenAddress), slog.String("node", nodeURL.Redacted()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down escrow gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func pruneIdempotency(ctx context.Context, store *Store, logger *slog.Logger) {
	ticker := time.NewTicker(pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.PruneIdempotency(ctx, time.Now().Add(-idempotencyRetention))
			if err != nil {
				logger.Warn("prune idempotency keys", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				logger.Info("pruned idempotency keys", slog.Int64("removed", removed))
			}
		}
	}
}
