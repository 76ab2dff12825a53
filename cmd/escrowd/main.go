package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"workescrow/cmd/internal/passphrase"
	"workescrow/config"
	"workescrow/core/events"
	"workescrow/core/state"
	"workescrow/core/types"
	"workescrow/crypto"
	"workescrow/native/common"
	"workescrow/native/escrow"
	"workescrow/observability"
	"workescrow/observability/logging"
	"workescrow/observability/otel"
	"workescrow/rpc"
	"workescrow/services/keeper"
	"workescrow/storage"
)

const (
	shutdownTimeout = 10 * time.Second
	writeRate       = rate.Limit(20)
	writeBurst      = 40
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, closer := logging.Setup("escrowd", logging.Options{
		Env:        cfg.Logging.Env,
		Level:      logging.ParseLevel(os.Getenv("ESCROW_LOG_LEVEL")),
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	err = run(cfg, logger)
	closer.Close()
	if err != nil {
		logger.Error("escrowd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := otel.Init(ctx, otel.Config{
		ServiceName: "escrowd",
		Environment: cfg.Logging.Env,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	manager := state.NewManager(db)
	allocs, err := cfg.GenesisAllocs()
	if err != nil {
		return err
	}
	applied, err := manager.ApplyGenesis(allocs)
	if err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	if applied {
		logger.Info("genesis applied", slog.Int("accounts", len(allocs)))
	}

	engine := escrow.NewEngine(manager)
	engine.SetReservePerByte(cfg.Escrow.ReservePerByte)
	pauses := common.NewPauses()
	pauses.Set(escrow.ModuleName, cfg.Escrow.PauseCreate)
	engine.SetPauses(pauses)
	engine.SetEmitter(events.Fanout{observability.EventCounter{}, eventLog{logger: logger}})

	if cfg.Keeper.Enabled {
		key, err := loadKeeperKey(cfg)
		if err != nil {
			return err
		}
		k := keeper.New(engine, key.Identity(), logger)
		k.SetPollInterval(time.Duration(cfg.Keeper.PollIntervalSeconds) * time.Second)
		go k.Run(ctx)
	}

	rpcServer := rpc.NewServer(engine, rpc.ServerConfig{
		MaxSignatureSkew: time.Duration(cfg.RPCMaxSignatureSkew) * time.Second,
		AuthToken:        os.Getenv("ESCROW_RPC_TOKEN"),
		WriteRate:        writeRate,
		WriteBurst:       writeBurst,
		Logger:           logger.With(slog.String("component", "rpc")),
	})
	servers := []*http.Server{{
		Addr:              cfg.RPCAddress,
		Handler:           rpcServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(cfg.RPCReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.RPCWriteTimeout) * time.Second,
	}}
	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{Addr: cfg.MetricsAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			logger.Info("listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
		}()
	}

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
		logger.Info("shutdown requested")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", slog.String("addr", srv.Addr), slog.Any("error", err))
		}
	}
	return runErr
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return storage.NewMemDB(), nil
	case config.BackendBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		return storage.NewBoltDB(filepath.Join(cfg.DataDir, "ledger.db"))
	default:
		return storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	}
}

func loadKeeperKey(cfg *config.Config) (*crypto.PrivateKey, error) {
	secret, err := passphrase.NewSource(cfg.Keeper.PassphraseEnv, "keeper").Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(cfg.Keeper.KeystorePath, secret)
	if err != nil {
		return nil, fmt.Errorf("load keeper keystore: %w", err)
	}
	return key, nil
}

// eventLog writes every escrow event to the process log.
type eventLog struct {
	logger *slog.Logger
}

func (l eventLog) Emit(evt events.Event) {
	attrs := []any{slog.String("type", evt.EventType())}
	if e, ok := evt.(interface{ Event() *types.Event }); ok {
		for k, v := range e.Event().Attributes {
			attrs = append(attrs, slog.String(k, v))
		}
	}
	l.logger.Info("escrow event", attrs...)
}
