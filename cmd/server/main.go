package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrelay/internal/config"
	"github.com/ryandielhenn/zephyrrelay/internal/logging"
	"github.com/ryandielhenn/zephyrrelay/internal/telemetry"
	"github.com/ryandielhenn/zephyrrelay/pkg/docstore"
	"github.com/ryandielhenn/zephyrrelay/pkg/gossip"
	"github.com/ryandielhenn/zephyrrelay/pkg/node"
	"github.com/ryandielhenn/zephyrrelay/pkg/transport/etcd"
	"github.com/ryandielhenn/zephyrrelay/pkg/transport/memory"
	"github.com/ryandielhenn/zephyrrelay/pkg/transport/redis"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:           "zephyrrelay",
		Short:         "ZephyrRelay document relay node",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if debug {
				cfg.Log.Level = "debug"
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

func run(ctx context.Context, cfg config.Config) (err error) {
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	telemetry.SetBuildInfo(version, gitSHA)

	// 1. Transport shared by the registry and the channel layer
	log.Info("connecting transport", zap.String("kind", cfg.Transport.Kind))
	t, err := openTransport(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	defer func() { err = multierr.Append(err, t.Close()) }()

	// 2. Relay node
	n, err := node.New(node.Config{
		Namespace:         cfg.Namespace,
		KeepAliveInterval: cfg.Liveness.KeepAlive,
		ExpireInterval:    cfg.Liveness.Expire,
		GCInterval:        cfg.Liveness.GC,
	}, t, openStore(cfg), node.WithLogger(log))
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = multierr.Append(err, n.Shutdown(sctx))
	}()

	// 3. HTTP endpoints
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
	mux.Handle("GET /info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("GET /docs/{id}", telemetry.Instrument("doc", http.HandlerFunc(n.Doc)))
	mux.Handle("/metrics", telemetry.MetricsHandler())
	mux.HandleFunc("GET /ws", n.Connect)

	srv := &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("ZephyrRelay node listening", zap.String("addr", cfg.Listen), zap.Stringer("node", n.ID()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-serveErr:
		log.Error("http server failed", zap.Error(err))
	case err = <-n.Fatal():
		log.Error("node failed", zap.Error(err))
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return multierr.Append(err, srv.Shutdown(sctx))
}

func openTransport(ctx context.Context, cfg config.Config, log *zap.Logger) (gossip.Transport, error) {
	switch cfg.Transport.Kind {
	case config.TransportRedis:
		return redis.New(ctx, redis.Config{
			Addr:     cfg.Transport.Redis.Addr,
			Password: cfg.Transport.Redis.Password,
			DB:       cfg.Transport.Redis.DB,
		}, log)
	case config.TransportEtcd:
		return etcd.New(etcd.Config{
			Endpoints:   cfg.Transport.Etcd.Endpoints,
			DialTimeout: cfg.Transport.Etcd.DialTimeout,
		}, log)
	case config.TransportMemory:
		log.Warn("memory transport only relays within this process")
		return memory.NewNetwork(clock.New(), memory.WithLogger(log)).Transport(), nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", config.ErrInvalid, cfg.Transport.Kind)
	}
}

func openStore(cfg config.Config) node.DocumentStore {
	if cfg.Docs.Dir != "" {
		return docstore.NewDir(cfg.Docs.Dir)
	}
	return docstore.NewMemory()
}
