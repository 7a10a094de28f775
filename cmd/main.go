package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	httpapi "replidb/internal/http"
	"replidb/pkg/config"
	"replidb/pkg/listener"
	"replidb/pkg/store"

	"github.com/cenkalti/backoff"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	if err := run(ctx, cfg); err != nil {
		slog.Error("replica failed", "error", err)
		os.Exit(1)
	}
	slog.Info("replica stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	net, err := initNetwork(ctx, cfg.Network)
	if err != nil {
		return fmt.Errorf("init network: %w", err)
	}
	defer func() {
		if err := net.close(); err != nil {
			slog.Warn("close network", "error", err)
		}
	}()

	opts := store.Options{
		Network: net.store,
		Logger:  slog.Default(),
		Indexes: cfg.Replica.Indexes,
	}
	if cfg.Replica.Backend == config.BackendBolt {
		opts.StoreFactory = store.BoltStoreFactory(cfg.Replica.DataDir)
	}
	if cfg.Replica.Journal {
		opts.LogFactory = store.JournalLogFactory(filepath.Join(cfg.Replica.DataDir, "journal"))
	}

	addr := replicaAddress(cfg.Replica)
	db, err := store.New(addr, opts)
	if err != nil {
		return fmt.Errorf("open store %s: %w", addr, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Warn("close store", "error", err)
		}
	}()

	// журнал мог уже восстановить историю, Replay материализует её
	if err := db.Replay(ctx); err != nil {
		return fmt.Errorf("replay %s: %w", addr, err)
	}

	if addr.Loadable() {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = cfg.Network.Retry.InitialInterval
		b.MaxElapsedTime = cfg.Network.Retry.MaxElapsedTime
		if err := store.RetryLoad(ctx, db, b); err != nil {
			return fmt.Errorf("load %s: %w", addr, err)
		}
	}

	server := httpapi.NewServer(db, net.served, strconv.Itoa(cfg.Server.Port)).
		WithPeer(cfg.Network.Peer).
		WithReadHeaderTimeout(cfg.Server.ReadHeaderTimeout)
	if err := server.Start(); err != nil {
		return err
	}
	slog.Info("replica is running", "store", db.Name(), "network", cfg.Network.Kind, "backend", cfg.Replica.Backend)

	if cfg.Network.SyncInterval > 0 {
		ticker := time.NewTicker(cfg.Network.SyncInterval)
		syncer := listener.New(ticker.C, func(ctx context.Context, _ time.Time) error {
			_, err := server.JoinPeer(ctx, server.Peer())
			return err
		}, ticker.Stop)
		syncer.Start(ctx)
		defer syncer.Stop()
	}

	<-ctx.Done()

	return server.Stop()
}
