package main

import (
	"context"
	"log/slog"
	"os"

	"replidb/pkg/compression"
	"replidb/pkg/config"
	"replidb/pkg/network"
	"replidb/pkg/network/httpnet"
	"replidb/pkg/network/redisnet"
	"replidb/pkg/types"
)

const defaultConfigPath = "config.yaml"

// initConfig загружает конфиг из файла YAML. Путь берётся из REPLIDB_CONFIG;
// если файл не найден, возвращается config.Default().
func initConfig() (config.Config, error) {
	path := os.Getenv("REPLIDB_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}

	cfg, found, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if !found {
		slog.Info("config file not found, using default config", "path", path)
	}
	return cfg, nil
}

// initLogger настраивает глобальный slog.Logger (JSON или текстовый).
func initLogger(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logger.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
}

// replicaNetwork is the exchange a replica publishes into (store) and the
// part of it served to peers on /blocks (served).
type replicaNetwork struct {
	store  network.Network
	served network.Network
	close  func() error
}

func initNetwork(ctx context.Context, cfg config.NetworkConfig) (replicaNetwork, error) {
	switch cfg.Kind {
	case config.NetworkHTTP:
		local := network.NewMemory()
		remote := network.NewCached(httpnet.NewClient(cfg.Peer), cfg.CacheCapacity)
		return replicaNetwork{
			store:  network.NewTiered(local, remote),
			served: local,
			close:  func() error { return nil },
		}, nil
	case config.NetworkRedis:
		codec, err := compression.ByName(cfg.Compression)
		if err != nil {
			return replicaNetwork{}, err
		}
		rn, err := redisnet.Dial(ctx, cfg.RedisAddr, cfg.RedisPrefix)
		if err != nil {
			return replicaNetwork{}, err
		}
		rn.WithCodec(codec)
		cached := network.NewCached(rn, cfg.CacheCapacity)
		return replicaNetwork{store: cached, served: cached, close: rn.Close}, nil
	default:
		mem := network.NewMemory()
		return replicaNetwork{store: mem, served: mem, close: func() error { return nil }}, nil
	}
}

// replicaAddress turns the configured name and fingerprint into an address.
// A name that is itself a fingerprint opens the store from it.
func replicaAddress(cfg config.ReplicaConfig) types.Address {
	if cfg.Fingerprint == "" {
		return types.ParseAddress(cfg.Name)
	}
	if cfg.Name == "" {
		return types.ParseAddress(cfg.Fingerprint)
	}
	return types.Address{Name: cfg.Name, Fingerprint: types.Fingerprint(cfg.Fingerprint)}
}
