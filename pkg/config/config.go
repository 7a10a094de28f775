package config

import (
	"fmt"
	"os"
	"time"

	"replidb/pkg/compression"

	"github.com/goccy/go-yaml"
)

// Config - корневая структура конфигурации реплики

type Config struct {
	Logger  LoggerConfig  `yaml:"logger"`
	Server  ServerConfig  `yaml:"http-server"`
	Replica ReplicaConfig `yaml:"replica"`
	Network NetworkConfig `yaml:"network"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type ReplicaConfig struct {
	// Name of the store. A raw "sha256:..." fingerprint is accepted too.
	Name        string `yaml:"name"`
	Fingerprint string `yaml:"fingerprint"`
	DataDir     string `yaml:"data_dir"`
	// memory | bolt
	Backend string   `yaml:"backend"`
	Journal bool     `yaml:"journal"`
	Indexes []string `yaml:"indexes"`
}

type NetworkConfig struct {
	// memory | http | redis
	Kind          string      `yaml:"kind"`
	Peer          string      `yaml:"peer"`
	RedisAddr     string      `yaml:"redis_addr"`
	RedisPrefix   string      `yaml:"redis_prefix"`
	CacheCapacity int         `yaml:"cache_capacity"`
	// none | gzip | zstd, blocks stored in redis
	Compression string `yaml:"compression"`
	// join the peer on this interval; 0 disables
	SyncInterval time.Duration `yaml:"sync_interval"`
	Retry        RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
}

const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"

	NetworkMemory = "memory"
	NetworkHTTP   = "http"
	NetworkRedis  = "redis"
)

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Replica: ReplicaConfig{
			Name:    "default",
			DataDir: "./data",
			Backend: BackendMemory,
		},
		Network: NetworkConfig{
			Kind:          NetworkMemory,
			CacheCapacity: 1024,
			Compression:   compression.None,
			Retry: RetryConfig{
				InitialInterval: 500 * time.Millisecond,
				MaxElapsedTime:  time.Minute,
			},
		},
	}
}

// Load reads a YAML file over Default. A missing file yields Default.
func Load(path string) (Config, bool, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, false, nil
		}
		return cfg, false, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, true, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, true, cfg.Validate()
}

// Validate checks the enumerations and required fields.
func (c Config) Validate() error {
	if c.Replica.Name == "" && c.Replica.Fingerprint == "" {
		return fmt.Errorf("replica.name or replica.fingerprint is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("http-server.port %d out of range", c.Server.Port)
	}

	switch c.Replica.Backend {
	case BackendMemory:
	case BackendBolt:
		if c.Replica.DataDir == "" {
			return fmt.Errorf("replica.data_dir is required for the bolt backend")
		}
	default:
		return fmt.Errorf("unknown replica.backend %q", c.Replica.Backend)
	}
	if c.Replica.Journal && c.Replica.DataDir == "" {
		return fmt.Errorf("replica.data_dir is required for the journal")
	}

	switch c.Network.Kind {
	case NetworkMemory:
	case NetworkHTTP:
		if c.Network.Peer == "" {
			return fmt.Errorf("network.peer is required for the http network")
		}
	case NetworkRedis:
		if c.Network.RedisAddr == "" {
			return fmt.Errorf("network.redis_addr is required for the redis network")
		}
	default:
		return fmt.Errorf("unknown network.kind %q", c.Network.Kind)
	}

	if c.Network.SyncInterval < 0 {
		return fmt.Errorf("network.sync_interval must not be negative")
	}
	if c.Network.SyncInterval > 0 && c.Network.Peer == "" {
		return fmt.Errorf("network.peer is required for network.sync_interval")
	}

	if _, err := compression.ByName(c.Network.Compression); err != nil {
		return fmt.Errorf("network.compression: %w", err)
	}

	switch c.Logger.Level {
	case "DEBUG", "INFO", "WARN", "ERROR", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logger.level %q", c.Logger.Level)
	}
	return nil
}
