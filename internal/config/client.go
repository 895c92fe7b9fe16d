package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig 是客户端核心（cmd/cvc）的配置，字段同时支持 YAML 文件与环境变量。
type ClientConfig struct {
	APIBaseURL       string        `yaml:"apiBaseURL"`
	SocketURL        string        `yaml:"socketURL"`
	APIKey           string        `yaml:"apiKey"`
	StateDir         string        `yaml:"stateDir"`
	Store            string        `yaml:"store"`
	StorePassphrase  string        `yaml:"storePassphrase"`
	RedisAddr        string        `yaml:"redisAddr"`
	RedisPassword    string        `yaml:"redisPassword"`
	RedisPrefix      string        `yaml:"redisPrefix"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	RefreshTimeout   time.Duration `yaml:"refreshTimeout"`
	Env              string        `yaml:"env"`
	LogLevel         string        `yaml:"logLevel"`
	HistoryPageLimit int           `yaml:"historyPageLimit"`
}

// LoadClient 先读取可选的 YAML 文件（CVC_CONFIG），再用环境变量覆盖。
func LoadClient() (ClientConfig, error) {
	cfg := ClientConfig{
		APIBaseURL:       "http://localhost:8080",
		Store:            "file",
		RedisPrefix:      "cvc",
		RequestTimeout:   10 * time.Second,
		RefreshTimeout:   15 * time.Second,
		Env:              "dev",
		LogLevel:         "info",
		HistoryPageLimit: 50,
	}
	if path := os.Getenv("CVC_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.APIBaseURL = strings.TrimRight(getenv("CVC_API_BASE_URL", cfg.APIBaseURL), "/")
	cfg.SocketURL = strings.TrimRight(getenv("CVC_SOCKET_URL", cfg.SocketURL), "/")
	cfg.APIKey = getenv("CVC_API_KEY", cfg.APIKey)
	cfg.StateDir = getenv("CVC_STATE_DIR", cfg.StateDir)
	cfg.Store = getenv("CVC_STORE", cfg.Store)
	cfg.StorePassphrase = getenv("CVC_STORE_PASSPHRASE", cfg.StorePassphrase)
	cfg.RedisAddr = getenv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getenv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RequestTimeout = getenvDuration("CVC_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.RefreshTimeout = getenvDuration("CVC_REFRESH_TIMEOUT", cfg.RefreshTimeout)
	cfg.Env = getenv("APP_ENV", cfg.Env)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.HistoryPageLimit = getenvInt("CVC_HISTORY_PAGE_LIMIT", cfg.HistoryPageLimit)

	if cfg.SocketURL == "" {
		cfg.SocketURL = socketURLFor(cfg.APIBaseURL)
	}
	if cfg.StateDir == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			cfg.StateDir = filepath.Join(dir, "coolvibeclub")
		} else {
			cfg.StateDir = ".coolvibeclub"
		}
	}
	if err := ValidateClient(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ValidateClient 校验客户端配置。
func ValidateClient(cfg ClientConfig) error {
	if cfg.APIBaseURL == "" {
		return errors.New("config: apiBaseURL is required")
	}
	switch cfg.Store {
	case "memory":
	case "file":
		if cfg.StorePassphrase == "" {
			return errors.New("config: storePassphrase is required for the file store (CVC_STORE_PASSPHRASE)")
		}
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for the redis store")
		}
	default:
		return fmt.Errorf("config: unknown store %q", cfg.Store)
	}
	return nil
}

// socketURLFor 由 REST 基地址推导 websocket 基地址（http→ws, https→wss）。
func socketURLFor(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
