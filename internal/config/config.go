package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ResourceLimits are the immutable-after-creation container resource caps
// applied to every session.
type ResourceLimits struct {
	CPUShares int64 `yaml:"cpu_shares"`
	MemoryMB  int64 `yaml:"memory_mb"`
	PidsMax   int64 `yaml:"pids_max"`
}

// RateLimit configures per-(user,endpoint) windowed throttling on session
// creation.
type RateLimit struct {
	WindowSeconds int `yaml:"window_seconds"`
	MaxRequests   int `yaml:"max_requests"`
}

// TTL holds the lifecycle timers the session manager's state machine and
// sweeper use.
type TTL struct {
	ReadyGraceSeconds      int `yaml:"ready_grace_seconds"`
	IdleTTLSeconds         int `yaml:"idle_ttl_seconds"`
	TerminatedGraceSeconds int `yaml:"terminated_grace_seconds"`
	SweepIntervalSeconds   int `yaml:"sweep_interval_seconds"`
}

type Config struct {
	ServerHost string `yaml:"server_host"`
	ServerPort int    `yaml:"server_port"`

	DockerHost string `yaml:"docker_host"` // empty = honor DOCKER_HOST / default socket

	DefaultImage  string   `yaml:"default_image"`
	AllowedImages []string `yaml:"allowed_images"`

	DBPath string `yaml:"db_path"`

	SessionCreateTimeoutSeconds int `yaml:"session_create_timeout_seconds"`

	// MaxSessionsPerUser caps live (non-terminal) sessions per user_id.
	// Zero disables the quota.
	MaxSessionsPerUser int `yaml:"max_sessions_per_user"`

	TTL       TTL            `yaml:"ttl"`
	Limits    ResourceLimits `yaml:"limits"`
	RateLimit RateLimit      `yaml:"rate_limit"`

	AnyoneSocksPort int    `yaml:"anyone_socks_port"`
	AnyoneBinary    string `yaml:"anyone_binary"`

	LogLevel string `yaml:"log_level"`

	// APIKey, when set, is required as a Bearer token on every /api/*
	// request. Empty means open access (dev mode).
	APIKey string `yaml:"api_key"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

func (c *Config) SessionCreateTimeout() time.Duration {
	return time.Duration(c.SessionCreateTimeoutSeconds) * time.Second
}

func (c *Config) IdleTTL() time.Duration {
	return time.Duration(c.TTL.IdleTTLSeconds) * time.Second
}

func (c *Config) ReadyGrace() time.Duration {
	return time.Duration(c.TTL.ReadyGraceSeconds) * time.Second
}

func (c *Config) TerminatedGrace() time.Duration {
	return time.Duration(c.TTL.TerminatedGraceSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.TTL.SweepIntervalSeconds) * time.Second
}

// defaultAllowedImages is the out-of-the-box image allow-list.
var defaultAllowedImages = []string{
	"ubuntu:22.04",
	"ubuntu:20.04",
	"alpine:latest",
	"debian:latest",
	"node:18-alpine",
	"python:3.11-slim",
	"rust:latest",
}

// Load reads an optional YAML file, then overlays environment variables;
// env always wins over the file.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		ServerHost:                  "127.0.0.1",
		ServerPort:                  8080,
		DefaultImage:                "ubuntu:22.04",
		AllowedImages:               append([]string(nil), defaultAllowedImages...),
		DBPath:                      "./termbroker.db",
		SessionCreateTimeoutSeconds: 30,
		MaxSessionsPerUser:          5,
		TTL: TTL{
			ReadyGraceSeconds:      120,
			IdleTTLSeconds:         600,
			TerminatedGraceSeconds: 60,
			SweepIntervalSeconds:   10,
		},
		Limits: ResourceLimits{
			CPUShares: 1024,
			MemoryMB:  512,
			PidsMax:   256,
		},
		RateLimit: RateLimit{
			WindowSeconds: 60,
			MaxRequests:   10,
		},
		AnyoneSocksPort: 9050,
		AnyoneBinary:    "anyone-proxy",
		LogLevel:        "info",
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.ServerHost = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ServerPort = n
		}
	}
	if v := os.Getenv("DOCKER_HOST"); v != "" {
		cfg.DockerHost = v
	}
	if v := os.Getenv("IMAGE_ALLOWLIST"); v != "" {
		cfg.AllowedImages = strings.Split(v, ",")
	}
	if v := os.Getenv("SESSION_IDLE_TTL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TTL.IdleTTLSeconds = n
		}
	}
	if v := os.Getenv("SESSION_CREATE_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionCreateTimeoutSeconds = n
		}
	}
	if v := os.Getenv("MAX_SESSIONS_PER_USER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessionsPerUser = n
		}
	}
	if v := os.Getenv("ANYONE_SOCKS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AnyoneSocksPort = n
		}
	}
	if v := os.Getenv("TERMBROKER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TERMBROKER_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TERMBROKER_API_KEY"); v != "" {
		cfg.APIKey = v
	}
}

// IsImageAllowed reports whether image is on the configured allow-list. An
// empty allow-list denies everything; the broker ships a non-empty default
// list, so an operator must explicitly empty it to lock the system down.
func (c *Config) IsImageAllowed(image string) bool {
	for _, allowed := range c.AllowedImages {
		if allowed == image {
			return true
		}
	}
	return false
}
