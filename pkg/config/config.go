// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the backend configuration.
//
// Configuration is read from an optional YAML file and then overridden
// by environment variables, so containerized deployments can run with
// env vars only. Provider API keys are supplied as comma-separated
// lists (QBIT_PLAN_API_KEYS, QBIT_CODEGEN_API_KEYS) and feed the
// per-provider key rotation pools.
//
// Validation runs after the overrides are applied; a config that fails
// validation never reaches the services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Port           string  `yaml:"port" validate:"required"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps" validate:"gt=0"`
	RateLimitBurst int     `yaml:"rate_limit_burst" validate:"gt=0"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// StorageConfig configures the embedded Badger store backing the
// credit ledger and snapshot store.
type StorageConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// RedisConfig configures the project-context cache. An empty Addr
// disables Redis; the orchestrator falls back to its in-process cache.
type RedisConfig struct {
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	ContextTTL time.Duration `yaml:"context_ttl"`
}

// ProviderConfig describes one upstream LLM provider and its key pool.
type ProviderConfig struct {
	// Name identifies the provider in logs and metrics ("groq", "cerebras").
	Name string `yaml:"name" validate:"required"`

	// BaseURL is the provider's API endpoint.
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// Model is the provider model identifier.
	Model string `yaml:"model" validate:"required"`

	// Keys holds the rotation pool's API keys. Populated from the
	// comma-separated env var when present.
	Keys []string `yaml:"keys" validate:"min=1"`

	// RPMLimit is the per-key requests-per-minute ceiling.
	RPMLimit int `yaml:"rpm_limit" validate:"gt=0"`

	// Window is the rate-limit accounting window. Default: one minute.
	Window time.Duration `yaml:"window"`

	// Headroom keeps a key out of rotation this many requests before
	// RPMLimit is reached, so a burst in flight cannot overshoot.
	Headroom int `yaml:"headroom" validate:"gte=0"`

	// Timeout bounds each provider call.
	Timeout time.Duration `yaml:"timeout"`
}

// CreditsConfig holds the per-complexity cost tables.
type CreditsConfig struct {
	// Generation maps plan complexity to the credit cost of a fresh
	// project generation.
	Generation map[string]int64 `yaml:"generation" validate:"required"`

	// Modification maps plan complexity to the credit cost of a
	// follow-up change against an existing project.
	Modification map[string]int64 `yaml:"modification" validate:"required"`

	// SignupGrant is the balance credited to a new user.
	SignupGrant int64 `yaml:"signup_grant" validate:"gte=0"`
}

// RetryConfig bounds the pipeline's key-reacquisition retry loop.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" validate:"gt=0"`
	InitialInterval time.Duration `yaml:"initial_interval" validate:"gt=0"`
	MaxInterval     time.Duration `yaml:"max_interval" validate:"gt=0"`
}

// Config is the root configuration object.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Logging LoggingConfig  `yaml:"logging"`
	Storage StorageConfig  `yaml:"storage"`
	Redis   RedisConfig    `yaml:"redis"`
	Plan    ProviderConfig `yaml:"plan"`
	Codegen ProviderConfig `yaml:"codegen"`
	Credits CreditsConfig  `yaml:"credits"`
	Retry   RetryConfig    `yaml:"retry"`

	// OTLPEndpoint enables trace export when set (host:port).
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the configuration used when no file and no env
// overrides are present. Cost tables match the production pricing:
// generation 10/20/35 and modification 8/15/25 credits by complexity.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:           "12300",
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
		Logging: LoggingConfig{Level: "info"},
		Storage: StorageConfig{Path: "~/.qbit/data"},
		Redis:   RedisConfig{ContextTTL: 60 * time.Minute},
		Plan: ProviderConfig{
			Name:     "groq",
			BaseURL:  "https://api.groq.com/openai/v1",
			Model:    "openai/gpt-oss-120b",
			RPMLimit: 30,
			Window:   time.Minute,
			Headroom: 5,
			Timeout:  60 * time.Second,
		},
		Codegen: ProviderConfig{
			Name:     "cerebras",
			BaseURL:  "https://api.cerebras.ai/v1",
			Model:    "qwen-3-32b",
			RPMLimit: 60,
			Window:   time.Minute,
			Headroom: 5,
			Timeout:  120 * time.Second,
		},
		Credits: CreditsConfig{
			Generation:   map[string]int64{"simple": 10, "moderate": 20, "complex": 35},
			Modification: map[string]int64{"simple": 8, "moderate": 15, "complex": 25},
			SignupGrant:  100,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// at path (skipped when path is empty or missing), then env overrides,
// then validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg.
func (c *Config) applyEnv() {
	if v := os.Getenv("QBIT_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("QBIT_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("QBIT_LOG_DIR"); v != "" {
		c.Logging.Dir = v
	}
	if v := os.Getenv("QBIT_DATA_DIR"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("QBIT_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("QBIT_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("QBIT_OTLP_ENDPOINT"); v != "" {
		c.OTLPEndpoint = v
	}

	applyProviderEnv(&c.Plan, "PLAN")
	applyProviderEnv(&c.Codegen, "CODEGEN")
}

func applyProviderEnv(p *ProviderConfig, prefix string) {
	if v := os.Getenv("QBIT_" + prefix + "_API_KEYS"); v != "" {
		p.Keys = SplitKeys(v)
	}
	if v := os.Getenv("QBIT_" + prefix + "_MODEL"); v != "" {
		p.Model = v
	}
	if v := os.Getenv("QBIT_" + prefix + "_BASE_URL"); v != "" {
		p.BaseURL = v
	}
	if v := os.Getenv("QBIT_" + prefix + "_RPM_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.RPMLimit = n
		}
	}
}

// SplitKeys parses a comma-separated key list, trimming whitespace and
// dropping empty entries.
func SplitKeys(s string) []string {
	parts := strings.Split(s, ",")
	keys := make([]string, 0, len(parts))
	for _, part := range parts {
		if key := strings.TrimSpace(part); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// Validate checks the configuration with struct tags plus the
// cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for _, complexity := range []string{"simple", "moderate", "complex"} {
		if _, ok := c.Credits.Generation[complexity]; !ok {
			return fmt.Errorf("invalid configuration: credits.generation missing %q", complexity)
		}
		if _, ok := c.Credits.Modification[complexity]; !ok {
			return fmt.Errorf("invalid configuration: credits.modification missing %q", complexity)
		}
	}
	if c.Plan.Window <= 0 {
		c.Plan.Window = time.Minute
	}
	if c.Codegen.Window <= 0 {
		c.Codegen.Window = time.Minute
	}
	if c.Plan.Headroom >= c.Plan.RPMLimit {
		return fmt.Errorf("invalid configuration: plan headroom %d >= rpm limit %d",
			c.Plan.Headroom, c.Plan.RPMLimit)
	}
	if c.Codegen.Headroom >= c.Codegen.RPMLimit {
		return fmt.Errorf("invalid configuration: codegen headroom %d >= rpm limit %d",
			c.Codegen.Headroom, c.Codegen.RPMLimit)
	}
	return nil
}
