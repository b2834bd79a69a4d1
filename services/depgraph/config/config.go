// Copyright (C) 2025 Barrulus Labs (vizzy@barrulus.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the dependency-graph engine configuration with
// priority: environment > file > defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/barrulus/vizzy-sub000/services/depgraph/analysis"
)

// CacheConfig tunes the in-memory analysis cache.
type CacheConfig struct {
	MaxEntries    int           `yaml:"max_entries" validate:"gt=0"`
	DefaultTTL    time.Duration `yaml:"default_ttl" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gte=0"`
}

// AnalysisConfig tunes the analysis engines.
type AnalysisConfig struct {
	// BypassSearchDepth bounds the redundancy detector's detour search.
	BypassSearchDepth int `yaml:"bypass_search_depth" validate:"gt=0,lte=50"`

	// DeepPathThreshold is the average runtime path length above which
	// an essential node counts as deeply essential.
	DeepPathThreshold float64 `yaml:"deep_path_threshold" validate:"gt=0"`

	MaxDepth        int `yaml:"max_depth" validate:"gt=0,lte=1000"`
	MaxPaths        int `yaml:"max_paths" validate:"gt=0"`
	MaxGroups       int `yaml:"max_groups" validate:"gt=0"`
	MaxEdgesChecked int `yaml:"max_edges_checked" validate:"gt=0"`

	// CommonLabels get the extended why-chain cache TTL.
	CommonLabels []string `yaml:"common_labels"`
}

// StalenessConfig tunes the staleness tracker.
type StalenessConfig struct {
	// RecomputePerSecond bounds recomputation batches per second.
	RecomputePerSecond float64 `yaml:"recompute_per_second" validate:"gt=0"`

	// StaleThreshold is the contribution age beyond which a staleness
	// report flags a node stale even without a recorded change. Zero
	// disables age-based staleness.
	StaleThreshold time.Duration `yaml:"stale_threshold" validate:"gte=0"`
}

// StorageConfig tunes the persistent analysis tier.
type StorageConfig struct {
	// Path is the BadgerDB directory. Empty disables persistence.
	Path string `yaml:"path"`

	SyncWrites bool          `yaml:"sync_writes"`
	TTL        time.Duration `yaml:"ttl" validate:"gte=0"`
}

// LoggingConfig tunes structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	LogDir string `yaml:"log_dir"`
}

// Config is the full engine configuration.
type Config struct {
	Cache     CacheConfig     `yaml:"cache"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Staleness StalenessConfig `yaml:"staleness"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			MaxEntries:    10000,
			DefaultTTL:    10 * time.Minute,
			SweepInterval: time.Minute,
		},
		Analysis: AnalysisConfig{
			BypassSearchDepth: analysis.DefaultBypassSearchDepth,
			DeepPathThreshold: analysis.DefaultDeepPathThreshold,
			MaxDepth:          analysis.DefaultMaxDepth,
			MaxPaths:          analysis.DefaultMaxPaths,
			MaxGroups:         analysis.DefaultMaxGroups,
			MaxEdgesChecked:   analysis.DefaultMaxEdgesChecked,
		},
		Staleness: StalenessConfig{
			RecomputePerSecond: 2,
		},
		Storage: StorageConfig{
			SyncWrites: true,
			TTL:        24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (a missing file is not an error), then environment overrides, then
// validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	loadEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks every field constraint.
func (c Config) Validate() error {
	return validator.New().Struct(c)
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("DEPGRAPH_CACHE_MAX_ENTRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MaxEntries = i
		}
	}
	if v := os.Getenv("DEPGRAPH_CACHE_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.DefaultTTL = d
		}
	}
	if v := os.Getenv("DEPGRAPH_BYPASS_SEARCH_DEPTH"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Analysis.BypassSearchDepth = i
		}
	}
	if v := os.Getenv("DEPGRAPH_DEEP_PATH_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Analysis.DeepPathThreshold = f
		}
	}
	if v := os.Getenv("DEPGRAPH_MAX_DEPTH"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Analysis.MaxDepth = i
		}
	}
	if v := os.Getenv("DEPGRAPH_MAX_PATHS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Analysis.MaxPaths = i
		}
	}
	if v := os.Getenv("DEPGRAPH_COMMON_LABELS"); v != "" {
		cfg.Analysis.CommonLabels = splitLabels(v)
	}
	if v := os.Getenv("DEPGRAPH_STALE_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Staleness.StaleThreshold = d
		}
	}
	if v := os.Getenv("DEPGRAPH_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("DEPGRAPH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func splitLabels(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
