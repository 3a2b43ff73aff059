// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads sampler run configuration.
//
// Priority is environment > file > defaults. Files are YAML, with JSON
// accepted as a fallback.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/AleutianAI/scalemix/services/sampler/adapt"
	"github.com/AleutianAI/scalemix/services/sampler/coordinator"
	"github.com/AleutianAI/scalemix/services/sampler/initialize"
	"github.com/AleutianAI/scalemix/services/sampler/model"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Checkpoint backends.
const (
	BackendBadger = "badger"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config is the complete run configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after creation.
type Config struct {
	Run        RunConfig        `json:"run" yaml:"run"`
	Model      ModelConfig      `json:"model" yaml:"model"`
	Priors     PriorsConfig     `json:"priors" yaml:"priors"`
	Sampler    SamplerConfig    `json:"sampler" yaml:"sampler"`
	Adaptation AdaptationConfig `json:"adaptation" yaml:"adaptation"`
	Checkpoint CheckpointConfig `json:"checkpoint" yaml:"checkpoint"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Telemetry  TelemetryConfig  `json:"telemetry" yaml:"telemetry"`
	Dataset    DatasetConfig    `json:"dataset" yaml:"dataset"`
}

// RunConfig identifies a run. An empty RunID is replaced by a fresh UUID.
type RunConfig struct {
	Iterations int    `json:"iterations" yaml:"iterations" validate:"gte=0"`
	Seed       uint64 `json:"seed" yaml:"seed"`
	RunID      string `json:"run_id" yaml:"run_id"`
}

// ModelConfig holds the fixed model constants. A zero Threshold is taken
// from the dataset, or from its empirical quantile.
type ModelConfig struct {
	ThresholdProbability float64 `json:"threshold_probability" yaml:"threshold_probability" validate:"gt=0,lt=1"`
	Threshold            float64 `json:"threshold" yaml:"threshold"`
	LevyScale            float64 `json:"levy_scale" yaml:"levy_scale" validate:"gt=0"`
	Smoothness           float64 `json:"smoothness" yaml:"smoothness" validate:"gt=0"`
	Sill                 float64 `json:"sill" yaml:"sill" validate:"gt=0"`
	TauInit              float64 `json:"tau_init" yaml:"tau_init" validate:"gt=0"`
	GaussianBandwidth    float64 `json:"gaussian_bandwidth" yaml:"gaussian_bandwidth" validate:"gt=0"`
	WendlandRadius       float64 `json:"wendland_radius" yaml:"wendland_radius" validate:"gt=0"`
	KnotOuterGrid        int     `json:"knot_outer_grid" yaml:"knot_outer_grid" validate:"gte=1"`
	InterceptOnly        bool    `json:"intercept_only" yaml:"intercept_only"`
}

// PriorsConfig holds prior hyperparameters.
type PriorsConfig struct {
	RangeUpper     float64 `json:"range_upper" yaml:"range_upper" validate:"gt=0"`
	TauScale       float64 `json:"tau_scale" yaml:"tau_scale" validate:"gt=0"`
	SigmaBetaScale float64 `json:"sigma_beta_scale" yaml:"sigma_beta_scale" validate:"gt=0"`
}

// SamplerConfig sets the block layout. ProposalCovPath optionally names a
// YAML file of prior-run proposal covariances keyed by block ID.
type SamplerConfig struct {
	PhiBlockSize      int      `json:"phi_block_size" yaml:"phi_block_size" validate:"gte=1"`
	RangeBlockSize    int      `json:"range_block_size" yaml:"range_block_size" validate:"gte=1"`
	GaussianBlockSize int      `json:"gaussian_block_size" yaml:"gaussian_block_size" validate:"gte=1"`
	Sweep             []string `json:"sweep" yaml:"sweep" validate:"min=1,dive,oneof=scale gaussian phi range tau beta_logsigma beta_xi sigma_beta impute"`
	ProposalCovPath   string   `json:"proposal_cov_path" yaml:"proposal_cov_path"`
}

// AdaptationConfig is the proposal adaptation schedule.
type AdaptationConfig struct {
	Window     int     `json:"window" yaml:"window" validate:"gte=1"`
	C0         float64 `json:"c0" yaml:"c0" validate:"gt=0,lte=1"`
	C1         float64 `json:"c1" yaml:"c1" validate:"gt=0"`
	Offset     float64 `json:"offset" yaml:"offset" validate:"gte=0"`
	TargetRate float64 `json:"target_rate" yaml:"target_rate" validate:"gt=0,lt=1"`
}

// CheckpointConfig selects the checkpoint store.
type CheckpointConfig struct {
	Backend     string `json:"backend" yaml:"backend" validate:"oneof=badger redis memory"`
	Path        string `json:"path" yaml:"path" validate:"required_if=Backend badger"`
	RedisAddr   string `json:"redis_addr" yaml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPrefix string `json:"redis_prefix" yaml:"redis_prefix"`
	SyncWrites  bool   `json:"sync_writes" yaml:"sync_writes"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Dir    string `json:"dir" yaml:"dir"`
	Format string `json:"format" yaml:"format" validate:"oneof=text json auto"`
}

// TelemetryConfig configures tracing, metrics and the status server. An
// empty StatusAddr disables the server.
type TelemetryConfig struct {
	TraceExporter  string       `json:"trace_exporter" yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter string       `json:"metric_exporter" yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string       `json:"otlp_endpoint" yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
	StatusAddr     string       `json:"status_addr" yaml:"status_addr"`
	Influx         InfluxConfig `json:"influx" yaml:"influx"`
}

// InfluxConfig enables the InfluxDB trace sink when URL is set.
type InfluxConfig struct {
	URL    string `json:"url" yaml:"url" validate:"omitempty,url"`
	Token  string `json:"token" yaml:"token"`
	Org    string `json:"org" yaml:"org" validate:"required_with=URL"`
	Bucket string `json:"bucket" yaml:"bucket" validate:"required_with=URL"`
}

// DatasetConfig names the observations file.
type DatasetConfig struct {
	Path string `json:"path" yaml:"path"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	ac := adapt.DefaultConfig()
	sc := coordinator.DefaultSamplerConfig()
	mc := model.DefaultConfig(0)
	pr := model.DefaultPriors()
	return Config{
		Run: RunConfig{Iterations: 1000, Seed: 1},
		Model: ModelConfig{
			ThresholdProbability: mc.ThresholdProbability,
			LevyScale:            mc.LevyScale,
			Smoothness:           mc.Smoothness,
			Sill:                 mc.Sill,
			TauInit:              initialize.DefaultOptions(0).Tau,
			GaussianBandwidth:    mc.GaussianBandwidth,
			WendlandRadius:       mc.WendlandRadius,
			KnotOuterGrid:        9,
		},
		Priors: PriorsConfig{
			RangeUpper:     pr.RangeUpper,
			TauScale:       pr.TauScale,
			SigmaBetaScale: pr.SigmaBetaScale,
		},
		Sampler: SamplerConfig{
			PhiBlockSize:      sc.PhiBlockSize,
			RangeBlockSize:    sc.RangeBlockSize,
			GaussianBlockSize: sc.GaussianBlockSize,
			Sweep:             sc.Sweep,
		},
		Adaptation: AdaptationConfig{
			Window:     ac.Window,
			C0:         ac.C0,
			C1:         ac.C1,
			Offset:     ac.Offset,
			TargetRate: ac.TargetRate,
		},
		Checkpoint: CheckpointConfig{
			Backend:     BackendBadger,
			Path:        "scalemix-checkpoints",
			RedisPrefix: "scalemix",
			SyncWrites:  true,
		},
		Logging: LoggingConfig{Level: "info", Format: "auto"},
		Telemetry: TelemetryConfig{
			TraceExporter:  "none",
			MetricExporter: "prometheus",
		},
	}
}

// Load reads configuration with priority: env > file > defaults.
//
// Inputs:
//   - path: YAML or JSON config file. Empty uses defaults only; a missing
//     file is an error.
//
// Outputs:
//   - Config: Merged configuration.
//   - error: Non-nil if the file is unreadable, an environment override does
//     not parse, or validation fails.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, fmt.Errorf("environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and reports every violation.
func (c Config) Validate() error {
	err := validate.Struct(c)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fmt.Errorf("%s: failed %q (value %v)", fe.Namespace(), fe.ActualTag(), fe.Value()))
	}
	return errors.Join(out...)
}

// ModelAt returns the model constants at threshold u.
func (c Config) ModelAt(u float64) model.Config {
	return model.Config{
		ThresholdProbability: c.Model.ThresholdProbability,
		Threshold:            u,
		LevyScale:            c.Model.LevyScale,
		Smoothness:           c.Model.Smoothness,
		Sill:                 c.Model.Sill,
		GaussianBandwidth:    c.Model.GaussianBandwidth,
		WendlandRadius:       c.Model.WendlandRadius,
		InterceptOnly:        c.Model.InterceptOnly,
	}
}

// ModelPriors returns the prior hyperparameters. The Lévy scale is shared
// with the model.
func (c Config) ModelPriors() model.Priors {
	return model.Priors{
		RangeUpper:     c.Priors.RangeUpper,
		TauScale:       c.Priors.TauScale,
		SigmaBetaScale: c.Priors.SigmaBetaScale,
		LevyScale:      c.Model.LevyScale,
	}
}

// SamplerLayout returns the block layout configuration.
func (c Config) SamplerLayout() coordinator.SamplerConfig {
	return coordinator.SamplerConfig{
		PhiBlockSize:      c.Sampler.PhiBlockSize,
		RangeBlockSize:    c.Sampler.RangeBlockSize,
		GaussianBlockSize: c.Sampler.GaussianBlockSize,
		Sweep:             slices.Clone(c.Sampler.Sweep),
	}
}

// AdaptSchedule returns the adaptation schedule.
func (c Config) AdaptSchedule() adapt.Config {
	return adapt.Config{
		Window:     c.Adaptation.Window,
		C0:         c.Adaptation.C0,
		C1:         c.Adaptation.C1,
		Offset:     c.Adaptation.Offset,
		TargetRate: c.Adaptation.TargetRate,
	}
}

// InitOptions returns initializer options seeded from the run seed.
func (c Config) InitOptions() initialize.Options {
	opts := initialize.DefaultOptions(c.Run.Seed)
	opts.Tau = c.Model.TauInit
	return opts
}
