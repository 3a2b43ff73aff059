// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/scalemix/services/sampler/adapt"
	"github.com/AleutianAI/scalemix/services/sampler/coordinator"
	"github.com/AleutianAI/scalemix/services/sampler/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, adapt.DefaultConfig(), cfg.AdaptSchedule())
	assert.Equal(t, coordinator.DefaultSamplerConfig(), cfg.SamplerLayout())
	assert.Equal(t, model.DefaultPriors(), cfg.ModelPriors())
	assert.Equal(t, model.DefaultConfig(20), cfg.ModelAt(20))
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
run:
  iterations: 250
  seed: 42
model:
  threshold: 18.5
  intercept_only: true
sampler:
  phi_block_size: 2
  sweep: [scale, phi, impute]
checkpoint:
  backend: memory
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.Run.Iterations)
	assert.Equal(t, uint64(42), cfg.Run.Seed)
	assert.Equal(t, 18.5, cfg.Model.Threshold)
	assert.True(t, cfg.Model.InterceptOnly)
	assert.Equal(t, 2, cfg.Sampler.PhiBlockSize)
	assert.Equal(t, 4, cfg.Sampler.RangeBlockSize)
	assert.Equal(t, []string{"scale", "phi", "impute"}, cfg.Sampler.Sweep)
	assert.Equal(t, BackendMemory, cfg.Checkpoint.Backend)
	assert.Equal(t, 0.9, cfg.Model.ThresholdProbability)
}

func TestLoad_JSONFallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"run": {"iterations": 7}, "logging": {"level": "debug"}}`), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Run.Iterations)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte("run:\n  iterations: 10\n"), 0o600))
	t.Setenv("SCALEMIX_ITERATIONS", "99")
	t.Setenv("SCALEMIX_SWEEP", "scale, gaussian,tau")
	t.Setenv("SCALEMIX_CHECKPOINT_BACKEND", "redis")
	t.Setenv("SCALEMIX_REDIS_ADDR", "localhost:6379")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 99, cfg.Run.Iterations)
	assert.Equal(t, []string{"scale", "gaussian", "tau"}, cfg.Sampler.Sweep)
	assert.Equal(t, BackendRedis, cfg.Checkpoint.Backend)
}

func TestApplyEnv_ReportsBadValues(t *testing.T) {
	env := map[string]string{"SCALEMIX_SEED": "-3", "SCALEMIX_SYNC_WRITES": "maybe"}
	cfg := Default()
	err := applyEnv(&cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCALEMIX_SEED")
	assert.Contains(t, err.Error(), "SCALEMIX_SYNC_WRITES")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"probability above one", func(c *Config) { c.Model.ThresholdProbability = 1.2 }, "ThresholdProbability"},
		{"unknown stage", func(c *Config) { c.Sampler.Sweep = []string{"scale", "warp"} }, "Sweep[1]"},
		{"empty sweep", func(c *Config) { c.Sampler.Sweep = nil }, "Sweep"},
		{"redis without address", func(c *Config) { c.Checkpoint.Backend = BackendRedis }, "RedisAddr"},
		{"badger without path", func(c *Config) { c.Checkpoint.Path = "" }, "Path"},
		{"bad backend", func(c *Config) { c.Checkpoint.Backend = "s3" }, "Backend"},
		{"otlp without endpoint", func(c *Config) { c.Telemetry.TraceExporter = "otlp" }, "OTLPEndpoint"},
		{"influx without bucket", func(c *Config) {
			c.Telemetry.Influx = InfluxConfig{URL: "http://localhost:8086", Org: "o"}
		}, "Bucket"},
		{"zero window", func(c *Config) { c.Adaptation.Window = 0 }, "Window"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}
