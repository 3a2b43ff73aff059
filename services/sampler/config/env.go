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
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SCALEMIX_"

type override struct {
	name  string
	apply func(c *Config, v string) error
}

func intVar(get func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		i, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*get(c) = i
		return nil
	}
}

func uintVar(get func(c *Config) *uint64) func(*Config, string) error {
	return func(c *Config, v string) error {
		u, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		*get(c) = u
		return nil
	}
}

func floatVar(get func(c *Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*get(c) = f
		return nil
	}
}

func boolVar(get func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*get(c) = b
		return nil
	}
}

func stringVar(get func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*get(c) = v
		return nil
	}
}

var overrides = []override{
	{"ITERATIONS", intVar(func(c *Config) *int { return &c.Run.Iterations })},
	{"SEED", uintVar(func(c *Config) *uint64 { return &c.Run.Seed })},
	{"RUN_ID", stringVar(func(c *Config) *string { return &c.Run.RunID })},
	{"THRESHOLD", floatVar(func(c *Config) *float64 { return &c.Model.Threshold })},
	{"THRESHOLD_PROBABILITY", floatVar(func(c *Config) *float64 { return &c.Model.ThresholdProbability })},
	{"INTERCEPT_ONLY", boolVar(func(c *Config) *bool { return &c.Model.InterceptOnly })},
	{"SWEEP", func(c *Config, v string) error {
		c.Sampler.Sweep = strings.Split(v, ",")
		for i := range c.Sampler.Sweep {
			c.Sampler.Sweep[i] = strings.TrimSpace(c.Sampler.Sweep[i])
		}
		return nil
	}},
	{"PROPOSAL_COV_PATH", stringVar(func(c *Config) *string { return &c.Sampler.ProposalCovPath })},
	{"ADAPT_WINDOW", intVar(func(c *Config) *int { return &c.Adaptation.Window })},
	{"TARGET_RATE", floatVar(func(c *Config) *float64 { return &c.Adaptation.TargetRate })},
	{"CHECKPOINT_BACKEND", stringVar(func(c *Config) *string { return &c.Checkpoint.Backend })},
	{"CHECKPOINT_PATH", stringVar(func(c *Config) *string { return &c.Checkpoint.Path })},
	{"REDIS_ADDR", stringVar(func(c *Config) *string { return &c.Checkpoint.RedisAddr })},
	{"SYNC_WRITES", boolVar(func(c *Config) *bool { return &c.Checkpoint.SyncWrites })},
	{"LOG_LEVEL", stringVar(func(c *Config) *string { return &c.Logging.Level })},
	{"LOG_DIR", stringVar(func(c *Config) *string { return &c.Logging.Dir })},
	{"LOG_FORMAT", stringVar(func(c *Config) *string { return &c.Logging.Format })},
	{"TRACE_EXPORTER", stringVar(func(c *Config) *string { return &c.Telemetry.TraceExporter })},
	{"METRIC_EXPORTER", stringVar(func(c *Config) *string { return &c.Telemetry.MetricExporter })},
	{"OTLP_ENDPOINT", stringVar(func(c *Config) *string { return &c.Telemetry.OTLPEndpoint })},
	{"STATUS_ADDR", stringVar(func(c *Config) *string { return &c.Telemetry.StatusAddr })},
	{"INFLUX_URL", stringVar(func(c *Config) *string { return &c.Telemetry.Influx.URL })},
	{"INFLUX_TOKEN", stringVar(func(c *Config) *string { return &c.Telemetry.Influx.Token })},
	{"INFLUX_ORG", stringVar(func(c *Config) *string { return &c.Telemetry.Influx.Org })},
	{"INFLUX_BUCKET", stringVar(func(c *Config) *string { return &c.Telemetry.Influx.Bucket })},
	{"DATASET", stringVar(func(c *Config) *string { return &c.Dataset.Path })},
}

// applyEnv applies every set SCALEMIX_* variable. Unparseable values are
// reported together.
func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, o := range overrides {
		name := EnvPrefix + o.name
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		if err := o.apply(c, v); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", name, v, err))
		}
	}
	return errors.Join(errs...)
}
