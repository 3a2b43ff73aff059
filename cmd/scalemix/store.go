// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/scalemix/services/sampler/checkpoint"
	"github.com/AleutianAI/scalemix/services/sampler/config"
	"github.com/AleutianAI/scalemix/services/sampler/storage/badger"
	"github.com/redis/go-redis/v9"
)

// openStore opens the configured checkpoint backend for runID.
func openStore(ctx context.Context, cfg config.CheckpointConfig, runID string, logger *slog.Logger) (checkpoint.Store, error) {
	switch cfg.Backend {
	case config.BackendBadger:
		bc := badger.DefaultConfig(cfg.Path)
		bc.SyncWrites = cfg.SyncWrites
		bc.Logger = logger
		return checkpoint.OpenBadgerStore(bc, runID, logger)
	case config.BackendRedis:
		return checkpoint.NewRedisStore(ctx, &redis.Options{Addr: cfg.RedisAddr}, cfg.RedisPrefix, runID)
	case config.BackendMemory:
		return checkpoint.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
}

// storedRun resolves the run to read back and rejects backends that keep
// nothing between processes.
func storedRun(cfg config.Config, runID string) (string, error) {
	if runID == "" {
		runID = cfg.Run.RunID
	}
	if runID == "" {
		return "", errors.New("--run-id is required")
	}
	if cfg.Checkpoint.Backend == config.BackendMemory {
		return "", errors.New("the memory checkpoint backend keeps no trace to read")
	}
	return runID, nil
}
