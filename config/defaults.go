// Package config provides configuration loading and defaults for the
// granary daemon.
//
// This file defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or command-line flags.
package config

import "time"

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultDataDir is the root directory for shared state files.
	// Override via config: data_dir
	DefaultDataDir = "/var/lib/granary"

	// DefaultShardSpec manages the whole shard universe. Set a list
	// ("0,1,8-15") to split scheduling across nodes, or empty to run an
	// observe-only node that never schedules rollups.
	// Override via config: shards
	DefaultShardSpec = "ALL"
)

// =============================================================================
// State Exchange Defaults
// =============================================================================

const (
	// DefaultPushInterval is how often dirty slot states are flushed to
	// the shared store. Shorter intervals converge peers faster at the
	// cost of more store writes.
	// Override via config: push.interval
	DefaultPushInterval = 10 * time.Second

	// DefaultPullInterval is how often peer state is read back and merged.
	// Override via config: pull.interval
	DefaultPullInterval = 30 * time.Second
)

// =============================================================================
// Rollup Defaults
// =============================================================================

const (
	// DefaultRollupMaxAge is how long a slot must go without updates
	// before it is rolled up. It matches the finest rollup slot width, so
	// a slot is picked up one slot-length after its last sample.
	// Override via config: rollup.max_age
	DefaultRollupMaxAge = 5 * time.Minute

	// DefaultRollupScanInterval is how often managed shards are scanned
	// for due slots.
	// Override via config: rollup.scan_interval
	DefaultRollupScanInterval = 30 * time.Second

	// DefaultRollupWorkers is the number of concurrent rollup executions.
	// Override via config: rollup.workers
	DefaultRollupWorkers = 4

	// DefaultRollupQueueSize is the rollup job queue capacity. When full,
	// due slots stay Active and a later scan retries them.
	// Override via config: rollup.queue_size
	DefaultRollupQueueSize = 1000
)

// =============================================================================
// Telemetry Defaults
// =============================================================================

const (
	// DefaultReportInterval is how often the daemon logs a telemetry
	// snapshot.
	// Override via config: report_interval
	DefaultReportInterval = time.Minute
)
