// granaryd is the rollup state coordinator daemon.
//
// It tracks which time slots hold unrolled data across the shard universe,
// exchanges that state with peers through a shared store, and schedules
// rollups for the shards it manages. The rollup computation itself is
// supplied by the embedding system; a bare granaryd acknowledges due slots
// so a cluster's state convergence can be run and observed on its own.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vxlab/granary/config"
	"github.com/vxlab/granary/internal/clock"
	"github.com/vxlab/granary/internal/executor"
	"github.com/vxlab/granary/internal/logging"
	"github.com/vxlab/granary/internal/persist"
	"github.com/vxlab/granary/internal/state"
	"github.com/vxlab/granary/internal/telemetry"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "state directory (overrides config)")
	shards := flag.String("shards", "", "managed shards (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	jsonLogs := flag.Bool("json-logs", false, "JSON log output")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	log.Printf("granaryd %s starting...", Version)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("No config file found, using defaults")
			cfg = config.DefaultConfig()
		} else {
			log.Fatalf("Load config: %v", err)
		}
	}

	// CLI overrides
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *shards != "" {
		cfg.Shards = *shards
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *jsonLogs {
		cfg.Logging.JSON = true
	}

	managed, err := cfg.ManagedShards()
	if err != nil {
		log.Fatalf("Parse shards: %v", err)
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	logger := logging.Component("main")

	// =========================================================================
	// Wiring
	// =========================================================================

	metrics := telemetry.New()
	clk := clock.Wall{}
	mgr := state.NewShardStateManager(managed, clk, metrics)

	store, err := persist.NewFileStore(filepath.Join(cfg.DataDir, "shardstate"))
	if err != nil {
		log.Fatalf("Open state store: %v", err)
	}

	pusher := persist.NewPusher(mgr, store, cfg.Push.Interval)
	puller := persist.NewPuller(mgr, store, cfg.Pull.Interval)

	roller := executor.RollerFunc(func(ctx context.Context, job executor.Job) error {
		// The computation and its backing store belong to the embedding
		// system; standalone granaryd only coordinates slot lifecycle.
		logger.Debug("rollup acknowledged",
			"key", job.Granularity.LocatorKey(job.Slot, job.Shard), "keys", len(job.Keys))
		return nil
	})
	exec := executor.New(mgr, clk, roller, executor.Options{
		MaxAge:       cfg.Rollup.MaxAge,
		ScanInterval: cfg.Rollup.ScanInterval,
		Workers:      cfg.Rollup.Workers,
		QueueSize:    cfg.Rollup.QueueSize,
	})

	if err := puller.Start(); err != nil {
		log.Fatalf("Start puller: %v", err)
	}
	if err := pusher.Start(); err != nil {
		log.Fatalf("Start pusher: %v", err)
	}
	if err := exec.Start(); err != nil {
		log.Fatalf("Start executor: %v", err)
	}

	logger.Info("granaryd started",
		"version", Version,
		"managed_shards", len(managed),
		"data_dir", cfg.DataDir)

	// Periodic telemetry snapshot.
	reportDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.ReportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-reportDone:
				return
			case <-ticker.C:
				stats := metrics.Snapshot()
				scheduled, completed, failed := exec.Snapshot()
				logger.Info("telemetry",
					"update_stamps", stats.UpdateStamps,
					"re_rollups", stats.ReRollups,
					"parent_before_child", stats.ParentBeforeChild,
					"slot_age_p50_ms", stats.SlotAgeP50,
					"slot_age_p95_ms", stats.SlotAgeP95,
					"rollups_scheduled", scheduled,
					"rollups_completed", completed,
					"rollups_failed", failed)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	close(reportDone)
	exec.Stop()
	puller.Stop()
	pusher.Stop() // final flush so peers see our latest state

	logger.Info("granaryd stopped")
}
