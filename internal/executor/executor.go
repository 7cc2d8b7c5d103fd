// Package executor schedules and runs rollups for the shards this process
// manages.
//
// A scan loop walks managed shards and rollup granularities, picks the
// slots whose data has aged past the threshold, moves them to Running and
// hands them to a worker pool. The rollup computation itself lives behind
// the Roller interface; the executor only drives slot lifecycle: on
// success Running becomes Rolled and dirtiness propagates up the
// granularity ladder, on failure the slot returns to Active and a later
// scan retries it.
package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vxlab/granary/internal/clock"
	"github.com/vxlab/granary/internal/logging"
	"github.com/vxlab/granary/internal/rollup"
	"github.com/vxlab/granary/internal/state"
)

var log = logging.Component("executor")

// Job is one rollup execution for a (shard, granularity, slot).
type Job struct {
	Shard       int32
	Granularity rollup.Granularity
	Slot        int

	// Keys are the locator keys of the slot and all its finer descendants,
	// for driving the downstream data reads.
	Keys []string
}

// Roller performs the rollup computation for a job. Implementations read
// the finer-granularity data behind the job's keys, aggregate it, and
// write the result to the metric store. Retrying failed computations is
// the roller's concern; the executor only reschedules the slot.
type Roller interface {
	Rollup(ctx context.Context, job Job) error
}

// RollerFunc adapts a function to the Roller interface.
type RollerFunc func(ctx context.Context, job Job) error

// Rollup calls the function.
func (f RollerFunc) Rollup(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// Options configures an Executor. Zero fields take defaults.
type Options struct {
	// MaxAge is how long a slot must go without updates before its data is
	// considered settled enough to roll up.
	MaxAge time.Duration

	// ScanInterval is how often managed shards are scanned for due slots.
	ScanInterval time.Duration

	// Workers is the number of concurrent rollup executions.
	Workers int

	// QueueSize is the job queue capacity. When full, due slots stay
	// Active and are picked up by a later scan.
	QueueSize int
}

func (o *Options) withDefaults() {
	if o.MaxAge <= 0 {
		o.MaxAge = 5 * time.Minute
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = 30 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1000
	}
}

// Stats holds executor counters.
type Stats struct {
	Scheduled atomic.Int64
	Completed atomic.Int64
	Failed    atomic.Int64
}

type jobKey struct {
	shard       int32
	granularity rollup.Granularity
	slot        int
}

// Executor owns the scan loop and the worker pool.
type Executor struct {
	mgr    *state.ShardStateManager
	clk    clock.Clock
	roller Roller
	opts   Options

	jobCh chan Job

	mu       sync.Mutex
	inFlight map[jobKey]struct{}

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	scanWG  sync.WaitGroup
	workers *errgroup.Group

	stats Stats
}

// New creates an executor over the given tracker.
func New(mgr *state.ShardStateManager, clk clock.Clock, roller Roller, opts Options) *Executor {
	opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		mgr:      mgr,
		clk:      clk,
		roller:   roller,
		opts:     opts,
		jobCh:    make(chan Job, opts.QueueSize),
		inFlight: make(map[jobKey]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts the workers and the scan loop.
func (e *Executor) Start() error {
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}

	e.workers = &errgroup.Group{}
	for i := 0; i < e.opts.Workers; i++ {
		e.workers.Go(e.worker)
	}

	e.scanWG.Add(1)
	go e.scan()

	log.Info("executor started",
		"workers", e.opts.Workers, "max_age", e.opts.MaxAge, "scan_interval", e.opts.ScanInterval)
	return nil
}

// Stop stops scanning, drains queued jobs and waits for the workers.
func (e *Executor) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.cancel()
	e.scanWG.Wait() // the scanner closes the job channel on exit
	e.workers.Wait()
}

func (e *Executor) scan() {
	defer e.scanWG.Done()
	defer close(e.jobCh)

	ticker := time.NewTicker(e.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.ScheduleOnce()
		}
	}
}

// ScheduleOnce scans every managed shard for due slots and enqueues them.
// It returns the number of jobs enqueued.
func (e *Executor) ScheduleOnce() int {
	now := e.clk.NowMillis()
	maxAge := e.opts.MaxAge.Milliseconds()
	scheduled := 0

	for _, shard := range e.mgr.ManagedShards() {
		for _, g := range rollup.RollupGranularities() {
			ssm := e.mgr.SlotStateManager(shard, g)
			if ssm == nil {
				continue
			}
			for _, slot := range ssm.SlotsOlderThan(now, maxAge) {
				key := jobKey{shard, g, slot}
				if !e.markInFlight(key) {
					continue
				}
				if _, ok := ssm.GetAndSetState(slot, state.Running); !ok {
					e.clearInFlight(key)
					continue
				}
				job := Job{
					Shard:       shard,
					Granularity: g,
					Slot:        slot,
					Keys:        ssm.ChildAndSelfKeysForSlot(slot),
				}
				select {
				case e.jobCh <- job:
					e.stats.Scheduled.Add(1)
					scheduled++
				default:
					// Queue full: put the slot back so a later scan
					// retries it.
					ssm.GetAndSetState(slot, state.Active)
					e.clearInFlight(key)
				}
			}
		}
	}
	return scheduled
}

func (e *Executor) worker() error {
	for job := range e.jobCh {
		e.run(job)
	}
	return nil
}

func (e *Executor) run(job Job) {
	defer e.clearInFlight(jobKey{job.Shard, job.Granularity, job.Slot})

	ssm := e.mgr.SlotStateManager(job.Shard, job.Granularity)
	if ssm == nil {
		return
	}

	if err := e.roller.Rollup(e.ctx, job); err != nil {
		e.stats.Failed.Add(1)
		log.Error("rollup failed",
			"key", job.Granularity.LocatorKey(job.Slot, job.Shard), "error", err)
		ssm.GetAndSetState(job.Slot, state.Active)
		return
	}

	ssm.GetAndSetState(job.Slot, state.Rolled)
	if stamp, ok := ssm.StampFor(job.Slot); ok {
		// Publish the result so peers adopt Rolled on the timestamp tie.
		stamp.SetDirty(true)
	}
	e.mgr.SetAllCoarserSlotsDirtyForSlot(job.Shard, job.Granularity, job.Slot)
	e.stats.Completed.Add(1)
}

func (e *Executor) markInFlight(key jobKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inFlight[key]; ok {
		return false
	}
	e.inFlight[key] = struct{}{}
	return true
}

func (e *Executor) clearInFlight(key jobKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, key)
}

// Snapshot returns the executor counters.
func (e *Executor) Snapshot() (scheduled, completed, failed int64) {
	return e.stats.Scheduled.Load(), e.stats.Completed.Load(), e.stats.Failed.Load()
}
