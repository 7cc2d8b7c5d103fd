package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vxlab/granary/internal/clock"
	"github.com/vxlab/granary/internal/rollup"
	"github.com/vxlab/granary/internal/state"
	"github.com/vxlab/granary/internal/telemetry"
)

func testOptions() Options {
	return Options{
		MaxAge:       5 * time.Minute,
		ScanInterval: time.Hour, // scans are driven explicitly in tests
		Workers:      2,
		QueueSize:    16,
	}
}

func waitForState(t *testing.T, mgr *state.ShardStateManager, shard int32, g rollup.Granularity, slot int, want state.State) state.Stamp {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if stamp, ok := mgr.UpdateStampFor(shard, g, slot); ok && stamp.State == want {
			return stamp
		}
		time.Sleep(5 * time.Millisecond)
	}
	stamp, _ := mgr.UpdateStampFor(shard, g, slot)
	t.Fatalf("slot never reached %s, last stamp %s", want, stamp)
	return state.Stamp{}
}

func TestExecutorRollsDueSlot(t *testing.T) {
	clk := clock.NewManual(7_300_000)
	mgr := state.NewShardStateManager([]int32{1}, clk, telemetry.New())

	ssm := mgr.SlotStateManager(1, rollup.Min5)
	ssm.CreateOrUpdateForSlotAndMillisecond(12, clk.NowMillis())
	clk.Advance(10 * time.Minute)

	var mu sync.Mutex
	var jobs []Job
	roller := RollerFunc(func(ctx context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		jobs = append(jobs, job)
		return nil
	})

	exec := New(mgr, clk, roller, testOptions())
	if err := exec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer exec.Stop()

	if n := exec.ScheduleOnce(); n != 1 {
		t.Fatalf("expected 1 scheduled job, got %d", n)
	}

	stamp := waitForState(t, mgr, 1, rollup.Min5, 12, state.Rolled)
	if !stamp.Dirty {
		t.Error("rolled slot not marked dirty for publication")
	}

	mu.Lock()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	job := jobs[0]
	mu.Unlock()

	if job.Shard != 1 || job.Granularity != rollup.Min5 || job.Slot != 12 {
		t.Errorf("unexpected job %+v", job)
	}
	// One full-resolution child plus the slot itself.
	if len(job.Keys) != 2 {
		t.Errorf("expected 2 locator keys, got %v", job.Keys)
	}

	// The completed rollup propagated dirtiness up the ladder.
	parent := waitForState(t, mgr, 1, rollup.Min20, 3, state.Active)
	if !parent.Dirty {
		t.Error("parent slot not dirty after child rollup")
	}
	if _, ok := mgr.UpdateStampFor(1, rollup.Min1440, 0); !ok {
		t.Error("propagation did not reach the coarsest granularity")
	}
}

func TestExecutorRetriesFailedRollup(t *testing.T) {
	clk := clock.NewManual(7_300_000)
	mgr := state.NewShardStateManager([]int32{1}, clk, telemetry.New())

	ssm := mgr.SlotStateManager(1, rollup.Min5)
	ssm.CreateOrUpdateForSlotAndMillisecond(12, clk.NowMillis())
	clk.Advance(10 * time.Minute)

	var mu sync.Mutex
	calls := 0
	roller := RollerFunc(func(ctx context.Context, job Job) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("store unavailable")
		}
		return nil
	})

	exec := New(mgr, clk, roller, testOptions())
	if err := exec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer exec.Stop()

	exec.ScheduleOnce()
	waitForState(t, mgr, 1, rollup.Min5, 12, state.Active)

	// The failed slot is due again on a later scan. The in-flight mark is
	// cleared just after the slot returns to Active, so give the scan a
	// moment to pick it up.
	deadline := time.Now().Add(2 * time.Second)
	scheduled := 0
	for scheduled == 0 && time.Now().Before(deadline) {
		scheduled = exec.ScheduleOnce()
		if scheduled == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if scheduled != 1 {
		t.Fatalf("expected failed slot rescheduled, got %d", scheduled)
	}
	waitForState(t, mgr, 1, rollup.Min5, 12, state.Rolled)

	_, completed, failed := exec.Snapshot()
	if completed != 1 || failed != 1 {
		t.Errorf("expected 1 completed and 1 failed, got %d/%d", completed, failed)
	}
}

func TestExecutorSkipsFreshAndUnmanagedSlots(t *testing.T) {
	clk := clock.NewManual(7_300_000)
	mgr := state.NewShardStateManager([]int32{1}, clk, telemetry.New())

	// Fresh slot on a managed shard, old slot on an unmanaged one.
	mgr.SlotStateManager(1, rollup.Min5).CreateOrUpdateForSlotAndMillisecond(12, clk.NowMillis())
	mgr.SlotStateManager(2, rollup.Min5).CreateOrUpdateForSlotAndMillisecond(12, clk.NowMillis())
	clk.Advance(time.Minute) // under MaxAge for shard 1's slot

	exec := New(mgr, clk, RollerFunc(func(context.Context, Job) error { return nil }), testOptions())

	if n := exec.ScheduleOnce(); n != 0 {
		t.Errorf("expected nothing scheduled, got %d", n)
	}

	clk.Advance(10 * time.Minute)
	// Now shard 1's slot is due; shard 2 stays out because it is unmanaged.
	if n := exec.ScheduleOnce(); n != 1 {
		t.Errorf("expected 1 scheduled, got %d", n)
	}
}

func TestExecutorDoesNotDoubleSchedule(t *testing.T) {
	clk := clock.NewManual(7_300_000)
	mgr := state.NewShardStateManager([]int32{1}, clk, telemetry.New())

	mgr.SlotStateManager(1, rollup.Min5).CreateOrUpdateForSlotAndMillisecond(12, clk.NowMillis())
	clk.Advance(10 * time.Minute)

	block := make(chan struct{})
	roller := RollerFunc(func(ctx context.Context, job Job) error {
		<-block
		return nil
	})

	exec := New(mgr, clk, roller, testOptions())
	if err := exec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if n := exec.ScheduleOnce(); n != 1 {
		t.Fatalf("expected 1 scheduled, got %d", n)
	}
	// The slot is Running and in flight; another scan must not requeue it.
	if n := exec.ScheduleOnce(); n != 0 {
		t.Errorf("slot double-scheduled: %d", n)
	}

	close(block)
	waitForState(t, mgr, 1, rollup.Min5, 12, state.Rolled)
	exec.Stop()
}
