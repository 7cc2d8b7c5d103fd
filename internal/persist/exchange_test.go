package persist

import (
	"context"
	"testing"
	"time"

	"github.com/vxlab/granary/internal/clock"
	"github.com/vxlab/granary/internal/rollup"
	"github.com/vxlab/granary/internal/state"
	"github.com/vxlab/granary/internal/telemetry"
)

// An ingestor node and a rollup node sharing a store: the ingestor's slot
// stamps reach the rollup node through push/pull, the rollup node's Rolled
// result flows back and is adopted on the timestamp tie.
func TestPushPullExchange(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	clk := clock.NewManual(7_300_000)

	ingestor := state.NewShardStateManager([]int32{1}, clk, telemetry.New())
	roller := state.NewShardStateManager([]int32{1}, clk, telemetry.New())

	// Ingest on one node, exchange through the store.
	ingestor.Update(clk.NowMillis(), 1)
	NewPusher(ingestor, store, time.Minute).PushOnce(ctx)
	NewPuller(roller, store, time.Minute).PullOnce(ctx)

	slot := rollup.Min5.Slot(7_300_000)
	stamp, ok := roller.UpdateStampFor(1, rollup.Min5, slot)
	if !ok {
		t.Fatal("rollup node did not receive the slot")
	}
	if stamp.Timestamp != 7_300_000 || stamp.State != state.Active || stamp.Dirty {
		t.Fatalf("unexpected pulled stamp %s", stamp)
	}

	// The rollup node rolls the slot and publishes the result.
	ssm := roller.SlotStateManager(1, rollup.Min5)
	ssm.GetAndSetState(slot, state.Rolled)
	live, _ := ssm.StampFor(slot)
	live.SetDirty(true)
	NewPusher(roller, store, time.Minute).PushOnce(ctx)

	// The ingestor pulls it back: same timestamp, remove wins the tie.
	NewPuller(ingestor, store, time.Minute).PullOnce(ctx)
	stamp, _ = ingestor.UpdateStampFor(1, rollup.Min5, slot)
	if stamp.State != state.Rolled {
		t.Errorf("ingestor did not adopt the rollup: %s", stamp)
	}
	if stamp.Timestamp != 7_300_000 {
		t.Errorf("adoption changed the timestamp: %d", stamp.Timestamp)
	}
}

func TestPusherSkipsQuiescentShards(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	clk := clock.NewManual(1_000_000)
	mgr := state.NewShardStateManager([]int32{1}, clk, telemetry.New())

	pusher := NewPusher(mgr, store, time.Minute)
	pusher.PushOnce(context.Background())

	pushes, slots, errs := pusher.Stats()
	if pushes != 0 || slots != 0 || errs != 0 {
		t.Errorf("quiescent push wrote something: pushes=%d slots=%d errs=%d", pushes, slots, errs)
	}
}
