// Package persist publishes slot states to, and reads them back from, the
// store all nodes share. The pusher and puller are the only paths by which
// tracker state crosses process boundaries; convergence of the in-memory
// maps depends on every node running both.
package persist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/parquet-go/parquet-go"

	"github.com/vxlab/granary/internal/logging"
	"github.com/vxlab/granary/internal/rollup"
	"github.com/vxlab/granary/internal/state"
)

var log = logging.Component("persist")

// Store persists slot-state rows per shard. WriteShard upserts: rows for
// cells already present replace them, rows for new cells are added, and
// cells not mentioned are kept.
type Store interface {
	WriteShard(ctx context.Context, shard int32, states []state.SlotState) error
	ReadShard(ctx context.Context, shard int32) ([]state.SlotState, error)
}

// SlotStateRow is the Parquet row for one persisted slot state.
type SlotStateRow struct {
	Granularity string `parquet:"granularity,zstd"`
	Slot        int32  `parquet:"slot"`
	TimestampMs int64  `parquet:"timestamp_ms"`
	State       string `parquet:"state,zstd"`
}

// FileStore keeps one Parquet file per shard under a directory. Writes
// rewrite the whole shard file through a temp file and rename, so readers
// never observe a partial file. A directory on shared storage is enough to
// converge a small cluster; larger deployments put a real store behind the
// Store interface.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates the store directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the store directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) shardPath(shard int32) string {
	return filepath.Join(s.dir, fmt.Sprintf("shard_%04d.parquet", shard))
}

// WriteShard merges the given states into the shard's file.
func (s *FileStore) WriteShard(ctx context.Context, shard int32, states []state.SlotState) error {
	if len(states) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.shardPath(shard)
	existing, err := readRows(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", path, err)
	}

	type cell struct {
		granularity string
		slot        int32
	}
	merged := make(map[cell]SlotStateRow, len(existing)+len(states))
	for _, row := range existing {
		merged[cell{row.Granularity, row.Slot}] = row
	}
	for _, ss := range states {
		row := SlotStateRow{
			Granularity: ss.Granularity.String(),
			Slot:        int32(ss.Slot),
			TimestampMs: ss.Timestamp,
			State:       ss.State.String(),
		}
		merged[cell{row.Granularity, row.Slot}] = row
	}

	rows := make([]SlotStateRow, 0, len(merged))
	for _, row := range merged {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Granularity != rows[j].Granularity {
			return rows[i].Granularity < rows[j].Granularity
		}
		return rows[i].Slot < rows[j].Slot
	})

	return writeRows(path, rows)
}

// ReadShard returns the shard's persisted states. A shard never written
// yields an empty result. Rows whose granularity or state name does not
// parse are skipped with a warning.
func (s *FileStore) ReadShard(ctx context.Context, shard int32) ([]state.SlotState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.shardPath(shard)
	rows, err := readRows(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	states := make([]state.SlotState, 0, len(rows))
	for _, row := range rows {
		g, err := rollup.ParseGranularity(row.Granularity)
		if err != nil {
			log.Warn("skipping slot state row", "shard", shard, "error", err)
			continue
		}
		st, err := state.ParseState(row.State)
		if err != nil {
			log.Warn("skipping slot state row", "shard", shard, "error", err)
			continue
		}
		states = append(states, state.SlotState{
			Shard:       shard,
			Granularity: g,
			Slot:        int(row.Slot),
			Timestamp:   row.TimestampMs,
			State:       st,
		})
	}
	return states, nil
}

func readRows(path string) ([]SlotStateRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := parquet.NewGenericReader[SlotStateRow](f)
	defer reader.Close()

	rows := make([]SlotStateRow, reader.NumRows())
	if len(rows) == 0 {
		return nil, nil
	}
	n, err := reader.Read(rows)
	if err != nil && n == 0 {
		return nil, err
	}
	return rows[:n], nil
}

func writeRows(path string, rows []SlotStateRow) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	writer := parquet.NewGenericWriter[SlotStateRow](tmp, parquet.Compression(&parquet.Zstd))
	if _, err := writer.Write(rows); err != nil {
		tmp.Close()
		return fmt.Errorf("write rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	return os.Rename(tmp.Name(), path)
}
