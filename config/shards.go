package config

import (
	"sort"
	"strconv"
	"strings"

	"github.com/vxlab/granary/internal/errors"
	"github.com/vxlab/granary/internal/state"
)

// ParseShards resolves a shard spec into sorted, deduplicated shard ids.
//
// Accepted forms:
//
//	"ALL"        every shard in the universe
//	"" / "none"  no shards (an observe-only node)
//	"0,3,8-15"   comma-separated ids and inclusive ranges
func ParseShards(spec string) ([]int32, error) {
	spec = strings.TrimSpace(spec)
	if strings.EqualFold(spec, "ALL") {
		out := make([]int32, state.NumShards)
		for i := range out {
			out[i] = int32(i)
		}
		return out, nil
	}
	if spec == "" || strings.EqualFold(spec, "none") {
		return nil, nil
	}

	seen := make(map[int32]struct{})
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		lo, hi := part, part
		if idx := strings.IndexByte(part, '-'); idx >= 0 {
			lo, hi = part[:idx], part[idx+1:]
		}

		first, err := parseShardID(lo)
		if err != nil {
			return nil, err
		}
		last, err := parseShardID(hi)
		if err != nil {
			return nil, err
		}
		if last < first {
			return nil, errors.Wrapf(errors.ErrInvalidShardSpec, "descending range %q", part)
		}
		for shard := first; shard <= last; shard++ {
			seen[shard] = struct{}{}
		}
	}

	out := make([]int32, 0, len(seen))
	for shard := range seen {
		out = append(out, shard)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func parseShardID(s string) (int32, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Wrapf(errors.ErrInvalidShardSpec, "%q", s)
	}
	if n < 0 || n >= state.NumShards {
		return 0, errors.Wrapf(errors.ErrInvalidShardSpec, "shard %d outside [0,%d)", n, state.NumShards)
	}
	return int32(n), nil
}
