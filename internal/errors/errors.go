// Package errors defines the sentinel errors shared across granary.
//
// Components compare against these sentinels with errors.Is; callers add
// context with Wrap/Wrapf so the sentinel stays reachable through the chain.
package errors

import (
	"errors"
	"fmt"
)

var (
	// Granularity ladder errors.
	ErrNoCoarserGranularity = errors.New("no coarser granularity")
	ErrNoFinerGranularity   = errors.New("no finer granularity")
	ErrUnknownGranularity   = errors.New("unknown granularity")

	// Slot state errors.
	ErrUnknownState = errors.New("unknown slot state")
	ErrUnknownShard = errors.New("unknown shard")

	// Configuration errors.
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrInvalidShardSpec = errors.New("invalid shard specification")
)

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
