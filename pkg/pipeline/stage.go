// Package pipeline provides the data model and plumbing shared by all stages.
package pipeline

import (
	"context"
)

// Stage is a long-running element of a chain. Run returns when its input is
// exhausted, when it fails, or when ctx is cancelled. A stage closes its
// output queue and releases its capability on every exit path.
type Stage interface {
	Run(ctx context.Context) error
}

// StageFunc is a function adapter for Stage interface.
type StageFunc func(ctx context.Context) error

// Run implements Stage interface.
func (f StageFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// UnitCounter tracks skipped units against a threshold.
type UnitCounter struct {
	Limit   int
	Skipped int
}

// Skip records one skipped unit and reports whether the limit is exceeded.
// A negative limit disables escalation.
func (c *UnitCounter) Skip() bool {
	c.Skipped++
	return c.Limit >= 0 && c.Skipped > c.Limit
}
