package mirror

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// PipelineFunc processes one project to completion. Implemented by the
// Package Pipeline (C4); kept as a function type here so the pool has
// no compile-time dependency on pipeline.go's concrete state.
type PipelineFunc func(ctx context.Context, project string, serial int64) error

// Pool is the Worker Pool / Scheduler (C5): a fixed number of workers
// draining a todo list with bounded parallelism, per-project
// exclusivity, and configurable stop-on-error escalation. Grounded on
// the teacher's control.go updateMirrors, which fans a small, fixed
// list of mirrors out across an errgroup.WithContext; this generalizes
// that fan-out to a much larger, queue-fed project list while keeping
// the same errgroup idiom.
type Pool struct {
	workers     int
	stopOnError bool
	locks       *keyLock
}

// NewPool builds a Pool with the given worker count (1-10 per spec.md
// §6) and stop-on-error policy.
func NewPool(workers int, stopOnError bool) *Pool {
	return &Pool{workers: workers, stopOnError: stopOnError, locks: newKeyLock()}
}

// Result summarizes one Run: which projects succeeded (in the order
// they finished, for incremental todo persistence) and the first
// error encountered, if any.
type Result struct {
	Succeeded []string
	FirstErr  error
	Aborted   bool // true if stop-on-error cancelled the remaining queue
}

// Run drains every item in items, invoking process for each with at
// most p.workers concurrently in flight. onDone is invoked under Run's
// internal mutex after each successful process call, so callers never
// see two invocations overlap and can safely rewrite shared state
// (e.g. the todo file) from inside it without their own locking.
func (p *Pool) Run(ctx context.Context, items []TodoItem, process PipelineFunc, onDone func(project string)) *Result {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	res := &Result{}
	var mu sync.Mutex

	for _, item := range items {
		item := item
		g.Go(func() error {
			p.locks.Lock(item.Project)
			defer p.locks.Unlock(item.Project)

			err := process(gctx, item.Project, item.Serial)
			if err != nil {
				mu.Lock()
				if res.FirstErr == nil {
					res.FirstErr = err
				}
				mu.Unlock()
				if p.stopOnError {
					return err
				}
				return nil
			}

			mu.Lock()
			res.Succeeded = append(res.Succeeded, item.Project)
			if onDone != nil {
				onDone(item.Project)
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		res.Aborted = true
		if res.FirstErr == nil {
			res.FirstErr = err
		}
	}
	return res
}
