package scan

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// TaskFunc is the body of an offloaded task. gen identifies the submission;
// a task commits its results only while gen is still current.
type TaskFunc func(ctx context.Context, gen uint64) TaskResult

// Runner runs at most one task at a time. Submitting a task cancels the
// in-flight one and waits for it to return before the new one starts.
type Runner struct {
	mu     sync.Mutex
	gen    atomic.Uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Submit starts task after stopping any in-flight task. The result is sent
// on the returned channel, which has room for it so the task never blocks
// on an absent reader. after runs on the task goroutine once the runner has
// been released, so it may submit again.
func (r *Runner) Submit(ctx context.Context, kind TaskKind, task TaskFunc, after func(TaskResult)) <-chan TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	gen := r.gen.Add(1)
	r.stopLocked()

	tctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel, r.done = cancel, done

	out := make(chan TaskResult, 1)
	go func() {
		res := run(tctx, kind, gen, task)
		cancel()
		close(done)
		if after != nil {
			after(res)
		}
		out <- res
		close(out)
	}()
	return out
}

// Current reports whether gen is the latest submission and has not been
// invalidated.
func (r *Runner) Current(gen uint64) bool {
	return r.gen.Load() == gen
}

// Invalidate marks every earlier submission stale without waiting.
func (r *Runner) Invalidate() {
	r.gen.Add(1)
}

// Cancel invalidates, cancels and awaits the in-flight task.
func (r *Runner) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen.Add(1)
	r.stopLocked()
}

// Wait blocks until the in-flight task, if any, has returned.
func (r *Runner) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (r *Runner) stopLocked() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.cancel, r.done = nil, nil
}

func run(ctx context.Context, kind TaskKind, gen uint64, task TaskFunc) (res TaskResult) {
	defer func() {
		if p := recover(); p != nil {
			res = TaskResult{Kind: kind, Err: fmt.Errorf("%s task panicked: %v", kind, p)}
		}
	}()
	return task(ctx, gen)
}
