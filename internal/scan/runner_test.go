package scan

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerCancelsInFlightTask(t *testing.T) {
	var r Runner
	var running, overlap atomic.Int32

	enter := func() {
		if running.Add(1) > 1 {
			overlap.Add(1)
		}
	}

	started := make(chan struct{})
	var firstGen uint64
	first := r.Submit(context.Background(), TaskAnalyze, func(ctx context.Context, gen uint64) TaskResult {
		enter()
		defer running.Add(-1)
		firstGen = gen
		close(started)
		<-ctx.Done()
		return TaskResult{Kind: TaskAnalyze, Err: ctx.Err()}
	}, nil)
	<-started

	second := r.Submit(context.Background(), TaskAnalyze, func(ctx context.Context, gen uint64) TaskResult {
		enter()
		defer running.Add(-1)
		return TaskResult{Kind: TaskAnalyze, Message: "second"}
	}, nil)

	res1 := await(t, first)
	assert.True(t, errors.Is(res1.Err, context.Canceled))
	res2 := await(t, second)
	require.NoError(t, res2.Err)
	assert.Equal(t, "second", res2.Message)

	assert.Equal(t, int32(0), overlap.Load())
	assert.False(t, r.Current(firstGen))
}

func TestRunnerRecoversPanics(t *testing.T) {
	var r Runner
	var delivered atomic.Bool
	res := await(t, r.Submit(context.Background(), TaskDetect, func(context.Context, uint64) TaskResult {
		panic("boom")
	}, func(TaskResult) { delivered.Store(true) }))

	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "detect task panicked: boom")
	assert.True(t, delivered.Load())
}

func TestRunnerInvalidate(t *testing.T) {
	var r Runner
	gens := make(chan uint64, 1)
	await(t, r.Submit(context.Background(), TaskAnalyze, func(_ context.Context, gen uint64) TaskResult {
		gens <- gen
		return TaskResult{}
	}, nil))
	gen := <-gens
	assert.True(t, r.Current(gen))

	r.Invalidate()
	assert.False(t, r.Current(gen))
}

func TestRunnerAfterMaySubmit(t *testing.T) {
	var r Runner
	chained := make(chan (<-chan TaskResult), 1)
	first := r.Submit(context.Background(), TaskDetect, func(context.Context, uint64) TaskResult {
		return TaskResult{Kind: TaskDetect}
	}, func(TaskResult) {
		chained <- r.Submit(context.Background(), TaskAnalyze, func(context.Context, uint64) TaskResult {
			return TaskResult{Kind: TaskAnalyze, Message: "chained"}
		}, nil)
	})

	await(t, first)
	res := await(t, <-chained)
	assert.Equal(t, "chained", res.Message)
	r.Cancel()
}

func TestCloseCancelsAnalysis(t *testing.T) {
	var r Runner
	started := make(chan struct{})
	ch := r.Submit(context.Background(), TaskAnalyze, func(ctx context.Context, _ uint64) TaskResult {
		close(started)
		<-ctx.Done()
		return TaskResult{Err: ctx.Err()}
	}, nil)
	<-started
	r.Cancel()
	assert.ErrorIs(t, await(t, ch).Err, context.Canceled)
}
