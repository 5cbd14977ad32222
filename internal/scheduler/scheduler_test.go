package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunOnce_ContinuesAfterFailure(t *testing.T) {
	var order []string
	s := New(time.Minute, nil,
		Job{Name: "first", Run: func(context.Context) (int, error) {
			order = append(order, "first")
			return 0, errors.New("ledger unavailable")
		}},
		Job{Name: "second", Run: func(context.Context) (int, error) {
			order = append(order, "second")
			return 2, nil
		}},
	)

	s.RunOnce(context.Background())

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestScheduler_Run_TicksUntilCancelled(t *testing.T) {
	var runs atomic.Int32
	s := New(5*time.Millisecond, nil, Job{Name: "count", Run: func(context.Context) (int, error) {
		runs.Add(1)
		return 1, nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_RunOnce_SkipsWhenCancelled(t *testing.T) {
	called := false
	s := New(time.Minute, nil, Job{Name: "noop", Run: func(context.Context) (int, error) {
		called = true
		return 0, nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.RunOnce(ctx)

	assert.False(t, called)
}
