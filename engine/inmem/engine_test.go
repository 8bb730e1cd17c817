package inmem

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.matrixcore.dev/core/engine"
)

func TestRegisterSweepValidation(t *testing.T) {
	e := New()
	ctx := context.Background()

	require.Error(t, e.RegisterSweep(ctx, engine.Sweep{}))
	require.Error(t, e.RegisterSweep(ctx, engine.Sweep{
		Name:    "no-interval",
		Handler: func(context.Context) error { return nil },
	}))

	sweep := engine.Sweep{
		Name:    "gc",
		Every:   time.Minute,
		Handler: func(context.Context) error { return nil },
	}
	require.NoError(t, e.RegisterSweep(ctx, sweep))
	require.Error(t, e.RegisterSweep(ctx, sweep), "duplicate name must be rejected")
}

func TestSweepRunsOnTicker(t *testing.T) {
	e := New()
	ctx := context.Background()

	var runs atomic.Int64
	require.NoError(t, e.RegisterSweep(ctx, engine.Sweep{
		Name:  "tick",
		Every: 5 * time.Millisecond,
		Handler: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))
	require.NoError(t, e.Start(ctx))

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, e.Close(ctx))

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, after, runs.Load(), "no runs after Close")
}

func TestRegisterAfterStartFails(t *testing.T) {
	e := New()
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	defer e.Close(ctx)

	err := e.RegisterSweep(ctx, engine.Sweep{
		Name:    "late",
		Every:   time.Second,
		Handler: func(context.Context) error { return nil },
	})
	require.Error(t, err)
}
