package reqctx

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachAndFrom(t *testing.T) {
	_, ok := From(context.Background())
	assert.False(t, ok)

	ctx, scope := Attach(context.Background(), nil)
	got, ok := From(ctx)
	require.True(t, ok)
	assert.Same(t, scope, got)
	assert.NotEmpty(t, scope.ID())
}

func TestNestedAttachShadows(t *testing.T) {
	ctx, outer := Attach(context.Background(), nil)
	outer.Store("x", "outer-value")

	inner1Ctx, inner := Attach(ctx, nil)
	_, ok := inner.Cached("x")
	assert.False(t, ok, "inner scope starts empty")

	got, ok := From(inner1Ctx)
	require.True(t, ok)
	assert.Same(t, inner, got)
	assert.NotSame(t, outer, got)
}

func TestIdentityCache(t *testing.T) {
	_, scope := Attach(context.Background(), nil)

	type thing struct{ n int }
	v := &thing{n: 1}
	scope.Store("id1", v)

	got, ok := scope.Cached("id1")
	require.True(t, ok)
	assert.Same(t, v, got)
	assert.Equal(t, 1, scope.CacheLen())

	scope.Evict("id1")
	_, ok = scope.Cached("id1")
	assert.False(t, ok)
	assert.Equal(t, 0, scope.CacheLen())
}

func TestCapacityAccumulates(t *testing.T) {
	_, scope := Attach(context.Background(), nil)
	scope.AddCapacity(Capacity{Read: 1.5})
	scope.AddCapacity(Capacity{Read: 0.5, Write: 2})
	assert.Equal(t, Capacity{Read: 2, Write: 2}, scope.Capacity())
}

func TestEnqueueCoalesces(t *testing.T) {
	ctx, scope := Attach(context.Background(), nil)

	var calls atomic.Int32
	fetch := func(ctx context.Context, ids []string) (map[string]any, Capacity, error) {
		calls.Add(1)
		out := make(map[string]any, len(ids))
		for _, id := range ids {
			out[id] = "v:" + id
		}
		return out, Capacity{Read: float64(len(ids))}, nil
	}

	delay := 10 * time.Millisecond
	chA := scope.Enqueue(ctx, "User", delay, "a", fetch)
	chB := scope.Enqueue(ctx, "User", delay, "b", fetch)
	chA2 := scope.Enqueue(ctx, "User", delay, "a", fetch)

	outA := <-chA
	outB := <-chB
	outA2 := <-chA2
	require.NoError(t, outA.Err)
	assert.Equal(t, "v:a", outA.Value)
	assert.Equal(t, "v:b", outB.Value)
	assert.Equal(t, "v:a", outA2.Value, "duplicate ids share one fetched result")

	assert.Equal(t, int32(1), calls.Load(), "one bulk read for the whole window")

	// Fair apportionment: 2 units across 3 waiters.
	assert.InDelta(t, 2.0/3.0, outA.Capacity.Read, 1e-9)
	assert.InDelta(t, 2.0, scope.Capacity().Read, 1e-9)
}

func TestEnqueueSeparatesEntityTypes(t *testing.T) {
	ctx, scope := Attach(context.Background(), nil)

	var mu atomic.Int32
	fetch := func(kind string) Fetch {
		return func(ctx context.Context, ids []string) (map[string]any, Capacity, error) {
			mu.Add(1)
			out := make(map[string]any)
			for _, id := range ids {
				out[id] = kind
			}
			return out, Capacity{}, nil
		}
	}

	delay := 10 * time.Millisecond
	chU := scope.Enqueue(ctx, "User", delay, "a", fetch("user"))
	chO := scope.Enqueue(ctx, "Order", delay, "a", fetch("order"))

	assert.Equal(t, "user", (<-chU).Value)
	assert.Equal(t, "order", (<-chO).Value)
	assert.Equal(t, int32(2), mu.Load(), "distinct entity types never share a batch")
}

func TestEnqueueAbsentIDResolvesNil(t *testing.T) {
	ctx, scope := Attach(context.Background(), nil)
	fetch := func(ctx context.Context, ids []string) (map[string]any, Capacity, error) {
		return map[string]any{}, Capacity{Read: 0.5}, nil
	}
	out := <-scope.Enqueue(ctx, "User", time.Millisecond, "ghost", fetch)
	require.NoError(t, out.Err)
	assert.Nil(t, out.Value)
	assert.InDelta(t, 0.5, out.Capacity.Read, 1e-9)
}

func TestEnqueueFetchErrorFansOut(t *testing.T) {
	ctx, scope := Attach(context.Background(), nil)
	boom := errors.New("backend down")
	fetch := func(ctx context.Context, ids []string) (map[string]any, Capacity, error) {
		return nil, Capacity{}, boom
	}
	chA := scope.Enqueue(ctx, "User", time.Millisecond, "a", fetch)
	chB := scope.Enqueue(ctx, "User", time.Millisecond, "b", fetch)
	assert.ErrorIs(t, (<-chA).Err, boom)
	assert.ErrorIs(t, (<-chB).Err, boom)
}

func TestEnqueueDeadlineBecomesBatchTimeout(t *testing.T) {
	ctx, scope := Attach(context.Background(), nil)
	fetch := func(ctx context.Context, ids []string) (map[string]any, Capacity, error) {
		return nil, Capacity{}, context.DeadlineExceeded
	}
	out := <-scope.Enqueue(ctx, "User", time.Millisecond, "a", fetch)
	assert.ErrorIs(t, out.Err, ErrBatchTimeout)
}

func TestBatchSurvivesCallerCancellation(t *testing.T) {
	callerCtx, cancel := context.WithCancel(context.Background())
	ctx, scope := Attach(callerCtx, nil)

	fetched := make(chan struct{})
	fetch := func(ctx context.Context, ids []string) (map[string]any, Capacity, error) {
		close(fetched)
		return map[string]any{"a": 1}, Capacity{}, nil
	}
	ch := scope.Enqueue(ctx, "User", 20*time.Millisecond, "a", fetch)
	cancel() // before the window fires

	select {
	case <-fetched:
	case <-time.After(time.Second):
		t.Fatal("batch never flushed after caller cancellation")
	}
	out := <-ch
	require.NoError(t, out.Err)
	assert.Equal(t, 1, out.Value)
}
