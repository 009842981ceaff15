package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmit_ReturnsResult(t *testing.T) {
	p := New(2)
	defer p.Shutdown()

	f, err := p.Submit(Spec{Label: "ok", Run: func(ctx context.Context) (any, error) {
		return 42, nil
	}})
	require.NoError(t, err)

	value, err := f.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, value)
}

func TestSubmit_PropagatesError(t *testing.T) {
	p := New(1)
	defer p.Shutdown()

	f, err := p.Submit(Spec{Label: "fail", Run: func(ctx context.Context) (any, error) {
		return nil, context.DeadlineExceeded
	}})
	require.NoError(t, err)

	_, err = f.Wait(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmit_RecoversPanic(t *testing.T) {
	p := New(1)
	defer p.Shutdown()

	f, err := p.Submit(Spec{Label: "panic", Run: func(ctx context.Context) (any, error) {
		panic("user code exploded")
	}})
	require.NoError(t, err)

	_, err = f.Wait(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "panic in worker")

	// The pool stays usable after a panic.
	f2, err := p.Submit(Spec{Label: "after", Run: func(ctx context.Context) (any, error) {
		return "alive", nil
	}})
	require.NoError(t, err)
	value, err := f2.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "alive", value)
}

func TestPoolSizeOne_RunsFIFO(t *testing.T) {
	p := New(1)
	defer p.Shutdown()

	var mu sync.Mutex
	var order []int
	var futures []*Future
	for i := 0; i < 5; i++ {
		i := i
		f, err := p.Submit(Spec{Label: "seq", Run: func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		}})
		require.NoError(t, err)
		futures = append(futures, f)
	}
	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, []int{0, 1, 2, 3, 4}, order, "a single worker must drain the queue in submission order")
}

func TestParallelism_Bounded(t *testing.T) {
	p := New(2)
	defer p.Shutdown()

	var active, maxActive atomic.Int32
	var futures []*Future
	for i := 0; i < 8; i++ {
		f, err := p.Submit(Spec{Label: "bounded", Run: func(ctx context.Context) (any, error) {
			cur := active.Add(1)
			for {
				prev := maxActive.Load()
				if cur <= prev || maxActive.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			return nil, nil
		}})
		require.NoError(t, err)
		futures = append(futures, f)
	}
	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}
	require.LessOrEqual(t, maxActive.Load(), int32(2))
}

func TestShutdown_DrainsQueue(t *testing.T) {
	p := New(1)

	var ran atomic.Int32
	for i := 0; i < 4; i++ {
		_, err := p.Submit(Spec{Label: "drain", Run: func(ctx context.Context) (any, error) {
			ran.Add(1)
			return nil, nil
		}})
		require.NoError(t, err)
	}
	p.Shutdown()
	require.Equal(t, int32(4), ran.Load(), "queued work runs to completion before shutdown returns")

	_, err := p.Submit(Spec{Label: "late", Run: func(ctx context.Context) (any, error) { return nil, nil }})
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestWait_RespectsContext(t *testing.T) {
	p := New(1)
	defer p.Shutdown()

	release := make(chan struct{})
	f, err := p.Submit(Spec{Label: "slow", Run: func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	_, err = f.Wait(context.Background())
	require.NoError(t, err)
}
