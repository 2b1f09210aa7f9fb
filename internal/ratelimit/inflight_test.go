package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daymade/claude-relay-service/internal/store/memory"
)

func newTestTracker(t *testing.T) *InflightTracker {
	s := memory.NewStore()
	t.Cleanup(func() { s.Close() })
	return NewInflightTracker(s, 30*time.Second, zap.NewNop())
}

func TestAcquireRelease(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	ok, err := tr.TryAcquire(ctx, "acct", 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), tr.Current(ctx, "acct"))

	ok, err = tr.TryAcquire(ctx, "acct", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tr.TryAcquire(ctx, "acct", 2)
	require.NoError(t, err)
	assert.False(t, ok, "third acquire exceeds cap")
	assert.Equal(t, int64(2), tr.Current(ctx, "acct"), "failed acquire must not leak")

	tr.Release(ctx, "acct")
	tr.Release(ctx, "acct")
	assert.Equal(t, int64(0), tr.Current(ctx, "acct"))
}

func TestUnlimitedConcurrency(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		ok, err := tr.TryAcquire(ctx, "acct", 0)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestReleaseNeverNegative(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	tr.Release(ctx, "acct")
	assert.Equal(t, int64(0), tr.Current(ctx, "acct"))
}

func TestConcurrentAcquire(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	const workers = 20
	const cap = 5
	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := tr.TryAcquire(ctx, "acct", cap)
			require.NoError(t, err)
			if ok {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, cap, acquired, "exactly cap acquisitions must succeed")
	assert.Equal(t, int64(cap), tr.Current(ctx, "acct"))
}
