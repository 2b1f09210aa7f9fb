package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daymade/claude-relay-service/internal/store"
)

func TestGetSetTTL(t *testing.T) {
	s := NewStore()
	defer s.Close()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.NoError(t, s.Set(ctx, "short", "v", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	_, err = s.Get(ctx, "short")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetNX(t *testing.T) {
	s := NewStore()
	defer s.Close()
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lock", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second SetNX must fail while lock is held")

	require.NoError(t, s.Del(ctx, "lock"))
	ok, err = s.SetNX(ctx, "lock", "c", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSetNXExpiredLock(t *testing.T) {
	s := NewStore()
	defer s.Close()
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lock", "a", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	ok, err = s.SetNX(ctx, "lock", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock must be acquirable")
}

func TestHashOps(t *testing.T) {
	s := NewStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}))
	v, err := s.HGet(ctx, "h", "a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, all)

	n, err := s.HIncrBy(ctx, "h", "count", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	n, err = s.HIncrBy(ctx, "h", "count", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)
}

func TestIncrDecr(t *testing.T) {
	s := NewStore()
	defer s.Close()
	ctx := context.Background()

	n, err := s.IncrBy(ctx, "c", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.DecrBy(ctx, "c", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDecrFloatClamp(t *testing.T) {
	s := NewStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "balance", "10.5", 0))

	v, clamped, err := s.DecrFloatClamp(ctx, "balance", 4.5)
	require.NoError(t, err)
	assert.False(t, clamped)
	assert.InDelta(t, 6.0, v, 1e-9)

	v, clamped, err = s.DecrFloatClamp(ctx, "balance", 100)
	require.NoError(t, err)
	assert.True(t, clamped, "overdraw must clamp at zero")
	assert.Equal(t, float64(0), v)
}

func TestZSetWindow(t *testing.T) {
	s := NewStore()
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.ZAdd(ctx, "w", float64(i), formatInt(int64(i))))
	}

	members, err := s.ZRangeByScore(ctx, "w", 2, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"2", "3", "4"}, members)

	require.NoError(t, s.ZRemRangeByScore(ctx, "w", 0, 2))
	n, err := s.ZCard(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestScanKeys(t *testing.T) {
	s := NewStore()
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "account:1", "a", 0))
	require.NoError(t, s.Set(ctx, "account:2", "b", 0))
	require.NoError(t, s.Set(ctx, "apikey:1", "c", 0))

	keys, err := s.ScanKeys(ctx, "account:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"account:1", "account:2"}, keys)
}

func TestPubSub(t *testing.T) {
	s := NewStore()
	defer s.Close()
	ctx := context.Background()

	ch, cancel, err := s.Subscribe(ctx, "invalidate")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, s.Publish(ctx, "invalidate", "account:1"))

	select {
	case msg := <-ch:
		assert.Equal(t, "account:1", msg)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive message")
	}
}
