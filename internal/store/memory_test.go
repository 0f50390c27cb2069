package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounters(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, ok, err := m.GetCounter(ctx, "c")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.SetCounter(ctx, "c", 5))
	v, ok, err := m.GetCounter(ctx, "c")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), v)

	v, err = m.IncrBy(ctx, "c", -2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestMemoryReserve(t *testing.T) {
	ctx := context.Background()

	t.Run("accepts while stock lasts", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.SetCounter(ctx, "stock", 2))

		res, err := m.Reserve(ctx, "stock", "hold:u1", 1, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, ReserveAccepted, res.Code)
		assert.Equal(t, int64(1), res.Remaining)

		res, err = m.Reserve(ctx, "stock", "hold:u2", 2, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, ReserveSoldOut, res.Code)
		assert.Equal(t, int64(1), res.Remaining)
	})

	t.Run("rejects duplicate hold without touching counter", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.SetCounter(ctx, "stock", 5))

		_, err := m.Reserve(ctx, "stock", "hold:u1", 1, time.Minute)
		require.NoError(t, err)

		res, err := m.Reserve(ctx, "stock", "hold:u1", 1, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, ReserveDuplicate, res.Code)

		v, _, _ := m.GetCounter(ctx, "stock")
		assert.Equal(t, int64(4), v)
	})

	t.Run("reports missing counter", func(t *testing.T) {
		m := NewMemory()
		res, err := m.Reserve(ctx, "stock", "hold:u1", 1, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, ReserveNoCounter, res.Code)
	})

	t.Run("expired hold no longer blocks", func(t *testing.T) {
		m := NewMemory()
		now := time.Now()
		m.SetNowFunc(func() time.Time { return now })
		require.NoError(t, m.SetCounter(ctx, "stock", 5))

		_, err := m.Reserve(ctx, "stock", "hold:u1", 1, time.Minute)
		require.NoError(t, err)

		now = now.Add(2 * time.Minute)
		res, err := m.Reserve(ctx, "stock", "hold:u1", 1, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, ReserveAccepted, res.Code)
	})
}

func TestMemoryTakeHold(t *testing.T) {
	ctx := context.Background()

	t.Run("refund credits the counter", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.SetCounter(ctx, "stock", 3))
		_, err := m.Reserve(ctx, "stock", "hold:u1", 2, time.Minute)
		require.NoError(t, err)

		qty, ok, err := m.TakeHold(ctx, "stock", "hold:u1", true)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(2), qty)

		v, _, _ := m.GetCounter(ctx, "stock")
		assert.Equal(t, int64(3), v)
	})

	t.Run("consume leaves the counter alone", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.SetCounter(ctx, "stock", 3))
		_, err := m.Reserve(ctx, "stock", "hold:u1", 2, time.Minute)
		require.NoError(t, err)

		qty, ok, err := m.TakeHold(ctx, "stock", "hold:u1", false)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(2), qty)

		v, _, _ := m.GetCounter(ctx, "stock")
		assert.Equal(t, int64(1), v)
	})

	t.Run("missing hold", func(t *testing.T) {
		m := NewMemory()
		_, ok, err := m.TakeHold(ctx, "stock", "hold:u1", true)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMemoryScanHolds(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	m.SetNowFunc(func() time.Time { return now })

	require.NoError(t, m.SetCounter(ctx, "stock", 10))
	_, err := m.Reserve(ctx, "stock", "sale:hold:s1:u1", 1, time.Minute)
	require.NoError(t, err)
	_, err = m.Reserve(ctx, "stock", "sale:hold:s1:u2", 2, time.Hour)
	require.NoError(t, err)
	_, err = m.Reserve(ctx, "stock", "sale:hold:s2:u1", 3, time.Hour)
	require.NoError(t, err)

	holds, err := m.ScanHolds(ctx, "sale:hold:s1:*")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"sale:hold:s1:u1": 1, "sale:hold:s1:u2": 2}, holds)

	// Past the first hold's TTL only the longer one remains.
	now = now.Add(2 * time.Minute)
	holds, err = m.ScanHolds(ctx, "sale:hold:s1:*")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"sale:hold:s1:u2": 2}, holds)
}

func TestMemoryOrderedSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	added, err := m.ZAddNX(ctx, "q", "u1", 100)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = m.ZAddNX(ctx, "q", "u2", 200)
	require.NoError(t, err)
	assert.True(t, added)

	// Re-adding must not move the member.
	added, err = m.ZAddNX(ctx, "q", "u1", 999)
	require.NoError(t, err)
	assert.False(t, added)

	rank, ok, err := m.ZRank(ctx, "q", "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(0), rank)

	score, ok, err := m.ZScore(ctx, "q", "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(100), score)

	n, err := m.ZCard(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, ok, err = m.ZRank(ctx, "q", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryZPopMinOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	// Same score: insertion order decides.
	for _, u := range []string{"a", "b", "c"} {
		_, err := m.ZAddNX(ctx, "q", u, 50)
		require.NoError(t, err)
	}
	_, err := m.ZAddNX(ctx, "q", "early", 10)
	require.NoError(t, err)

	popped, err := m.ZPopMin(ctx, "q", 3)
	require.NoError(t, err)
	require.Len(t, popped, 3)
	assert.Equal(t, "early", popped[0].ID)
	assert.Equal(t, "a", popped[1].ID)
	assert.Equal(t, "b", popped[2].ID)

	// Popped members are gone in the same step.
	_, ok, err := m.ZRank(ctx, "q", "early")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := m.ZCard(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Popping more than exists returns what is there.
	popped, err = m.ZPopMin(ctx, "q", 10)
	require.NoError(t, err)
	require.Len(t, popped, 1)
	assert.Equal(t, "c", popped[0].ID)
}
