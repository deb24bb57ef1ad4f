package candles

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func TestCacheStaleness(t *testing.T) {
	clock := &fakeClock{now: t0}
	c := NewCache(WithClock(clock.Now))

	assert.True(t, c.IsStale(testKey, DefaultTTL), "отсутствующий ключ всегда устарел")

	c.Put(testKey, NewSeries(testKey, bars(3)))
	assert.False(t, c.IsStale(testKey, DefaultTTL))

	clock.now = t0.Add(DefaultTTL - time.Second)
	assert.False(t, c.IsStale(testKey, DefaultTTL))

	clock.now = t0.Add(DefaultTTL)
	assert.True(t, c.IsStale(testKey, DefaultTTL))

	// устаревшая запись все еще отдается
	e, ok := c.Get(testKey)
	require.True(t, ok)
	assert.Equal(t, 3, e.Series.Len())
	assert.Equal(t, t0, e.RefreshedAt)
}

func TestCacheCopySemantics(t *testing.T) {
	c := NewCache()
	src := NewSeries(testKey, bars(2))
	c.Put(testKey, src)

	// изменения исходного ряда не влияют на кэш
	require.NoError(t, src.Append(bar(2, 102)))
	e, _ := c.Get(testKey)
	assert.Equal(t, 2, e.Series.Len())

	// изменения полученной копии тоже
	require.NoError(t, e.Series.Append(bar(2, 102)))
	e2, _ := c.Get(testKey)
	assert.Equal(t, 2, e2.Series.Len())
}

func TestCacheUpdateKeepsRefreshTime(t *testing.T) {
	clock := &fakeClock{now: t0}
	c := NewCache(WithClock(clock.Now))

	assert.False(t, c.Update(testKey, func(*Series) {}))

	c.Put(testKey, NewSeries(testKey, bars(2)))
	clock.now = t0.Add(time.Minute)

	ok := c.Update(testKey, func(s *Series) {
		require.NoError(t, s.Append(bar(2, 102)))
	})
	require.True(t, ok)

	e, _ := c.Get(testKey)
	assert.Equal(t, 3, e.Series.Len())
	assert.Equal(t, t0, e.RefreshedAt)
}
