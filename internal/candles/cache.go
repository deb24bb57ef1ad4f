package candles

import (
	"sync"
	"time"

	"github.com/skalibog/marketsync/pkg/models"
)

// DefaultTTL время, после которого запись требует повторной исторической загрузки
const DefaultTTL = 2 * time.Minute

// Entry копия записи кэша
type Entry struct {
	Series      *Series
	RefreshedAt time.Time
}

type entry struct {
	series      *Series
	refreshedAt time.Time
}

// Cache хранит по одному ряду на (инструмент, резолюция).
// Наружу отдаются только копии.
type Cache struct {
	mu      sync.RWMutex
	entries map[models.SeriesKey]*entry
	now     func() time.Time
}

type CacheOption func(*Cache)

// WithClock подменяет источник времени
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		c.now = now
	}
}

func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		entries: make(map[models.SeriesKey]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Get(key models.SeriesKey) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return Entry{Series: e.series.Clone(), RefreshedAt: e.refreshedAt}, true
}

// Put сохраняет копию ряда и отмечает время обновления
func (c *Cache) Put(key models.SeriesKey, series *Series) {
	stored := series.Clone()
	stored.key = key

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{series: stored, refreshedAt: c.now()}
}

// IsStale true для отсутствующего ключа или записи старше ttl
func (c *Cache) IsStale(key models.SeriesKey, ttl time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		return true
	}
	return c.now().Sub(e.refreshedAt) >= ttl
}

// Update изменяет хранимый ряд на месте, не трогая время обновления.
// Возвращает false, если ключа нет.
func (c *Cache) Update(key models.SeriesKey, fn func(*Series)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	fn(e.series)
	return true
}
