package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/skalibog/marketsync/pkg/models"
)

// MemoryStorage хранилище в памяти для запуска без InfluxDB и для тестов
type MemoryStorage struct {
	mu      sync.RWMutex
	candles map[models.SeriesKey]map[int64]models.Candle
	shifts  []models.ZoneShift
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		candles: make(map[models.SeriesKey]map[int64]models.Candle),
	}
}

func (s *MemoryStorage) SaveCandles(ctx context.Context, candles []models.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range candles {
		key := models.NewSeriesKey(c.Symbol, models.Resolution(c.Interval))
		bucket, ok := s.candles[key]
		if !ok {
			bucket = make(map[int64]models.Candle)
			s.candles[key] = bucket
		}
		bucket[c.OpenTime.UnixMilli()] = c
	}
	return nil
}

// GetCandles возвращает свечи от новых к старым, как InfluxDB реализация
func (s *MemoryStorage) GetCandles(ctx context.Context, symbol string, res models.Resolution, limit int) ([]models.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket := s.candles[models.NewSeriesKey(strings.ToUpper(symbol), res)]
	out := make([]models.Candle, 0, len(bucket))
	for _, c := range bucket {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OpenTime.After(out[j].OpenTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStorage) SaveZoneShifts(ctx context.Context, shifts []models.ZoneShift) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shifts = append(s.shifts, shifts...)
	return nil
}

// ZoneShifts возвращает копию сохраненных сдвигов
func (s *MemoryStorage) ZoneShifts() []models.ZoneShift {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ZoneShift(nil), s.shifts...)
}

func (s *MemoryStorage) Close() {}
