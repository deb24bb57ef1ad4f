package candles

import (
	"errors"
	"fmt"
	"sort"

	"github.com/skalibog/marketsync/pkg/models"
)

const (
	// MaxBars порог, после которого ряд обрезается до TrimBars
	MaxBars  = 2500
	TrimBars = 2000
)

var (
	ErrOutOfOrder = errors.New("свеча нарушает порядок ряда")
	ErrEmpty      = errors.New("ряд пуст")
)

// Series упорядоченный ряд свечей без дубликатов времени открытия.
// Изменять на месте можно только последнюю свечу.
type Series struct {
	key  models.SeriesKey
	bars []models.Candle
}

// NewSeries создает ряд из произвольно упорядоченных свечей.
// Входной срез копируется, при совпадении OpenTime побеждает последняя встреченная свеча.
func NewSeries(key models.SeriesKey, bars []models.Candle) *Series {
	s := &Series{key: key}
	s.Replace(bars)
	return s
}

func (s *Series) Key() models.SeriesKey {
	return s.key
}

func (s *Series) Len() int {
	return len(s.bars)
}

// Last возвращает хвост ряда
func (s *Series) Last() (models.Candle, bool) {
	if len(s.bars) == 0 {
		return models.Candle{}, false
	}
	return s.bars[len(s.bars)-1], true
}

// Bars возвращает копию свечей от старых к новым
func (s *Series) Bars() []models.Candle {
	out := make([]models.Candle, len(s.bars))
	copy(out, s.bars)
	return out
}

func (s *Series) Clone() *Series {
	return &Series{key: s.key, bars: s.Bars()}
}

// Append добавляет новую свечу строго после хвоста и обрезает ряд при переполнении
func (s *Series) Append(c models.Candle) error {
	if last, ok := s.Last(); ok && !c.OpenTime.After(last.OpenTime) {
		return fmt.Errorf("%w: %s не позже %s", ErrOutOfOrder, c.OpenTime, last.OpenTime)
	}
	s.bars = append(s.bars, c)
	if len(s.bars) > MaxBars {
		s.truncate(TrimBars)
	}
	return nil
}

// UpdateLast заменяет хвост свечой с тем же временем открытия
func (s *Series) UpdateLast(c models.Candle) error {
	last, ok := s.Last()
	if !ok {
		return ErrEmpty
	}
	if !c.OpenTime.Equal(last.OpenTime) {
		return fmt.Errorf("%w: обновление %s не совпадает с хвостом %s", ErrOutOfOrder, c.OpenTime, last.OpenTime)
	}
	s.bars[len(s.bars)-1] = c
	return nil
}

// Replace полностью заменяет содержимое ряда
func (s *Series) Replace(bars []models.Candle) {
	sorted := make([]models.Candle, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].OpenTime.Before(sorted[j].OpenTime)
	})

	deduped := sorted[:0]
	for _, c := range sorted {
		if n := len(deduped); n > 0 && deduped[n-1].OpenTime.Equal(c.OpenTime) {
			deduped[n-1] = c
			continue
		}
		deduped = append(deduped, c)
	}
	s.bars = deduped
}

// truncate оставляет n последних свечей в исходном порядке
func (s *Series) truncate(n int) {
	kept := make([]models.Candle, n)
	copy(kept, s.bars[len(s.bars)-n:])
	s.bars = kept
}
