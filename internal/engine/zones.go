package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/skalibog/marketsync/pkg/models"
)

// fetchBook запрашивает снимок стакана в фоне. Одновременно идет не больше одного запроса.
func (s *session) fetchBook() {
	if s.fetching {
		return
	}
	s.fetching = true

	s.async(func(ctx context.Context) {
		reqCtx, cancel := context.WithTimeout(ctx, s.cfg.History.FetchTimeout)
		book, err := s.books.GetOrderBook(reqCtx, s.key.Symbol, s.cfg.Zones.Depth)
		cancel()

		s.post(func() {
			s.fetching = false
			s.applyBook(book, err)
		})
	})
}

// applyBook пересчитывает зоны. Ошибка стакана не очищает прежние зоны.
func (s *session) applyBook(book models.OrderBook, err error) {
	if err != nil {
		s.log.Warn("Ошибка получения стакана, зоны не изменены", zap.Error(err))
		return
	}

	zones := s.clusterer.Zones(book)
	shifts := s.detector.Observe(zones)
	s.sink.OnZonesUpdated(s.key.Symbol, zones, s.detector.Recent())

	if len(shifts) == 0 {
		return
	}
	s.log.Debug("Сдвиги зон ликвидности", zap.Int("count", len(shifts)))
	if s.cfg.Zones.Persist && s.store != nil {
		s.persist(shifts)
	}
}

func (s *session) persist(shifts []models.ZoneShift) {
	s.async(func(ctx context.Context) {
		reqCtx, cancel := context.WithTimeout(ctx, s.cfg.History.FetchTimeout)
		defer cancel()
		if err := s.store.SaveZoneShifts(reqCtx, shifts); err != nil {
			s.log.Warn("Ошибка сохранения сдвигов зон", zap.Error(err))
		}
	})
}

// sweep удаляет устаревшие сдвиги и обновляет оверлей, если журнал изменился
func (s *session) sweep() {
	if removed := s.detector.Sweep(); removed > 0 {
		s.sink.OnZonesUpdated(s.key.Symbol, s.detector.Zones(), s.detector.Recent())
	}
}
