package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skalibog/marketsync/internal/candles"
	"github.com/skalibog/marketsync/internal/config"
	"github.com/skalibog/marketsync/internal/history"
	"github.com/skalibog/marketsync/internal/reconcile"
	"github.com/skalibog/marketsync/internal/storage"
	"github.com/skalibog/marketsync/internal/zones"
	"github.com/skalibog/marketsync/pkg/models"
)

const eventBuffer = 256

// session один открытый график. Ряд, реконсилер и журнал зон меняются
// только из горутины run, остальные горутины присылают замыкания в events.
type session struct {
	id       string
	key      models.SeriesKey
	cfg      config.Config
	provider *history.Provider
	cache    *candles.Cache
	books    OrderBookSource
	store    storage.Storage
	sink     Sink
	log      *zap.Logger

	rec       *reconcile.Reconciler
	clusterer *zones.Clusterer
	detector  *zones.Detector

	events chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     *sync.WaitGroup

	refreshing bool
	polling    bool
	fetching   bool
}

func newSession(e *Engine, key models.SeriesKey) *session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	s := &session{
		id:       id,
		key:      key,
		cfg:      e.cfg,
		provider: e.deps.Provider,
		cache:    e.deps.Provider.Cache(),
		books:    e.deps.Books,
		store:    e.deps.Store,
		sink:     e.deps.Sink,
		log:      e.log.With(zap.String("session", id), zap.String("key", key.String())),
		rec:      reconcile.New(key),
		events:   make(chan func(), eventBuffer),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		wg:       &e.wg,
	}
	if s.books != nil {
		s.clusterer = zones.NewClusterer(zoneConfig(e.cfg.Zones))
		s.detector = e.detector(key.Symbol)
	}
	return s
}

// close отменяет сессию и ждет выхода из цикла событий.
// Фоновые загрузки завершаются сами, их результаты отбрасываются.
func (s *session) close() {
	s.cancel()
	<-s.done
}

// post ставит замыкание в цикл сессии. После отмены замыкание отбрасывается.
func (s *session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.ctx.Done():
	}
}

// async запускает фоновую работу сессии
func (s *session) async(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *session) postBar(upd models.LiveBarUpdate) {
	if upd.Key() != s.key {
		return
	}
	s.post(func() { s.applyBar(upd) })
}

func (s *session) run() {
	defer close(s.done)

	s.log.Info("Сессия графика открыта")
	s.load()

	refreshC, stopRefresh := tickerC(s.cfg.History.CacheTTL)
	defer stopRefresh()

	var pollC <-chan time.Time
	if s.cfg.IsPollOnly(s.key.Symbol) {
		var stopPoll func()
		pollC, stopPoll = tickerC(s.cfg.History.PollInterval)
		defer stopPoll()
	}

	var zonesC, sweepC <-chan time.Time
	if s.books != nil {
		var stopZones, stopSweep func()
		zonesC, stopZones = tickerC(s.cfg.Zones.Interval)
		defer stopZones()
		sweepC, stopSweep = tickerC(s.cfg.Zones.SweepInterval)
		defer stopSweep()
		s.fetchBook()
	}

	for {
		select {
		case fn := <-s.events:
			fn()
		case <-refreshC:
			if s.cache.IsStale(s.key, s.cfg.History.CacheTTL) {
				s.refresh()
			}
		case <-pollC:
			s.poll()
		case <-zonesC:
			s.fetchBook()
		case <-sweepC:
			s.sweep()
		case <-s.ctx.Done():
			s.log.Info("Сессия графика закрыта")
			return
		}
	}
}

// load отдает ряд из кэша сразу, устаревший обновляется в фоне.
// При промахе загрузка синхронная: обновления потока ждут в очереди событий.
func (s *session) load() {
	series, stale, err := s.provider.Get(s.ctx, s.key)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.log.Error("Нет данных для графика", zap.Error(err))
		s.sink.OnSeriesReplaced(s.key, nil)
		return
	}

	s.sink.OnSeriesReplaced(s.key, series.Bars())
	if stale {
		s.refresh()
	}
}

// refresh заменяет ряд только после успешной загрузки.
// Во время ресинхронизации ряд и так будет заменен.
func (s *session) refresh() {
	if s.refreshing || s.rec.Resyncing() {
		return
	}
	s.refreshing = true

	s.async(func(ctx context.Context) {
		fresh, err := s.provider.Fetch(ctx, s.key)
		s.post(func() {
			s.refreshing = false
			if err != nil {
				s.log.Warn("Фоновое обновление не удалось, остается прежний ряд", zap.Error(err))
				return
			}
			s.replace(fresh)
		})
	})
}

func (s *session) replace(fresh *candles.Series) {
	s.cache.Put(s.key, fresh)
	s.sink.OnSeriesReplaced(s.key, fresh.Bars())
}

func (s *session) applyBar(upd models.LiveBarUpdate) {
	var out reconcile.Outcome
	found := s.cache.Update(s.key, func(series *candles.Series) {
		out = s.rec.Apply(series, upd)
	})
	if !found {
		s.log.Debug("Ряд не загружен, обновление отброшено", zap.Time("open_time", upd.OpenTime))
		return
	}

	switch out.Action {
	case reconcile.ActionResync:
		s.resync()
	case reconcile.ActionMerge, reconcile.ActionAppend:
		s.emit(out)
	}
}

// resync одна загрузка истории на эпизод разрыва
func (s *session) resync() {
	s.log.Info("Разрыв ряда, ресинхронизация")

	s.async(func(ctx context.Context) {
		fresh, err := s.provider.Fetch(ctx, s.key)
		s.post(func() {
			if err != nil {
				s.rec.EndResync(nil, false)
				s.log.Warn("Ресинхронизация не удалась, ряд оставлен без изменений",
					zap.Error(errors.Join(reconcile.ErrGapUnrecoverable, err)))
				return
			}

			s.replace(fresh)
			var outs []reconcile.Outcome
			s.cache.Update(s.key, func(series *candles.Series) {
				outs = s.rec.EndResync(series, true)
			})
			s.emit(outs...)
		})
	})
}

// poll медленный опрос для инструментов без потока
func (s *session) poll() {
	if s.polling {
		return
	}
	s.polling = true

	s.async(func(ctx context.Context) {
		bars, err := s.provider.Recent(ctx, s.key, s.cfg.History.PollBars)
		s.post(func() {
			s.polling = false
			if err != nil {
				s.log.Warn("Ошибка опроса свечей", zap.Error(err))
				return
			}
			var outs []reconcile.Outcome
			found := s.cache.Update(s.key, func(series *candles.Series) {
				outs = s.rec.ApplyPolled(series, bars)
			})
			if !found {
				s.log.Debug("Ряд не загружен, результат опроса отброшен")
				return
			}
			s.emit(outs...)
		})
	})
}

func (s *session) emit(outs ...reconcile.Outcome) {
	for _, o := range outs {
		switch o.Action {
		case reconcile.ActionMerge:
			s.sink.OnBarUpdated(s.key, o.Bar)
		case reconcile.ActionAppend:
			s.sink.OnBarAppended(s.key, o.Bar)
		}
	}
}

// tickerC канал периодического события; при d <= 0 событие не наступает
func tickerC(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}
