package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/skalibog/marketsync/internal/config"
	"github.com/skalibog/marketsync/internal/history"
	"github.com/skalibog/marketsync/internal/storage"
	"github.com/skalibog/marketsync/internal/stream"
	"github.com/skalibog/marketsync/internal/zones"
	"github.com/skalibog/marketsync/pkg/logger"
	"github.com/skalibog/marketsync/pkg/models"
)

const (
	klineFeed  = "klines"
	tickerFeed = "ticker"
)

// Sink единственное направление записи наружу. Данные передаются копиями.
type Sink interface {
	OnSeriesReplaced(key models.SeriesKey, bars []models.Candle)
	OnBarAppended(key models.SeriesKey, bar models.Candle)
	OnBarUpdated(key models.SeriesKey, bar models.Candle)
	OnZonesUpdated(symbol string, zones []models.AccZone, shifts []models.ZoneShift)
}

// TickSink получает тикер по всем инструментам
type TickSink interface {
	OnTick(tick models.LiveTick)
}

// StateSink получает состояние потоков. Вызывается под мьютексом адаптера,
// поэтому реализация не должна блокироваться.
type StateSink interface {
	OnFeedState(feed string, state stream.State)
}

// OrderBookSource источник снимков стакана
type OrderBookSource interface {
	GetOrderBook(ctx context.Context, symbol string, depth int) (models.OrderBook, error)
}

// Deps внешние зависимости движка
type Deps struct {
	Provider *history.Provider
	Books    OrderBookSource // nil - зоны не считаются
	Store    storage.Storage // nil - сдвиги не сохраняются
	Dialer   stream.Dialer
	Sink     Sink
}

// Engine владеет одним kline-адаптером для активного графика, тикер-адаптером
// и текущей сессией графика.
type Engine struct {
	cfg  config.Config
	deps Deps
	log  *zap.Logger

	klines *stream.Adapter
	ticker *stream.Adapter

	showMu    sync.Mutex
	mu        sync.Mutex
	session   *session
	detectors map[string]*zones.Detector
	closed    bool
	wg        sync.WaitGroup
}

type Option func(*engineOptions)

type engineOptions struct {
	log        *zap.Logger
	streamOpts []stream.Option
}

func WithLogger(log *zap.Logger) Option {
	return func(o *engineOptions) {
		o.log = log
	}
}

// WithStreamOptions передает опции обоим адаптерам (планировщик в тестах)
func WithStreamOptions(opts ...stream.Option) Option {
	return func(o *engineOptions) {
		o.streamOpts = append(o.streamOpts, opts...)
	}
}

func New(cfg config.Config, deps Deps, opts ...Option) *Engine {
	o := engineOptions{log: logger.Named("engine")}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		cfg:       cfg,
		deps:      deps,
		log:       o.log,
		detectors: make(map[string]*zones.Detector),
	}

	streamCfg := stream.Config{
		URL:               cfg.Stream.URL,
		ReconnectDelay:    cfg.Stream.ReconnectDelay,
		MaxReconnectDelay: cfg.Stream.MaxReconnectDelay,
		DialRetryDelay:    cfg.Stream.DialRetryDelay,
		HandshakeTimeout:  cfg.Stream.HandshakeTimeout,
	}
	klineOpts := append([]stream.Option{stream.WithLogger(o.log.Named(klineFeed))}, o.streamOpts...)
	tickerOpts := append([]stream.Option{stream.WithLogger(o.log.Named(tickerFeed))}, o.streamOpts...)

	e.klines = stream.NewAdapter(klineFeed, streamCfg, deps.Dialer, stream.Handler{
		OnBar:   e.routeBar,
		OnState: e.stateHandler(klineFeed),
	}, klineOpts...)
	e.ticker = stream.NewAdapter(tickerFeed, streamCfg, deps.Dialer, stream.Handler{
		OnTick:  e.routeTick,
		OnState: e.stateHandler(tickerFeed),
	}, tickerOpts...)

	return e
}

// StartTicker подписывает тикер на все потоковые инструменты конфигурации
func (e *Engine) StartTicker() {
	var symbols []string
	for _, s := range e.cfg.Chart.Symbols {
		if !e.cfg.IsPollOnly(s) {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		return
	}
	e.ticker.Subscribe(stream.TickerTarget(symbols...))
}

// Show переключает график на новый ключ. Прежняя сессия и ее соединение
// снимаются до открытия новых.
func (e *Engine) Show(key models.SeriesKey) {
	e.showMu.Lock()
	defer e.showMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	old := e.session
	e.session = nil
	e.mu.Unlock()

	if old != nil {
		old.close()
	}

	// сессия регистрируется до подписки, чтобы ранние обновления ждали в ее очереди
	s := newSession(e, key)
	e.mu.Lock()
	e.session = s
	e.mu.Unlock()

	if e.cfg.IsPollOnly(key.Symbol) {
		e.klines.Unsubscribe()
	} else {
		e.klines.Subscribe(stream.KlineTarget(key))
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		s.run()
	}()
}

// Current ключ активного графика
func (e *Engine) Current() (models.SeriesKey, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return models.SeriesKey{}, false
	}
	return e.session.key, true
}

// Close останавливает сессию и оба адаптера
func (e *Engine) Close() {
	e.showMu.Lock()
	defer e.showMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	s := e.session
	e.session = nil
	e.mu.Unlock()

	if s != nil {
		s.close()
	}
	e.klines.Close()
	e.ticker.Close()
	e.wg.Wait()
	e.log.Info("Движок остановлен")
}

func (e *Engine) routeBar(upd models.LiveBarUpdate) {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil {
		return
	}
	s.postBar(upd)
}

func (e *Engine) routeTick(tick models.LiveTick) {
	if ts, ok := e.deps.Sink.(TickSink); ok {
		ts.OnTick(tick)
	}
}

func (e *Engine) stateHandler(feed string) func(stream.State) {
	return func(st stream.State) {
		if ss, ok := e.deps.Sink.(StateSink); ok {
			ss.OnFeedState(feed, st)
		}
	}
}

// detector возвращает детектор инструмента. Журнал сдвигов переживает смену резолюции.
func (e *Engine) detector(symbol string) *zones.Detector {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.detectors[symbol]
	if !ok {
		d = zones.NewDetector(symbol, zoneConfig(e.cfg.Zones),
			zones.WithLogSize(e.cfg.Zones.LogSize),
			zones.WithRetention(e.cfg.Zones.Retention))
		e.detectors[symbol] = d
	}
	return d
}

func zoneConfig(c config.ZonesConfig) zones.Config {
	return zones.Config{
		ClusterGap:     c.ClusterGap,
		MinStrength:    c.MinStrength,
		MatchTolerance: c.MatchTolerance,
		ShiftStrength:  c.ShiftStrength,
		GrowthRatio:    c.GrowthRatio,
		ShrinkRatio:    c.ShrinkRatio,
	}
}
