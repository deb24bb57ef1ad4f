package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/skalibog/marketsync/pkg/logger"
	"github.com/skalibog/marketsync/pkg/models"
)

// ErrStreamDisconnected соединение оборвалось не по инициативе владельца
var ErrStreamDisconnected = errors.New("поток отключен")

// Conn минимальный интерфейс websocket соединения (совместим с *websocket.Conn)
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// Dialer открывает websocket соединение
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Config настройки адаптера
type Config struct {
	URL string
	// ReconnectDelay задержка после обрыва установленного соединения
	ReconnectDelay time.Duration
	// MaxReconnectDelay верхняя граница; равна ReconnectDelay - задержка фиксированная
	MaxReconnectDelay time.Duration
	// DialRetryDelay задержка после неудачной попытки установить соединение
	DialRetryDelay   time.Duration
	HandshakeTimeout time.Duration
}

func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		ReconnectDelay:    3 * time.Second,
		MaxReconnectDelay: 3 * time.Second,
		DialRetryDelay:    5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
	}
}

// Target набор потоков одной подписки
type Target struct {
	Streams []string
	// Symbols допустимые инструменты входящих сообщений
	Symbols []string
}

// TickerTarget мультиплексированный тикер по нескольким инструментам
func TickerTarget(symbols ...string) Target {
	t := Target{}
	for _, s := range symbols {
		t.Streams = append(t.Streams, strings.ToLower(s)+"@ticker")
		t.Symbols = append(t.Symbols, strings.ToUpper(s))
	}
	return t
}

// KlineTarget поток свечей для одного графика
func KlineTarget(key models.SeriesKey) Target {
	return Target{
		Streams: []string{fmt.Sprintf("%s@kline_%s", strings.ToLower(key.Symbol), key.Resolution)},
		Symbols: []string{strings.ToUpper(key.Symbol)},
	}
}

func (t Target) String() string {
	streams := append([]string(nil), t.Streams...)
	sort.Strings(streams)
	return strings.Join(streams, ",")
}

// Handler получатели нормализованных событий. Вызываются из горутины чтения.
type Handler struct {
	OnTick  func(models.LiveTick)
	OnBar   func(models.LiveBarUpdate)
	OnState func(State)
}

// subscribeRequest запрос подписки Binance
type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// link одно физическое соединение. closing выставляется владельцем до Close,
// чтобы обработчик обрыва не планировал переподключение.
type link struct {
	conn    Conn
	gen     uint64
	symbols map[string]struct{}
	closing atomic.Bool
}

// Adapter владеет ровно одним соединением на подписку и переподключается после сбоев.
// Каждый экземпляр независим, глобального состояния нет.
type Adapter struct {
	name    string
	cfg     Config
	dialer  Dialer
	sched   Scheduler
	handler Handler
	log     *zap.Logger

	mu        sync.Mutex
	state     State
	target    *Target
	gen       uint64
	link      *link
	retry     Timer
	dial      context.CancelFunc
	dropDelay *backoff.Backoff
	dialDelay *backoff.Backoff
	requestID int64
}

type Option func(*Adapter)

func WithScheduler(s Scheduler) Option {
	return func(a *Adapter) {
		a.sched = s
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(a *Adapter) {
		a.log = log
	}
}

func NewAdapter(name string, cfg Config, dialer Dialer, handler Handler, opts ...Option) *Adapter {
	def := DefaultConfig(cfg.URL)
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = cfg.ReconnectDelay
	}
	if cfg.DialRetryDelay <= 0 {
		cfg.DialRetryDelay = def.DialRetryDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}

	a := &Adapter{
		name:    name,
		cfg:     cfg,
		dialer:  dialer,
		sched:   realScheduler{},
		handler: handler,
		log:     logger.Named("stream"),
		state:   StateDisconnected,
		dropDelay: &backoff.Backoff{
			Min:    cfg.ReconnectDelay,
			Max:    cfg.MaxReconnectDelay,
			Factor: 2,
		},
		dialDelay: &backoff.Backoff{
			Min:    cfg.DialRetryDelay,
			Max:    max(cfg.DialRetryDelay, cfg.MaxReconnectDelay),
			Factor: 2,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With(zap.String("adapter", name))
	return a
}

// State текущее состояние
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Target текущая цель подписки
func (a *Adapter) Target() (Target, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.target == nil {
		return Target{}, false
	}
	return *a.target, true
}

// Subscribe переключает адаптер на новую цель. Старое соединение и ожидающий
// повтор снимаются синхронно до открытия нового, установка соединения идет в фоне.
func (a *Adapter) Subscribe(target Target) {
	a.mu.Lock()
	if a.state == StateClosed {
		a.mu.Unlock()
		return
	}
	a.teardownLocked()
	a.target = &target
	a.dropDelay.Reset()
	a.dialDelay.Reset()
	a.gen++
	gen := a.gen
	a.setStateLocked(StateConnecting)
	a.mu.Unlock()

	a.log.Info("Подписка на поток", zap.String("target", target.String()))
	go a.connect(gen)
}

// Unsubscribe снимает текущую подписку без закрытия адаптера.
// Последующий Subscribe снова откроет соединение.
func (a *Adapter) Unsubscribe() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateClosed || a.target == nil {
		return
	}
	a.teardownLocked()
	a.target = nil
	a.gen++
	a.setStateLocked(StateDisconnected)
	a.log.Info("Подписка снята")
}

// Close терминально закрывает адаптер. После Close переподключений не будет.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateClosed {
		return
	}
	a.teardownLocked()
	a.gen++
	a.setStateLocked(StateClosed)
	a.log.Info("Адаптер закрыт")
}

// teardownLocked отменяет повтор, прерывает идущее подключение и закрывает
// текущее соединение. Флаг closing выставляется строго до Close.
func (a *Adapter) teardownLocked() {
	if a.retry != nil {
		a.retry.Stop()
		a.retry = nil
	}
	if a.dial != nil {
		a.dial()
		a.dial = nil
	}
	if a.link != nil {
		l := a.link
		a.link = nil
		l.closing.Store(true)
		if err := l.conn.Close(); err != nil {
			a.log.Debug("Ошибка закрытия соединения", zap.Error(err))
		}
	}
}

func (a *Adapter) connect(gen uint64) {
	a.mu.Lock()
	if gen != a.gen || a.target == nil {
		a.mu.Unlock()
		return
	}
	target := *a.target
	a.requestID++
	reqID := a.requestID
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HandshakeTimeout)
	a.dial = cancel
	a.mu.Unlock()

	conn, err := a.dialer.Dial(ctx, a.cfg.URL)
	cancel()

	a.mu.Lock()
	if gen != a.gen || a.state == StateClosed {
		// пока шло подключение, владелец сменил цель или закрыл адаптер
		a.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	a.dial = nil
	if err != nil {
		a.retryDialLocked(gen, target, err)
		a.mu.Unlock()
		return
	}

	symbols := make(map[string]struct{}, len(target.Symbols))
	for _, s := range target.Symbols {
		symbols[strings.ToUpper(s)] = struct{}{}
	}
	// соединение регистрируется до SUBSCRIBE, чтобы смена цели закрыла именно его
	l := &link{conn: conn, gen: gen, symbols: symbols}
	a.link = l
	a.mu.Unlock()

	err = conn.WriteJSON(subscribeRequest{Method: "SUBSCRIBE", Params: target.Streams, ID: reqID})

	a.mu.Lock()
	defer a.mu.Unlock()
	if gen != a.gen || a.link != l {
		return
	}
	if err != nil {
		a.link = nil
		l.closing.Store(true)
		_ = conn.Close()
		a.retryDialLocked(gen, target, err)
		return
	}

	a.dropDelay.Reset()
	a.dialDelay.Reset()
	a.setStateLocked(StateConnected)
	a.log.Info("Поток подключен", zap.String("target", target.String()))

	go a.readLoop(l)
}

func (a *Adapter) retryDialLocked(gen uint64, target Target, err error) {
	delay := a.dialDelay.Duration()
	a.log.Warn("Ошибка подключения к потоку, повтор",
		zap.String("target", target.String()),
		zap.Duration("delay", delay),
		zap.Error(err))
	a.scheduleReconnectLocked(gen, delay)
}

func (a *Adapter) readLoop(l *link) {
	for {
		_, msg, err := l.conn.ReadMessage()
		if err != nil {
			a.handleDrop(l, err)
			return
		}
		a.dispatch(l, msg)
	}
}

func (a *Adapter) dispatch(l *link, msg []byte) {
	if l.closing.Load() {
		return
	}
	ev, err := Decode(msg, l.symbols)
	if err != nil {
		a.log.Debug("Сообщение отброшено", zap.Error(err), zap.Int("bytes", len(msg)))
		return
	}
	switch {
	case ev.Tick != nil && a.handler.OnTick != nil:
		a.handler.OnTick(*ev.Tick)
	case ev.Bar != nil && a.handler.OnBar != nil:
		a.handler.OnBar(*ev.Bar)
	}
}

func (a *Adapter) handleDrop(l *link, cause error) {
	if l.closing.Load() {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if l.gen != a.gen || a.link != l || a.state == StateClosed {
		return
	}

	a.link = nil
	l.closing.Store(true)
	_ = l.conn.Close()

	delay := a.dropDelay.Duration()
	a.log.Warn("Соединение потока потеряно, переподключение",
		zap.Duration("delay", delay),
		zap.Error(fmt.Errorf("%w: %v", ErrStreamDisconnected, cause)))
	a.scheduleReconnectLocked(l.gen, delay)
}

func (a *Adapter) scheduleReconnectLocked(gen uint64, delay time.Duration) {
	a.setStateLocked(StateReconnecting)
	a.retry = a.sched.AfterFunc(delay, func() {
		a.reconnect(gen)
	})
}

func (a *Adapter) reconnect(gen uint64) {
	a.mu.Lock()
	if gen != a.gen || a.state != StateReconnecting {
		a.mu.Unlock()
		return
	}
	a.retry = nil
	a.gen++
	next := a.gen
	a.setStateLocked(StateConnecting)
	a.mu.Unlock()

	a.connect(next)
}

func (a *Adapter) setStateLocked(s State) {
	if a.state == s {
		return
	}
	a.log.Debug("Смена состояния", zap.Stringer("from", a.state), zap.Stringer("to", s))
	a.state = s
	if a.handler.OnState != nil {
		// вызывается под мьютексом: обработчик не должен обращаться к адаптеру
		a.handler.OnState(s)
	}
}
