package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/skalibog/marketsync/internal/candles"
	"github.com/skalibog/marketsync/pkg/logger"
	"github.com/skalibog/marketsync/pkg/models"
)

// ErrDataUnavailable историческая загрузка не удалась
var ErrDataUnavailable = errors.New("исторические данные недоступны")

// Source внешний источник исторических свечей
type Source interface {
	// EnsureIngested просит источник загрузить данные и возвращает число свечей
	EnsureIngested(ctx context.Context, symbol string, res models.Resolution, limit int) (int, error)
	// Read читает свечи в любом порядке (от новых к старым или наоборот)
	Read(ctx context.Context, symbol string, res models.Resolution, limit int) ([]models.Candle, error)
}

// Loader загружает ограниченное окно прошлых свечей.
// Одновременные одинаковые запросы схлопываются в один вызов источника.
type Loader struct {
	source  Source
	group   singleflight.Group
	timeout time.Duration
	log     *zap.Logger
}

type LoaderOption func(*Loader)

func WithTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) {
		l.timeout = d
	}
}

func WithLogger(log *zap.Logger) LoaderOption {
	return func(l *Loader) {
		l.log = log
	}
}

func NewLoader(source Source, opts ...LoaderOption) *Loader {
	l := &Loader{
		source:  source,
		timeout: 30 * time.Second,
		log:     logger.Named("history"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load возвращает ряд от старых к новым. Все конкурентные вызовы с одним ключом
// и лимитом получают один и тот же *Series или одну и ту же ошибку.
// Загрузка не зависит от отмены контекста первого вызывающего: отмененный
// вызов возвращается сразу, а присоединившиеся получают результат.
func (l *Loader) Load(ctx context.Context, key models.SeriesKey, limit int) (*candles.Series, error) {
	flightKey := fmt.Sprintf("%s:%d", key, limit)

	ch := l.group.DoChan(flightKey, func() (interface{}, error) {
		return l.load(context.WithoutCancel(ctx), key, limit)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			l.log.Debug("Загрузка разделена между вызовами", zap.String("key", flightKey))
		}
		return res.Val.(*candles.Series), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", ErrDataUnavailable, key, ctx.Err())
	}
}

func (l *Loader) load(ctx context.Context, key models.SeriesKey, limit int) (*candles.Series, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	started := time.Now()

	count, err := l.source.EnsureIngested(ctx, key.Symbol, key.Resolution, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: загрузка %s (limit %d): %v", ErrDataUnavailable, key, limit, err)
	}

	bars, err := l.source.Read(ctx, key.Symbol, key.Resolution, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: чтение %s (limit %d): %v", ErrDataUnavailable, key, limit, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: пустой ответ для %s", ErrDataUnavailable, key)
	}

	series := candles.NewSeries(key, bars)

	l.log.Info("Исторические свечи загружены",
		zap.String("key", key.String()),
		zap.Int("ingested", count),
		zap.Int("bars", series.Len()),
		zap.Duration("took", time.Since(started)))

	return series, nil
}
