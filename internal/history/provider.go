package history

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/skalibog/marketsync/internal/candles"
	"github.com/skalibog/marketsync/pkg/models"
)

// ProviderConfig лимиты исторической загрузки
type ProviderConfig struct {
	Limit        int
	ReducedLimit int
	TTL          time.Duration
}

func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Limit:        2000,
		ReducedLimit: 500,
		TTL:          candles.DefaultTTL,
	}
}

// Provider отдает ряды из кэша и обновляет их через Loader
type Provider struct {
	cfg    ProviderConfig
	cache  *candles.Cache
	loader *Loader
}

func NewProvider(cfg ProviderConfig, cache *candles.Cache, loader *Loader) *Provider {
	def := DefaultProviderConfig()
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.ReducedLimit <= 0 || cfg.ReducedLimit > cfg.Limit {
		cfg.ReducedLimit = min(def.ReducedLimit, cfg.Limit)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	return &Provider{cfg: cfg, cache: cache, loader: loader}
}

func (p *Provider) Cache() *candles.Cache {
	return p.cache
}

// Get возвращает копию ряда. Если ряд есть в кэше, он отдается сразу,
// stale сообщает, что вызывающему стоит запустить фоновое обновление.
// При промахе загрузка выполняется синхронно.
func (p *Provider) Get(ctx context.Context, key models.SeriesKey) (series *candles.Series, stale bool, err error) {
	if e, ok := p.cache.Get(key); ok {
		return e.Series, p.cache.IsStale(key, p.cfg.TTL), nil
	}

	fresh, err := p.Fetch(ctx, key)
	if err != nil {
		return nil, false, err
	}
	p.cache.Put(key, fresh)
	return fresh.Clone(), false, nil
}

// Fetch загружает полное окно, при ошибке повторяет один раз с уменьшенным лимитом.
// Кэш не изменяется.
func (p *Provider) Fetch(ctx context.Context, key models.SeriesKey) (*candles.Series, error) {
	series, err := p.loader.Load(ctx, key, p.cfg.Limit)
	if err == nil {
		return series, nil
	}
	if ctx.Err() != nil || p.cfg.ReducedLimit == p.cfg.Limit {
		return nil, err
	}

	p.loader.log.Warn("Повтор загрузки с уменьшенным лимитом",
		zap.String("key", key.String()),
		zap.Int("limit", p.cfg.ReducedLimit),
		zap.Error(err))

	series, retryErr := p.loader.Load(ctx, key, p.cfg.ReducedLimit)
	if retryErr != nil {
		return nil, errors.Join(err, retryErr)
	}
	return series, nil
}

// Refresh загружает ряд и заменяет запись кэша только при успехе.
// При ошибке прежняя запись остается авторитетной.
func (p *Provider) Refresh(ctx context.Context, key models.SeriesKey) (*candles.Series, error) {
	series, err := p.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	p.cache.Put(key, series)
	return series.Clone(), nil
}

// Recent загружает последние n свечей для медленного опроса
func (p *Provider) Recent(ctx context.Context, key models.SeriesKey, n int) ([]models.Candle, error) {
	series, err := p.loader.Load(ctx, key, n)
	if err != nil {
		return nil, err
	}
	return series.Bars(), nil
}
