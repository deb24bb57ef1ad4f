package exchange

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/skalibog/marketsync/internal/storage"
	"github.com/skalibog/marketsync/pkg/logger"
	"github.com/skalibog/marketsync/pkg/models"
)

// KlineFetcher источник свечей биржи
type KlineFetcher interface {
	GetKlines(ctx context.Context, symbol string, res models.Resolution, limit int) ([]models.Candle, error)
}

// Ingestor исторический источник: загружает свечи биржи в хранилище и читает их обратно
type Ingestor struct {
	fetcher KlineFetcher
	store   storage.Storage
}

func NewIngestor(fetcher KlineFetcher, store storage.Storage) *Ingestor {
	return &Ingestor{fetcher: fetcher, store: store}
}

// EnsureIngested загружает последние limit свечей в хранилище и возвращает их число
func (i *Ingestor) EnsureIngested(ctx context.Context, symbol string, res models.Resolution, limit int) (int, error) {
	symbol = strings.ToUpper(symbol)
	candles, err := i.fetcher.GetKlines(ctx, symbol, res, limit)
	if err != nil {
		return 0, err
	}
	if err := i.store.SaveCandles(ctx, candles); err != nil {
		return 0, fmt.Errorf("ошибка сохранения свечей %s: %w", symbol, err)
	}

	logger.Debug("Свечи загружены в хранилище",
		zap.String("symbol", symbol),
		zap.String("interval", string(res)),
		zap.Int("count", len(candles)))

	return len(candles), nil
}

// Read читает свечи из хранилища (от новых к старым)
func (i *Ingestor) Read(ctx context.Context, symbol string, res models.Resolution, limit int) ([]models.Candle, error) {
	return i.store.GetCandles(ctx, strings.ToUpper(symbol), res, limit)
}
