package storage

import (
	"context"
	"fmt"

	"github.com/skalibog/marketsync/internal/config"
	"github.com/skalibog/marketsync/pkg/models"
)

// Storage хранилище загруженных исторических данных
type Storage interface {
	// Методы для свечей
	SaveCandles(ctx context.Context, candles []models.Candle) error
	// GetCandles возвращает последние limit свечей от новых к старым
	GetCandles(ctx context.Context, symbol string, res models.Resolution, limit int) ([]models.Candle, error)

	// Методы для сдвигов зон ликвидности
	SaveZoneShifts(ctx context.Context, shifts []models.ZoneShift) error

	Close()
}

// New создает хранилище по типу из конфигурации
func New(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "influxdb":
		return NewInfluxDBStorage(cfg)
	default:
		return nil, fmt.Errorf("неизвестный тип хранилища: %s", cfg.Type)
	}
}
