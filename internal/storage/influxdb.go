// internal/storage/influxdb.go
package storage

import (
	"context"
	"fmt"
	"regexp"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/skalibog/marketsync/internal/config"
	"github.com/skalibog/marketsync/pkg/models"
)

// symbolPattern защищает Flux-запросы от подстановки произвольных строк
var symbolPattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

// InfluxDBStorage реализует интерфейс Storage с использованием InfluxDB
type InfluxDBStorage struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	writeAPI api.WriteAPIBlocking
	org      string
	bucket   string
	lookback time.Duration
}

// NewInfluxDBStorage создает новое хранилище InfluxDB
func NewInfluxDBStorage(cfg config.StorageConfig) (*InfluxDBStorage, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Проверка соединения
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ошибка соединения с InfluxDB: %w", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health)
	}

	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = 30 * 24 * time.Hour
	}

	return &InfluxDBStorage{
		client:   client,
		queryAPI: client.QueryAPI(cfg.Organization),
		writeAPI: client.WriteAPIBlocking(cfg.Organization, cfg.Bucket),
		org:      cfg.Organization,
		bucket:   cfg.Bucket,
		lookback: lookback,
	}, nil
}

// Close закрывает соединение с базой данных
func (s *InfluxDBStorage) Close() {
	s.client.Close()
}

// SaveCandles сохраняет свечи. Точка с тем же временем и тегами перезаписывается,
// поэтому повторная загрузка окна идемпотентна.
func (s *InfluxDBStorage) SaveCandles(ctx context.Context, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(candles))
	for _, candle := range candles {
		points = append(points, influxdb2.NewPoint(
			"candles",
			map[string]string{
				"symbol":   candle.Symbol,
				"interval": candle.Interval,
			},
			map[string]interface{}{
				"open":   candle.Open,
				"high":   candle.High,
				"low":    candle.Low,
				"close":  candle.Close,
				"volume": candle.Volume,
			},
			candle.OpenTime,
		))
	}

	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("ошибка записи свечей: %w", err)
	}
	return nil
}

// GetCandles получает исторические свечи от новых к старым
func (s *InfluxDBStorage) GetCandles(ctx context.Context, symbol string, res models.Resolution, limit int) ([]models.Candle, error) {
	if !symbolPattern.MatchString(symbol) || !res.Valid() {
		return nil, fmt.Errorf("некорректный ключ запроса свечей: %s %s", symbol, res)
	}

	query := candlesQuery(s.bucket, symbol, res, limit, queryWindow(s.lookback, res, limit))

	// Выполняем запрос
	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса свечей: %w", err)
	}
	defer result.Close()

	// Обрабатываем результаты
	var candles []models.Candle
	for result.Next() {
		record := result.Record()

		// Извлекаем поля
		timestamp := record.Time().UTC()
		open, _ := record.ValueByKey("open").(float64)
		high, _ := record.ValueByKey("high").(float64)
		low, _ := record.ValueByKey("low").(float64)
		close, _ := record.ValueByKey("close").(float64)
		volume, _ := record.ValueByKey("volume").(float64)

		candles = append(candles, models.Candle{
			Symbol:    symbol,
			Interval:  string(res),
			OpenTime:  timestamp,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    volume,
			CloseTime: timestamp.Add(res.Duration()),
		})
	}

	// Проверяем на ошибки при обработке результатов
	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}

	return candles, nil
}

// SaveZoneShifts сохраняет сдвиги зон ликвидности
func (s *InfluxDBStorage) SaveZoneShifts(ctx context.Context, shifts []models.ZoneShift) error {
	if len(shifts) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(shifts))
	for _, shift := range shifts {
		points = append(points, influxdb2.NewPoint(
			"zone_shifts",
			map[string]string{
				"symbol":    shift.Symbol,
				"side":      string(shift.Zone.Side),
				"direction": string(shift.Direction),
			},
			map[string]interface{}{
				"price_min": shift.Zone.PriceMin,
				"price_max": shift.Zone.PriceMax,
				"volume":    shift.Zone.Volume,
				"strength":  shift.Zone.Strength,
			},
			shift.ObservedAt,
		))
	}

	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("ошибка записи сдвигов зон: %w", err)
	}
	return nil
}

// candlesQuery Flux-запрос последних limit свечей за окно window
func candlesQuery(bucket, symbol string, res models.Resolution, limit int, window time.Duration) string {
	return fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -%s)
			|> filter(fn: (r) => r._measurement == "candles")
			|> filter(fn: (r) => r.symbol == "%s")
			|> filter(fn: (r) => r.interval == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["_time"], desc: true)
			|> limit(n: %d)
	`, bucket, fluxDuration(window), symbol, res, limit)
}

// queryWindow окно range: не меньше lookback и достаточно для limit свечей
// резолюции плюс текущий период
func queryWindow(lookback time.Duration, res models.Resolution, limit int) time.Duration {
	need := time.Duration(limit+1) * res.Duration()
	return max(lookback, need)
}

// fluxDuration переводит duration в литерал Flux с точностью до секунд
func fluxDuration(d time.Duration) string {
	return fmt.Sprintf("%ds", int64(d/time.Second))
}
