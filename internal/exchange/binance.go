package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/skalibog/marketsync/internal/config"
	"github.com/skalibog/marketsync/pkg/models"
)

// maxKlinesPerRequest ограничение Binance на одну страницу свечей
const maxKlinesPerRequest = 1000

// BinanceClient клиент для взаимодействия с Binance
type BinanceClient struct {
	futures *futures.Client
}

// NewBinanceClient создает новый клиент Binance
func NewBinanceClient(cfg config.BinanceConfig) (*BinanceClient, error) {
	// Флаг testnet читается пакетом futures при создании клиента
	futures.UseTestnet = cfg.Testnet
	futuresClient := futures.NewClient(cfg.APIKey, cfg.APISecret)

	return &BinanceClient{
		futures: futuresClient,
	}, nil
}

// StreamURL адрес потокового фида для выбранной сети
func StreamURL(testnet bool) string {
	if testnet {
		return "wss://stream.binancefuture.com/ws"
	}
	return "wss://fstream.binance.com/ws"
}

// GetKlines получает limit последних свечей, листая страницы назад по EndTime.
// Результат упорядочен от старых к новым.
func (c *BinanceClient) GetKlines(ctx context.Context, symbol string, res models.Resolution, limit int) ([]models.Candle, error) {
	var pages [][]models.Candle
	total := 0
	var endTime int64

	for total < limit {
		pageSize := min(limit-total, maxKlinesPerRequest)
		svc := c.futures.NewKlinesService().
			Symbol(symbol).
			Interval(string(res)).
			Limit(pageSize)
		if endTime > 0 {
			svc = svc.EndTime(endTime)
		}

		klines, err := svc.Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("ошибка получения свечей: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		page := make([]models.Candle, 0, len(klines))
		for _, k := range klines {
			candle, err := convertKline(symbol, res, k)
			if err != nil {
				return nil, err
			}
			page = append(page, candle)
		}
		pages = append(pages, page)
		total += len(page)

		if len(klines) < pageSize {
			break
		}
		endTime = klines[0].OpenTime - 1
	}

	candles := make([]models.Candle, 0, total)
	for i := len(pages) - 1; i >= 0; i-- {
		candles = append(candles, pages[i]...)
	}
	return candles, nil
}

func convertKline(symbol string, res models.Resolution, k *futures.Kline) (models.Candle, error) {
	var p parser
	candle := models.Candle{
		Symbol:    symbol,
		Interval:  string(res),
		OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
		Open:      p.float(k.Open),
		High:      p.float(k.High),
		Low:       p.float(k.Low),
		Close:     p.float(k.Close),
		Volume:    p.float(k.Volume),
		CloseTime: time.UnixMilli(k.CloseTime).UTC(),
	}
	if p.err != nil {
		return models.Candle{}, fmt.Errorf("ошибка разбора свечи %s: %w", symbol, p.err)
	}
	return candle, nil
}

// GetOrderBook получает стакан заявок
func (c *BinanceClient) GetOrderBook(ctx context.Context, symbol string, limit int) (models.OrderBook, error) {
	ob, err := c.futures.NewDepthService().
		Symbol(symbol).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return models.OrderBook{}, fmt.Errorf("ошибка получения стакана: %w", err)
	}

	orderBook := models.OrderBook{
		Symbol:    symbol,
		Timestamp: time.Now(),
		Bids:      make([]models.OrderLevel, 0, len(ob.Bids)),
		Asks:      make([]models.OrderLevel, 0, len(ob.Asks)),
	}

	var p parser
	for _, bid := range ob.Bids {
		orderBook.Bids = append(orderBook.Bids, models.OrderLevel{Price: p.float(bid.Price), Quantity: p.float(bid.Quantity)})
	}
	for _, ask := range ob.Asks {
		orderBook.Asks = append(orderBook.Asks, models.OrderLevel{Price: p.float(ask.Price), Quantity: p.float(ask.Quantity)})
	}
	if p.err != nil {
		return models.OrderBook{}, fmt.Errorf("ошибка разбора уровней стакана %s: %w", symbol, p.err)
	}

	return orderBook, nil
}

// parser запоминает первую ошибку разбора десятичных строк
type parser struct {
	err error
}

func (p *parser) float(s string) float64 {
	if p.err != nil {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		p.err = err
		return 0
	}
	return d.InexactFloat64()
}
