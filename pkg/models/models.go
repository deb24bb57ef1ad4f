package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Resolution длительность бакета свечи в нотации биржи (1m, 1h, 1d ...)
type Resolution string

// Duration конвертирует строковый интервал в duration
func (r Resolution) Duration() time.Duration {
	switch r {
	case "1m":
		return time.Minute
	case "3m":
		return 3 * time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "30m":
		return 30 * time.Minute
	case "1h":
		return time.Hour
	case "2h":
		return 2 * time.Hour
	case "4h":
		return 4 * time.Hour
	case "6h":
		return 6 * time.Hour
	case "8h":
		return 8 * time.Hour
	case "12h":
		return 12 * time.Hour
	case "1d":
		return 24 * time.Hour
	case "3d":
		return 72 * time.Hour
	case "1w":
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// Valid сообщает, известна ли резолюция
func (r Resolution) Valid() bool {
	return r.Duration() > 0
}

// SeriesKey идентифицирует ряд свечей
type SeriesKey struct {
	Symbol     string
	Resolution Resolution
}

// NewSeriesKey нормализует символ к верхнему регистру
func NewSeriesKey(symbol string, res Resolution) SeriesKey {
	return SeriesKey{Symbol: strings.ToUpper(symbol), Resolution: res}
}

func (k SeriesKey) String() string {
	return fmt.Sprintf("%s:%s", k.Symbol, k.Resolution)
}

// Candle представляет свечу. OpenTime - время открытия бакета.
type Candle struct {
	Symbol    string
	Interval  string
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// Valid проверяет инвариант high >= max(open, close), low <= min(open, close)
func (c Candle) Valid() bool {
	return c.High >= math.Max(c.Open, c.Close) && c.Low <= math.Min(c.Open, c.Close)
}

// LiveTick тикер-обновление, не привязанное к свече
type LiveTick struct {
	Symbol    string
	Price     float64
	High24h   float64
	Low24h    float64
	Volume24h float64
	ChangePct float64
	EventTime time.Time
}

// LiveBarUpdate потоковое обновление свечи. IsFinal=false - свеча еще может измениться.
type LiveBarUpdate struct {
	Symbol     string
	Resolution Resolution
	OpenTime   time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	IsFinal    bool
}

func (u LiveBarUpdate) Key() SeriesKey {
	return NewSeriesKey(u.Symbol, u.Resolution)
}

// Candle превращает обновление в свечу ряда
func (u LiveBarUpdate) Candle() Candle {
	return Candle{
		Symbol:    strings.ToUpper(u.Symbol),
		Interval:  string(u.Resolution),
		OpenTime:  u.OpenTime,
		Open:      u.Open,
		High:      u.High,
		Low:       u.Low,
		Close:     u.Close,
		Volume:    u.Volume,
		CloseTime: u.OpenTime.Add(u.Resolution.Duration()),
	}
}

// OrderLevel представляет уровень стакана с численными значениями
type OrderLevel struct {
	Price    float64
	Quantity float64
}

// OrderBook представляет стакан заявок
type OrderBook struct {
	Symbol    string
	Timestamp time.Time
	Bids      []OrderLevel
	Asks      []OrderLevel
}

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// AccZone кластер ликвидности. Strength - объем относительно крупнейшего кластера снимка.
type AccZone struct {
	PriceMin float64
	PriceMax float64
	Volume   float64
	Side     Side
	Strength float64
}

// Mid середина ценового диапазона зоны
func (z AccZone) Mid() float64 {
	return (z.PriceMin + z.PriceMax) / 2
}

type ShiftDirection string

const (
	ShiftNew       ShiftDirection = "new"
	ShiftGrowing   ShiftDirection = "growing"
	ShiftShrinking ShiftDirection = "shrinking"
	ShiftGone      ShiftDirection = "gone"
)

// ZoneShift событие изменения зоны между двумя снимками
type ZoneShift struct {
	Symbol     string
	Zone       AccZone
	Direction  ShiftDirection
	ObservedAt time.Time
}
