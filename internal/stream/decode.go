package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"github.com/skalibog/marketsync/pkg/models"
)

// ErrMalformedMessage сообщение не распознано или содержит некорректные поля
var ErrMalformedMessage = errors.New("некорректное сообщение потока")

const (
	eventKline  = "kline"
	eventTicker = "24hrTicker"
)

// envelope покрывает и сырые события, и обертку combined stream.
// Поле E объявлено явно: иначе encoding/json сопоставит его с "e" без учета регистра.
type envelope struct {
	Stream    string          `json:"stream"`
	Data      json.RawMessage `json:"data"`
	Event     string          `json:"e"`
	EventTime int64           `json:"E"`
}

// Event нормализованное событие: ровно одно из полей заполнено
type Event struct {
	Tick *models.LiveTick
	Bar  *models.LiveBarUpdate
}

// Decode превращает кадр потока в LiveTick или LiveBarUpdate.
// symbols ограничивает допустимые инструменты, пустое множество пропускает все.
func Decode(msg []byte, symbols map[string]struct{}) (Event, error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	payload := msg
	if len(env.Data) > 0 && env.Data[0] == '{' {
		payload = env.Data
		env = envelope{}
		if err := json.Unmarshal(payload, &env); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	}

	switch env.Event {
	case eventKline:
		return decodeKline(payload, symbols)
	case eventTicker:
		return decodeTicker(payload, symbols)
	default:
		return Event{}, fmt.Errorf("%w: неизвестный тип %q", ErrMalformedMessage, env.Event)
	}
}

func decodeKline(payload []byte, symbols map[string]struct{}) (Event, error) {
	var ev binance.WsKlineEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: kline: %v", ErrMalformedMessage, err)
	}
	symbol := strings.ToUpper(ev.Symbol)
	if !known(symbols, symbol) {
		return Event{}, fmt.Errorf("%w: неизвестный инструмент %s", ErrMalformedMessage, symbol)
	}

	k := ev.Kline
	res := models.Resolution(k.Interval)
	if !res.Valid() || k.StartTime <= 0 {
		return Event{}, fmt.Errorf("%w: kline %s без интервала или времени", ErrMalformedMessage, symbol)
	}

	var p parser
	bar := models.LiveBarUpdate{
		Symbol:     symbol,
		Resolution: res,
		OpenTime:   time.UnixMilli(k.StartTime).UTC(),
		Open:       p.float(k.Open),
		High:       p.float(k.High),
		Low:        p.float(k.Low),
		Close:      p.float(k.Close),
		Volume:     p.float(k.Volume),
		IsFinal:    k.IsFinal,
	}
	if p.err != nil {
		return Event{}, fmt.Errorf("%w: kline %s: %v", ErrMalformedMessage, symbol, p.err)
	}
	return Event{Bar: &bar}, nil
}

func decodeTicker(payload []byte, symbols map[string]struct{}) (Event, error) {
	var ev binance.WsMarketStatEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: ticker: %v", ErrMalformedMessage, err)
	}
	symbol := strings.ToUpper(ev.Symbol)
	if !known(symbols, symbol) {
		return Event{}, fmt.Errorf("%w: неизвестный инструмент %s", ErrMalformedMessage, symbol)
	}

	var p parser
	tick := models.LiveTick{
		Symbol:    symbol,
		Price:     p.float(ev.LastPrice),
		High24h:   p.float(ev.HighPrice),
		Low24h:    p.float(ev.LowPrice),
		Volume24h: p.float(ev.BaseVolume),
		ChangePct: p.float(ev.PriceChangePercent),
		EventTime: time.UnixMilli(ev.Time).UTC(),
	}
	if p.err != nil {
		return Event{}, fmt.Errorf("%w: ticker %s: %v", ErrMalformedMessage, symbol, p.err)
	}
	return Event{Tick: &tick}, nil
}

func known(symbols map[string]struct{}, symbol string) bool {
	if symbol == "" {
		return false
	}
	if len(symbols) == 0 {
		return true
	}
	_, ok := symbols[symbol]
	return ok
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
