package reconcile

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/marketsync/internal/candles"
	"github.com/skalibog/marketsync/pkg/models"
)

var (
	key = models.NewSeriesKey("BTCUSDT", "1h")
	t0  = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
)

func hour(i int) time.Time {
	return t0.Add(time.Duration(i) * time.Hour)
}

func seed(n int) *candles.Series {
	bars := make([]models.Candle, n)
	for i := range bars {
		bars[i] = models.Candle{Symbol: "BTCUSDT", Interval: "1h", OpenTime: hour(i), Open: 100, High: 110, Low: 90, Close: 105, Volume: 10}
	}
	return candles.NewSeries(key, bars)
}

func update(openTime time.Time, high, low, close, volume float64) models.LiveBarUpdate {
	return models.LiveBarUpdate{
		Symbol: "BTCUSDT", Resolution: "1h", OpenTime: openTime,
		Open: 100, High: high, Low: low, Close: close, Volume: volume,
	}
}

func TestMergeSameBar(t *testing.T) {
	r := New(key)
	s := seed(3)

	out := r.Apply(s, update(hour(2), 120, 95, 118, 42))
	require.Equal(t, ActionMerge, out.Action)

	last, _ := s.Last()
	assert.Equal(t, hour(2), last.OpenTime)
	assert.Equal(t, 120.0, last.High)
	assert.Equal(t, 90.0, last.Low, "low остается минимумом")
	assert.Equal(t, 118.0, last.Close)
	assert.Equal(t, 42.0, last.Volume)
	assert.Equal(t, 100.0, last.Open)
}

func TestMergeIsIdempotent(t *testing.T) {
	r := New(key)
	s := seed(3)
	upd := update(hour(2), 130, 80, 101, 77)

	first := r.Apply(s, upd)
	second := r.Apply(s, upd)

	assert.Equal(t, first.Bar, second.Bar)
	assert.Equal(t, 3, s.Len())
}

func TestMergeWithinProximityWindow(t *testing.T) {
	r := New(key)
	s := seed(3)

	// сдвиг 50 минут < 0.9 * 1h - та же свеча
	out := r.Apply(s, update(hour(2).Add(50*time.Minute), 111, 90, 100, 1))
	assert.Equal(t, ActionMerge, out.Action)
	assert.Equal(t, 3, s.Len())
}

func TestAppendNextBar(t *testing.T) {
	r := New(key)
	s := seed(3)

	out := r.Apply(s, update(hour(3), 101, 99, 100, 5))
	require.Equal(t, ActionAppend, out.Action)
	assert.Equal(t, 4, s.Len())

	last, _ := s.Last()
	assert.Equal(t, hour(3), last.OpenTime)
	assert.Equal(t, hour(4), last.CloseTime)
}

func TestDiscardOlderBar(t *testing.T) {
	r := New(key)
	s := seed(3)

	out := r.Apply(s, update(hour(0), 1, 1, 1, 1))
	assert.Equal(t, ActionDiscard, out.Action)
	assert.Equal(t, 3, s.Len())

	other := update(hour(3), 1, 1, 1, 1)
	other.Symbol = "ETHUSDT"
	assert.Equal(t, ActionDiscard, r.Apply(s, other).Action)
}

func TestGapTriggersSingleResync(t *testing.T) {
	r := New(key)
	s := seed(3)

	resyncs := 0
	for i := 0; i < 5; i++ {
		out := r.Apply(s, update(hour(6).Add(time.Duration(i)*time.Minute), 101, 99, 100, float64(i)))
		if out.Action == ActionResync {
			resyncs++
		} else {
			assert.Equal(t, ActionDeferred, out.Action)
		}
	}

	assert.Equal(t, 1, resyncs)
	assert.True(t, r.Resyncing())
	assert.Equal(t, 3, s.Len(), "обновление не применяется до ресинхронизации")
}

func TestEndResyncReappliesPending(t *testing.T) {
	r := New(key)
	s := seed(3)

	require.Equal(t, ActionResync, r.Apply(s, update(hour(7), 101, 99, 100, 1)).Action)
	require.Equal(t, ActionDeferred, r.Apply(s, update(hour(7), 105, 99, 104, 2)).Action)

	// свежая история заканчивается на hour(6)
	fresh := seed(7)
	s.Replace(fresh.Bars())

	outs := r.EndResync(s, true)
	require.Len(t, outs, 2)
	assert.Equal(t, ActionAppend, outs[0].Action)
	assert.Equal(t, ActionMerge, outs[1].Action)

	last, _ := s.Last()
	assert.Equal(t, hour(7), last.OpenTime)
	assert.Equal(t, 104.0, last.Close)
	assert.False(t, r.Resyncing())
}

func TestEndResyncAfterWindowDropsStaleUpdates(t *testing.T) {
	r := New(key)
	s := seed(3)

	require.Equal(t, ActionResync, r.Apply(s, update(hour(6), 101, 99, 100, 1)).Action)

	// история уже содержит свечи новее отложенного обновления
	s.Replace(seed(10).Bars())
	outs := r.EndResync(s, true)

	assert.Empty(t, outs)
	assert.Equal(t, 10, s.Len())
}

func TestEndResyncFailureKeepsSeries(t *testing.T) {
	r := New(key)
	s := seed(3)
	before := s.Bars()

	require.Equal(t, ActionResync, r.Apply(s, update(hour(9), 101, 99, 100, 1)).Action)
	outs := r.EndResync(s, false)

	assert.Empty(t, outs)
	assert.Equal(t, before, s.Bars())
	assert.False(t, r.Resyncing())

	// новый эпизод разрыва снова запрашивает загрузку
	assert.Equal(t, ActionResync, r.Apply(s, update(hour(10), 101, 99, 100, 1)).Action)
}

func TestApplyPolled(t *testing.T) {
	r := New(key)
	s := seed(3)

	polled := []models.Candle{
		{OpenTime: hour(1), Open: 100, High: 200, Low: 1, Close: 150, Volume: 1},
		{OpenTime: hour(2), Open: 100, High: 115, Low: 90, Close: 112, Volume: 20},
		{OpenTime: hour(3), Open: 112, High: 113, Low: 111, Close: 112, Volume: 3},
	}
	outs := r.ApplyPolled(s, polled)

	require.Len(t, outs, 2)
	assert.Equal(t, ActionMerge, outs[0].Action)
	assert.Equal(t, 115.0, outs[0].Bar.High)
	assert.Equal(t, ActionAppend, outs[1].Action)
	assert.Equal(t, 4, s.Len())

	// повторный опрос без изменений ничего не выдает
	assert.Empty(t, r.ApplyPolled(s, polled[2:]))
}

func TestTimestampsStayStrictlyIncreasing(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	r := New(key)
	s := seed(3)

	for i := 0; i < 500; i++ {
		offset := time.Duration(rng.Intn(8*60)-120) * time.Minute
		upd := update(hour(2+i/4).Add(offset), 120, 80, 100, 1)
		if r.Apply(s, upd).Action == ActionResync {
			r.EndResync(s, rng.Intn(2) == 0)
		}
	}

	bars := s.Bars()
	for i := 1; i < len(bars); i++ {
		require.True(t, bars[i].OpenTime.After(bars[i-1].OpenTime), "индекс %d", i)
	}
}
