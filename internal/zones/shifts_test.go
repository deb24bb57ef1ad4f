package zones

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/marketsync/pkg/models"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func zone(mid float64, side models.Side, volume, strength float64) models.AccZone {
	return models.AccZone{PriceMin: mid - 0.1, PriceMax: mid + 0.1, Volume: volume, Side: side, Strength: strength}
}

func TestDiffGrowing(t *testing.T) {
	prev := []models.AccZone{zone(100, models.SideBuy, 10, 0.5)}
	next := []models.AccZone{zone(100.02, models.SideBuy, 14, 0.6)}

	shifts := Diff(DefaultConfig(), prev, next, t0)
	require.Len(t, shifts, 1)
	assert.Equal(t, models.ShiftGrowing, shifts[0].Direction)
	assert.Equal(t, 14.0, shifts[0].Zone.Volume)
	assert.Equal(t, t0, shifts[0].ObservedAt)
}

func TestDiffShrinkingAndSteady(t *testing.T) {
	prev := []models.AccZone{
		zone(100, models.SideBuy, 10, 0.5),
		zone(200, models.SideSell, 10, 0.5),
	}
	next := []models.AccZone{
		zone(100.1, models.SideBuy, 5, 0.3),
		zone(200.1, models.SideSell, 12, 0.6), // x1.2 - в пределах порогов
	}

	shifts := Diff(DefaultConfig(), prev, next, t0)
	require.Len(t, shifts, 1)
	assert.Equal(t, models.ShiftShrinking, shifts[0].Direction)
	assert.Equal(t, models.SideBuy, shifts[0].Zone.Side)
}

func TestDiffGone(t *testing.T) {
	strong := Diff(DefaultConfig(), []models.AccZone{zone(100, models.SideBuy, 10, 0.5)}, nil, t0)
	require.Len(t, strong, 1)
	assert.Equal(t, models.ShiftGone, strong[0].Direction)

	weak := Diff(DefaultConfig(), []models.AccZone{zone(100, models.SideBuy, 10, 0.4)}, nil, t0)
	assert.Empty(t, weak)
}

func TestDiffNewRequiresStrength(t *testing.T) {
	next := []models.AccZone{
		zone(100, models.SideBuy, 10, 0.41),
		zone(300, models.SideSell, 10, 0.3),
	}
	shifts := Diff(DefaultConfig(), nil, next, t0)
	require.Len(t, shifts, 1)
	assert.Equal(t, models.ShiftNew, shifts[0].Direction)
	assert.InDelta(t, 100.0, shifts[0].Zone.Mid(), 1e-9)
}

func TestDiffDoesNotMatchAcrossSides(t *testing.T) {
	prev := []models.AccZone{zone(100, models.SideBuy, 10, 0.5)}
	next := []models.AccZone{zone(100, models.SideSell, 10, 0.5)}

	shifts := Diff(DefaultConfig(), prev, next, t0)
	require.Len(t, shifts, 2)
	assert.Equal(t, models.ShiftNew, shifts[0].Direction)
	assert.Equal(t, models.ShiftGone, shifts[1].Direction)
}

func TestDiffMatchesClosestOneToOne(t *testing.T) {
	prev := []models.AccZone{zone(100, models.SideBuy, 10, 0.5)}
	next := []models.AccZone{
		zone(100.3, models.SideBuy, 30, 0.9),
		zone(100.05, models.SideBuy, 10, 0.5),
	}

	shifts := Diff(DefaultConfig(), prev, next, t0)
	// ближайшая зона сопоставлена без изменений, дальняя считается новой
	require.Len(t, shifts, 1)
	assert.Equal(t, models.ShiftNew, shifts[0].Direction)
	assert.Equal(t, 30.0, shifts[0].Zone.Volume)
}

func TestDetectorLogCapAndSweep(t *testing.T) {
	now := t0
	d := NewDetector("BTCUSDT", DefaultConfig(), WithClock(func() time.Time { return now }))

	assert.Empty(t, d.Observe([]models.AccZone{zone(100, models.SideBuy, 10, 0.5)}), "первый снимок - база")

	// каждая итерация дает gone + new
	for i := 1; i <= 15; i++ {
		now = t0.Add(time.Duration(i) * time.Second)
		shifts := d.Observe([]models.AccZone{zone(100*float64(i+1), models.SideBuy, 10, 0.5)})
		require.Len(t, shifts, 2)
		assert.Equal(t, "BTCUSDT", shifts[0].Symbol)
	}

	recent := d.Recent()
	require.Len(t, recent, DefaultLogSize)
	assert.Equal(t, t0.Add(15*time.Second), recent[len(recent)-1].ObservedAt)

	now = t0.Add(40 * time.Second)
	removed := d.Sweep()
	// сохранены только сдвиги моложе 30 секунд: 11с..15с
	assert.Equal(t, DefaultLogSize-10, removed)
	for _, s := range d.Recent() {
		assert.True(t, s.ObservedAt.After(now.Add(-DefaultRetention)))
	}
	assert.Len(t, d.Zones(), 1)
}
