package ui

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/marketsync/internal/config"
	"github.com/skalibog/marketsync/internal/stream"
	"github.com/skalibog/marketsync/pkg/models"
)

type fakeController struct {
	mu    sync.Mutex
	shown []models.SeriesKey
}

func (c *fakeController) Show(key models.SeriesKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shown = append(c.shown, key)
}

func newTestUI(t *testing.T) (*TermUI, *fakeController) {
	t.Helper()
	cfg := config.Default()
	cfg.Chart.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	cfg.Chart.Resolution = "1h"
	cfg.Chart.Resolutions = []string{"15m", "1h"}
	cfg.Log.JSONFile = ""
	cfg.UI.Bars = 3
	cfg.UI.SMAPeriod = 2
	ctrl := &fakeController{}
	ui := NewTermUI(cfg)
	ui.SetController(ctrl)
	return ui, ctrl
}

func bars(n int) []models.Candle {
	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.Candle, n)
	for i := range out {
		out[i] = models.Candle{OpenTime: t0.Add(time.Duration(i) * time.Hour), Open: 10, High: 12, Low: 9, Close: float64(10 + i)}
	}
	return out
}

func TestTermUISinkIgnoresOtherKeys(t *testing.T) {
	ui, _ := newTestUI(t)
	key := models.NewSeriesKey("BTCUSDT", "1h")

	ui.OnSeriesReplaced(models.NewSeriesKey("ETHUSDT", "1h"), bars(3))
	assert.Empty(t, ui.bars)

	ui.OnSeriesReplaced(key, bars(10))
	assert.Len(t, ui.bars, 5, "хранятся только бары для таблицы и SMA")

	last := ui.bars[len(ui.bars)-1]
	last.Close = 99
	ui.OnBarUpdated(key, last)
	assert.Equal(t, 99.0, ui.bars[len(ui.bars)-1].Close)

	ui.OnSeriesReplaced(key, nil)
	assert.True(t, ui.empty)
	view := bubbleModel{ui: ui}.View()
	assert.Contains(t, view, "Нет данных")
}

func TestTermUIViewRendersState(t *testing.T) {
	ui, _ := newTestUI(t)
	key := models.NewSeriesKey("BTCUSDT", "1h")

	ui.OnSeriesReplaced(key, bars(4))
	ui.OnTick(models.LiveTick{Symbol: "ETHUSDT", Price: 3412.75, ChangePct: -1.5})
	ui.OnFeedState("klines", stream.StateConnected)
	ui.OnZonesUpdated("BTCUSDT",
		[]models.AccZone{{PriceMin: 100, PriceMax: 101, Volume: 5, Side: models.SideBuy, Strength: 1}},
		[]models.ZoneShift{{Symbol: "BTCUSDT", Direction: models.ShiftNew, Zone: models.AccZone{PriceMin: 100, PriceMax: 101, Side: models.SideBuy}}})

	view := bubbleModel{ui: ui}.View()
	assert.Contains(t, view, "MarketSync - BTCUSDT 1h")
	assert.Contains(t, view, "3412.7500")
	assert.Contains(t, view, "klines: connected")
	assert.Contains(t, view, "SMA2")
	// SMA(2) последних закрытий 12 и 13
	assert.Contains(t, view, "12.5000")
	assert.Contains(t, view, "new")
}

func TestTermUIKeysSwitchChart(t *testing.T) {
	ui, ctrl := newTestUI(t)
	ui.OnZonesUpdated("BTCUSDT", []models.AccZone{{Side: models.SideBuy}}, nil)
	m := bubbleModel{ui: ui}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	require.NotNil(t, cmd)
	cmd()
	assert.Equal(t, models.NewSeriesKey("ETHUSDT", "1h"), ui.Key())
	assert.Nil(t, ui.zones, "зоны прежнего инструмента сброшены")

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	require.NotNil(t, cmd)
	cmd()
	assert.Equal(t, models.NewSeriesKey("ETHUSDT", "15m"), ui.Key())

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Equal(t, []models.SeriesKey{
		models.NewSeriesKey("ETHUSDT", "1h"),
		models.NewSeriesKey("ETHUSDT", "15m"),
	}, ctrl.shown)
}

func TestLoadLogsFromFile(t *testing.T) {
	ui, _ := newTestUI(t)
	ui.logFile = filepath.Join(t.TempDir(), "app.json.log")
	lines := `{"level":"WARN","ts":"01.03.2024 - 10:15:00.000000000Z","msg":"Ошибка опроса","key":"BTCUSDT:1h"}
plain line
`
	require.NoError(t, os.WriteFile(ui.logFile, []byte(lines), 0o644))

	require.NoError(t, ui.loadLogsFromFile())
	require.Len(t, ui.logs, 2)
	assert.Equal(t, "[10:15:00] [WARN] Ошибка опроса (key: BTCUSDT:1h)", ui.logs[0])
	assert.Equal(t, "plain line", ui.logs[1])
}

func TestTermUISwitchCommandsOutOfOrder(t *testing.T) {
	ui, ctrl := newTestUI(t)

	first := ui.nextSymbol()
	second := ui.nextResolution()
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, models.NewSeriesKey("ETHUSDT", "15m"), ui.Key())

	// bubbletea не гарантирует порядок выполнения команд
	second()
	first()

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	require.NotEmpty(t, ctrl.shown)
	assert.Equal(t, ui.Key(), ctrl.shown[len(ctrl.shown)-1], "движок показывает ключ UI")
	assert.Equal(t, []models.SeriesKey{models.NewSeriesKey("ETHUSDT", "15m")}, ctrl.shown)
}

func TestTermUISwitchBackSkipsShow(t *testing.T) {
	ui, ctrl := newTestUI(t)

	there := ui.nextSymbol()
	back := ui.nextSymbol()
	there()
	back()

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Empty(t, ctrl.shown, "исходный график уже открыт")
}
