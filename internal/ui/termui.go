package ui

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/markcheno/go-talib"
	"go.uber.org/zap"

	"github.com/skalibog/marketsync/internal/config"
	"github.com/skalibog/marketsync/internal/stream"
	"github.com/skalibog/marketsync/pkg/logger"
	"github.com/skalibog/marketsync/pkg/models"
)

// Стили UI
var (
	// Основные цвета
	primaryColor   = lipgloss.Color("#0077cc")
	secondaryColor = lipgloss.Color("#333333")
	errorColor     = lipgloss.Color("#cc3300")
	successColor   = lipgloss.Color("#33cc33")
	warningColor   = lipgloss.Color("#cccc00")

	appStyle = lipgloss.NewStyle().
			Padding(1, 2).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(primaryColor).
			Padding(0, 1)
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(secondaryColor).
			Padding(0, 1)
	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor).
			Padding(0, 1)
	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#999999")).
			Padding(0, 1)
)

const (
	maxLogs        = 50
	logsToShow     = 8
	shiftsToShow   = 10
	logReloadEvery = time.Second
)

// ansiRegex удаляет цвета из уровня логирования
var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// Controller переключает активный график
type Controller interface {
	Show(key models.SeriesKey)
}

// TermUI терминальный график. Получает данные от движка и перерисовывается по таймеру.
type TermUI struct {
	config      config.UIConfig
	ctrl        Controller
	symbols     []string
	resolutions []string
	logFile     string

	mu       sync.RWMutex
	key      models.SeriesKey
	bars     []models.Candle
	empty    bool
	zones    []models.AccZone
	shifts   []models.ZoneShift
	ticks    map[string]models.LiveTick
	states   map[string]stream.State
	logs     []string
	loadedAt time.Time

	// switchMu упорядочивает вызовы Show, shown последний переданный движку ключ
	switchMu sync.Mutex
	shown    models.SeriesKey

	program *tea.Program
}

// Сообщения для обновления UI
type refreshMsg time.Time

// bubbleModel модель для bubbletea
type bubbleModel struct {
	ui *TermUI
}

func NewTermUI(cfg config.Config) *TermUI {
	resolutions := cfg.Chart.Resolutions
	if len(resolutions) == 0 {
		resolutions = []string{cfg.Chart.Resolution}
	}
	key := models.NewSeriesKey(cfg.Chart.Symbols[0], models.Resolution(cfg.Chart.Resolution))
	return &TermUI{
		config:      cfg.UI,
		symbols:     cfg.Chart.Symbols,
		resolutions: resolutions,
		logFile:     cfg.Log.JSONFile,
		key:         key,
		shown:       key,
		ticks:       make(map[string]models.LiveTick),
		states:      make(map[string]stream.State),
		logs:        []string{"MarketSync запущен. Ожидание данных..."},
	}
}

// SetController задает получателя переключений графика. Вызывается до Start.
func (ui *TermUI) SetController(ctrl Controller) {
	ui.ctrl = ctrl
}

// Key текущий ключ графика
func (ui *TermUI) Key() models.SeriesKey {
	ui.mu.RLock()
	defer ui.mu.RUnlock()
	return ui.key
}

// Start запускает UI (блокирующий вызов)
func (ui *TermUI) Start() error {
	ui.program = tea.NewProgram(bubbleModel{ui: ui}, tea.WithAltScreen())
	if _, err := ui.program.Run(); err != nil {
		return fmt.Errorf("ошибка запуска UI: %w", err)
	}
	return nil
}

func (ui *TermUI) OnSeriesReplaced(key models.SeriesKey, bars []models.Candle) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	if key != ui.key {
		return
	}
	ui.bars = bars
	ui.empty = len(bars) == 0
	ui.trimLocked()
}

func (ui *TermUI) OnBarAppended(key models.SeriesKey, bar models.Candle) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	if key != ui.key {
		return
	}
	ui.bars = append(ui.bars, bar)
	ui.empty = false
	ui.trimLocked()
}

func (ui *TermUI) OnBarUpdated(key models.SeriesKey, bar models.Candle) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	if key != ui.key || len(ui.bars) == 0 {
		return
	}
	ui.bars[len(ui.bars)-1] = bar
}

func (ui *TermUI) OnZonesUpdated(symbol string, zones []models.AccZone, shifts []models.ZoneShift) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	if symbol != ui.key.Symbol {
		return
	}
	ui.zones = zones
	ui.shifts = shifts
}

func (ui *TermUI) OnTick(tick models.LiveTick) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	ui.ticks[tick.Symbol] = tick
}

// OnFeedState вызывается под мьютексом адаптера, только запоминает состояние
func (ui *TermUI) OnFeedState(feed string, state stream.State) {
	ui.mu.Lock()
	defer ui.mu.Unlock()
	ui.states[feed] = state
}

// trimLocked держит в памяти только бары, нужные для таблицы и SMA
func (ui *TermUI) trimLocked() {
	keep := ui.config.Bars + ui.config.SMAPeriod
	if keep > 0 && len(ui.bars) > keep {
		ui.bars = append([]models.Candle(nil), ui.bars[len(ui.bars)-keep:]...)
	}
}

// switchTo меняет ключ графика и сбрасывает данные прежнего
func (ui *TermUI) switchTo(key models.SeriesKey) tea.Cmd {
	ui.mu.Lock()
	if key == ui.key {
		ui.mu.Unlock()
		return nil
	}
	if key.Symbol != ui.key.Symbol {
		ui.zones = nil
		ui.shifts = nil
	}
	ui.key = key
	ui.bars = nil
	ui.empty = false
	ui.mu.Unlock()

	logger.Info("Переключение графика", zap.String("key", key.String()))
	// Show закрывает прежнюю сессию синхронно, поэтому вызывается вне Update.
	// Команды bubbletea выполняются в произвольном порядке, движку уходит
	// ключ на момент выполнения.
	return ui.syncController
}

// syncController передает движку текущий ключ, если он еще не показан
func (ui *TermUI) syncController() tea.Msg {
	ui.switchMu.Lock()
	defer ui.switchMu.Unlock()
	key := ui.Key()
	if key == ui.shown {
		return nil
	}
	ui.ctrl.Show(key)
	ui.shown = key
	return nil
}

func (ui *TermUI) nextSymbol() tea.Cmd {
	key := ui.Key()
	next := ui.symbols[(indexOf(ui.symbols, key.Symbol)+1)%len(ui.symbols)]
	return ui.switchTo(models.NewSeriesKey(next, key.Resolution))
}

func (ui *TermUI) nextResolution() tea.Cmd {
	key := ui.Key()
	next := ui.resolutions[(indexOf(ui.resolutions, string(key.Resolution))+1)%len(ui.resolutions)]
	return ui.switchTo(models.NewSeriesKey(key.Symbol, models.Resolution(next)))
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

// loadLogsFromFile читает хвост JSON лога
func (ui *TermUI) loadLogsFromFile() error {
	if ui.logFile == "" {
		return nil
	}
	file, err := os.Open(ui.logFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var logs []string
	for scanner.Scan() {
		logs = append(logs, formatLogLine(scanner.Text()))
		if len(logs) > maxLogs {
			logs = logs[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	ui.mu.Lock()
	defer ui.mu.Unlock()
	if len(logs) > 0 {
		ui.logs = logs
	}
	return nil
}

// formatLogLine сворачивает JSON запись zap в одну строку
func formatLogLine(line string) string {
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return line
	}

	level, _ := entry["level"].(string)
	ts, _ := entry["ts"].(string)
	msg, _ := entry["msg"].(string)
	level = ansiRegex.ReplaceAllString(level, "")

	timestamp := ""
	if t, err := time.Parse("02.01.2006 - 15:04:05.999999999Z07:00", ts); err == nil {
		timestamp = t.Format("15:04:05")
	}

	keys := make([]string, 0, len(entry))
	for k := range entry {
		if k != "level" && k != "ts" && k != "msg" && k != "caller" && k != "logger" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s", timestamp, level, msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " (%s: %v)", k, entry[k])
	}
	return b.String()
}

func (ui *TermUI) tick() tea.Cmd {
	rate := time.Duration(ui.config.RefreshRate) * time.Millisecond
	if rate <= 0 {
		rate = 500 * time.Millisecond
	}
	return tea.Tick(rate, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

// Методы для bubbletea
func (m bubbleModel) Init() tea.Cmd {
	return m.ui.tick()
}

func (m bubbleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab":
			return m, m.ui.nextSymbol()
		case "r":
			return m, m.ui.nextResolution()
		}

	case refreshMsg:
		now := time.Time(msg)
		if now.Sub(m.ui.loadedAt) >= logReloadEvery {
			m.ui.loadedAt = now
			if err := m.ui.loadLogsFromFile(); err != nil {
				logger.Warn("Ошибка загрузки логов", zap.Error(err))
			}
		}
		return m, m.ui.tick()
	}

	return m, nil
}

func (m bubbleModel) View() string {
	ui := m.ui
	ui.mu.RLock()
	defer ui.mu.RUnlock()

	title := titleStyle.Render(fmt.Sprintf("MarketSync - %s %s", ui.key.Symbol, ui.key.Resolution))
	footer := footerStyle.Render("Клавиши: Tab - инструмент, R - резолюция, Q - выход")

	return appStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			title,
			renderStatus(ui.states),
			renderTicker(ui.symbols, ui.ticks),
			renderChart(ui.bars, ui.empty, ui.config.Bars, ui.config.SMAPeriod),
			renderZones(ui.zones, ui.shifts),
			renderLogs(ui.logs),
			footer,
		),
	)
}

func renderStatus(states map[string]stream.State) string {
	feeds := make([]string, 0, len(states))
	for feed := range states {
		feeds = append(feeds, feed)
	}
	sort.Strings(feeds)

	parts := make([]string, 0, len(feeds))
	for _, feed := range feeds {
		st := states[feed]
		color := warningColor
		switch st {
		case stream.StateConnected:
			color = successColor
		case stream.StateReconnecting, stream.StateClosed:
			color = errorColor
		}
		parts = append(parts, lipgloss.NewStyle().Foreground(color).Render(feed+": "+st.String()))
	}
	if len(parts) == 0 {
		return footerStyle.Render("потоки не подключены")
	}
	return strings.Join(parts, "  ")
}

func renderTicker(symbols []string, ticks map[string]models.LiveTick) string {
	var content strings.Builder
	for _, symbol := range symbols {
		t, ok := ticks[symbol]
		if !ok {
			fmt.Fprintf(&content, "  %-10s -\n", symbol)
			continue
		}
		color := successColor
		if t.ChangePct < 0 {
			color = errorColor
		}
		change := lipgloss.NewStyle().Foreground(color).Render(fmt.Sprintf("%+.2f%%", t.ChangePct))
		fmt.Fprintf(&content, "  %-10s %12.4f %s  H %.4f  L %.4f\n", symbol, t.Price, change, t.High24h, t.Low24h)
	}
	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render("ТИКЕР"), content.String()))
}

func renderChart(bars []models.Candle, empty bool, rows, smaPeriod int) string {
	var content strings.Builder
	switch {
	case empty:
		content.WriteString("  Нет данных для этого инструмента\n")
	case len(bars) == 0:
		content.WriteString("  Загрузка истории...\n")
	default:
		sma := smaSeries(bars, smaPeriod)
		start := max(0, len(bars)-rows)
		fmt.Fprintf(&content, "  %-16s %12s %12s %12s %12s %14s %12s\n", "Время", "Open", "High", "Low", "Close", "Volume", fmt.Sprintf("SMA%d", smaPeriod))
		for i := start; i < len(bars); i++ {
			b := bars[i]
			smaText := "-"
			if sma != nil && sma[i] != 0 {
				smaText = fmt.Sprintf("%.4f", sma[i])
			}
			line := fmt.Sprintf("  %-16s %12.4f %12.4f %12.4f %12.4f %14.3f %12s",
				b.OpenTime.Local().Format("02.01 15:04"), b.Open, b.High, b.Low, b.Close, b.Volume, smaText)
			if b.Close < b.Open {
				line = lipgloss.NewStyle().Foreground(errorColor).Render(line)
			} else {
				line = lipgloss.NewStyle().Foreground(successColor).Render(line)
			}
			content.WriteString(line + "\n")
		}
	}
	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render("СВЕЧИ"), content.String()))
}

// smaSeries SMA по ценам закрытия; nil, если баров меньше периода
func smaSeries(bars []models.Candle, period int) []float64 {
	if period < 2 || len(bars) < period {
		return nil
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	return talib.Sma(closes, period)
}

func renderZones(zones []models.AccZone, shifts []models.ZoneShift) string {
	var content strings.Builder
	if len(zones) == 0 {
		content.WriteString("  Зон нет\n")
	}
	for _, z := range zones {
		color := successColor
		if z.Side == models.SideSell {
			color = errorColor
		}
		side := lipgloss.NewStyle().Foreground(color).Render(fmt.Sprintf("%-4s", z.Side))
		fmt.Fprintf(&content, "  %s %.4f - %.4f  объем %.3f  сила %.2f\n", side, z.PriceMin, z.PriceMax, z.Volume, z.Strength)
	}

	if len(shifts) > 0 {
		content.WriteString("  Сдвиги:\n")
	}
	start := max(0, len(shifts)-shiftsToShow)
	for i := len(shifts) - 1; i >= start; i-- {
		s := shifts[i]
		fmt.Fprintf(&content, "  %s %-9s %s %.4f\n", s.ObservedAt.Local().Format("15:04:05"), s.Direction, s.Zone.Side, s.Zone.Mid())
	}
	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render("ЗОНЫ ЛИКВИДНОСТИ"), content.String()))
}

func renderLogs(logs []string) string {
	var content strings.Builder
	start := max(0, len(logs)-logsToShow)
	for _, line := range logs[start:] {
		// Выделение по уровню логирования
		switch {
		case strings.Contains(line, "[ERROR]"):
			line = lipgloss.NewStyle().Foreground(errorColor).Render(line)
		case strings.Contains(line, "[WARN]"):
			line = lipgloss.NewStyle().Foreground(warningColor).Render(line)
		case strings.Contains(line, "[DEBUG]"):
			line = lipgloss.NewStyle().Foreground(lipgloss.Color("#9999ff")).Render(line)
		}
		content.WriteString("  " + line + "\n")
	}
	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render("ЛОГИ"), content.String()))
}
