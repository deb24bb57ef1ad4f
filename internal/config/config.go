package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/skalibog/marketsync/pkg/models"
)

// Config представляет полную конфигурацию приложения
type Config struct {
	Binance BinanceConfig `yaml:"binance"`
	Chart   ChartConfig   `yaml:"chart"`
	Stream  StreamConfig  `yaml:"stream"`
	History HistoryConfig `yaml:"history"`
	Zones   ZonesConfig   `yaml:"zones"`
	Storage StorageConfig `yaml:"storage"`
	UI      UIConfig      `yaml:"ui"`
	Log     LogConfig     `yaml:"log"`
}

// BinanceConfig содержит настройки подключения к Binance
type BinanceConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Testnet   bool   `yaml:"testnet"`
}

// ChartConfig инструменты и резолюция графика
type ChartConfig struct {
	Symbols     []string `yaml:"symbols"`
	Resolution  string   `yaml:"resolution"`
	Resolutions []string `yaml:"resolutions"`
	// PollOnly инструменты без потокового фида, обновляются медленным опросом
	PollOnly []string `yaml:"poll_only"`
}

// StreamConfig настройки потокового фида
type StreamConfig struct {
	// URL пусто - адрес выбирается по флагу testnet
	URL               string        `yaml:"url"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	DialRetryDelay    time.Duration `yaml:"dial_retry_delay"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
}

// HistoryConfig настройки исторической загрузки и кэша
type HistoryConfig struct {
	Limit        int           `yaml:"limit"`
	ReducedLimit int           `yaml:"reduced_limit"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollBars     int           `yaml:"poll_bars"`
}

// ZonesConfig настройки кластеризации стакана
type ZonesConfig struct {
	Depth          int           `yaml:"depth"`
	Interval       time.Duration `yaml:"interval"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	Retention      time.Duration `yaml:"retention"`
	LogSize        int           `yaml:"log_size"`
	ClusterGap     float64       `yaml:"cluster_gap"`
	MinStrength    float64       `yaml:"min_strength"`
	MatchTolerance float64       `yaml:"match_tolerance"`
	ShiftStrength  float64       `yaml:"shift_strength"`
	GrowthRatio    float64       `yaml:"growth_ratio"`
	ShrinkRatio    float64       `yaml:"shrink_ratio"`
	Persist        bool          `yaml:"persist"`
}

// StorageConfig настройки хранения данных
type StorageConfig struct {
	Type         string        `yaml:"type"`
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token"`
	Organization string        `yaml:"organization"`
	Bucket       string        `yaml:"bucket"`
	Lookback     time.Duration `yaml:"lookback"`
}

// UIConfig настройки пользовательского интерфейса
type UIConfig struct {
	RefreshRate int `yaml:"refresh_rate_ms"`
	Bars        int `yaml:"bars"`
	SMAPeriod   int `yaml:"sma_period"`
}

// LogConfig настройки логирования
type LogConfig struct {
	Level    string `yaml:"level"`
	File     string `yaml:"file"`
	JSONFile string `yaml:"json_file"`
	Console  bool   `yaml:"console"`
	Truncate bool   `yaml:"truncate"`
}

// Default возвращает конфигурацию со значениями по умолчанию
func Default() Config {
	return Config{
		Chart: ChartConfig{
			Symbols:     []string{"BTCUSDT"},
			Resolution:  "1h",
			Resolutions: []string{"1m", "15m", "1h", "4h", "1d"},
		},
		Stream: StreamConfig{
			ReconnectDelay:    3 * time.Second,
			MaxReconnectDelay: 3 * time.Second,
			DialRetryDelay:    5 * time.Second,
			HandshakeTimeout:  10 * time.Second,
		},
		History: HistoryConfig{
			Limit:        2000,
			ReducedLimit: 500,
			CacheTTL:     2 * time.Minute,
			FetchTimeout: 30 * time.Second,
			PollInterval: 30 * time.Second,
			PollBars:     3,
		},
		Zones: ZonesConfig{
			Depth:          500,
			Interval:       60 * time.Second,
			SweepInterval:  5 * time.Second,
			Retention:      30 * time.Second,
			LogSize:        20,
			ClusterGap:     0.005,
			MinStrength:    0.25,
			MatchTolerance: 0.005,
			ShiftStrength:  0.4,
			GrowthRatio:    1.3,
			ShrinkRatio:    0.6,
		},
		Storage: StorageConfig{
			Type:     "memory",
			Lookback: 30 * 24 * time.Hour,
		},
		UI: UIConfig{
			RefreshRate: 500,
			Bars:        20,
			SMAPeriod:   20,
		},
		Log: LogConfig{
			Level:    "info",
			File:     "app.log",
			JSONFile: "app.json.log",
			Truncate: true,
		},
	}
}

// Load загружает конфигурацию из файла поверх значений по умолчанию
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла конфигурации: %w", err)
	}
	return Parse(data)
}

// Parse разбирает YAML конфигурацию
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора файла конфигурации: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	for i, s := range c.Chart.Symbols {
		c.Chart.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	for i, s := range c.Chart.PollOnly {
		c.Chart.PollOnly[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if c.Stream.MaxReconnectDelay < c.Stream.ReconnectDelay {
		c.Stream.MaxReconnectDelay = c.Stream.ReconnectDelay
	}
}

// Validate проверяет обязательные поля
func (c *Config) Validate() error {
	if len(c.Chart.Symbols) == 0 {
		return fmt.Errorf("не указаны инструменты графика")
	}
	if !models.Resolution(c.Chart.Resolution).Valid() {
		return fmt.Errorf("неизвестная резолюция графика: %q", c.Chart.Resolution)
	}
	for _, r := range c.Chart.Resolutions {
		if !models.Resolution(r).Valid() {
			return fmt.Errorf("неизвестная резолюция в списке: %q", r)
		}
	}
	if c.History.Limit <= 0 || c.History.ReducedLimit <= 0 || c.History.ReducedLimit > c.History.Limit {
		return fmt.Errorf("некорректные лимиты истории: %d/%d", c.History.Limit, c.History.ReducedLimit)
	}
	if c.Zones.ClusterGap <= 0 || c.Zones.MatchTolerance <= 0 {
		return fmt.Errorf("пороги зон должны быть положительными")
	}
	if c.Storage.Type == "influxdb" && (c.Storage.URL == "" || c.Storage.Bucket == "") {
		return fmt.Errorf("для InfluxDB нужны url и bucket")
	}
	return nil
}

// IsPollOnly сообщает, что инструмент обновляется только опросом
func (c *Config) IsPollOnly(symbol string) bool {
	symbol = strings.ToUpper(symbol)
	for _, s := range c.Chart.PollOnly {
		if s == symbol {
			return true
		}
	}
	return false
}
