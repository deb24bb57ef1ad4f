package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
binance:
  testnet: true
chart:
  symbols: [btcusdt, " ethusdt "]
  resolution: 15m
  poll_only: [xauusd]
stream:
  reconnect_delay: 2s
history:
  limit: 1000
  cache_ttl: 90s
zones:
  interval: 30s
storage:
  type: influxdb
  url: http://localhost:8086
  bucket: market
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Binance.Testnet)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Chart.Symbols)
	assert.Equal(t, "15m", cfg.Chart.Resolution)
	assert.True(t, cfg.IsPollOnly("XAUUSD"))
	assert.False(t, cfg.IsPollOnly("BTCUSDT"))

	assert.Equal(t, 2*time.Second, cfg.Stream.ReconnectDelay)
	// верхняя граница остается значением по умолчанию
	assert.Equal(t, 3*time.Second, cfg.Stream.MaxReconnectDelay)
	assert.Equal(t, 5*time.Second, cfg.Stream.DialRetryDelay)

	assert.Equal(t, 1000, cfg.History.Limit)
	assert.Equal(t, 500, cfg.History.ReducedLimit)
	assert.Equal(t, 90*time.Second, cfg.History.CacheTTL)

	assert.Equal(t, 30*time.Second, cfg.Zones.Interval)
	assert.Equal(t, 0.005, cfg.Zones.ClusterGap)
	assert.Equal(t, 20, cfg.Zones.LogSize)

	assert.Equal(t, "influxdb", cfg.Storage.Type)
}

func TestParseValidation(t *testing.T) {
	cases := map[string]string{
		"no symbols":     "chart:\n  symbols: []\n",
		"bad resolution": "chart:\n  resolution: 7x\n",
		"bad limits":     "history:\n  limit: 100\n  reduced_limit: 200\n",
		"influx no url":  "storage:\n  type: influxdb\n",
		"broken yaml":    "chart: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
