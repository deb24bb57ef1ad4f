package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/skalibog/marketsync/internal/candles"
	"github.com/skalibog/marketsync/internal/config"
	"github.com/skalibog/marketsync/internal/engine"
	"github.com/skalibog/marketsync/internal/exchange"
	"github.com/skalibog/marketsync/internal/history"
	"github.com/skalibog/marketsync/internal/storage"
	"github.com/skalibog/marketsync/internal/stream"
	"github.com/skalibog/marketsync/internal/ui"
	"github.com/skalibog/marketsync/pkg/logger"
	"github.com/skalibog/marketsync/pkg/models"
)

func main() {
	// Обработка флагов командной строки
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	flag.Parse()

	// Загружаем конфигурацию
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Options{
		Level:    cfg.Log.Level,
		File:     cfg.Log.File,
		JSONFile: cfg.Log.JSONFile,
		Console:  cfg.Log.Console,
		Truncate: cfg.Log.Truncate,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка инициализации логгера: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Конфигурация загружена",
		zap.String("path", *configPath),
		zap.Strings("symbols", cfg.Chart.Symbols),
		zap.String("resolution", cfg.Chart.Resolution))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Инициализируем хранилище
	store, err := storage.New(cfg.Storage)
	if err != nil {
		logger.Fatal("Ошибка инициализации хранилища", zap.Error(err))
	}
	defer store.Close()

	// Инициализируем клиент биржи
	client, err := exchange.NewBinanceClient(cfg.Binance)
	if err != nil {
		logger.Fatal("Ошибка инициализации клиента биржи", zap.Error(err))
	}

	loader := history.NewLoader(exchange.NewIngestor(client, store), history.WithTimeout(cfg.History.FetchTimeout))
	provider := history.NewProvider(history.ProviderConfig{
		Limit:        cfg.History.Limit,
		ReducedLimit: cfg.History.ReducedLimit,
		TTL:          cfg.History.CacheTTL,
	}, candles.NewCache(), loader)

	if cfg.Stream.URL == "" {
		cfg.Stream.URL = exchange.StreamURL(cfg.Binance.Testnet)
	}

	termUI := ui.NewTermUI(*cfg)
	eng := engine.New(*cfg, engine.Deps{
		Provider: provider,
		Books:    client,
		Store:    store,
		Dialer:   stream.NewWebsocketDialer(cfg.Stream.HandshakeTimeout),
		Sink:     termUI,
	})
	termUI.SetController(eng)

	// Прогрев кэша: первый график открывается без ожидания
	warmUp(ctx, provider, cfg)

	// Настраиваем обработку сигналов завершения
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Завершение работы по сигналу")
		cancel()
		eng.Close()
		logger.Sync()
		os.Exit(0)
	}()

	eng.StartTicker()
	eng.Show(termUI.Key())

	// Запускаем UI в основном потоке (блокирующий вызов)
	if err := termUI.Start(); err != nil {
		logger.Error("Ошибка UI", zap.Error(err))
	}
	eng.Close()
}

// warmUp загружает историю по всем инструментам в резолюции по умолчанию
func warmUp(ctx context.Context, provider *history.Provider, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(ctx, cfg.History.FetchTimeout)
	defer cancel()

	started := time.Now()
	var wg sync.WaitGroup
	for _, symbol := range cfg.Chart.Symbols {
		key := models.NewSeriesKey(symbol, models.Resolution(cfg.Chart.Resolution))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := provider.Refresh(ctx, key); err != nil {
				logger.Warn("Прогрев кэша не удался", zap.String("key", key.String()), zap.Error(err))
			}
		}()
	}
	wg.Wait()
	logger.Info("Прогрев кэша завершен", zap.Duration("took", time.Since(started)))
}
