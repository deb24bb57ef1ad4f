package history

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skalibog/marketsync/internal/candles"
	"github.com/skalibog/marketsync/pkg/models"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// fakeSource отдает n свечей от новых к старым, как Flux-запрос с desc сортировкой
type fakeSource struct {
	ensureCalls atomic.Int32
	readCalls   atomic.Int32
	failLimits  map[int]bool
	release     chan struct{}
	started     chan struct{}
	startOnce   sync.Once
}

func (f *fakeSource) EnsureIngested(ctx context.Context, symbol string, res models.Resolution, limit int) (int, error) {
	f.ensureCalls.Add(1)
	if f.started != nil {
		f.startOnce.Do(func() { close(f.started) })
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if f.failLimits[limit] {
		return 0, errors.New("upstream 503")
	}
	return limit, nil
}

func (f *fakeSource) Read(ctx context.Context, symbol string, res models.Resolution, limit int) ([]models.Candle, error) {
	f.readCalls.Add(1)
	out := make([]models.Candle, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		out = append(out, models.Candle{
			Symbol:   symbol,
			Interval: string(res),
			OpenTime: t0.Add(time.Duration(i) * res.Duration()),
			Open:     1, High: 2, Low: 0.5, Close: 1.5,
		})
	}
	return out, nil
}

func TestLoadNormalizesToOldestFirst(t *testing.T) {
	src := &fakeSource{}
	l := NewLoader(src)
	key := models.NewSeriesKey("BTCUSDT", "1h")

	s, err := l.Load(context.Background(), key, 5)
	require.NoError(t, err)

	got := s.Bars()
	require.Len(t, got, 5)
	assert.Equal(t, t0, got[0].OpenTime)
	assert.Equal(t, t0.Add(4*time.Hour), got[4].OpenTime)
	assert.Equal(t, key, s.Key())
}

func TestLoadDeduplicatesConcurrentCallers(t *testing.T) {
	src := &fakeSource{release: make(chan struct{}), started: make(chan struct{})}
	l := NewLoader(src)
	key := models.NewSeriesKey("XAUUSD", "1h")

	const callers = 5
	results := make([]*candles.Series, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := l.Load(context.Background(), key, 2000)
			assert.NoError(t, err)
			results[i] = s
		}(i)
	}

	<-src.started
	// остальные вызовы успевают присоединиться к полету
	time.Sleep(50 * time.Millisecond)
	close(src.release)
	wg.Wait()

	assert.Equal(t, int32(1), src.ensureCalls.Load())
	assert.Equal(t, int32(1), src.readCalls.Load())
	for _, s := range results[1:] {
		assert.Same(t, results[0], s)
	}
}

func TestLoadFailureIsDataUnavailable(t *testing.T) {
	src := &fakeSource{failLimits: map[int]bool{10: true}}
	l := NewLoader(src)

	_, err := l.Load(context.Background(), models.NewSeriesKey("ETHUSDT", "1m"), 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDataUnavailable)
	assert.Equal(t, int32(0), src.readCalls.Load())
}

func TestLoadSurvivesFirstCallerCancel(t *testing.T) {
	src := &fakeSource{release: make(chan struct{}), started: make(chan struct{})}
	l := NewLoader(src, WithTimeout(time.Second))
	key := models.NewSeriesKey("BTCUSDT", "1h")

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := l.Load(firstCtx, key, 10)
		firstErr <- err
	}()
	<-src.started

	second := make(chan *candles.Series, 1)
	go func() {
		s, err := l.Load(context.Background(), key, 10)
		assert.NoError(t, err)
		second <- s
	}()
	// второй вызов успевает присоединиться к полету
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, ErrDataUnavailable)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("отмененный вызов не вернулся")
	}

	close(src.release)
	select {
	case s := <-second:
		require.NotNil(t, s)
		assert.Equal(t, 10, s.Len())
	case <-time.After(time.Second):
		t.Fatal("присоединившийся вызов не получил ряд")
	}
	assert.Equal(t, int32(1), src.ensureCalls.Load())
}
