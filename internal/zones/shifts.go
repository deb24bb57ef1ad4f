package zones

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/skalibog/marketsync/pkg/models"
)

const (
	DefaultLogSize   = 20
	DefaultRetention = 30 * time.Second
)

// Diff классифицирует изменения зон между двумя снимками.
// Зоны считаются одной и той же, если это одна сторона и середины отличаются
// меньше чем на MatchTolerance относительно предыдущей середины.
func Diff(cfg Config, prev, next []models.AccZone, at time.Time) []models.ZoneShift {
	matchedPrev := make([]bool, len(prev))
	matchedNext := make([]int, len(next))
	for i := range matchedNext {
		matchedNext[i] = -1
	}

	// Кандидаты на сопоставление, ближайшие середины сопоставляются первыми
	type pair struct {
		p, n int
		dist float64
	}
	var pairs []pair
	for pi, p := range prev {
		for ni, n := range next {
			if p.Side != n.Side {
				continue
			}
			pm := p.Mid()
			if pm <= 0 {
				continue
			}
			dist := math.Abs(n.Mid()-pm) / pm
			if dist < cfg.MatchTolerance {
				pairs = append(pairs, pair{p: pi, n: ni, dist: dist})
			}
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].dist < pairs[j].dist
	})
	for _, pr := range pairs {
		if matchedPrev[pr.p] || matchedNext[pr.n] >= 0 {
			continue
		}
		matchedPrev[pr.p] = true
		matchedNext[pr.n] = pr.p
	}

	var shifts []models.ZoneShift
	for ni, n := range next {
		pi := matchedNext[ni]
		if pi < 0 {
			if n.Strength > cfg.ShiftStrength {
				shifts = append(shifts, models.ZoneShift{Zone: n, Direction: models.ShiftNew, ObservedAt: at})
			}
			continue
		}
		p := prev[pi]
		switch {
		case n.Volume > p.Volume*cfg.GrowthRatio:
			shifts = append(shifts, models.ZoneShift{Zone: n, Direction: models.ShiftGrowing, ObservedAt: at})
		case n.Volume < p.Volume*cfg.ShrinkRatio:
			shifts = append(shifts, models.ZoneShift{Zone: n, Direction: models.ShiftShrinking, ObservedAt: at})
		}
	}
	for pi, p := range prev {
		if !matchedPrev[pi] && p.Strength > cfg.ShiftStrength {
			shifts = append(shifts, models.ZoneShift{Zone: p, Direction: models.ShiftGone, ObservedAt: at})
		}
	}
	return shifts
}

// Detector хранит предыдущий снимок зон и ограниченный журнал сдвигов
type Detector struct {
	mu        sync.Mutex
	config    Config
	symbol    string
	prev      []models.AccZone
	seen      bool
	log       []models.ZoneShift
	logSize   int
	retention time.Duration
	now       func() time.Time
}

type DetectorOption func(*Detector)

func WithClock(now func() time.Time) DetectorOption {
	return func(d *Detector) {
		d.now = now
	}
}

func WithLogSize(n int) DetectorOption {
	return func(d *Detector) {
		if n > 0 {
			d.logSize = n
		}
	}
}

func WithRetention(r time.Duration) DetectorOption {
	return func(d *Detector) {
		if r > 0 {
			d.retention = r
		}
	}
}

func NewDetector(symbol string, cfg Config, opts ...DetectorOption) *Detector {
	d := &Detector{
		config:    cfg,
		symbol:    symbol,
		logSize:   DefaultLogSize,
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Observe сравнивает новый снимок с предыдущим, дописывает сдвиги в журнал
// и возвращает только что найденные. Первый снимок служит базой и сдвигов не дает.
func (d *Detector) Observe(next []models.AccZone) []models.ZoneShift {
	d.mu.Lock()
	defer d.mu.Unlock()

	snapshot := make([]models.AccZone, len(next))
	copy(snapshot, next)

	if !d.seen {
		d.seen = true
		d.prev = snapshot
		return nil
	}

	shifts := Diff(d.config, d.prev, snapshot, d.now())
	for i := range shifts {
		shifts[i].Symbol = d.symbol
	}
	d.prev = snapshot

	d.log = append(d.log, shifts...)
	if over := len(d.log) - d.logSize; over > 0 {
		d.log = append([]models.ZoneShift(nil), d.log[over:]...)
	}
	return shifts
}

// Sweep удаляет сдвиги старше срока хранения и возвращает число удаленных
func (d *Detector) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := d.now().Add(-d.retention)
	kept := d.log[:0]
	for _, s := range d.log {
		if s.ObservedAt.After(cutoff) {
			kept = append(kept, s)
		}
	}
	removed := len(d.log) - len(kept)
	d.log = kept
	return removed
}

// Recent возвращает копию журнала от старых к новым
func (d *Detector) Recent() []models.ZoneShift {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.ZoneShift, len(d.log))
	copy(out, d.log)
	return out
}

// Zones возвращает копию последнего снимка
func (d *Detector) Zones() []models.AccZone {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.AccZone, len(d.prev))
	copy(out, d.prev)
	return out
}
