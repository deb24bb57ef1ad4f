package reconcile

import (
	"errors"
	"time"

	"github.com/skalibog/marketsync/internal/candles"
	"github.com/skalibog/marketsync/pkg/models"
)

// ErrGapUnrecoverable ресинхронизация после разрыва не удалась
var ErrGapUnrecoverable = errors.New("разрыв ряда не восстановлен")

const (
	sameBarRatio = 0.9
	gapRatio     = 2.0
)

// Action решение по входящему обновлению свечи
type Action int

const (
	ActionDiscard Action = iota
	ActionMerge
	ActionAppend
	// ActionResync найден разрыв, вызывающий должен запустить одну загрузку истории
	ActionResync
	// ActionDeferred обновление поставлено в очередь до окончания ресинхронизации
	ActionDeferred
)

func (a Action) String() string {
	switch a {
	case ActionDiscard:
		return "discard"
	case ActionMerge:
		return "merge"
	case ActionAppend:
		return "append"
	case ActionResync:
		return "resync"
	case ActionDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Outcome результат применения обновления
type Outcome struct {
	Action Action
	Bar    models.Candle
}

// Reconciler сводит живые обновления свечей с хвостом ряда для одной подписки.
// Не потокобезопасен: вызывается из одного управляющего потока сессии.
type Reconciler struct {
	key       models.SeriesKey
	period    time.Duration
	resyncing bool
	pending   []models.LiveBarUpdate
}

func New(key models.SeriesKey) *Reconciler {
	return &Reconciler{key: key, period: key.Resolution.Duration()}
}

func (r *Reconciler) Key() models.SeriesKey {
	return r.key
}

// Resyncing true, пока идет загрузка после разрыва
func (r *Reconciler) Resyncing() bool {
	return r.resyncing
}

// Classify решает судьбу обновления относительно хвоста, не меняя ряд
func (r *Reconciler) Classify(tail models.Candle, upd models.LiveBarUpdate) Action {
	delta := upd.OpenTime.Sub(tail.OpenTime)
	abs := delta
	if abs < 0 {
		abs = -abs
	}

	switch {
	case float64(abs) < sameBarRatio*float64(r.period):
		return ActionMerge
	case float64(delta) > gapRatio*float64(r.period):
		return ActionResync
	case delta > 0:
		return ActionAppend
	default:
		return ActionDiscard
	}
}

// Apply применяет живое обновление к ряду.
// Во время ресинхронизации обновления копятся и применяются в EndResync.
func (r *Reconciler) Apply(s *candles.Series, upd models.LiveBarUpdate) Outcome {
	if upd.Key() != r.key {
		return Outcome{Action: ActionDiscard}
	}
	if r.resyncing {
		r.pending = append(r.pending, upd)
		return Outcome{Action: ActionDeferred}
	}

	out := r.apply(s, upd, false)
	if out.Action == ActionResync {
		r.resyncing = true
		r.pending = append(r.pending, upd)
	}
	return out
}

// EndResync завершает эпизод разрыва. Ряд к этому моменту уже заменен свежими данными.
// При ok=false ряд не трогается, отложенные обновления отбрасываются.
func (r *Reconciler) EndResync(s *candles.Series, ok bool) []Outcome {
	pending := r.pending
	r.pending = nil
	r.resyncing = false
	if !ok {
		return nil
	}

	var outs []Outcome
	for _, upd := range pending {
		out := r.apply(s, upd, true)
		if out.Action != ActionDiscard {
			outs = append(outs, out)
		}
	}
	return outs
}

// apply содержит общее правило. После свежей ресинхронизации повторный разрыв
// не запускает новую загрузку: источник не знает более новых свечей, и бар дописывается.
func (r *Reconciler) apply(s *candles.Series, upd models.LiveBarUpdate, afterResync bool) Outcome {
	incoming := upd.Candle()

	tail, ok := s.Last()
	if !ok {
		if err := s.Append(incoming); err != nil {
			return Outcome{Action: ActionDiscard}
		}
		return Outcome{Action: ActionAppend, Bar: incoming}
	}

	action := r.Classify(tail, upd)
	if action == ActionResync && afterResync {
		action = ActionAppend
	}

	switch action {
	case ActionMerge:
		merged := merge(tail, incoming)
		if err := s.UpdateLast(merged); err != nil {
			return Outcome{Action: ActionDiscard}
		}
		return Outcome{Action: ActionMerge, Bar: merged}
	case ActionAppend:
		if err := s.Append(incoming); err != nil {
			return Outcome{Action: ActionDiscard}
		}
		return Outcome{Action: ActionAppend, Bar: incoming}
	case ActionResync:
		return Outcome{Action: ActionResync}
	default:
		return Outcome{Action: ActionDiscard}
	}
}

// ApplyPolled применяет свечи медленного опроса (от старых к новым).
// "Та же свеча" определяется равенством времени открытия.
func (r *Reconciler) ApplyPolled(s *candles.Series, bars []models.Candle) []Outcome {
	var outs []Outcome
	for _, c := range bars {
		tail, ok := s.Last()
		switch {
		case ok && c.OpenTime.Equal(tail.OpenTime):
			merged := merge(tail, c)
			if merged == tail {
				continue
			}
			if err := s.UpdateLast(merged); err == nil {
				outs = append(outs, Outcome{Action: ActionMerge, Bar: merged})
			}
		case !ok || c.OpenTime.After(tail.OpenTime):
			if err := s.Append(c); err == nil {
				outs = append(outs, Outcome{Action: ActionAppend, Bar: c})
			}
		}
	}
	return outs
}

// merge обновляет хвост: high=max, low=min, close и volume берутся из входящей свечи
func merge(tail, incoming models.Candle) models.Candle {
	out := tail
	out.High = max(tail.High, incoming.High)
	out.Low = min(tail.Low, incoming.Low)
	out.Close = incoming.Close
	out.Volume = incoming.Volume
	return out
}
