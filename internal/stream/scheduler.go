package stream

import "time"

// Timer отменяемая отложенная задача
type Timer interface {
	Stop() bool
}

// Scheduler планирует отложенные задачи адаптера
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
