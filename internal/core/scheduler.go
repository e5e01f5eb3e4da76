package core

import (
	"context"
	"log/slog"
	"time"
)

// Job описывает задачу, выполняемую на каждом тике.
type Job func(ctx context.Context) error

// Scheduler запускает задачи с фиксированным интервалом.
// Все задачи тика выполняются последовательно в горутине, вызвавшей Start.
type Scheduler struct {
	interval time.Duration
	jobs     []Job
	logger   *slog.Logger
}

// NewScheduler создает scheduler с заданным интервалом.
func NewScheduler(interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{interval: interval, logger: slog.New(slog.DiscardHandler)}
}

// WithLogger задает логгер для ошибок задач.
func (s *Scheduler) WithLogger(l *slog.Logger) *Scheduler {
	if l != nil {
		s.logger = l
	}
	return s
}

// Add добавляет задачу в расписание; задачи выполняются в порядке добавления.
func (s *Scheduler) Add(job Job) {
	s.jobs = append(s.jobs, job)
}

// Interval возвращает период тика.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Start запускает scheduler до отмены контекста.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет все задачи один раз.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			return
		}
		if err := job(ctx); err != nil {
			s.logger.Warn("scheduled job failed", "err", err)
		}
	}
}
