package common

import (
	"sync"
	"time"
)

// RateLimiter реализует sliding-window limit на key вида "source:peer".
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events map[string][]time.Time
}

// NewRateLimiter создает limiter с лимитом событий в окне.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		events: make(map[string][]time.Time),
	}
}

// Allow возвращает true, если запрос укладывается в лимит.
func (l *RateLimiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.trim(key, now)
	if len(kept) >= l.limit {
		return false
	}
	l.events[key] = append(kept, now)
	return true
}

// Remaining возвращает число запросов, доступных key в текущем окне.
func (l *RateLimiter) Remaining(key string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit - len(l.trim(key, now))
}

// Forget удаляет историю key, например после отключения клиента.
func (l *RateLimiter) Forget(key string) {
	l.mu.Lock()
	delete(l.events, key)
	l.mu.Unlock()
}

// Sweep удаляет ключи без событий в окне и возвращает их число.
func (l *RateLimiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key := range l.events {
		if len(l.trim(key, now)) == 0 {
			n++
		}
	}
	return n
}

// Keys возвращает число отслеживаемых ключей.
func (l *RateLimiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// trim отбрасывает события вне окна; пустой key удаляется. Вызывается под mu.
func (l *RateLimiter) trim(key string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	items := l.events[key]
	kept := items[:0]
	for _, ts := range items {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(l.events, key)
		return nil
	}
	l.events[key] = kept
	return kept
}
