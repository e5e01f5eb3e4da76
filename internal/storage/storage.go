package storage

import (
	"context"
	"time"
)

// MetricRecord сохраняет снимок метрик модуля.
type MetricRecord struct {
	Module  string
	Payload []byte
	TS      time.Time
}

// AuditEvent фиксирует один обработанный запрос.
type AuditEvent struct {
	Source     string    `json:"source"`
	Peer       string    `json:"peer"`
	RequestID  uint32    `json:"request_id"`
	Payload    string    `json:"payload"`
	Reply      string    `json:"reply"`
	Status     string    `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	TS         time.Time `json:"ts"`
}

// AuditQuery задает фильтры выборки аудита.
type AuditQuery struct {
	From   time.Time
	To     time.Time
	Source string
	Peer   string
	Status string
	Limit  int
}

// Store описывает операции хранилища.
type Store interface {
	SaveMetric(ctx context.Context, rec MetricRecord) error
	SaveAudit(ctx context.Context, ev AuditEvent) error
	LatestMetric(ctx context.Context, module string) (MetricRecord, error)
	QueryAudit(ctx context.Context, q AuditQuery) ([]AuditEvent, error)
	Close() error
}
