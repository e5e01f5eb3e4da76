package storage

import "context"

// AuditWriter позволяет использовать Store как приемник аудита.
type AuditWriter interface {
	Write(ctx context.Context, ev AuditEvent) error
}

// AuditReader читает аудит; его использует HTTP-транспорт и CLI.
type AuditReader interface {
	QueryAudit(ctx context.Context, q AuditQuery) ([]AuditEvent, error)
}
