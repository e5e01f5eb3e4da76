package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"simcmd/internal/storage"
)

// Store реализует storage.Store поверх SQLite.
type Store struct {
	db *sql.DB
}

// Open инициализирует соединение и выполняет миграции.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			module TEXT NOT NULL,
			payload BLOB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_ts ON metrics(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_module_ts ON metrics(module, ts);`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			source TEXT NOT NULL,
			peer TEXT NOT NULL,
			request_id INTEGER NOT NULL,
			payload TEXT NOT NULL,
			reply TEXT NOT NULL,
			status TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_peer_ts ON audit_events(peer, ts);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveMetric сохраняет метрику.
func (s *Store) SaveMetric(ctx context.Context, rec storage.MetricRecord) error {
	ts := rec.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO metrics(module, payload, ts) VALUES(?,?,?)`, rec.Module, rec.Payload, ts)
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// SaveAudit сохраняет событие обработки запроса.
func (s *Store) SaveAudit(ctx context.Context, ev storage.AuditEvent) error {
	ts := ev.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_events(source, peer, request_id, payload, reply, status, duration_ms, ts) VALUES(?,?,?,?,?,?,?,?)`,
		ev.Source, ev.Peer, ev.RequestID, ev.Payload, ev.Reply, ev.Status, ev.DurationMS, ts)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// LatestMetric возвращает последнюю метрику по модулю.
func (s *Store) LatestMetric(ctx context.Context, module string) (storage.MetricRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT module, payload, ts FROM metrics WHERE module = ? ORDER BY ts DESC LIMIT 1`, module)
	var rec storage.MetricRecord
	var ts string
	if err := row.Scan(&rec.Module, &rec.Payload, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MetricRecord{}, fmt.Errorf("latest metric not found: %w", err)
		}
		return storage.MetricRecord{}, fmt.Errorf("query latest metric: %w", err)
	}
	parsedTS, err := parseSQLiteTS(ts)
	if err != nil {
		return storage.MetricRecord{}, fmt.Errorf("parse metric timestamp: %w", err)
	}
	rec.TS = parsedTS
	return rec, nil
}

// QueryAudit возвращает аудит по фильтрам.
func (s *Store) QueryAudit(ctx context.Context, q storage.AuditQuery) ([]storage.AuditEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	from := q.From
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	to := q.To
	if to.IsZero() {
		to = time.Now().UTC()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT source, peer, request_id, payload, reply, status, duration_ms, ts
FROM audit_events
WHERE ts >= ? AND ts <= ?
  AND (? = '' OR source = ?)
  AND (? = '' OR peer = ?)
  AND (? = '' OR status = ?)
ORDER BY ts DESC, id DESC
LIMIT ?`, from, to, q.Source, q.Source, q.Peer, q.Peer, q.Status, q.Status, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	events := make([]storage.AuditEvent, 0, limit)
	for rows.Next() {
		var ev storage.AuditEvent
		var ts string
		if err := rows.Scan(&ev.Source, &ev.Peer, &ev.RequestID, &ev.Payload, &ev.Reply, &ev.Status, &ev.DurationMS, &ts); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		parsedTS, err := parseSQLiteTS(ts)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		ev.TS = parsedTS
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return events, nil
}

func parseSQLiteTS(v string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported sqlite time format: %q", v)
}

// Prune удаляет метрики и аудит старше before и возвращает число удаленных строк.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"metrics", "audit_events"} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE ts < ?`, before.UTC())
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Write реализует storage.AuditWriter.
func (s *Store) Write(ctx context.Context, ev storage.AuditEvent) error {
	return s.SaveAudit(ctx, ev)
}

// Close закрывает соединение.
func (s *Store) Close() error {
	return s.db.Close()
}

// MarshalPayload упрощает сериализацию данных метрик.
func MarshalPayload(data any) ([]byte, error) {
	buf, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return buf, nil
}
