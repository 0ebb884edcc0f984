package audit

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// sinkDB is the minimal pgx surface the Postgres sink needs, mirroring the
// way the rest of the codebase narrows *pgxpool.Pool down to an interface
// at package boundaries so tests can substitute a fake.
type sinkDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSink durably backs the audit log with a single append-mostly
// table, keyed by an opaque LOG_SINK_ID so more than one gateway instance
// can share a log.
type PostgresSink struct {
	DB     sinkDB
	SinkID string
}

func NewPostgresSink(db sinkDB, sinkID string) *PostgresSink {
	return &PostgresSink{DB: db, SinkID: sinkID}
}

func (s *PostgresSink) EnsureHeader(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_log (
			id SERIAL PRIMARY KEY,
			sink_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			request_id TEXT NOT NULL,
			client_ip_reported TEXT NOT NULL,
			service TEXT NOT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			duration_ms BIGINT NOT NULL,
			error_message TEXT NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `CREATE INDEX IF NOT EXISTS audit_log_sink_idx ON audit_log (sink_id, id)`)
	return err
}

func (s *PostgresSink) AppendRow(ctx context.Context, e Entry) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO audit_log (sink_id, ts, request_id, client_ip_reported, service, action, status, duration_ms, error_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, s.SinkID, e.Timestamp.UTC(), e.RequestID, e.ClientIPReported, e.Service, e.Action, string(e.Status), e.DurationMs, e.ErrorMessage)
	return err
}

func (s *PostgresSink) RowCount(ctx context.Context) (int, error) {
	var n int
	row := s.DB.QueryRow(ctx, `SELECT count(*) FROM audit_log WHERE sink_id = $1`, s.SinkID)
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PostgresSink) DeleteOldest(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := s.DB.Exec(ctx, `
		DELETE FROM audit_log WHERE id IN (
			SELECT id FROM audit_log WHERE sink_id = $1 ORDER BY id ASC LIMIT $2
		)
	`, s.SinkID, n)
	return err
}
