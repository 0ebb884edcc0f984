// Package audit implements the gateway's bounded rolling audit log: a
// fixed eight-column schema, a process-wide advisory lock with a bounded
// acquire timeout, and a strict redaction invariant — the appender accepts
// nothing beyond the documented fields, so no handler or caller input can
// ever widen what gets written.
package audit

import (
	"context"
	"sync"
	"time"
)

// Status is the closed set of outcomes an audit entry may record.
type Status string

const (
	StatusOK         Status = "OK"
	StatusAuthFailed Status = "AUTH_FAILED"
	StatusIPBlocked  Status = "IP_BLOCKED"
	StatusBlocked    Status = "BLOCKED"
	StatusError      Status = "ERROR"
	StatusTimeout    Status = "TIMEOUT"
)

// lockTimeout bounds how long an Append waits for the advisory lock before
// dropping the entry silently, so audit logging delays a request by at
// most this long.
const lockTimeout = 5 * time.Second

// Entry is the fixed eight-column tuple. Nothing else may ever be written;
// widening this struct is the one change to this package that needs to be
// treated as a policy decision, not a refactor.
type Entry struct {
	Timestamp        time.Time
	RequestID        string
	ClientIPReported string
	Service          string
	Action           string
	Status           Status
	DurationMs       int64
	ErrorMessage     string
}

// Sink is the storage contract an audit log writes through. Concrete
// storage is deliberately out of the core's concern, per spec.md §6; the
// two implementations here (Memory, Postgres) are just the pluggable ends.
type Sink interface {
	AppendRow(ctx context.Context, e Entry) error
	RowCount(ctx context.Context) (int, error)
	DeleteOldest(ctx context.Context, n int) error
	EnsureHeader(ctx context.Context) error
}

// Log serializes writes to a Sink behind a single process-wide advisory
// lock and enforces the rolling-window bound after every successful
// append.
type Log struct {
	sem     chan struct{}
	sink    Sink
	maxRows func() int

	headerOnce sync.Once
	headerErr  error
}

// New builds a Log over sink. maxRows is read fresh on every append so a
// runtime config.set of LOG_MAX_ROWS takes effect immediately.
func New(sink Sink, maxRows func() int) *Log {
	return &Log{sink: sink, maxRows: maxRows, sem: make(chan struct{}, 1)}
}

// Append never throws: failure to acquire the lock within lockTimeout, or
// any sink error, is swallowed after a best-effort attempt. Audit logging
// never fails the request it describes, and delays it by at most
// lockTimeout while waiting for the lock.
func (l *Log) Append(ctx context.Context, e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.DurationMs < 0 {
		e.DurationMs = 0
	}

	select {
	case l.sem <- struct{}{}:
	case <-time.After(lockTimeout):
		return
	}
	defer func() { <-l.sem }()

	l.headerOnce.Do(func() {
		l.headerErr = l.sink.EnsureHeader(ctx)
	})
	if l.headerErr != nil {
		return
	}

	if err := l.sink.AppendRow(ctx, e); err != nil {
		return
	}

	max := 5000
	if l.maxRows != nil {
		if v := l.maxRows(); v > 0 {
			max = v
		}
	}
	total, err := l.sink.RowCount(ctx)
	if err != nil {
		return
	}
	if total > max {
		_ = l.sink.DeleteOldest(ctx, total-max)
	}
}

// RowCount reports the sink's current row count, for the log.status admin
// action. It takes the same advisory lock as Append so it never observes a
// write half-applied.
func (l *Log) RowCount(ctx context.Context) (int, error) {
	select {
	case l.sem <- struct{}{}:
	case <-time.After(lockTimeout):
		return 0, context.DeadlineExceeded
	}
	defer func() { <-l.sem }()
	return l.sink.RowCount(ctx)
}

// Clear empties the sink, for the log.clear admin action.
func (l *Log) Clear(ctx context.Context) error {
	select {
	case l.sem <- struct{}{}:
	case <-time.After(lockTimeout):
		return context.DeadlineExceeded
	}
	defer func() { <-l.sem }()
	total, err := l.sink.RowCount(ctx)
	if err != nil {
		return err
	}
	return l.sink.DeleteOldest(ctx, total)
}
