package audit

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestAppendWritesRow(t *testing.T) {
	sink := NewMemorySink()
	log := New(sink, func() int { return 5000 })

	log.Append(context.Background(), Entry{
		RequestID:        "r1",
		ClientIPReported: "203.0.113.5",
		Service:          "mail",
		Action:           "list",
		Status:           StatusOK,
		DurationMs:       12,
	})

	rows := sink.Rows()
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Service != "mail" || rows[0].Action != "list" {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
}

func TestAppendEnforcesRollingBound(t *testing.T) {
	sink := NewMemorySink()
	log := New(sink, func() int { return 10 })

	for i := 0; i < 37; i++ {
		log.Append(context.Background(), Entry{
			RequestID: fmt.Sprintf("r%d", i),
			Service:   "mail",
			Action:    "list",
			Status:    StatusOK,
		})
	}

	rows := sink.Rows()
	if len(rows) != 10 {
		t.Fatalf("expected rolling window of 10, got %d", len(rows))
	}
	if rows[len(rows)-1].RequestID != "r36" {
		t.Fatalf("expected newest row retained, got %q", rows[len(rows)-1].RequestID)
	}
}

func TestAppendNegativeDurationClampedToZero(t *testing.T) {
	sink := NewMemorySink()
	log := New(sink, func() int { return 10 })
	log.Append(context.Background(), Entry{RequestID: "r1", DurationMs: -5})
	rows := sink.Rows()
	if rows[0].DurationMs != 0 {
		t.Fatalf("expected clamped duration 0, got %d", rows[0].DurationMs)
	}
}

func TestAppendDropsSilentlyWhenLockBusy(t *testing.T) {
	sink := NewMemorySink()
	log := New(sink, func() int { return 10 })
	log.sem <- struct{}{} // hold the single slot to simulate a busy writer
	defer func() { <-log.sem }()

	done := make(chan struct{})
	go func() {
		log.Append(context.Background(), Entry{RequestID: "blocked"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(7 * time.Second):
		t.Fatal("Append should give up within the lock timeout, not block forever")
	}
	if len(sink.Rows()) != 0 {
		t.Fatal("expected entry to be dropped when the lock could not be acquired")
	}
}

func TestConcurrentAppendsAreSerialized(t *testing.T) {
	sink := NewMemorySink()
	log := New(sink, func() int { return 1000 })
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func(n int) {
			log.Append(context.Background(), Entry{RequestID: fmt.Sprintf("r%d", n), Status: StatusOK})
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 50; i++ {
		<-done
	}
	if got := len(sink.Rows()); got != 50 {
		t.Fatalf("expected all 50 concurrent appends to land, got %d", got)
	}
}

func TestEntryHasNoParamsOrResultFields(t *testing.T) {
	// The redaction invariant is structural: Entry has no field that could
	// ever carry a request param or a handler result, so there is nothing
	// to leak by construction. This test exists to make that assertion
	// explicit and to fail loudly if someone widens the struct.
	// Positional on purpose: this literal only compiles while Entry has
	// exactly these eight fields in this order.
	e := Entry{time.Time{}, "r1", "203.0.113.5", "mail", "list", StatusOK, 1, ""}
	_ = e
}
