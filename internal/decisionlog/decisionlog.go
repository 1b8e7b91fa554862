// Package decisionlog holds the append-only record of everything the
// agent decided and did: per-session phase records, and a cross-session
// ledger of terminal summaries consumed by performance-history
// introspection. No entry is ever mutated or deleted.
package decisionlog

import (
	"context"
	"sync"
	"time"

	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/capability"
)

// Record is one phase transition: what phase ran, why, and which
// capability invocations it performed. Immutable once appended.
type Record struct {
	SessionID   string                   `json:"session_id"`
	Seq         int                      `json:"seq"`
	Phase       string                   `json:"phase"`
	Timestamp   time.Time                `json:"timestamp"`
	Rationale   string                   `json:"rationale"`
	Invocations []*capability.Invocation `json:"invocations,omitempty"`
}

// Summary is the terminal entry a finished session leaves in the
// cross-session ledger.
type Summary struct {
	SessionID  string    `json:"session_id"`
	Goal       string    `json:"goal"`
	State      string    `json:"state"` // succeeded|failed|aborted
	Reason     string    `json:"reason"`
	Iterations int       `json:"iterations"`
	ForecastID string    `json:"forecast_id,omitempty"` // candidate that produced the final forecast
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// SessionLog is the per-session append-only phase record sequence. Safe
// for concurrent append.
type SessionLog struct {
	mu      sync.Mutex
	records []Record
}

// Append adds a record, assigning its sequence number.
func (l *SessionLog) Append(rec Record) Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec.Seq = len(l.records)
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	l.records = append(l.records, rec)
	return rec
}

// Records returns a copy of the appended records in order.
func (l *SessionLog) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of appended records.
func (l *SessionLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Ledger is the cross-session append-only store of phase records and
// terminal summaries. Implementations must never mutate or delete an
// entry; a correction is a new entry referencing the corrected one.
type Ledger interface {
	AppendRecord(ctx context.Context, rec Record) error
	AppendSummary(ctx context.Context, s Summary) error
	RecentSummaries(ctx context.Context, limit int) ([]Summary, error)
	SessionRecords(ctx context.Context, sessionID string) ([]Record, error)
}

// MemoryLedger is an in-process Ledger for tests and for running
// without a database.
type MemoryLedger struct {
	mu        sync.Mutex
	records   []Record
	summaries []Summary
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (m *MemoryLedger) AppendRecord(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryLedger) AppendSummary(_ context.Context, s Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, s)
	return nil
}

func (m *MemoryLedger) RecentSummaries(_ context.Context, limit int) ([]Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.summaries) {
		limit = len(m.summaries)
	}
	// Newest first.
	out := make([]Summary, 0, limit)
	for i := len(m.summaries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.summaries[i])
	}
	return out, nil
}

func (m *MemoryLedger) SessionRecords(_ context.Context, sessionID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out, nil
}
