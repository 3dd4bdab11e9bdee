package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/feederdispatch/core/opf"
	"github.com/kilianp07/feederdispatch/core/settlement"
)

// Kind distinguishes archived payloads.
type Kind string

const (
	KindDispatch   Kind = "dispatch"
	KindSettlement Kind = "settlement"
)

// Settlement statuses.
const (
	StatusSettled   = "settled"
	StatusViolation = "violation"
)

// Entry is one archived run. Payload holds the JSON encoded opf.Record or
// settlement.Outcome.
type Entry struct {
	Kind      Kind            `json:"kind"`
	RunID     uuid.UUID       `json:"run_id"`
	Label     string          `json:"label,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload"`
}

// Query filters entries. Zero fields match everything.
type Query struct {
	Start  time.Time
	End    time.Time
	RunID  uuid.UUID
	Kind   Kind
	Status string
}

// Match reports whether e satisfies q.
func (q Query) Match(e Entry) bool {
	if !q.Start.IsZero() && e.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && e.Timestamp.After(q.End) {
		return false
	}
	if q.RunID != uuid.Nil && e.RunID != q.RunID {
		return false
	}
	if q.Kind != "" && e.Kind != q.Kind {
		return false
	}
	if q.Status != "" && e.Status != q.Status {
		return false
	}
	return true
}

// Store persists entries and supports querying.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Query(ctx context.Context, q Query) ([]Entry, error)
	Close() error
}

// DispatchEntry wraps a dispatch record.
func DispatchEntry(rec *opf.Record) (Entry, error) {
	if rec == nil {
		return Entry{}, fmt.Errorf("runlog: nil record")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return Entry{}, fmt.Errorf("encode record: %w", err)
	}
	return Entry{
		Kind:      KindDispatch,
		RunID:     rec.RunID,
		Label:     rec.Label,
		Timestamp: rec.Timestamp,
		Status:    rec.Status.String(),
		Payload:   b,
	}, nil
}

// SettlementEntry wraps a settlement outcome. The status is "violation"
// when any bus or line left its limits.
func SettlementEntry(o *settlement.Outcome) (Entry, error) {
	if o == nil {
		return Entry{}, fmt.Errorf("runlog: nil outcome")
	}
	b, err := json.Marshal(o)
	if err != nil {
		return Entry{}, fmt.Errorf("encode outcome: %w", err)
	}
	status := StatusSettled
	if o.VoltageViolations()+o.LineViolations() > 0 {
		status = StatusViolation
	}
	return Entry{
		Kind:      KindSettlement,
		RunID:     o.RunID,
		Label:     o.DispatchID.String(),
		Timestamp: o.Timestamp,
		Status:    status,
		Payload:   b,
	}, nil
}

// Record decodes a dispatch payload.
func (e Entry) Record() (*opf.Record, error) {
	if e.Kind != KindDispatch {
		return nil, fmt.Errorf("runlog: entry %s is %s, not dispatch", e.RunID, e.Kind)
	}
	var rec opf.Record
	if err := json.Unmarshal(e.Payload, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

// Outcome decodes a settlement payload.
func (e Entry) Outcome() (*settlement.Outcome, error) {
	if e.Kind != KindSettlement {
		return nil, fmt.Errorf("runlog: entry %s is %s, not settlement", e.RunID, e.Kind)
	}
	var o settlement.Outcome
	if err := json.Unmarshal(e.Payload, &o); err != nil {
		return nil, fmt.Errorf("decode outcome: %w", err)
	}
	return &o, nil
}
