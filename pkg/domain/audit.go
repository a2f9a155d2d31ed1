package domain

import (
	"encoding/json"
	"time"
)

// AuditRef names a record touched by an audited operation.
type AuditRef struct {
	Table    EntityType `json:"table"`
	RecordID string     `json:"record_id"`
	Action   Action     `json:"action"`
}

// AuditLogEntry is an append-only record of one mutating operation. NewValue
// carries the post-state of the primary record; Related lists every other
// record the operation wrote.
type AuditLogEntry struct {
	ID            string          `json:"id"`
	Sequence      int64           `json:"sequence"`
	Operation     string          `json:"operation"`
	Action        Action          `json:"action"`
	Table         EntityType      `json:"table"`
	RecordID      string          `json:"record_id"`
	OldValue      json.RawMessage `json:"old_value,omitempty"`
	NewValue      json.RawMessage `json:"new_value,omitempty"`
	ActorID       string          `json:"actor_id"`
	ActorOrgID    string          `json:"actor_org_id,omitempty"`
	ActorRole     Role            `json:"actor_role,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Related       []AuditRef      `json:"related,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Clone returns a deep copy of the entry.
func (e AuditLogEntry) Clone() AuditLogEntry {
	cp := e
	cp.OldValue = cloneRaw(e.OldValue)
	cp.NewValue = cloneRaw(e.NewValue)
	cp.Related = append([]AuditRef(nil), e.Related...)
	return cp
}

// AuditFilter narrows ListAuditLogs results. Zero values match everything.
type AuditFilter struct {
	Table         EntityType
	RecordID      string
	ActorID       string
	Operation     string
	CorrelationID string
	Since         time.Time
	Until         time.Time
	Limit         int
}

// Matches reports whether entry satisfies the filter, ignoring Limit.
func (f AuditFilter) Matches(entry AuditLogEntry) bool {
	switch {
	case f.Table != "" && entry.Table != f.Table:
		return false
	case f.RecordID != "" && entry.RecordID != f.RecordID && !relatedTo(entry, f.RecordID):
		return false
	case f.ActorID != "" && entry.ActorID != f.ActorID:
		return false
	case f.Operation != "" && entry.Operation != f.Operation:
		return false
	case f.CorrelationID != "" && entry.CorrelationID != f.CorrelationID:
		return false
	case !f.Since.IsZero() && entry.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && entry.Timestamp.After(f.Until):
		return false
	}
	return true
}

func relatedTo(entry AuditLogEntry, recordID string) bool {
	for _, ref := range entry.Related {
		if ref.RecordID == recordID {
			return true
		}
	}
	return false
}

// MarshalAuditValue encodes a record snapshot for an audit entry. Nil yields nil.
func MarshalAuditValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	cloned := make(json.RawMessage, len(raw))
	copy(cloned, raw)
	return cloned
}
