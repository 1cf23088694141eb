package model

import "time"

// ViolationRecord is one row of the integrity_violations audit table.
type ViolationRecord struct {
	SessionKey string        `json:"session_key"`
	Type       ViolationType `json:"type"`
	Count      int           `json:"count"`
	Threshold  bool          `json:"threshold_exceeded"`
	Detail     string        `json:"detail,omitempty"`
	RecordedAt int64         `json:"recorded_at"`
}

// SnapshotRecord is a queued test_sessions archive upsert.
type SnapshotRecord struct {
	Session    *TestSession `json:"session"`
	ArchivedAt int64        `json:"archived_at"`
}

// RedeliveryRecord is a queued retry of a pending backend submission.
type RedeliveryRecord struct {
	SessionKey string `json:"session_key"`
	NotBefore  int64  `json:"not_before"`
}

// Due reports whether the retry may run at now.
func (r RedeliveryRecord) Due(now time.Time) bool {
	return now.UnixMilli() >= r.NotBefore
}
