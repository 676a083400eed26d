package model

import "time"

// AuditEventType identifies the type of auditable event.
type AuditEventType string

const (
	EventTypeRepositoryDelete AuditEventType = "repository_delete"
	EventTypeCommitDestroy    AuditEventType = "commit_destroy"
	EventTypeVolumeDestroy    AuditEventType = "volume_destroy"
	EventTypeVolumeSetDestroy AuditEventType = "volume_set_destroy"
	EventTypeVolumeSetMark    AuditEventType = "volume_set_mark"
)

// AuditRecord is a single line in the audit log (JSONL format).
type AuditRecord struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  AuditEventType `json:"event_type"`
	Repository string         `json:"repository,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	PrevHash   HashValue      `json:"prev_hash"`
	RecordHash HashValue      `json:"record_hash"`
}
