package domain

import "time"

type EventType string

const (
	EventIssue         EventType = "issue"
	EventVerify        EventType = "verify"
	EventBan           EventType = "ban"
	EventHardwareReset EventType = "hardware-reset"
	EventDelete        EventType = "delete"
)

const DefaultLogRetention = 1000

// LogEntry is one audit event. KeyToken is a reference only; the key may have
// been deleted since.
type LogEntry struct {
	ID        int64
	EventID   string
	Timestamp time.Time
	EventType EventType
	KeyToken  *string
	Details   map[string]any
}

func ValidEventType(t EventType) bool {
	switch t {
	case EventIssue, EventVerify, EventBan, EventHardwareReset, EventDelete:
		return true
	}
	return false
}
