package domain

import "time"

// Severity of a structured log event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// LogEvent structured event pushed to an injected sink for operators and status pages.
type LogEvent struct {
	Timestamp   time.Time      `json:"ts"`
	EventType   string         `json:"event_type"`
	Message     string         `json:"message"`
	Severity    Severity       `json:"severity"`
	AccountType AccountType    `json:"account_type,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// NewLogEvent creates a LogEvent stamped with the current UTC time.
func NewLogEvent(eventType string, severity Severity, accountType AccountType, message string, details map[string]any) LogEvent {
	return LogEvent{
		Timestamp:   time.Now().UTC(),
		EventType:   eventType,
		Message:     message,
		Severity:    severity,
		AccountType: accountType,
		Details:     details,
	}
}
