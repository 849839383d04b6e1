package models

import (
	"encoding/json"
	"time"
)

// DeadLetterMessage is published for every inbound event that was dropped.
type DeadLetterMessage struct {
	EntityKind string          `json:"entityKind"`
	Operation  string          `json:"operation,omitempty"`
	Reason     string          `json:"reason"`
	Error      string          `json:"error,omitempty"`
	TraceID    string          `json:"traceId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	FailedAt   time.Time       `json:"failedAt"`
}
