package domain

import (
	"encoding/json"
	"time"
)

// WebhookEvent is one externally delivered event. EventID is the idempotency
// key; its uniqueness constraint in storage is the dedupe mechanism.
type WebhookEvent struct {
	EventID     string
	Type        string
	Payload     json.RawMessage
	ReceivedAt  time.Time
	ProcessedAt *time.Time
}
