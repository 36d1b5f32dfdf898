package types

import "time"

// EventType names a consultation lifecycle event.
type EventType string

// Published event types.
const (
	EventConsultationSaved    EventType = "consultation.saved"
	EventConsultationResolved EventType = "consultation.resolved"
)

// ConsultationEvent is published to the message queue when a consultation
// changes. It never carries consultation text.
type ConsultationEvent struct {
	Type           EventType `json:"type"`
	ConsultationID string    `json:"consultation_id"`
	StudentEmail   string    `json:"student_email"`
	Resolved       bool      `json:"resolved"`
	Tags           []string  `json:"tags,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}
