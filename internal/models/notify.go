package models

import "github.com/google/uuid"

// NotifyKind classifies an outbound notification to a recipient.
type NotifyKind string

const (
	NotifyFired         NotifyKind = "fired"
	NotifyReminder      NotifyKind = "reminder"
	NotifyAckExpired    NotifyKind = "ack-expired"
	NotifySnoozeExpired NotifyKind = "snooze-expired"
)

// NotifyEvent is handed to the frontend adapter for actual delivery.
type NotifyEvent struct {
	RecipientID  int64      `json:"recipient_id"`
	TapID        uuid.UUID  `json:"tap_id"`
	OccurrenceID uuid.UUID  `json:"occurrence_id"`
	Kind         NotifyKind `json:"kind"`
	Message      string     `json:"message"`
}
