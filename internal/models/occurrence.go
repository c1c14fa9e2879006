package models

import (
	"time"

	"github.com/google/uuid"
)

// AckState is the per-recipient acknowledgement state of an occurrence.
type AckState string

const (
	AckStateUnacked   AckState = "unacked"
	AckStateAcked     AckState = "acked"
	AckStateSnoozed   AckState = "snoozed"
	AckStateCompleted AckState = "completed"
)

type RecipientState struct {
	RecipientID int64      `json:"recipient_id"`
	State       AckState   `json:"state"`
	AckedUntil  *time.Time `json:"acked_until"`
	SnoozeUntil *time.Time `json:"snooze_until"`
}

// Occurrence is one concrete firing of a tap. It is keyed by
// (tap_id, version, fire_at) so duplicate wake event deliveries
// create it at most once.
type Occurrence struct {
	OccurrenceID uuid.UUID         `json:"occurrence_id"`
	TapID        uuid.UUID         `json:"tap_id"`
	Version      int64             `json:"version"` // tap validity version at fire time
	FireAt       time.Time         `json:"fire_at"`
	Completed    bool              `json:"completed"`
	CompletedBy  *int64            `json:"completed_by"`
	Recipients   []*RecipientState `json:"recipients"`
	CreatedAt    time.Time         `json:"created_at"`
}

// NewOccurrence builds an occurrence for the given recipients, all
// starting unacked. Recipients are resolved at fire time, not taken
// from the tap as stored.
func NewOccurrence(tapID uuid.UUID, version int64, fireAt time.Time, recipients []int64) *Occurrence {
	states := make([]*RecipientState, 0, len(recipients))
	for _, id := range recipients {
		states = append(states, &RecipientState{RecipientID: id, State: AckStateUnacked})
	}
	return &Occurrence{
		OccurrenceID: uuid.New(),
		TapID:        tapID,
		Version:      version,
		FireAt:       fireAt,
		Recipients:   states,
	}
}

// Recipient returns the sub-state for the given recipient, or nil if
// the recipient is not part of this occurrence.
func (o *Occurrence) Recipient(id int64) *RecipientState {
	for _, rs := range o.Recipients {
		if rs.RecipientID == id {
			return rs
		}
	}
	return nil
}
