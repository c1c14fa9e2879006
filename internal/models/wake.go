package models

import (
	"time"

	"github.com/google/uuid"
)

// WakeKind identifies why a wake event was scheduled.
type WakeKind string

const (
	WakeTapFire      WakeKind = "TAP_FIRE"
	WakeNagTick      WakeKind = "NAG_TICK"
	WakeAckExpiry    WakeKind = "ACK_EXPIRY"
	WakeSnoozeResume WakeKind = "SNOOZE_RESUME"
)

// Wake event statuses.
const (
	WakeStatusPending = "PENDING"
	WakeStatusRunning = "RUNNING"
	WakeStatusDone    = "DONE"
	WakeStatusFailed  = "FAILED" // dead-lettered
)

// WakePayload is the opaque payload carried by every wake event. The
// version is the tap's validity version captured at enqueue time; the
// listener drops the event if it no longer matches.
type WakePayload struct {
	TapID        uuid.UUID `json:"tap_id"`
	Version      int64     `json:"version"`
	FireAt       time.Time `json:"fire_at"`
	OccurrenceID uuid.UUID `json:"occurrence_id,omitempty"`
	RecipientID  int64     `json:"recipient_id,omitempty"`
}

// WakeEvent is a row in the wake_events delay queue. The queue has no
// cancel or remove operation; superseded events expire into no-ops.
type WakeEvent struct {
	ID          int64      `json:"id"`
	Kind        WakeKind   `json:"kind"`
	Payload     []byte     `json:"payload"`
	RunAt       time.Time  `json:"run_at"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LockedBy    *string    `json:"locked_by"`
	LockedAt    *time.Time `json:"locked_at"`
	LastError   *string    `json:"last_error"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
