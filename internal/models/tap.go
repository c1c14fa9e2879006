package models

import (
	"time"

	"github.com/google/uuid"
)

type Tap struct {
	TapID           uuid.UUID     `json:"tap_id"`
	OwnerID         int64         `json:"owner_id"`
	Description     string        `json:"description"`
	Recipients      []int64       `json:"recipients"`      // explicit destination user ids
	GroupID         *int          `json:"group_id"`        // group target; membership resolved at fire time
	FireAt          *time.Time    `json:"fire_at"`         // one-shot fire time
	RecurrenceRule  string        `json:"recurrence_rule"` // RFC 5545 RRULE, empty for one-shot taps
	Dtstart         *time.Time    `json:"dtstart"`         // first occurrence (for RRULE calculation)
	ValidityVersion int64         `json:"validity_version"`
	AckDefault      time.Duration `json:"ack_default"`
	NagInterval     time.Duration `json:"nag_interval"`
	Cancelled       bool          `json:"cancelled"`
	NextFireAt      *time.Time    `json:"next_fire_at"` // maintained for recovery scans
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// IsRecurring returns true if this tap has a recurrence rule
func (t *Tap) IsRecurring() bool {
	return t.RecurrenceRule != ""
}
