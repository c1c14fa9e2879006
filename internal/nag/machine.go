package nag

import (
	"errors"
	"time"

	"github.com/raulfrk/Tappy/internal/models"
)

// Defaults applied at tap creation when not overridden.
const (
	DefaultInterval    = 5 * time.Minute
	DefaultAckDuration = time.Hour
)

// AllowedSnoozeDurations is the fixed set of snooze lengths. It is not
// configurable per tap or per edit.
var AllowedSnoozeDurations = []time.Duration{
	5 * time.Minute,
	10 * time.Minute,
	15 * time.Minute,
}

var (
	ErrInvalidTransition = errors.New("occurrence already completed")
	ErrInvalidSnooze     = errors.New("snooze duration must be 5, 10 or 15 minutes")
	ErrInvalidAck        = errors.New("ack duration must be positive")
	ErrUnknownRecipient  = errors.New("recipient is not part of this occurrence")
)

// ValidSnooze reports whether d is one of the allowed snooze durations.
func ValidSnooze(d time.Duration) bool {
	for _, allowed := range AllowedSnoozeDurations {
		if d == allowed {
			return true
		}
	}
	return false
}

// Ack suppresses nagging for one recipient until now+d. Valid from any
// non-terminal state; re-acking just moves the expiry forward.
func Ack(occ *models.Occurrence, recipientID int64, d time.Duration, now time.Time) error {
	if occ.Completed {
		return ErrInvalidTransition
	}
	if d <= 0 {
		return ErrInvalidAck
	}
	rs := occ.Recipient(recipientID)
	if rs == nil {
		return ErrUnknownRecipient
	}
	until := now.Add(d)
	rs.State = models.AckStateAcked
	rs.AckedUntil = &until
	rs.SnoozeUntil = nil
	return nil
}

// Snooze defers nagging for one recipient until now+d. The duration
// must come from AllowedSnoozeDurations; anything else is rejected and
// the state is left unchanged.
func Snooze(occ *models.Occurrence, recipientID int64, d time.Duration, now time.Time) error {
	if occ.Completed {
		return ErrInvalidTransition
	}
	if !ValidSnooze(d) {
		return ErrInvalidSnooze
	}
	rs := occ.Recipient(recipientID)
	if rs == nil {
		return ErrUnknownRecipient
	}
	until := now.Add(d)
	rs.State = models.AckStateSnoozed
	rs.SnoozeUntil = &until
	rs.AckedUntil = nil
	return nil
}

// Complete terminates the occurrence. Any one recipient completing
// moves every recipient to completed; remaining nag schedules degrade
// to no-ops once the occurrence is terminal.
func Complete(occ *models.Occurrence, recipientID int64) error {
	if occ.Completed {
		return ErrInvalidTransition
	}
	if occ.Recipient(recipientID) == nil {
		return ErrUnknownRecipient
	}
	for _, rs := range occ.Recipients {
		rs.State = models.AckStateCompleted
		rs.AckedUntil = nil
		rs.SnoozeUntil = nil
	}
	occ.Completed = true
	occ.CompletedBy = &recipientID
	return nil
}

// ExpireAck moves an acked recipient back to unacked once the ack
// window has passed. Returns false if nothing changed, which makes
// duplicate expiry events safe: a recipient who re-acked in the
// meantime has a future AckedUntil and is left alone.
func ExpireAck(occ *models.Occurrence, recipientID int64, now time.Time) bool {
	if occ.Completed {
		return false
	}
	rs := occ.Recipient(recipientID)
	if rs == nil || rs.State != models.AckStateAcked {
		return false
	}
	if rs.AckedUntil != nil && rs.AckedUntil.After(now) {
		return false
	}
	rs.State = models.AckStateUnacked
	rs.AckedUntil = nil
	return true
}

// ResumeSnooze moves a snoozed recipient back to unacked once the
// snooze window has passed. Same idempotency contract as ExpireAck.
func ResumeSnooze(occ *models.Occurrence, recipientID int64, now time.Time) bool {
	if occ.Completed {
		return false
	}
	rs := occ.Recipient(recipientID)
	if rs == nil || rs.State != models.AckStateSnoozed {
		return false
	}
	if rs.SnoozeUntil != nil && rs.SnoozeUntil.After(now) {
		return false
	}
	rs.State = models.AckStateUnacked
	rs.SnoozeUntil = nil
	return true
}

// DueRecipients returns the recipients that should receive the next
// nag broadcast: those currently unacked. Acked and snoozed recipients
// are skipped for this tick and rejoin the cycle when their timers
// expire.
func DueRecipients(occ *models.Occurrence) []int64 {
	var due []int64
	for _, rs := range occ.Recipients {
		if rs.State == models.AckStateUnacked {
			due = append(due, rs.RecipientID)
		}
	}
	return due
}
