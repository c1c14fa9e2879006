package taps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/raulfrk/Tappy/internal/models"
	"github.com/raulfrk/Tappy/internal/nag"
	"github.com/raulfrk/Tappy/internal/rrule"
)

// editRetries bounds the optimistic retry loop on concurrent edits.
const editRetries = 3

type TapRepo interface {
	Create(ctx context.Context, tap *models.Tap) error
	GetByID(ctx context.Context, tapID uuid.UUID) (*models.Tap, error)
	ListByOwner(ctx context.Context, ownerID int64) ([]*models.Tap, error)
	UpdateCAS(ctx context.Context, tap *models.Tap, expectedVersion int64) (int64, error)
	CancelCAS(ctx context.Context, tapID uuid.UUID, expectedVersion int64) (int64, error)
}

type OccurrenceRepo interface {
	GetByID(ctx context.Context, occurrenceID uuid.UUID) (*models.Occurrence, error)
	UpdateRecipient(ctx context.Context, occurrenceID uuid.UUID, rs *models.RecipientState) error
	CompleteAll(ctx context.Context, occurrenceID uuid.UUID, completedBy int64) error
}

type Queue interface {
	Enqueue(ctx context.Context, kind models.WakeKind, payload models.WakePayload, runAt time.Time) error
}

// Service owns the tap lifecycle. All schedule mutations go through
// the validity-version CAS; the delay queue is append-only and stale
// events are reconciled by the listener, never deleted here.
type Service struct {
	taps       TapRepo
	occs       OccurrenceRepo
	queue      Queue
	nagDefault time.Duration
	now        func() time.Time
}

// NewService builds the tap service. nagDefault is the nagging
// interval applied to taps that do not set their own; zero falls back
// to the built-in default.
func NewService(taps TapRepo, occs OccurrenceRepo, queue Queue, nagDefault time.Duration) *Service {
	if nagDefault <= 0 {
		nagDefault = nag.DefaultInterval
	}
	return &Service{
		taps:       taps,
		occs:       occs,
		queue:      queue,
		nagDefault: nagDefault,
		now:        time.Now,
	}
}

type CreateInput struct {
	Description    string
	Recipients     []int64
	GroupID        *int
	FireAt         *time.Time
	RecurrenceRule string
	Dtstart        *time.Time
	AckDefault     time.Duration
	NagInterval    time.Duration
}

func (s *Service) CreateTap(ctx context.Context, ownerID int64, in CreateInput) (*models.Tap, error) {
	now := s.now()

	if in.Description == "" {
		return nil, fmt.Errorf("%w: description is required", ErrValidation)
	}
	if len(in.Recipients) == 0 && in.GroupID == nil {
		return nil, fmt.Errorf("%w: at least one recipient or a group is required", ErrValidation)
	}
	if in.AckDefault < 0 || in.NagInterval < 0 {
		return nil, fmt.Errorf("%w: durations must be positive", ErrValidation)
	}
	if in.AckDefault == 0 {
		in.AckDefault = nag.DefaultAckDuration
	}
	if in.NagInterval == 0 {
		in.NagInterval = s.nagDefault
	}

	tap := &models.Tap{
		TapID:          uuid.New(),
		OwnerID:        ownerID,
		Description:    in.Description,
		Recipients:     in.Recipients,
		GroupID:        in.GroupID,
		FireAt:         in.FireAt,
		RecurrenceRule: in.RecurrenceRule,
		Dtstart:        in.Dtstart,
		AckDefault:     in.AckDefault,
		NagInterval:    in.NagInterval,
	}
	if tap.Recipients == nil {
		tap.Recipients = []int64{}
	}

	fire, err := s.nextFire(tap, now)
	if err != nil {
		return nil, err
	}
	tap.NextFireAt = fire

	if err := s.taps.Create(ctx, tap); err != nil {
		return nil, fmt.Errorf("failed to create tap: %w", err)
	}

	if err := s.queue.Enqueue(ctx, models.WakeTapFire, models.WakePayload{
		TapID:   tap.TapID,
		Version: tap.ValidityVersion,
		FireAt:  *fire,
	}, *fire); err != nil {
		return nil, fmt.Errorf("failed to schedule tap: %w", err)
	}

	return tap, nil
}

// Changes holds the editable fields of a tap. Nil pointers leave the
// field untouched.
type Changes struct {
	Description    *string
	Recipients     *[]int64
	GroupID        **int
	FireAt         *time.Time
	RecurrenceRule *string
	Dtstart        *time.Time
	AckDefault     *time.Duration
	NagInterval    *time.Duration
}

// EditTap applies changes and bumps the validity version atomically.
// On a concurrent edit the whole read-modify-write is retried a
// bounded number of times before surfacing ErrConcurrentEdit. The new
// fire time is enqueued under the new version; events enqueued under
// older versions become no-ops at claim time.
func (s *Service) EditTap(ctx context.Context, tapID uuid.UUID, ownerID int64, ch Changes) (int64, error) {
	for attempt := 0; attempt < editRetries; attempt++ {
		tap, err := s.getOwned(ctx, tapID, ownerID)
		if err != nil {
			return 0, err
		}
		if tap.Cancelled {
			return 0, fmt.Errorf("%w: tap is cancelled", ErrValidation)
		}

		applyChanges(tap, ch)
		if tap.Description == "" {
			return 0, fmt.Errorf("%w: description is required", ErrValidation)
		}
		if len(tap.Recipients) == 0 && tap.GroupID == nil {
			return 0, fmt.Errorf("%w: at least one recipient or a group is required", ErrValidation)
		}

		now := s.now()
		fire, err := s.nextFire(tap, now)
		if err != nil {
			return 0, err
		}
		tap.NextFireAt = fire

		newVersion, err := s.taps.UpdateCAS(ctx, tap, tap.ValidityVersion)
		if errors.Is(err, pgx.ErrNoRows) {
			continue // lost the race, re-read and retry
		}
		if err != nil {
			return 0, fmt.Errorf("failed to edit tap: %w", err)
		}

		if err := s.queue.Enqueue(ctx, models.WakeTapFire, models.WakePayload{
			TapID:   tapID,
			Version: newVersion,
			FireAt:  *fire,
		}, *fire); err != nil {
			return 0, fmt.Errorf("failed to reschedule tap: %w", err)
		}
		return newVersion, nil
	}
	return 0, ErrConcurrentEdit
}

// CancelTap flips the cancelled flag and bumps the version. Nothing is
// removed from the queue; pending events for older versions degrade to
// no-ops the next time they are dequeued.
func (s *Service) CancelTap(ctx context.Context, tapID uuid.UUID, ownerID int64) (int64, error) {
	for attempt := 0; attempt < editRetries; attempt++ {
		tap, err := s.getOwned(ctx, tapID, ownerID)
		if err != nil {
			return 0, err
		}
		if tap.Cancelled {
			return tap.ValidityVersion, nil
		}

		newVersion, err := s.taps.CancelCAS(ctx, tapID, tap.ValidityVersion)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to cancel tap: %w", err)
		}
		return newVersion, nil
	}
	return 0, ErrConcurrentEdit
}

func (s *Service) GetTap(ctx context.Context, tapID uuid.UUID) (*models.Tap, error) {
	tap, err := s.taps.GetByID(ctx, tapID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: tap %s", ErrNotFound, tapID)
	}
	if err != nil {
		return nil, err
	}
	return tap, nil
}

func (s *Service) ListTaps(ctx context.Context, ownerID int64) ([]*models.Tap, error) {
	return s.taps.ListByOwner(ctx, ownerID)
}

// Ack suppresses nagging for the recipient until now+d. A zero
// duration means the tap's default ack duration. The expiry wake event
// is tagged with the tap's current version so a later edit invalidates
// it along with the rest of the cadence.
func (s *Service) Ack(ctx context.Context, occurrenceID uuid.UUID, recipientID int64, d time.Duration) error {
	occ, err := s.getOccurrence(ctx, occurrenceID)
	if err != nil {
		return err
	}
	tap, err := s.GetTap(ctx, occ.TapID)
	if err != nil {
		return err
	}
	if d == 0 {
		d = tap.AckDefault
	}

	now := s.now()
	if err := nag.Ack(occ, recipientID, d, now); err != nil {
		return mapNagErr(err)
	}
	if err := s.occs.UpdateRecipient(ctx, occurrenceID, occ.Recipient(recipientID)); err != nil {
		return fmt.Errorf("failed to persist ack: %w", err)
	}

	return s.queue.Enqueue(ctx, models.WakeAckExpiry, models.WakePayload{
		TapID:        tap.TapID,
		Version:      tap.ValidityVersion,
		FireAt:       occ.FireAt,
		OccurrenceID: occurrenceID,
		RecipientID:  recipientID,
	}, now.Add(d))
}

// Snooze defers nagging for one of the fixed snooze durations. Any
// other duration is rejected before any state is touched.
func (s *Service) Snooze(ctx context.Context, occurrenceID uuid.UUID, recipientID int64, d time.Duration) error {
	if !nag.ValidSnooze(d) {
		return nag.ErrInvalidSnooze
	}

	occ, err := s.getOccurrence(ctx, occurrenceID)
	if err != nil {
		return err
	}
	tap, err := s.GetTap(ctx, occ.TapID)
	if err != nil {
		return err
	}

	now := s.now()
	if err := nag.Snooze(occ, recipientID, d, now); err != nil {
		return mapNagErr(err)
	}
	if err := s.occs.UpdateRecipient(ctx, occurrenceID, occ.Recipient(recipientID)); err != nil {
		return fmt.Errorf("failed to persist snooze: %w", err)
	}

	return s.queue.Enqueue(ctx, models.WakeSnoozeResume, models.WakePayload{
		TapID:        tap.TapID,
		Version:      tap.ValidityVersion,
		FireAt:       occ.FireAt,
		OccurrenceID: occurrenceID,
		RecipientID:  recipientID,
	}, now.Add(d))
}

// Complete terminates the occurrence for every recipient. Pending nag
// and expiry events find a completed occurrence and turn into no-ops.
func (s *Service) Complete(ctx context.Context, occurrenceID uuid.UUID, recipientID int64) error {
	occ, err := s.getOccurrence(ctx, occurrenceID)
	if err != nil {
		return err
	}
	if err := nag.Complete(occ, recipientID); err != nil {
		return mapNagErr(err)
	}
	if err := s.occs.CompleteAll(ctx, occurrenceID, recipientID); err != nil {
		return fmt.Errorf("failed to complete occurrence: %w", err)
	}
	return nil
}

func (s *Service) getOwned(ctx context.Context, tapID uuid.UUID, ownerID int64) (*models.Tap, error) {
	tap, err := s.GetTap(ctx, tapID)
	if err != nil {
		return nil, err
	}
	if tap.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: tap belongs to another user", ErrUnauthorized)
	}
	return tap, nil
}

func (s *Service) getOccurrence(ctx context.Context, occurrenceID uuid.UUID) (*models.Occurrence, error) {
	occ, err := s.occs.GetByID(ctx, occurrenceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: occurrence %s", ErrNotFound, occurrenceID)
	}
	if err != nil {
		return nil, err
	}
	return occ, nil
}

// nextFire computes the next fire time for the tap's schedule: the
// explicit fire time if it is still ahead, otherwise the recurrence
// rule's next tick after now.
func (s *Service) nextFire(tap *models.Tap, now time.Time) (*time.Time, error) {
	if tap.FireAt != nil && tap.FireAt.After(now) {
		return tap.FireAt, nil
	}
	if tap.IsRecurring() {
		dtstart := now
		if tap.Dtstart != nil {
			dtstart = *tap.Dtstart
		}
		next, err := rrule.NextAfter(tap.RecurrenceRule, dtstart, now)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		if next == nil {
			return nil, fmt.Errorf("%w: recurrence rule yields no future fire time", ErrValidation)
		}
		return next, nil
	}
	return nil, fmt.Errorf("%w: fire time must be in the future", ErrValidation)
}

func applyChanges(tap *models.Tap, ch Changes) {
	if ch.Description != nil {
		tap.Description = *ch.Description
	}
	if ch.Recipients != nil {
		tap.Recipients = *ch.Recipients
	}
	if ch.GroupID != nil {
		tap.GroupID = *ch.GroupID
	}
	if ch.FireAt != nil {
		tap.FireAt = ch.FireAt
	}
	if ch.RecurrenceRule != nil {
		tap.RecurrenceRule = *ch.RecurrenceRule
	}
	if ch.Dtstart != nil {
		tap.Dtstart = ch.Dtstart
	}
	if ch.AckDefault != nil {
		tap.AckDefault = *ch.AckDefault
	}
	if ch.NagInterval != nil {
		tap.NagInterval = *ch.NagInterval
	}
}

func mapNagErr(err error) error {
	if errors.Is(err, nag.ErrUnknownRecipient) {
		return fmt.Errorf("%w: not a recipient of this occurrence", ErrUnauthorized)
	}
	return err
}
