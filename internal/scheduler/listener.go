package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/raulfrk/Tappy/internal/models"
	"github.com/raulfrk/Tappy/internal/nag"
	"github.com/raulfrk/Tappy/internal/rrule"
)

type TapStore interface {
	GetByID(ctx context.Context, tapID uuid.UUID) (*models.Tap, error)
	SetNextFireAt(ctx context.Context, tapID uuid.UUID, nextFireAt *time.Time) error
}

type OccurrenceStore interface {
	CreateIfAbsent(ctx context.Context, occ *models.Occurrence) (bool, error)
	GetByID(ctx context.Context, occurrenceID uuid.UUID) (*models.Occurrence, error)
	UpdateRecipient(ctx context.Context, occurrenceID uuid.UUID, rs *models.RecipientState) error
}

type Queue interface {
	Claim(ctx context.Context, workerID string) (*models.WakeEvent, error)
	MarkDone(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	RetryLater(ctx context.Context, id int64, attempts int, runAt time.Time, errMsg string) error
	Enqueue(ctx context.Context, kind models.WakeKind, payload models.WakePayload, runAt time.Time) error
}

// MemberResolver resolves the recipient set for a tap at fire time.
// Group membership is read at that instant, never cached on the tap.
type MemberResolver interface {
	Resolve(ctx context.Context, tap *models.Tap) ([]int64, error)
}

// Notifier delivers an outbound notification to the frontend adapter.
type Notifier interface {
	Notify(ctx context.Context, ev models.NotifyEvent) error
}

// Listener is one competing consumer of the wake-event queue. Any
// number of listeners can run concurrently; all state lives in the
// store and delivery is at-least-once, so every effect here is
// idempotent. The central move is the version comparison: an event
// whose tagged version no longer matches the tap's current validity
// version is a superseded schedule and is silently dropped.
type Listener struct {
	id           string
	taps         TapStore
	occs         OccurrenceStore
	queue        Queue
	members      MemberResolver
	notifier     Notifier
	pollInterval time.Duration
	now          func() time.Time
}

func NewListener(id string, taps TapStore, occs OccurrenceStore, queue Queue, members MemberResolver, notifier Notifier, pollInterval time.Duration) *Listener {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Listener{
		id:           id,
		taps:         taps,
		occs:         occs,
		queue:        queue,
		members:      members,
		notifier:     notifier,
		pollInterval: pollInterval,
		now:          time.Now,
	}
}

func (l *Listener) Run(ctx context.Context) {
	log.Printf("Listener %s started", l.id)
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Listener %s stopped", l.id)
			return
		case <-ticker.C:
			l.drain(ctx)
		}
	}
}

// drain claims due events until the queue is empty for this tick.
func (l *Listener) drain(ctx context.Context) {
	for {
		ev, err := l.queue.Claim(ctx, l.id)
		if err != nil {
			log.Printf("Listener %s claim error: %v", l.id, err)
			return
		}
		if ev == nil {
			return
		}
		l.handle(ctx, ev)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (l *Listener) handle(ctx context.Context, ev *models.WakeEvent) {
	var p models.WakePayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		// Unreadable payload will never succeed; dead-letter it so a
		// legitimate pending notification is not silently lost.
		log.Printf("Listener %s dead-lettering wake event %d: bad payload: %v", l.id, ev.ID, err)
		l.markFailed(ctx, ev, "bad payload: "+err.Error())
		return
	}

	tap, err := l.taps.GetByID(ctx, p.TapID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Tap deleted; drop without error.
		l.markDone(ctx, ev)
		return
	}
	if err != nil {
		l.retry(ctx, ev, fmt.Sprintf("get tap: %v", err))
		return
	}

	if tap.ValidityVersion != p.Version {
		// Expected steady-state for edited taps, not a failure.
		log.Printf("Listener %s skipping stale wake event %d for tap %s (event version %d, current %d)",
			l.id, ev.ID, tap.TapID, p.Version, tap.ValidityVersion)
		l.markDone(ctx, ev)
		return
	}

	switch ev.Kind {
	case models.WakeTapFire:
		l.fire(ctx, ev, tap, p)
	case models.WakeNagTick:
		l.nagTick(ctx, ev, tap, p)
	case models.WakeAckExpiry:
		l.expire(ctx, ev, p, models.NotifyAckExpired)
	case models.WakeSnoozeResume:
		l.expire(ctx, ev, p, models.NotifySnoozeExpired)
	default:
		l.markFailed(ctx, ev, "unknown wake kind "+string(ev.Kind))
	}
}

// fire creates the occurrence for a due schedule tick, notifies the
// recipients, and starts the nag cadence. Creation is idempotent on
// (tap_id, version, fire_at); a redelivered event finds the occurrence
// already present and becomes a no-op.
func (l *Listener) fire(ctx context.Context, ev *models.WakeEvent, tap *models.Tap, p models.WakePayload) {
	if tap.Cancelled {
		// No orphan occurrence for a dead tap.
		l.markDone(ctx, ev)
		return
	}

	recipients, err := l.members.Resolve(ctx, tap)
	if err != nil {
		l.retry(ctx, ev, fmt.Sprintf("resolve recipients: %v", err))
		return
	}
	if len(recipients) == 0 {
		log.Printf("Listener %s tap %s fired with no recipients", l.id, tap.TapID)
		l.markDone(ctx, ev)
		return
	}

	occ := models.NewOccurrence(tap.TapID, p.Version, p.FireAt, recipients)
	created, err := l.occs.CreateIfAbsent(ctx, occ)
	if err != nil {
		l.retry(ctx, ev, fmt.Sprintf("create occurrence: %v", err))
		return
	}
	if !created {
		// Duplicate delivery; the first processing already notified
		// and scheduled the cadence.
		log.Printf("Listener %s duplicate fire for tap %s version %d", l.id, tap.TapID, p.Version)
		l.markDone(ctx, ev)
		return
	}

	for _, recipientID := range recipients {
		l.notify(ctx, models.NotifyEvent{
			RecipientID:  recipientID,
			TapID:        tap.TapID,
			OccurrenceID: occ.OccurrenceID,
			Kind:         models.NotifyFired,
			Message:      tap.Description,
		})
	}

	now := l.now()
	if err := l.queue.Enqueue(ctx, models.WakeNagTick, models.WakePayload{
		TapID:        tap.TapID,
		Version:      tap.ValidityVersion,
		FireAt:       p.FireAt,
		OccurrenceID: occ.OccurrenceID,
	}, now.Add(tap.NagInterval)); err != nil {
		log.Printf("Listener %s failed to schedule nag for occurrence %s: %v", l.id, occ.OccurrenceID, err)
	}

	l.advanceRecurrence(ctx, tap, p.FireAt)
	l.markDone(ctx, ev)
}

// nagTick re-notifies every recipient still unacked and schedules the
// next tick under the tap's current version, so a later edit cuts the
// cadence off.
func (l *Listener) nagTick(ctx context.Context, ev *models.WakeEvent, tap *models.Tap, p models.WakePayload) {
	occ, err := l.occs.GetByID(ctx, p.OccurrenceID)
	if errors.Is(err, pgx.ErrNoRows) {
		l.markDone(ctx, ev)
		return
	}
	if err != nil {
		l.retry(ctx, ev, fmt.Sprintf("get occurrence: %v", err))
		return
	}
	if occ.Completed {
		l.markDone(ctx, ev)
		return
	}

	for _, recipientID := range nag.DueRecipients(occ) {
		l.notify(ctx, models.NotifyEvent{
			RecipientID:  recipientID,
			TapID:        tap.TapID,
			OccurrenceID: occ.OccurrenceID,
			Kind:         models.NotifyReminder,
			Message:      tap.Description,
		})
	}

	if err := l.queue.Enqueue(ctx, models.WakeNagTick, models.WakePayload{
		TapID:        tap.TapID,
		Version:      tap.ValidityVersion,
		FireAt:       p.FireAt,
		OccurrenceID: occ.OccurrenceID,
	}, l.now().Add(tap.NagInterval)); err != nil {
		log.Printf("Listener %s failed to schedule nag for occurrence %s: %v", l.id, occ.OccurrenceID, err)
	}

	l.markDone(ctx, ev)
}

// expire moves an acked or snoozed recipient back to unacked once
// their window has passed and tells them about it. A recipient who
// acted again in the meantime is left alone.
func (l *Listener) expire(ctx context.Context, ev *models.WakeEvent, p models.WakePayload, kind models.NotifyKind) {
	occ, err := l.occs.GetByID(ctx, p.OccurrenceID)
	if errors.Is(err, pgx.ErrNoRows) {
		l.markDone(ctx, ev)
		return
	}
	if err != nil {
		l.retry(ctx, ev, fmt.Sprintf("get occurrence: %v", err))
		return
	}

	now := l.now()
	var changed bool
	if kind == models.NotifyAckExpired {
		changed = nag.ExpireAck(occ, p.RecipientID, now)
	} else {
		changed = nag.ResumeSnooze(occ, p.RecipientID, now)
	}
	if !changed {
		l.markDone(ctx, ev)
		return
	}

	if err := l.occs.UpdateRecipient(ctx, p.OccurrenceID, occ.Recipient(p.RecipientID)); err != nil {
		l.retry(ctx, ev, fmt.Sprintf("update recipient: %v", err))
		return
	}

	l.notify(ctx, models.NotifyEvent{
		RecipientID:  p.RecipientID,
		TapID:        p.TapID,
		OccurrenceID: p.OccurrenceID,
		Kind:         kind,
	})
	l.markDone(ctx, ev)
}

// advanceRecurrence schedules the next tick of a recurring tap after a
// fire, or clears next_fire_at for one-shot and exhausted rules.
func (l *Listener) advanceRecurrence(ctx context.Context, tap *models.Tap, firedAt time.Time) {
	var next *time.Time
	if tap.IsRecurring() {
		dtstart := firedAt
		if tap.Dtstart != nil {
			dtstart = *tap.Dtstart
		}
		n, err := rrule.NextAfter(tap.RecurrenceRule, dtstart, firedAt)
		if err != nil {
			log.Printf("Listener %s failed to compute next fire for tap %s: %v", l.id, tap.TapID, err)
		} else {
			next = n
		}
	}

	if err := l.taps.SetNextFireAt(ctx, tap.TapID, next); err != nil {
		log.Printf("Listener %s failed to update next fire for tap %s: %v", l.id, tap.TapID, err)
	}
	if next == nil {
		return
	}

	if err := l.queue.Enqueue(ctx, models.WakeTapFire, models.WakePayload{
		TapID:   tap.TapID,
		Version: tap.ValidityVersion,
		FireAt:  *next,
	}, *next); err != nil {
		log.Printf("Listener %s failed to schedule next fire for tap %s: %v", l.id, tap.TapID, err)
	}
}

func (l *Listener) notify(ctx context.Context, ev models.NotifyEvent) {
	if err := l.notifier.Notify(ctx, ev); err != nil {
		log.Printf("Listener %s failed to notify user %d: %v", l.id, ev.RecipientID, err)
	}
}

// retry backs off exponentially and dead-letters the event once the
// attempts are exhausted.
func (l *Listener) retry(ctx context.Context, ev *models.WakeEvent, errMsg string) {
	attempts := ev.Attempts + 1
	if attempts >= ev.MaxAttempts {
		l.markFailed(ctx, ev, errMsg)
		return
	}

	sec := math.Min(math.Pow(2, float64(attempts)), 600)
	next := l.now().Add(time.Duration(sec) * time.Second)
	if err := l.queue.RetryLater(ctx, ev.ID, attempts, next, errMsg); err != nil {
		log.Printf("Listener %s failed to requeue wake event %d: %v", l.id, ev.ID, err)
	}
}

func (l *Listener) markDone(ctx context.Context, ev *models.WakeEvent) {
	if err := l.queue.MarkDone(ctx, ev.ID); err != nil {
		log.Printf("Listener %s failed to mark wake event %d done: %v", l.id, ev.ID, err)
	}
}

func (l *Listener) markFailed(ctx context.Context, ev *models.WakeEvent, errMsg string) {
	if err := l.queue.MarkFailed(ctx, ev.ID, errMsg); err != nil {
		log.Printf("Listener %s failed to dead-letter wake event %d: %v", l.id, ev.ID, err)
	}
}
