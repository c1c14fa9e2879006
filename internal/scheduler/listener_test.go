package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/raulfrk/Tappy/internal/models"
	"github.com/raulfrk/Tappy/internal/nag"
)

type fakeTaps struct {
	taps    map[uuid.UUID]*models.Tap
	nextSet []*time.Time
	getErr  error
}

func newFakeTaps(taps ...*models.Tap) *fakeTaps {
	m := make(map[uuid.UUID]*models.Tap)
	for _, tap := range taps {
		m[tap.TapID] = tap
	}
	return &fakeTaps{taps: m}
}

func (f *fakeTaps) GetByID(ctx context.Context, tapID uuid.UUID) (*models.Tap, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	tap, ok := f.taps[tapID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return tap, nil
}

func (f *fakeTaps) SetNextFireAt(ctx context.Context, tapID uuid.UUID, nextFireAt *time.Time) error {
	f.nextSet = append(f.nextSet, nextFireAt)
	return nil
}

type fakeOccs struct {
	byID  map[uuid.UUID]*models.Occurrence
	byKey map[string]*models.Occurrence
}

func newFakeOccs() *fakeOccs {
	return &fakeOccs{
		byID:  make(map[uuid.UUID]*models.Occurrence),
		byKey: make(map[string]*models.Occurrence),
	}
}

func occKey(tapID uuid.UUID, version int64, fireAt time.Time) string {
	return fmt.Sprintf("%s/%d/%d", tapID, version, fireAt.UnixNano())
}

func (f *fakeOccs) CreateIfAbsent(ctx context.Context, occ *models.Occurrence) (bool, error) {
	key := occKey(occ.TapID, occ.Version, occ.FireAt)
	if _, ok := f.byKey[key]; ok {
		return false, nil
	}
	f.byKey[key] = occ
	f.byID[occ.OccurrenceID] = occ
	return true, nil
}

func (f *fakeOccs) GetByID(ctx context.Context, occurrenceID uuid.UUID) (*models.Occurrence, error) {
	occ, ok := f.byID[occurrenceID]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return occ, nil
}

func (f *fakeOccs) UpdateRecipient(ctx context.Context, occurrenceID uuid.UUID, rs *models.RecipientState) error {
	if _, ok := f.byID[occurrenceID]; !ok {
		return pgx.ErrNoRows
	}
	return nil
}

type fakeWakeQueue struct {
	enqueued []struct {
		kind    models.WakeKind
		payload models.WakePayload
		runAt   time.Time
	}
	done    []int64
	failed  []int64
	retried []int64
}

func (f *fakeWakeQueue) Claim(ctx context.Context, workerID string) (*models.WakeEvent, error) {
	return nil, nil
}

func (f *fakeWakeQueue) MarkDone(ctx context.Context, id int64) error {
	f.done = append(f.done, id)
	return nil
}

func (f *fakeWakeQueue) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeWakeQueue) RetryLater(ctx context.Context, id int64, attempts int, runAt time.Time, errMsg string) error {
	f.retried = append(f.retried, id)
	return nil
}

func (f *fakeWakeQueue) Enqueue(ctx context.Context, kind models.WakeKind, payload models.WakePayload, runAt time.Time) error {
	f.enqueued = append(f.enqueued, struct {
		kind    models.WakeKind
		payload models.WakePayload
		runAt   time.Time
	}{kind, payload, runAt})
	return nil
}

type fakeMembers struct {
	members []int64
	err     error
}

func (f *fakeMembers) Resolve(ctx context.Context, tap *models.Tap) ([]int64, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.members != nil {
		return f.members, nil
	}
	return tap.Recipients, nil
}

type fakeNotifier struct {
	sent []models.NotifyEvent
}

func (f *fakeNotifier) Notify(ctx context.Context, ev models.NotifyEvent) error {
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeNotifier) kinds() []models.NotifyKind {
	var out []models.NotifyKind
	for _, ev := range f.sent {
		out = append(out, ev.Kind)
	}
	return out
}

type fixture struct {
	taps     *fakeTaps
	occs     *fakeOccs
	queue    *fakeWakeQueue
	members  *fakeMembers
	notifier *fakeNotifier
	listener *Listener
	now      time.Time
}

func newFixture(taps ...*models.Tap) *fixture {
	f := &fixture{
		taps:     newFakeTaps(taps...),
		occs:     newFakeOccs(),
		queue:    &fakeWakeQueue{},
		members:  &fakeMembers{},
		notifier: &fakeNotifier{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.listener = NewListener("test-worker", f.taps, f.occs, f.queue, f.members, f.notifier, time.Second)
	f.listener.now = func() time.Time { return f.now }
	return f
}

func wakeEvent(id int64, kind models.WakeKind, p models.WakePayload) *models.WakeEvent {
	raw, _ := json.Marshal(p)
	return &models.WakeEvent{
		ID:          id,
		Kind:        kind,
		Payload:     raw,
		MaxAttempts: 8,
	}
}

func testTap(version int64) *models.Tap {
	return &models.Tap{
		TapID:           uuid.New(),
		OwnerID:         1,
		Description:     "water the plants",
		Recipients:      []int64{1, 2},
		ValidityVersion: version,
		AckDefault:      time.Hour,
		NagInterval:     5 * time.Minute,
	}
}

func TestHandleStaleVersion(t *testing.T) {
	tap := testTap(3)
	f := newFixture(tap)

	ev := wakeEvent(1, models.WakeTapFire, models.WakePayload{
		TapID: tap.TapID, Version: 2, FireAt: f.now,
	})
	f.listener.handle(context.Background(), ev)

	// Stale events are dropped quietly: no occurrence, no notification,
	// no dead letter.
	if len(f.occs.byID) != 0 {
		t.Error("stale fire created an occurrence")
	}
	if len(f.notifier.sent) != 0 {
		t.Error("stale fire sent notifications")
	}
	if len(f.queue.done) != 1 {
		t.Errorf("done = %v, want the event marked done", f.queue.done)
	}
	if len(f.queue.failed) != 0 {
		t.Error("stale fire was dead-lettered")
	}
}

func TestHandleFire(t *testing.T) {
	t.Run("creates occurrence, notifies, starts nag cadence", func(t *testing.T) {
		tap := testTap(0)
		f := newFixture(tap)

		fireAt := f.now
		ev := wakeEvent(1, models.WakeTapFire, models.WakePayload{
			TapID: tap.TapID, Version: 0, FireAt: fireAt,
		})
		f.listener.handle(context.Background(), ev)

		if len(f.occs.byID) != 1 {
			t.Fatalf("created %d occurrences, want 1", len(f.occs.byID))
		}
		if len(f.notifier.sent) != 2 {
			t.Fatalf("sent %d notifications, want one per recipient", len(f.notifier.sent))
		}
		for _, sent := range f.notifier.sent {
			if sent.Kind != models.NotifyFired {
				t.Errorf("notify kind = %v, want fired", sent.Kind)
			}
			if sent.Message != tap.Description {
				t.Errorf("notify message = %q, want tap description", sent.Message)
			}
		}

		if len(f.queue.enqueued) != 1 {
			t.Fatalf("enqueued %d events, want the first nag tick", len(f.queue.enqueued))
		}
		nagEv := f.queue.enqueued[0]
		if nagEv.kind != models.WakeNagTick {
			t.Errorf("kind = %v, want NAG_TICK", nagEv.kind)
		}
		if nagEv.payload.Version != 0 {
			t.Errorf("nag tick version = %d, want 0", nagEv.payload.Version)
		}
		if !nagEv.runAt.Equal(f.now.Add(tap.NagInterval)) {
			t.Errorf("nag tick runAt = %v, want %v", nagEv.runAt, f.now.Add(tap.NagInterval))
		}
		if len(f.queue.done) != 1 {
			t.Error("fire event not marked done")
		}
	})

	t.Run("duplicate delivery is a no-op", func(t *testing.T) {
		tap := testTap(0)
		f := newFixture(tap)

		ev := wakeEvent(1, models.WakeTapFire, models.WakePayload{
			TapID: tap.TapID, Version: 0, FireAt: f.now,
		})
		f.listener.handle(context.Background(), ev)
		dup := wakeEvent(2, models.WakeTapFire, models.WakePayload{
			TapID: tap.TapID, Version: 0, FireAt: f.now,
		})
		f.listener.handle(context.Background(), dup)

		if len(f.occs.byID) != 1 {
			t.Errorf("duplicate delivery created a second occurrence")
		}
		if len(f.notifier.sent) != 2 {
			t.Errorf("duplicate delivery re-notified: %d sends", len(f.notifier.sent))
		}
		if len(f.queue.enqueued) != 1 {
			t.Errorf("duplicate delivery scheduled a second nag cadence")
		}
		if len(f.queue.done) != 2 {
			t.Errorf("done = %v, want both events marked done", f.queue.done)
		}
	})

	t.Run("cancelled tap creates nothing", func(t *testing.T) {
		tap := testTap(0)
		tap.Cancelled = true
		f := newFixture(tap)

		ev := wakeEvent(1, models.WakeTapFire, models.WakePayload{
			TapID: tap.TapID, Version: 0, FireAt: f.now,
		})
		f.listener.handle(context.Background(), ev)

		if len(f.occs.byID) != 0 {
			t.Error("fire on cancelled tap created an occurrence")
		}
		if len(f.queue.done) != 1 {
			t.Error("event not marked done")
		}
	})

	t.Run("recurring tap schedules its next fire", func(t *testing.T) {
		tap := testTap(0)
		tap.RecurrenceRule = "FREQ=DAILY;BYHOUR=9;BYMINUTE=0;BYSECOND=0"
		dtstart := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
		tap.Dtstart = &dtstart
		f := newFixture(tap)

		ev := wakeEvent(1, models.WakeTapFire, models.WakePayload{
			TapID: tap.TapID, Version: 0, FireAt: f.now,
		})
		f.listener.handle(context.Background(), ev)

		// Nag tick plus the next recurrence fire.
		if len(f.queue.enqueued) != 2 {
			t.Fatalf("enqueued %d events, want 2", len(f.queue.enqueued))
		}
		next := f.queue.enqueued[1]
		if next.kind != models.WakeTapFire {
			t.Errorf("kind = %v, want TAP_FIRE", next.kind)
		}
		if !next.runAt.After(f.now) {
			t.Errorf("next fire at %v, want after %v", next.runAt, f.now)
		}
		if len(f.taps.nextSet) != 1 || f.taps.nextSet[0] == nil {
			t.Errorf("next_fire_at not persisted: %v", f.taps.nextSet)
		}
	})

	t.Run("one-shot tap clears next fire", func(t *testing.T) {
		tap := testTap(0)
		f := newFixture(tap)

		ev := wakeEvent(1, models.WakeTapFire, models.WakePayload{
			TapID: tap.TapID, Version: 0, FireAt: f.now,
		})
		f.listener.handle(context.Background(), ev)

		if len(f.taps.nextSet) != 1 || f.taps.nextSet[0] != nil {
			t.Errorf("next_fire_at = %v, want cleared", f.taps.nextSet)
		}
	})

	t.Run("deleted tap drops the event", func(t *testing.T) {
		f := newFixture()
		ev := wakeEvent(1, models.WakeTapFire, models.WakePayload{
			TapID: uuid.New(), Version: 0, FireAt: f.now,
		})
		f.listener.handle(context.Background(), ev)

		if len(f.queue.done) != 1 {
			t.Error("event for deleted tap not marked done")
		}
		if len(f.queue.failed) != 0 {
			t.Error("event for deleted tap was dead-lettered")
		}
	})
}

func TestHandleNagTick(t *testing.T) {
	setup := func(t *testing.T) (*fixture, *models.Tap, *models.Occurrence) {
		t.Helper()
		tap := testTap(0)
		f := newFixture(tap)
		occ := models.NewOccurrence(tap.TapID, 0, f.now, []int64{1, 2})
		if _, err := f.occs.CreateIfAbsent(context.Background(), occ); err != nil {
			t.Fatal(err)
		}
		return f, tap, occ
	}

	t.Run("notifies unacked recipients and reschedules", func(t *testing.T) {
		f, tap, occ := setup(t)
		if err := nag.Ack(occ, 2, time.Hour, f.now); err != nil {
			t.Fatal(err)
		}

		ev := wakeEvent(1, models.WakeNagTick, models.WakePayload{
			TapID: tap.TapID, Version: 0, FireAt: occ.FireAt, OccurrenceID: occ.OccurrenceID,
		})
		f.listener.handle(context.Background(), ev)

		if len(f.notifier.sent) != 1 {
			t.Fatalf("sent %d notifications, want only the unacked recipient", len(f.notifier.sent))
		}
		if f.notifier.sent[0].RecipientID != 1 {
			t.Errorf("notified %d, want 1", f.notifier.sent[0].RecipientID)
		}
		if f.notifier.sent[0].Kind != models.NotifyReminder {
			t.Errorf("kind = %v, want reminder", f.notifier.sent[0].Kind)
		}

		if len(f.queue.enqueued) != 1 || f.queue.enqueued[0].kind != models.WakeNagTick {
			t.Fatalf("next nag tick not scheduled: %v", f.queue.enqueued)
		}
	})

	t.Run("completed occurrence stops the cadence", func(t *testing.T) {
		f, tap, occ := setup(t)
		if err := nag.Complete(occ, 1); err != nil {
			t.Fatal(err)
		}

		ev := wakeEvent(1, models.WakeNagTick, models.WakePayload{
			TapID: tap.TapID, Version: 0, FireAt: occ.FireAt, OccurrenceID: occ.OccurrenceID,
		})
		f.listener.handle(context.Background(), ev)

		if len(f.notifier.sent) != 0 {
			t.Error("completed occurrence still notified")
		}
		if len(f.queue.enqueued) != 0 {
			t.Error("completed occurrence rescheduled a nag tick")
		}
		if len(f.queue.done) != 1 {
			t.Error("event not marked done")
		}
	})

	t.Run("missing occurrence drops the event", func(t *testing.T) {
		tap := testTap(0)
		f := newFixture(tap)

		ev := wakeEvent(1, models.WakeNagTick, models.WakePayload{
			TapID: tap.TapID, Version: 0, FireAt: f.now, OccurrenceID: uuid.New(),
		})
		f.listener.handle(context.Background(), ev)

		if len(f.queue.done) != 1 {
			t.Error("event not marked done")
		}
	})
}

func TestHandleExpiry(t *testing.T) {
	setup := func(t *testing.T) (*fixture, *models.Tap, *models.Occurrence) {
		t.Helper()
		tap := testTap(0)
		f := newFixture(tap)
		occ := models.NewOccurrence(tap.TapID, 0, f.now, []int64{1})
		if _, err := f.occs.CreateIfAbsent(context.Background(), occ); err != nil {
			t.Fatal(err)
		}
		return f, tap, occ
	}

	t.Run("expired ack returns recipient to the nag cycle", func(t *testing.T) {
		f, tap, occ := setup(t)
		if err := nag.Ack(occ, 1, time.Hour, f.now.Add(-2*time.Hour)); err != nil {
			t.Fatal(err)
		}

		ev := wakeEvent(1, models.WakeAckExpiry, models.WakePayload{
			TapID: tap.TapID, Version: 0, FireAt: occ.FireAt,
			OccurrenceID: occ.OccurrenceID, RecipientID: 1,
		})
		f.listener.handle(context.Background(), ev)

		if occ.Recipient(1).State != models.AckStateUnacked {
			t.Errorf("state = %v, want unacked", occ.Recipient(1).State)
		}
		if got := f.notifier.kinds(); len(got) != 1 || got[0] != models.NotifyAckExpired {
			t.Errorf("notifications = %v, want one ack-expired", got)
		}
	})

	t.Run("re-acked recipient is not disturbed", func(t *testing.T) {
		f, tap, occ := setup(t)
		// Ack window still open when the old expiry event arrives.
		if err := nag.Ack(occ, 1, 2*time.Hour, f.now); err != nil {
			t.Fatal(err)
		}

		ev := wakeEvent(1, models.WakeAckExpiry, models.WakePayload{
			TapID: tap.TapID, Version: 0, FireAt: occ.FireAt,
			OccurrenceID: occ.OccurrenceID, RecipientID: 1,
		})
		f.listener.handle(context.Background(), ev)

		if occ.Recipient(1).State != models.AckStateAcked {
			t.Errorf("state = %v, want still acked", occ.Recipient(1).State)
		}
		if len(f.notifier.sent) != 0 {
			t.Error("notification sent inside the ack window")
		}
		if len(f.queue.done) != 1 {
			t.Error("event not marked done")
		}
	})

	t.Run("expired snooze resumes nagging", func(t *testing.T) {
		f, tap, occ := setup(t)
		if err := nag.Snooze(occ, 1, 5*time.Minute, f.now.Add(-time.Hour)); err != nil {
			t.Fatal(err)
		}

		ev := wakeEvent(1, models.WakeSnoozeResume, models.WakePayload{
			TapID: tap.TapID, Version: 0, FireAt: occ.FireAt,
			OccurrenceID: occ.OccurrenceID, RecipientID: 1,
		})
		f.listener.handle(context.Background(), ev)

		if occ.Recipient(1).State != models.AckStateUnacked {
			t.Errorf("state = %v, want unacked", occ.Recipient(1).State)
		}
		if got := f.notifier.kinds(); len(got) != 1 || got[0] != models.NotifySnoozeExpired {
			t.Errorf("notifications = %v, want one snooze-expired", got)
		}
	})
}

func TestHandleFailures(t *testing.T) {
	t.Run("unreadable payload is dead-lettered", func(t *testing.T) {
		f := newFixture()
		ev := &models.WakeEvent{ID: 1, Kind: models.WakeTapFire, Payload: []byte("{not json"), MaxAttempts: 8}
		f.listener.handle(context.Background(), ev)

		if len(f.queue.failed) != 1 {
			t.Errorf("failed = %v, want the event dead-lettered", f.queue.failed)
		}
	})

	t.Run("transient store error backs off", func(t *testing.T) {
		tap := testTap(0)
		f := newFixture(tap)
		f.taps.getErr = errors.New("connection reset")

		ev := wakeEvent(1, models.WakeTapFire, models.WakePayload{
			TapID: tap.TapID, Version: 0, FireAt: f.now,
		})
		f.listener.handle(context.Background(), ev)

		if len(f.queue.retried) != 1 {
			t.Errorf("retried = %v, want one retry", f.queue.retried)
		}
		if len(f.queue.failed) != 0 {
			t.Error("transient error was dead-lettered")
		}
	})

	t.Run("exhausted attempts dead-letter the event", func(t *testing.T) {
		tap := testTap(0)
		f := newFixture(tap)
		f.taps.getErr = errors.New("connection reset")

		ev := wakeEvent(1, models.WakeTapFire, models.WakePayload{
			TapID: tap.TapID, Version: 0, FireAt: f.now,
		})
		ev.Attempts = 7
		f.listener.handle(context.Background(), ev)

		if len(f.queue.failed) != 1 {
			t.Errorf("failed = %v, want dead letter after max attempts", f.queue.failed)
		}
		if len(f.queue.retried) != 0 {
			t.Error("exhausted event was retried")
		}
	})
}
