package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/raulfrk/Tappy/internal/models"
)

// How long completed wake events are kept before the nightly purge.
const doneRetention = 7 * 24 * time.Hour

type TapScanner interface {
	ListMissedFires(ctx context.Context, asOf time.Time) ([]*models.Tap, error)
}

type QueueJanitor interface {
	Enqueue(ctx context.Context, kind models.WakeKind, payload models.WakePayload, runAt time.Time) error
	PurgeDone(ctx context.Context, olderThan time.Time) (int64, error)
	HasPendingFire(ctx context.Context, tapID string) (bool, error)
}

// Maintenance runs the periodic queue housekeeping: re-enqueue fires
// that were lost between a tap mutation and its enqueue (crash
// window), and purge old completed events. Requeued duplicates are
// harmless because occurrence creation is idempotent and stale
// versions are dropped at claim time.
type Maintenance struct {
	cron  *cron.Cron
	taps  TapScanner
	queue QueueJanitor
}

func NewMaintenance(taps TapScanner, queue QueueJanitor) *Maintenance {
	return &Maintenance{
		cron:  cron.New(),
		taps:  taps,
		queue: queue,
	}
}

func (m *Maintenance) Start(ctx context.Context) error {
	if _, err := m.cron.AddFunc("*/10 * * * *", func() { m.requeueMissed(ctx) }); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc("0 4 * * *", func() { m.purge(ctx) }); err != nil {
		return err
	}
	m.cron.Start()

	go func() {
		<-ctx.Done()
		m.cron.Stop()
	}()
	return nil
}

func (m *Maintenance) requeueMissed(ctx context.Context) {
	now := time.Now()
	missed, err := m.taps.ListMissedFires(ctx, now)
	if err != nil {
		log.Printf("Maintenance: failed to scan missed fires: %v", err)
		return
	}

	for _, tap := range missed {
		pending, err := m.queue.HasPendingFire(ctx, tap.TapID.String())
		if err != nil {
			log.Printf("Maintenance: failed to check pending fire for tap %s: %v", tap.TapID, err)
			continue
		}
		if pending {
			continue
		}

		if err := m.queue.Enqueue(ctx, models.WakeTapFire, models.WakePayload{
			TapID:   tap.TapID,
			Version: tap.ValidityVersion,
			FireAt:  *tap.NextFireAt,
		}, now); err != nil {
			log.Printf("Maintenance: failed to requeue fire for tap %s: %v", tap.TapID, err)
			continue
		}
		log.Printf("Maintenance: requeued missed fire for tap %s (was due %s)", tap.TapID, tap.NextFireAt.Format(time.RFC3339))
	}
}

func (m *Maintenance) purge(ctx context.Context) {
	purged, err := m.queue.PurgeDone(ctx, time.Now().Add(-doneRetention))
	if err != nil {
		log.Printf("Maintenance: failed to purge wake events: %v", err)
		return
	}
	if purged > 0 {
		log.Printf("Maintenance: purged %d completed wake events", purged)
	}
}
