package dispatch

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/relayhq/relay-api/internal/store"
)

// Sweeper runs periodic notification maintenance: marking overdue pending
// invitations expired and purging records older than the retention window.
type Sweeper struct {
	db        *sql.DB
	store     store.NotificationStore
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper that runs every interval and purges
// notifications older than retention. When db is non-nil each pass runs
// in a single transaction.
func NewSweeper(
	db *sql.DB,
	notificationStore store.NotificationStore,
	interval, retention time.Duration,
	log *slog.Logger,
) *Sweeper {
	return &Sweeper{
		db:        db,
		store:     notificationStore,
		interval:  interval,
		retention: retention,
		logger:    log.With(slog.String("component", "notification_sweeper")),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the maintenance loop. It returns immediately.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the maintenance loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Sweep runs one maintenance pass. Exposed so operators can trigger it
// outside the schedule.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	if s.db == nil {
		s.sweepWith(ctx, s.store, now)
		return
	}

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		s.sweepWith(ctx, s.store.WithTx(tx), now)
		return nil
	})
	if err != nil {
		s.logger.Error("maintenance transaction failed", "error", err)
	}
}

func (s *Sweeper) sweepWith(ctx context.Context, ns store.NotificationStore, now time.Time) {
	expired, err := ns.ExpirePending(ctx, now)
	if err != nil {
		s.logger.Error("failed to expire pending invitations", "error", err)
	} else if expired > 0 {
		s.logger.Info("expired pending invitations", "count", expired)
	}

	purged, err := ns.PurgeOlderThan(ctx, now.Add(-s.retention))
	if err != nil {
		s.logger.Error("failed to purge old notifications", "error", err)
	} else if purged > 0 {
		s.logger.Info("purged old notifications", "count", purged)
	}
}
