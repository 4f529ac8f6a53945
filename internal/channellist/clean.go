package channellist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mmcdole/chansync/internal/domain"
	"github.com/mmcdole/chansync/internal/reconcile"
	"github.com/mmcdole/chansync/internal/store"
)

// CleanPolicy decides when channels a reset found stale get cleaned.
// Both methods are called inside the reset's write scope: Keep with the
// reset's protected channels, then Clean with the stale ones.
type CleanPolicy interface {
	Keep(cids []domain.ChannelID)
	Clean(sess *store.Session, cids []domain.ChannelID) error
}

// EagerClean cleans inside the reset's own write scope, before the fresh
// page is applied.
type EagerClean struct{}

// Keep implements CleanPolicy. Nothing is ever queued.
func (EagerClean) Keep([]domain.ChannelID) {}

// Clean implements CleanPolicy.
func (EagerClean) Clean(sess *store.Session, cids []domain.ChannelID) error {
	return sess.CleanChannels(cids)
}

const defaultCleanInterval = 30 * time.Second

// DeferredCleaner queues stale channels and cleans them in a later write
// scope, either periodically from Run or on demand from Flush.
type DeferredCleaner struct {
	db       Database
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending reconcile.Set[domain.ChannelID]
}

// NewDeferredCleaner creates a cleaner that flushes every interval.
func NewDeferredCleaner(db Database, interval time.Duration, logger *slog.Logger) *DeferredCleaner {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultCleanInterval
	}
	return &DeferredCleaner{
		db:       db,
		interval: interval,
		logger:   logger,
		pending:  reconcile.NewSet[domain.ChannelID](),
	}
}

// Clean implements CleanPolicy by queueing cids.
func (d *DeferredCleaner) Clean(_ *store.Session, cids []domain.ChannelID) error {
	d.mu.Lock()
	for _, cid := range cids {
		d.pending[cid] = struct{}{}
	}
	d.mu.Unlock()
	return nil
}

// Keep implements CleanPolicy by dropping cids from the queue: a channel
// that is watched or freshly synced again no longer needs cleaning.
func (d *DeferredCleaner) Keep(cids []domain.ChannelID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cid := range cids {
		delete(d.pending, cid)
	}
}

// Pending returns the queued channel ids in order.
func (d *DeferredCleaner) Pending() []domain.ChannelID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return reconcile.Sorted(d.pending)
}

// Flush cleans every queued channel in one write scope. On failure the
// channels stay queued.
func (d *DeferredCleaner) Flush(ctx context.Context) error {
	d.mu.Lock()
	cids := reconcile.Sorted(d.pending)
	d.pending = reconcile.NewSet[domain.ChannelID]()
	d.mu.Unlock()

	if len(cids) == 0 {
		return nil
	}

	err := d.db.Write(ctx, func(sess *store.Session) error {
		return sess.CleanChannels(cids)
	})
	if err != nil {
		d.requeue(cids)
		return err
	}
	d.logger.Debug("deferred clean flushed", "count", len(cids))
	return nil
}

func (d *DeferredCleaner) requeue(cids []domain.ChannelID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, cid := range cids {
		d.pending[cid] = struct{}{}
	}
}

// Run flushes on every tick until ctx is done, then flushes once more.
func (d *DeferredCleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := d.Flush(context.WithoutCancel(ctx)); err != nil {
				d.logger.Warn("final deferred clean failed", "error", err)
			}
			return ctx.Err()
		case <-ticker.C:
			if err := d.Flush(ctx); err != nil {
				d.logger.Warn("deferred clean failed", "error", err)
			}
		}
	}
}
