package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"accessgate/internal/metrics"
)

// Sync archives cold rows from the hot store into the reporting store.
// Every move is copy-then-delete so a crash between the two steps only
// ever duplicates, never loses. Open sessions and sessions still inside
// the permanent timeout window are never removed.
func (c *Cache) Sync(ctx context.Context) error {
	start := time.Now()

	// Closed sessions and buffered usage must be durable before they can
	// be archived.
	if err := c.Flush(ctx); err != nil {
		return err
	}

	if err := c.syncServerStatuses(ctx); err != nil {
		return err
	}
	if err := c.syncSessions(ctx); err != nil {
		return err
	}
	if err := c.syncUsages(ctx); err != nil {
		return err
	}

	metrics.ObserveSyncDuration(time.Since(start))
	c.logger.Info("sync finished", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// syncServerStatuses collapses the status time series in the hot store to
// the IsLast row per server, moving history to the reporting store.
func (c *Cache) syncServerStatuses(ctx context.Context) error {
	history, err := c.repos.Servers.ListStatusHistory(ctx)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return nil
	}

	if err := c.repos.Report.CopyServerStatuses(ctx, history); err != nil {
		return err
	}

	ids := make([]int64, 0, len(history))
	for _, st := range history {
		ids = append(ids, st.ID)
	}
	return c.repos.Servers.DeleteStatuses(ctx, ids)
}

// syncSessions archives sessions whose EndTime is past the permanent
// timeout and purges them from the hot store and the working set.
func (c *Cache) syncSessions(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-c.cfg.SessionPermanentTimeout)
	archivable, err := c.repos.Sessions.ListEndedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(archivable) == 0 {
		return nil
	}

	if err := c.repos.Report.CopySessions(ctx, archivable); err != nil {
		return err
	}

	ids := make([]uuid.UUID, 0, len(archivable))
	for _, s := range archivable {
		ids = append(ids, s.ID)
	}
	if err := c.repos.Sessions.Delete(ctx, ids); err != nil {
		return err
	}

	for _, s := range archivable {
		c.sessions.Delete(s.ID)
		if current, ok := c.sessionSets.Load(s.AccessID); ok {
			set := current.(*sessionSet)
			set.mu.Lock()
			delete(set.ids, s.ID)
			set.mu.Unlock()
		}
	}

	c.logger.Debug("sessions archived", zap.Int("count", len(archivable)))
	return nil
}

// syncUsages drains the write-only staging table into the reporting
// store.
func (c *Cache) syncUsages(ctx context.Context) error {
	rows, err := c.repos.Usages.ListAll(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	if err := c.repos.Report.CopyUsages(ctx, rows); err != nil {
		return err
	}

	var maxID int64
	for _, u := range rows {
		if u.ID > maxID {
			maxID = u.ID
		}
	}
	return c.repos.Usages.Clear(ctx, maxID)
}
