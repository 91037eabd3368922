package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"accessgate/internal/metrics"
	"accessgate/internal/model"
	"accessgate/internal/repository"
)

const flushTimeout = time.Minute

func (c *Cache) flushLoop() {
	ticker := time.NewTicker(c.cfg.SaveInterval)
	defer ticker.Stop()

	flush := func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()

		if err := c.Flush(ctx); err != nil {
			// Dirty entities were requeued; the next tick retries.
			c.logger.Warn("cache flush failed", zap.Error(err))
		}
	}

	for {
		select {
		case <-c.stopCh:
			flush()
			return
		case <-ticker.C:
			flush()
		}
	}
}

type flushBatch struct {
	tokens   map[uuid.UUID]struct{}
	accesses map[uuid.UUID]struct{}
	devices  map[uuid.UUID]struct{}
	sessions map[uuid.UUID]struct{}
	servers  map[uuid.UUID]struct{}
	deleted  map[uuid.UUID]struct{}
	usages   []*model.AccessUsage
	statuses []*model.ServerStatus
}

func (c *Cache) takeBatch() flushBatch {
	c.dirtyMu.Lock()
	batch := flushBatch{
		tokens:   c.dirtyTokens,
		accesses: c.dirtyAccesses,
		devices:  c.dirtyDevices,
		sessions: c.dirtySessions,
		servers:  c.dirtyServers,
		deleted:  c.deletedTokens,
	}
	c.resetDirtySets()
	c.dirtyMu.Unlock()

	c.bufMu.Lock()
	batch.usages = c.usageBuf
	batch.statuses = c.statusBuf
	c.usageBuf = nil
	c.statusBuf = nil
	c.bufMu.Unlock()

	return batch
}

// Flush drains every dirty entity and buffered row to the hot store. It
// is safe to call concurrently with request handling; entities touched
// while the flush runs are picked up by the next one. Whatever cannot be
// written is requeued for the next flush.
func (c *Cache) Flush(ctx context.Context) error {
	start := time.Now()
	batch := c.takeBatch()

	var errs []error

	errs = append(errs, flushSet(ctx, batch.tokens, &c.tokens, c.requeueToken, func(t model.AccessToken) error {
		return c.repos.Tokens.Save(ctx, &t)
	})...)
	errs = append(errs, flushSet(ctx, batch.devices, &c.devices, c.requeueDevice, func(d model.Device) error {
		return c.repos.Devices.Save(ctx, &d)
	})...)
	errs = append(errs, flushSet(ctx, batch.accesses, &c.accesses, c.requeueAccess, func(a model.Access) error {
		return c.repos.Accesses.Save(ctx, &a)
	})...)
	errs = append(errs, flushSet(ctx, batch.sessions, &c.sessions, c.requeueSession, func(s model.Session) error {
		return c.repos.Sessions.Save(ctx, &s)
	})...)
	errs = append(errs, flushSet(ctx, batch.servers, &c.servers, c.requeueServer, func(s model.Server) error {
		s.LastStatus = nil
		return c.repos.Servers.Save(ctx, &s)
	})...)

	for id := range batch.deleted {
		if err := c.deleteTokenRows(ctx, id); err != nil {
			errs = append(errs, err)
			c.requeueDeleted(id)
		}
	}

	for _, st := range batch.statuses {
		if err := c.repos.Servers.InsertStatus(ctx, st); err != nil {
			errs = append(errs, err)
		}
	}

	if len(batch.usages) > 0 {
		if err := c.repos.Usages.InsertBatch(ctx, batch.usages); err != nil {
			errs = append(errs, err)
			c.bufMu.Lock()
			c.usageBuf = append(batch.usages, c.usageBuf...)
			c.bufMu.Unlock()
		}
	}

	metrics.ObserveFlushDuration(time.Since(start))
	if err := errors.Join(errs...); err != nil {
		return err
	}

	c.logger.Debug("cache flushed",
		zap.Int("tokens", len(batch.tokens)),
		zap.Int("accesses", len(batch.accesses)),
		zap.Int("sessions", len(batch.sessions)),
		zap.Int("usages", len(batch.usages)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// flushSet writes one dirty id set through save. Each value is copied
// under its entry lock; failed ids are requeued.
func flushSet[T any](
	ctx context.Context,
	ids map[uuid.UUID]struct{},
	store *sync.Map,
	requeue func(uuid.UUID),
	save func(T) error,
) []error {
	var errs []error
	for id := range ids {
		if ctx.Err() != nil {
			requeue(id)
			continue
		}
		current, ok := store.Load(id)
		if !ok {
			continue
		}
		if err := save(current.(*entry[T]).get()); err != nil {
			errs = append(errs, err)
			requeue(id)
		}
	}
	return errs
}

// deleteTokenRows cascades a token removal: access rows first so no
// orphan quota rows survive a partial failure.
func (c *Cache) deleteTokenRows(ctx context.Context, tokenID uuid.UUID) error {
	if err := c.repos.Accesses.DeleteByToken(ctx, tokenID); err != nil {
		return err
	}
	if err := c.repos.Tokens.Delete(ctx, tokenID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	return nil
}

func (c *Cache) requeueToken(id uuid.UUID)   { c.dirtyMu.Lock(); c.dirtyTokens[id] = struct{}{}; c.dirtyMu.Unlock() }
func (c *Cache) requeueAccess(id uuid.UUID)  { c.dirtyMu.Lock(); c.dirtyAccesses[id] = struct{}{}; c.dirtyMu.Unlock() }
func (c *Cache) requeueDevice(id uuid.UUID)  { c.dirtyMu.Lock(); c.dirtyDevices[id] = struct{}{}; c.dirtyMu.Unlock() }
func (c *Cache) requeueSession(id uuid.UUID) { c.dirtyMu.Lock(); c.dirtySessions[id] = struct{}{}; c.dirtyMu.Unlock() }
func (c *Cache) requeueServer(id uuid.UUID)  { c.dirtyMu.Lock(); c.dirtyServers[id] = struct{}{}; c.dirtyMu.Unlock() }
func (c *Cache) requeueDeleted(id uuid.UUID) { c.dirtyMu.Lock(); c.deletedTokens[id] = struct{}{}; c.dirtyMu.Unlock() }
