// Package cache holds the client's last-known copy of each receipt record.
//
// Only two writers exist: the extraction poller (ApplyPoll, on completion) and the commit
// submitter (ApplyCommit, on success). Every commit or removal bumps the record's epoch;
// a poll result carries the epoch observed when its request was issued and is dropped if
// the epoch moved, so a commit response always wins over an in-flight poll.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
)

// Persister mirrors cache writes to durable storage.
type Persister interface {
	SaveRecord(ctx context.Context, rec entity.ReceiptRecord) error
	DeleteRecord(ctx context.Context, id string) error
}

// Ticket is taken before a poll request is sent.
type Ticket struct {
	id    string
	epoch uint64
}

type Cache struct {
	mu      sync.Mutex
	records *lru.Cache[string, entity.ReceiptRecord]
	epochs  map[string]uint64
	persist Persister
	logger  *slog.Logger
}

const DefaultSize = 512

// New builds a cache holding up to size records. persist may be nil.
func New(size int, persist Persister, logger *slog.Logger) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	records, err := lru.New[string, entity.ReceiptRecord](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &Cache{
		records: records,
		epochs:  make(map[string]uint64),
		persist: persist,
		logger:  logger.With(slog.String("component", "record_cache")),
	}, nil
}

// Get returns a copy of the cached record.
func (c *Cache) Get(id string) (entity.ReceiptRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records.Get(id)
	if !ok {
		return entity.ReceiptRecord{}, false
	}
	return rec.Clone(), true
}

// Ticket captures the record's current epoch.
func (c *Cache) Ticket(id string) Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Ticket{id: id, epoch: c.epochs[id]}
}

// ApplyPoll stores a poll result unless a commit or removal happened after t was taken.
// It reports whether the record was stored.
func (c *Cache) ApplyPoll(ctx context.Context, t Ticket, rec entity.ReceiptRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec.ID != t.id {
		c.logger.Error("cache.poll.id_mismatch", "receipt_id", t.id, "got", rec.ID)
		return false
	}
	if c.epochs[t.id] != t.epoch {
		c.logger.Info("cache.poll.stale_dropped", "receipt_id", t.id, "ticket_epoch", t.epoch, "epoch", c.epochs[t.id])
		return false
	}
	c.records.Add(rec.ID, rec.Clone())
	c.mirror(ctx, rec)
	return true
}

// ApplyCommit replaces the cached record with the authoritative commit response.
func (c *Cache) ApplyCommit(ctx context.Context, rec entity.ReceiptRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epochs[rec.ID]++
	c.records.Add(rec.ID, rec.Clone())
	c.mirror(ctx, rec)
}

// Remove evicts a record that no longer exists on the server.
func (c *Cache) Remove(ctx context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epochs[id]++
	c.records.Remove(id)
	if c.persist != nil {
		if err := c.persist.DeleteRecord(ctx, id); err != nil {
			c.logger.Warn("cache.persist.delete_failed", "receipt_id", id, "error", err)
		}
	}
}

// Len returns the number of cached records.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.records.Len()
}

func (c *Cache) mirror(ctx context.Context, rec entity.ReceiptRecord) {
	if c.persist == nil {
		return
	}
	if err := c.persist.SaveRecord(ctx, rec); err != nil {
		c.logger.Warn("cache.persist.save_failed", "receipt_id", rec.ID, "error", err)
	}
}
