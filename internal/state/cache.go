// ABOUTME: Caching decorator over any DataStore with a configurable consistency policy
// ABOUTME: Coalesces per-scope writes in memory and writes back on flush

package state

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ConsistencyPolicy selects how a CachingStore versions its write-backs.
type ConsistencyPolicy string

const (
	// LastWriteWins flushes with the force eTag: the cached value always
	// overwrites whatever is persisted, silently clobbering concurrent
	// external writers. Optimizes for availability.
	LastWriteWins ConsistencyPolicy = "last_write_wins"

	// ExclusiveOptimisticConcurrency flushes with the eTag captured at the
	// entry's most recent load/save round-trip. Against a strict inner
	// store a genuine race surfaces as ErrConcurrencyConflict, which is
	// propagated rather than retried: resolving it takes application
	// knowledge.
	ExclusiveOptimisticConcurrency ConsistencyPolicy = "exclusive"
)

// Valid reports whether p is a known policy.
func (p ConsistencyPolicy) Valid() bool {
	return p == LastWriteWins || p == ExclusiveOptimisticConcurrency
}

type cacheEntry struct {
	addr  Address
	rec   DataRecord
	dirty bool
}

// CachingStore wraps an inner DataStore with an in-memory record cache.
//
// A hit on Load short-circuits the inner store; Save only updates the cache
// and marks the entry dirty; Flush writes every dirty entry for the address
// back through the inner store. Intermediate saves to the same scope are
// coalesced, so the inner store sees only the latest value.
//
// One instance is meant to serve one turn's processing lifetime. The map is
// mutex-guarded, but it is not a cross-process cache: two instances over
// the same inner store only reconcile through the flush protocol.
type CachingStore struct {
	mu      sync.Mutex
	inner   DataStore
	policy  ConsistencyPolicy
	entries map[string]*cacheEntry
	logger  *slog.Logger
}

// NewCachingStore creates a caching decorator over inner with the given
// consistency policy.
func NewCachingStore(inner DataStore, policy ConsistencyPolicy) (*CachingStore, error) {
	if !policy.Valid() {
		return nil, fmt.Errorf("unknown consistency policy %q", string(policy))
	}
	return &CachingStore{
		inner:   inner,
		policy:  policy,
		entries: make(map[string]*cacheEntry),
		logger:  slog.Default().With("component", "state-cache"),
	}, nil
}

// cacheKey identifies an entry by store type plus the scope fields that
// participate in its lookup predicate, mirroring how the persistent layer
// resolves rows.
func cacheKey(st StoreType, addr Address) (string, error) {
	fields, err := st.scopeFields(addr)
	if err != nil {
		return "", err
	}
	return string(st) + ":" + strings.Join(fields, ":"), nil
}

// Load returns the cached record for (addr, st) when present; otherwise it
// delegates to the inner store and caches the result clean.
func (c *CachingStore) Load(ctx context.Context, addr Address, st StoreType) (*DataRecord, error) {
	key, err := cacheKey(st, addr)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok {
		rec := entry.rec
		c.mu.Unlock()
		cacheLookups.WithLabelValues("hit").Inc()
		return &rec, nil
	}
	c.mu.Unlock()
	cacheLookups.WithLabelValues("miss").Inc()

	rec, err := c.inner.Load(ctx, addr, st)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = &cacheEntry{addr: addr, rec: *rec, dirty: false}
	c.mu.Unlock()

	result := *rec
	return &result, nil
}

// Save updates the cache entry in place and marks it dirty. Nothing reaches
// the inner store until Flush; rec.ETag is left untouched here because the
// durable tag is only assigned at write-back.
func (c *CachingStore) Save(ctx context.Context, addr Address, st StoreType, rec *DataRecord) error {
	if rec == nil {
		return fmt.Errorf("record must not be nil")
	}
	key, err := cacheKey(st, addr)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		entry.addr = addr
		entry.rec.Data = rec.Data
		entry.dirty = true
		return nil
	}
	c.entries[key] = &cacheEntry{addr: addr, rec: *rec, dirty: true}
	return nil
}

// Flush writes every dirty entry for addr back to the inner store. All
// dirty entries are attempted; a failed entry stays dirty for the next
// flush and the first error encountered is returned. Returns true only if
// every write-back succeeded.
func (c *CachingStore) Flush(ctx context.Context, addr Address) (bool, error) {
	var firstErr error

	for _, st := range []StoreType{UserData, ConversationData, PrivateConversationData} {
		key, err := cacheKey(st, addr)
		if err != nil {
			// Address cannot hold state for this scope; nothing cached under it.
			continue
		}

		c.mu.Lock()
		entry, ok := c.entries[key]
		if !ok || !entry.dirty {
			c.mu.Unlock()
			continue
		}
		rec := entry.rec
		entryAddr := entry.addr
		c.mu.Unlock()

		if c.policy == LastWriteWins {
			rec.ETag = ETagAny
		}

		if err := c.inner.Save(ctx, entryAddr, st, &rec); err != nil {
			c.logger.Debug("flush write-back failed", "store_type", st, "channel", entryAddr.ChannelID, "error", err)
			flushTotal.WithLabelValues("error").Inc()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		c.mu.Lock()
		entry.rec.ETag = rec.ETag
		entry.dirty = false
		c.mu.Unlock()
	}

	if firstErr != nil {
		return false, firstErr
	}
	flushTotal.WithLabelValues("ok").Inc()
	return true, nil
}

// Invalidate drops any cached entries for addr, forcing the next Load to
// consult the inner store. Dirty entries are dropped too; callers invoke
// this only when discarding a turn's pending writes on purpose.
func (c *CachingStore) Invalidate(addr Address) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, st := range []StoreType{UserData, ConversationData, PrivateConversationData} {
		key, err := cacheKey(st, addr)
		if err != nil {
			continue
		}
		delete(c.entries, key)
	}
}

// Close releases the inner store.
func (c *CachingStore) Close() error {
	return c.inner.Close()
}

// Ensure CachingStore implements DataStore interface
var _ DataStore = (*CachingStore)(nil)
