/**
 * @description
 * The in-process cache tier. It is a plain map guarded by a RWMutex: zero
 * network, no timeouts, immediate reads and writes so the UI sees its own
 * changes instantly. It is never treated as a source of truth when it
 * disagrees with the ledger.
 *
 * The cache also owns the per-group keyed mutex that serializes all mutating
 * operations against one group. The original join protocol was a bare
 * check-then-act; routing every read-modify-write for a group through its
 * lock closes that race inside the process.
 *
 * @dependencies
 * - sort, strings, sync: Standard Go libraries.
 * - internal/domain: The group model.
 */

package store

import (
	"sort"
	"strings"
	"sync"

	"github.com/squadsave/group-service/internal/domain"
)

// CacheStore is the process-local group cache.
type CacheStore struct {
	mu     sync.RWMutex
	groups map[string]*domain.Group

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewCacheStore returns an empty cache.
func NewCacheStore() *CacheStore {
	return &CacheStore{
		groups: make(map[string]*domain.Group),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Get returns a deep copy of the cached group, or ErrGroupNotFound.
func (c *CacheStore) Get(groupID string) (*domain.Group, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	g, ok := c.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return g.Clone(), nil
}

// Put overwrites the cached record in place, last write wins. The stored
// value is a copy; the caller keeps ownership of its argument.
func (c *CacheStore) Put(g *domain.Group) {
	if g == nil || g.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[g.ID] = g.Clone()
}

// Delete removes the record. Deleting a missing id is a no-op.
func (c *CacheStore) Delete(groupID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.groups, groupID)
}

// List returns copies of all cached groups, newest first. When filterAddress
// is non-empty only groups the address belongs to are returned.
func (c *CacheStore) List(filterAddress string) []*domain.Group {
	c.mu.RLock()
	defer c.mu.RUnlock()

	normalized := domain.NormalizeAddress(filterAddress)
	out := make([]*domain.Group, 0, len(c.groups))
	for _, g := range c.groups {
		if normalized != "" && !g.HasMember(normalized) {
			continue
		}
		out = append(out, g.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// FindByInviteCode returns the active group holding the code, or
// ErrGroupNotFound. Lookup is case-insensitive; codes are stored uppercase.
func (c *CacheStore) FindByInviteCode(code string) (*domain.Group, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if normalized == "" {
		return nil, ErrGroupNotFound
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, g := range c.groups {
		if g.IsActive && g.InviteCode == normalized {
			return g.Clone(), nil
		}
	}
	return nil, ErrGroupNotFound
}

// ActiveInviteCodes returns the set of invite codes held by active groups,
// used for collision checks during generation.
func (c *CacheStore) ActiveInviteCodes() map[string]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	codes := make(map[string]struct{}, len(c.groups))
	for _, g := range c.groups {
		if g.IsActive && g.InviteCode != "" {
			codes[g.InviteCode] = struct{}{}
		}
	}
	return codes
}

// Lock acquires the per-group mutex. Every mutating operation on a group
// must hold it for the full read-modify-write cycle.
func (c *CacheStore) Lock(groupID string) {
	c.groupLock(groupID).Lock()
}

// Unlock releases the per-group mutex.
func (c *CacheStore) Unlock(groupID string) {
	c.groupLock(groupID).Unlock()
}

func (c *CacheStore) groupLock(groupID string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()

	l, ok := c.locks[groupID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[groupID] = l
	}
	return l
}
