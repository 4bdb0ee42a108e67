package pairly

import "sync"

// ============================================================================
// Presence Cache
// ============================================================================

// PresenceEntry is the last-known online state observed for one user.
type PresenceEntry struct {
	UserID     string
	Online     bool
	ObservedAt uint64
}

// PresenceCache maps user IDs to their last-known online state. The
// transport gives no ordering guarantee, so every update carries an
// observation stamp and conflicts resolve last-write-wins: whichever update
// carries the larger stamp sticks, regardless of arrival order.
//
// The cache never reaches out to the network; a miss falls back to whatever
// stale flag the caller already holds.
type PresenceCache struct {
	mu      sync.RWMutex
	entries map[string]PresenceEntry
}

func NewPresenceCache() *PresenceCache {
	return &PresenceCache{
		entries: make(map[string]PresenceEntry),
	}
}

// Update records an observation. A stamp strictly smaller than the stored
// entry's means the event is stale and is dropped silently.
func (p *PresenceCache) Update(userID string, online bool, observedAt uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.entries[userID]; ok && existing.ObservedAt > observedAt {
		return
	}
	p.entries[userID] = PresenceEntry{UserID: userID, Online: online, ObservedAt: observedAt}
}

// Get returns the cached state for userID, or fallback when nothing has been
// observed yet. fallback is typically the isOnline flag from a profile
// snapshot.
func (p *PresenceCache) Get(userID string, fallback bool) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if entry, ok := p.entries[userID]; ok {
		return entry.Online
	}
	return fallback
}

// Len returns the number of users with a live observation.
func (p *PresenceCache) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
