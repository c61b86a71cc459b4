// Package statecache holds the orchestrator's single-owner, in-memory
// view of every aircraft currently being tracked, per spec §4.C. It is
// not safe for concurrent use by design: the orchestrator is the only
// goroutine that ever touches it, the same way the teacher's
// backend.go keeps its aircraft map behind one owning goroutine.
package statecache

import "time"

// Entry is one aircraft's cached state.
type Entry struct {
	Fingerprint uint64
	LastSeen    time.Time
	// EvictedAt is the zero time while the entry is live. Once the TTL
	// elapses without a fresh observation, the entry is moved into the
	// tombstone state below rather than deleted outright, so a later
	// sighting within the reappear window is classified REAPPEARED
	// instead of NEW.
	EvictedAt time.Time
}

func (e Entry) live() bool { return e.EvictedAt.IsZero() }

// Cache is the TTL/reappear-window aircraft state table. Both stages
// are governed by the single reappearThreshold the spec's glossary
// defines (5 minutes): an aircraft unseen for longer than the
// threshold is evicted to a tombstone, and a tombstone older than the
// same threshold is purged outright. Using one duration for both
// stages is deliberate — splitting them (e.g. a short TTL with a
// longer reappear window) misclassifies an aircraft that returns
// between the two as REAPPEARED when spec §4.D step 3 still requires
// UPDATED/unchanged.
type Cache struct {
	reappearThreshold time.Duration
	entries           map[string]Entry
}

// New builds a Cache keyed to the given reappearThreshold: how long an
// aircraft may go unseen before it's considered gone, and how long its
// tombstone is then kept so a later sighting reads as REAPPEARED
// rather than NEW.
func New(reappearThreshold time.Duration) *Cache {
	return &Cache{
		reappearThreshold: reappearThreshold,
		entries:           make(map[string]Entry),
	}
}

// Lookup reports the cached entry for hex, if any is still remembered
// (live or tombstoned within the reappear window).
func (c *Cache) Lookup(hex string) (Entry, bool) {
	e, ok := c.entries[hex]
	return e, ok
}

// Observe records a fresh sighting of hex at the given fingerprint and
// time, clearing any tombstone.
func (c *Cache) Observe(hex string, fp uint64, now time.Time) {
	c.entries[hex] = Entry{Fingerprint: fp, LastSeen: now}
}

// Sweep walks the cache, tombstoning entries whose TTL has elapsed and
// permanently removing tombstones older than the reappear window. It
// returns the hexes that crossed from live to tombstoned this sweep,
// which the classifier reports as "out of range" for the tick.
func (c *Cache) Sweep(now time.Time) []string {
	var newlyStale []string
	for hex, e := range c.entries {
		if e.live() {
			if now.Sub(e.LastSeen) > c.reappearThreshold {
				e.EvictedAt = now
				c.entries[hex] = e
				newlyStale = append(newlyStale, hex)
			}
			continue
		}
		if now.Sub(e.EvictedAt) > c.reappearThreshold {
			delete(c.entries, hex)
		}
	}
	return newlyStale
}

// Len returns the number of entries currently tracked, live or
// tombstoned, for the statecache_entries gauge.
func (c *Cache) Len() int { return len(c.entries) }
