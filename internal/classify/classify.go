// Package classify turns one feed tick into the set of events the rest
// of the pipeline acts on, per spec §4.D: NEW, UPDATED, and REAPPEARED
// aircraft, plus the hexes that dropped out of range since the last
// tick. Unchanged aircraft and duplicate hexes within a tick produce no
// event.
package classify

import (
	"log"
	"time"

	"github.com/deradnet/DeRadar-Turbo-Backup/internal/fingerprint"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/monitoring"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/statecache"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/telemetry"
)

// Kind is the classification assigned to one observation in a tick.
type Kind string

const (
	New        Kind = "NEW"
	Updated    Kind = "UPDATED"
	Reappeared Kind = "REAPPEARED"
)

// Event pairs an observation with the reason it was reported.
type Event struct {
	Kind        Kind
	Observation telemetry.Observation
}

// Result is everything one tick produced.
type Result struct {
	Events     []Event
	OutOfRange []string // hexes that just crossed the TTL boundary this tick
}

// Tick classifies a batch of observations against the cache, updating
// the cache in place. hex values repeated within observations are
// rejected after the first occurrence: the feed is expected to publish
// each aircraft at most once per tick, and a duplicate almost always
// indicates a malformed upstream payload.
func Tick(cache *statecache.Cache, observations []telemetry.Observation, now time.Time) Result {
	var result Result
	seen := make(map[string]struct{}, len(observations))

	for _, o := range observations {
		if o.Hex == "" {
			continue
		}
		if _, dup := seen[o.Hex]; dup {
			log.Printf("classify: duplicate hex %s within tick, ignoring repeat", o.Hex)
			continue
		}
		seen[o.Hex] = struct{}{}

		fp := fingerprint.Of(o)
		entry, known := cache.Lookup(o.Hex)

		switch {
		case !known:
			result.Events = append(result.Events, Event{Kind: New, Observation: o})
			monitoring.AircraftNewTotal.Inc()
		case entry.EvictedAt.IsZero():
			if entry.Fingerprint != fp {
				result.Events = append(result.Events, Event{Kind: Updated, Observation: o})
				monitoring.AircraftUpdatedTotal.Inc()
			}
			// else: unchanged, no event
		default:
			result.Events = append(result.Events, Event{Kind: Reappeared, Observation: o})
			monitoring.AircraftReappearedTotal.Inc()
		}

		cache.Observe(o.Hex, fp, now)
	}

	result.OutOfRange = cache.Sweep(now)
	monitoring.StateCacheSize.Set(float64(cache.Len()))
	return result
}
