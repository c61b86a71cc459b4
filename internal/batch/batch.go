// Package batch groups classified observations into upload-sized
// batches per spec §4.E: a 30-record cap, a package UUID (v4) minted
// per batch, and a deterministic batch ID of the form
// snapshotSeconds-firstHex-ordinal so retries of the same batch are
// recognisably the same batch to downstream consumers.
package batch

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deradnet/DeRadar-Turbo-Backup/internal/telemetry"
)

// MaxSize is the maximum number of observations in one batch.
const MaxSize = 30

// registryTTL is how long a batchId -> packageUuid mapping is kept
// around for the encrypted pipeline to recover it (spec §4.E/§9:
// "Cross-pipeline UUID coupling").
const registryTTL = 5 * time.Minute

// Batch is one upload unit.
type Batch struct {
	BatchID      string
	PackageUUID  string
	Observations []telemetry.Observation
}

// Split partitions observations into batches of at most MaxSize
// records, each stamped with a fresh package UUID and a deterministic
// batch ID computed from the chunk's snapshot second, first hex, and
// ordinal position.
func Split(observations []telemetry.Observation, snapshotSeconds int64) []Batch {
	var batches []Batch
	for start, ordinal := 0, 0; start < len(observations); start, ordinal = start+MaxSize, ordinal+1 {
		end := start + MaxSize
		if end > len(observations) {
			end = len(observations)
		}
		chunk := observations[start:end]
		batches = append(batches, Batch{
			BatchID:      batchID(snapshotSeconds, chunk[0].Hex, ordinal),
			PackageUUID:  uuid.NewString(),
			Observations: chunk,
		})
	}
	return batches
}

// batchId implements spec §3's batchId = snapshotSeconds + "-" +
// firstHex + "-" + ordinal.
func batchID(snapshotSeconds int64, firstHex string, ordinal int) string {
	return fmt.Sprintf("%d-%s-%d", snapshotSeconds, firstHex, ordinal)
}

type registryEntry struct {
	uuid    string
	expires time.Time
}

// UUIDRegistry is the bounded map spec §4.E/§9 describes: the clear
// pipeline mints and remembers a batch's packageUuid, and the
// encrypted pipeline looks it up by batchId so the same chunk of
// observations carries one packageUuid across both destinations.
// Entries older than registryTTL are purged lazily; a lookup past
// expiry (or never remembered) mints a fresh fallback UUID rather than
// blocking the encrypted pipeline, trading the coupling guarantee for
// liveness in that pathological-lag case.
type UUIDRegistry struct {
	mu      sync.Mutex
	entries map[string]registryEntry
}

func NewUUIDRegistry() *UUIDRegistry {
	return &UUIDRegistry{entries: make(map[string]registryEntry)}
}

// Remember associates batchID with packageUUID for registryTTL.
func (r *UUIDRegistry) Remember(batchID, packageUUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeLocked(time.Now())
	r.entries[batchID] = registryEntry{uuid: packageUUID, expires: time.Now().Add(registryTTL)}
}

// Lookup returns the remembered package UUID for batchID, or mints and
// remembers a fallback UUID if none is found or it has expired.
func (r *UUIDRegistry) Lookup(batchID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.purgeLocked(now)

	if e, ok := r.entries[batchID]; ok {
		return e.uuid
	}
	fallback := uuid.NewString()
	log.Printf("batch: no package uuid remembered for batch %s, minting fallback %s", batchID, fallback)
	r.entries[batchID] = registryEntry{uuid: fallback, expires: now.Add(registryTTL)}
	return fallback
}

func (r *UUIDRegistry) purgeLocked(now time.Time) {
	for id, e := range r.entries {
		if now.After(e.expires) {
			delete(r.entries, id)
		}
	}
}
