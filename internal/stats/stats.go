// Package stats is the in-memory statistics register described in
// spec §4.L: a 12-bucket, 5-second-resolution transactions-per-minute
// counter, a 30-point rolling history for the live dashboard chart, and
// debounced persistence of the running totals into the system_stats
// singleton row.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/deradnet/DeRadar-Turbo-Backup/internal/monitoring"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/store"
)

const (
	bucketWidth  = 5 * time.Second
	bucketCount  = 12 // 12 * 5s = 60s window
	historySize  = 30
)

// Register accumulates counters and exposes the rolling TPM figure. It
// is safe for concurrent use: the orchestrator, both upload pipelines,
// and the debounce job all touch it independently.
type Register struct {
	mu sync.Mutex

	buckets     [bucketCount]int64
	bucketStart time.Time
	peakTPM     float64

	history []int64 // most recent last

	totalAircraftSeen  int64
	totalBatchesClear  int64
	totalBatchesCipher int64

	polls int64

	uploadAttemptedClear     int64
	uploadFailedClear        int64
	uploadRetriesClear       int64
	uploadAttemptedEncrypted int64
	uploadFailedEncrypted    int64
	uploadRetriesEncrypted   int64

	aircraftNew        int64
	aircraftUpdated    int64
	aircraftReappeared int64

	dirty bool
}

// New builds an empty Register anchored at now.
func New(now time.Time) *Register {
	return &Register{bucketStart: now}
}

// RecordAircraftSeen increments the lifetime aircraft-seen counter and
// the current TPM bucket by n (one per classified event in a tick).
func (r *Register) RecordAircraftSeen(n int, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked(now)
	r.totalAircraftSeen += int64(n)
	r.buckets[0] += int64(n)
	r.dirty = true
}

// RecordBatch increments the lifetime batch counter for the named
// pipeline ("clear" or "encrypted").
func (r *Register) RecordBatch(pipeline string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked(now)
	switch pipeline {
	case "clear":
		r.totalBatchesClear++
	case "encrypted":
		r.totalBatchesCipher++
	}
	r.dirty = true
}

// RecordPoll counts one orchestrator tick, whether or not it produced
// any change events, toward the "polls" counter in spec §3's
// SystemStats.
func (r *Register) RecordPoll(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked(now)
	r.polls++
	r.dirty = true
}

// RecordClassification folds one tick's NEW/UPDATED/REAPPEARED counts
// into the lifetime aircraft-accounting counters (spec §3, §4.D).
func (r *Register) RecordClassification(newCount, updatedCount, reappearedCount int, now time.Time) {
	if newCount == 0 && updatedCount == 0 && reappearedCount == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked(now)
	r.aircraftNew += int64(newCount)
	r.aircraftUpdated += int64(updatedCount)
	r.aircraftReappeared += int64(reappearedCount)
	r.dirty = true
}

// RecordUploadAttempt counts the first attempt of an upload.Pipeline
// call for the named pipeline ("clear" or "encrypted"), matching
// upload.Pipeline's own "attempted++ on first attempt only" rule so the
// persisted counter and the in-pipeline Prometheus counter never drift
// apart.
func (r *Register) RecordUploadAttempt(pipeline string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked(now)
	switch pipeline {
	case "clear":
		r.uploadAttemptedClear++
	case "encrypted":
		r.uploadAttemptedEncrypted++
	}
	r.dirty = true
}

// RecordUploadRetry counts one retry (a failed attempt that was not the
// final one) for the named pipeline.
func (r *Register) RecordUploadRetry(pipeline string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked(now)
	switch pipeline {
	case "clear":
		r.uploadRetriesClear++
	case "encrypted":
		r.uploadRetriesEncrypted++
	}
	r.dirty = true
}

// RecordUploadFailure counts a batch that exhausted all retries without
// succeeding. RecordBatch (the existing "succeeded" counter) is the
// complement: invariant 1 (attempted == succeeded + failed) holds across
// RecordUploadAttempt, RecordBatch, and RecordUploadFailure together.
func (r *Register) RecordUploadFailure(pipeline string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked(now)
	switch pipeline {
	case "clear":
		r.uploadFailedClear++
	case "encrypted":
		r.uploadFailedEncrypted++
	}
	r.dirty = true
}

// advanceLocked rotates the bucket ring forward to now, zeroing any
// buckets whose 5-second window has fully elapsed. Must be called with
// mu held.
func (r *Register) advanceLocked(now time.Time) {
	elapsed := now.Sub(r.bucketStart)
	if elapsed < bucketWidth {
		return
	}
	shift := int(elapsed / bucketWidth)
	if shift > bucketCount {
		shift = bucketCount
	}
	for i := 0; i < shift; i++ {
		copy(r.buckets[1:], r.buckets[:bucketCount-1])
		r.buckets[0] = 0
	}
	r.bucketStart = r.bucketStart.Add(time.Duration(shift) * bucketWidth)

	tpm := r.tpmLocked()
	if tpm > r.peakTPM {
		r.peakTPM = tpm
	}
	r.history = append(r.history, sumBuckets(r.buckets))
	if len(r.history) > historySize {
		r.history = r.history[len(r.history)-historySize:]
	}

	monitoring.TpmCurrent.Set(tpm)
	monitoring.TpmPeak.Set(r.peakTPM)
}

func sumBuckets(buckets [bucketCount]int64) int64 {
	var sum int64
	for _, b := range buckets {
		sum += b
	}
	return sum
}

func (r *Register) tpmLocked() float64 {
	return float64(sumBuckets(r.buckets))
}

// Snapshot is the point-in-time view served to the live stats broadcast
// and persisted by the debounce job.
type Snapshot struct {
	TPMCurrent         float64
	TPMPeak            float64
	History            []int64
	TotalAircraftSeen  int64
	TotalBatchesClear  int64
	TotalBatchesCipher int64

	Polls int64

	UploadAttemptedClear     int64
	UploadFailedClear        int64
	UploadRetriesClear       int64
	UploadAttemptedEncrypted int64
	UploadFailedEncrypted    int64
	UploadRetriesEncrypted   int64

	AircraftNew        int64
	AircraftUpdated    int64
	AircraftReappeared int64
}

// Snapshot advances the TPM window to now (rotating buckets, history and
// peak as needed) and then returns a copy of the current state.
func (r *Register) Snapshot(now time.Time) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advanceLocked(now)

	hist := make([]int64, len(r.history))
	copy(hist, r.history)

	return Snapshot{
		TPMCurrent:         r.tpmLocked(),
		TPMPeak:            r.peakTPM,
		History:            hist,
		TotalAircraftSeen:  r.totalAircraftSeen,
		TotalBatchesClear:  r.totalBatchesClear,
		TotalBatchesCipher: r.totalBatchesCipher,

		Polls: r.polls,

		UploadAttemptedClear:     r.uploadAttemptedClear,
		UploadFailedClear:        r.uploadFailedClear,
		UploadRetriesClear:       r.uploadRetriesClear,
		UploadAttemptedEncrypted: r.uploadAttemptedEncrypted,
		UploadFailedEncrypted:    r.uploadFailedEncrypted,
		UploadRetriesEncrypted:   r.uploadRetriesEncrypted,

		AircraftNew:        r.aircraftNew,
		AircraftUpdated:    r.aircraftUpdated,
		AircraftReappeared: r.aircraftReappeared,
	}
}

// PersistIfDirty writes the running totals to the system_stats singleton
// row if anything changed since the last call, and clears the dirty
// flag. Intended to run on a 5-second gocron schedule.
func (r *Register) PersistIfDirty(ctx context.Context, db *store.Store) error {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	snap := store.SystemStats{
		Polls:              r.polls,
		TotalAircraftSeen:  r.totalAircraftSeen,
		TotalBatchesClear:  r.totalBatchesClear,
		TotalBatchesCipher: r.totalBatchesCipher,

		UploadAttemptedClear:     r.uploadAttemptedClear,
		UploadFailedClear:        r.uploadFailedClear,
		UploadRetriesClear:       r.uploadRetriesClear,
		UploadAttemptedEncrypted: r.uploadAttemptedEncrypted,
		UploadFailedEncrypted:    r.uploadFailedEncrypted,
		UploadRetriesEncrypted:   r.uploadRetriesEncrypted,

		AircraftNew:        r.aircraftNew,
		AircraftUpdated:    r.aircraftUpdated,
		AircraftReappeared: r.aircraftReappeared,

		TPMPeak: r.peakTPM,
	}
	r.dirty = false
	r.mu.Unlock()

	return db.SaveSystemStats(ctx, snap)
}

// LoadFrom seeds the register's lifetime counters from a previously
// persisted snapshot, called at boot by the restore-on-start
// reconciliation with whichever side it picked.
func (r *Register) LoadFrom(s store.SystemStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls = s.Polls
	r.totalAircraftSeen = s.TotalAircraftSeen
	r.totalBatchesClear = s.TotalBatchesClear
	r.totalBatchesCipher = s.TotalBatchesCipher

	r.uploadAttemptedClear = s.UploadAttemptedClear
	r.uploadFailedClear = s.UploadFailedClear
	r.uploadRetriesClear = s.UploadRetriesClear
	r.uploadAttemptedEncrypted = s.UploadAttemptedEncrypted
	r.uploadFailedEncrypted = s.UploadFailedEncrypted
	r.uploadRetriesEncrypted = s.UploadRetriesEncrypted

	r.aircraftNew = s.AircraftNew
	r.aircraftUpdated = s.AircraftUpdated
	r.aircraftReappeared = s.AircraftReappeared

	r.peakTPM = s.TPMPeak
}
