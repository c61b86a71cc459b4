// Package orchestrator drives the 500ms poll/classify/flush cycle
// described in spec §4.P: fetch every configured antenna, classify
// what changed, batch the results, and flush both the clear and
// encrypted upload pipelines in parallel, all while staying inside the
// cycle's time budget.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/deradnet/DeRadar-Turbo-Backup/internal/archive"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/batch"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/callsign"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/classify"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/config"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/cryptokeys"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/encode"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/feed"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/keyshare"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/monitoring"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/statecache"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/stats"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/store"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/telemetry"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/upload"
)

const cycleBudget = 500 * time.Millisecond

// Orchestrator owns the per-tick pipeline. It is the single goroutine
// that touches the state cache, matching the teacher's single-owner
// aircraft map in backend.go.
type Orchestrator struct {
	feeds []*feed.Client
	cache *statecache.Cache

	clearPipeline     *upload.Pipeline
	encryptedPipeline *upload.Pipeline
	uuids             *batch.UUIDRegistry

	keyShare  *keyshare.Client
	db        *store.Store
	register  *stats.Register
	encryptor *cryptokeys.Encryptor

	appName string
}

// New builds an Orchestrator from resolved configuration and its
// collaborators. encryptor is shared with the snapshot backup job so
// both encrypt under the same master key; the snapshot job derives its
// key from a fixed UUID and does not use the minute-key cache.
func New(
	cfg *config.Config,
	cache *statecache.Cache,
	archiveClient *archive.Client,
	keyShareClient *keyshare.Client,
	db *store.Store,
	register *stats.Register,
	encryptor *cryptokeys.Encryptor,
) *Orchestrator {
	var feeds []*feed.Client
	for _, a := range cfg.Antennas {
		if !a.Enabled {
			continue
		}
		feeds = append(feeds, feed.New(a.URL))
	}

	return &Orchestrator{
		feeds:             feeds,
		cache:             cache,
		clearPipeline:     upload.New("clear", archiveClient, register),
		encryptedPipeline: upload.New("encrypted", archiveClient, register),
		uuids:             batch.NewUUIDRegistry(),
		keyShare:          keyShareClient,
		db:                db,
		register:          register,
		encryptor:         encryptor,
		appName:           "aircraft-ingest",
	}
}

// Run executes the poll/classify/flush cycle every 500ms until ctx is
// canceled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(cycleBudget)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

// tick runs one fetch->classify->flush cycle. Both upload pipelines are
// flushed concurrently so the slower of the two, not their sum, sets
// the cycle's tail latency.
func (o *Orchestrator) tick(ctx context.Context) {
	start := time.Now()

	o.register.RecordPoll(start)

	observations, totalMessages := o.fetchAll(ctx)
	result := classify.Tick(o.cache, observations, start)
	if len(result.OutOfRange) > 0 {
		log.Printf("orchestrator: %d aircraft dropped out of range", len(result.OutOfRange))
		if err := o.db.MarkOutOfRange(ctx, result.OutOfRange); err != nil {
			log.Printf("orchestrator: mark out of range: %v", err)
		}
	}
	if len(result.Events) == 0 {
		o.recordCycle(start)
		return
	}

	o.register.RecordAircraftSeen(len(result.Events), start)
	o.register.RecordClassification(countKind(result.Events, classify.New), countKind(result.Events, classify.Updated), countKind(result.Events, classify.Reappeared), start)
	batches := batch.Split(eventObservations(result.Events), start.Unix())

	// Remembered before the two pipelines run concurrently below: the
	// encrypted pipeline's Lookup (spec §4.E) must never race Remember,
	// or it would mint a diverging fallback UUID for the same batch.
	for _, bt := range batches {
		o.uuids.Remember(bt.BatchID, bt.PackageUUID)
	}

	done := make(chan struct{}, 2)
	go func() { o.flushClear(ctx, result.Events, batches, totalMessages); done <- struct{}{} }()
	go func() { o.flushEncrypted(ctx, result.Events, batches, totalMessages); done <- struct{}{} }()
	<-done
	<-done

	o.recordCycle(start)
}

// fetchAll polls every configured antenna and merges their aircraft
// lists. A later antenna's sighting of the same hex overwrites an
// earlier one's, since antennas are expected to be listed in
// operator-preferred priority order. The second return value is the
// sum of every antenna's reported message count for this poll, carried
// into the columnar encoder's snapshot_total_messages key column
// (spec §4.F).
func (o *Orchestrator) fetchAll(ctx context.Context) ([]telemetry.Observation, int32) {
	byHex := make(map[string]telemetry.Observation)
	var totalMessages int64
	for _, f := range o.feeds {
		resp, err := f.Fetch(ctx)
		if err != nil {
			log.Printf("orchestrator: feed fetch error: %v", err)
			continue
		}
		if resp == nil {
			continue
		}
		totalMessages += resp.Messages
		for _, a := range resp.Aircraft {
			if a.Hex == "" {
				continue
			}
			byHex[a.Hex] = a
		}
	}

	out := make([]telemetry.Observation, 0, len(byHex))
	for _, obs := range byHex {
		out = append(out, obs)
	}
	return out, telemetry.ClampInt32(totalMessages)
}

// countKind tallies how many events in one tick carry the given
// classification, used to roll per-tick counts into the lifetime
// new/updated/reappeared counters (spec §3, §4.D).
func countKind(events []classify.Event, kind classify.Kind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func eventObservations(events []classify.Event) []telemetry.Observation {
	out := make([]telemetry.Observation, len(events))
	for i, e := range events {
		out[i] = e.Observation
	}
	return out
}

// trackObservations projects classified events into the Track Store's
// row shape, folding the flight number to its canonical ICAO-prefixed
// form so the same aircraft isn't split across two rows depending on
// which airline code variant a given sighting happened to carry.
// txID and uploadedAt are only known once the batch these events
// belong to has actually cleared an upload, so callers pass them in
// per successful flush rather than once per tick (spec §3 AircraftTrack
// lifecycle: lastTxId/lastUploadedMs advance on a successful batch, not
// on a bare sighting).
func trackObservations(events []classify.Event, seenAt time.Time, txID string, uploadedAt time.Time) []store.TrackObservation {
	out := make([]store.TrackObservation, len(events))
	for i, ev := range events {
		o := ev.Observation
		var flight *string
		if f := telemetry.SafeString(o.Flight); f != nil {
			canonical := callsign.Canonical(*f)
			flight = &canonical
		}
		out[i] = store.TrackObservation{
			Hex:            o.Hex,
			Flight:         flight,
			Lat:            telemetry.SafeNumber(o.Lat),
			Lon:            telemetry.SafeNumber(o.Lon),
			AltBaro:        telemetry.SafeNumeric(o.AltBaro),
			Registration:   telemetry.SafeString(o.R),
			AircraftType:   telemetry.SafeString(o.T),
			SeenAtUnix:     seenAt.Unix(),
			TxID:           txID,
			UploadedAtUnix: uploadedAt.Unix(),
			IsUpdate:       ev.Kind == classify.Updated,
		}
	}
	return out
}

func (o *Orchestrator) recordCycle(start time.Time) {
	elapsed := time.Since(start)
	monitoring.CycleDuration.Observe(elapsed.Seconds())
	if elapsed > cycleBudget {
		monitoring.CycleOverrunTotal.Inc()
		log.Printf("orchestrator: cycle took %s, exceeding the %s budget", elapsed, cycleBudget)
	}
}

// flushClear encodes the batch of events and uploads it through the
// clear-text pipeline, persisting the resulting archive record.
func (o *Orchestrator) flushClear(ctx context.Context, events []classify.Event, batches []batch.Batch, snapshotTotalMessages int32) {
	for _, bt := range batches {
		batchEvents := eventsInBatch(events, bt)
		now := time.Now()
		buf, err := encode.Encode(now.UnixMilli(), snapshotTotalMessages, batchEvents)
		if err != nil {
			log.Printf("orchestrator: clear encode batch %s: %v", bt.BatchID, err)
			continue
		}

		tags := baseBatchTags(o.appName, bt.BatchID, bt.PackageUUID, batchEvents, len(buf), now, false)
		tags = append(tags, archive.Tag{Name: "Content-Type", Value: "application/parquet"})

		txID, err := o.clearPipeline.Upload(ctx, buf, tags)
		if err != nil {
			log.Printf("orchestrator: clear upload batch %s: %v", bt.BatchID, err)
			continue
		}
		uploadedAt := time.Now()
		o.register.RecordBatch("clear", uploadedAt)
		if err := o.db.InsertArchiveRecord(ctx, store.ArchiveRecord{
			BatchID:       bt.BatchID,
			PackageUUID:   bt.PackageUUID,
			TxID:          txID,
			RecordCount:   len(batchEvents),
			Source:        o.appName,
			TimestampUnix: now.Unix(),
			AircraftCount: len(batchEvents),
			FileSizeKB:    float64(len(buf)) / 1024,
			Format:        "parquet",
			ICAOAddresses: icaoAddressesJSON(batchEvents),
		}); err != nil {
			log.Printf("orchestrator: persist archive record %s: %v", bt.BatchID, err)
		}
		if err := o.db.UpsertTracks(ctx, trackObservations(batchEvents, now, txID, uploadedAt)); err != nil {
			log.Printf("orchestrator: upsert tracks for clear batch %s: %v", bt.BatchID, err)
		}
	}
}

// flushEncrypted seals each batch under the current minute's shared key
// and uploads it through the encrypted pipeline, sharing the key
// out-of-band at most once per minute regardless of how many batches
// that minute produces.
func (o *Orchestrator) flushEncrypted(ctx context.Context, events []classify.Event, batches []batch.Batch, snapshotTotalMessages int32) {
	for _, bt := range batches {
		// Looked up rather than read off bt.PackageUUID directly: this
		// is the coupling path spec §4.E describes, where the clear
		// pipeline mints the UUID and the encrypted pipeline recovers
		// it by batchId.
		pkgUUID := o.uuids.Lookup(bt.BatchID)
		batchEvents := eventsInBatch(events, bt)
		now := time.Now()

		buf, err := encode.Encode(now.UnixMilli(), snapshotTotalMessages, batchEvents)
		if err != nil {
			log.Printf("orchestrator: encrypted encode batch %s: %v", bt.BatchID, err)
			continue
		}

		minuteKey, err := o.encryptor.GetOrGenerateMinuteKey(now)
		if err != nil {
			log.Printf("orchestrator: derive minute key for batch %s: %v", bt.BatchID, err)
			continue
		}
		// Sealed before entering the pipeline's retry loop: the same
		// IV and key must be resubmitted on every retry attempt, or
		// the archived Data-Hash tag would stop matching the plaintext.
		sealed, err := o.encryptor.EncryptBuffer(now, pkgUUID, buf)
		if err != nil {
			log.Printf("orchestrator: encrypt batch %s: %v", bt.BatchID, err)
			continue
		}

		tags := baseBatchTags(o.appName, bt.BatchID, pkgUUID, batchEvents, len(sealed.Ciphertext), now, true)
		tags = append(tags,
			archive.Tag{Name: "Content-Type", Value: "application/octet-stream"},
			archive.Tag{Name: "Encryption-Key-UUID", Value: sealed.KeyUUID},
			archive.Tag{Name: "Encryption-Algorithm", Value: "AES-256-GCM"},
			archive.Tag{Name: "Data-Hash", Value: hexEncode(sealed.DataHash[:])},
		)

		txID, err := o.encryptedPipeline.Upload(ctx, sealed.Ciphertext, tags)
		if err != nil {
			log.Printf("orchestrator: encrypted upload batch %s: %v", bt.BatchID, err)
			continue
		}
		uploadedAt := time.Now()
		o.register.RecordBatch("encrypted", uploadedAt)
		o.keyShare.ShareAsync(sealed.KeyUUID, minuteKey.RawKey)

		if err := o.db.InsertEncryptedArchiveRecord(ctx, store.EncryptedArchiveRecord{
			BatchID:             bt.BatchID,
			PackageUUID:         pkgUUID,
			TxID:                txID,
			DataHash:            hexEncode(sealed.DataHash[:]),
			KeyUUID:             sealed.KeyUUID,
			RecordCount:         len(batchEvents),
			Source:              o.appName,
			TimestampUnix:       now.Unix(),
			AircraftCount:       len(batchEvents),
			FileSizeKB:          float64(len(sealed.Ciphertext)) / 1024,
			Format:              "parquet",
			ICAOAddresses:       icaoAddressesJSON(batchEvents),
			EncryptionAlgorithm: "AES-256-GCM",
		}); err != nil {
			log.Printf("orchestrator: persist encrypted archive record %s: %v", bt.BatchID, err)
		}
		if err := o.db.UpsertTracks(ctx, trackObservations(batchEvents, now, txID, uploadedAt)); err != nil {
			log.Printf("orchestrator: upsert tracks for encrypted batch %s: %v", bt.BatchID, err)
		}
	}
}

// icaoAddressesJSON renders the batch's ICAO hexes as a JSON array for
// the archive_records.icao_addresses column (spec §6: lazily selected,
// not part of the default query projection).
func icaoAddressesJSON(events []classify.Event) string {
	var sb []byte
	sb = append(sb, '[')
	for i, ev := range events {
		if i > 0 {
			sb = append(sb, ',')
		}
		sb = append(sb, '"')
		sb = append(sb, ev.Observation.Hex...)
		sb = append(sb, '"')
	}
	sb = append(sb, ']')
	return string(sb)
}

// baseBatchTags builds the tag set common to both pipelines (spec §6),
// with one ICAO tag per aircraft and one Callsign tag per aircraft that
// reported a flight number.
func baseBatchTags(appName, batchID, packageUUID string, events []classify.Event, sizeBytes int, now time.Time, encrypted bool) []archive.Tag {
	tags := []archive.Tag{
		{Name: "App-Name", Value: appName},
		{Name: "Timestamp", Value: now.UTC().Format("200601021504")},
		{Name: "Format", Value: "Parquet"},
		{Name: "Schema-Version", Value: "2.0"},
		{Name: "Schema-Type", Value: "batch-aircraft"},
		{Name: "Aircraft-Count", Value: fmt.Sprintf("%d", len(events))},
		{Name: "File-Size-KB", Value: fmt.Sprintf("%d", (sizeBytes+1023)/1024)},
		{Name: "Data-Format", Value: "aviation-realtime-batch"},
		{Name: "Batch-Timestamp", Value: batchID},
		{Name: "Package-Uuid", Value: packageUUID},
		{Name: "Encrypted", Value: fmt.Sprintf("%t", encrypted)},
	}
	for _, ev := range events {
		o := ev.Observation
		tags = append(tags, archive.Tag{Name: "ICAO", Value: o.Hex})
		if f := telemetry.SafeString(o.Flight); f != nil {
			tags = append(tags, archive.Tag{Name: "Callsign", Value: *f})
		}
	}
	return tags
}

// eventsInBatch filters events down to those whose hex appears in bt.
func eventsInBatch(events []classify.Event, bt batch.Batch) []classify.Event {
	hexes := make(map[string]struct{}, len(bt.Observations))
	for _, o := range bt.Observations {
		hexes[o.Hex] = struct{}{}
	}
	out := make([]classify.Event, 0, len(bt.Observations))
	for _, ev := range events {
		if _, ok := hexes[ev.Observation.Hex]; ok {
			out = append(out, ev)
		}
	}
	return out
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}
