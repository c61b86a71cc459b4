// Package store is the relational persistence layer described in
// spec §4.K: archive records for both upload pipelines, the per-aircraft
// track table, and the singleton system stats row (the one table
// restore-and-reconcile reads). It replaces the teacher's BuntDB key-value store with a
// true relational schema (sqlx + squirrel query building, golang-migrate
// embedded migrations, mattn/go-sqlite3 driver) because the composite
// recency index, idempotent bulk upsert across two racing pipelines,
// and the UPDATE-in-place singleton row all need real SQL semantics
// BuntDB doesn't offer. The migration wiring mirrors the teacher-repo
// pack's ClusterCockpit-style embedded iofs migrations.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/sqlite3/*.sql
var migrationFiles embed.FS

// Store wraps the aircraft-ingest database.
type Store struct {
	db *sqlx.DB
}

// Open connects to the sqlite3 database at path, running any pending
// migrations before returning.
func Open(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 writer serialization

	if err := migrateUp(db.DB); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationFiles, "migrations/sqlite3")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// ArchiveRecord is one row of a completed clear-pipeline upload.
type ArchiveRecord struct {
	ID            int64     `db:"id"`
	BatchID       string    `db:"batch_id"`
	PackageUUID   string    `db:"package_uuid"`
	TxID          string    `db:"tx_id"`
	RecordCount   int       `db:"record_count"`
	Source        string    `db:"source"`
	TimestampUnix int64     `db:"timestamp_unix"`
	AircraftCount int       `db:"aircraft_count"`
	FileSizeKB    float64   `db:"file_size_kb"`
	Format        string    `db:"format"`
	ICAOAddresses string    `db:"icao_addresses"` // JSON array, lazily selected per spec §6
	CreatedAt     time.Time `db:"created_at"`
}

// EncryptedArchiveRecord is one row of a completed encrypted-pipeline
// upload.
type EncryptedArchiveRecord struct {
	ID                  int64     `db:"id"`
	BatchID             string    `db:"batch_id"`
	PackageUUID         string    `db:"package_uuid"`
	TxID                string    `db:"tx_id"`
	DataHash            string    `db:"data_hash"`
	KeyUUID             string    `db:"key_uuid"`
	RecordCount         int       `db:"record_count"`
	Source              string    `db:"source"`
	TimestampUnix       int64     `db:"timestamp_unix"`
	AircraftCount       int       `db:"aircraft_count"`
	FileSizeKB          float64   `db:"file_size_kb"`
	Format              string    `db:"format"`
	ICAOAddresses       string    `db:"icao_addresses"`
	EncryptionAlgorithm string    `db:"encryption_algorithm"`
	CreatedAt           time.Time `db:"created_at"`
}

// InsertArchiveRecord idempotently records a clear-pipeline upload: a
// retried upload of the same batch ID is a no-op rather than a
// duplicate row or an error.
func (s *Store) InsertArchiveRecord(ctx context.Context, r ArchiveRecord) error {
	if r.Format == "" {
		r.Format = "parquet"
	}
	if r.ICAOAddresses == "" {
		r.ICAOAddresses = "[]"
	}
	q, args, err := sq.Insert("archive_records").
		Columns("batch_id", "package_uuid", "tx_id", "record_count", "source", "timestamp_unix", "aircraft_count", "file_size_kb", "format", "icao_addresses").
		Values(r.BatchID, r.PackageUUID, r.TxID, r.RecordCount, r.Source, r.TimestampUnix, r.AircraftCount, r.FileSizeKB, r.Format, r.ICAOAddresses).
		Suffix("ON CONFLICT(batch_id) DO NOTHING").
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build archive insert: %w", err)
	}
	_, err = s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("store: insert archive record: %w", err)
	}
	return nil
}

// InsertEncryptedArchiveRecord is InsertArchiveRecord's encrypted-pipeline
// counterpart.
func (s *Store) InsertEncryptedArchiveRecord(ctx context.Context, r EncryptedArchiveRecord) error {
	if r.Format == "" {
		r.Format = "parquet"
	}
	if r.ICAOAddresses == "" {
		r.ICAOAddresses = "[]"
	}
	if r.EncryptionAlgorithm == "" {
		r.EncryptionAlgorithm = "AES-256-GCM"
	}
	q, args, err := sq.Insert("encrypted_archive_records").
		Columns("batch_id", "package_uuid", "tx_id", "data_hash", "key_uuid", "record_count", "source", "timestamp_unix", "aircraft_count", "file_size_kb", "format", "icao_addresses", "encryption_algorithm").
		Values(r.BatchID, r.PackageUUID, r.TxID, r.DataHash, r.KeyUUID, r.RecordCount, r.Source, r.TimestampUnix, r.AircraftCount, r.FileSizeKB, r.Format, r.ICAOAddresses, r.EncryptionAlgorithm).
		Suffix("ON CONFLICT(batch_id) DO NOTHING").
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build encrypted archive insert: %w", err)
	}
	_, err = s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("store: insert encrypted archive record: %w", err)
	}
	return nil
}

// RecentArchiveRecords returns the most recent clear-pipeline records,
// newest first. icao_addresses is
// deliberately left out of the default projection (spec §6 treats it
// as a lazily-selected column); callers needing it should add a
// dedicated query.
func (s *Store) RecentArchiveRecords(ctx context.Context, limit int) ([]ArchiveRecord, error) {
	q, args, err := sq.Select("id", "batch_id", "package_uuid", "tx_id", "record_count",
		"source", "timestamp_unix", "aircraft_count", "file_size_kb", "format", "created_at").
		From("archive_records").
		OrderBy("id DESC", "created_at DESC").
		Limit(uint64(limit)).
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("store: build recent archive query: %w", err)
	}
	var out []ArchiveRecord
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("store: query recent archive records: %w", err)
	}
	return out, nil
}

// TrackObservation is the aircraft_tracks row shape used by UpsertTracks.
// TxID and UploadedAtUnix are only populated once a batch containing
// this hex has actually cleared a pipeline's upload (spec §3
// AircraftTrack, testable property 5: firstSeenMs <= lastSeenMs <=
// lastUploadedMs); IsUpdate marks a sighting that classify.Tick judged
// UPDATED (fingerprint changed), which drives totalUpdates separately
// from uploadCount (spec §3 S3: uploadCount and totalUpdates are
// distinct counters).
type TrackObservation struct {
	Hex            string
	Flight         *string
	Lat            *float64
	Lon            *float64
	AltBaro        *float64
	Registration   *string
	AircraftType   *string
	SeenAtUnix     int64
	TxID           string
	UploadedAtUnix int64
	IsUpdate       bool
}

// UpsertTracks bulk-upserts aircraft sightings inside one transaction.
// Concurrent calls from the clear and encrypted pipelines racing on the
// same hex are both safe: the UPSERT is idempotent and upload_count
// only ever increases. A hex that reappears after having been swept
// out of range (spec §4.D step 4) flips back to 'active' here, since
// being upserted at all means the state cache just observed it.
// upload_count increments on every call whose sighting is not older than
// the stored last_seen_unix (one per pipeline whose batch upload
// succeeded this tick); an older sighting leaves the row unchanged.
// total_updates increments only for
// sightings classify.Tick judged an actual change.
func (s *Store) UpsertTracks(ctx context.Context, observations []TrackObservation) error {
	if len(observations) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	const upsert = `
		INSERT INTO aircraft_tracks
			(hex, flight, last_lat, last_lon, last_alt_baro, registration, aircraft_type,
			 last_seen_unix, first_seen_unix, last_uploaded_unix, last_tx_id,
			 upload_count, total_updates, sighting_count, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, 0), NULLIF(?, ''), 1, ?, 1, 'active')
		ON CONFLICT(hex) DO UPDATE SET
			flight = excluded.flight,
			last_lat = excluded.last_lat,
			last_lon = excluded.last_lon,
			last_alt_baro = excluded.last_alt_baro,
			registration = COALESCE(excluded.registration, aircraft_tracks.registration),
			aircraft_type = COALESCE(excluded.aircraft_type, aircraft_tracks.aircraft_type),
			last_seen_unix = excluded.last_seen_unix,
			last_uploaded_unix = COALESCE(excluded.last_uploaded_unix, aircraft_tracks.last_uploaded_unix),
			last_tx_id = COALESCE(excluded.last_tx_id, aircraft_tracks.last_tx_id),
			upload_count = upload_count + 1,
			total_updates = total_updates + excluded.total_updates,
			sighting_count = sighting_count + 1,
			status = 'active'
		WHERE aircraft_tracks.last_seen_unix <= excluded.last_seen_unix`

	for _, o := range observations {
		updateDelta := 0
		if o.IsUpdate {
			updateDelta = 1
		}
		if _, err := tx.ExecContext(ctx, upsert,
			o.Hex, o.Flight, o.Lat, o.Lon, o.AltBaro, o.Registration, o.AircraftType,
			o.SeenAtUnix, o.SeenAtUnix, o.UploadedAtUnix, o.TxID, updateDelta,
		); err != nil {
			return fmt.Errorf("store: upsert track %s: %w", o.Hex, err)
		}
	}

	return tx.Commit()
}

// MarkOutOfRange bulk-flips the given hexes to the out_of_range status in
// a single statement, per spec §4.D step 4 / §4.K's lifecycle note: the
// state cache evicted them, so their track rows no longer reflect a
// currently-visible aircraft.
func (s *Store) MarkOutOfRange(ctx context.Context, hexes []string) error {
	if len(hexes) == 0 {
		return nil
	}
	q, args, err := sq.Update("aircraft_tracks").
		Set("status", "out_of_range").
		Where(sq.Eq{"hex": hexes}).
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return fmt.Errorf("store: build out-of-range update: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("store: mark out of range: %w", err)
	}
	return nil
}

// TotalTracks returns the number of distinct aircraft ever seen.
func (s *Store) TotalTracks(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM aircraft_tracks")
	if err != nil {
		return 0, fmt.Errorf("store: count tracks: %w", err)
	}
	return count, nil
}

// SystemStats is the singleton system_stats row: the counter set spec §3
// describes (polls, per-pipeline upload attempted/succeeded/failed/
// retries, aircraft new/updates/reappeared, peak TPM). Succeeded counts
// for the two pipelines are TotalBatchesClear/TotalBatchesCipher: a
// batch is only ever recorded there once its upload actually succeeds
// (internal/orchestrator's flushClear/flushEncrypted), so they already
// carry the "succeeded" meaning spec §3 assigns without a separate
// column. systemStartTime is deliberately not a column here: it is
// always the process's own boot time (spec §4.N), never restored from a
// snapshot, so there is nothing to persist or reconcile for it.
type SystemStats struct {
	Polls                    int64     `db:"polls"`
	TotalAircraftSeen        int64     `db:"total_aircraft_seen"`
	TotalBatchesClear        int64     `db:"total_batches_clear"`
	TotalBatchesCipher       int64     `db:"total_batches_cipher"`
	UploadAttemptedClear     int64     `db:"upload_attempted_clear"`
	UploadFailedClear        int64     `db:"upload_failed_clear"`
	UploadRetriesClear       int64     `db:"upload_retries_clear"`
	UploadAttemptedEncrypted int64     `db:"upload_attempted_encrypted"`
	UploadFailedEncrypted    int64     `db:"upload_failed_encrypted"`
	UploadRetriesEncrypted   int64     `db:"upload_retries_encrypted"`
	AircraftNew              int64     `db:"aircraft_new"`
	AircraftUpdated          int64     `db:"aircraft_updated"`
	AircraftReappeared       int64     `db:"aircraft_reappeared"`
	TPMPeak                  float64   `db:"tpm_peak"`
	UpdatedAt                time.Time `db:"updated_at"`
}

// LoadSystemStats reads the singleton row (id=1), which migration
// 000001 guarantees always exists.
func (s *Store) LoadSystemStats(ctx context.Context) (SystemStats, error) {
	var out SystemStats
	err := s.db.GetContext(ctx, &out,
		`SELECT polls, total_aircraft_seen, total_batches_clear, total_batches_cipher,
			upload_attempted_clear, upload_failed_clear, upload_retries_clear,
			upload_attempted_encrypted, upload_failed_encrypted, upload_retries_encrypted,
			aircraft_new, aircraft_updated, aircraft_reappeared,
			tpm_peak, updated_at
		 FROM system_stats WHERE id = 1`)
	if err != nil {
		return SystemStats{}, fmt.Errorf("store: load system stats: %w", err)
	}
	return out, nil
}

// SaveSystemStats overwrites the singleton row. Called by the 5-second
// stats-debounce job, never by more than one goroutine at a time.
// updated_at is written with millisecond precision so it can be
// compared against a backup's millisecond timestamp at restore time.
func (s *Store) SaveSystemStats(ctx context.Context, stats SystemStats) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE system_stats SET
			polls = ?,
			total_aircraft_seen = ?,
			total_batches_clear = ?,
			total_batches_cipher = ?,
			upload_attempted_clear = ?,
			upload_failed_clear = ?,
			upload_retries_clear = ?,
			upload_attempted_encrypted = ?,
			upload_failed_encrypted = ?,
			upload_retries_encrypted = ?,
			aircraft_new = ?,
			aircraft_updated = ?,
			aircraft_reappeared = ?,
			tpm_peak = ?,
			updated_at = strftime('%Y-%m-%d %H:%M:%f', 'now')
		 WHERE id = 1`,
		stats.Polls, stats.TotalAircraftSeen, stats.TotalBatchesClear, stats.TotalBatchesCipher,
		stats.UploadAttemptedClear, stats.UploadFailedClear, stats.UploadRetriesClear,
		stats.UploadAttemptedEncrypted, stats.UploadFailedEncrypted, stats.UploadRetriesEncrypted,
		stats.AircraftNew, stats.AircraftUpdated, stats.AircraftReappeared,
		stats.TPMPeak,
	)
	if err != nil {
		return fmt.Errorf("store: save system stats: %w", err)
	}
	return nil
}
