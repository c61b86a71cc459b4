// Package encode turns a batch of classified observations into a
// columnar Parquet buffer, per spec §4.F. The schema is grouped the way
// the spec describes it (keys, identity, position, altitude, speed,
// heading, meteorology, FMS targets, transponder, quality, reception,
// geometry, lineage) and every optional field passes through the
// telemetry sanitisers before it reaches a column builder. Writing goes
// through tmpfs (/dev/shm) rather than an in-memory buffer because the
// pqarrow file writer requires a ReaderAt/Seeker to finalize the
// footer; the file is removed as soon as its bytes are read back.
package encode

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/deradnet/DeRadar-Turbo-Backup/internal/classify"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/telemetry"
)

// shmDir is where Parquet buffers are staged before being read back
// into memory and uploaded. Falls back to os.TempDir if /dev/shm is
// unavailable (e.g. running outside Linux).
var shmDir = "/dev/shm"

func init() {
	if st, err := os.Stat(shmDir); err != nil || !st.IsDir() {
		shmDir = os.TempDir()
	}
}

// Schema is the column layout written for every batch, per spec §4.F's
// group table. snapshot_timestamp, icao_address, and
// snapshot_total_messages are the only non-nullable columns; every
// other field may be absent from a given observation. type_description
// and position_source have no source field in the feed's telemetry and
// are always null — kept as columns so a feed that does report them
// later needs no schema migration.
var Schema = arrow.NewSchema([]arrow.Field{
	// Keys
	{Name: "snapshot_timestamp", Type: arrow.PrimitiveTypes.Int64},
	{Name: "icao_address", Type: arrow.BinaryTypes.String},
	{Name: "snapshot_total_messages", Type: arrow.PrimitiveTypes.Int32},

	// Identity
	{Name: "callsign", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "registration", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "aircraft_type", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "type_description", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "emitter_category", Type: arrow.BinaryTypes.String, Nullable: true},

	// Position
	{Name: "latitude", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "longitude", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "position_source", Type: arrow.BinaryTypes.String, Nullable: true},

	// Altitude
	{Name: "altitude_baro_ft", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "altitude_geom_ft", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "vertical_rate_baro_fpm", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "vertical_rate_geom_fpm", Type: arrow.PrimitiveTypes.Int32, Nullable: true},

	// Speed
	{Name: "ground_speed_kts", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "indicated_airspeed_kts", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "true_airspeed_kts", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "mach_number", Type: arrow.PrimitiveTypes.Float64, Nullable: true},

	// Heading
	{Name: "track_degrees", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "track_rate_deg_sec", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "magnetic_heading_degrees", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "true_heading_degrees", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "roll_degrees", Type: arrow.PrimitiveTypes.Float64, Nullable: true},

	// Met
	{Name: "wind_direction_degrees", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "wind_speed_kts", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "outside_air_temp_c", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "total_air_temp_c", Type: arrow.PrimitiveTypes.Int32, Nullable: true},

	// FMS
	{Name: "nav_qnh_mb", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "nav_heading_degrees", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "nav_altitude_mcp_ft", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "nav_altitude_fms_ft", Type: arrow.PrimitiveTypes.Int32, Nullable: true},

	// XPDR
	{Name: "squawk_code", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "emergency_status", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "spi_flag", Type: arrow.FixedWidthTypes.Boolean, Nullable: true},
	{Name: "alert_flag", Type: arrow.FixedWidthTypes.Boolean, Nullable: true},

	// Quality
	{Name: "adsb_version", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "navigation_integrity_category", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "navigation_accuracy_position", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "navigation_accuracy_velocity", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "source_integrity_level", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "geometric_vertical_accuracy", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "system_design_assurance", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "nic_baro", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "radius_of_containment", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "source_integrity_level_type", Type: arrow.BinaryTypes.String, Nullable: true},

	// Reception
	{Name: "messages_received", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "last_seen_seconds", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "last_position_seen_seconds", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "rssi_dbm", Type: arrow.PrimitiveTypes.Float64, Nullable: true},

	// Geometry
	{Name: "distance_from_receiver_nm", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "bearing_from_receiver_degrees", Type: arrow.PrimitiveTypes.Float64, Nullable: true},

	// Lineage
	{Name: "database_flags", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
}, nil)

// Encode writes events to a Parquet buffer compressed with LZ4.
// snapshotTimestampMs and snapshotTotalMessages are constant across the
// whole batch: they describe the poll cycle the batch was cut from, not
// any one aircraft. The returned bytes are the complete file contents,
// ready for upload.
func Encode(snapshotTimestampMs int64, snapshotTotalMessages int32, events []classify.Event) ([]byte, error) {
	mem := memory.NewGoAllocator()
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	for _, ev := range events {
		o := ev.Observation

		b.Field(0).(*array.Int64Builder).Append(snapshotTimestampMs)
		appendString(b.Field(1), &o.Hex)
		b.Field(2).(*array.Int32Builder).Append(snapshotTotalMessages)

		appendString(b.Field(3), telemetry.SafeString(o.Flight))
		appendString(b.Field(4), telemetry.SafeString(o.R))
		appendString(b.Field(5), telemetry.SafeString(o.T))
		appendString(b.Field(6), nil)
		appendString(b.Field(7), telemetry.SafeString(o.Category))

		appendFloat(b.Field(8), telemetry.SafeNumber(o.Lat))
		appendFloat(b.Field(9), telemetry.SafeNumber(o.Lon))
		appendString(b.Field(10), nil)

		appendInt32(b.Field(11), roundInt32(telemetry.SafeNumeric(o.AltBaro)))
		appendInt32(b.Field(12), roundInt32(telemetry.SafeNumber(o.AltGeom)))
		appendInt32(b.Field(13), roundInt32(telemetry.SafeNumber(o.BaroRate)))
		appendInt32(b.Field(14), roundInt32(telemetry.SafeNumber(o.GeomRate)))

		appendFloat(b.Field(15), telemetry.SafeNumber(o.Gs))
		appendInt32(b.Field(16), roundInt32(telemetry.SafeNumber(o.Ias)))
		appendInt32(b.Field(17), roundInt32(telemetry.SafeNumber(o.Tas)))
		appendFloat(b.Field(18), telemetry.SafeNumber(o.Mach))

		appendFloat(b.Field(19), telemetry.SafeNumber(o.Track))
		appendFloat(b.Field(20), telemetry.SafeNumber(o.TrackRate))
		appendFloat(b.Field(21), telemetry.SafeNumber(o.MagHeading))
		appendFloat(b.Field(22), telemetry.SafeNumber(o.TrueHeading))
		appendFloat(b.Field(23), telemetry.SafeNumber(o.Roll))

		appendInt32(b.Field(24), roundInt32(telemetry.SafeNumber(o.WindDir)))
		appendInt32(b.Field(25), roundInt32(telemetry.SafeNumber(o.WindSpeed)))
		appendInt32(b.Field(26), roundInt32(telemetry.SafeNumber(o.Oat)))
		appendInt32(b.Field(27), roundInt32(telemetry.SafeNumber(o.Tat)))

		appendFloat(b.Field(28), telemetry.SafeNumber(o.NavQnh))
		appendFloat(b.Field(29), telemetry.SafeNumber(o.NavHeading))
		appendInt32(b.Field(30), roundInt32(telemetry.SafeNumber(o.NavAltitudeMcp)))
		appendInt32(b.Field(31), roundInt32(telemetry.SafeNumber(o.NavAltitudeFms)))

		appendString(b.Field(32), telemetry.SafeString(o.Squawk))
		appendString(b.Field(33), telemetry.SafeString(o.Emergency))
		appendBool(b.Field(34), telemetry.SafeBoolean(o.SpiFlag))
		appendBool(b.Field(35), telemetry.SafeBoolean(o.AlertFlag))

		appendInt32(b.Field(36), telemetry.SafeInt(o.Version))
		appendInt32(b.Field(37), telemetry.SafeInt(o.Nic))
		appendInt32(b.Field(38), telemetry.SafeInt(o.NacP))
		appendInt32(b.Field(39), telemetry.SafeInt(o.NacV))
		appendInt32(b.Field(40), telemetry.SafeInt(o.Sil))
		appendInt32(b.Field(41), telemetry.SafeInt(o.Gva))
		appendInt32(b.Field(42), telemetry.SafeInt(o.Sda))
		appendInt32(b.Field(43), telemetry.SafeInt(o.NicBaro))
		appendInt32(b.Field(44), telemetry.SafeInt(o.Rc))
		appendString(b.Field(45), telemetry.SafeString(o.SilType))

		appendInt64(b.Field(46), o.Messages)
		appendFloat(b.Field(47), telemetry.SafeNumber(o.Seen))
		appendFloat(b.Field(48), telemetry.SafeNumber(o.SeenPos))
		appendFloat(b.Field(49), telemetry.SafeNumber(o.Rssi))

		appendFloat(b.Field(50), telemetry.SafeNumber(o.Dst))
		appendFloat(b.Field(51), telemetry.SafeNumber(o.Dir))

		appendInt32(b.Field(52), telemetry.SafeInt(o.DbFlags))
	}

	rec := b.NewRecord()
	defer rec.Release()

	return writeParquet(rec)
}

// roundInt32 truncates a sanitised float64 to the int32 physical type
// spec §4.F assigns several altitude/speed/met columns.
func roundInt32(v *float64) *int32 {
	if v == nil {
		return nil
	}
	i := int32(*v)
	return &i
}

func appendString(fb array.Builder, v *string) {
	sb := fb.(*array.StringBuilder)
	if v == nil {
		sb.AppendNull()
		return
	}
	sb.Append(*v)
}

func appendFloat(fb array.Builder, v *float64) {
	nb := fb.(*array.Float64Builder)
	if v == nil {
		nb.AppendNull()
		return
	}
	nb.Append(*v)
}

func appendInt32(fb array.Builder, v *int32) {
	ib := fb.(*array.Int32Builder)
	if v == nil {
		ib.AppendNull()
		return
	}
	ib.Append(*v)
}

func appendInt64(fb array.Builder, v *int64) {
	ib := fb.(*array.Int64Builder)
	if v == nil {
		ib.AppendNull()
		return
	}
	ib.Append(*v)
}

func appendBool(fb array.Builder, v *bool) {
	bb := fb.(*array.BooleanBuilder)
	if v == nil {
		bb.AppendNull()
		return
	}
	bb.Append(*v)
}

func writeParquet(rec arrow.Record) ([]byte, error) {
	f, err := os.CreateTemp(shmDir, "ingest-batch-*.parquet")
	if err != nil {
		return nil, fmt.Errorf("encode: create tmpfs file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Lz4Raw))
	arrowProps := pqarrow.DefaultWriterProps()

	fw, err := pqarrow.NewFileWriter(Schema, f, props, arrowProps)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("encode: new parquet writer: %w", err)
	}
	if err := fw.WriteBuffered(rec); err != nil {
		fw.Close()
		f.Close()
		return nil, fmt.Errorf("encode: write record: %w", err)
	}
	if err := fw.Close(); err != nil {
		f.Close()
		return nil, fmt.Errorf("encode: close parquet writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("encode: close tmpfs file: %w", err)
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("encode: read back tmpfs file: %w", err)
	}
	return buf, nil
}
