package encode

import (
	"testing"

	"github.com/deradnet/DeRadar-Turbo-Backup/internal/classify"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/telemetry"
)

func f64(v float64) *float64 { return &v }

func TestSchema_FieldCountMatchesAppendedColumns(t *testing.T) {
	if Schema.NumFields() != 53 {
		t.Fatalf("Schema.NumFields() = %d, want 53", Schema.NumFields())
	}
}

func TestSchema_KeyColumnsAreNonNullable(t *testing.T) {
	keys := []string{"snapshot_timestamp", "icao_address", "snapshot_total_messages"}
	for i, name := range keys {
		f := Schema.Field(i)
		if f.Name != name {
			t.Fatalf("Schema.Field(%d).Name = %q, want %q", i, f.Name, name)
		}
		if f.Nullable {
			t.Fatalf("key column %q must not be nullable", name)
		}
	}
}

func TestEncode_ProducesNonEmptyParquetBuffer(t *testing.T) {
	events := []classify.Event{
		{
			Kind: classify.New,
			Observation: telemetry.Observation{
				Hex: "abc123",
				Lat: f64(51.5),
				Lon: f64(-0.1),
				Gs:  f64(420),
			},
		},
	}

	buf, err := Encode(1700000000000, 42, events)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(buf) == 0 {
		t.Fatalf("expected a non-empty parquet buffer")
	}
	// Parquet files begin and end with the 4-byte magic "PAR1".
	if string(buf[:4]) != "PAR1" {
		t.Fatalf("buffer does not start with PAR1 magic, got %q", buf[:4])
	}
}

func TestEncode_EmptyBatchStillProducesValidFile(t *testing.T) {
	buf, err := Encode(1700000000000, 0, nil)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if len(buf) == 0 {
		t.Fatalf("expected a non-empty parquet buffer even with zero rows")
	}
}

func TestRoundInt32_NilWhenInputNil(t *testing.T) {
	if got := roundInt32(nil); got != nil {
		t.Fatalf("roundInt32(nil) = %v, want nil", got)
	}
}

func TestRoundInt32_TruncatesTowardZero(t *testing.T) {
	got := roundInt32(f64(37000.9))
	if got == nil || *got != 37000 {
		t.Fatalf("roundInt32(37000.9) = %v, want 37000", got)
	}
}
