package batch

import (
	"fmt"
	"testing"

	"github.com/deradnet/DeRadar-Turbo-Backup/internal/telemetry"
)

func observations(n int) []telemetry.Observation {
	out := make([]telemetry.Observation, n)
	for i := range out {
		out[i] = telemetry.Observation{Hex: string(rune('a' + i%26))}
	}
	return out
}

func TestSplit_CapsAtMaxSize(t *testing.T) {
	batches := Split(observations(65), 1000)
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches for 65 observations, got %d", len(batches))
	}
	if len(batches[0].Observations) != MaxSize || len(batches[1].Observations) != MaxSize {
		t.Fatalf("expected first two batches to be full, got sizes %d and %d",
			len(batches[0].Observations), len(batches[1].Observations))
	}
	if len(batches[2].Observations) != 5 {
		t.Fatalf("expected final batch to hold the remainder, got %d", len(batches[2].Observations))
	}
}

func TestSplit_BatchIDFormat(t *testing.T) {
	obs := []telemetry.Observation{{Hex: "abc123"}, {Hex: "def456"}}
	batches := Split(obs, 1700000000)

	want := fmt.Sprintf("%d-%s-%d", 1700000000, "abc123", 0)
	if batches[0].BatchID != want {
		t.Fatalf("BatchID = %q, want %q", batches[0].BatchID, want)
	}
}

func TestSplit_BatchIDOrdinalIncrementsPerChunk(t *testing.T) {
	batches := Split(observations(65), 1700000000)
	for i, b := range batches {
		want := fmt.Sprintf("%d-%s-%d", 1700000000, b.Observations[0].Hex, i)
		if b.BatchID != want {
			t.Fatalf("batches[%d].BatchID = %q, want %q", i, b.BatchID, want)
		}
	}
}

func TestSplit_DistinctPackageUUIDs(t *testing.T) {
	batches := Split(observations(65), 1000)
	if batches[0].PackageUUID == batches[1].PackageUUID {
		t.Fatalf("expected each batch to get a distinct package UUID")
	}
}

func TestUUIDRegistry_RememberAndLookup(t *testing.T) {
	r := NewUUIDRegistry()
	r.Remember("batch-1", "uuid-1")

	if got := r.Lookup("batch-1"); got != "uuid-1" {
		t.Fatalf("Lookup() = %q, want uuid-1", got)
	}
}

func TestUUIDRegistry_FallbackOnMiss(t *testing.T) {
	r := NewUUIDRegistry()
	got := r.Lookup("never-remembered")
	if got == "" {
		t.Fatalf("expected a fallback UUID, got empty string")
	}
}
