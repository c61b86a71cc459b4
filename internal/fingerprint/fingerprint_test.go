package fingerprint

import (
	"testing"

	"github.com/deradnet/DeRadar-Turbo-Backup/internal/telemetry"
)

func f64(v float64) *float64 { return &v }
func str(s string) *string   { return &s }

func TestOf_SameProjection_SameHash(t *testing.T) {
	a := telemetry.Observation{Hex: "abc123", Lat: f64(51.1), Lon: f64(-0.1), Gs: f64(420)}
	b := telemetry.Observation{Hex: "abc123", Lat: f64(51.1), Lon: f64(-0.1), Gs: f64(420), Messages: func() *int64 { v := int64(99); return &v }()}

	if Of(a) != Of(b) {
		t.Fatalf("expected equal fingerprints for observations differing only outside the projection")
	}
}

func TestOf_DifferentPosition_DifferentHash(t *testing.T) {
	a := telemetry.Observation{Hex: "abc123", Lat: f64(51.1), Lon: f64(-0.1)}
	b := telemetry.Observation{Hex: "abc123", Lat: f64(52.1), Lon: f64(-0.1)}

	if Of(a) == Of(b) {
		t.Fatalf("expected different fingerprints for different latitudes")
	}
}

func TestOf_GroundAltitude(t *testing.T) {
	a := telemetry.Observation{Hex: "abc123", AltBaro: telemetry.Numeric{Ground: true}}
	b := telemetry.Observation{Hex: "abc123", AltBaro: telemetry.Numeric{}}

	if Of(a) != Of(b) {
		t.Fatalf("expected ground sentinel to fingerprint the same as absent altitude")
	}
}

func TestOf_StableAcrossCalls(t *testing.T) {
	o := telemetry.Observation{Hex: "abc123", Flight: str("BAW123 ")}
	if Of(o) != Of(o) {
		t.Fatalf("fingerprint must be deterministic")
	}
}
