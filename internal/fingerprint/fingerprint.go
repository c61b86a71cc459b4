// Package fingerprint computes the change-detection hash described in
// spec §4.B: a fast, non-cryptographic digest over a fixed projection of
// an observation's fields, used by the classifier to decide whether an
// aircraft's state actually changed since the last tick.
package fingerprint

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/deradnet/DeRadar-Turbo-Backup/internal/telemetry"
)

// Fields, in order, that make up the canonical projection. Anything not
// in this list never contributes to the fingerprint, so it never causes
// a spurious UPDATED classification on its own.
const projection = "lat|lon|alt_baro|alt_geom|gs|track|baro_rate|squawk|emergency|flight"

// Of hashes the canonical projection of an observation's mutable fields.
// Two observations with identical projected fields hash identically,
// regardless of any other field that may differ between them.
func Of(o telemetry.Observation) uint64 {
	var b strings.Builder
	b.Grow(128)

	writeFloat(&b, telemetry.SafeNumber(o.Lat))
	b.WriteByte('|')
	writeFloat(&b, telemetry.SafeNumber(o.Lon))
	b.WriteByte('|')
	writeFloat(&b, telemetry.SafeNumeric(o.AltBaro))
	b.WriteByte('|')
	writeFloat(&b, telemetry.SafeNumber(o.AltGeom))
	b.WriteByte('|')
	writeFloat(&b, telemetry.SafeNumber(o.Gs))
	b.WriteByte('|')
	writeFloat(&b, telemetry.SafeNumber(o.Track))
	b.WriteByte('|')
	writeFloat(&b, telemetry.SafeNumber(o.BaroRate))
	b.WriteByte('|')
	writeString(&b, telemetry.SafeString(o.Squawk))
	b.WriteByte('|')
	writeString(&b, telemetry.SafeString(o.Emergency))
	b.WriteByte('|')
	writeString(&b, telemetry.SafeString(o.Flight))

	return xxhash.Sum64String(b.String())
}

func writeFloat(b *strings.Builder, v *float64) {
	if v == nil {
		b.WriteByte('-')
		return
	}
	b.WriteString(strconv.FormatFloat(*v, 'f', -1, 64))
}

func writeString(b *strings.Builder, v *string) {
	if v == nil {
		b.WriteByte('-')
		return
	}
	b.WriteString(*v)
}
