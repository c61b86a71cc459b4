// Package telemetry models the opaque bag-of-fields aircraft observation
// described in spec §3, the feed envelope that carries it, and the
// sanitisers the columnar encoder requires at its boundary (§4.F).
package telemetry

import (
	"encoding/json"
	"math"
	"strings"
)

// Observation is a single aircraft record as published by the feed. Every
// field is optional except Hex, which is the identity. Unknown extra
// fields are tolerated during parsing (they simply aren't modeled) so a
// richer upstream feed never breaks decoding.
type Observation struct {
	Hex       string   `json:"hex"`
	Flight    *string  `json:"flight,omitempty"`
	Lat       *float64 `json:"lat,omitempty"`
	Lon       *float64 `json:"lon,omitempty"`
	AltBaro   Numeric  `json:"alt_baro,omitempty"`
	AltGeom   *float64 `json:"alt_geom,omitempty"`
	Gs        *float64 `json:"gs,omitempty"`
	Ias       *float64 `json:"ias,omitempty"`
	Tas       *float64 `json:"tas,omitempty"`
	Mach      *float64 `json:"mach,omitempty"`
	Track     *float64 `json:"track,omitempty"`
	TrackRate *float64 `json:"track_rate,omitempty"`
	MagHeading *float64 `json:"mag_heading,omitempty"`
	TrueHeading *float64 `json:"true_heading,omitempty"`
	Roll      *float64 `json:"roll,omitempty"`
	BaroRate  *float64 `json:"baro_rate,omitempty"`
	GeomRate  *float64 `json:"geom_rate,omitempty"`
	Squawk    *string  `json:"squawk,omitempty"`
	Emergency *string  `json:"emergency,omitempty"`
	R         *string  `json:"r,omitempty"` // registration
	T         *string  `json:"t,omitempty"` // aircraft type
	Category  *string  `json:"category,omitempty"`
	NavQnh    *float64 `json:"nav_qnh,omitempty"`
	NavHeading *float64 `json:"nav_heading,omitempty"`
	NavAltitudeMcp *float64 `json:"nav_altitude_mcp,omitempty"`
	NavAltitudeFms *float64 `json:"nav_altitude_fms,omitempty"`
	WindDir   *float64 `json:"wind_dir,omitempty"`
	WindSpeed *float64 `json:"wind_speed,omitempty"`
	Oat       *float64 `json:"oat,omitempty"`
	Tat       *float64 `json:"tat,omitempty"`
	Messages  *int64   `json:"messages,omitempty"`
	Seen      *float64 `json:"seen,omitempty"`
	SeenPos   *float64 `json:"seen_pos,omitempty"`
	Rssi      *float64 `json:"rssi,omitempty"`
	Nic       *int64   `json:"nic,omitempty"`
	NacP      *int64   `json:"nac_p,omitempty"`
	NacV      *int64   `json:"nac_v,omitempty"`
	Sil       *int64   `json:"sil,omitempty"`
	SilType   *string  `json:"sil_type,omitempty"`
	Gva       *int64   `json:"gva,omitempty"`
	Sda       *int64   `json:"sda,omitempty"`
	NicBaro   *int64   `json:"nic_baro,omitempty"`
	Rc        *int64   `json:"rc,omitempty"`
	Version   *int64   `json:"version,omitempty"`
	Dst       *float64 `json:"dst,omitempty"`
	Dir       *float64 `json:"dir,omitempty"`
	DbFlags   *int64   `json:"dbFlags,omitempty"`
	SpiFlag   *bool    `json:"spi,omitempty"`
	AlertFlag *bool    `json:"alert,omitempty"`
}

// Numeric models a field that may arrive as a number or as the literal
// string "ground" (barometric altitude on the ground, per the dump1090
// family of feeds) in addition to null/absent.
type Numeric struct {
	Ground bool
	Value  *float64
}

func (n *Numeric) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == "" {
		*n = Numeric{}
		return nil
	}
	if s == `"ground"` {
		*n = Numeric{Ground: true}
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		*n = Numeric{}
		return nil
	}
	*n = Numeric{Value: &f}
	return nil
}

func (n Numeric) MarshalJSON() ([]byte, error) {
	if n.Ground {
		return json.Marshal("ground")
	}
	if n.Value == nil {
		return json.Marshal(nil)
	}
	return json.Marshal(*n.Value)
}

// FeedResponse is the top-level ingest JSON envelope of spec §6.
type FeedResponse struct {
	Now      int64         `json:"now"`
	Messages int64         `json:"messages"`
	Aircraft []Observation `json:"aircraft"`
}

// --- Sanitisers (§4.F) ---

// SafeNumber returns nil for nil, NaN or ±Inf, else the numeric value.
// The "ground" sentinel is handled by SafeNumeric.
func SafeNumber(v *float64) *float64 {
	if v == nil {
		return nil
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}

// SafeNumeric applies SafeNumber semantics to a Numeric field that may also
// carry the "ground" sentinel.
func SafeNumeric(n Numeric) *float64 {
	if n.Ground || n.Value == nil {
		return nil
	}
	return SafeNumber(n.Value)
}

// SafeString returns nil for nil/empty-after-trim strings, else the
// trimmed value.
func SafeString(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}

// SafeBoolean returns nil if v is nil, else whether v is true.
func SafeBoolean(v *bool) *bool {
	if v == nil {
		return nil
	}
	b := *v
	return &b
}

// SafeInt converts an optional int64 pointer to *int32, clamping out of
// int32 range values rather than overflowing silently.
func SafeInt(v *int64) *int32 {
	if v == nil {
		return nil
	}
	x := *v
	if x > math.MaxInt32 {
		x = math.MaxInt32
	} else if x < math.MinInt32 {
		x = math.MinInt32
	}
	out := int32(x)
	return &out
}

// ClampInt32 clamps a non-optional int64 into the int32 range, the same
// way SafeInt does for optional fields.
func ClampInt32(v int64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}
