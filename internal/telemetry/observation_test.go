package telemetry

import (
	"encoding/json"
	"math"
	"testing"
)

func TestNumeric_UnmarshalsGroundSentinel(t *testing.T) {
	var n Numeric
	if err := json.Unmarshal([]byte(`"ground"`), &n); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !n.Ground || n.Value != nil {
		t.Fatalf("n = %+v, want Ground=true, Value=nil", n)
	}
}

func TestNumeric_UnmarshalsNumber(t *testing.T) {
	var n Numeric
	if err := json.Unmarshal([]byte(`12500`), &n); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if n.Ground || n.Value == nil || *n.Value != 12500 {
		t.Fatalf("n = %+v, want Value=12500", n)
	}
}

func TestNumeric_UnmarshalsNull(t *testing.T) {
	var n Numeric
	if err := json.Unmarshal([]byte(`null`), &n); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if n.Ground || n.Value != nil {
		t.Fatalf("n = %+v, want zero value", n)
	}
}

func TestNumeric_MarshalRoundTrip(t *testing.T) {
	v := 3500.0
	n := Numeric{Value: &v}
	b, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var back Numeric
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.Value == nil || *back.Value != v {
		t.Fatalf("round trip mismatch: got %+v, want Value=%v", back, v)
	}
}

func TestFeedResponse_ParsesAircraftArray(t *testing.T) {
	raw := `{"now":1700000000,"messages":42,"aircraft":[{"hex":"abc123","lat":51.5,"alt_baro":"ground"}]}`
	var resp FeedResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(resp.Aircraft) != 1 {
		t.Fatalf("len(Aircraft) = %d, want 1", len(resp.Aircraft))
	}
	ac := resp.Aircraft[0]
	if ac.Hex != "abc123" || ac.Lat == nil || *ac.Lat != 51.5 || !ac.AltBaro.Ground {
		t.Fatalf("unexpected aircraft: %+v", ac)
	}
}

func TestSafeNumber(t *testing.T) {
	nan := math.NaN()
	inf := math.Inf(1)
	v := 12.5

	if got := SafeNumber(nil); got != nil {
		t.Fatalf("SafeNumber(nil) = %v, want nil", got)
	}
	if got := SafeNumber(&nan); got != nil {
		t.Fatalf("SafeNumber(NaN) = %v, want nil", got)
	}
	if got := SafeNumber(&inf); got != nil {
		t.Fatalf("SafeNumber(Inf) = %v, want nil", got)
	}
	if got := SafeNumber(&v); got == nil || *got != v {
		t.Fatalf("SafeNumber(%v) = %v, want %v", v, got, v)
	}
}

func TestSafeNumeric(t *testing.T) {
	if got := SafeNumeric(Numeric{Ground: true}); got != nil {
		t.Fatalf("SafeNumeric(ground) = %v, want nil", got)
	}
	v := 500.0
	if got := SafeNumeric(Numeric{Value: &v}); got == nil || *got != v {
		t.Fatalf("SafeNumeric(%v) = %v, want %v", v, got, v)
	}
}

func TestSafeString(t *testing.T) {
	empty := "   "
	ws := "  BAW123  "

	if got := SafeString(nil); got != nil {
		t.Fatalf("SafeString(nil) = %v, want nil", got)
	}
	if got := SafeString(&empty); got != nil {
		t.Fatalf("SafeString(whitespace) = %v, want nil", got)
	}
	if got := SafeString(&ws); got == nil || *got != "BAW123" {
		t.Fatalf("SafeString(%q) = %v, want trimmed BAW123", ws, got)
	}
}

func TestSafeInt_ClampsOutOfRange(t *testing.T) {
	tooBig := int64(math.MaxInt32) + 100
	tooSmall := int64(math.MinInt32) - 100

	if got := SafeInt(&tooBig); got == nil || *got != math.MaxInt32 {
		t.Fatalf("SafeInt(tooBig) = %v, want %d", got, int32(math.MaxInt32))
	}
	if got := SafeInt(&tooSmall); got == nil || *got != math.MinInt32 {
		t.Fatalf("SafeInt(tooSmall) = %v, want %d", got, int32(math.MinInt32))
	}
}

func TestSafeBoolean(t *testing.T) {
	if got := SafeBoolean(nil); got != nil {
		t.Fatalf("SafeBoolean(nil) = %v, want nil", got)
	}
	v := true
	if got := SafeBoolean(&v); got == nil || !*got {
		t.Fatalf("SafeBoolean(true) = %v, want true", got)
	}
}

func TestClampInt32_ClampsOutOfRange(t *testing.T) {
	tooBig := int64(math.MaxInt32) + 100
	tooSmall := int64(math.MinInt32) - 100

	if got := ClampInt32(tooBig); got != math.MaxInt32 {
		t.Fatalf("ClampInt32(tooBig) = %d, want %d", got, int32(math.MaxInt32))
	}
	if got := ClampInt32(tooSmall); got != math.MinInt32 {
		t.Fatalf("ClampInt32(tooSmall) = %d, want %d", got, int32(math.MinInt32))
	}
	if got := ClampInt32(42); got != 42 {
		t.Fatalf("ClampInt32(42) = %d, want 42", got)
	}
}
