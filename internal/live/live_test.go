package live

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/deradnet/DeRadar-Turbo-Backup/internal/stats"
)

func TestPayload_ReusesCacheWithinFreshnessWindow(t *testing.T) {
	now := time.Now()
	reg := stats.New(now)
	reg.RecordAircraftSeen(3, now)

	b := New(reg)
	first, err := b.payload(now)
	if err != nil {
		t.Fatalf("payload() error = %v", err)
	}

	reg.RecordAircraftSeen(100, now.Add(1*time.Millisecond))
	second, err := b.payload(now.Add(100 * time.Millisecond))
	if err != nil {
		t.Fatalf("payload() error = %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("expected cached payload to be reused within freshness window, got different bytes")
	}
}

func TestPayload_RefreshesAfterFreshnessWindow(t *testing.T) {
	now := time.Now()
	reg := stats.New(now)
	reg.RecordAircraftSeen(3, now)

	b := New(reg)
	if _, err := b.payload(now); err != nil {
		t.Fatalf("payload() error = %v", err)
	}

	reg.RecordAircraftSeen(100, now.Add(1*time.Second))
	later := now.Add(600 * time.Millisecond)
	second, err := b.payload(later)
	if err != nil {
		t.Fatalf("payload() error = %v", err)
	}

	var snap stats.Snapshot
	if err := json.Unmarshal(second, &snap); err != nil {
		t.Fatalf("unmarshal refreshed payload: %v", err)
	}
	if snap.TotalAircraftSeen != 103 {
		t.Fatalf("TotalAircraftSeen = %d, want 103 after cache refresh", snap.TotalAircraftSeen)
	}
}

func TestNew_StartsWithNoClients(t *testing.T) {
	b := New(stats.New(time.Now()))
	if len(b.clients) != 0 {
		t.Fatalf("expected no clients at construction, got %d", len(b.clients))
	}
}
