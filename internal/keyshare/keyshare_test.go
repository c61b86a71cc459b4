package keyshare

import "testing"

func TestAlreadyShared_FirstCallIsFalse(t *testing.T) {
	c := New("http://127.0.0.1:8090")
	if c.alreadyShared("2026-07-31T12:00") {
		t.Fatalf("expected first sighting of an epoch to report not-yet-shared")
	}
}

func TestAlreadyShared_SecondCallIsTrue(t *testing.T) {
	c := New("http://127.0.0.1:8090")
	c.alreadyShared("2026-07-31T12:00")
	if !c.alreadyShared("2026-07-31T12:00") {
		t.Fatalf("expected repeated sighting of the same epoch to report already-shared")
	}
}

func TestAlreadyShared_EvictsOldestPastCapacity(t *testing.T) {
	c := New("http://127.0.0.1:8090")
	epochs := []string{
		"2026-07-31T12:00",
		"2026-07-31T12:01",
		"2026-07-31T12:02",
		"2026-07-31T12:03",
		"2026-07-31T12:04",
		"2026-07-31T12:05",
	}
	for _, e := range epochs {
		c.alreadyShared(e)
	}

	if c.alreadyShared(epochs[0]) {
		t.Fatalf("expected the oldest epoch to have been evicted once capacity was exceeded")
	}
	if !c.alreadyShared(epochs[len(epochs)-1]) {
		t.Fatalf("expected the most recent epoch to remain in the dedup set")
	}
}
