package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/deradnet/DeRadar-Turbo-Backup/internal/archive"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/cryptokeys"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/stats"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/store"
)

const testMasterKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeGateway serves just enough of the archive gateway's HTTP surface
// for Backup.Run/RestoreOnStart to exercise Upload/QueryByTags/Download
// against a real archive.Client.
type fakeGateway struct {
	mux       *http.ServeMux
	uploads   map[string][]byte
	nextTxID  int
	hasUpload bool
}

func newFakeGateway() *fakeGateway {
	g := &fakeGateway{uploads: make(map[string][]byte)}
	g.mux = http.NewServeMux()
	g.mux.HandleFunc("/tx", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		g.nextTxID++
		id := fmt.Sprintf("tx-%d", g.nextTxID)
		g.uploads[id] = body
		g.hasUpload = true
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
	})
	g.mux.HandleFunc("/graphql", func(w http.ResponseWriter, r *http.Request) {
		if !g.hasUpload {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{"transactions": map[string]any{"edges": []any{}}},
			})
			return
		}
		latest := fmt.Sprintf("tx-%d", g.nextTxID)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"transactions": map[string]any{
					"edges": []map[string]any{
						{"node": map[string]any{"id": latest}},
					},
				},
			},
		})
	})
	g.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[1:]
		body, ok := g.uploads[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(body)
	})
	return g
}

func TestBackup_RunUploadsCurrentSnapshot(t *testing.T) {
	gw := newFakeGateway()
	srv := httptest.NewServer(gw.mux)
	defer srv.Close()

	client := archive.New(srv.URL, srv.URL+"/graphql")
	reg := stats.New(time.Now())
	reg.RecordAircraftSeen(5, time.Now())

	b := New(client, reg, nil, cryptokeys.NewEncryptor(testMasterKey), "aircraft-ingest-test")
	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(gw.uploads) != 1 {
		t.Fatalf("expected exactly one upload, got %d", len(gw.uploads))
	}
}

func TestBackup_RestoreOnStartLoadsMostRecentBackup(t *testing.T) {
	gw := newFakeGateway()
	srv := httptest.NewServer(gw.mux)
	defer srv.Close()

	client := archive.New(srv.URL, srv.URL+"/graphql")
	source := stats.New(time.Now())
	source.RecordAircraftSeen(42, time.Now())
	source.RecordBatch("clear", time.Now())

	b := New(client, source, nil, cryptokeys.NewEncryptor(testMasterKey), "aircraft-ingest-test")
	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	dest := stats.New(time.Now())
	restoreBackup := New(client, dest, nil, cryptokeys.NewEncryptor(testMasterKey), "aircraft-ingest-test")
	if err := restoreBackup.RestoreOnStart(context.Background()); err != nil {
		t.Fatalf("RestoreOnStart() error = %v", err)
	}

	snap := dest.Snapshot(time.Now())
	if snap.TotalAircraftSeen != 42 {
		t.Fatalf("TotalAircraftSeen = %d, want 42", snap.TotalAircraftSeen)
	}
	if snap.TotalBatchesClear != 1 {
		t.Fatalf("TotalBatchesClear = %d, want 1", snap.TotalBatchesClear)
	}
}

func TestBackup_RestoreOnStartFallsBackToLocalStoreWhenNoBackupExists(t *testing.T) {
	gw := newFakeGateway()
	srv := httptest.NewServer(gw.mux)
	defer srv.Close()

	client := archive.New(srv.URL, srv.URL+"/graphql")
	db := openTestStore(t)
	if err := db.SaveSystemStats(context.Background(), store.SystemStats{
		TotalAircraftSeen:  7,
		TotalBatchesClear:  2,
		TotalBatchesCipher: 1,
		TPMPeak:            3.5,
	}); err != nil {
		t.Fatalf("SaveSystemStats() error = %v", err)
	}

	dest := stats.New(time.Now())
	b := New(client, dest, db, cryptokeys.NewEncryptor(testMasterKey), "aircraft-ingest-test")
	if err := b.RestoreOnStart(context.Background()); err != nil {
		t.Fatalf("RestoreOnStart() error = %v", err)
	}

	snap := dest.Snapshot(time.Now())
	if snap.TotalAircraftSeen != 7 {
		t.Fatalf("TotalAircraftSeen = %d, want 7 from local store fallback", snap.TotalAircraftSeen)
	}
}

func TestBackup_RestoreOnStartKeepsLocalWhenNewerThanBackup(t *testing.T) {
	gw := newFakeGateway()
	srv := httptest.NewServer(gw.mux)
	defer srv.Close()

	client := archive.New(srv.URL, srv.URL+"/graphql")
	enc := cryptokeys.NewEncryptor(testMasterKey)

	source := stats.New(time.Now())
	source.RecordAircraftSeen(1, time.Now())
	b := New(client, source, nil, enc, "aircraft-ingest-test")
	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// The local row is saved strictly after the backup ran, so it must
	// win reconciliation even though it carries different counters.
	db := openTestStore(t)
	if err := db.SaveSystemStats(context.Background(), store.SystemStats{
		TotalAircraftSeen: 99,
		TPMPeak:           1,
	}); err != nil {
		t.Fatalf("SaveSystemStats() error = %v", err)
	}

	dest := stats.New(time.Now())
	restoreBackup := New(client, dest, db, enc, "aircraft-ingest-test")
	if err := restoreBackup.RestoreOnStart(context.Background()); err != nil {
		t.Fatalf("RestoreOnStart() error = %v", err)
	}

	snap := dest.Snapshot(time.Now())
	if snap.TotalAircraftSeen != 99 {
		t.Fatalf("TotalAircraftSeen = %d, want 99 (local row should win)", snap.TotalAircraftSeen)
	}
}
