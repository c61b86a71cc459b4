package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

func TestFetch_UsesConditionalGetAndServesCacheOn304(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		if n == 1 {
			w.Header().Set("ETag", `"v1"`)
			w.Write([]byte(`{"now":1,"messages":1,"aircraft":[{"hex":"abc123"}]}`))
			return
		}
		if r.Header.Get("If-None-Match") != `"v1"` {
			t.Errorf("expected If-None-Match on subsequent request, got %q", r.Header.Get("If-None-Match"))
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	c := New(srv.URL)

	first, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(first.Aircraft) != 1 || first.Aircraft[0].Hex != "abc123" {
		t.Fatalf("unexpected first fetch result: %+v", first)
	}

	second, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() second call error = %v", err)
	}
	if len(second.Aircraft) != 1 || second.Aircraft[0].Hex != "abc123" {
		t.Fatalf("expected cached body to be served on 304, got %+v", second)
	}
	if atomic.LoadInt32(&requests) != 2 {
		t.Fatalf("expected exactly 2 requests, got %d", requests)
	}
}

func TestFetch_DropsCacheOnServerError(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		if n == 1 {
			w.Header().Set("ETag", `"v1"`)
			w.Write([]byte(`{"aircraft":[]}`))
			return
		}
		if n >= 3 && r.Header.Get("If-None-Match") != "" {
			t.Errorf("expected no conditional header after a dropped cache, got %q", r.Header.Get("If-None-Match"))
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if _, err := c.Fetch(context.Background()); err == nil {
		t.Fatalf("expected an error on the 500 response")
	}
	if _, err := c.Fetch(context.Background()); err == nil {
		t.Fatalf("expected the third fetch (post-drop) to also hit the server without a cached ETag")
	}
}

func TestFetch_SingleFlightDeduplicatesConcurrentCallers(t *testing.T) {
	var requests int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		<-release
		w.Write([]byte(`{"aircraft":[{"hex":"abc123"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)

	var wg sync.WaitGroup
	results := make([]*struct {
		err error
	}, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Fetch(context.Background())
			results[i] = &struct{ err error }{err}
		}(i)
	}

	close(release)
	wg.Wait()

	for i, r := range results {
		if r.err != nil {
			t.Errorf("caller %d: Fetch() error = %v", i, r.err)
		}
	}
	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Fatalf("expected exactly one underlying HTTP request, got %d", got)
	}
}
