// Package feed implements the conditional-GET fetcher described in spec
// §4.A: a single keep-alive connection, ETag/Last-Modified caching, and
// single-flight de-duplication of concurrent callers. Grounded on the
// teacher's buildHTTPClient/FetchOpenSkyData in backend/backend.go.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/deradnet/DeRadar-Turbo-Backup/internal/monitoring"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/telemetry"
)

const requestTimeout = 3 * time.Second

// Client is a single antenna's feed fetcher: one connection pool, one
// ETag/Last-Modified cache, one in-flight request at a time.
type Client struct {
	url  string
	http *http.Client

	mu           sync.Mutex
	etag         string
	lastModified string
	cachedBody   *telemetry.FeedResponse

	inflight  *sync.WaitGroup
	result    *telemetry.FeedResponse
	resultErr error
}

// New builds a Client with a dedicated keep-alive transport: one socket,
// LIFO scheduling is the default net/http behaviour for a pooled
// transport with MaxIdleConnsPerHost=1.
func New(url string) *Client {
	dialer := &net.Dialer{Timeout: requestTimeout, KeepAlive: 30 * time.Second}
	tr := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        1,
		MaxIdleConnsPerHost: 1,
		MaxConnsPerHost:     1,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: requestTimeout,
	}
	return &Client{
		url:  url,
		http: &http.Client{Transport: tr, Timeout: requestTimeout},
	}
}

// Fetch performs a conditional GET, serving the cached body on 304 and
// replacing the cache on 200. At most one HTTP request is in flight at a
// time; concurrent callers await the same result (single-flight).
func (c *Client) Fetch(ctx context.Context) (*telemetry.FeedResponse, error) {
	c.mu.Lock()
	if c.inflight != nil {
		wg := c.inflight
		c.mu.Unlock()
		wg.Wait()
		c.mu.Lock()
		result, err := c.result, c.resultErr
		c.mu.Unlock()
		return result, err
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.inflight = wg
	etag, lastModified := c.etag, c.lastModified
	c.mu.Unlock()

	result, err := c.doFetch(ctx, etag, lastModified)

	c.mu.Lock()
	c.result, c.resultErr = result, err
	c.inflight = nil
	c.mu.Unlock()
	wg.Done()
	return result, err
}

func (c *Client) doFetch(ctx context.Context, etag, lastModified string) (*telemetry.FeedResponse, error) {
	monitoring.PollsTotal.Inc()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		monitoring.PollErrors.Inc()
		c.dropCache()
		return nil, fmt.Errorf("feed: fetch %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		monitoring.PollCacheHits.Inc()
		c.mu.Lock()
		cached := c.cachedBody
		c.mu.Unlock()
		return cached, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		monitoring.PollErrors.Inc()
		c.dropCache()
		return nil, fmt.Errorf("feed: %s returned status %d", c.url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		monitoring.PollErrors.Inc()
		c.dropCache()
		return nil, fmt.Errorf("feed: read body: %w", err)
	}

	var parsed telemetry.FeedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		monitoring.PollErrors.Inc()
		c.dropCache()
		return nil, fmt.Errorf("feed: parse body: %w", err)
	}

	c.mu.Lock()
	c.etag = resp.Header.Get("ETag")
	c.lastModified = resp.Header.Get("Last-Modified")
	c.cachedBody = &parsed
	c.mu.Unlock()

	return &parsed, nil
}

func (c *Client) dropCache() {
	c.mu.Lock()
	c.etag = ""
	c.lastModified = ""
	c.cachedBody = nil
	c.mu.Unlock()
}
