// Package keyshare posts per-minute encryption keys to the external
// key-escrow service described in spec §4.H. Failures are logged and
// otherwise ignored: losing a key share never blocks the upload
// pipeline, it only means that minute's data can't later be decrypted
// by the escrow holder.
package keyshare

import (
	"bytes"
	"container/list"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/deradnet/DeRadar-Turbo-Backup/internal/monitoring"
)

// minDedupCapacity is the minimum number of recently-shared epochs kept
// in the dedup set before the oldest is evicted.
const minDedupCapacity = 5

// storeKeyRequest matches the key-share service's documented contract
// (spec §6): the field is literally named packageUuid even though the
// value carried is the minute-scoped keyUuid.
type storeKeyRequest struct {
	PackageUUID   string `json:"packageUuid"`
	EncryptionKey string `json:"encryptionKey"`
}

// Client posts derived keys to the key-share service.
type Client struct {
	baseURL string
	http    *http.Client

	mu     sync.Mutex
	lru    *list.List
	lookup map[string]*list.Element
	cap    int
}

// New builds a Client. baseURL is the key-share service's origin, e.g.
// "http://127.0.0.1:8090".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		lru:     list.New(),
		lookup:  make(map[string]*list.Element),
		cap:     minDedupCapacity,
	}
}

// ShareAsync posts key under keyUUID in the background, skipping the
// POST entirely if that keyUuid was already shared recently (the same
// minute key is reused across every batch in its minute, so without
// this the same key would otherwise be posted once per batch). It
// never blocks the caller and never returns an error: failures are
// logged and counted.
func (c *Client) ShareAsync(keyUUID string, key []byte) {
	if c.alreadyShared(keyUUID) {
		return
	}
	go c.share(keyUUID, key)
}

func (c *Client) alreadyShared(keyUUID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.lookup[keyUUID]; ok {
		c.lru.MoveToFront(el)
		return true
	}

	el := c.lru.PushFront(keyUUID)
	c.lookup[keyUUID] = el
	for c.lru.Len() > c.cap {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.lru.Remove(oldest)
		delete(c.lookup, oldest.Value.(string))
	}
	return false
}

func (c *Client) share(keyUUID string, key []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	body, err := json.Marshal(storeKeyRequest{PackageUUID: keyUUID, EncryptionKey: hex.EncodeToString(key)})
	if err != nil {
		monitoring.KeyShareErrors.Inc()
		log.Printf("keyshare: marshal request for key %s: %v", keyUUID, err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/store-key", bytes.NewReader(body))
	if err != nil {
		monitoring.KeyShareErrors.Inc()
		log.Printf("keyshare: build request for key %s: %v", keyUUID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		monitoring.KeyShareErrors.Inc()
		log.Printf("keyshare: post key %s: %v", keyUUID, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		monitoring.KeyShareErrors.Inc()
		log.Printf("keyshare: post key %s: status %s", keyUUID, fmt.Sprint(resp.StatusCode))
	}
}
