// Package live serves the live stats broadcast described in spec §4.O:
// a WebSocket endpoint that pushes the stats register's current
// snapshot to every connected dashboard client, refreshed at most every
// 500ms regardless of how many clients are attached.
package live

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/deradnet/DeRadar-Turbo-Backup/internal/monitoring"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/stats"
)

const pushInterval = 500 * time.Millisecond

// Broadcaster owns the set of connected WebSocket clients and the
// cached, rate-limited serialization of the stats snapshot.
type Broadcaster struct {
	register *stats.Register

	clientsMu sync.RWMutex
	clients   map[*wsConn]struct{}

	cacheMu      sync.Mutex
	cachedAt     time.Time
	cachedBytes  []byte
}

// New builds a Broadcaster over register.
func New(register *stats.Register) *Broadcaster {
	return &Broadcaster{
		register: register,
		clients:  make(map[*wsConn]struct{}),
	}
}

// Run pushes the current snapshot to every connected client every
// 500ms until ctx is canceled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.pushAll(time.Now())
		}
	}
}

func (b *Broadcaster) pushAll(now time.Time) {
	payload, err := b.payload(now)
	if err != nil {
		return
	}

	b.clientsMu.RLock()
	conns := make([]*wsConn, 0, len(b.clients))
	for c := range b.clients {
		conns = append(conns, c)
	}
	b.clientsMu.RUnlock()

	for _, c := range conns {
		if err := c.WriteText(payload); err != nil {
			b.unregister(c)
			_ = c.Close()
		}
	}
}

// payload returns the serialized snapshot, reusing the last
// serialization if it's still within the 500ms freshness window so a
// burst of events between ticks doesn't re-marshal on every call.
func (b *Broadcaster) payload(now time.Time) ([]byte, error) {
	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()

	if b.cachedBytes != nil && now.Sub(b.cachedAt) < pushInterval {
		return b.cachedBytes, nil
	}

	snap := b.register.Snapshot(now)
	body, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	b.cachedBytes = body
	b.cachedAt = now
	return body, nil
}

func (b *Broadcaster) addClient(c *wsConn) {
	b.clientsMu.Lock()
	b.clients[c] = struct{}{}
	b.clientsMu.Unlock()
}

func (b *Broadcaster) unregister(c *wsConn) {
	b.clientsMu.Lock()
	delete(b.clients, c)
	b.clientsMu.Unlock()
}

// Handler upgrades the request to a WebSocket and streams stats pushes
// until the client disconnects. It registers with chi's router the
// same way the teacher mounts FlightsWSHandler.
func (b *Broadcaster) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgradeToWebSocket(w, r)
		if err != nil {
			monitoring.Debugf("live: ws upgrade error: %v", err)
			return
		}
		b.addClient(conn)
		defer func() {
			b.unregister(conn)
			_ = conn.Close()
		}()

		if payload, err := b.payload(time.Now()); err == nil {
			_ = conn.WriteText(payload)
		}

		for {
			op, payload, err := conn.ReadFrame()
			if err != nil {
				return
			}
			switch op {
			case 0x9: // ping
				_ = conn.WritePong(payload)
			case 0x8: // close
				return
			default:
				// no client-to-server messages are expected on this stream
			}
		}
	}
}
