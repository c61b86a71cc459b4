// Package node implements the node self-registration described in
// spec §4.Q: looking up the antenna host's public IP, building a
// canonical JSON registration record, signing it with the node
// wallet, and archiving it so the network can discover this node.
package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/deradnet/DeRadar-Turbo-Backup/internal/archive"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/wallet"
)

// publicIPEndpoint is queried once at registration time. It returns the
// caller's public IP as a bare text body.
const publicIPEndpoint = "https://api.ipify.org"

// Registration is the canonical, signed record announcing this node to
// the archive network.
type Registration struct {
	NodeAddress string   `json:"node_address"`
	PublicIP    string   `json:"public_ip"`
	Antennas    []string `json:"antennas"`
	RegisteredAtUnix int64 `json:"registered_at_unix"`
}

// PublicIP fetches the caller's public IP address.
func PublicIP(ctx context.Context) (string, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, publicIPEndpoint, nil)
	if err != nil {
		return "", fmt.Errorf("node: build public ip request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("node: fetch public ip: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", fmt.Errorf("node: read public ip response: %w", err)
	}
	ip := strings.TrimSpace(string(body))
	if ip == "" {
		return "", fmt.Errorf("node: empty public ip response")
	}
	return ip, nil
}

// canonicalJSON re-marshals v with its top-level object keys sorted, so
// the same logical record always produces the same bytes to sign and
// verify, independent of Go's map iteration order.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b bytes.Buffer
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		b.Write(kb)
		b.WriteByte(':')
		b.Write(obj[k])
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// Register builds, signs, and archives a Registration for this node,
// returning the archive transaction ID it was stored under.
func Register(ctx context.Context, w *wallet.Wallet, archiveClient *archive.Client, antennaIDs []string, now time.Time) (string, error) {
	ip, err := PublicIP(ctx)
	if err != nil {
		return "", err
	}

	reg := Registration{
		NodeAddress:      w.Address,
		PublicIP:         ip,
		Antennas:         antennaIDs,
		RegisteredAtUnix: now.Unix(),
	}
	canonical, err := canonicalJSON(reg)
	if err != nil {
		return "", fmt.Errorf("node: canonicalize registration: %w", err)
	}

	sig, err := w.Sign(canonical)
	if err != nil {
		return "", err
	}

	tags := []archive.Tag{
		{Name: "App-Name", Value: "aircraft-ingest-node"},
		{Name: "Node-Address", Value: w.Address},
		{Name: "Content-Type", Value: "application/json"},
		{Name: "Signature", Value: encodeSignature(sig)},
	}

	txID, err := archiveClient.Upload(ctx, canonical, tags)
	if err != nil {
		return "", fmt.Errorf("node: archive registration: %w", err)
	}
	return txID, nil
}

func encodeSignature(sig []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(sig)*2)
	for i, v := range sig {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}
