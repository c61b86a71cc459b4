// Package config holds the resolved runtime configuration for the ingest
// engine. Parsing of an operator-facing config file is out of scope (that
// lives in the dashboard process, see spec §1); this package only models
// the values §6 enumerates and the defaulting the engine applies to them.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Antenna is one configured ADS-B receiver feed.
type Antenna struct {
	ID      string
	URL     string
	Enabled bool
}

// Config is the fully resolved set of values the engine needs to run.
// It is built from CLI flags in cmd/ingestd, the same way the teacher's
// app.Run reads c.String/c.Bool/c.Duration directly off the cli.Command.
type Config struct {
	Antennas []Antenna

	WalletPrivateKeyPath string // path to the JWK file, the wallet.private_key_name value used as given (no keys/ directory is prepended)

	MasterKeyHex string // data.encryption_key, 64 hex chars (32 bytes)

	DatabasePath string

	APIEnabled bool

	PollInterval      time.Duration
	ReappearThreshold time.Duration // spec glossary: reappearThreshold, 5 min default
	SnapshotInterval  time.Duration
	StatsDebounce     time.Duration

	GatewayBaseURL    string
	GraphQLEndpoint   string
	KeyShareBaseURL   string
	TracingEndpoint   string
	Debug             bool
	Listen            string
}

// Validate fails fast on the conditions spec §6/§7 calls fatal at boot:
// no antennas configured or none enabled, an empty wallet path, a master
// key that is not 64 characters long, and an empty database path. It
// does not check that the wallet file exists.
func (c *Config) Validate() error {
	if len(c.Antennas) == 0 {
		return fmt.Errorf("config: at least one antenna is required")
	}
	anyEnabled := false
	for _, a := range c.Antennas {
		if a.Enabled {
			anyEnabled = true
		}
	}
	if !anyEnabled {
		return fmt.Errorf("config: at least one antenna must be enabled")
	}
	if strings.TrimSpace(c.WalletPrivateKeyPath) == "" {
		return fmt.Errorf("config: wallet.private_key_name is required")
	}
	key := strings.TrimSpace(c.MasterKeyHex)
	if len(key) != 64 {
		return fmt.Errorf("config: data.encryption_key must be 64 hex characters, got %d", len(key))
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("config: database.path is required")
	}
	return nil
}

// RewriteLoopback rewrites localhost/127.0.0.1/::1 URLs to the host-gateway
// alias when running inside a container, per spec §6.
func RewriteLoopback(rawURL string, inContainer bool, gatewayAlias string) string {
	if !inContainer {
		return rawURL
	}
	for _, host := range []string{"localhost", "127.0.0.1", "::1"} {
		if strings.Contains(rawURL, host) {
			return strings.Replace(rawURL, host, gatewayAlias, 1)
		}
	}
	return rawURL
}
