// Command ingestd is the aircraft-telemetry ingest-and-archive engine:
// it polls one or more ADS-B feeds, classifies what changed, and
// uploads clear and encrypted Parquet batches to the archive network,
// following the teacher's cmd/miniflightradar entrypoint shape.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-co-op/gocron/v2"
	"github.com/urfave/cli/v3"

	"github.com/deradnet/DeRadar-Turbo-Backup/internal/archive"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/config"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/cryptokeys"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/keyshare"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/live"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/monitoring"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/node"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/orchestrator"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/snapshot"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/statecache"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/stats"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/store"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/wallet"
)

func main() {
	cmd := &cli.Command{
		Name:  "ingestd",
		Usage: "Ingest ADS-B telemetry and archive it to the network",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Category: "antennas",
				Name:     "antennas.urls",
				Aliases:  []string{"antennas"},
				Usage:    "Comma-separated `id=url` pairs, one per antenna feed",
			},
			&cli.StringFlag{
				Category: "wallet",
				Name:     "wallet.private_key_name",
				Usage:    "Path to the node's Arweave-style RSA JWK `FILE`",
			},
			&cli.StringFlag{
				Category: "data",
				Name:     "data.encryption_key",
				Usage:    "64 hex character (32 byte) master key for per-minute key derivation",
				Sources:  cli.EnvVars("DATA_ENCRYPTION_KEY"),
				Hidden:   true,
			},
			&cli.StringFlag{
				Category: "database",
				Name:     "database.path",
				Value:    "./data/ingest.sqlite3",
				Usage:    "Path to the sqlite3 database file (will be created if missing)",
			},
			&cli.StringFlag{
				Category: "gateway",
				Name:     "gateway.base_url",
				Value:    "http://127.0.0.1:1984",
				Usage:    "Archive gateway upload origin",
			},
			&cli.StringFlag{
				Category: "gateway",
				Name:     "gateway.graphql_endpoint",
				Value:    "http://127.0.0.1:1984/graphql",
				Usage:    "Archive gateway GraphQL query endpoint",
			},
			&cli.StringFlag{
				Category: "keyshare",
				Name:     "keyshare.base_url",
				Value:    "http://127.0.0.1:8090",
				Usage:    "Key-share service base URL",
			},
			&cli.StringFlag{
				Category: "server",
				Name:     "server.listen",
				Aliases:  []string{"listen", "l"},
				Value:    ":8080",
				Usage:    "`ADDRESS` to listen on for metrics and the live stats websocket",
			},
			&cli.StringFlag{
				Category: "monitoring",
				Name:     "tracing.endpoint",
				Aliases:  []string{"tracing", "t"},
				Value:    "",
				Usage:    "OpenTelemetry collector `ENDPOINT` for traces",
			},
			&cli.DurationFlag{
				Category: "cache",
				Name:     "cache.reappear_threshold",
				Value:    5 * time.Minute,
				Usage:    "How long an aircraft may go unseen before it's considered gone, and how long its tombstone is then kept before a later sighting reads as REAPPEARED rather than NEW",
			},
			&cli.BoolFlag{
				Category: "monitoring",
				Name:     "debug",
				Aliases:  []string{"d"},
				Usage:    "Enable debug logging",
			},
			&cli.BoolFlag{
				Category: "api",
				Name:     "api.enabled",
				Value:    true,
				Usage:    "Serve the metrics/stats HTTP surface (disable to 404 every request)",
			},
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, c *cli.Command) error {
	if c.Bool("debug") {
		monitoring.SetLogLevel("debug")
	}

	cfg, err := buildConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	shutdownTracer := monitoring.InitTracer(cfg.TracingEndpoint, "ingestd")
	defer shutdownTracer()

	w, err := wallet.Load(cfg.WalletPrivateKeyPath)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	archiveClient := archive.New(cfg.GatewayBaseURL, cfg.GraphQLEndpoint)
	keyShareClient := keyshare.New(cfg.KeyShareBaseURL)
	cache := statecache.New(cfg.ReappearThreshold)
	register := stats.New(time.Now())
	encryptor := cryptokeys.NewEncryptor(cfg.MasterKeyHex)

	backup := snapshot.New(archiveClient, register, db, encryptor, "aircraft-ingest")
	if err := backup.RestoreOnStart(ctx); err != nil {
		log.Printf("ingestd: restore on start: %v", err)
	}

	antennaIDs := make([]string, 0, len(cfg.Antennas))
	for _, a := range cfg.Antennas {
		if a.Enabled {
			antennaIDs = append(antennaIDs, a.ID)
		}
	}
	if txID, err := node.Register(ctx, w, archiveClient, antennaIDs, time.Now()); err != nil {
		log.Printf("ingestd: node self-registration failed: %v", err)
	} else {
		log.Printf("ingestd: registered node as %s", txID)
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	if err := backup.Schedule(sched); err != nil {
		return err
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(5*time.Second),
		gocron.NewTask(func() {
			if err := register.PersistIfDirty(ctx, db); err != nil {
				log.Printf("ingestd: persist stats: %v", err)
			}
		}),
	); err != nil {
		return err
	}
	sched.Start()
	defer func() { _ = sched.Shutdown() }()

	orch := orchestrator.New(cfg, cache, archiveClient, keyShareClient, db, register, encryptor)
	go orch.Run(ctx)

	broadcaster := live.New(register)
	go broadcaster.Run(ctx)

	router := chi.NewRouter()
	router.Use(apiEnabledGuard(cfg.APIEnabled))
	router.Handle("/metrics", monitoring.PrometheusHandler())
	router.Get("/ws/stats", broadcaster.Handler())

	srv := &http.Server{Addr: cfg.Listen, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("ingestd: listening on %s", cfg.Listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func buildConfig(c *cli.Command) (*config.Config, error) {
	antennas, err := parseAntennas(c.String("antennas.urls"))
	if err != nil {
		return nil, err
	}

	inContainer := runningInContainer()
	const hostGatewayAlias = "host.docker.internal"

	return &config.Config{
		Antennas:             antennas,
		WalletPrivateKeyPath: c.String("wallet.private_key_name"),
		MasterKeyHex:         c.String("data.encryption_key"),
		DatabasePath:         c.String("database.path"),
		APIEnabled:           c.Bool("api.enabled"),
		PollInterval:         500 * time.Millisecond,
		ReappearThreshold:    c.Duration("cache.reappear_threshold"),
		SnapshotInterval:     5 * time.Minute,
		StatsDebounce:        5 * time.Second,
		GatewayBaseURL:       config.RewriteLoopback(c.String("gateway.base_url"), inContainer, hostGatewayAlias),
		GraphQLEndpoint:      config.RewriteLoopback(c.String("gateway.graphql_endpoint"), inContainer, hostGatewayAlias),
		KeyShareBaseURL:      config.RewriteLoopback(c.String("keyshare.base_url"), inContainer, hostGatewayAlias),
		TracingEndpoint:      c.String("tracing.endpoint"),
		Debug:                c.Bool("debug"),
		Listen:               c.String("server.listen"),
	}, nil
}

// runningInContainer reports whether the process appears to be running
// inside a Docker container, the same heuristic the teacher's deployment
// tooling uses to decide when loopback URLs need rewriting.
func runningInContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return os.Getenv("CONTAINER") != ""
}

// apiEnabledGuard 404s every request when the operator HTTP surface is
// disabled, per spec §6's api.enabled flag.
func apiEnabledGuard(enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}
}

// parseAntennas parses "id1=url1,id2=url2" into a slice of enabled
// antennas.
func parseAntennas(raw string) ([]config.Antenna, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []config.Antenna
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			continue
		}
		out = append(out, config.Antenna{ID: kv[0], URL: kv[1], Enabled: true})
	}
	return out, nil
}
