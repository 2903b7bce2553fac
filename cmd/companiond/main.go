package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	companion "github.com/confapp/companion-sync"
	"github.com/confapp/companion-sync/config"
	"github.com/confapp/companion-sync/connections"
	"github.com/confapp/companion-sync/coordinator"
	"github.com/confapp/companion-sync/internal"
	"github.com/confapp/companion-sync/local"
	"github.com/confapp/companion-sync/notifier"
	"github.com/confapp/companion-sync/pubsub"
	"github.com/confapp/companion-sync/state"
)

var GitCommit string

const version = "0.1.0"

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var (
	flagConfig = flag.String("config", "", "Path to the TOML config file (default "+config.EnvConfigPath+" or ~/.config/companion/config.toml)")
	flagMemory = flag.Bool("memory", false, "Use an in-process remote store instead of postgres")
)

type remoteStore interface {
	state.RemoteStore
	Teardown()
}

func main() {
	fmt.Printf("companiond %s (%s)\n", version, GitCommit)
	flag.Parse()
	path := *flagConfig
	if path == "" {
		path = os.Getenv(config.EnvConfigPath)
	}
	if *flagMemory {
		os.Setenv(config.EnvMemory, "1")
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(1)
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad log level %q: %s\n", cfg.LogLevel, err)
		os.Exit(1)
	}
	zerolog.SetGlobalLevel(level)

	if cfg.SentryDSN != "" {
		err = sentry.Init(sentry.ClientOptions{
			Dsn:     cfg.SentryDSN,
			Release: version,
		})
		if err != nil {
			panic(err)
		}
		defer sentry.Flush(2 * time.Second)
	}
	if cfg.OTLPURL != "" {
		if err = internal.ConfigureOTLP(cfg.OTLPURL, cfg.OTLPUsername, cfg.OTLPPassword, version); err != nil {
			panic(err)
		}
	}

	var remote remoteStore
	if cfg.Memory {
		logger.Warn().Msg("running with an in-memory remote store, nothing is shared between devices")
		remote = state.NewMemoryStore()
	} else {
		storage, err := state.NewStorage(cfg.PostgresURI)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to the remote store")
		}
		storage.EnablePrometheus = cfg.EnablePrometheus
		remote = storage
	}
	defer remote.Teardown()

	if err = os.MkdirAll(filepath.Dir(cfg.LocalPath), 0o755); err != nil {
		logger.Fatal().Err(err).Str("path", cfg.LocalPath).Msg("failed to create local store directory")
	}
	localStore, err := local.NewSQLiteStore(cfg.LocalPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.LocalPath).Msg("failed to open local store")
	}
	defer localStore.Close()

	ctx := context.Background()
	coord := coordinator.New(localStore, remote, coordinator.Options{EnablePrometheus: cfg.EnablePrometheus})
	defer coord.Teardown()
	if cfg.DefaultsPath != "" {
		defaults, err := coordinator.LoadDefaultsFile(cfg.DefaultsPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.DefaultsPath).Msg("failed to read default sessions")
		}
		if err = coord.SeedDefaults(ctx, defaults); err != nil {
			logger.Fatal().Err(err).Msg("failed to seed default sessions")
		}
		logger.Info().Int("sessions", len(defaults)).Msg("seeded default sessions")
	}

	notif := notifier.New(notifier.Options{
		Duration:         cfg.NotifyDuration,
		EnablePrometheus: cfg.EnablePrometheus,
	})
	defer notif.Close()
	sessionChanges, err := remote.Subscribe(state.TableSessions)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe to session changes")
	}
	notif.Attach(sessionChanges)
	stopResync := resyncOnChange(coord, notif)
	defer stopResync()

	favoriteChanges, err := remote.Subscribe(state.TableSessionFavorites)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe to favorite changes")
	}
	favSub := pubsub.NewChangeSub(state.TableSessionFavorites, favoriteChanges, coordinator.NewFavoritesListener(coord))
	go func() {
		defer internal.ReportPanicsToSentry()
		if err := favSub.Listen(); err != nil {
			logger.Err(err).Msg("favorite change subscription ended")
		}
	}()
	defer favSub.Teardown()

	go warmFavorites(ctx, coord, remote, cfg.WarmupWorkers)

	dedupe := connections.NewDeduplicator(localStore, nil, cfg.EnablePrometheus)
	defer dedupe.Teardown()
	api := &companion.API{
		Coordinator: coord,
		Connections: dedupe,
		Links:       connections.NewSocialLinks(localStore),
		Notifier:    notif,
		Remote:      remote,
	}
	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           otelhttp.NewHandler(companion.NewServer(api, cfg.EnablePrometheus), "companion"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := companion.RunServer(srv); err != nil {
			logger.Fatal().Err(err).Msg("failed to listen and serve")
		}
	}()

	// block until a signal asks us to stop
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Err(err).Msg("failed to shut down the HTTP server cleanly")
	}
}

// resyncOnChange resyncs every known user's sessions after the notifier raises an alert. Alerts
// arriving while a resync is running collapse into one follow-up resync.
func resyncOnChange(coord *coordinator.Coordinator, notif *notifier.Notifier) (stop func()) {
	pending := make(chan struct{}, 1)
	done := make(chan struct{})
	remove := notif.Observe(func(t notifier.Transition) {
		if t.Reason != notifier.ReasonEvent {
			return
		}
		select {
		case pending <- struct{}{}:
		default:
		}
	})
	go func() {
		defer internal.ReportPanicsToSentry()
		for {
			select {
			case <-done:
				return
			case <-pending:
				if err := coord.ResyncAll(context.Background()); err != nil {
					logger.Warn().Err(err).Msg("resync after session change failed")
				}
			}
		}
	}()
	return func() {
		remove()
		close(done)
	}
}

// warmFavorites loads every attendee's favorites into the local cache. Attendees whose load fails
// keep whatever was cached before.
func warmFavorites(ctx context.Context, coord *coordinator.Coordinator, remote state.RemoteStore, workers int) {
	defer internal.ReportPanicsToSentry()
	start := time.Now()
	rows, err := remote.Query(ctx, state.TableAttendees, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("warmup: failed to list attendees")
		return
	}
	attendees, err := state.DecodeRows[internal.UserProfile](rows)
	if err != nil {
		logger.Warn().Err(err).Msg("warmup: failed to decode attendees")
		return
	}
	wp := internal.NewWorkerPool(workers)
	wp.Start()
	for _, a := range attendees {
		userID := a.ID
		wp.Queue(func() {
			if _, err := coord.LoadFavorites(ctx, userID); err != nil {
				logger.Debug().Err(err).Str("user", userID).Msg("warmup: failed to load favorites")
			}
		})
	}
	wp.StopAndWait()
	logger.Info().Int("attendees", len(attendees)).Dur("took", time.Since(start)).Msg("warmup: loaded favorites")
}
