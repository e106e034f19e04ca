// Package app wires the crawler's services together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/tweetcrawler/tweetcrawler/internal/archive"
	"github.com/tweetcrawler/tweetcrawler/internal/batch"
	"github.com/tweetcrawler/tweetcrawler/internal/bucket"
	"github.com/tweetcrawler/tweetcrawler/internal/clocksync"
	"github.com/tweetcrawler/tweetcrawler/internal/config"
	crawlerrors "github.com/tweetcrawler/tweetcrawler/internal/errors"
	"github.com/tweetcrawler/tweetcrawler/internal/ingest"
	"github.com/tweetcrawler/tweetcrawler/internal/logging"
	"github.com/tweetcrawler/tweetcrawler/internal/manifest"
	"github.com/tweetcrawler/tweetcrawler/internal/marker"
	"github.com/tweetcrawler/tweetcrawler/internal/metrics"
	"github.com/tweetcrawler/tweetcrawler/internal/notify"
	"github.com/tweetcrawler/tweetcrawler/internal/retention"
	"github.com/tweetcrawler/tweetcrawler/internal/storage"
	"github.com/tweetcrawler/tweetcrawler/internal/stream"
	"github.com/tweetcrawler/tweetcrawler/internal/upload"
)

// App holds the shared resources of one process.
type App struct {
	cfg      *config.Config
	shutdown *ShutdownManager
	log      zerolog.Logger

	notifier notify.Notifier
	markers  *marker.DirStore
	catalog  *manifest.SQLiteCatalog
	remote   storage.ObjectStorage
}

// New validates cfg, prepares directories, installs the logger and opens
// the manifest catalog.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	if err := logging.Init(logging.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		File:        cfg.Log.File,
		RotateBytes: cfg.Log.RotateBytes,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	a := &App{
		cfg:      cfg,
		shutdown: NewShutdownManager(30 * time.Second),
		log:      logging.Component("app"),
		notifier: notify.New(cfg.Notify.Email),
		markers:  marker.NewDirStore(cfg.WorkingDir),
	}
	a.shutdown.RegisterCloser("logging", CloserFunc(logging.Close))

	if cfg.Manifest.Enabled {
		catalog, err := manifest.NewCatalog(cfg.Manifest.Path)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.catalog = catalog
		a.shutdown.RegisterCloser("manifest", catalog)
	}
	return a, nil
}

// Config returns the resolved configuration.
func (a *App) Config() *config.Config {
	return a.cfg
}

// Catalog returns the manifest catalog, or nil when it is disabled.
func (a *App) Catalog() *manifest.SQLiteCatalog {
	return a.catalog
}

func (a *App) recorder() manifest.Recorder {
	if a.catalog == nil {
		return manifest.Nop{}
	}
	return a.catalog
}

// NewPass assembles the archive pass: builder, upload machine, sweeper and
// weekly digest.
func (a *App) NewPass(ctx context.Context) (*batch.Pass, error) {
	if err := a.openRemote(ctx); err != nil {
		return nil, err
	}
	weekday, err := config.ParseWeekday(a.cfg.Notify.DigestWeekday)
	if err != nil {
		return nil, err
	}

	rec := a.recorder()
	pass := &batch.Pass{
		Builder: archive.NewBuilder(archive.Options{
			Dir:         a.cfg.WorkingDir,
			StaleAfter:  a.cfg.Bucket.StaleAfter,
			Deduplicate: a.cfg.Archive.Deduplicate,
			Markers:     a.markers,
			Recorder:    rec,
		}),
		Uploader: upload.NewMachine(a.markers, a.remote, a.notifier, rec, upload.Options{
			Folder:     a.cfg.Upload.Folder,
			StuckAfter: a.cfg.Upload.StuckAfter,
		}),
		Sweeper:       retention.New(a.markers, rec, a.cfg.Retention.KeepDays),
		Notifier:      a.notifier,
		DigestWeekday: weekday,
	}
	if f := logging.File(); f != nil {
		pass.Digest = f
	}
	return pass, nil
}

func (a *App) openRemote(ctx context.Context) error {
	if a.remote != nil {
		return nil
	}
	remote, err := storage.New(ctx, a.cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open remote storage: %w", err)
	}
	a.remote = remote
	return nil
}

// ListRemote returns the object paths stored under the upload folder.
func (a *App) ListRemote(ctx context.Context) ([]string, error) {
	if err := a.openRemote(ctx); err != nil {
		return nil, err
	}
	prefix := a.cfg.Upload.Folder
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return a.remote.List(ctx, prefix)
}

// ingestServices opens the bucket store and returns the stream crawler plus,
// in background reclaim mode, the reclaimer.
func (a *App) ingestServices() ([]suture.Service, error) {
	cfg := a.cfg

	var spill *ingest.Spill
	if cfg.Bucket.LatePolicy == config.LatePolicySpill {
		spill = ingest.NewSpill(cfg.WorkingDir)
		a.shutdown.RegisterCloser("spill", spill)
	}

	store, err := bucket.NewStore(bucket.Options{
		Dir:           cfg.WorkingDir,
		StaleAfter:    cfg.Bucket.StaleAfter,
		InlineReclaim: cfg.Bucket.Reclaim == config.ReclaimInline,
	})
	if err != nil {
		return nil, err
	}
	a.shutdown.RegisterCloser("buckets", store)

	var syncer stream.ClockSyncer
	if cfg.Stream.ClockSync.Enabled {
		syncer = clocksync.New(cfg.Stream.ClockSync)
	}

	source := stream.NewHTTPSource(cfg.Stream.URL, cfg.Stream.BearerToken, cfg.Stream.IdleTimeout)
	crawler := stream.NewCrawler(source, ingest.NewRouter(store, spill), store, a.notifier, syncer, stream.Options{
		NumThreads:     cfg.NumThreads,
		TransientPause: cfg.Stream.TransientPause,
		FatalPause:     cfg.Stream.FatalPause,
		AuthPause:      cfg.Stream.AuthPause,
	})

	services := []suture.Service{crawler}
	if cfg.Bucket.Reclaim == config.ReclaimBackground {
		services = append(services, bucket.NewReclaimer(store, cfg.Bucket.ReclaimInterval))
	}
	return services, nil
}

func (a *App) supervisor() *suture.Supervisor {
	log := logging.Component("supervisor")
	return suture.New("tweetcrawler", suture.Spec{
		EventHook: func(e suture.Event) {
			log.Warn().Fields(e.Map()).Msg(e.String())
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
}

// Run starts the services selected by the configured mode and blocks until
// a signal arrives, ctx is cancelled or the supervisor gives up. Resources
// are closed before it returns.
func (a *App) Run(ctx context.Context) error {
	sup := a.supervisor()

	if a.cfg.ShouldRunIngest() {
		services, err := a.ingestServices()
		if err != nil {
			a.Close()
			return err
		}
		for _, svc := range services {
			sup.Add(svc)
		}
	}
	if a.cfg.ShouldRunArchive() {
		pass, err := a.NewPass(ctx)
		if err != nil {
			a.Close()
			return err
		}
		interval := a.cfg.Archive.Interval
		if interval <= 0 {
			interval = time.Hour
		}
		sup.Add(batch.NewDaemon(pass, interval))
	}
	if a.cfg.Metrics.Addr != "" {
		sup.Add(metrics.NewServer(a.cfg.Metrics.Addr))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := sup.ServeBackground(runCtx)

	var supErr error
	stopped := make(chan struct{})
	go func() {
		supErr = <-errCh
		close(stopped)
		a.shutdown.Shutdown("supervisor stopped")
	}()
	a.shutdown.OnStop(func(stopCtx context.Context) {
		cancel()
		select {
		case <-stopped:
		case <-stopCtx.Done():
			a.log.Warn().Msg("services did not stop in time")
		}
	})

	a.log.Info().
		Str("mode", string(a.cfg.Mode)).
		Str("working_dir", a.cfg.WorkingDir).
		Int("threads", a.cfg.NumThreads).
		Msg("tweetcrawler started")

	err := a.shutdown.ListenForSignals(ctx)
	select {
	case <-stopped:
		if supErr != nil && !errors.Is(supErr, context.Canceled) && err == nil {
			err = supErr
		}
	default:
	}
	return err
}

// Close releases every registered resource.
func (a *App) Close() error {
	return a.shutdown.Shutdown("closed")
}

// ExitCode maps a startup or run error to the process exit status: 2 for
// configuration errors, 1 for everything else.
func ExitCode(err error) int {
	if crawlerrors.GetCategory(err) == crawlerrors.ErrCategoryConfig {
		return 2
	}
	return 1
}
