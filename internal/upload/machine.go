// Package upload drives day archives through ready → uploading → uploaded.
package upload

import (
	"context"
	"errors"
	"path"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	crawlerrors "github.com/tweetcrawler/tweetcrawler/internal/errors"
	"github.com/tweetcrawler/tweetcrawler/internal/logging"
	"github.com/tweetcrawler/tweetcrawler/internal/manifest"
	"github.com/tweetcrawler/tweetcrawler/internal/marker"
	"github.com/tweetcrawler/tweetcrawler/internal/metrics"
	"github.com/tweetcrawler/tweetcrawler/internal/notify"
	"github.com/tweetcrawler/tweetcrawler/internal/storage"
	"github.com/tweetcrawler/tweetcrawler/pkg/types"
)

// ErrBreakerOpen is reported for archives deferred while remote puts are
// short-circuited.
var ErrBreakerOpen = crawlerrors.NewUploadError(crawlerrors.CodeBreakerOpen, "remote store circuit open", nil)

// Options configures a Machine.
type Options struct {
	// Folder prefixes every object path.
	Folder string

	// StuckAfter is the archive age, measured from the start of its day,
	// after which an uploading archive is handed back to ready.
	StuckAfter time.Duration

	// FailureThreshold consecutive failed puts open the breaker for BreakerTimeout.
	FailureThreshold uint32
	BreakerTimeout   time.Duration
}

// RunResult summarizes one Run.
type RunResult struct {
	Uploaded  []string
	Failed    []string
	Recovered []string
	Deferred  []string
	Skipped   []string
}

// Machine uploads archives one at a time, oldest first.
type Machine struct {
	markers  marker.Store
	store    storage.ObjectStorage
	notifier notify.Notifier
	recorder manifest.Recorder
	opts     Options
	breaker  *gobreaker.CircuitBreaker[struct{}]
	log      zerolog.Logger
}

// NewMachine creates a machine. notifier and recorder may be nil.
func NewMachine(markers marker.Store, store storage.ObjectStorage, notifier notify.Notifier, recorder manifest.Recorder, opts Options) *Machine {
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 3
	}
	if opts.BreakerTimeout == 0 {
		opts.BreakerTimeout = 5 * time.Minute
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if recorder == nil {
		recorder = manifest.Nop{}
	}

	m := &Machine{
		markers:  markers,
		store:    store,
		notifier: notifier,
		recorder: recorder,
		opts:     opts,
		log:      logging.Component("upload"),
	}
	m.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "remote-store",
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return m
}

// ObjectPath returns folder/archive, or archive alone without a folder.
func ObjectPath(folder, archive string) string {
	if folder == "" {
		return archive
	}
	return path.Join(folder, archive)
}

// Run advances every archive that can move. Per-archive failures are logged
// and counted; only a failure to list the directory is returned.
func (m *Machine) Run(ctx context.Context, now time.Time) (*RunResult, error) {
	res := &RunResult{}
	entries, err := m.markers.List()
	if err != nil {
		return res, err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !e.HasArchive {
			continue
		}
		switch e.State() {
		case types.MarkerReady:
			m.upload(ctx, now, e.Archive, res)
		case types.MarkerUploading:
			if now.Sub(e.Day.Start()) < m.opts.StuckAfter {
				res.Skipped = append(res.Skipped, e.Archive)
				continue
			}
			if err := m.markers.Transition(e.Archive, types.MarkerUploading, types.MarkerReady); err != nil {
				m.log.Warn().Err(err).Str("archive", e.Archive).Msg("failed to recover stuck upload")
				continue
			}
			metrics.Uploads.WithLabelValues("recovered").Inc()
			m.log.Info().Str("archive", e.Archive).Msg("recovered stuck upload")
			res.Recovered = append(res.Recovered, e.Archive)
			m.upload(ctx, now, e.Archive, res)
		}
	}
	return res, nil
}

func (m *Machine) upload(ctx context.Context, now time.Time, archive string, res *RunResult) {
	log := m.log.With().Str("archive", archive).Logger()

	if m.breaker.State() == gobreaker.StateOpen {
		metrics.Uploads.WithLabelValues("skipped").Inc()
		log.Debug().Msg("remote store circuit open; upload deferred")
		res.Deferred = append(res.Deferred, archive)
		return
	}

	// The rename is the claim: a concurrent pass that lost it moves on.
	if err := m.markers.Transition(archive, types.MarkerReady, types.MarkerUploading); err != nil {
		log.Debug().Err(err).Msg("archive claimed elsewhere")
		res.Skipped = append(res.Skipped, archive)
		return
	}

	objectPath := ObjectPath(m.opts.Folder, archive)
	_, err := m.breaker.Execute(func() (struct{}, error) {
		exists, err := m.store.Exists(ctx, objectPath)
		if err != nil {
			return struct{}{}, err
		}
		if exists {
			log.Info().Str("object", objectPath).Msg("object already present remotely; skipping put")
			return struct{}{}, nil
		}
		return struct{}{}, m.store.Upload(ctx, m.markers.Path(archive), objectPath)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = ErrBreakerOpen
		}
		m.fail(ctx, archive, err, res)
		return
	}

	if err := m.markers.Transition(archive, types.MarkerUploading, types.MarkerUploaded); err != nil {
		m.fail(ctx, archive, err, res)
		return
	}
	metrics.Uploads.WithLabelValues("uploaded").Inc()
	log.Info().Str("object", objectPath).Msg("uploaded archive")
	res.Uploaded = append(res.Uploaded, archive)

	if err := m.recorder.RecordUploaded(ctx, archive, objectPath, now); err != nil {
		log.Warn().Err(err).Msg("failed to record upload in manifest")
	}
}

// fail leaves the archive uploading; it is retried once it counts as stuck.
func (m *Machine) fail(ctx context.Context, archive string, err error, res *RunResult) {
	metrics.Uploads.WithLabelValues("failed").Inc()
	m.log.Error().Err(err).Str("archive", archive).Msg("upload failed")
	res.Failed = append(res.Failed, archive)
	notify.Send(ctx, m.notifier, notify.Message{
		Subject: notify.SubjectPrefix + "Failed to upload " + archive,
		Body:    err.Error(),
	})
}
