// Package metrics holds the Prometheus collectors for ingestion and the
// archive pass.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tweetcrawler/tweetcrawler/internal/logging"
)

var (
	// RecordsTotal counts ingested payloads by result: accepted, rejected, late, spilled, failed.
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tweetcrawler_records_total",
			Help: "Stream payloads by ingest result",
		},
		[]string{"result"},
	)

	// OpenBuckets is the number of bucket files currently held open.
	OpenBuckets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tweetcrawler_open_buckets",
			Help: "Bucket files currently open for appending",
		},
	)

	// BucketFinalizations counts finalizations by outcome: renamed, merged, failed.
	BucketFinalizations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tweetcrawler_bucket_finalizations_total",
			Help: "Bucket finalizations by outcome",
		},
		[]string{"outcome"},
	)

	// ArchivesBuilt counts day archives written.
	ArchivesBuilt = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tweetcrawler_archives_built_total",
			Help: "Day archives built",
		},
	)

	// IncompleteDays counts days skipped because an hour was missing.
	IncompleteDays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tweetcrawler_incomplete_days_total",
			Help: "Days skipped by the archive pass because an hour was missing",
		},
	)

	// DuplicatesRemoved counts lines dropped by deduplication.
	DuplicatesRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tweetcrawler_duplicates_removed_total",
			Help: "Duplicate records removed before archiving",
		},
	)

	// Uploads counts upload attempts by result: uploaded, failed, skipped, recovered.
	Uploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tweetcrawler_uploads_total",
			Help: "Archive upload attempts by result",
		},
		[]string{"result"},
	)

	// Sweeps counts retention deletions by kind: archive, orphan.
	Sweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tweetcrawler_sweeps_total",
			Help: "Files removed by the retention sweeper",
		},
		[]string{"kind"},
	)

	// StreamRestarts counts stream session restarts by class: transient, fatal, auth.
	StreamRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tweetcrawler_stream_restarts_total",
			Help: "Stream session restarts by error class",
		},
		[]string{"class"},
	)

	// PassDuration tracks archive pass latency.
	PassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tweetcrawler_archive_pass_duration_seconds",
			Help:    "Duration of a complete archive pass",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)
)

// Server exposes /metrics over HTTP.
type Server struct {
	srv *http.Server
}

// NewServer creates a metrics server listening on addr.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// Serve runs the server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	log := logging.Component("metrics")
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("metrics endpoint listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) String() string {
	return "metrics-server"
}
