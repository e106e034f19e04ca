// Package clocksync resets the system clock from a time API. Authentication
// against the stream endpoint fails when the host clock drifts too far, so
// the crawler resyncs before retrying a 401.
package clocksync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tweetcrawler/tweetcrawler/internal/config"
	"github.com/tweetcrawler/tweetcrawler/internal/logging"
)

// EnvSyncTime carries the fetched time to the sync command.
const EnvSyncTime = "TWEETCRAWLER_SYNC_TIME"

// SyncTimeLayout is the MM/DD/YYYY HH:MM:SS form accepted by hwclock --date.
const SyncTimeLayout = "01/02/2006 15:04:05"

// Syncer fetches the current time and applies it.
type Syncer struct {
	url     string
	command string
	client  *http.Client
	now     func() time.Time
	log     zerolog.Logger
}

// New creates a syncer from cfg.
func New(cfg config.ClockSyncConfig) *Syncer {
	return &Syncer{
		url:     cfg.URL,
		command: cfg.Command,
		client:  &http.Client{Timeout: 15 * time.Second},
		now:     time.Now,
		log:     logging.Component("clocksync"),
	}
}

type timeResponse struct {
	UTCDateTime string `json:"utc_datetime"`
}

// Fetch returns the time reported by the time API.
func (s *Syncer) Fetch(ctx context.Context) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return time.Time{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query time API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("time API returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read time API response: %w", err)
	}

	var tr timeResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode time API response: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, tr.UTCDateTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid utc_datetime %q: %w", tr.UTCDateTime, err)
	}
	return t.UTC(), nil
}

// Sync fetches the time, logs the local skew and, when a command is
// configured, runs it with the fetched local time in EnvSyncTime.
func (s *Syncer) Sync(ctx context.Context) (time.Time, error) {
	remote, err := s.Fetch(ctx)
	if err != nil {
		return time.Time{}, err
	}
	skew := s.now().Sub(remote)
	s.log.Info().Time("remote", remote).Dur("skew", skew).Msg("fetched reference time")

	if s.command == "" {
		return remote, nil
	}

	stamp := remote.Local().Format(SyncTimeLayout)
	cmd := exec.CommandContext(ctx, "sh", "-c", s.command)
	cmd.Env = append(os.Environ(), EnvSyncTime+"="+stamp)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return remote, fmt.Errorf("clock sync command failed: %w: %s", err, out)
	}
	s.log.Info().Str("time", stamp).Msg("time synced")
	return remote, nil
}
