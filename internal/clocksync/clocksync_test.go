package clocksync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tweetcrawler/tweetcrawler/internal/config"
)

func timeServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch(t *testing.T) {
	srv := timeServer(t, `{"abbreviation":"UTC","utc_datetime":"2024-01-02T03:04:05.678901+00:00"}`, http.StatusOK)
	s := New(config.ClockSyncConfig{URL: srv.URL})

	got, err := s.Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 1, 2, 3, 4, 5, 678901000, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Fetch = %v, want %v", got, want)
	}
}

func TestFetchErrors(t *testing.T) {
	for name, srv := range map[string]*httptest.Server{
		"status":  timeServer(t, `{}`, http.StatusServiceUnavailable),
		"garbage": timeServer(t, `not json`, http.StatusOK),
		"field":   timeServer(t, `{"utc_datetime":"yesterday"}`, http.StatusOK),
	} {
		if _, err := New(config.ClockSyncConfig{URL: srv.URL}).Fetch(context.Background()); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestSyncRunsCommand(t *testing.T) {
	srv := timeServer(t, `{"utc_datetime":"2024-01-02T03:04:05.000000+00:00"}`, http.StatusOK)
	out := filepath.Join(t.TempDir(), "synced")
	s := New(config.ClockSyncConfig{
		URL:     srv.URL,
		Command: `printf '%s' "$` + EnvSyncTime + `" > ` + out,
	})

	remote, err := s.Sync(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if want := remote.Local().Format(SyncTimeLayout); string(got) != want {
		t.Errorf("command saw %q, want %q", got, want)
	}
}

func TestSyncCommandFailure(t *testing.T) {
	srv := timeServer(t, `{"utc_datetime":"2024-01-02T03:04:05Z"}`, http.StatusOK)
	s := New(config.ClockSyncConfig{URL: srv.URL, Command: "echo nope; exit 3"})

	_, err := s.Sync(context.Background())
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("Sync = %v", err)
	}
}
