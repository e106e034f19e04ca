package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tweetcrawler/tweetcrawler/internal/config"
	crawlerrors "github.com/tweetcrawler/tweetcrawler/internal/errors"
	"github.com/tweetcrawler/tweetcrawler/pkg/types"
)

func archiveConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeArchive
	cfg.WorkingDir = t.TempDir()
	cfg.Log.Level = "error"
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := archiveConfig(t)
	cfg.Mode = config.ModeAll

	_, err := New(cfg)
	if err == nil {
		t.Fatal("expected missing bearer token to be rejected")
	}
	if crawlerrors.GetCategory(err) != crawlerrors.ErrCategoryConfig {
		t.Errorf("expected a config error, got %v", err)
	}
}

func TestNewPassArchivesAndUploads(t *testing.T) {
	cfg := archiveConfig(t)
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	day := types.DayKey{Year: 2024, Month: time.January, Day: 2}
	for _, key := range day.Hours() {
		line := fmt.Sprintf(`{"data":{"id":"%d"}}`+"\n", key.Hour)
		if err := os.WriteFile(filepath.Join(cfg.WorkingDir, key.FileName()), []byte(line), 0644); err != nil {
			t.Fatal(err)
		}
	}

	pass, err := a.NewPass(context.Background())
	if err != nil {
		t.Fatalf("NewPass: %v", err)
	}
	pass.Now = func() time.Time { return day.Start().Add(30 * time.Hour) }

	res, err := pass.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(res.Build.Built) != 1 || len(res.Upload.Uploaded) != 1 {
		t.Fatalf("pass result build=%+v upload=%+v", res.Build, res.Upload)
	}
	if _, err := os.Stat(filepath.Join(cfg.Storage.Path, "tweets-20240102.zip")); err != nil {
		t.Errorf("archive not in remote storage: %v", err)
	}

	recs, err := a.Catalog().ListArchives(context.Background())
	if err != nil || len(recs) != 1 || recs[0].State != "uploaded" {
		t.Errorf("catalog %+v %v", recs, err)
	}
}

func TestListRemoteUsesUploadFolder(t *testing.T) {
	cfg := archiveConfig(t)
	cfg.Upload.Folder = "crawl"
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	for _, name := range []string{"crawl/tweets-20240102.zip", "crawl/tweets-20240101.zip", "other/tweets-20240103.zip"} {
		path := filepath.Join(cfg.Storage.Path, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("zip"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := a.ListRemote(context.Background())
	if err != nil {
		t.Fatalf("ListRemote: %v", err)
	}
	want := []string{"crawl/tweets-20240101.zip", "crawl/tweets-20240102.zip"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("ListRemote = %v, want %v", got, want)
	}
}

func TestExitCode(t *testing.T) {
	cfg := archiveConfig(t)
	cfg.Mode = config.ModeAll
	_, err := New(cfg)
	if code := ExitCode(err); code != 2 {
		t.Errorf("config error exit code = %d, want 2", code)
	}
	if code := ExitCode(fmt.Errorf("run: %w", errors.New("disk full"))); code != 1 {
		t.Errorf("runtime error exit code = %d, want 1", code)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := archiveConfig(t)
	cfg.Manifest.Enabled = false
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestShutdownClosesInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(time.Second)
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		sm.RegisterCloser(name, CloserFunc(func() error {
			order = append(order, name)
			return nil
		}))
	}
	stopped := false
	sm.OnStop(func(context.Context) {
		if len(order) != 0 {
			t.Error("stop hook ran after a closer")
		}
		stopped = true
	})

	if err := sm.Shutdown("test"); err != nil {
		t.Fatal(err)
	}
	if !stopped {
		t.Error("stop hook not run")
	}
	want := []string{"third", "second", "first"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("close order %v, want %v", order, want)
		}
	}

	if err := sm.Shutdown("again"); err != nil || len(order) != 3 {
		t.Errorf("second shutdown re-ran closers: %v %v", order, err)
	}
	select {
	case <-sm.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestShutdownReportsFirstCloseError(t *testing.T) {
	sm := NewShutdownManager(time.Second)
	boom := errors.New("boom")
	sm.RegisterCloser("ok", CloserFunc(func() error { return nil }))
	sm.RegisterCloser("bad", CloserFunc(func() error { return boom }))

	err := sm.Shutdown("test")
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want wrapped boom", err)
	}
	if err := sm.ListenForSignals(context.Background()); !errors.Is(err, boom) {
		t.Errorf("ListenForSignals after shutdown = %v", err)
	}
}
