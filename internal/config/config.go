// Package config provides unified configuration for the crawler services.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	crawlerrors "github.com/tweetcrawler/tweetcrawler/internal/errors"
)

// Mode represents the service mode to run.
type Mode string

const (
	ModeAll     Mode = "all"
	ModeIngest  Mode = "ingest"
	ModeArchive Mode = "archive"
)

// Reclaim policies for stale buckets.
const (
	ReclaimInline     = "inline"
	ReclaimBackground = "background"
)

// Late-record policies.
const (
	LatePolicyDrop  = "drop"
	LatePolicySpill = "spill"
)

// Config holds the unified configuration for all crawler services.
type Config struct {
	// Mode specifies which services to run: all, ingest, archive
	Mode Mode `yaml:"mode"`

	// WorkingDir holds bucket files, archives and markers
	WorkingDir string `yaml:"working_dir"`

	// NumThreads is the number of concurrent stream consumers
	NumThreads int `yaml:"num_threads"`

	Log       LogConfig       `yaml:"log"`
	Stream    StreamConfig    `yaml:"stream"`
	Bucket    BucketConfig    `yaml:"bucket"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Upload    UploadConfig    `yaml:"upload"`
	Storage   StorageConfig   `yaml:"storage"`
	Retention RetentionConfig `yaml:"retention"`
	Notify    NotifyConfig    `yaml:"notify"`
	Manifest  ManifestConfig  `yaml:"manifest"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// File is an optional log file; output also goes to stdout
	File string `yaml:"file"`

	// RotateBytes is the size at which the log file is zipped and restarted
	RotateBytes int64 `yaml:"rotate_bytes"`
}

// StreamConfig holds stream client configuration.
type StreamConfig struct {
	URL         string `yaml:"url"`
	BearerToken string `yaml:"bearer_token"`

	// IdleTimeout aborts a connection that delivers nothing, not even keep-alives
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// TransientPause is slept after a partial read before resuming
	TransientPause time.Duration `yaml:"transient_pause"`

	// FatalPause is slept after a fatal stream error
	FatalPause time.Duration `yaml:"fatal_pause"`

	// AuthPause replaces FatalPause after an authentication failure
	AuthPause time.Duration `yaml:"auth_pause"`

	ClockSync ClockSyncConfig `yaml:"clock_sync"`
}

// ClockSyncConfig configures the best-effort clock resync run after auth failures.
type ClockSyncConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`

	// Command is run with sh -c; TWEETCRAWLER_SYNC_TIME holds the fetched time
	Command string `yaml:"command"`
}

// BucketConfig holds bucket rotation configuration.
type BucketConfig struct {
	// StaleAfter is the grace period after a bucket's start before it is finalized
	StaleAfter time.Duration `yaml:"stale_after"`

	// Reclaim is inline (on every ingest) or background (on a ticker)
	Reclaim string `yaml:"reclaim"`

	// ReclaimInterval is the ticker period in background mode
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`

	// LatePolicy decides what happens to records whose bucket is closed: drop or spill
	LatePolicy string `yaml:"late_policy"`
}

// ArchiveConfig holds archive pass configuration.
type ArchiveConfig struct {
	Deduplicate bool `yaml:"deduplicate"`

	// Interval is the period of the archive pass in all mode
	Interval time.Duration `yaml:"interval"`
}

// UploadConfig holds upload state machine configuration.
type UploadConfig struct {
	// Folder is the remote destination prefix
	Folder string `yaml:"folder"`

	// StuckAfter is the archive age after which an uploading archive is retried
	StuckAfter time.Duration `yaml:"stuck_after"`
}

// StorageConfig holds remote store configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// RetentionConfig holds sweeper configuration.
type RetentionConfig struct {
	// KeepDays is how long uploaded archives are kept locally; 0 keeps them forever
	KeepDays int `yaml:"keep_days"`
}

// NotifyConfig holds operator notification configuration.
type NotifyConfig struct {
	Email EmailConfig `yaml:"email"`

	// DigestWeekday is the day the weekly log digest is mailed
	DigestWeekday string `yaml:"digest_weekday"`
}

// EmailConfig holds SMTP settings. An incomplete block disables email.
type EmailConfig struct {
	Address    string   `yaml:"address"`
	Name       string   `yaml:"name"`
	Password   string   `yaml:"password"`
	SMTP       string   `yaml:"smtp"`
	Port       int      `yaml:"port"`
	SSL        bool     `yaml:"ssl"`
	Recipients []string `yaml:"recipients"`
}

// Enabled reports whether the block is complete enough to send mail.
func (e EmailConfig) Enabled() bool {
	return e.Address != "" && e.SMTP != "" && e.Port > 0 && len(e.Recipients) > 0
}

// ManifestConfig holds the archive catalog configuration.
type ManifestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	// Addr is the listen address; empty disables the endpoint
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:       ModeAll,
		WorkingDir: "./data/tweets",
		NumThreads: 1,
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			RotateBytes: 4 * 1024 * 1024,
		},
		Stream: StreamConfig{
			URL:            "https://api.twitter.com/2/tweets/sample/stream",
			IdleTimeout:    90 * time.Second,
			TransientPause: 10 * time.Second,
			FatalPause:     240 * time.Second,
			AuthPause:      30 * time.Second,
			ClockSync: ClockSyncConfig{
				URL: "http://worldtimeapi.org/api/timezone/Etc/UTC",
			},
		},
		Bucket: BucketConfig{
			StaleAfter:      125 * time.Minute,
			Reclaim:         ReclaimInline,
			ReclaimInterval: time.Minute,
			LatePolicy:      LatePolicyDrop,
		},
		Archive: ArchiveConfig{
			Interval: time.Hour,
		},
		Upload: UploadConfig{
			StuckAfter: 48 * time.Hour,
		},
		Storage: StorageConfig{
			Type: "local",
		},
		Notify: NotifyConfig{
			DigestWeekday: "sunday",
		},
		Manifest: ManifestConfig{
			Enabled: true,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on WorkingDir.
func (c *Config) Resolve() {
	if c.WorkingDir == "" {
		c.WorkingDir = "./data/tweets"
	}
	if abs, err := filepath.Abs(c.WorkingDir); err == nil {
		c.WorkingDir = abs
	}

	if c.Storage.Type == "local" && c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.WorkingDir, "remote")
	}
	if c.Manifest.Path == "" {
		c.Manifest.Path = filepath.Join(c.WorkingDir, "manifest.db")
	}
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Mode {
	case ModeAll, ModeIngest, ModeArchive:
	default:
		add("invalid mode: %s (must be all, ingest, or archive)", c.Mode)
	}

	if c.WorkingDir == "" {
		add("working_dir is required")
	}
	if c.NumThreads < 1 {
		add("num_threads must be at least 1, got %d", c.NumThreads)
	}
	if c.ShouldRunIngest() && c.Stream.BearerToken == "" {
		add("stream.bearer_token is required in %s mode", c.Mode)
	}
	if c.Bucket.StaleAfter <= time.Hour {
		add("bucket.stale_after must exceed one hour, got %s", c.Bucket.StaleAfter)
	}
	if c.Bucket.Reclaim != ReclaimInline && c.Bucket.Reclaim != ReclaimBackground {
		add("invalid bucket.reclaim: %s (must be inline or background)", c.Bucket.Reclaim)
	}
	if c.Bucket.Reclaim == ReclaimBackground && c.Bucket.ReclaimInterval <= 0 {
		add("bucket.reclaim_interval must be positive in background mode")
	}
	if c.Bucket.LatePolicy != LatePolicyDrop && c.Bucket.LatePolicy != LatePolicySpill {
		add("invalid bucket.late_policy: %s (must be drop or spill)", c.Bucket.LatePolicy)
	}
	if c.Mode == ModeAll && c.Archive.Interval <= 0 {
		add("archive.interval must be positive in all mode")
	}
	if c.Upload.StuckAfter <= 0 {
		add("upload.stuck_after must be positive")
	}
	if c.Retention.KeepDays < 0 {
		add("retention.keep_days must not be negative")
	}
	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		add("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}
	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		add("s3.bucket is required when storage type is s3")
	}
	if _, err := ParseWeekday(c.Notify.DigestWeekday); err != nil {
		add("%v", err)
	}

	if len(problems) > 0 {
		return crawlerrors.NewConfigError(strings.Join(problems, "; "))
	}
	return nil
}

// ShouldRunIngest returns true if the stream ingest daemon should run.
func (c *Config) ShouldRunIngest() bool {
	return c.Mode == ModeAll || c.Mode == ModeIngest
}

// ShouldRunArchive returns true if the archive pass should run.
func (c *Config) ShouldRunArchive() bool {
	return c.Mode == ModeAll || c.Mode == ModeArchive
}

// ParseWeekday parses an English weekday name, case-insensitively.
func ParseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), s) {
			return d, nil
		}
	}
	return time.Sunday, fmt.Errorf("invalid notify.digest_weekday: %q", s)
}

// LoadFromFile loads configuration from a YAML file. Files ending in .conf,
// .cfg or .txt are read in the flat "key = value" settings format.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".conf", ".cfg", ".txt":
		if err := loadSettings(path, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// loadSettings reads the flat settings format used by older deployments.
func loadSettings(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("%s:%d: expected key = value", path, n)
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)

		switch key {
		case "working_dir":
			cfg.WorkingDir = val
		case "num_threads":
			if cfg.NumThreads, err = strconv.Atoi(val); err != nil {
				return fmt.Errorf("%s:%d: num_threads: %w", path, n, err)
			}
		case "log_file":
			cfg.Log.File = val
		case "twitter_bear_token":
			cfg.Stream.BearerToken = val
		case "email_address":
			cfg.Notify.Email.Address = val
		case "email_name":
			cfg.Notify.Email.Name = val
		case "email_password":
			cfg.Notify.Email.Password = val
		case "email_smtp":
			cfg.Notify.Email.SMTP = val
		case "email_port":
			if cfg.Notify.Email.Port, err = strconv.Atoi(val); err != nil {
				return fmt.Errorf("%s:%d: email_port: %w", path, n, err)
			}
		case "email_ssl":
			cfg.Notify.Email.SSL = parseBool(val)
		case "email_recipients":
			cfg.Notify.Email.Recipients = splitList(val, ";")
		case "upload_folder":
			cfg.Upload.Folder = val
		case "keep_days":
			if cfg.Retention.KeepDays, err = strconv.Atoi(val); err != nil {
				return fmt.Errorf("%s:%d: keep_days: %w", path, n, err)
			}
		case "deduplicate":
			cfg.Archive.Deduplicate = parseBool(val)
		}
	}
	return scanner.Err()
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the TWEETCRAWLER_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TWEETCRAWLER_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("TWEETCRAWLER_WORKING_DIR"); v != "" {
		cfg.WorkingDir = v
	}
	if v := os.Getenv("TWEETCRAWLER_NUM_THREADS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.NumThreads)
	}

	// Logging
	if v := os.Getenv("TWEETCRAWLER_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TWEETCRAWLER_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("TWEETCRAWLER_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}

	// Stream
	if v := os.Getenv("TWEETCRAWLER_STREAM_URL"); v != "" {
		cfg.Stream.URL = v
	}
	if v := os.Getenv("TWEETCRAWLER_BEARER_TOKEN"); v != "" {
		cfg.Stream.BearerToken = v
	}
	if v := os.Getenv("TWEETCRAWLER_CLOCK_SYNC_COMMAND"); v != "" {
		cfg.Stream.ClockSync.Command = v
		cfg.Stream.ClockSync.Enabled = true
	}

	// Buckets
	if v := os.Getenv("TWEETCRAWLER_BUCKET_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Bucket.StaleAfter = d
		}
	}
	if v := os.Getenv("TWEETCRAWLER_BUCKET_RECLAIM"); v != "" {
		cfg.Bucket.Reclaim = v
	}
	if v := os.Getenv("TWEETCRAWLER_LATE_POLICY"); v != "" {
		cfg.Bucket.LatePolicy = v
	}

	// Archive, upload, retention
	if v := os.Getenv("TWEETCRAWLER_DEDUPLICATE"); v != "" {
		cfg.Archive.Deduplicate = parseBool(v)
	}
	if v := os.Getenv("TWEETCRAWLER_ARCHIVE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Archive.Interval = d
		}
	}
	if v := os.Getenv("TWEETCRAWLER_UPLOAD_FOLDER"); v != "" {
		cfg.Upload.Folder = v
	}
	if v := os.Getenv("TWEETCRAWLER_KEEP_DAYS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Retention.KeepDays)
	}

	// Storage
	if v := os.Getenv("TWEETCRAWLER_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("TWEETCRAWLER_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("TWEETCRAWLER_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("TWEETCRAWLER_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("TWEETCRAWLER_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}

	// Email
	if v := os.Getenv("TWEETCRAWLER_EMAIL_PASSWORD"); v != "" {
		cfg.Notify.Email.Password = v
	}
	if v := os.Getenv("TWEETCRAWLER_EMAIL_RECIPIENTS"); v != "" {
		cfg.Notify.Email.Recipients = splitList(v, ";")
	}

	if v := os.Getenv("TWEETCRAWLER_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.WorkingDir}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}
	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}
	if c.Manifest.Enabled {
		dirs = append(dirs, filepath.Dir(c.Manifest.Path))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitList(v, sep string) []string {
	var out []string
	for _, s := range strings.Split(v, sep) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
