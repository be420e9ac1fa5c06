package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	SourceGoogle = "google"
	SourceICS    = "ics"
)

// CalendarConfig describes one synced calendar.
type CalendarConfig struct {
	// ID is the local calendar id; it keys tokens and events in the store.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
	// Source is "google" or "ics".
	Source string `yaml:"source" json:"source"`
	// RemoteID is the Google calendar id ("primary" when empty).
	RemoteID string `yaml:"remote_id,omitempty" json:"remote_id,omitempty"`
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
	// Timezone overrides the global zone for floating times of this calendar.
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

type LogConfig struct {
	Level    string `yaml:"level" json:"level"`
	Encoding string `yaml:"encoding" json:"encoding"`
}

// SyncConfig tunes the fetch driver and the retry policy.
type SyncConfig struct {
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
	BaseBackoff  time.Duration `yaml:"base_backoff" json:"base_backoff"`
	MaxBackoff   time.Duration `yaml:"max_backoff" json:"max_backoff"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`
	Concurrency  int           `yaml:"concurrency" json:"concurrency"`
	MaxPages     int           `yaml:"max_pages" json:"max_pages"`
}

// GoogleConfig holds credentials and the error classification for the
// Google Calendar API.
type GoogleConfig struct {
	CredentialsFile   string  `yaml:"credentials_file" json:"credentials_file"`
	TokenFile         string  `yaml:"token_file,omitempty" json:"token_file,omitempty"`
	PageSize          int64   `yaml:"page_size" json:"page_size"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`

	TokenInvalidStatus []int    `yaml:"token_invalid_status" json:"token_invalid_status"`
	TransientStatus    []int    `yaml:"transient_status" json:"transient_status"`
	TransientReasons   []string `yaml:"transient_reasons" json:"transient_reasons"`
}

// Config is the top-level application configuration.
type Config struct {
	// Database is the SQLite file holding tokens and events.
	Database string `yaml:"database" json:"database"`

	// Listen is the HTTP listen address for the snapshot API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone for floating times and the refresh schedule.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *").
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// HorizonDays and LookbackDays bound the snapshot window around now.
	HorizonDays  int `yaml:"horizon_days" json:"horizon_days"`
	LookbackDays int `yaml:"lookback_days" json:"lookback_days"`

	// RetentionDays is how long tombstones and past events are kept.
	RetentionDays int `yaml:"retention_days" json:"retention_days"`

	Log    LogConfig    `yaml:"log" json:"log"`
	Sync   SyncConfig   `yaml:"sync" json:"sync"`
	Google GoogleConfig `yaml:"google" json:"google"`

	Calendars []CalendarConfig `yaml:"calendars" json:"calendars"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{Calendars: []CalendarConfig{}}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Database == "" {
		c.Database = "/var/lib/calpull/calpull.db"
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.RefreshCron == "" {
		c.RefreshCron = "*/15 * * * *"
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = 14
	}
	if c.LookbackDays < 0 {
		c.LookbackDays = 0
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}

	if c.Log.Level == "" {
		c.Log.Level = "INFO"
	}
	if c.Log.Encoding == "" {
		c.Log.Encoding = "console"
	}

	s := &c.Sync
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 3
	}
	if s.BaseBackoff <= 0 {
		s.BaseBackoff = 2 * time.Second
	}
	if s.MaxBackoff <= 0 {
		s.MaxBackoff = 2 * time.Minute
	}
	if s.FetchTimeout <= 0 {
		s.FetchTimeout = 30 * time.Second
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 4
	}
	if s.MaxPages <= 0 {
		s.MaxPages = 1000
	}

	g := &c.Google
	if g.PageSize <= 0 {
		g.PageSize = 250
	}
	if g.RequestsPerSecond <= 0 {
		g.RequestsPerSecond = 5
	}
	if g.TokenInvalidStatus == nil {
		g.TokenInvalidStatus = []int{410}
	}
	if g.TransientStatus == nil {
		g.TransientStatus = []int{429, 500, 502, 503, 504}
	}
	if g.TransientReasons == nil {
		g.TransientReasons = []string{"rateLimitExceeded", "userRateLimitExceeded"}
	}

	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
	for i := range c.Calendars {
		if c.Calendars[i].Source == "" {
			if c.Calendars[i].URL != "" {
				c.Calendars[i].Source = SourceICS
			} else {
				c.Calendars[i].Source = SourceGoogle
			}
		}
		if c.Calendars[i].Name == "" {
			c.Calendars[i].Name = c.Calendars[i].ID
		}
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	if c.Sync.MaxBackoff < c.Sync.BaseBackoff {
		return fmt.Errorf("sync.max_backoff %s is below sync.base_backoff %s", c.Sync.MaxBackoff, c.Sync.BaseBackoff)
	}
	// Purged records are never refetched, so the window cannot reach past them.
	if c.LookbackDays > c.RetentionDays {
		return fmt.Errorf("lookback_days %d exceeds retention_days %d", c.LookbackDays, c.RetentionDays)
	}

	seen := make(map[string]bool, len(c.Calendars))
	usesGoogle := false
	for i, cal := range c.Calendars {
		if cal.ID == "" {
			return fmt.Errorf("calendars[%d]: id is empty", i)
		}
		if seen[cal.ID] {
			return fmt.Errorf("calendars[%d]: duplicate id %q", i, cal.ID)
		}
		seen[cal.ID] = true

		switch cal.Source {
		case SourceICS:
			if cal.URL == "" {
				return fmt.Errorf("calendar %q: ics source needs a url", cal.ID)
			}
		case SourceGoogle:
			usesGoogle = true
		default:
			return fmt.Errorf("calendar %q: unknown source %q", cal.ID, cal.Source)
		}
		if cal.Timezone != "" {
			if _, err := time.LoadLocation(cal.Timezone); err != nil {
				return fmt.Errorf("calendar %q: timezone %q: %w", cal.ID, cal.Timezone, err)
			}
		}
	}
	if usesGoogle && c.Google.CredentialsFile == "" {
		return errors.New("google calendars need google.credentials_file")
	}
	return nil
}

// Location returns the configured zone, UTC if it cannot be loaded.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CalendarLocation returns the zone for floating times of cal.
func (c *Config) CalendarLocation(cal CalendarConfig) *time.Location {
	if cal.Timezone != "" {
		if loc, err := time.LoadLocation(cal.Timezone); err == nil {
			return loc
		}
	}
	return c.Location()
}

func (c *Config) Horizon() time.Duration   { return days(c.HorizonDays) }
func (c *Config) Lookback() time.Duration  { return days(c.LookbackDays) }
func (c *Config) Retention() time.Duration { return days(c.RetentionDays) }

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calpull-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
