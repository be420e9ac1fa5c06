package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "calpull.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "*/15 * * * *", cfg.RefreshCron)
	assert.Equal(t, 14, cfg.HorizonDays)
	assert.Equal(t, []int{410}, cfg.Google.TokenInvalidStatus)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadNormalizesPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calpull.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database: /tmp/cal.db
timezone: Europe/Berlin
lookback_days: 1
sync:
  base_backoff: 500ms
  max_backoff: 10s
google:
  credentials_file: /etc/calpull/sa.json
  transient_status: [503]
calendars:
  - id: work
  - id: family
    url: https://example.com/family.ics
    timezone: America/New_York
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/tmp/cal.db", cfg.Database)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.BaseBackoff)
	assert.Equal(t, 10*time.Second, cfg.Sync.MaxBackoff)
	assert.Equal(t, 3, cfg.Sync.MaxAttempts)
	assert.Equal(t, []int{503}, cfg.Google.TransientStatus)
	assert.Equal(t, 24*time.Hour, cfg.Lookback())
	assert.Equal(t, 14*24*time.Hour, cfg.Horizon())

	require.Len(t, cfg.Calendars, 2)
	assert.Equal(t, SourceGoogle, cfg.Calendars[0].Source)
	assert.Equal(t, "work", cfg.Calendars[0].Name)
	assert.Equal(t, SourceICS, cfg.Calendars[1].Source)
	assert.Equal(t, "America/New_York", cfg.CalendarLocation(cfg.Calendars[1]).String())
	assert.Equal(t, "Europe/Berlin", cfg.CalendarLocation(cfg.Calendars[0]).String())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calpull.yaml")
	require.NoError(t, os.WriteFile(path, []byte("calendars: [\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"empty id":        func(c *Config) { c.Calendars = []CalendarConfig{{Source: SourceICS, URL: "https://x"}} },
		"duplicate id":    func(c *Config) { c.Calendars = []CalendarConfig{{ID: "a", URL: "https://x"}, {ID: "a", URL: "https://y"}} },
		"unknown source":  func(c *Config) { c.Calendars = []CalendarConfig{{ID: "a", Source: "caldav"}} },
		"ics without url": func(c *Config) { c.Calendars = []CalendarConfig{{ID: "a", Source: SourceICS}} },
		"google no creds": func(c *Config) { c.Calendars = []CalendarConfig{{ID: "a", Source: SourceGoogle}} },
		"bad timezone":    func(c *Config) { c.Timezone = "Mars/Olympus" },
		"backoff order":   func(c *Config) { c.Sync.BaseBackoff = time.Hour },
		"lookback past retention": func(c *Config) {
			c.LookbackDays = 40
			c.RetentionDays = 30
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			cfg.Normalize()
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, DefaultConfig().Validate())

	edge := DefaultConfig()
	edge.LookbackDays = edge.RetentionDays
	assert.NoError(t, edge.Validate(), "lookback may equal retention")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calpull.yaml")
	cfg := DefaultConfig()
	cfg.Calendars = append(cfg.Calendars, CalendarConfig{ID: "family", URL: "https://example.com/f.ics"})
	cfg.BasicAuth = &BasicAuthConfig{Username: "u", Password: "p"}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
	assert.Equal(t, 2*time.Minute, loaded.Sync.MaxBackoff)
}
