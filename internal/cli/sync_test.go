package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calpull/internal/model"
)

const familyFeed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//calpull//cli test//EN
BEGIN:VEVENT
UID:daily
DTSTAMP:20240301T000000Z
DTSTART:20240301T090000Z
DTEND:20240301T093000Z
RRULE:FREQ=DAILY
SUMMARY:Daily
END:VEVENT
BEGIN:VEVENT
UID:review
DTSTAMP:20240301T000000Z
DTSTART:20240305T100000Z
DTEND:20240305T110000Z
SUMMARY:Review
END:VEVENT
END:VCALENDAR
`

type snapshotLine struct {
	CalendarID  string             `json:"calendar_id"`
	Occurrences []model.Occurrence `json:"occurrences"`
}

func writeConfig(t *testing.T, feedURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "calpull.yaml")
	body := "database: " + filepath.Join(dir, "db", "calpull.db") + `
timezone: UTC
retention_days: 36500
sync:
  base_backoff: 1ms
  max_backoff: 1ms
calendars:
  - id: family
    url: ` + feedURL + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand("test")
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func decodeLines(t *testing.T, out string) []snapshotLine {
	t.Helper()
	var lines []snapshotLine
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var l snapshotLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		lines = append(lines, l)
	}
	require.NoError(t, sc.Err())
	return lines
}

func TestSyncThenShow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(strings.ReplaceAll(familyFeed, "\n", "\r\n")))
	}))
	defer srv.Close()
	cfgPath := writeConfig(t, srv.URL+"/family.ics")

	stdout, stderr, err := execute(t, "--config", cfgPath, "sync")
	require.NoError(t, err)
	assert.Contains(t, stderr, "family: succeeded")

	lines := decodeLines(t, stdout)
	require.Len(t, lines, 1)
	assert.Equal(t, "family", lines[0].CalendarID)
	require.NotEmpty(t, lines[0].Occurrences)
	for _, o := range lines[0].Occurrences {
		assert.Equal(t, "Daily", o.Title)
	}

	stdout, _, err = execute(t, "--config", cfgPath, "show", "--calendar", "family", "--at", "2024-03-04T00:00:00Z")
	require.NoError(t, err)
	lines = decodeLines(t, stdout)
	require.Len(t, lines, 1)
	occ := lines[0].Occurrences
	require.Len(t, occ, 15, "14 daily plus the review")
	assert.Equal(t, "Daily", occ[0].Title)
	assert.Equal(t, "Review", occ[2].Title)
}

func TestSyncFailureExitCode(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	cfgPath := writeConfig(t, srv.URL+"/missing.ics")

	stdout, stderr, err := execute(t, "--config", cfgPath, "sync")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "family: failed")
}

func TestShowUnknownCalendar(t *testing.T) {
	cfgPath := writeConfig(t, "https://example.com/family.ics")

	_, _, err := execute(t, "--config", cfgPath, "show", "--calendar", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidConfigExitCode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calpull.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timezone: Mars/Olympus\n"), 0o600))

	_, _, err := execute(t, "--config", path, "show")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
