package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calpull/internal/config"
	"calpull/internal/coordinator"
	"calpull/internal/model"
)

var (
	t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	w0 = model.Window{Start: t0, End: t0.AddDate(0, 0, 14)}
)

func occ(cal model.CalendarID, id string, start time.Time) model.Occurrence {
	return model.Occurrence{
		CalendarID:    cal,
		EventID:       id,
		InstanceID:    id,
		OriginalStart: start,
		Start:         start,
		End:           start.Add(30 * time.Minute),
		Title:         id,
		Status:        model.StatusConfirmed,
	}
}

type staticStatus []coordinator.CalendarStatus

func (s staticStatus) Status() []coordinator.CalendarStatus { return s }

func newTestServer(t *testing.T, auth *config.BasicAuthConfig) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.BasicAuth = auth
	s := NewServer(cfg, staticStatus{{CalendarID: "work", State: coordinator.StateSucceeded, Occurrences: 2}})
	s.now = func() time.Time { return t0.Add(45 * time.Minute) }

	s.Present("work", model.NewSnapshot("work", w0, []model.Occurrence{
		occ("work", "standup", t0.Add(time.Hour)),
		occ("work", "early", t0),
	}))
	s.Present("home", model.NewSnapshot("home", w0, []model.Occurrence{
		occ("home", "dinner", t0.Add(10*time.Hour)),
	}))
	return s
}

func get(t *testing.T, h http.Handler, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if v != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
	}
	return rec
}

func TestHealth(t *testing.T) {
	rec := get(t, newTestServer(t, nil).Handler(), "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestSnapshotEndpoints(t *testing.T) {
	h := newTestServer(t, nil).Handler()

	var all struct {
		Calendars []struct {
			CalendarID  string             `json:"calendar_id"`
			Occurrences []model.Occurrence `json:"occurrences"`
		} `json:"calendars"`
	}
	rec := get(t, h, "/api/snapshot", &all)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, all.Calendars, 2)
	assert.Equal(t, "home", all.Calendars[0].CalendarID)
	assert.Equal(t, "work", all.Calendars[1].CalendarID)
	assert.Equal(t, "early", all.Calendars[1].Occurrences[0].EventID)

	var one struct {
		CalendarID  string             `json:"calendar_id"`
		WindowEnd   time.Time          `json:"window_end"`
		Occurrences []model.Occurrence `json:"occurrences"`
	}
	rec = get(t, h, "/api/snapshot/work", &one)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "work", one.CalendarID)
	assert.True(t, one.WindowEnd.Equal(w0.End))
	assert.Len(t, one.Occurrences, 2)

	rec = get(t, h, "/api/snapshot/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNextSkipsEndedOccurrences(t *testing.T) {
	var resp struct {
		Next      *model.Occurrence            `json:"next"`
		Calendars map[string]*model.Occurrence `json:"calendars"`
	}
	rec := get(t, newTestServer(t, nil).Handler(), "/api/next", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, resp.Next)
	assert.Equal(t, "standup", resp.Next.EventID, "early ended before now")
	require.NotNil(t, resp.Calendars["home"])
	assert.Equal(t, "dinner", resp.Calendars["home"].EventID)
}

func TestPresentReplacesSnapshot(t *testing.T) {
	s := newTestServer(t, nil)
	s.Present("work", model.NewSnapshot("work", w0, nil))

	var one struct {
		Occurrences []model.Occurrence `json:"occurrences"`
	}
	get(t, s.Handler(), "/api/snapshot/work", &one)
	assert.NotNil(t, one.Occurrences)
	assert.Empty(t, one.Occurrences)
}

func TestStatus(t *testing.T) {
	var resp struct {
		Calendars []coordinator.CalendarStatus `json:"calendars"`
	}
	rec := get(t, newTestServer(t, nil).Handler(), "/api/status", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, resp.Calendars, 1)
	assert.Equal(t, coordinator.StateSucceeded, resp.Calendars[0].State)

	s := NewServer(config.DefaultConfig(), nil)
	rec = get(t, s.Handler(), "/api/status", &resp)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, resp.Calendars)
}

func TestBasicAuth(t *testing.T) {
	h := newTestServer(t, &config.BasicAuthConfig{Username: "admin", Password: "s3cret"}).Handler()

	rec := get(t, h, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "health stays open")

	rec = get(t, h, "/api/snapshot", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	for _, tc := range []struct {
		user, pass string
		code       int
	}{
		{"admin", "wrong", http.StatusUnauthorized},
		{"admin", "s3cret", http.StatusOK},
	} {
		req := httptest.NewRequest(http.MethodGet, "/api/snapshot", nil)
		req.SetBasicAuth(tc.user, tc.pass)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tc.code, rec.Code, tc.pass)
	}

	noAuth := newTestServer(t, &config.BasicAuthConfig{Username: "admin"}).Handler()
	rec = get(t, noAuth, "/api/snapshot", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "empty password disables auth")
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, newTestServer(t, nil).Handler(), "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "calpull_")
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, secureCompare("abc", "abc"))
	assert.False(t, secureCompare("abc", "abd"))
	assert.False(t, secureCompare("abc", "abcd"))
}
