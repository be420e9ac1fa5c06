package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"calpull/internal/config"
	"calpull/internal/coordinator"
	appLog "calpull/internal/log"
	"calpull/internal/metrics"
	"calpull/internal/model"
)

// StatusProvider reports per-calendar sync state.
type StatusProvider interface {
	Status() []coordinator.CalendarStatus
}

// Server serves the latest snapshot of every calendar as JSON. It is the
// coordinator's presenter: each successful cycle replaces the calendar's
// snapshot, failed cycles leave the previous one in place.
type Server struct {
	cfg    *config.Config
	status StatusProvider
	now    func() time.Time
	router chi.Router

	mu        sync.RWMutex
	snapshots map[model.CalendarID]model.Snapshot
}

// NewServer constructs a new Server. status may be nil.
func NewServer(cfg *config.Config, status StatusProvider) *Server {
	s := &Server{
		cfg:       cfg,
		status:    status,
		now:       time.Now,
		snapshots: make(map[model.CalendarID]model.Snapshot),
	}
	s.router = s.routes()
	return s
}

// Present implements coordinator.Presenter.
func (s *Server) Present(cal model.CalendarID, snap model.Snapshot) {
	s.mu.Lock()
	s.snapshots[cal] = snap
	s.mu.Unlock()
}

// Handler returns the router for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on cfg.Listen until ctx ends, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen, "basic_auth", s.basicAuthEnabled())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.basicAuthEnabled() {
			r.Use(s.basicAuthMiddleware)
		}
		r.Get("/api/snapshot", s.handleSnapshots)
		r.Get("/api/snapshot/{calendar}", s.handleSnapshot)
		r.Get("/api/next", s.handleNext)
		r.Get("/api/status", s.handleStatus)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	})
	return r
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured. Empty
// credentials disable it.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calpull", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type snapshotsResponse struct {
	Calendars []model.Snapshot `json:"calendars"`
}

func (s *Server) handleSnapshots(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, snapshotsResponse{Calendars: s.sorted()})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	cal := model.CalendarID(chi.URLParam(r, "calendar"))
	s.mu.RLock()
	snap, ok := s.snapshots[cal]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "no snapshot for calendar "+string(cal))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type nextResponse struct {
	Now       time.Time                              `json:"now"`
	Next      *model.Occurrence                      `json:"next"`
	Calendars map[model.CalendarID]*model.Occurrence `json:"calendars"`
}

// handleNext returns the first occurrence that has not ended, per calendar
// and across all calendars.
func (s *Server) handleNext(w http.ResponseWriter, _ *http.Request) {
	now := s.now()
	resp := nextResponse{Now: now, Calendars: map[model.CalendarID]*model.Occurrence{}}

	for _, snap := range s.sorted() {
		occ, ok := snap.Next(now)
		if !ok {
			resp.Calendars[snap.CalendarID()] = nil
			continue
		}
		resp.Calendars[snap.CalendarID()] = &occ
		if resp.Next == nil || occ.Less(*resp.Next) {
			resp.Next = &occ
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	Calendars []coordinator.CalendarStatus `json:"calendars"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Calendars: []coordinator.CalendarStatus{}}
	if s.status != nil {
		resp.Calendars = append(resp.Calendars, s.status.Status()...)
	}
	writeJSON(w, http.StatusOK, resp)
}

// sorted returns the stored snapshots ordered by calendar id.
func (s *Server) sorted() []model.Snapshot {
	s.mu.RLock()
	out := make([]model.Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CalendarID() < out[j].CalendarID() })
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
