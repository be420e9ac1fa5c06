package gcal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/calendar/v3"

	"calpull/internal/fetch"
	appLog "calpull/internal/log"
	"calpull/internal/model"
)

const defaultPageSize = 250

// Source lists one Google calendar. The first page of an incremental sync
// carries the stored sync token, later pages the API's page token; the last
// page returns the next sync token.
type Source struct {
	calendar   model.CalendarID
	remoteID   string
	svc        *calendar.Service
	pageSize   int64
	limiter    *rate.Limiter
	classifier Classifier
	loc        *time.Location
	now        func() time.Time
}

// Option configures a Source.
type Option func(*Source)

// WithPageSize sets maxResults per request.
func WithPageSize(n int64) Option {
	return func(s *Source) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithRateLimit paces page requests. Zero or less disables pacing.
func WithRateLimit(perSecond float64) Option {
	return func(s *Source) {
		if perSecond <= 0 {
			s.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithClassifier replaces DefaultClassifier.
func WithClassifier(c Classifier) Option {
	return func(s *Source) { s.classifier = c }
}

// WithLocation sets the zone used when neither the event nor the calendar
// names one.
func WithLocation(loc *time.Location) Option {
	return func(s *Source) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func New(cal model.CalendarID, remoteID string, svc *calendar.Service, opts ...Option) (*Source, error) {
	if svc == nil {
		return nil, errors.New("gcal: nil calendar service")
	}
	if remoteID == "" {
		remoteID = "primary"
	}
	s := &Source{
		calendar:   cal,
		remoteID:   remoteID,
		svc:        svc,
		pageSize:   defaultPageSize,
		limiter:    rate.NewLimiter(rate.Limit(5), 1),
		classifier: DefaultClassifier(),
		loc:        time.UTC,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// FetchPage implements fetch.Source.
func (s *Source) FetchPage(ctx context.Context, req fetch.PageRequest) (fetch.PageResult, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return fetch.PageResult{}, ctx.Err()
		}
		return fetch.PageResult{}, fetch.Transient(fmt.Errorf("gcal: rate limit: %w", err), 0)
	}

	call := s.svc.Events.List(s.remoteID).
		ShowDeleted(true).
		SingleEvents(false).
		MaxResults(s.pageSize).
		Context(ctx)
	if req.Token != "" {
		call = call.SyncToken(req.Token)
	}
	if req.Cursor != "" {
		call = call.PageToken(req.Cursor)
	}

	appLog.Debug("gcal list events", "calendar", s.calendar, "incremental", req.Token != "", "cursor", req.Cursor != "")
	res, err := call.Do()
	if err != nil {
		if ctx.Err() != nil {
			return fetch.PageResult{}, ctx.Err()
		}
		return fetch.PageResult{}, s.classifier.Classify(fmt.Errorf("gcal: list %s: %w", s.calendar, err))
	}

	def := s.loc
	if res.TimeZone != "" {
		if l, err := time.LoadLocation(res.TimeZone); err == nil {
			def = l
		}
	}

	now := s.now()
	deltas := make([]model.Delta, 0, len(res.Items))
	for _, item := range res.Items {
		d, err := convert(s.calendar, item, def, now)
		if err != nil {
			appLog.Warn("gcal event conversion failed", "calendar", s.calendar, "event", item.Id, "err", err.Error())
		}
		deltas = append(deltas, d)
	}

	out := fetch.PageResult{Deltas: deltas, NextCursor: res.NextPageToken}
	if res.NextPageToken == "" {
		out.NewToken = res.NextSyncToken
	}
	return out, nil
}
