// Package ics pulls events from an iCalendar subscription URL.
//
// A feed has no change log, so every 200 response is a complete listing and
// the fetch token is the HTTP validator (ETag or Last-Modified) of the last
// body seen. A 304 reply is an empty page that keeps the token.
package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"calpull/internal/fetch"
	appLog "calpull/internal/log"
	"calpull/internal/model"
)

const (
	lastModifiedPrefix = "lm:"
	maxBodyBytes       = 16 << 20
)

// Source fetches a single ICS subscription.
type Source struct {
	calendar model.CalendarID
	url      string
	client   *http.Client
	loc      *time.Location
}

// Option configures a Source.
type Option func(*Source)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) { s.client = c }
}

// WithLocation sets the zone used for floating DTSTART values.
func WithLocation(loc *time.Location) Option {
	return func(s *Source) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func New(cal model.CalendarID, feedURL string, opts ...Option) (*Source, error) {
	if feedURL == "" {
		return nil, errors.New("ics: source URL is empty")
	}
	if _, err := url.Parse(feedURL); err != nil {
		return nil, fmt.Errorf("ics: parse url: %w", err)
	}
	s := &Source{
		calendar: cal,
		url:      feedURL,
		client:   &http.Client{Timeout: 15 * time.Second},
		loc:      time.Local,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// FetchPage implements fetch.Source. The whole feed is always one page.
func (s *Source) FetchPage(ctx context.Context, req fetch.PageRequest) (fetch.PageResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fetch.PageResult{}, fetch.Fatal(err)
	}
	switch {
	case strings.HasPrefix(req.Token, lastModifiedPrefix):
		httpReq.Header.Set("If-Modified-Since", strings.TrimPrefix(req.Token, lastModifiedPrefix))
	case req.Token != "":
		httpReq.Header.Set("If-None-Match", req.Token)
	}

	appLog.Debug("ics fetch start", "calendar", s.calendar, "url", redactURL(s.url), "conditional", req.Token != "")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return fetch.PageResult{}, ctx.Err()
		}
		// url.Error repeats the full feed URL.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return fetch.PageResult{}, fetch.Transient(fmt.Errorf("ics: get %s: %w", redactURL(s.url), err), 0)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
		if err != nil {
			return fetch.PageResult{}, fetch.Transient(fmt.Errorf("ics: read body: %w", err), 0)
		}
		if len(body) > maxBodyBytes {
			return fetch.PageResult{}, fetch.Fatal(fmt.Errorf("ics: feed larger than %d bytes", maxBodyBytes))
		}

		deltas, err := Parse(s.calendar, body, s.loc)
		if err != nil {
			return fetch.PageResult{}, fetch.Malformed(err)
		}
		appLog.Info("ics fetch success", "calendar", s.calendar, "url", redactURL(s.url), "events", len(deltas))
		return fetch.PageResult{
			Deltas:   deltas,
			NewToken: validator(resp.Header),
			Complete: true,
		}, nil

	case resp.StatusCode == http.StatusNotModified:
		appLog.Debug("ics feed not modified", "calendar", s.calendar, "url", redactURL(s.url))
		return fetch.PageResult{NewToken: req.Token}, nil

	case resp.StatusCode == http.StatusPreconditionFailed:
		return fetch.PageResult{}, fetch.TokenInvalid(errors.New(resp.Status))

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fetch.PageResult{}, fetch.Transient(errors.New(resp.Status), fetch.ParseRetryAfter(resp.Header, time.Now()))

	default:
		return fetch.PageResult{}, fetch.Fatal(fmt.Errorf("ics: get %s: %s", redactURL(s.url), resp.Status))
	}
}

func validator(h http.Header) string {
	if etag := h.Get("ETag"); etag != "" {
		return etag
	}
	if lm := h.Get("Last-Modified"); lm != "" {
		return lastModifiedPrefix + lm
	}
	return ""
}

// redactURL keeps only scheme and host; feed URLs often embed secrets.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
