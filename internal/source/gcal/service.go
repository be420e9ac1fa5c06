// Package gcal pulls events from the Google Calendar API using incremental
// sync tokens.
package gcal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// Credentials points at the files used to authorize API calls. File holds
// either a service-account key or installed-app client secrets; TokenFile is
// the pre-authorized OAuth token for the latter.
type Credentials struct {
	File      string
	TokenFile string
}

// NewService builds a read-only Calendar service from creds.
func NewService(ctx context.Context, creds Credentials) (*calendar.Service, error) {
	data, err := os.ReadFile(creds.File)
	if err != nil {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}
	return NewServiceFromJSON(ctx, data, creds.TokenFile)
}

// NewServiceFromJSON tries data as a service-account key first and falls back
// to installed-app secrets plus the token stored at tokenFile.
func NewServiceFromJSON(ctx context.Context, data []byte, tokenFile string) (*calendar.Service, error) {
	if jwt, err := google.JWTConfigFromJSON(data, calendar.CalendarReadonlyScope); err == nil {
		svc, err := calendar.NewService(ctx, option.WithTokenSource(jwt.TokenSource(ctx)))
		if err != nil {
			return nil, fmt.Errorf("create calendar service: %w", err)
		}
		return svc, nil
	}

	conf, err := google.ConfigFromJSON(data, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("unsupported credentials format: %w", err)
	}
	if tokenFile == "" {
		return nil, fmt.Errorf("installed-app credentials need a token file")
	}
	raw, err := os.ReadFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}

	svc, err := calendar.NewService(ctx, option.WithTokenSource(conf.TokenSource(ctx, &tok)))
	if err != nil {
		return nil, fmt.Errorf("create calendar service from token: %w", err)
	}
	return svc, nil
}

// NewServiceFromHTTP builds a service on a pre-configured client.
func NewServiceFromHTTP(ctx context.Context, c *http.Client) (*calendar.Service, error) {
	svc, err := calendar.NewService(ctx, option.WithHTTPClient(c))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return svc, nil
}
