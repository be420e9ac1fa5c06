package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"calpull/internal/model"
)

// TokenStore keeps one opaque sync token per calendar plus the time of the
// last successful sync.
type TokenStore struct {
	s *Store
}

// Get returns the stored token. ok is false when no token is stored, which
// means the next sync must be a full one.
func (t *TokenStore) Get(ctx context.Context, cal model.CalendarID) (string, bool, error) {
	var token string
	err := t.s.db.QueryRowContext(ctx,
		`SELECT token FROM sync_tokens WHERE calendar_id = ?`, string(cal),
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get token %s: %w", cal, err)
	}
	return token, token != "", nil
}

// Set records token and stamps the last-synced time. An empty token records
// a completed sync with no continuation.
func (t *TokenStore) Set(ctx context.Context, cal model.CalendarID, token string) error {
	_, err := t.s.db.ExecContext(ctx, `
		INSERT INTO sync_tokens (calendar_id, token, last_synced_at)
		VALUES (?, ?, ?)
		ON CONFLICT(calendar_id) DO UPDATE SET
			token = excluded.token,
			last_synced_at = excluded.last_synced_at
	`, string(cal), token, t.s.now().UnixMicro())
	if err != nil {
		return fmt.Errorf("set token %s: %w", cal, err)
	}
	return nil
}

// Invalidate clears the token, keeping the last-synced time.
func (t *TokenStore) Invalidate(ctx context.Context, cal model.CalendarID) error {
	_, err := t.s.db.ExecContext(ctx,
		`UPDATE sync_tokens SET token = '' WHERE calendar_id = ?`, string(cal))
	if err != nil {
		return fmt.Errorf("invalidate token %s: %w", cal, err)
	}
	return nil
}

// LastSynced returns when a token was last committed for cal.
func (t *TokenStore) LastSynced(ctx context.Context, cal model.CalendarID) (time.Time, bool, error) {
	var at int64
	err := t.s.db.QueryRowContext(ctx,
		`SELECT last_synced_at FROM sync_tokens WHERE calendar_id = ?`, string(cal),
	).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && at == 0) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get last synced %s: %w", cal, err)
	}
	return time.UnixMicro(at), true, nil
}
