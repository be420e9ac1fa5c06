package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"calpull/internal/model"
)

// Kind classifies a fetch failure.
type Kind int

const (
	// KindTransient failures are retried with backoff.
	KindTransient Kind = iota + 1
	// KindTokenInvalid means the remote rejected the sync token; the driver
	// falls back to a full sync.
	KindTokenInvalid
	// KindFatal failures are not retried.
	KindFatal
	// KindMalformed marks remote data that failed validation.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindTokenInvalid:
		return "token invalid"
	case KindFatal:
		return "fatal"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Error is a classified fetch failure.
type Error struct {
	Kind       Kind
	CalendarID model.CalendarID
	Err        error
	// RetryAfter is a delay requested by the remote, zero if none.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.CalendarID == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("calendar %s: %s: %v", e.CalendarID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as retryable. after is the remote's requested delay,
// zero when none was given.
func Transient(err error, after time.Duration) error {
	return &Error{Kind: KindTransient, Err: err, RetryAfter: after}
}

// TokenInvalid wraps err as a rejected sync token.
func TokenInvalid(err error) error {
	return &Error{Kind: KindTokenInvalid, Err: err}
}

// Fatal wraps err as permanent.
func Fatal(err error) error {
	return &Error{Kind: KindFatal, Err: err}
}

// Malformed wraps err as invalid remote data.
func Malformed(err error) error {
	return &Error{Kind: KindMalformed, Err: err}
}

// KindOf classifies err. Deadlines and unclassified errors are transient;
// cancellation is fatal.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, model.ErrMalformed) {
		return KindMalformed
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	return KindTransient
}

// Retryable reports whether err may succeed when retried.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// RetryAfter returns the remote's requested delay carried by err.
func RetryAfter(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date. It returns zero when the header is absent or already in the past.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func withCalendar(cal model.CalendarID, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.CalendarID == cal {
			return err
		}
		if err == error(fe) {
			c := *fe
			c.CalendarID = cal
			return &c
		}
		return &Error{Kind: fe.Kind, CalendarID: cal, Err: err, RetryAfter: fe.RetryAfter}
	}
	return &Error{Kind: KindOf(err), CalendarID: cal, Err: err}
}
