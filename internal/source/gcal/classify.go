package gcal

import (
	"errors"
	"slices"
	"time"

	"google.golang.org/api/googleapi"

	"calpull/internal/fetch"
)

// Classifier maps API failures onto fetch error kinds. The sets come from
// configuration.
type Classifier struct {
	TokenInvalidStatus []int
	TransientStatus    []int
	TransientReasons   []string
}

// DefaultClassifier treats 410 Gone as an expired sync token, and throttling
// or server errors as transient.
func DefaultClassifier() Classifier {
	return Classifier{
		TokenInvalidStatus: []int{410},
		TransientStatus:    []int{429, 500, 502, 503, 504},
		TransientReasons:   []string{"rateLimitExceeded", "userRateLimitExceeded"},
	}
}

// Classify wraps err with its fetch kind. Errors without an HTTP status are
// transport failures and transient.
func (c Classifier) Classify(err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return fetch.Transient(err, 0)
	}
	switch {
	case slices.Contains(c.TokenInvalidStatus, gerr.Code):
		return fetch.TokenInvalid(err)
	case slices.Contains(c.TransientStatus, gerr.Code), c.transientReason(gerr):
		return fetch.Transient(err, fetch.ParseRetryAfter(gerr.Header, time.Now()))
	default:
		return fetch.Fatal(err)
	}
}

func (c Classifier) transientReason(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if slices.Contains(c.TransientReasons, item.Reason) {
			return true
		}
	}
	return false
}
