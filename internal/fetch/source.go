// Package fetch drives paginated retrieval from a remote calendar and merges
// the result into the local store.
package fetch

import (
	"context"

	"calpull/internal/model"
)

// PageRequest asks a source for one page. Token is empty for a full sync;
// Cursor is empty for the first page of a listing.
type PageRequest struct {
	CalendarID model.CalendarID
	Token      string
	Cursor     string
}

// PageResult is one page of changes.
//
// NextCursor is empty on the final page, which carries NewToken. Complete
// means the listing enumerates every event of the calendar, so records not
// seen in it are gone remotely.
type PageResult struct {
	Deltas     []model.Delta
	NextCursor string
	NewToken   string
	Complete   bool
}

// Source fetches pages from one remote calendar. Failures should be
// classified with Transient, TokenInvalid or Fatal; unclassified errors are
// treated as transient.
type Source interface {
	FetchPage(ctx context.Context, req PageRequest) (PageResult, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, req PageRequest) (PageResult, error)

func (f SourceFunc) FetchPage(ctx context.Context, req PageRequest) (PageResult, error) {
	return f(ctx, req)
}
