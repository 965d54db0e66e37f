// Package search materializes Gmail search results by following page tokens.
package search

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/joshsymonds/mailsweep/internal/gmail"
	"github.com/joshsymonds/mailsweep/internal/rate"
)

// DefaultMaxPages bounds a single Collect call (5M ids at full page size).
const DefaultMaxPages = 10000

// Unbounded asks Collect for every match.
const Unbounded = 0

// ErrPaginationLoop is returned when the provider repeats a page token or
// never stops paginating.
var ErrPaginationLoop = errors.New("pagination did not terminate")

// Searcher pages through messages.list.
type Searcher struct {
	Client   gmail.Client
	Limiter  rate.Limiter
	MaxPages int
}

// New returns a Searcher with the default page ceiling.
func New(client gmail.Client, limiter rate.Limiter) *Searcher {
	return &Searcher{Client: client, Limiter: limiter, MaxPages: DefaultMaxPages}
}

// Collect returns the ids matching q in provider order. A positive limit caps
// the result; Unbounded (or any value <= 0) fetches every page. Any page
// failure aborts the search and no partial result is returned.
func (s *Searcher) Collect(ctx context.Context, q gmail.Query, limit int) ([]gmail.MessageID, error) {
	maxPages := s.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	var (
		ids   []gmail.MessageID
		token string
		seen  = map[string]struct{}{}
	)
	for page := 1; ; page++ {
		if page > maxPages {
			return nil, fmt.Errorf("%w: exceeded %d pages", ErrPaginationLoop, maxPages)
		}
		pageSize := gmail.MaxPageSize
		if limit > 0 && limit-len(ids) < pageSize {
			pageSize = limit - len(ids)
		}
		res, err := s.list(ctx, q, token, pageSize)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		ids = append(ids, res.IDs...)
		if limit > 0 && len(ids) >= limit {
			return ids[:limit], nil
		}
		if res.NextPageToken == "" {
			return ids, nil
		}
		if _, dup := seen[res.NextPageToken]; dup {
			return nil, fmt.Errorf("%w: page token repeated after %d pages", ErrPaginationLoop, page)
		}
		seen[res.NextPageToken] = struct{}{}
		token = res.NextPageToken
	}
}

// Estimate issues one minimal list call and returns the provider's
// approximate result size. It trades precision for a single round trip.
func (s *Searcher) Estimate(ctx context.Context, q gmail.Query) (int64, error) {
	res, err := s.list(ctx, q, "", 1)
	if err != nil {
		return 0, err
	}
	return res.ResultSizeEstimate, nil
}

// Count is an exact count up to a cap.
type Count struct {
	N    int  `json:"n"`
	More bool `json:"more"`
}

// String renders N, or N+ when more matches exist beyond the cap.
func (c Count) String() string {
	if c.More {
		return strconv.Itoa(c.N) + "+"
	}
	return strconv.Itoa(c.N)
}

// Count paginates up to limit ids and reports whether more matches remain.
func (s *Searcher) Count(ctx context.Context, q gmail.Query, limit int) (Count, error) {
	if limit <= 0 {
		limit = gmail.MaxPageSize
	}
	// One extra id distinguishes "exactly limit" from "more than limit".
	ids, err := s.Collect(ctx, q, limit+1)
	if err != nil {
		return Count{}, err
	}
	if len(ids) > limit {
		return Count{N: limit, More: true}, nil
	}
	return Count{N: len(ids)}, nil
}

func (s *Searcher) list(
	ctx context.Context,
	q gmail.Query,
	pageToken string,
	pageSize int,
) (gmail.ListPage, error) {
	if err := rate.Wait(ctx, s.Limiter, "rate limit messages"); err != nil {
		return gmail.ListPage{}, err
	}
	page, err := s.Client.List(ctx, q, pageToken, pageSize)
	if err != nil {
		return gmail.ListPage{}, fmt.Errorf("list messages: %w", err)
	}
	return page, nil
}
