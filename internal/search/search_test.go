package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshsymonds/mailsweep/internal/gmail"
	"github.com/joshsymonds/mailsweep/internal/gmail/gmailtest"
)

func TestCollectUnboundedFollowsAllPages(t *testing.T) {
	fake := gmailtest.New()
	q := gmail.Query{Raw: "from:a@x.com"}
	fake.Results[q.Raw] = gmailtest.IDs("m", 1234)

	ids, err := New(fake, nil).Collect(context.Background(), q, Unbounded)
	require.NoError(t, err)
	require.Equal(t, fake.Results[q.Raw], ids)
	require.Len(t, fake.Lists, 3)
	for _, call := range fake.Lists {
		require.Equal(t, gmail.MaxPageSize, call.PageSize)
	}
}

func TestCollectBounded(t *testing.T) {
	tests := []struct {
		name      string
		available int
		limit     int
		want      int
		wantCalls int
	}{
		{name: "fewer than limit", available: 3, limit: 5, want: 3, wantCalls: 1},
		{name: "exact page", available: 500, limit: 500, want: 500, wantCalls: 1},
		{name: "spans pages", available: 1200, limit: 700, want: 700, wantCalls: 2},
		{name: "limit one", available: 10, limit: 1, want: 1, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := gmailtest.New()
			q := gmail.Query{Raw: "is:unread"}
			fake.Results[q.Raw] = gmailtest.IDs("u", tt.available)

			ids, err := New(fake, nil).Collect(context.Background(), q, tt.limit)
			require.NoError(t, err)
			require.Len(t, ids, tt.want)
			require.Equal(t, fake.Results[q.Raw][:tt.want], ids)
			require.Len(t, fake.Lists, tt.wantCalls)
		})
	}
}

// overshootClient ignores the requested page size.
type overshootClient struct {
	*gmailtest.Fake
}

func (o overshootClient) List(
	ctx context.Context,
	q gmail.Query,
	pageToken string,
	pageSize int,
) (gmail.ListPage, error) {
	_ = pageSize
	return o.Fake.List(ctx, q, pageToken, gmail.MaxPageSize)
}

func TestCollectTruncatesOvershootingPage(t *testing.T) {
	fake := gmailtest.New()
	q := gmail.Query{Raw: "is:unread"}
	fake.Results[q.Raw] = gmailtest.IDs("u", 800)

	ids, err := New(overshootClient{fake}, nil).Collect(context.Background(), q, 7)
	require.NoError(t, err)
	require.Len(t, ids, 7)
}

func TestCollectPropagatesPageError(t *testing.T) {
	fake := gmailtest.New()
	q := gmail.Query{Raw: "from:broken"}
	fake.ListErrs[q.Raw] = errors.New("backend unavailable")

	ids, err := New(fake, nil).Collect(context.Background(), q, Unbounded)
	require.Error(t, err)
	require.Nil(t, ids)
	require.Contains(t, err.Error(), "backend unavailable")
}

// loopingClient always returns the same continuation token.
type loopingClient struct {
	gmailtest.Fake
	calls int
}

func (l *loopingClient) List(context.Context, gmail.Query, string, int) (gmail.ListPage, error) {
	l.calls++
	return gmail.ListPage{IDs: []gmail.MessageID{"x"}, NextPageToken: "again"}, nil
}

func TestCollectDetectsRepeatedToken(t *testing.T) {
	client := &loopingClient{}
	_, err := New(client, nil).Collect(context.Background(), gmail.Query{Raw: "q"}, Unbounded)
	require.ErrorIs(t, err, ErrPaginationLoop)
	require.Equal(t, 2, client.calls)
}

// endlessClient returns a fresh token every page.
type endlessClient struct {
	gmailtest.Fake
	calls int
}

func (e *endlessClient) List(context.Context, gmail.Query, string, int) (gmail.ListPage, error) {
	e.calls++
	return gmail.ListPage{NextPageToken: string(rune('a' + e.calls%26)) + string(rune(e.calls))}, nil
}

func TestCollectPageCeiling(t *testing.T) {
	client := &endlessClient{}
	s := New(client, nil)
	s.MaxPages = 5
	_, err := s.Collect(context.Background(), gmail.Query{Raw: "q"}, Unbounded)
	require.ErrorIs(t, err, ErrPaginationLoop)
	require.Equal(t, 5, client.calls)
}

func TestEstimateSingleCall(t *testing.T) {
	fake := gmailtest.New()
	q := gmail.Query{Raw: "is:unread in:inbox"}
	fake.Results[q.Raw] = gmailtest.IDs("u", 4321)

	n, err := New(fake, nil).Estimate(context.Background(), q)
	require.NoError(t, err)
	require.EqualValues(t, 4321, n)
	require.Len(t, fake.Lists, 1)
	require.Equal(t, 1, fake.Lists[0].PageSize)
}

func TestCount(t *testing.T) {
	tests := []struct {
		name      string
		available int
		want      string
	}{
		{name: "none", available: 0, want: "0"},
		{name: "some", available: 42, want: "42"},
		{name: "exactly cap", available: 500, want: "500"},
		{name: "over cap", available: 501, want: "500+"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := gmailtest.New()
			q := gmail.Query{Raw: "is:unread in:inbox"}
			fake.Results[q.Raw] = gmailtest.IDs("u", tt.available)

			c, err := New(fake, nil).Count(context.Background(), q, 500)
			require.NoError(t, err)
			require.Equal(t, tt.want, c.String())
		})
	}
}
