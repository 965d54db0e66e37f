package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuild(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		want   string
	}{
		{name: "empty", filter: Filter{}, want: ""},
		{name: "blank senders", filter: Filter{Senders: []string{" ", ""}}, want: ""},
		{name: "unread", filter: Filter{Unread: true}, want: "is:unread"},
		{name: "single sender", filter: Filter{Senders: []string{"a@x.com"}}, want: "from:a@x.com"},
		{
			name:   "sender group",
			filter: Filter{Senders: []string{"a@x.com", "b@y.com"}},
			want:   "from:(a@x.com OR b@y.com)",
		},
		{
			name:   "quoted sender",
			filter: Filter{Senders: []string{`Jane "JD" Doe`}},
			want:   `from:"Jane JD Doe"`,
		},
		{
			name: "token order",
			filter: Filter{
				Senders:    []string{"a@x.com"},
				Label:      "Receipts 2024",
				Unread:     true,
				Category:   "Promotions",
				After:      time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC),
				Before:     time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC),
				OlderThan:  "30d",
				LargerThan: "5M",
			},
			want: `is:unread label:"Receipts 2024" category:promotions after:2024/01/02 before:2024/03/04 older_than:30d larger:5M from:a@x.com`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Build(tt.filter))
		})
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	f := Filter{Senders: []string{"b@y.com", "a@x.com"}, Unread: true, Label: "news"}
	first := Build(f)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, Build(f))
	}
}

func TestJoinAndZero(t *testing.T) {
	require.Equal(t, "is:unread from:a@x.com", Join("is:unread", "", " from:a@x.com "))
	require.True(t, Filter{}.IsZero())
	require.False(t, Filter{OlderThan: "1y"}.IsZero())
	require.Equal(t, "from:a@x.com", FromSender(" a@x.com "))
}
