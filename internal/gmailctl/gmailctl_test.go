package gmailctl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const compiled = `{
  "filters": [
    {"name": "receipts", "criteria": {"from": "{billing@shop.example *@receipts.example}"}},
    {"id": "f2", "criteria": {"query": "from:(news.example OR alerts@ops.example) -is:chat"}},
    {"criteria": {"from": "@corp.example"}}
  ],
  "labels": [{"id": "Label_1", "name": "receipts"}]
}`

func TestCovering(t *testing.T) {
	export, err := Parse([]byte(compiled))
	require.NoError(t, err)
	tests := []struct {
		address string
		want    string
	}{
		{"billing@shop.example", "receipts"},
		{"other@shop.example", ""},
		{"Anyone@Receipts.Example", "receipts"},
		{"weekly@news.example", "f2"},
		{"digest@mail.news.example", "f2"},
		{"alerts@ops.example", "f2"},
		{"pager@ops.example", ""},
		{"ceo@corp.example", "from:@corp.example"},
		{"someone@notnews.example", ""},
		{"", ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, export.Covering(tt.address), "Covering(%q)", tt.address)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("not json"))
	require.Error(t, err)
}
