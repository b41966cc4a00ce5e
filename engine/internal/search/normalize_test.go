package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases_host", "https://Example.COM/Path", "https://example.com/Path"},
		{"strips_trailing_slash", "https://example.com/docs/", "https://example.com/docs"},
		{"strips_fragment", "https://example.com/a#section-2", "https://example.com/a"},
		{"strips_tracking_params", "https://example.com/a?utm_source=x&utm_medium=y&id=7", "https://example.com/a?id=7"},
		{"strips_fbclid", "https://example.com/a?fbclid=abc123", "https://example.com/a"},
		{"sorts_remaining_query", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"keeps_meaningful_query", "https://example.com/search?q=vector+database", "https://example.com/search?q=vector+database"},
		{"trims_whitespace", "  https://example.com/a  ", "https://example.com/a"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, NormalizeURL(tc.in))
		})
	}
}

func TestNormalizeURLIsIdempotent(t *testing.T) {
	inputs := []string{
		"https://Example.COM/Path/?utm_source=x&b=2&a=1#frag",
		"https://example.com",
		"not a url",
		"https://example.com/a?gclid=1&q=term",
	}
	for _, in := range inputs {
		once := NormalizeURL(in)
		assert.Equal(t, once, NormalizeURL(once), "normalize(normalize(u)) must equal normalize(u) for %q", in)
	}
}
