package crawler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"lowercases host", "https://WWW.Service-Public.FR/particuliers", "https://www.service-public.fr/particuliers"},
		{"strips default https port", "https://example.com:443/a", "https://example.com/a"},
		{"strips default http port", "http://example.com:80/a", "http://example.com/a"},
		{"keeps custom port", "http://example.com:8080/a", "http://example.com:8080/a"},
		{"drops fragment", "https://example.com/a#section-2", "https://example.com/a"},
		{"sorts query", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"empty path becomes root", "https://example.com", "https://example.com/"},
		{"trims whitespace", "  https://example.com/a  ", "https://example.com/a"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeURLRejectsNonHTTP(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"mailto:notaire@example.com", "javascript:void(0)", "/relative/path", "ftp://example.com/x"} {
		_, err := NormalizeURL(raw)
		require.Error(t, err, raw)
		assert.True(t, errors.Is(err, ErrInvalidURL), raw)
	}
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	got, err := ResolveURL("https://www.legifrance.gouv.fr/codes/section/", "../article?id=2#top")
	require.NoError(t, err)
	assert.Equal(t, "https://www.legifrance.gouv.fr/codes/article?id=2", got)

	got, err = ResolveURL("https://example.com/a/b", "https://other.org")
	require.NoError(t, err)
	assert.Equal(t, "https://other.org/", got)
}

func TestHostname(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "example.com", Hostname("https://Example.com:8443/x"))
	assert.Equal(t, "", Hostname("http://%"))
}

func TestSourceHosts(t *testing.T) {
	t.Parallel()

	src := Source{Seeds: []string{
		"https://www.notaires.fr/fr/succession",
		"https://WWW.notaires.fr/fr/donation",
		"https://www.service-public.fr/particuliers/vosdroits/N31160",
		"::not a url",
	}}
	assert.Equal(t, []string{"www.notaires.fr", "www.service-public.fr"}, src.Hosts())
}
