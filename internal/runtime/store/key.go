package store

import (
	"net/url"
	"strings"
)

// Key builds the deterministic entry key for a request: uppercase method plus
// the normalized URL. Normalization strips the fragment, lowercases scheme
// and host, collapses an empty path to "/", and re-encodes the query in
// sorted order so equivalent URLs always map to the same entry.
func Key(method, rawURL string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "GET"
	}

	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return method + " " + strings.TrimSpace(rawURL)
	}
	parsed.Fragment = ""
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	if parsed.Path == "" {
		parsed.Path = "/"
	}
	if parsed.RawQuery != "" {
		// Values.Encode emits keys in sorted order.
		parsed.RawQuery = parsed.Query().Encode()
	}
	return method + " " + parsed.String()
}
