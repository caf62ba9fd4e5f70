package strategy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voltwatch/offgate/internal/runtime/classify"
	"github.com/voltwatch/offgate/internal/runtime/store"
)

// maxCachedBody caps how much of an origin response is retained. Telemetry
// and history payloads from the dashboard origin are well under this.
const maxCachedBody = 8 << 20

// Fetcher executes origin requests on behalf of the strategies. Every attempt
// carries an explicit deadline so a hung origin cannot stall request handling.
type Fetcher struct {
	client  *http.Client
	origin  *url.URL
	timeout time.Duration
}

// NewFetcher binds the HTTP client to the configured origin. A nil client
// falls back to a dedicated default; timeout must be positive.
func NewFetcher(client *http.Client, origin *url.URL, timeout time.Duration) (*Fetcher, error) {
	if origin == nil {
		return nil, fmt.Errorf("strategy: fetcher origin required")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("strategy: fetch timeout must be positive")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{client: client, origin: origin, timeout: timeout}, nil
}

// Fetch performs one attempt against the origin and captures the response as
// a cache entry snapshot stamped with the retrieval time. A non-2xx status is
// still a successful fetch; only transport failures return an error.
func (f *Fetcher) Fetch(ctx context.Context, d classify.Descriptor) (store.Entry, error) {
	if d.URL == nil {
		return store.Entry{}, fmt.Errorf("strategy: fetch requires a url")
	}
	target := f.origin.ResolveReference(d.URL)

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	method := strings.ToUpper(d.Method)
	if method == "" {
		method = http.MethodGet
	}
	var payload io.Reader
	if len(d.Body) > 0 {
		payload = bytes.NewReader(d.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), payload)
	if err != nil {
		return store.Entry{}, fmt.Errorf("strategy: build request: %w", err)
	}
	forwardHeaders(req.Header, d.Header)
	if d.Accept != "" {
		req.Header.Set("Accept", d.Accept)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return store.Entry{}, fmt.Errorf("strategy: fetch %s: %w", target.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCachedBody))
	if err != nil {
		return store.Entry{}, fmt.Errorf("strategy: read %s: %w", target.Path, err)
	}

	entry := store.Entry{
		Method:  method,
		URL:     d.URL.String(),
		Status:  resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
		Body:    body,
	}
	entry.Stamp(time.Now())
	return entry, nil
}

// FetchPath is the install-time form: a plain GET for a manifest asset path.
func (f *Fetcher) FetchPath(ctx context.Context, path string) (store.Entry, error) {
	parsed, err := url.Parse(path)
	if err != nil {
		return store.Entry{}, fmt.Errorf("strategy: manifest path %q: %w", path, err)
	}
	return f.Fetch(ctx, classify.Descriptor{Method: http.MethodGet, URL: parsed})
}

// Timeout exposes the per-attempt deadline for callers composing their own
// budgets.
func (f *Fetcher) Timeout() time.Duration { return f.timeout }

// skipForward lists headers that never cross to the origin: hop-by-hop fields
// are connection-scoped, and Content-Length is recomputed from the carried
// body.
var skipForward = map[string]struct{}{
	"Connection":          {},
	"Content-Length":      {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func forwardHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, skip := skipForward[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[name] = strings.Join(values, ", ")
	}
	return out
}
