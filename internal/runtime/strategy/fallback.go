package strategy

import (
	"encoding/json"
	"time"
)

// The origin forces an explicit charset on text responses; synthesized
// fallbacks do the same so offline behavior matches online behavior.
const (
	contentTypeText = "text/plain; charset=utf-8"
	contentTypeHTML = "text/html; charset=utf-8"
	contentTypeJSON = "application/json; charset=utf-8"
)

const notFoundBody = "Not Found: resource is not cached and the origin is unreachable\n"

// defaultOfflineDocument renders when no offline template is configured.
const defaultOfflineDocument = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>Offline</title></head>
<body>
<h1>You are offline</h1>
<p>The dashboard cannot reach the inverter right now. Cached data will be shown when available.</p>
</body>
</html>
`

// apiOfflineEnvelope is the synthesized error body returned when an API call
// fails both network and cache lookup.
type apiOfflineEnvelope struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Fallbacks synthesizes the responses served when both network and cache come
// up empty. Every fallback is a complete concrete response; no strategy path
// may surface a raw error to the interception caller.
type Fallbacks struct {
	offlineDoc []byte
}

// NewFallbacks captures the rendered offline document. An empty document
// selects the built-in default page.
func NewFallbacks(offlineDoc string) *Fallbacks {
	if offlineDoc == "" {
		offlineDoc = defaultOfflineDocument
	}
	return &Fallbacks{offlineDoc: []byte(offlineDoc)}
}

// NotFound synthesizes the fixed plain-text 404 used by CacheFirst and
// StaleWhileRevalidate when an asset is absent everywhere.
func (f *Fallbacks) NotFound() *Response {
	return &Response{
		Status:  404,
		Headers: map[string]string{"Content-Type": contentTypeText},
		Body:    []byte(notFoundBody),
	}
}

// OfflineDocument serves the fixed offline page for failed navigations.
func (f *Fallbacks) OfflineDocument() *Response {
	return &Response{
		Status:  200,
		Headers: map[string]string{"Content-Type": contentTypeHTML},
		Body:    append([]byte(nil), f.offlineDoc...),
	}
}

// APIOffline synthesizes the JSON error envelope for API calls that fail both
// network and cache lookup.
func (f *Fallbacks) APIOffline(message string) *Response {
	body, err := json.Marshal(apiOfflineEnvelope{
		Error:     "offline",
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		// The envelope is three strings; marshal cannot fail in practice.
		body = []byte(`{"error":"offline"}`)
	}
	return &Response{
		Status:  503,
		Headers: map[string]string{"Content-Type": contentTypeJSON},
		Body:    body,
	}
}

// BadGateway covers bypassed cross-origin requests whose forward attempt
// failed; those are never served from cache or fallback documents.
func (f *Fallbacks) BadGateway() *Response {
	return &Response{
		Status:  502,
		Headers: map[string]string{"Content-Type": contentTypeText},
		Body:    []byte("Bad Gateway\n"),
	}
}
