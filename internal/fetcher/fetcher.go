// Package fetcher defines the HTTP page retrieval contract used by sources.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Request describes a single GET.
type Request struct {
	URL     string
	Headers http.Header
	// UserAgent overrides the client default when non-empty.
	UserAgent string
}

// Response is the raw result of a Request. Non-2xx responses are returned
// rather than reported as errors so callers can inspect the body.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// StatusError describes an unexpected HTTP status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// Getter performs HTTP GETs.
type Getter interface {
	Get(ctx context.Context, request Request) (Response, error)
}

// GetterFunc adapts a function to Getter.
type GetterFunc func(ctx context.Context, request Request) (Response, error)

// Get calls f.
func (f GetterFunc) Get(ctx context.Context, request Request) (Response, error) {
	return f(ctx, request)
}
