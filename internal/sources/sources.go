// Package sources holds what the concrete harvest sources share: the Provider
// contract the app wires, and small helpers for turning HTTP responses into
// fetch results.
package sources

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/market-harvester/internal/fetcher"
	"github.com/JakeFAU/market-harvester/internal/harvest"
)

// Provider is a configured source with its ordered list of targets.
type Provider interface {
	// Name is the source name used in target ids and metrics.
	Name() string
	// Source bundles the fetcher, extractor and acceptance predicate used
	// for target.
	Source(target harvest.Target) harvest.Source
	// Targets lists the configured targets in configuration order.
	Targets() []harvest.Target
}

// ErrUnknownTarget is returned when a requested key is not configured.
var ErrUnknownTarget = errors.New("unknown target")

// Select returns the provider targets matching keys, in the order given. An
// empty keys slice selects every target.
func Select(p Provider, keys []string) ([]harvest.Target, error) {
	all := p.Targets()
	if len(keys) == 0 {
		return all, nil
	}
	index := make(map[string]harvest.Target, len(all))
	for _, t := range all {
		index[t.Key] = t
	}
	out := make([]harvest.Target, 0, len(keys))
	for _, k := range keys {
		t, ok := index[k]
		if !ok {
			return nil, fmt.Errorf("%s/%s: %w", p.Name(), k, ErrUnknownTarget)
		}
		out = append(out, t)
	}
	return out, nil
}

// Get issues request and maps transport failures and non-2xx statuses to a
// TransportError result. ok is false when result is final.
func Get(ctx context.Context, getter fetcher.Getter, request fetcher.Request) (fetcher.Response, harvest.FetchResult, bool) {
	resp, err := getter.Get(ctx, request)
	if err != nil {
		return resp, harvest.TransportError(err), false
	}
	if !resp.OK() {
		return resp, harvest.TransportErrorWithBody(resp.Body, &fetcher.StatusError{URL: request.URL, Code: resp.StatusCode}), false
	}
	return resp, harvest.FetchResult{}, true
}
