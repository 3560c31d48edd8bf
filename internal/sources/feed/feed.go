// Package feed harvests a per-ticker news stream that pages through an
// opaque continuation token.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-harvester/internal/fetcher"
	"github.com/JakeFAU/market-harvester/internal/harvest"
	"github.com/JakeFAU/market-harvester/internal/sources"
)

// Name is the source name.
const Name = "feed"

// Defaults for Config.
const (
	DefaultBaseURL      = "http://cloud.feedly.com/v3/streams/contents"
	DefaultStreamPrefix = "feed/http://finance.yahoo.com/rss/headline?s="
	DefaultPageSize     = 1000
)

// Config controls the source.
type Config struct {
	BaseURL string `mapstructure:"base_url"`
	// StreamPrefix is prepended to the ticker to form the stream id.
	StreamPrefix string   `mapstructure:"stream_prefix"`
	PageSize     int      `mapstructure:"page_size"`
	Tickers      []string `mapstructure:"tickers"`
}

// Source fetches stream pages.
type Source struct {
	cfg    Config
	getter fetcher.Getter
	known  map[string]struct{}
	logger *zap.Logger
}

var _ sources.Provider = (*Source)(nil)

// New validates cfg.
func New(cfg Config, getter fetcher.Getter, logger *zap.Logger) (*Source, error) {
	if getter == nil {
		return nil, fmt.Errorf("getter is required")
	}
	if len(cfg.Tickers) == 0 {
		return nil, fmt.Errorf("feed: at least one ticker is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = DefaultStreamPrefix
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	known := make(map[string]struct{}, len(cfg.Tickers))
	for _, t := range cfg.Tickers {
		if _, dup := known[t]; dup || t == "" {
			return nil, fmt.Errorf("feed: invalid or duplicate ticker %q", t)
		}
		known[t] = struct{}{}
	}
	return &Source{cfg: cfg, getter: getter, known: known, logger: logger.Named(Name)}, nil
}

// Name implements sources.Provider.
func (s *Source) Name() string { return Name }

// Targets returns one target per ticker.
func (s *Source) Targets() []harvest.Target {
	out := make([]harvest.Target, len(s.cfg.Tickers))
	for i, t := range s.cfg.Tickers {
		out[i] = harvest.Target{Source: Name, Key: t}
	}
	return out
}

// Source implements sources.Provider. Every extracted item is kept.
func (s *Source) Source(harvest.Target) harvest.Source {
	return harvest.Source{
		Name:      Name,
		Fetcher:   s,
		Extractor: harvest.ExtractorFunc(s.Extract),
		Accept:    harvest.AcceptAll,
	}
}

type envelope struct {
	Items        json.RawMessage `json:"items"`
	Continuation *string         `json:"continuation"`
}

// Fetch implements harvest.Fetcher. The page body is the raw items array; a
// response without a continuation is the last page.
func (s *Source) Fetch(ctx context.Context, req harvest.FetchRequest) harvest.FetchResult {
	if _, ok := s.known[req.Target.Key]; !ok {
		return harvest.TransportError(fmt.Errorf("%s: %w", req.Target, sources.ErrUnknownTarget))
	}
	params := url.Values{}
	params.Set("streamId", s.cfg.StreamPrefix+req.Target.Key)
	params.Set("count", strconv.Itoa(s.cfg.PageSize))
	if req.Cursor != "" {
		params.Set("continuation", req.Cursor)
	}
	resp, res, ok := sources.Get(ctx, s.getter, fetcher.Request{
		URL:       s.cfg.BaseURL + "?" + params.Encode(),
		UserAgent: req.Identity,
	})
	if !ok {
		return res
	}
	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return harvest.TransportErrorWithBody(resp.Body, fmt.Errorf("decode stream response: %w", err))
	}
	if len(env.Items) == 0 || string(env.Items) == "null" || string(env.Items) == "[]" {
		return harvest.Empty(resp.Body)
	}
	next := harvest.EndCursor
	if env.Continuation != nil && *env.Continuation != "" {
		next = *env.Continuation
	}
	return harvest.OK(harvest.Page{Body: env.Items, Next: next, Identity: req.Identity})
}
