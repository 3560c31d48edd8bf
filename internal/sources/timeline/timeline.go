// Package timeline harvests a search timeline that returns rendered tweet
// HTML inside a JSON envelope and pages backward through min_position.
package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-harvester/internal/fetcher"
	"github.com/JakeFAU/market-harvester/internal/harvest"
	"github.com/JakeFAU/market-harvester/internal/sources"
)

// Name is the source name.
const Name = "timeline"

// DefaultBaseURL is the search timeline endpoint.
const DefaultBaseURL = "http://twitter.com/i/search/timeline"

// minPositionLen is the shortest min_position that still denotes a real page.
const minPositionLen = 17

// Query maps a ticker to its search terms.
type Query struct {
	Ticker string `mapstructure:"ticker"`
	// Query defaults to the cashtag of Ticker.
	Query string `mapstructure:"query"`
}

// Config controls the source.
type Config struct {
	BaseURL string  `mapstructure:"base_url"`
	Queries []Query `mapstructure:"queries"`
}

// Source fetches timeline pages.
type Source struct {
	cfg     Config
	getter  fetcher.Getter
	queries map[string]string
	logger  *zap.Logger
}

var _ sources.Provider = (*Source)(nil)

// New validates cfg.
func New(cfg Config, getter fetcher.Getter, logger *zap.Logger) (*Source, error) {
	if getter == nil {
		return nil, fmt.Errorf("getter is required")
	}
	if len(cfg.Queries) == 0 {
		return nil, fmt.Errorf("timeline: at least one query is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	queries := make(map[string]string, len(cfg.Queries))
	for i, q := range cfg.Queries {
		if q.Ticker == "" {
			return nil, fmt.Errorf("timeline: query %d has no ticker", i)
		}
		if _, dup := queries[q.Ticker]; dup {
			return nil, fmt.Errorf("timeline: duplicate ticker %s", q.Ticker)
		}
		if q.Query == "" {
			q.Query = "$" + q.Ticker
			cfg.Queries[i] = q
		}
		queries[q.Ticker] = q.Query
	}
	return &Source{cfg: cfg, getter: getter, queries: queries, logger: logger.Named(Name)}, nil
}

// Name implements sources.Provider.
func (s *Source) Name() string { return Name }

// Targets returns one target per configured ticker.
func (s *Source) Targets() []harvest.Target {
	out := make([]harvest.Target, len(s.cfg.Queries))
	for i, q := range s.cfg.Queries {
		out[i] = harvest.Target{Source: Name, Key: q.Ticker}
	}
	return out
}

// Source implements sources.Provider.
func (s *Source) Source(harvest.Target) harvest.Source {
	return harvest.Source{
		Name:      Name,
		Fetcher:   s,
		Extractor: harvest.ExtractorFunc(Extract),
		Accept:    Accept,
	}
}

// SearchQuery renders the search terms for a fetch. The boundary day itself
// is included, so the until operator gets the following day.
func SearchQuery(query string, until time.Time) string {
	return fmt.Sprintf("%s lang:en until:%s", query, until.UTC().AddDate(0, 0, 1).Format(time.DateOnly))
}

type envelope struct {
	ItemsHTML   *string `json:"items_html"`
	MinPosition *string `json:"min_position"`
}

// Fetch implements harvest.Fetcher.
func (s *Source) Fetch(ctx context.Context, req harvest.FetchRequest) harvest.FetchResult {
	query, ok := s.queries[req.Target.Key]
	if !ok {
		return harvest.TransportError(fmt.Errorf("%s: %w", req.Target, sources.ErrUnknownTarget))
	}
	params := url.Values{}
	params.Set("f", "realtime")
	params.Set("q", SearchQuery(query, req.Until))
	params.Set("src", "typd")
	params.Set("max_position", req.Cursor)

	resp, res, ok := sources.Get(ctx, s.getter, fetcher.Request{
		URL:       s.cfg.BaseURL + "?" + params.Encode(),
		Headers:   map[string][]string{"X-Requested-With": {"XMLHttpRequest"}},
		UserAgent: req.Identity,
	})
	if !ok {
		return res
	}

	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return harvest.TransportErrorWithBody(resp.Body, fmt.Errorf("decode timeline response: %w", err))
	}
	if env.ItemsHTML == nil || env.MinPosition == nil {
		return harvest.Empty(resp.Body)
	}
	html := strings.TrimSpace(*env.ItemsHTML)
	if html == "" || len(*env.MinPosition) < minPositionLen {
		return harvest.Empty(resp.Body)
	}
	return harvest.OK(harvest.Page{Body: []byte(html), Next: *env.MinPosition, Identity: req.Identity})
}

// Accept keeps tweets somebody engaged with.
func Accept(rec harvest.Record) bool {
	tweet, ok := rec.Payload.(Tweet)
	if !ok {
		return false
	}
	return tweet.Retweets > 0 || tweet.Favorites > 0
}
