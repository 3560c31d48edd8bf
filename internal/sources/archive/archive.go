// Package archive harvests a monthly article archive. It walks backward one
// month per step from the month of the boundary and stops before the
// configured start month. Raw months are cached in the blob store and in
// process so every ticker reuses one download.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-harvester/internal/fetcher"
	"github.com/JakeFAU/market-harvester/internal/harvest"
	"github.com/JakeFAU/market-harvester/internal/sources"
	"github.com/JakeFAU/market-harvester/internal/storage"
)

// Name is the source name.
const Name = "archive"

// Defaults for Config.
const (
	DefaultBaseURL     = "https://api.nytimes.com/svc/archive/v1"
	DefaultCachePrefix = "archive"
	monthLayout        = "2006-01"
)

// Company maps a keyword fragment to a ticker.
type Company struct {
	Name   string `mapstructure:"name"`
	Ticker string `mapstructure:"ticker"`
}

// Config controls the source.
type Config struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	// StartMonth is the oldest month harvested, as YYYY-MM.
	StartMonth  string    `mapstructure:"start_month"`
	CachePrefix string    `mapstructure:"cache_prefix"`
	Companies   []Company `mapstructure:"companies"`
}

// Source fetches archive months.
type Source struct {
	cfg       Config
	start     time.Time
	getter    fetcher.Getter
	blobs     storage.BlobStore
	months    *expirable.LRU[string, []byte]
	companies map[string][]string
	tickers   []string
	logger    *zap.Logger
}

var _ sources.Provider = (*Source)(nil)

// New validates cfg. A nil blobs disables the persistent cache.
func New(cfg Config, getter fetcher.Getter, blobs storage.BlobStore, logger *zap.Logger) (*Source, error) {
	if getter == nil {
		return nil, fmt.Errorf("getter is required")
	}
	if len(cfg.Companies) == 0 {
		return nil, fmt.Errorf("archive: at least one company is required")
	}
	start, err := ParseMonth(cfg.StartMonth)
	if err != nil {
		return nil, fmt.Errorf("archive: start_month: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.CachePrefix == "" {
		cfg.CachePrefix = DefaultCachePrefix
	}
	if blobs == nil {
		blobs = storage.NoOp{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	companies := make(map[string][]string)
	var tickers []string
	for i, c := range cfg.Companies {
		if c.Name == "" || c.Ticker == "" {
			return nil, fmt.Errorf("archive: company %d needs name and ticker", i)
		}
		if _, seen := companies[c.Ticker]; !seen {
			tickers = append(tickers, c.Ticker)
		}
		companies[c.Ticker] = append(companies[c.Ticker], c.Name)
	}
	return &Source{
		cfg:       cfg,
		start:     start,
		getter:    getter,
		blobs:     blobs,
		months:    expirable.NewLRU[string, []byte](4, nil, time.Hour),
		companies: companies,
		tickers:   tickers,
		logger:    logger.Named(Name),
	}, nil
}

// ParseMonth parses YYYY-MM into the first instant of that month in UTC.
func ParseMonth(raw string) (time.Time, error) {
	t, err := time.Parse(monthLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse month %q: %w", raw, err)
	}
	return t.UTC(), nil
}

func monthOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Name implements sources.Provider.
func (s *Source) Name() string { return Name }

// Targets returns one target per ticker in company order.
func (s *Source) Targets() []harvest.Target {
	out := make([]harvest.Target, len(s.tickers))
	for i, t := range s.tickers {
		out[i] = harvest.Target{Source: Name, Key: t}
	}
	return out
}

// Source implements sources.Provider. Articles are accepted when one of
// their keywords mentions a company mapped to the target ticker.
func (s *Source) Source(target harvest.Target) harvest.Source {
	names := s.companies[target.Key]
	return harvest.Source{
		Name:      Name,
		Fetcher:   s,
		Extractor: harvest.ExtractorFunc(Extract),
		Accept: func(rec harvest.Record) bool {
			article, ok := rec.Payload.(Article)
			if !ok {
				return false
			}
			return article.Mentions(names)
		},
	}
}

// Fetch implements harvest.Fetcher.
func (s *Source) Fetch(ctx context.Context, req harvest.FetchRequest) harvest.FetchResult {
	if _, ok := s.companies[req.Target.Key]; !ok {
		return harvest.TransportError(fmt.Errorf("%s: %w", req.Target, sources.ErrUnknownTarget))
	}
	month := monthOf(req.Until)
	if req.Cursor != "" {
		m, err := ParseMonth(req.Cursor)
		if err != nil {
			return harvest.TransportError(fmt.Errorf("cursor: %w", err))
		}
		month = m
	}
	if month.Before(s.start) {
		return harvest.End()
	}

	body, err := s.load(ctx, month, req.Identity)
	if err != nil {
		return harvest.TransportErrorWithBody(body, err)
	}
	if body == nil {
		return harvest.Empty(nil)
	}

	next := month.AddDate(0, -1, 0)
	cursor := next.Format(monthLayout)
	if next.Before(s.start) {
		cursor = harvest.EndCursor
	}
	return harvest.OK(harvest.Page{Body: body, Next: cursor, Identity: req.Identity})
}

// load returns the raw month from memory, the blob store or upstream, in that
// order. A nil body without error means upstream answered without docs. On
// error the body is whatever upstream sent, if anything.
func (s *Source) load(ctx context.Context, month time.Time, identity string) ([]byte, error) {
	key := month.Format(monthLayout)
	if body, ok := s.months.Get(key); ok {
		return body, nil
	}
	path := fmt.Sprintf("%s/%s.json", s.cfg.CachePrefix, key)
	body, err := s.blobs.GetObject(ctx, path)
	switch {
	case err == nil:
		s.months.Add(key, body)
		return body, nil
	case !errors.Is(err, storage.ErrObjectNotFound):
		s.logger.Warn("Archive cache read failed", zap.String("path", path), zap.Error(err))
	}

	url := fmt.Sprintf("%s/%d/%d.json", strings.TrimRight(s.cfg.BaseURL, "/"), month.Year(), int(month.Month()))
	if s.cfg.APIKey != "" {
		url += "?api-key=" + s.cfg.APIKey
	}
	resp, res, ok := sources.Get(ctx, s.getter, fetcher.Request{URL: url, UserAgent: identity})
	if !ok {
		return res.Page.Body, res.Reason
	}
	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return resp.Body, fmt.Errorf("decode archive %s: %w", key, err)
	}
	if env.Response == nil || env.Response.Docs == nil {
		s.logger.Error("Archive month without docs", zap.String("month", key))
		return nil, nil
	}
	if _, err := s.blobs.PutObject(ctx, path, "application/json", bytes.NewReader(resp.Body)); err != nil {
		s.logger.Warn("Archive cache write failed", zap.String("path", path), zap.Error(err))
	}
	s.months.Add(key, resp.Body)
	return resp.Body, nil
}
