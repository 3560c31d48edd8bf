// Package quotes harvests intraday bar exports. Every target is one
// (ticker, interval) pair and is fetched as a single CSV covering everything
// since the interval's first year.
package quotes

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-harvester/internal/fetcher"
	"github.com/JakeFAU/market-harvester/internal/harvest"
	"github.com/JakeFAU/market-harvester/internal/sources"
)

// Name is the source name.
const Name = "quotes"

// DefaultBaseURL is the export endpoint; {ticker} is replaced by the ticker.
const DefaultBaseURL = "http://export.finam.ru/{ticker}.csv"

const (
	suspiciousLen = 1024
	waitMarker    = "Дождитесь"
	tooLargeMark  = "слишком большой"
)

// Ticker maps a symbol to the exporter's instrument id.
type Ticker struct {
	Symbol string `mapstructure:"symbol"`
	ID     int    `mapstructure:"id"`
}

// Interval maps a bar length to the exporter's period id and the first year
// requested for it.
type Interval struct {
	Seconds   int `mapstructure:"seconds"`
	ID        int `mapstructure:"id"`
	SinceYear int `mapstructure:"since_year"`
}

// Config controls the source.
type Config struct {
	BaseURL   string     `mapstructure:"base_url"`
	Market    int        `mapstructure:"market"`
	Tickers   []Ticker   `mapstructure:"tickers"`
	Intervals []Interval `mapstructure:"intervals"`
}

// Source fetches CSV exports.
type Source struct {
	cfg       Config
	getter    fetcher.Getter
	tickers   map[string]Ticker
	intervals map[int]Interval
	logger    *zap.Logger
}

var _ sources.Provider = (*Source)(nil)

// New validates cfg.
func New(cfg Config, getter fetcher.Getter, logger *zap.Logger) (*Source, error) {
	if getter == nil {
		return nil, fmt.Errorf("getter is required")
	}
	if len(cfg.Tickers) == 0 || len(cfg.Intervals) == 0 {
		return nil, fmt.Errorf("quotes: tickers and intervals are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Market == 0 {
		cfg.Market = 25
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Source{
		cfg:       cfg,
		getter:    getter,
		tickers:   make(map[string]Ticker, len(cfg.Tickers)),
		intervals: make(map[int]Interval, len(cfg.Intervals)),
		logger:    logger.Named(Name),
	}
	for _, t := range cfg.Tickers {
		if t.Symbol == "" || t.ID <= 0 {
			return nil, fmt.Errorf("quotes: invalid ticker %+v", t)
		}
		if _, dup := s.tickers[t.Symbol]; dup {
			return nil, fmt.Errorf("quotes: duplicate ticker %s", t.Symbol)
		}
		s.tickers[t.Symbol] = t
	}
	for _, iv := range cfg.Intervals {
		if iv.Seconds <= 0 || iv.ID <= 0 || iv.SinceYear <= 0 {
			return nil, fmt.Errorf("quotes: invalid interval %+v", iv)
		}
		if _, dup := s.intervals[iv.Seconds]; dup {
			return nil, fmt.Errorf("quotes: duplicate interval %d", iv.Seconds)
		}
		s.intervals[iv.Seconds] = iv
	}
	return s, nil
}

// TargetKey renders the key of a (ticker, interval) pair.
func TargetKey(symbol string, seconds int) string {
	return symbol + ":" + strconv.Itoa(seconds)
}

// ParseTargetKey splits a key built by TargetKey.
func ParseTargetKey(key string) (string, int, error) {
	symbol, raw, ok := strings.Cut(key, ":")
	if !ok || symbol == "" {
		return "", 0, fmt.Errorf("quotes: malformed target key %q", key)
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return "", 0, fmt.Errorf("quotes: malformed interval in %q: %w", key, err)
	}
	return symbol, seconds, nil
}

// Name implements sources.Provider.
func (s *Source) Name() string { return Name }

// Targets is the ticker by interval plan, tickers outermost.
func (s *Source) Targets() []harvest.Target {
	out := make([]harvest.Target, 0, len(s.cfg.Tickers)*len(s.cfg.Intervals))
	for _, t := range s.cfg.Tickers {
		for _, iv := range s.cfg.Intervals {
			out = append(out, harvest.Target{Source: Name, Key: TargetKey(t.Symbol, iv.Seconds)})
		}
	}
	return out
}

// Source implements sources.Provider. Rows are stamped with the interval
// encoded in the target key.
func (s *Source) Source(target harvest.Target) harvest.Source {
	_, seconds, _ := ParseTargetKey(target.Key)
	return harvest.Source{
		Name:      Name,
		Fetcher:   s,
		Extractor: Extractor(seconds),
		Accept:    harvest.AcceptAll,
	}
}

func (s *Source) resolve(key string) (Ticker, Interval, error) {
	symbol, seconds, err := ParseTargetKey(key)
	if err != nil {
		return Ticker{}, Interval{}, err
	}
	t, ok := s.tickers[symbol]
	if !ok {
		return Ticker{}, Interval{}, fmt.Errorf("%s: %w", key, sources.ErrUnknownTarget)
	}
	iv, ok := s.intervals[seconds]
	if !ok {
		return Ticker{}, Interval{}, fmt.Errorf("%s: %w", key, sources.ErrUnknownTarget)
	}
	return t, iv, nil
}

// URL builds the export request for a ticker and interval.
func (s *Source) URL(t Ticker, iv Interval) string {
	q := url.Values{}
	q.Set("market", strconv.Itoa(s.cfg.Market))
	q.Set("em", strconv.Itoa(t.ID))
	q.Set("code", t.Symbol)
	q.Set("apply", "0")
	q.Set("df", "1")
	q.Set("mf", "0")
	q.Set("yf", strconv.Itoa(iv.SinceYear))
	q.Set("p", strconv.Itoa(iv.ID))
	q.Set("f", t.Symbol)
	q.Set("e", ".csv")
	q.Set("cn", t.Symbol)
	for _, k := range []string{"dtf", "tmf", "MSOR", "mstimever", "sep", "sep2", "datf", "at"} {
		q.Set(k, "1")
	}
	base := strings.ReplaceAll(s.cfg.BaseURL, "{ticker}", url.PathEscape(t.Symbol))
	return base + "?" + q.Encode()
}

// Fetch implements harvest.Fetcher. The export has no paging so a usable
// body always ends the target.
func (s *Source) Fetch(ctx context.Context, req harvest.FetchRequest) harvest.FetchResult {
	t, iv, err := s.resolve(req.Target.Key)
	if err != nil {
		return harvest.TransportError(err)
	}
	if req.Cursor == harvest.EndCursor {
		return harvest.End()
	}
	resp, res, ok := sources.Get(ctx, s.getter, fetcher.Request{URL: s.URL(t, iv), UserAgent: req.Identity})
	if !ok {
		return res
	}
	body := resp.Body
	if len(body) < suspiciousLen {
		switch {
		case bytes.Contains(body, []byte(waitMarker)):
			return harvest.Empty(body)
		case bytes.Contains(body, []byte(tooLargeMark)):
			s.logger.Info("Export too large, skipping", zap.String("target", req.Target.Key))
			return harvest.End()
		}
	}
	return harvest.OK(harvest.Page{Body: body, Next: harvest.EndCursor, Identity: req.Identity})
}
