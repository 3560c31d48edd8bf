package feed

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/market-harvester/internal/harvest"
)

// News is the payload persisted for each record.
type News struct {
	ID          string `json:"id"`
	Source      string `json:"source,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Engagement  *int   `json:"engagement,omitempty"`
	// Marked flags premium items, shown upstream with a [$$] title prefix.
	Marked bool `json:"marked"`
}

type item struct {
	ID           string `json:"id"`
	OriginID     string `json:"originId"`
	Title        string `json:"title"`
	Published    int64  `json:"published"`
	CanonicalURL string `json:"canonicalUrl"`
	Engagement   *int   `json:"engagement"`
	Alternate    []struct {
		Href string `json:"href"`
	} `json:"alternate"`
	Summary *struct {
		Content string `json:"content"`
	} `json:"summary"`
}

const (
	premiumMarker = "[$$]"
	originPrefix  = "yahoo_finance/"
)

var (
	mediaPrefixes  = []string{"[video]", "[audio]", "[podcast]", "[watch]"}
	brokenSuffixes = []string{"finance/news/rss/story/*&", "rss/SIG=102irdsec/*?", "rss/SIG=10qegkfse/*?"}

	summarySource = regexp.MustCompile(`^(\[.+?\])\s*-`)
	summaryPrefix = regexp.MustCompile(`^\[.+?\]\s*-\s*`)
	hrefSource    = regexp.MustCompile(`finance/(news|external/(.+?))/`)
	embeddedURL   = regexp.MustCompile(`(https?(:|%3A)//.+?)(\?|#|$)`)
)

// Extract parses the items array of a page. Broken, unavailable and media
// items are dropped.
func (s *Source) Extract(page harvest.Page) harvest.Extraction {
	var items []item
	if err := json.Unmarshal(page.Body, &items); err != nil {
		return harvest.Malformed(fmt.Errorf("decode items: %w", err))
	}
	records := make([]harvest.Record, 0, len(items))
	for _, it := range items {
		rec, ok := toRecord(it)
		if !ok {
			s.logger.Debug("Dropping feed item", zap.String("id", it.ID), zap.String("title", it.Title))
			continue
		}
		records = append(records, rec)
	}
	return harvest.Extracted(records)
}

func toRecord(it item) (harvest.Record, bool) {
	if len(it.Alternate) == 0 {
		return harvest.Record{}, false
	}
	if it.Title == "*** DATA NOT AVAILABLE ***" || strings.Contains(it.Title, "RSS feed not found") {
		return harvest.Record{}, false
	}
	lower := strings.ToLower(it.Title)
	for _, p := range mediaPrefixes {
		if strings.HasPrefix(lower, p) {
			return harvest.Record{}, false
		}
	}
	href := it.Alternate[0].Href
	m := hrefSource.FindStringSubmatch(href)
	if m == nil {
		return harvest.Record{}, false
	}

	var summary string
	if it.Summary != nil {
		summary = strings.TrimSpace(it.Summary.Content)
	}
	source := m[2]
	if source == "" {
		if sm := summarySource.FindStringSubmatch(summary); sm != nil {
			source = sm[1]
		}
	}

	marked := strings.HasPrefix(it.Title, premiumMarker)
	title := strings.TrimSpace(strings.TrimPrefix(it.Title, premiumMarker))
	description := summaryPrefix.ReplaceAllString(summary, "")

	id := strings.TrimPrefix(it.OriginID, originPrefix)
	if id == "" {
		id = it.ID
	}
	if id == "" {
		return harvest.Record{}, false
	}
	link, ok := canonicalURL(it.CanonicalURL, href)
	if !ok {
		return harvest.Record{}, false
	}

	news := News{
		ID:          id,
		Source:      source,
		Title:       title,
		Description: description,
		URL:         link,
		Engagement:  it.Engagement,
		Marked:      marked,
	}
	return harvest.Record{
		Key:       id,
		Timestamp: time.UnixMilli(it.Published).UTC(),
		Text:      strings.TrimSpace(title + " " + description),
		Payload:   news,
	}, true
}

// canonicalURL prefers the explicit canonical URL, then the target embedded
// in a redirect href. Known broken redirect shapes yield an empty URL; any
// other href without an embedded target reports false.
func canonicalURL(canonical, href string) (string, bool) {
	if canonical != "" {
		return canonical, true
	}
	tail := href
	if len(tail) > 7 {
		tail = tail[7:]
	}
	m := embeddedURL.FindStringSubmatch(tail)
	if m == nil {
		for _, suffix := range brokenSuffixes {
			if strings.Contains(href, suffix) {
				return "", true
			}
		}
		return "", false
	}
	if m[2] == ":" {
		return m[1], true
	}
	decoded, err := url.QueryUnescape(m[1])
	if err != nil {
		return m[1], true
	}
	return decoded, true
}
