package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/market-harvester/internal/harvest"
)

// Article is the payload persisted for each record.
type Article struct {
	Title          string   `json:"title"`
	SEOTitle       string   `json:"seo_title,omitempty"`
	URL            string   `json:"url"`
	Category       string   `json:"category,omitempty"`
	WordCount      *int     `json:"word_count,omitempty"`
	Section        string   `json:"section,omitempty"`
	TypeOfMaterial string   `json:"type_of_material,omitempty"`
	FirstParagraph string   `json:"first_paragraph,omitempty"`
	Keywords       []string `json:"keywords"`
	HasMultimedia  bool     `json:"has_multimedia"`
}

// Mentions reports whether any keyword contains one of names.
func (a Article) Mentions(names []string) bool {
	for _, kw := range a.Keywords {
		for _, name := range names {
			if strings.Contains(kw, name) {
				return true
			}
		}
	}
	return false
}

type envelope struct {
	Response *struct {
		Docs []doc `json:"docs"`
	} `json:"response"`
}

type doc struct {
	ID       string `json:"_id"`
	WebURL   string `json:"web_url"`
	PubDate  string `json:"pub_date"`
	Headline struct {
		Main string `json:"main"`
	} `json:"headline"`
	SEOHeadline    string            `json:"seo_headline"`
	NewsDesk       string            `json:"news_desk"`
	WordCount      flexInt           `json:"word_count"`
	SectionName    string            `json:"section_name"`
	TypeOfMaterial string            `json:"type_of_material"`
	LeadParagraph  string            `json:"lead_paragraph"`
	Keywords       []keyword         `json:"keywords"`
	Multimedia     []json.RawMessage `json:"multimedia"`
}

type keyword struct {
	Value string `json:"value"`
}

// flexInt accepts a JSON number, a numeric string or null.
type flexInt struct{ v *int }

func (f *flexInt) UnmarshalJSON(raw []byte) error {
	raw = bytes.Trim(raw, `"`)
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return fmt.Errorf("word_count: %w", err)
	}
	f.v = &n
	return nil
}

// ParsePubDate accepts both the Z suffix and numeric offsets without a colon.
func ParsePubDate(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05-0700", "2006-01-02T15:04:05Z0700"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized pub_date %q", raw)
}

// Extract turns every document of a month into a candidate.
func Extract(page harvest.Page) harvest.Extraction {
	var env envelope
	if err := json.Unmarshal(page.Body, &env); err != nil {
		return harvest.Malformed(fmt.Errorf("decode archive: %w", err))
	}
	if env.Response == nil {
		return harvest.Malformed(fmt.Errorf("archive without response"))
	}
	records := make([]harvest.Record, 0, len(env.Response.Docs))
	for _, d := range env.Response.Docs {
		published, err := ParsePubDate(d.PubDate)
		if err != nil {
			return harvest.Malformed(fmt.Errorf("doc %s: %w", d.ID, err))
		}
		key := d.ID
		if key == "" {
			key = d.WebURL
		}
		if key == "" {
			continue
		}
		keywords := make([]string, len(d.Keywords))
		for i, k := range d.Keywords {
			keywords[i] = k.Value
		}
		records = append(records, harvest.Record{
			Key:       key,
			Timestamp: published,
			Text:      strings.TrimSpace(d.Headline.Main + " " + d.LeadParagraph),
			Payload: Article{
				Title:          d.Headline.Main,
				SEOTitle:       d.SEOHeadline,
				URL:            d.WebURL,
				Category:       d.NewsDesk,
				WordCount:      d.WordCount.v,
				Section:        d.SectionName,
				TypeOfMaterial: d.TypeOfMaterial,
				FirstParagraph: d.LeadParagraph,
				Keywords:       keywords,
				HasMultimedia:  len(d.Multimedia) > 1,
			},
		})
	}
	return harvest.Extracted(records)
}
