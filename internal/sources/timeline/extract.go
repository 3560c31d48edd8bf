package timeline

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/market-harvester/internal/harvest"
)

// Tweet is the payload persisted for each record.
type Tweet struct {
	ID        string `json:"id"`
	UserID    int64  `json:"user_id"`
	Text      string `json:"text"`
	Retweets  int    `json:"retweet_count"`
	Favorites int    `json:"favorite_count"`
}

var whitespace = regexp.MustCompile(`\s+`)

// Extract parses the items HTML of a page. Withheld tweets are skipped; any
// tweet missing a required attribute makes the whole page malformed.
func Extract(page harvest.Page) harvest.Extraction {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return harvest.Malformed(fmt.Errorf("parse items html: %w", err))
	}

	var (
		records []harvest.Record
		bad     error
	)
	doc.Find("div.js-stream-tweet").Not(".withheld-tweet").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		rec, err := extractTweet(sel)
		if err != nil {
			bad = err
			return false
		}
		records = append(records, rec)
		return true
	})
	if bad != nil {
		return harvest.Malformed(bad)
	}
	return harvest.Extracted(records)
}

func extractTweet(sel *goquery.Selection) (harvest.Record, error) {
	id, ok := sel.Attr("data-tweet-id")
	if !ok || id == "" {
		return harvest.Record{}, fmt.Errorf("tweet without data-tweet-id")
	}
	stamp, err := intAttr(sel.Find("small.time span.js-short-timestamp"), "data-time")
	if err != nil {
		return harvest.Record{}, fmt.Errorf("tweet %s time: %w", id, err)
	}
	userID, err := intAttr(sel.Find("a.js-user-profile-link"), "data-user-id")
	if err != nil {
		return harvest.Record{}, fmt.Errorf("tweet %s user: %w", id, err)
	}
	retweets, err := intAttr(sel.Find("span.ProfileTweet-action--retweet span.ProfileTweet-actionCount"), "data-tweet-stat-count")
	if err != nil {
		return harvest.Record{}, fmt.Errorf("tweet %s retweets: %w", id, err)
	}
	favorites, err := intAttr(sel.Find("span.ProfileTweet-action--favorite span.ProfileTweet-actionCount"), "data-tweet-stat-count")
	if err != nil {
		return harvest.Record{}, fmt.Errorf("tweet %s favorites: %w", id, err)
	}

	text := tweetText(sel.Find("p.js-tweet-text").First())
	return harvest.Record{
		Key:       id,
		Timestamp: time.Unix(stamp, 0).UTC(),
		Text:      text,
		Payload: Tweet{
			ID:        id,
			UserID:    userID,
			Text:      text,
			Retweets:  int(retweets),
			Favorites: int(favorites),
		},
	}, nil
}

// tweetText flattens anchors into plain tokens and collapses whitespace.
func tweetText(p *goquery.Selection) string {
	p.Find("a").Each(func(_ int, a *goquery.Selection) {
		var token string
		switch {
		case a.HasClass("twitter-hashtag"):
			token = strings.ReplaceAll(a.Text(), "# ", "#")
		case a.HasClass("twitter-atreply"):
			token = "@" + a.AttrOr("data-mentioned-user-id", "")
		case a.HasClass("twitter-cashtag"):
			token = strings.ReplaceAll(a.Text(), "$ ", "$")
		default:
			token = "[link]"
		}
		a.ReplaceWithHtml(" " + html.EscapeString(token) + " ")
	})
	return whitespace.ReplaceAllString(strings.TrimSpace(p.Text()), " ")
}

func intAttr(sel *goquery.Selection, name string) (int64, error) {
	raw, ok := sel.First().Attr(name)
	if !ok {
		return 0, fmt.Errorf("missing %s", name)
	}
	v, err := strconv.ParseInt(strings.ReplaceAll(raw, ",", ""), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return v, nil
}
