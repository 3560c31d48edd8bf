package timeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/market-harvester/internal/fetcher"
	"github.com/JakeFAU/market-harvester/internal/harvest"
)

const tweetHTML = `
<div class="js-stream-tweet" data-tweet-id="1001">
  <a class="js-user-profile-link" data-user-id="42"></a>
  <small class="time"><span class="js-short-timestamp" data-time="1488326400"></span></small>
  <p class="js-tweet-text">Buying <a class="twitter-cashtag">$ IBM</a> now
     <a class="twitter-hashtag"># stocks</a> thanks <a class="twitter-atreply" data-mentioned-user-id="7">@bob</a>
     <a href="https://t.co/x">t.co/x</a></p>
  <span class="ProfileTweet-action--retweet"><span class="ProfileTweet-actionCount" data-tweet-stat-count="1,204"></span></span>
  <span class="ProfileTweet-action--favorite"><span class="ProfileTweet-actionCount" data-tweet-stat-count="0"></span></span>
</div>
<div class="js-stream-tweet withheld-tweet" data-tweet-id="1002"></div>
<div class="js-stream-tweet" data-tweet-id="1003">
  <a class="js-user-profile-link" data-user-id="43"></a>
  <small class="time"><span class="js-short-timestamp" data-time="1488320000"></span></small>
  <p class="js-tweet-text">quiet   one</p>
  <span class="ProfileTweet-action--retweet"><span class="ProfileTweet-actionCount" data-tweet-stat-count="0"></span></span>
  <span class="ProfileTweet-action--favorite"><span class="ProfileTweet-actionCount" data-tweet-stat-count="0"></span></span>
</div>`

func TestExtractParsesTweets(t *testing.T) {
	t.Parallel()

	ex := Extract(harvest.Page{Body: []byte(tweetHTML)})
	require.Equal(t, harvest.ExtractOK, ex.Kind)
	require.Len(t, ex.Records, 2)

	first := ex.Records[0]
	require.Equal(t, "1001", first.Key)
	require.Equal(t, time.Unix(1488326400, 0).UTC(), first.Timestamp)
	require.Equal(t, "Buying $IBM now #stocks thanks @7 [link]", first.Text)
	require.Equal(t, Tweet{ID: "1001", UserID: 42, Text: first.Text, Retweets: 1204}, first.Payload)
	require.True(t, Accept(first))

	second := ex.Records[1]
	require.Equal(t, "quiet one", second.Text)
	require.False(t, Accept(second))
}

func TestExtractMalformedAndEmpty(t *testing.T) {
	t.Parallel()

	ex := Extract(harvest.Page{Body: []byte(`<div class="js-stream-tweet" data-tweet-id="1"><p class="js-tweet-text">x</p></div>`)})
	require.Equal(t, harvest.ExtractMalformed, ex.Kind)
	require.Error(t, ex.Err)

	ex = Extract(harvest.Page{Body: []byte(`<div class="other"></div>`)})
	require.Equal(t, harvest.ExtractEmpty, ex.Kind)
}

func TestAcceptRejectsForeignPayload(t *testing.T) {
	t.Parallel()

	require.False(t, Accept(harvest.Record{Payload: "nope"}))
	require.True(t, Accept(harvest.Record{Payload: Tweet{Favorites: 1}}))
}

func TestSearchQuery(t *testing.T) {
	t.Parallel()

	until := time.Date(2017, 2, 28, 23, 0, 0, 0, time.UTC)
	require.Equal(t, "$IBM lang:en until:2017-03-01", SearchQuery("$IBM", until))
}

type recordingGetter struct {
	requests []fetcher.Request
	status   int
	body     any
}

func (g *recordingGetter) Get(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
	g.requests = append(g.requests, req)
	raw, ok := g.body.(string)
	if !ok {
		b, err := json.Marshal(g.body)
		if err != nil {
			return fetcher.Response{}, err
		}
		raw = string(b)
	}
	status := g.status
	if status == 0 {
		status = http.StatusOK
	}
	return fetcher.Response{StatusCode: status, Body: []byte(raw)}, nil
}

func newSource(t *testing.T, g fetcher.Getter) *Source {
	t.Helper()
	s, err := New(Config{Queries: []Query{{Ticker: "IBM"}, {Ticker: "WMT", Query: "walmart"}}}, g, nil)
	require.NoError(t, err)
	return s
}

func TestFetchBuildsRequest(t *testing.T) {
	t.Parallel()

	g := &recordingGetter{body: map[string]string{
		"items_html":   "  <div></div> ",
		"min_position": "TWEET-1000-2000-BD1UO2FFu9QAAAAAAAAETAAAAA",
	}}
	s := newSource(t, g)
	until := time.Date(2017, 3, 1, 0, 0, 0, 0, time.UTC)

	res := s.Fetch(context.Background(), harvest.FetchRequest{
		Target:   harvest.Target{Source: Name, Key: "WMT"},
		Cursor:   "TWEET-prev",
		Until:    until,
		Identity: "agent-x",
	})
	require.Equal(t, harvest.FetchOK, res.Kind)
	require.Equal(t, "<div></div>", string(res.Page.Body))
	require.Equal(t, "TWEET-1000-2000-BD1UO2FFu9QAAAAAAAAETAAAAA", res.Page.Next)

	require.Len(t, g.requests, 1)
	req := g.requests[0]
	require.Equal(t, "agent-x", req.UserAgent)
	require.Equal(t, "XMLHttpRequest", http.Header(req.Headers).Get("X-Requested-With"))
	u, err := url.Parse(req.URL)
	require.NoError(t, err)
	require.Equal(t, "walmart lang:en until:2017-03-02", u.Query().Get("q"))
	require.Equal(t, "TWEET-prev", u.Query().Get("max_position"))
	require.Equal(t, "realtime", u.Query().Get("f"))
}

func TestFetchClassifiesResponses(t *testing.T) {
	t.Parallel()

	ibm := harvest.FetchRequest{Target: harvest.Target{Source: Name, Key: "IBM"}, Until: time.Now()}
	tests := []struct {
		name   string
		getter *recordingGetter
		want   harvest.FetchKind
	}{
		{
			name:   "blank html",
			getter: &recordingGetter{body: map[string]string{"items_html": "  ", "min_position": "TWEET-1000-2000-xxxxxxxx"}},
			want:   harvest.FetchEmpty,
		},
		{
			name:   "short position",
			getter: &recordingGetter{body: map[string]string{"items_html": "<div></div>", "min_position": "TWEET-1-2"}},
			want:   harvest.FetchEmpty,
		},
		{
			name:   "missing keys",
			getter: &recordingGetter{body: map[string]string{"message": "rate limited"}},
			want:   harvest.FetchEmpty,
		},
		{
			name:   "not json",
			getter: &recordingGetter{body: "<html>captcha</html>"},
			want:   harvest.FetchTransportError,
		},
		{
			name:   "server error",
			getter: &recordingGetter{status: http.StatusServiceUnavailable, body: "{}"},
			want:   harvest.FetchTransportError,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := newSource(t, tc.getter).Fetch(context.Background(), ibm)
			require.Equal(t, tc.want, res.Kind)
		})
	}
}

func TestFetchKeepsUndecodableBody(t *testing.T) {
	t.Parallel()

	res := newSource(t, &recordingGetter{body: "<html>captcha</html>"}).Fetch(context.Background(), ibm)
	require.Equal(t, harvest.FetchTransportError, res.Kind)
	require.Equal(t, "<html>captcha</html>", string(res.Page.Body))
	require.ErrorContains(t, res.Reason, "decode timeline response")
}

func TestFetchUnknownTarget(t *testing.T) {
	t.Parallel()

	res := newSource(t, &recordingGetter{}).Fetch(context.Background(), harvest.FetchRequest{
		Target: harvest.Target{Source: Name, Key: "YHOO"},
	})
	require.Equal(t, harvest.FetchTransportError, res.Kind)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, &recordingGetter{}, nil)
	require.Error(t, err)
	_, err = New(Config{Queries: []Query{{Ticker: "IBM"}, {Ticker: "IBM"}}}, &recordingGetter{}, nil)
	require.Error(t, err)
	_, err = New(Config{Queries: []Query{{Query: "x"}}}, &recordingGetter{}, nil)
	require.Error(t, err)

	s := newSource(t, &recordingGetter{})
	require.Equal(t, []harvest.Target{{Source: Name, Key: "IBM"}, {Source: Name, Key: "WMT"}}, s.Targets())
	require.Equal(t, Name, s.Source(harvest.Target{Source: Name, Key: "IBM"}).Name)
}
