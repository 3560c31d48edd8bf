package archive

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/market-harvester/internal/fetcher"
	"github.com/JakeFAU/market-harvester/internal/harvest"
	"github.com/JakeFAU/market-harvester/internal/storage"
	"github.com/JakeFAU/market-harvester/internal/storage/memory"
)

const monthJSON = `{"response": {"docs": [
  {
    "_id": "nyt://article/1", "web_url": "https://www.nytimes.com/2017/03/ibm.html",
    "pub_date": "2017-03-02T05:00:00+0000",
    "headline": {"main": "IBM Bets on Watson"}, "seo_headline": "IBM Watson",
    "news_desk": "Business", "word_count": "812", "section_name": "Technology",
    "type_of_material": "News", "lead_paragraph": "The company said on Wednesday.",
    "keywords": [{"name": "organizations", "value": "International Business Machines Corporation"}],
    "multimedia": [{}, {}]
  },
  {
    "_id": "", "web_url": "https://www.nytimes.com/2017/03/walmart.html",
    "pub_date": "2017-03-01T12:00:00Z",
    "headline": {"main": "Walmart Expands"}, "word_count": 300,
    "keywords": [{"value": "Wal-Mart Stores Inc"}], "multimedia": []
  }
]}}`

func testConfig() Config {
	return Config{
		BaseURL:    "https://archive.test/svc",
		APIKey:     "k",
		StartMonth: "2017-02",
		Companies: []Company{
			{Name: "International Business Machines", Ticker: "IBM"},
			{Name: "Wal-Mart", Ticker: "WMT"},
			{Name: "Walmart", Ticker: "WMT"},
		},
	}
}

func countingGetter(calls *atomic.Int32, body string) fetcher.Getter {
	return fetcher.GetterFunc(func(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
		calls.Add(1)
		return fetcher.Response{URL: req.URL, StatusCode: http.StatusOK, Body: []byte(body)}, nil
	})
}

func TestTargetsFollowCompanyOrder(t *testing.T) {
	t.Parallel()

	s, err := New(testConfig(), fetcher.GetterFunc(nil), nil, nil)
	require.NoError(t, err)
	require.Equal(t, []harvest.Target{{Source: Name, Key: "IBM"}, {Source: Name, Key: "WMT"}}, s.Targets())
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	_, err := New(cfg, nil, nil, nil)
	require.Error(t, err)

	cfg.StartMonth = "March"
	_, err = New(cfg, fetcher.GetterFunc(nil), nil, nil)
	require.Error(t, err)

	cfg = testConfig()
	cfg.Companies = append(cfg.Companies, Company{Name: "", Ticker: "X"})
	_, err = New(cfg, fetcher.GetterFunc(nil), nil, nil)
	require.Error(t, err)
}

func TestFetchWalksBackwardAndCaches(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var urls []string
	getter := fetcher.GetterFunc(func(_ context.Context, req fetcher.Request) (fetcher.Response, error) {
		calls.Add(1)
		urls = append(urls, req.URL)
		return fetcher.Response{StatusCode: http.StatusOK, Body: []byte(monthJSON)}, nil
	})
	blobs := memory.NewBlobStore()
	s, err := New(testConfig(), getter, blobs, nil)
	require.NoError(t, err)

	ctx := context.Background()
	until := time.Date(2017, 3, 15, 10, 0, 0, 0, time.UTC)
	req := harvest.FetchRequest{Target: harvest.Target{Source: Name, Key: "IBM"}, Until: until}

	res := s.Fetch(ctx, req)
	require.Equal(t, harvest.FetchOK, res.Kind)
	require.Equal(t, "2017-02", res.Page.Next)
	require.Equal(t, []string{"https://archive.test/svc/2017/3.json?api-key=k"}, urls)
	require.Equal(t, []string{"archive/2017-03.json"}, blobs.Paths())

	// Second ticker reuses the in-process copy.
	req.Target.Key = "WMT"
	res = s.Fetch(ctx, req)
	require.Equal(t, harvest.FetchOK, res.Kind)
	require.EqualValues(t, 1, calls.Load())

	req.Cursor = res.Page.Next
	res = s.Fetch(ctx, req)
	require.Equal(t, harvest.FetchOK, res.Kind)
	require.Equal(t, harvest.EndCursor, res.Page.Next)

	req.Cursor = "2017-01"
	require.Equal(t, harvest.FetchEnd, s.Fetch(ctx, req).Kind)
}

func TestFetchReadsBlobCache(t *testing.T) {
	t.Parallel()

	blobs := &storage.MockBlobStore{}
	blobs.On("GetObject", mock.Anything, "months/2017-03.json").Return([]byte(monthJSON), nil).Once()

	var calls atomic.Int32
	cfg := testConfig()
	cfg.CachePrefix = "months"
	s, err := New(cfg, countingGetter(&calls, "{}"), blobs, nil)
	require.NoError(t, err)

	res := s.Fetch(context.Background(), harvest.FetchRequest{
		Target: harvest.Target{Source: Name, Key: "IBM"},
		Cursor: "2017-03",
	})
	require.Equal(t, harvest.FetchOK, res.Kind)
	require.Zero(t, calls.Load())
	blobs.AssertExpectations(t)
}

func TestFetchToleratesCacheWriteFailure(t *testing.T) {
	t.Parallel()

	blobs := &storage.MockBlobStore{}
	blobs.On("GetObject", mock.Anything, mock.Anything).Return(nil, storage.ErrObjectNotFound)
	blobs.On("PutObject", mock.Anything, "archive/2017-03.json", "application/json", monthJSON).
		Return("", errors.New("bucket gone"))

	var calls atomic.Int32
	s, err := New(testConfig(), countingGetter(&calls, monthJSON), blobs, nil)
	require.NoError(t, err)

	res := s.Fetch(context.Background(), harvest.FetchRequest{
		Target: harvest.Target{Source: Name, Key: "IBM"},
		Cursor: "2017-03",
	})
	require.Equal(t, harvest.FetchOK, res.Kind)
	blobs.AssertExpectations(t)
}

func TestFetchFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		getter fetcher.Getter
		target string
		want   harvest.FetchKind
	}{
		{
			name:   "no docs",
			getter: countingGetter(new(atomic.Int32), `{"response": {"meta": {}}}`),
			target: "IBM",
			want:   harvest.FetchEmpty,
		},
		{
			name:   "not json",
			getter: countingGetter(new(atomic.Int32), `<html>`),
			target: "IBM",
			want:   harvest.FetchTransportError,
		},
		{
			name: "status",
			getter: fetcher.GetterFunc(func(context.Context, fetcher.Request) (fetcher.Response, error) {
				return fetcher.Response{StatusCode: http.StatusTooManyRequests}, nil
			}),
			target: "IBM",
			want:   harvest.FetchTransportError,
		},
		{
			name:   "unknown ticker",
			getter: countingGetter(new(atomic.Int32), monthJSON),
			target: "AAPL",
			want:   harvest.FetchTransportError,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s, err := New(testConfig(), tc.getter, nil, nil)
			require.NoError(t, err)
			res := s.Fetch(context.Background(), harvest.FetchRequest{
				Target: harvest.Target{Source: Name, Key: tc.target},
				Cursor: "2017-03",
			})
			require.Equal(t, tc.want, res.Kind)
		})
	}
}

func TestFetchKeepsUndecodableMonth(t *testing.T) {
	t.Parallel()

	s, err := New(testConfig(), countingGetter(new(atomic.Int32), `<html>`), nil, nil)
	require.NoError(t, err)
	res := s.Fetch(context.Background(), harvest.FetchRequest{
		Target: harvest.Target{Source: Name, Key: "IBM"},
		Cursor: "2017-03",
	})
	require.Equal(t, harvest.FetchTransportError, res.Kind)
	require.Equal(t, "<html>", string(res.Page.Body))
	require.ErrorContains(t, res.Reason, "decode archive 2017-03")
}

func TestExtractAndAccept(t *testing.T) {
	t.Parallel()

	ex := Extract(harvest.Page{Body: []byte(monthJSON)})
	require.Equal(t, harvest.ExtractOK, ex.Kind)
	require.Len(t, ex.Records, 2)

	first := ex.Records[0]
	require.Equal(t, "nyt://article/1", first.Key)
	require.Equal(t, time.Date(2017, 3, 2, 5, 0, 0, 0, time.UTC), first.Timestamp)
	article := first.Payload.(Article)
	require.Equal(t, "IBM Bets on Watson", article.Title)
	require.NotNil(t, article.WordCount)
	require.Equal(t, 812, *article.WordCount)
	require.True(t, article.HasMultimedia)

	second := ex.Records[1]
	require.Equal(t, "https://www.nytimes.com/2017/03/walmart.html", second.Key)
	require.False(t, second.Payload.(Article).HasMultimedia)

	s, err := New(testConfig(), fetcher.GetterFunc(nil), nil, nil)
	require.NoError(t, err)
	ibm := s.Source(harvest.Target{Source: Name, Key: "IBM"})
	wmt := s.Source(harvest.Target{Source: Name, Key: "WMT"})
	require.True(t, ibm.Accept(first))
	require.False(t, ibm.Accept(second))
	require.True(t, wmt.Accept(second))
	require.False(t, wmt.Accept(first))
}

func TestExtractMalformed(t *testing.T) {
	t.Parallel()

	require.Equal(t, harvest.ExtractMalformed, Extract(harvest.Page{Body: []byte(`[]`)}).Kind)
	require.Equal(t, harvest.ExtractMalformed, Extract(harvest.Page{Body: []byte(`{}`)}).Kind)
	require.Equal(t, harvest.ExtractEmpty, Extract(harvest.Page{Body: []byte(`{"response":{"docs":[]}}`)}).Kind)
}

func TestParsePubDate(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"2017-03-02T05:00:00Z", "2017-03-02T05:00:00+0000", "2017-03-02T00:00:00-0500", "2017-03-02T05:00:00+00:00"} {
		got, err := ParsePubDate(raw)
		require.NoError(t, err, raw)
		require.Equal(t, time.Date(2017, 3, 2, 5, 0, 0, 0, time.UTC), got, raw)
	}
	_, err := ParsePubDate("yesterday")
	require.Error(t, err)
}
