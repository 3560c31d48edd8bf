package sentiment140

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/market-harvester/internal/enrich"
	"github.com/JakeFAU/market-harvester/internal/harvest"
)

func tasks(keys ...string) []enrich.Task {
	out := make([]enrich.Task, len(keys))
	for i, k := range keys {
		out[i] = enrich.Task{
			ID:   enrich.RecordID{Target: harvest.Target{Source: "timeline", Key: "IBM"}, Key: k},
			Text: "text " + k,
		}
	}
	return out
}

func TestClassifySendsChunkAndMapsPolarity(t *testing.T) {
	t.Parallel()

	var got envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, bulkPath, r.URL.Path)
		assert.Equal(t, "app-1", r.URL.Query().Get("appid"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		polarities := []int{0, 2, 4}
		resp := envelope{}
		for i, d := range got.Data {
			p := polarities[i%3]
			resp.Data = append(resp.Data, item{Text: d.Text, OID: d.OID, Polarity: &p})
		}
		w.Header().Set("Content-Type", "application/json")
		assert.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, AppID: "app-1"}, nil)
	require.NoError(t, err)

	in := tasks("1", "2", "3")
	out, err := client.Classify(context.Background(), in)
	require.NoError(t, err)

	require.Len(t, got.Data, 3)
	require.Equal(t, "timeline/IBM#1", got.Data[0].OID)
	require.Equal(t, "text 1", got.Data[0].Text)
	require.Equal(t, []enrich.Classification{
		{Key: "timeline/IBM#1", Polarity: -1},
		{Key: "timeline/IBM#2", Polarity: 0},
		{Key: "timeline/IBM#3", Polarity: 1},
	}, out)
}

func TestClassifyDropsUnexpectedPolarity(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"oid":"a","polarity":3},{"oid":"b"},{"oid":"c","polarity":4}]}`))
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	out, err := client.Classify(context.Background(), tasks("a", "b", "c"))
	require.NoError(t, err)
	require.Equal(t, []enrich.Classification{{Key: "c", Polarity: 1}}, out)
}

func TestClassifyReturnsErrorOnStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = client.Classify(context.Background(), tasks("a"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
}
