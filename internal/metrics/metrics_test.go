package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveStepAddsPerStage(t *testing.T) {
	before := testutil.ToFloat64(harvestRecordsTotal.WithLabelValues("unit-step", "accepted"))

	ObserveStep("unit-step", 10, 4, 3)

	require.InDelta(t, before+4, testutil.ToFloat64(harvestRecordsTotal.WithLabelValues("unit-step", "accepted")), 1e-9)
	require.InDelta(t, 10, testutil.ToFloat64(harvestRecordsTotal.WithLabelValues("unit-step", "extracted")), 1e-9)
	require.InDelta(t, 3, testutil.ToFloat64(harvestRecordsTotal.WithLabelValues("unit-step", "inserted")), 1e-9)
}

func TestObserveFetchAndFailures(t *testing.T) {
	ObserveFetch("unit-fetch", 20*time.Millisecond)
	ObserveFetch("unit-fetch", 30*time.Millisecond)
	ObserveFailedAttempt("unit-fetch", "empty")
	ObserveJump("unit-fetch")

	require.InDelta(t, 2, testutil.ToFloat64(harvestRequestsTotal.WithLabelValues("unit-fetch")), 1e-9)
	require.InDelta(t, 1, testutil.ToFloat64(harvestFailuresTotal.WithLabelValues("unit-fetch", "empty")), 1e-9)
	require.InDelta(t, 1, testutil.ToFloat64(harvestJumpsTotal.WithLabelValues("unit-fetch")), 1e-9)
}

func TestSetThroughputOverwrites(t *testing.T) {
	SetThroughput("unit/target", 100, 40)
	SetThroughput("unit/target", 50, 20)

	require.InDelta(t, 50, testutil.ToFloat64(harvestThroughput.WithLabelValues("unit/target", "extracted")), 1e-9)
	require.InDelta(t, 20, testutil.ToFloat64(harvestThroughput.WithLabelValues("unit/target", "accepted")), 1e-9)
}

func TestObserveEnrichChunkSkipsZeroCounts(t *testing.T) {
	ObserveEnrichChunk("unit-kind", "ok", 5, 0)

	require.InDelta(t, 1, testutil.ToFloat64(enrichChunksTotal.WithLabelValues("unit-kind", "ok")), 1e-9)
	require.InDelta(t, 5, testutil.ToFloat64(enrichItemsTotal.WithLabelValues("unit-kind", "written")), 1e-9)
	require.InDelta(t, 0, testutil.ToFloat64(enrichItemsTotal.WithLabelValues("unit-kind", "skipped")), 1e-9)
}

func TestHandlerServesCollectors(t *testing.T) {
	ObserveStepOutcome("unit-handler", "committed")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), `harvest_steps_total{outcome="committed",source="unit-handler"} 1`))
}
