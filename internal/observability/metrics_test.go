package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPMetricsMiddleware_Basic(t *testing.T) {
	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	mw := HTTPMetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(204) }))
	mw.ServeHTTP(rec, r)
	if rec.Result().StatusCode != 204 {
		t.Fatalf("want 204")
	}
}

func TestMetricsHelpers(t *testing.T) {
	InitMetrics()
	RecordCircuitBreakerState("opus", 1)
	RecordCircuitBreakerTrip("opus")
	RecordSpend("sonnet", 12.5)
	RecordSpendAlert("soft")
	RecordProductivityAlert("low_success_rate")
	RecordSessionFinalized("opus", "completed")
	SetDBHealthDegraded(true)
	SetDBHealthDegraded(false)
	RecordCapacity("haiku", 4, 15)
	RecordDispatchTick(50*time.Millisecond, 3, map[string]int{"capacity_exhausted": 2})
}
