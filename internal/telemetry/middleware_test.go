package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsMiddlewareLabelsByRoute(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)
	r.Get("/metrics-test/segments/{segmentID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/metrics-test/ok", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics-test/segments/"+id, nil))
	}
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/metrics-test/ok", nil))

	assert.Equal(t, 3.0, testutil.ToFloat64(APIRequestsTotal.WithLabelValues(http.MethodGet, "/metrics-test/segments/{segmentID}", "204")))
	assert.Equal(t, 1.0, testutil.ToFloat64(APIRequestsTotal.WithLabelValues(http.MethodGet, "/metrics-test/ok", "200")))
	assert.Equal(t, 0.0, testutil.ToFloat64(APIActiveConnections))
}
