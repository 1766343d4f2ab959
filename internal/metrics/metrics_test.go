package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"textdetect-service/internal/metrics"
)

func TestNewServer_ServesPipelineCollectors(t *testing.T) {
	metrics.JobsSucceededTotal.Inc()
	metrics.InferenceTotal.WithLabelValues("fallback").Inc()
	metrics.DeliveriesRetriedTotal.Inc()

	srv := metrics.NewServer(":0")
	rr := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, name := range []string{
		"textdetect_jobs_succeeded_total",
		`textdetect_inference_total{mode="fallback"}`,
		"textdetect_deliveries_retried_total",
		"textdetect_active_workers",
	} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %s in exposition", name)
		}
	}

	rr = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rr.Code, rr.Body.String())
	}
}
