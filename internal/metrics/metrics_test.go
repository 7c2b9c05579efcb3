package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gustycube/cyberstreams/internal/health"
	"github.com/gustycube/cyberstreams/internal/logging"
)

func TestHandler_ExposesMetricsAndProbes(t *testing.T) {
	DocumentsTotal.Add(3)
	h := Handler(health.NewHandler(logging.Nop(), "test"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cyberstreams_documents_ingested_total") {
		t.Error("expected documents counter in metrics output")
	}

	for _, path := range []string{"/health", "/live"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200 from %s, got %d", path, rec.Code)
		}
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected /ready to be 503 before SetReady, got %d", rec.Code)
	}
}
