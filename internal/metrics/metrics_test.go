package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/traumfunke/storyflow/internal/wizard"
)

func TestOutcomeHook(t *testing.T) {
	m := New()
	hook := m.OutcomeHook()
	hook(wizard.FlowStory, wizard.OutcomeSubmitted, 2)
	hook(wizard.FlowStory, wizard.OutcomeSubmitted, 0)
	hook(wizard.FlowEpisode, wizard.OutcomeSubmissionFailed, 1)
	hook(wizard.FlowStory, wizard.OutcomeInsufficientCredits, 0)

	if got := testutil.ToFloat64(m.finalizeOutcomes.WithLabelValues("story", "submitted")); got != 2 {
		t.Errorf("story/submitted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.finalizeOutcomes.WithLabelValues("story", "insufficient_credits")); got != 1 {
		t.Errorf("story/insufficient_credits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.creditsDebited.WithLabelValues("story")); got != 2 {
		t.Errorf("story credits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.creditsDebited.WithLabelValues("episode")); got != 1 {
		t.Errorf("episode credits = %v, want 1", got)
	}
}

func TestRecordNotices(t *testing.T) {
	m := New()
	m.RecordNotices(0)
	m.RecordNotices(3)
	if got := testutil.ToFloat64(m.noticesQueued); got != 3 {
		t.Errorf("notices = %v, want 3", got)
	}
}

func TestInstrumentHandlerUsesRoutePattern(t *testing.T) {
	m := New()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /series/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.Handle("GET /metrics", m.Handler())
	h := m.InstrumentHandler(mux)

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/series/"+id, nil))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/unknown/path", nil))

	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/series/{id}", "404")); got != 2 {
		t.Errorf("series requests = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/unknown", "404")); got != 1 {
		t.Errorf("unknown requests = %v, want 1", got)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "storyflow_http_requests_total") {
		t.Error("metrics output missing http counter")
	}
}
