package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/traumfunke/storyflow/internal/catalog"
	"github.com/traumfunke/storyflow/internal/credits"
	"github.com/traumfunke/storyflow/internal/generation"
	"github.com/traumfunke/storyflow/internal/metrics"
	"github.com/traumfunke/storyflow/internal/models"
	"github.com/traumfunke/storyflow/internal/store"
	"github.com/traumfunke/storyflow/internal/testutil"
	"github.com/traumfunke/storyflow/internal/wizard"
)

const testSecret = "s3cret"

type testEnv struct {
	st      *store.InMemoryStore
	handler http.Handler
}

// newTestEnv wires the server over an in-memory store. A non-nil sink replaces the
// store-backed generation sink.
func newTestEnv(t *testing.T, sink wizard.RequestSink) *testEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	cat := catalog.Default()
	if err := catalog.Seed(st, cat); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	if sink == nil {
		sink = generation.NewSink(st, st)
	}
	fin := wizard.NewFinalizer(credits.NewGateway(st), sink, wizard.WithCompensator(credits.NewCompensator(st)))
	manager := wizard.NewManager(wizard.NewMemorySessions(), fin, wizard.WithSeriesReader(st))
	srv := NewServer(st, manager,
		WithServerCatalog(cat),
		WithServerMetrics(metrics.New()),
		WithServerCallbackSecret(testSecret),
		WithServerGrants(st),
	)
	return &testEnv{st: st, handler: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := testutil.CreateHTTPRequest(t, method, path, body)
	if userID != "" {
		req.Header.Set(UserIDHeader, userID)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) internal(t *testing.T, path, secret string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := testutil.CreateHTTPRequest(t, http.MethodPost, path, body)
	if secret != "" {
		req.Header.Set(CallbackSecretHeader, secret)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) addChild(t *testing.T, userID, name string) string {
	t.Helper()
	c := models.Child{UserID: userID, Name: name, Age: 5}
	if err := e.st.SaveChild(&c); err != nil {
		t.Fatalf("save child: %v", err)
	}
	return c.ID
}

// toSummary picks the adventure category and advances the user's session to the
// final step.
func (e *testEnv) toSummary(t *testing.T, userID string) {
	t.Helper()
	rr := e.do(t, http.MethodPut, "/wizard/category", userID, map[string]string{"category_id": "cat-adventure"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "category")
	view := result(t, testutil.AssertJSONResponse(t, rr, "success"))
	for view["step"] != string(wizard.StepFinalizeAndSubmit) {
		rr = e.do(t, http.MethodPost, "/wizard/next", userID, nil)
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "next")
		view = result(t, testutil.AssertJSONResponse(t, rr, "success"))
	}
}

func result(t *testing.T, resp map[string]interface{}) map[string]interface{} {
	t.Helper()
	r, ok := resp["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("response has no object result: %v", resp)
	}
	return r
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, nil)
	rr := e.do(t, http.MethodGet, "/health", "", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "health")
}

func TestMissingUserID(t *testing.T) {
	e := newTestEnv(t, nil)
	rr := e.do(t, http.MethodPost, "/wizard", "", nil)
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "start without user")
	resp := testutil.AssertJSONResponse(t, rr, "error")
	if resp["code"] != CodeUnauthenticated {
		t.Errorf("code = %v", resp["code"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)
	e.do(t, http.MethodGet, "/catalog/morals", "", nil)
	rr := e.do(t, http.MethodGet, "/metrics", "", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
}
