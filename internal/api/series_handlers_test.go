package api

import (
	"net/http"
	"testing"

	"github.com/traumfunke/storyflow/internal/testutil"
	"github.com/traumfunke/storyflow/internal/wizard"
)

// startSeries submits a fixed two-episode series for userID and returns its id.
func startSeries(t *testing.T, e *testEnv, userID string) string {
	t.Helper()
	childID := e.addChild(t, userID, "Mia")
	if err := e.st.GrantCredits(userID, 5); err != nil {
		t.Fatal(err)
	}
	e.do(t, http.MethodPost, "/wizard", userID, nil)
	e.do(t, http.MethodPut, "/wizard/children", userID, map[string]interface{}{"child_ids": []string{childID}})
	rr := e.do(t, http.MethodPut, "/wizard/mode", userID, map[string]interface{}{
		"mode": "series",
		"series": map[string]interface{}{
			"episode_limit_mode":    "fixed",
			"planned_episode_count": 2,
			"title":                 "Forest friends",
		},
	})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "series mode")
	e.toSummary(t, userID)

	rr = e.do(t, http.MethodPost, "/wizard/finalize", userID, nil)
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "finalize series")
	res := result(t, testutil.AssertJSONResponse(t, rr, "success"))
	seriesID, _ := res["series_id"].(string)
	if seriesID == "" {
		t.Fatalf("no series id: %v", res)
	}
	return seriesID
}

func TestSeriesContinuation(t *testing.T) {
	e := newTestEnv(t, nil)
	seriesID := startSeries(t, e, "u1")

	rr := e.do(t, http.MethodGet, "/series", "u1", nil)
	resp := testutil.AssertJSONResponse(t, rr, "success")
	if list, _ := resp["result"].([]interface{}); len(list) != 1 {
		t.Fatalf("series list = %v", resp["result"])
	}

	rr = e.do(t, http.MethodGet, "/series/"+seriesID, "u1", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "series detail")
	detail := result(t, testutil.AssertJSONResponse(t, rr, "success"))
	next, _ := detail["next_episode"].(map[string]interface{})
	if next["next_episode_number"] != float64(2) || next["is_last_fixed_episode"] != true || next["can_toggle_final"] != false {
		t.Fatalf("unexpected preview: %v", next)
	}
	if eps, _ := detail["episodes"].([]interface{}); len(eps) != 1 {
		t.Fatalf("episodes = %v", detail["episodes"])
	}

	rr = e.do(t, http.MethodPost, "/series/"+seriesID+"/episodes", "u1", map[string]interface{}{"length": "short"})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "second episode")

	rr = e.do(t, http.MethodPost, "/series/"+seriesID+"/episodes", "u1", map[string]interface{}{"length": "short"})
	testutil.AssertHTTPStatus(t, http.StatusUnprocessableEntity, rr.Code, "episode after the last one")
	resp = testutil.AssertJSONResponse(t, rr, "error")
	if resp["code"] != string(wizard.SeriesComplete) {
		t.Errorf("code = %v", resp["code"])
	}

	rr = e.do(t, http.MethodGet, "/balance", "u1", nil)
	if bal := result(t, testutil.AssertJSONResponse(t, rr, "success")); bal["credits"] != float64(3) {
		t.Errorf("credits = %v, want 3", bal["credits"])
	}
}

func TestSeriesOfOtherUserIsHidden(t *testing.T) {
	e := newTestEnv(t, nil)
	seriesID := startSeries(t, e, "u1")

	rr := e.do(t, http.MethodGet, "/series/"+seriesID, "u2", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "foreign detail")
	rr = e.do(t, http.MethodPost, "/series/"+seriesID+"/episodes", "u2", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "foreign episode")
	rr = e.do(t, http.MethodDelete, "/series/"+seriesID, "u2", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "foreign delete")

	rr = e.do(t, http.MethodDelete, "/series/"+seriesID, "u1", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "delete")
	rr = e.do(t, http.MethodGet, "/series/"+seriesID, "u1", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "detail after delete")
}
