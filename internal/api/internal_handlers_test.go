package api

import (
	"net/http"
	"testing"

	"github.com/traumfunke/storyflow/internal/models"
	"github.com/traumfunke/storyflow/internal/testutil"
)

func TestStatusCallback(t *testing.T) {
	e := newTestEnv(t, nil)
	res, err := e.st.CreateStoryRequest(models.StoryRequestPayload{UserID: "u1", ChildIDs: []string{"c1"}, Length: models.StoryLengthNormal})
	if err != nil {
		t.Fatal(err)
	}
	path := "/internal/requests/" + res.RequestID + "/status"
	finished := map[string]string{"status": "finished", "story_id": "story-1"}

	rr := e.internal(t, path, "", finished)
	testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "missing secret")
	rr = e.internal(t, path, "wrong", finished)
	testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "wrong secret")

	rr = e.internal(t, path, testSecret, map[string]string{"status": "done"})
	testutil.AssertHTTPStatus(t, http.StatusUnprocessableEntity, rr.Code, "invalid status")

	rr = e.internal(t, path, testSecret, map[string]string{"status": "generating_text"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "progress")
	rr = e.internal(t, path, testSecret, finished)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "finished")
	rr = e.internal(t, path, testSecret, finished)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "repeated finish")

	rr = e.internal(t, path, testSecret, map[string]string{"status": "queued"})
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "reopen finished request")

	req, _ := e.st.GetStoryRequest(res.RequestID)
	if req.Status != models.StoryStatusFinished || req.StoryID != "story-1" {
		t.Errorf("unexpected request: %+v", req)
	}

	rr = e.internal(t, "/internal/requests/missing/status", testSecret, finished)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown request")
}

func TestInternalRoutesDisabledWithoutSecret(t *testing.T) {
	st := newTestEnv(t, nil).st
	srv := NewServer(st, nil)
	e := &testEnv{st: st, handler: srv.Handler()}
	rr := e.internal(t, "/internal/credits", "", map[string]interface{}{"user_id": "u1", "credits": 5})
	testutil.AssertHTTPStatus(t, http.StatusForbidden, rr.Code, "no secret configured")
}

func TestCreditsWebhook(t *testing.T) {
	e := newTestEnv(t, nil)

	rr := e.internal(t, "/internal/credits", testSecret, map[string]interface{}{"user_id": "u1", "credits": 5})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "grant")
	bal := result(t, testutil.AssertJSONResponse(t, rr, "success"))
	if bal["credits"] != float64(5) {
		t.Errorf("credits = %v", bal["credits"])
	}

	rr = e.internal(t, "/internal/credits", testSecret, map[string]interface{}{"user_id": "u1", "unlimited": true})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "unlimited")
	if b, _ := e.st.GetBalance("u1"); !b.IsUnlimited || b.Credits != 5 {
		t.Errorf("unexpected balance: %+v", b)
	}

	for name, body := range map[string]map[string]interface{}{
		"no user":  {"credits": 5},
		"nothing":  {"user_id": "u1"},
		"negative": {"user_id": "u1", "credits": -2},
	} {
		rr = e.internal(t, "/internal/credits", testSecret, body)
		testutil.AssertHTTPStatus(t, http.StatusUnprocessableEntity, rr.Code, name)
	}
}

func TestCreditsWebhookRedelivery(t *testing.T) {
	e := newTestEnv(t, nil)
	body := map[string]interface{}{"transaction_id": "txn-42", "user_id": "u2", "credits": 3}

	rr := e.internal(t, "/internal/credits", testSecret, body)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "first delivery")

	rr = e.internal(t, "/internal/credits", testSecret, body)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "redelivery")
	resp := testutil.AssertJSONResponse(t, rr, "success")
	if resp["message"] != "Purchase already applied" {
		t.Errorf("message = %v", resp["message"])
	}
	if b, _ := e.st.GetBalance("u2"); b.Credits != 3 {
		t.Errorf("credits = %d, want 3 after redelivery", b.Credits)
	}
}
