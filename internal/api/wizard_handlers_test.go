package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/traumfunke/storyflow/internal/models"
	"github.com/traumfunke/storyflow/internal/testutil"
	"github.com/traumfunke/storyflow/internal/wizard"
)

func TestWizardFlowSubmitsStory(t *testing.T) {
	e := newTestEnv(t, nil)
	childID := e.addChild(t, "u1", "Mia")
	if err := e.st.GrantCredits("u1", 3); err != nil {
		t.Fatal(err)
	}

	rr := e.do(t, http.MethodPost, "/wizard", "u1", nil)
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "start")
	view := result(t, testutil.AssertJSONResponse(t, rr, "success"))
	if view["step"] != string(wizard.StepSelectChildren) || view["can_next"] != false {
		t.Fatalf("unexpected initial view: %v", view)
	}

	rr = e.do(t, http.MethodPut, "/wizard/children", "u1", map[string]interface{}{"child_ids": []string{childID}})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "children")
	rr = e.do(t, http.MethodPost, "/wizard/next", "u1", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "next to category")

	rr = e.do(t, http.MethodPut, "/wizard/category", "u1", map[string]string{"category_id": "cat-adventure"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "category")
	rr = e.do(t, http.MethodPost, "/wizard/next", "u1", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "next to characters")
	view = result(t, testutil.AssertJSONResponse(t, rr, "success"))
	if view["step"] != string(wizard.StepSelectCharacters) {
		t.Fatalf("step = %v", view["step"])
	}

	rr = e.do(t, http.MethodPut, "/wizard/location", "u1", map[string]string{"location": "  forest "})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "location")
	rr = e.do(t, http.MethodPut, "/wizard/options", "u1", map[string]interface{}{"length": "long"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "options")
	view = result(t, testutil.AssertJSONResponse(t, rr, "success"))
	if view["location"] != "forest" || view["length"] != "long" || view["cost"] != float64(1) {
		t.Fatalf("unexpected view: %v", view)
	}

	e.toSummary(t, "u1")
	rr = e.do(t, http.MethodPost, "/wizard/finalize", "u1", nil)
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "finalize")
	res := result(t, testutil.AssertJSONResponse(t, rr, "success"))
	requestID, _ := res["request_id"].(string)
	if requestID == "" {
		t.Fatalf("no request id: %v", res)
	}

	rr = e.do(t, http.MethodGet, "/balance", "u1", nil)
	bal := result(t, testutil.AssertJSONResponse(t, rr, "success"))
	if bal["credits"] != float64(2) {
		t.Errorf("credits = %v, want 2", bal["credits"])
	}

	rr = e.do(t, http.MethodGet, "/requests/"+requestID, "u1", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get request")
	req := result(t, testutil.AssertJSONResponse(t, rr, "success"))
	if req["status"] != string(models.StoryStatusQueued) || req["location"] != "forest" {
		t.Errorf("unexpected request: %v", req)
	}

	rr = e.do(t, http.MethodGet, "/requests/"+requestID, "u2", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "foreign request")

	rr = e.do(t, http.MethodGet, "/wizard", "u1", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "session consumed")
}

func TestWizardValidationErrors(t *testing.T) {
	e := newTestEnv(t, nil)
	e.do(t, http.MethodPost, "/wizard", "u1", nil)

	rr := e.do(t, http.MethodPost, "/wizard/next", "u1", nil)
	testutil.AssertHTTPStatus(t, http.StatusUnprocessableEntity, rr.Code, "next without children")
	resp := testutil.AssertJSONResponse(t, rr, "error")
	if resp["code"] != string(wizard.MissingChildren) {
		t.Errorf("code = %v", resp["code"])
	}

	rr = e.do(t, http.MethodPost, "/wizard/back", "u1", nil)
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "back on first step")

	rr = e.do(t, http.MethodPut, "/wizard/mode", "u1", map[string]string{"mode": "trilogy"})
	testutil.AssertHTTPStatus(t, http.StatusUnprocessableEntity, rr.Code, "invalid mode")

	rr = e.do(t, http.MethodPut, "/wizard/options", "u1", map[string]string{"length": "epic"})
	testutil.AssertHTTPStatus(t, http.StatusUnprocessableEntity, rr.Code, "invalid length")

	rr = e.do(t, http.MethodPut, "/wizard/location", "u1", map[string]string{"where": "x"})
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "unknown field")

	rr = e.do(t, http.MethodPost, "/wizard/finalize", "u1", nil)
	testutil.AssertHTTPStatus(t, http.StatusUnprocessableEntity, rr.Code, "finalize without children")
}

func TestSetChildrenRejectsForeignChild(t *testing.T) {
	e := newTestEnv(t, nil)
	foreign := e.addChild(t, "u2", "Ben")
	e.do(t, http.MethodPost, "/wizard", "u1", nil)

	rr := e.do(t, http.MethodPut, "/wizard/children", "u1", map[string]interface{}{"child_ids": []string{foreign}})
	testutil.AssertHTTPStatus(t, http.StatusUnprocessableEntity, rr.Code, "foreign child")

	rr = e.do(t, http.MethodGet, "/wizard", "u1", nil)
	view := result(t, testutil.AssertJSONResponse(t, rr, "success"))
	if ids, _ := view["child_ids"].([]interface{}); len(ids) != 0 {
		t.Errorf("children changed: %v", ids)
	}
}

func TestWizardWithoutSession(t *testing.T) {
	e := newTestEnv(t, nil)
	rr := e.do(t, http.MethodPut, "/wizard/moral", "u1", map[string]string{"moral_id": "moral-sharing"})
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "update without session")
	resp := testutil.AssertJSONResponse(t, rr, "error")
	if resp["code"] != CodeNoSession {
		t.Errorf("code = %v", resp["code"])
	}
}

func TestCancelWizard(t *testing.T) {
	e := newTestEnv(t, nil)
	e.do(t, http.MethodPost, "/wizard", "u1", nil)
	rr := e.do(t, http.MethodDelete, "/wizard", "u1", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "cancel")
	rr = e.do(t, http.MethodGet, "/wizard", "u1", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "get after cancel")
}

func TestFinalizeInsufficientCredits(t *testing.T) {
	e := newTestEnv(t, nil)
	childID := e.addChild(t, "u1", "Mia")
	e.do(t, http.MethodPost, "/wizard", "u1", nil)
	e.do(t, http.MethodPut, "/wizard/children", "u1", map[string]interface{}{"child_ids": []string{childID}})
	e.do(t, http.MethodPut, "/wizard/options", "u1", map[string]interface{}{"generate_images": true})
	e.toSummary(t, "u1")

	rr := e.do(t, http.MethodPost, "/wizard/finalize", "u1", nil)
	testutil.AssertHTTPStatus(t, http.StatusPaymentRequired, rr.Code, "finalize without credits")
	resp := testutil.AssertJSONResponse(t, rr, "error")
	if resp["code"] != CodeInsufficientCredits {
		t.Errorf("code = %v", resp["code"])
	}
	if res := result(t, resp); res["required"] != float64(2) {
		t.Errorf("required = %v", res["required"])
	}

	rr = e.do(t, http.MethodGet, "/wizard", "u1", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "session kept")
}

func TestFinalizeSubmissionFailureSchedulesRefund(t *testing.T) {
	sink := testutil.NewFakeSink("", nil)
	sink.Err = testutil.ErrSinkDown
	e := newTestEnv(t, sink)
	childID := e.addChild(t, "u1", "Mia")
	if err := e.st.GrantCredits("u1", 1); err != nil {
		t.Fatal(err)
	}
	e.do(t, http.MethodPost, "/wizard", "u1", nil)
	e.do(t, http.MethodPut, "/wizard/children", "u1", map[string]interface{}{"child_ids": []string{childID}})
	e.toSummary(t, "u1")

	rr := e.do(t, http.MethodPost, "/wizard/finalize", "u1", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadGateway, rr.Code, "submission failure")
	res := result(t, testutil.AssertJSONResponse(t, rr, "error"))
	if res["debited"] != float64(1) || res["refund_scheduled"] != true {
		t.Fatalf("unexpected result: %v", res)
	}
	jobID, _ := res["refund_job_id"].(string)
	job, err := e.st.GetJob(jobID)
	if err != nil || job == nil {
		t.Fatalf("refund job %q not stored: %v", jobID, err)
	}

	rr = e.do(t, http.MethodGet, "/wizard", "u1", nil)
	view := result(t, testutil.AssertJSONResponse(t, rr, "success"))
	if ids, _ := view["child_ids"].([]interface{}); len(ids) != 1 {
		t.Errorf("selections lost: %v", view)
	}
}

func TestFinalizeBeforeSummaryStep(t *testing.T) {
	e := newTestEnv(t, nil)
	childID := e.addChild(t, "u1", "Mia")
	if err := e.st.GrantCredits("u1", 3); err != nil {
		t.Fatal(err)
	}
	e.do(t, http.MethodPost, "/wizard", "u1", nil)
	e.do(t, http.MethodPut, "/wizard/children", "u1", map[string]interface{}{"child_ids": []string{childID}})

	rr := e.do(t, http.MethodPost, "/wizard/finalize", "u1", nil)
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "finalize on first step")
	resp := testutil.AssertJSONResponse(t, rr, "error")
	if resp["code"] != CodeNotAtFinalStep {
		t.Errorf("code = %v", resp["code"])
	}

	rr = e.do(t, http.MethodGet, "/balance", "u1", nil)
	if bal := result(t, testutil.AssertJSONResponse(t, rr, "success")); bal["credits"] != float64(3) {
		t.Errorf("credits = %v, want 3", bal["credits"])
	}
	if reqs, err := e.st.ListPendingRequests("u1", time.Time{}); err != nil || len(reqs) != 0 {
		t.Errorf("pending requests = %v, %v", reqs, err)
	}
}

func TestSetCharactersRejectsForeignSideCharacter(t *testing.T) {
	e := newTestEnv(t, nil)
	own := e.addChild(t, "u1", "Mia")
	other := e.addChild(t, "u2", "Ben")
	mine := models.SideCharacter{ChildID: own, Name: "Grandma", CharType: "family"}
	theirs := models.SideCharacter{ChildID: other, Name: "Uncle", CharType: "family"}
	for _, c := range []*models.SideCharacter{&mine, &theirs} {
		if err := e.st.SaveSideCharacter(c); err != nil {
			t.Fatal(err)
		}
	}
	e.do(t, http.MethodPost, "/wizard", "u1", nil)

	rr := e.do(t, http.MethodPut, "/wizard/characters", "u1", map[string]interface{}{"side_character_ids": []string{mine.ID, theirs.ID}})
	testutil.AssertHTTPStatus(t, http.StatusUnprocessableEntity, rr.Code, "foreign side character")

	rr = e.do(t, http.MethodPut, "/wizard/characters", "u1", map[string]interface{}{"side_character_ids": []string{mine.ID}})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "own side character")
	view := result(t, testutil.AssertJSONResponse(t, rr, "success"))
	if ids, _ := view["side_character_ids"].([]interface{}); len(ids) != 1 || ids[0] != mine.ID {
		t.Errorf("side characters = %v", view["side_character_ids"])
	}
}

func TestSetCharactersRejectsForeignArchetype(t *testing.T) {
	e := newTestEnv(t, nil)
	e.do(t, http.MethodPost, "/wizard", "u1", nil)

	rr := e.do(t, http.MethodPut, "/wizard/characters", "u1", map[string]interface{}{"category_character_ids": []string{"char-pirate"}})
	testutil.AssertHTTPStatus(t, http.StatusUnprocessableEntity, rr.Code, "archetype without category")

	e.do(t, http.MethodPut, "/wizard/category", "u1", map[string]string{"category_id": "cat-adventure"})
	rr = e.do(t, http.MethodPut, "/wizard/characters", "u1", map[string]interface{}{"category_character_ids": []string{"char-pirate", "char-fox"}})
	testutil.AssertHTTPStatus(t, http.StatusUnprocessableEntity, rr.Code, "archetype of another category")

	rr = e.do(t, http.MethodPut, "/wizard/characters", "u1", map[string]interface{}{"category_character_ids": []string{"char-pirate", "char-explorer"}})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "archetypes of the category")
	view := result(t, testutil.AssertJSONResponse(t, rr, "success"))
	if ids, _ := view["category_character_ids"].([]interface{}); len(ids) != 2 {
		t.Errorf("archetypes = %v", view["category_character_ids"])
	}
}
