package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/traumfunke/storyflow/internal/models"
	"github.com/traumfunke/storyflow/internal/store"
	"github.com/traumfunke/storyflow/internal/wizard"
)

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", &wizard.ValidationError{Kind: wizard.MissingCategory}, http.StatusUnprocessableEntity, string(wizard.MissingCategory)},
		{"insufficient", &wizard.InsufficientCreditsError{Required: 2}, http.StatusPaymentRequired, CodeInsufficientCredits},
		{"debit", &wizard.DebitFailedError{Amount: 1}, http.StatusConflict, CodeDebitFailed},
		{"submission", &wizard.SubmissionError{Debited: 1, Cause: errors.New("down")}, http.StatusBadGateway, CodeSubmissionFailed},
		{"episode conflict", &wizard.SubmissionError{Cause: store.ErrEpisodeConflict}, http.StatusConflict, CodeEpisodeConflict},
		{"not at final step", wizard.ErrNotAtFinalStep, http.StatusConflict, CodeNotAtFinalStep},
		{"episode not latest", store.ErrEpisodeConflict, http.StatusConflict, CodeEpisodeConflict},
		{"in progress", wizard.ErrFinalizeInProgress, http.StatusConflict, CodeInProgress},
		{"no session", wizard.ErrNoSession, http.StatusNotFound, CodeNoSession},
		{"wrapped not found", fmt.Errorf("child x: %w", store.ErrNotFound), http.StatusNotFound, CodeNotFound},
		{"finalized", store.ErrRequestFinalized, http.StatusConflict, CodeRequestFinalized},
		{"input", models.ErrLocationTooLong, http.StatusUnprocessableEntity, CodeInvalidInput},
		{"foreign archetype", fmt.Errorf("%w: char-fox", errUnknownCategoryCharacter), http.StatusUnprocessableEntity, CodeInvalidInput},
		{"unknown", errors.New("disk full"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := errorResponse(tt.err)
			if status != tt.wantStatus || resp.Code != tt.wantCode {
				t.Errorf("errorResponse(%v) = %d %q, want %d %q", tt.err, status, resp.Code, tt.wantStatus, tt.wantCode)
			}
			if resp.Status != string(models.APIStatusError) {
				t.Errorf("status field = %q", resp.Status)
			}
		})
	}
}
