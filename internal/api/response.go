package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/traumfunke/storyflow/internal/models"
	"github.com/traumfunke/storyflow/internal/store"
	"github.com/traumfunke/storyflow/internal/wizard"
)

// Error codes returned in the response envelope.
const (
	CodeUnauthenticated     = "unauthenticated"
	CodeForbidden           = "forbidden"
	CodeInvalidJSON         = "invalid_json"
	CodeInvalidInput        = "invalid_input"
	CodeInsufficientCredits = "insufficient_credits"
	CodeDebitFailed         = "debit_failed"
	CodeSubmissionFailed    = "submission_failed"
	CodeEpisodeConflict     = "episode_conflict"
	CodeInProgress          = "in_progress"
	CodeNoSession           = "no_session"
	CodeNoNextStep          = "no_next_step"
	CodeNoPreviousStep      = "no_previous_step"
	CodeNotFound            = "not_found"
	CodeRequestFinalized    = "request_finalized"
	CodeNotAtFinalStep      = "not_at_final_step"
	CodeInternal            = "internal"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.ErrorWithCode(CodeInternal, "Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so an encoding failure can still change the status code.
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// inputErrors are caller mistakes in a request body.
var inputErrors = []error{
	models.ErrInvalidStoryMode,
	models.ErrInvalidEpisodeLimitMode,
	models.ErrInvalidStoryLength,
	models.ErrInvalidStoryStatus,
	models.ErrLocationTooLong,
	models.ErrSeriesTitleTooLong,
	models.ErrEmptyChildName,
	models.ErrInvalidChildAge,
	models.ErrEmptyCharacterName,
	models.ErrInvalidIntensity,
	models.ErrInvalidAccessibilityNeed,
	models.ErrEmptyInterest,
	models.ErrCancelledByBackend,
	errUnknownChild,
	errUnknownSideCharacter,
	errUnknownCategoryCharacter,
	errInvalidPhone,
	errInvalidGrant,
	errTooManyInterests,
	store.ErrInvalidGrant,
}

// errorResponse maps a domain error to an HTTP status and envelope.
func errorResponse(err error) (int, models.APIResponse) {
	var (
		validation   *wizard.ValidationError
		insufficient *wizard.InsufficientCreditsError
		debit        *wizard.DebitFailedError
		submission   *wizard.SubmissionError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity, models.ErrorWithCode(string(validation.Kind), validation.Error())
	case errors.As(err, &insufficient):
		resp := models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithCode(CodeInsufficientCredits).
			WithMessage("Not enough credits for this story").
			WithResult(map[string]interface{}{
				"required": insufficient.Required,
				"balance":  insufficient.Balance,
			}).
			Build()
		return http.StatusPaymentRequired, resp
	case errors.As(err, &debit):
		result := map[string]interface{}{"amount": debit.Amount}
		if debit.Balance != nil {
			result["balance"] = *debit.Balance
		}
		resp := models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithCode(CodeDebitFailed).
			WithMessage("Credits could not be debited").
			WithResult(result).
			Build()
		return http.StatusConflict, resp
	case errors.As(err, &submission):
		status, code := http.StatusBadGateway, CodeSubmissionFailed
		if errors.Is(err, store.ErrEpisodeConflict) || errors.Is(err, store.ErrSeriesFinished) {
			status, code = http.StatusConflict, CodeEpisodeConflict
		}
		resp := models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithCode(code).
			WithMessage("The story request could not be submitted").
			WithResult(map[string]interface{}{
				"debited":          submission.Debited,
				"refund_scheduled": submission.RefundScheduled(),
				"refund_job_id":    submission.RefundJobID,
			}).
			Build()
		return status, resp
	case errors.Is(err, wizard.ErrFinalizeInProgress):
		return http.StatusConflict, models.ErrorWithCode(CodeInProgress, "A submission for this session is already running")
	case errors.Is(err, wizard.ErrNoSession):
		return http.StatusNotFound, models.ErrorWithCode(CodeNoSession, "No active wizard session")
	case errors.Is(err, wizard.ErrNoNextStep):
		return http.StatusConflict, models.ErrorWithCode(CodeNoNextStep, "Already at the last step")
	case errors.Is(err, wizard.ErrNoPreviousStep):
		return http.StatusConflict, models.ErrorWithCode(CodeNoPreviousStep, "Already at the first step")
	case errors.Is(err, wizard.ErrNotAtFinalStep):
		return http.StatusConflict, models.ErrorWithCode(CodeNotAtFinalStep, "Finish the remaining wizard steps first")
	case errors.Is(err, store.ErrEpisodeConflict):
		return http.StatusConflict, models.ErrorWithCode(CodeEpisodeConflict, err.Error())
	case errors.Is(err, wizard.ErrSeriesNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, models.ErrorWithCode(CodeNotFound, "Not found")
	case errors.Is(err, store.ErrRequestFinalized):
		return http.StatusConflict, models.ErrorWithCode(CodeRequestFinalized, err.Error())
	case errors.Is(err, models.ErrMissingUserID):
		return http.StatusUnauthorized, models.ErrorWithCode(CodeUnauthenticated, err.Error())
	}
	for _, target := range inputErrors {
		if errors.Is(err, target) {
			return http.StatusUnprocessableEntity, models.ErrorWithCode(CodeInvalidInput, err.Error())
		}
	}
	return http.StatusInternalServerError, models.ErrorWithCode(CodeInternal, "Internal server error")
}

// writeError logs err at a level matching its status and writes the mapped envelope.
func writeError(w http.ResponseWriter, op string, err error) {
	status, resp := errorResponse(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Server."+op+": request failed", "status", status, "error", err)
	} else {
		slog.Warn("Server."+op+": request rejected", "status", status, "code", resp.Code, "error", err)
	}
	writeJSONResponse(w, status, resp)
}
