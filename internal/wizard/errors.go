package wizard

import (
	"errors"
	"fmt"

	"github.com/traumfunke/storyflow/internal/models"
)

// ValidationKind names a rule that blocked a transition or a finalize.
type ValidationKind string

const (
	// MissingChildren is reported when no child is selected.
	MissingChildren ValidationKind = "MISSING_CHILDREN"
	// MissingCategory is reported when leaving the category step without a category.
	MissingCategory ValidationKind = "MISSING_CATEGORY"
	// InvalidEpisodeCount is reported for a fixed series outside the allowed bounds.
	InvalidEpisodeCount ValidationKind = "INVALID_EPISODE_COUNT"
	// SeriesComplete is reported when continuing a series that already ended.
	SeriesComplete ValidationKind = "SERIES_COMPLETE"
)

var (
	// ErrFinalizeInProgress is returned when a second finalize overlaps a running one.
	ErrFinalizeInProgress = errors.New("wizard: finalize already in progress")
	// ErrNoSession is returned when a user has no active wizard session.
	ErrNoSession = errors.New("wizard: no active session")
	// ErrNoNextStep is returned by Next on the final step.
	ErrNoNextStep = errors.New("wizard: already at the final step")
	// ErrNotAtFinalStep is returned when finalizing a session that has not reached
	// the summary step.
	ErrNotAtFinalStep = errors.New("wizard: session is not at the final step")
	// ErrNoPreviousStep is returned by Back on the first step.
	ErrNoPreviousStep = errors.New("wizard: already at the first step")
	// ErrSeriesNotFound is returned when a series does not exist or belongs to another user.
	ErrSeriesNotFound = errors.New("wizard: series not found")
)

// ValidationError blocks a transition or finalize. Session state is untouched.
type ValidationError struct {
	Kind    ValidationKind
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("wizard: validation failed: %s", e.Kind)
	}
	return fmt.Sprintf("wizard: validation failed: %s: %s", e.Kind, e.Message)
}

func newValidationError(kind ValidationKind, format string, args ...any) *ValidationError {
	return &ValidationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// InsufficientCreditsError means the balance does not cover the request cost.
// The caller should route the user to the purchase flow; the session is preserved.
type InsufficientCreditsError struct {
	Required int
	Balance  models.Balance
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("wizard: insufficient credits: need %d, have %d", e.Required, e.Balance.Credits)
}

// DebitFailedError means the debit was refused or could not be confirmed.
// Balance holds the re-fetched balance when it could be read.
type DebitFailedError struct {
	Amount  int
	Balance *models.Balance
	Cause   error
}

func (e *DebitFailedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("wizard: debit of %d credits failed: %v", e.Amount, e.Cause)
	}
	return fmt.Sprintf("wizard: debit of %d credits was refused", e.Amount)
}

func (e *DebitFailedError) Unwrap() error { return e.Cause }

// SubmissionError means the sink rejected the request after credits were debited.
// The session is preserved so the caller can offer a retry.
type SubmissionError struct {
	Debited     int
	RefundJobID string // set when a compensating refund was scheduled
	RefundErr   error  // set when scheduling the refund itself failed
	Cause       error
}

func (e *SubmissionError) Error() string {
	switch {
	case e.RefundJobID != "":
		return fmt.Sprintf("wizard: submission failed, refund of %d credits scheduled: %v", e.Debited, e.Cause)
	case e.RefundErr != nil:
		return fmt.Sprintf("wizard: submission failed and refund could not be scheduled (%v): %v", e.RefundErr, e.Cause)
	default:
		return fmt.Sprintf("wizard: submission failed after debiting %d credits: %v", e.Debited, e.Cause)
	}
}

func (e *SubmissionError) Unwrap() error { return e.Cause }

// RefundScheduled reports whether the debited credits will be returned.
func (e *SubmissionError) RefundScheduled() bool {
	return e.RefundJobID != ""
}
