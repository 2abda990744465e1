package wizard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/traumfunke/storyflow/internal/models"
	"github.com/traumfunke/storyflow/internal/util"
)

// EntitlementGateway consults and spends a user's credits.
// Debit must be an atomic check-and-decrement on the backing store and report the
// credits it actually took.
type EntitlementGateway interface {
	GetBalance(ctx context.Context, userID string) (models.Balance, error)
	Debit(ctx context.Context, userID string, amount int) (models.DebitResult, error)
}

// RequestSink accepts finalized requests. Generation runs asynchronously after it returns.
type RequestSink interface {
	Submit(ctx context.Context, payload models.StoryRequestPayload) (models.SubmitResult, error)
	SubmitEpisode(ctx context.Context, seriesID string, payload models.EpisodePayload) (models.EpisodeSubmitResult, error)
}

// Compensator returns credits that were debited for a submission that never reached the sink.
// ScheduleRefund must be idempotent on idempotencyKey and returns the id of the refund job.
type Compensator interface {
	ScheduleRefund(ctx context.Context, userID string, amount int, idempotencyKey string, cause error) (string, error)
}

// Flow names which finalize path produced an outcome.
type Flow string

const (
	FlowStory   Flow = "story"
	FlowEpisode Flow = "episode"
)

// Outcome classifies the result of one finalize call.
type Outcome string

const (
	OutcomeSubmitted           Outcome = "submitted"
	OutcomeValidationFailed    Outcome = "validation_failed"
	OutcomeInsufficientCredits Outcome = "insufficient_credits"
	OutcomeDebitFailed         Outcome = "debit_failed"
	OutcomeSubmissionFailed    Outcome = "submission_failed"
	OutcomeInProgress          Outcome = "in_progress"
	OutcomeError               Outcome = "error"
)

// OutcomeHook observes every finalize call; debited is the number of credits actually spent.
type OutcomeHook func(flow Flow, outcome Outcome, debited int)

type finalizerOpts struct {
	compensator      Compensator
	newKey           func() string
	notifyOnComplete bool
	hook             OutcomeHook
}

// FinalizerOption configures a Finalizer.
type FinalizerOption func(*finalizerOpts)

// WithCompensator refunds debited credits when the sink rejects a request.
// Without it a failed submission leaves the debit in place.
func WithCompensator(c Compensator) FinalizerOption {
	return func(o *finalizerOpts) {
		o.compensator = c
	}
}

// WithIdempotencyKeys overrides how submission idempotency keys are generated.
func WithIdempotencyKeys(fn func() string) FinalizerOption {
	return func(o *finalizerOpts) {
		o.newKey = fn
	}
}

// WithNotifyOnComplete asks the backend to notify the parent when generation ends.
func WithNotifyOnComplete(enabled bool) FinalizerOption {
	return func(o *finalizerOpts) {
		o.notifyOnComplete = enabled
	}
}

// WithOutcomeHook registers an observer for finalize outcomes.
func WithOutcomeHook(h OutcomeHook) FinalizerOption {
	return func(o *finalizerOpts) {
		o.hook = h
	}
}

// Finalizer runs the validate, check balance, debit and submit sequence.
type Finalizer struct {
	gateway EntitlementGateway
	sink    RequestSink
	opts    finalizerOpts

	mu     sync.Mutex
	active map[any]struct{}
}

// NewFinalizer creates a Finalizer over the given collaborators.
func NewFinalizer(gateway EntitlementGateway, sink RequestSink, opts ...FinalizerOption) *Finalizer {
	cfg := finalizerOpts{
		newKey: func() string { return util.GenerateIdempotencyKey() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Finalizer{
		gateway: gateway,
		sink:    sink,
		opts:    cfg,
		active:  make(map[any]struct{}),
	}
}

// Finalize validates the session, spends its cost and submits it. On success the session
// is reset and the sink's request id returned. On any failure the session is left as it was.
func (f *Finalizer) Finalize(ctx context.Context, s *Session) (models.SubmitResult, error) {
	if s == nil {
		return models.SubmitResult{}, ErrNoSession
	}
	if !f.acquire(s) {
		f.observe(FlowStory, OutcomeInProgress, 0)
		return models.SubmitResult{}, ErrFinalizeInProgress
	}
	defer f.release(s)

	userID := s.UserID()
	if err := s.Validate(); err != nil {
		slog.Debug("Finalizer.Finalize: validation failed", "userID", userID, "error", err)
		f.observe(FlowStory, OutcomeValidationFailed, 0)
		return models.SubmitResult{}, err
	}
	if s.Current() != StepFinalizeAndSubmit {
		slog.Debug("Finalizer.Finalize: not at the final step", "userID", userID, "step", s.Current())
		f.observe(FlowStory, OutcomeValidationFailed, 0)
		return models.SubmitResult{}, ErrNotAtFinalStep
	}

	cost := s.Cost()
	debited, err := f.charge(ctx, userID, cost)
	if err != nil {
		f.observe(FlowStory, outcomeOf(err), 0)
		return models.SubmitResult{}, err
	}

	// A retry after a failed or lost submission reuses the key, so the sink
	// never creates the request twice. Each attempt is debited and refunded on its own.
	key := s.ensureIdempotencyKey(f.opts.newKey)
	attempt := s.nextAttempt()
	payload := s.Payload(key, f.opts.notifyOnComplete)
	res, err := f.sink.Submit(ctx, payload)
	if err == nil && res.RequestID == "" {
		err = errors.New("sink returned an empty request id")
	}
	if err != nil {
		subErr := f.compensate(ctx, userID, debited, attemptKey(key, attempt), err)
		slog.Error("Finalizer.Finalize: submission failed", "userID", userID, "debited", debited,
			"attempt", attempt, "refundJobID", subErr.RefundJobID, "error", err)
		f.observe(FlowStory, OutcomeSubmissionFailed, debited)
		return models.SubmitResult{}, subErr
	}

	s.Reset()
	slog.Info("Finalizer.Finalize: story request submitted", "userID", userID, "requestID", res.RequestID,
		"seriesID", res.SeriesID, "cost", cost)
	f.observe(FlowStory, OutcomeSubmitted, debited)
	return res, nil
}

// FinalizeEpisode submits the next episode of a series with the same entitlement rules as Finalize.
func (f *Finalizer) FinalizeEpisode(ctx context.Context, e *EpisodeSession) (models.EpisodeSubmitResult, error) {
	if e == nil {
		return models.EpisodeSubmitResult{}, ErrNoSession
	}
	if !f.acquire(episodeKey{userID: e.UserID, seriesID: e.SeriesID}) {
		f.observe(FlowEpisode, OutcomeInProgress, 0)
		return models.EpisodeSubmitResult{}, ErrFinalizeInProgress
	}
	defer f.release(episodeKey{userID: e.UserID, seriesID: e.SeriesID})

	if err := e.Validate(); err != nil {
		slog.Debug("Finalizer.FinalizeEpisode: validation failed", "userID", e.UserID, "seriesID", e.SeriesID, "error", err)
		f.observe(FlowEpisode, OutcomeValidationFailed, 0)
		return models.EpisodeSubmitResult{}, err
	}

	cost := e.Cost()
	debited, err := f.charge(ctx, e.UserID, cost)
	if err != nil {
		f.observe(FlowEpisode, outcomeOf(err), 0)
		return models.EpisodeSubmitResult{}, err
	}

	key := f.opts.newKey()
	payload := e.Payload(key, f.opts.notifyOnComplete)
	res, err := f.sink.SubmitEpisode(ctx, e.SeriesID, payload)
	if err == nil && res.RequestID == "" {
		err = errors.New("sink returned an empty request id")
	}
	if err != nil {
		subErr := f.compensate(ctx, e.UserID, debited, key, err)
		slog.Error("Finalizer.FinalizeEpisode: submission failed", "userID", e.UserID, "seriesID", e.SeriesID,
			"debited", debited, "refundJobID", subErr.RefundJobID, "error", err)
		f.observe(FlowEpisode, OutcomeSubmissionFailed, debited)
		return models.EpisodeSubmitResult{}, subErr
	}

	slog.Info("Finalizer.FinalizeEpisode: episode request submitted", "userID", e.UserID, "seriesID", e.SeriesID,
		"episode", payload.EpisodeNumber, "final", payload.MakeFinal, "requestID", res.RequestID)
	f.observe(FlowEpisode, OutcomeSubmitted, debited)
	return res, nil
}

// charge checks the balance and debits cost. It returns the credits actually spent,
// which is zero for unlimited accounts.
func (f *Finalizer) charge(ctx context.Context, userID string, cost int) (int, error) {
	balance, err := f.gateway.GetBalance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("wizard: get balance: %w", err)
	}
	if !balance.Covers(cost) {
		slog.Debug("Finalizer.charge: insufficient credits", "userID", userID, "cost", cost, "credits", balance.Credits)
		return 0, &InsufficientCreditsError{Required: cost, Balance: balance}
	}

	res, err := f.gateway.Debit(ctx, userID, cost)
	if err != nil || !res.OK {
		debitErr := &DebitFailedError{Amount: cost, Cause: err}
		if refreshed, berr := f.gateway.GetBalance(ctx, userID); berr == nil {
			debitErr.Balance = &refreshed
		} else {
			slog.Warn("Finalizer.charge: balance refresh failed", "userID", userID, "error", berr)
		}
		slog.Warn("Finalizer.charge: debit failed", "userID", userID, "cost", cost, "error", err)
		return 0, debitErr
	}
	return res.Charged, nil
}

// attemptKey names the refund of one submission attempt.
func attemptKey(key string, attempt int) string {
	return fmt.Sprintf("%s#%d", key, attempt)
}

func (f *Finalizer) compensate(ctx context.Context, userID string, debited int, key string, cause error) *SubmissionError {
	subErr := &SubmissionError{Debited: debited, Cause: cause}
	if f.opts.compensator == nil || debited == 0 {
		return subErr
	}
	// The request context may already be cancelled; the refund must still be recorded.
	jobID, err := f.opts.compensator.ScheduleRefund(context.WithoutCancel(ctx), userID, debited, key, cause)
	if err != nil {
		slog.Error("Finalizer.compensate: refund scheduling failed", "userID", userID, "amount", debited, "error", err)
		subErr.RefundErr = err
		return subErr
	}
	subErr.RefundJobID = jobID
	return subErr
}

func (f *Finalizer) acquire(k any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, busy := f.active[k]; busy {
		return false
	}
	f.active[k] = struct{}{}
	return true
}

func (f *Finalizer) release(k any) {
	f.mu.Lock()
	delete(f.active, k)
	f.mu.Unlock()
}

func (f *Finalizer) observe(flow Flow, outcome Outcome, debited int) {
	if f.opts.hook != nil {
		f.opts.hook(flow, outcome, debited)
	}
}

type episodeKey struct {
	userID   string
	seriesID string
}

func outcomeOf(err error) Outcome {
	var insufficient *InsufficientCreditsError
	var debit *DebitFailedError
	switch {
	case errors.As(err, &insufficient):
		return OutcomeInsufficientCredits
	case errors.As(err, &debit):
		return OutcomeDebitFailed
	default:
		return OutcomeError
	}
}
