// Package generation hands finalized story and episode requests to the story
// generation backend. Requests are written through the store and dispatched by
// durable jobs, so a backend outage delays generation instead of losing requests.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/traumfunke/storyflow/internal/models"
	"github.com/traumfunke/storyflow/internal/store"
	"github.com/traumfunke/storyflow/internal/wizard"
)

// Requests is the part of store.Store used to record and track story requests.
type Requests interface {
	CreateStoryRequest(p models.StoryRequestPayload) (models.SubmitResult, error)
	CreateEpisodeRequest(seriesID string, p models.EpisodePayload) (models.EpisodeSubmitResult, error)
	GetStoryRequest(id string) (*models.StoryRequest, error)
	UpdateStoryRequestStatus(id string, u models.StatusUpdate) error
}

// DispatchPayload is the JSON payload of create_story and generate_episode jobs.
type DispatchPayload struct {
	RequestID string `json:"request_id"`
}

// Sink implements wizard.RequestSink. Submit returns once the request is stored and
// its dispatch job is queued.
type Sink struct {
	requests Requests
	jobs     store.JobRepo
	now      func() time.Time
}

var _ wizard.RequestSink = (*Sink)(nil)

// NewSink creates a Sink.
func NewSink(requests Requests, jobs store.JobRepo) *Sink {
	return &Sink{requests: requests, jobs: jobs, now: time.Now}
}

// Submit records a new story request and queues it for generation.
func (s *Sink) Submit(ctx context.Context, p models.StoryRequestPayload) (models.SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return models.SubmitResult{}, err
	}
	if p.UserID == "" {
		return models.SubmitResult{}, models.ErrMissingUserID
	}
	res, err := s.requests.CreateStoryRequest(p)
	if err != nil {
		return models.SubmitResult{}, fmt.Errorf("create story request: %w", err)
	}
	if err := s.dispatch(store.JobKindCreateStory, res.RequestID); err != nil {
		return models.SubmitResult{}, err
	}
	slog.Info("Sink.Submit: story request queued", "userID", p.UserID, "requestID", res.RequestID, "seriesID", res.SeriesID)
	return res, nil
}

// SubmitEpisode records the next episode of a series and queues it for generation.
func (s *Sink) SubmitEpisode(ctx context.Context, seriesID string, p models.EpisodePayload) (models.EpisodeSubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return models.EpisodeSubmitResult{}, err
	}
	if p.UserID == "" {
		return models.EpisodeSubmitResult{}, models.ErrMissingUserID
	}
	res, err := s.requests.CreateEpisodeRequest(seriesID, p)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.EpisodeSubmitResult{}, fmt.Errorf("create episode request: %w", wizard.ErrSeriesNotFound)
		}
		return models.EpisodeSubmitResult{}, fmt.Errorf("create episode request: %w", err)
	}
	if err := s.dispatch(store.JobKindGenerateEpisode, res.RequestID); err != nil {
		return models.EpisodeSubmitResult{}, err
	}
	slog.Info("Sink.SubmitEpisode: episode request queued", "userID", p.UserID, "seriesID", seriesID,
		"episode", p.EpisodeNumber, "requestID", res.RequestID)
	return res, nil
}

// dispatch enqueues the generation job for requestID. When the job cannot be queued
// the request is marked failed so it does not linger as queued forever.
func (s *Sink) dispatch(kind, requestID string) error {
	data, err := json.Marshal(DispatchPayload{RequestID: requestID})
	if err != nil {
		return fmt.Errorf("marshal dispatch payload: %w", err)
	}
	dedupe := "create:" + requestID
	if kind == store.JobKindGenerateEpisode {
		dedupe = "episode:" + requestID
	}
	if _, err := s.jobs.EnqueueJob(kind, s.now(), string(data), dedupe); err != nil {
		slog.Error("Sink.dispatch: enqueue failed", "kind", kind, "requestID", requestID, "error", err)
		update := models.StatusUpdate{Status: models.StoryStatusFailed, ErrorMessage: "could not queue generation"}
		if uerr := s.requests.UpdateStoryRequestStatus(requestID, update); uerr != nil {
			slog.Error("Sink.dispatch: marking request failed", "requestID", requestID, "error", uerr)
		}
		return fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	return nil
}

// RegisterJobHandlers registers the create_story and generate_episode handlers.
func RegisterJobHandlers(runner *store.JobRunner, requests Requests, backend Backend) {
	runner.RegisterHandler(store.JobKindCreateStory, makeDispatchHandler(store.JobKindCreateStory, requests, backend))
	runner.RegisterHandler(store.JobKindGenerateEpisode, makeDispatchHandler(store.JobKindGenerateEpisode, requests, backend))
}

func makeDispatchHandler(kind string, requests Requests, backend Backend) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p DispatchPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid %s payload: %w", kind, err)
		}
		req, err := requests.GetStoryRequest(p.RequestID)
		if err != nil {
			return fmt.Errorf("failed to load story request: %w", err)
		}
		if req == nil {
			slog.Warn("JobHandler."+kind+": request no longer exists, skipping", "requestID", p.RequestID)
			return nil
		}
		// Jobs run at least once. Anything past queued was already accepted by the backend.
		if req.Status != models.StoryStatusQueued {
			slog.Info("JobHandler."+kind+": request already dispatched, skipping", "requestID", req.ID, "status", req.Status)
			return nil
		}

		slog.Info("JobHandler."+kind+": executing", "requestID", req.ID, "userID", req.UserID)
		if kind == store.JobKindGenerateEpisode {
			err = backend.GenerateEpisode(ctx, episodeRequestFrom(req))
		} else {
			err = backend.CreateStory(ctx, CreateStoryRequest{RequestID: req.ID})
		}
		if err == nil {
			return nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			slog.Error("JobHandler."+kind+": backend rejected request", "requestID", req.ID, "status", perm.StatusCode, "error", err)
			update := models.StatusUpdate{Status: models.StoryStatusFailed, ErrorMessage: perm.Error()}
			if uerr := requests.UpdateStoryRequestStatus(req.ID, update); uerr != nil && !errors.Is(uerr, store.ErrRequestFinalized) {
				return fmt.Errorf("failed to mark request failed: %w", uerr)
			}
			return nil
		}
		return err
	}
}

func episodeRequestFrom(req *models.StoryRequest) EpisodeRequest {
	return EpisodeRequest{
		RequestID:        req.ID,
		SeriesID:         req.SeriesID,
		EpisodeNumber:    req.EpisodeNumber,
		MoralID:          req.MoralID,
		LengthSetting:    req.Length,
		MakeFinal:        req.IsFinalEpisode,
		GenerateImages:   req.GenerateImages,
		NotifyOnComplete: req.NotifyOnComplete,
	}
}
