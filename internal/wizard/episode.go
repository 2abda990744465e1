package wizard

import (
	"strings"

	"github.com/traumfunke/storyflow/internal/models"
)

// noMoral is the moral key older clients send for "no explicit moral".
const noMoral = "none"

// EpisodeSession collects the inputs for the next episode of an existing series.
// The series fields are seeded from the stored series and are read-only.
type EpisodeSession struct {
	UserID              string                  `json:"user_id"`
	SeriesID            string                  `json:"series_id"`
	LimitMode           models.EpisodeLimitMode `json:"episode_limit_mode"`
	PlannedEpisodes     int                     `json:"planned_episodes,omitempty"`
	CurrentEpisodeCount int                     `json:"current_episode_count"`
	SeriesFinished      bool                    `json:"series_finished"`

	MoralID        *string            `json:"moral_id"`
	Length         models.StoryLength `json:"length"`
	MakeFinal      bool               `json:"make_final"`
	GenerateImages bool               `json:"generate_images"`
}

// EpisodeInput carries the user's choices for an episode continuation.
type EpisodeInput struct {
	MoralID        *string `json:"moral_id"`
	Length         string  `json:"length"`
	MakeFinal      bool    `json:"make_final"`
	GenerateImages bool    `json:"generate_images"`
}

// NewEpisodeSession seeds a continuation from series. The series must belong to userID.
func NewEpisodeSession(userID string, series *models.Series) (*EpisodeSession, error) {
	if series == nil || series.UserID != userID {
		return nil, ErrSeriesNotFound
	}
	length := series.DefaultLength
	if !length.IsValid() {
		length = models.StoryLengthNormal
	}
	mode := series.Mode
	if !mode.IsValid() {
		mode = models.EpisodeLimitUnlimited
	}
	return &EpisodeSession{
		UserID:              userID,
		SeriesID:            series.ID,
		LimitMode:           mode,
		PlannedEpisodes:     series.PlannedEpisodes,
		CurrentEpisodeCount: series.EpisodeCount,
		SeriesFinished:      series.IsFinished,
		MoralID:             cloneString(series.DefaultMoralID),
		Length:              length,
	}, nil
}

// Apply copies the user's choices onto the session.
func (e *EpisodeSession) Apply(in EpisodeInput) error {
	length, err := models.ParseStoryLength(in.Length)
	if err != nil {
		return err
	}
	e.Length = length
	e.MoralID = nil
	if in.MoralID != nil && !strings.EqualFold(strings.TrimSpace(*in.MoralID), noMoral) {
		e.MoralID = optionalString(*in.MoralID)
	}
	e.MakeFinal = in.MakeFinal
	e.GenerateImages = in.GenerateImages
	return nil
}

// NextEpisodeNumber is the number the new episode will carry.
func (e *EpisodeSession) NextEpisodeNumber() int {
	return e.CurrentEpisodeCount + 1
}

// IsLastFixedEpisode reports whether the next episode completes a fixed series.
func (e *EpisodeSession) IsLastFixedEpisode() bool {
	return e.LimitMode == models.EpisodeLimitFixed && e.NextEpisodeNumber() == e.PlannedEpisodes
}

// CanToggleFinal reports whether the user decides if the episode ends the series.
func (e *EpisodeSession) CanToggleFinal() bool {
	return e.LimitMode == models.EpisodeLimitUnlimited
}

// EffectiveFinal is the final flag that will be submitted. The last episode of a fixed
// series is always final; the user toggle only counts for unlimited series.
func (e *EpisodeSession) EffectiveFinal() bool {
	if e.IsLastFixedEpisode() {
		return true
	}
	return e.CanToggleFinal() && e.MakeFinal
}

// Cost returns the credit cost of the episode.
func (e *EpisodeSession) Cost() int {
	return costFor(e.GenerateImages)
}

// Validate rejects continuations of series that already ended.
func (e *EpisodeSession) Validate() error {
	if e.SeriesFinished {
		return newValidationError(SeriesComplete, "series %s is finished", e.SeriesID)
	}
	if e.LimitMode == models.EpisodeLimitFixed && e.NextEpisodeNumber() > e.PlannedEpisodes {
		return newValidationError(SeriesComplete, "series %s already has all %d planned episodes", e.SeriesID, e.PlannedEpisodes)
	}
	return nil
}

// Payload builds the episode request.
func (e *EpisodeSession) Payload(idempotencyKey string, notifyOnComplete bool) models.EpisodePayload {
	return models.EpisodePayload{
		UserID:           e.UserID,
		IdempotencyKey:   idempotencyKey,
		EpisodeNumber:    e.NextEpisodeNumber(),
		MoralID:          cloneString(e.MoralID),
		Length:           e.Length,
		MakeFinal:        e.EffectiveFinal(),
		GenerateImages:   e.GenerateImages,
		NotifyOnComplete: notifyOnComplete,
	}
}
