// Package models defines the core data structures for storyflow.
//
// It includes the story-request vocabulary (modes, lengths, statuses), the payloads
// exchanged with the entitlement and generation collaborators, and the JSON envelope
// used by the HTTP API. The types are shared across modules.
package models

import (
	"errors"
	"strings"
)

// StoryMode selects between a one-off story and the first episode of a series.
type StoryMode string

const (
	// StoryModeSingle creates a standalone story.
	StoryModeSingle StoryMode = "single"
	// StoryModeSeries creates a series together with its first episode.
	StoryModeSeries StoryMode = "series"
)

// EpisodeLimitMode controls whether a series has a planned end.
type EpisodeLimitMode string

const (
	// EpisodeLimitFixed series end after PlannedEpisodeCount episodes.
	EpisodeLimitFixed EpisodeLimitMode = "fixed"
	// EpisodeLimitUnlimited series continue until an episode is marked final.
	EpisodeLimitUnlimited EpisodeLimitMode = "unlimited"
)

// StoryLength is the requested reading length of a story or episode.
type StoryLength string

const (
	// StoryLengthShort is roughly five minutes of reading.
	StoryLengthShort StoryLength = "short"
	// StoryLengthNormal is roughly eight minutes of reading.
	StoryLengthNormal StoryLength = "normal"
	// StoryLengthLong is roughly twelve minutes of reading.
	StoryLengthLong StoryLength = "long"
)

// StoryStatus is the processing status reported by the generation backend.
type StoryStatus string

const (
	StoryStatusQueued           StoryStatus = "queued"
	StoryStatusGeneratingText   StoryStatus = "generating_text"
	StoryStatusGeneratingImages StoryStatus = "generating_images"
	StoryStatusRenderingClips   StoryStatus = "rendering_clips"
	StoryStatusFinished         StoryStatus = "finished"
	StoryStatusFailed           StoryStatus = "failed"
	// StoryStatusCancelled is set when the parent withdraws a pending request.
	StoryStatusCancelled        StoryStatus = "cancelled"
)

// Episode bounds for fixed-length series.
const (
	// MinPlannedEpisodes is the smallest planned episode count of a fixed series.
	MinPlannedEpisodes = 2
	// MaxPlannedEpisodes is the largest planned episode count of a fixed series.
	MaxPlannedEpisodes = 20
	// MaxLocationLength bounds free-text locations.
	MaxLocationLength = 200
	// MaxSeriesTitleLength bounds series titles.
	MaxSeriesTitleLength = 120
)

// Error variables for request validation at the API boundary.
var (
	ErrInvalidStoryMode         = errors.New("invalid story mode")
	ErrInvalidEpisodeLimitMode  = errors.New("invalid episode limit mode")
	ErrInvalidStoryLength       = errors.New("invalid story length")
	ErrInvalidStoryStatus       = errors.New("invalid story status")
	ErrLocationTooLong          = errors.New("location exceeds maximum length")
	ErrSeriesTitleTooLong       = errors.New("series title exceeds maximum length")
	ErrEmptyChildName           = errors.New("child name cannot be empty")
	ErrInvalidChildAge          = errors.New("child age must be between 0 and 18")
	ErrEmptyCharacterName       = errors.New("character name cannot be empty")
	ErrMissingUserID            = errors.New("user id is required")
	ErrCancelledByBackend       = errors.New("the generation backend cannot cancel a request")
	ErrInvalidIntensity         = errors.New("invalid accessibility intensity")
	ErrInvalidAccessibilityNeed = errors.New("invalid accessibility need")
	ErrEmptyInterest            = errors.New("interest cannot be empty")
)

// IsValid reports whether m is a known story mode.
func (m StoryMode) IsValid() bool {
	return m == StoryModeSingle || m == StoryModeSeries
}

// IsValid reports whether m is a known episode limit mode.
func (m EpisodeLimitMode) IsValid() bool {
	return m == EpisodeLimitFixed || m == EpisodeLimitUnlimited
}

// IsValid reports whether l is a known story length.
func (l StoryLength) IsValid() bool {
	switch l {
	case StoryLengthShort, StoryLengthNormal, StoryLengthLong:
		return true
	default:
		return false
	}
}

// ParseStoryLength accepts the API values and the German labels stored by older clients.
func ParseStoryLength(s string) (StoryLength, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "short", "kurz":
		return StoryLengthShort, nil
	case "", "normal":
		return StoryLengthNormal, nil
	case "long", "lang":
		return StoryLengthLong, nil
	default:
		return "", ErrInvalidStoryLength
	}
}

// IsValid reports whether s is a known processing status.
func (s StoryStatus) IsValid() bool {
	switch s {
	case StoryStatusQueued, StoryStatusGeneratingText, StoryStatusGeneratingImages,
		StoryStatusRenderingClips, StoryStatusFinished, StoryStatusFailed, StoryStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether processing has ended.
func (s StoryStatus) IsTerminal() bool {
	return s.IsCompleted() || s == StoryStatusCancelled
}

// IsCompleted reports whether generation ran to an outcome the parent is told about.
func (s StoryStatus) IsCompleted() bool {
	return s == StoryStatusFinished || s == StoryStatusFailed
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Code    string      `json:"code,omitempty"`    // machine-readable error kind
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithCode sets the machine-readable error code.
func (b *APIResponseBuilder) WithCode(code string) *APIResponseBuilder {
	b.response.Code = code
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithMessage(message).WithResult(result).Build()
}

// Error creates an error API response with the given message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}

// ErrorWithCode creates an error API response carrying a machine-readable code.
func ErrorWithCode(code, message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithCode(code).WithMessage(message).Build()
}
