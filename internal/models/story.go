package models

import (
	"strings"
	"time"
)

// Profile holds per-user account data relevant to the wizard.
type Profile struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Locale      string    `json:"locale"`
	NotifyPhone string    `json:"notify_phone,omitempty"` // SMS recipient for completion notices
	PushToken   string    `json:"push_token,omitempty"`
	Credits     int       `json:"credits"`
	IsUnlimited bool      `json:"is_unlimited"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProfileUpdateRequest is the body of PUT /profile.
type ProfileUpdateRequest struct {
	DisplayName *string `json:"display_name,omitempty"`
	Locale      *string `json:"locale,omitempty"`
	NotifyPhone *string `json:"notify_phone,omitempty"`
	PushToken   *string `json:"push_token,omitempty"`
}

// DebitResult is the outcome of an atomic debit.
type DebitResult struct {
	OK      bool // the balance covered the amount
	Charged int  // credits actually removed; zero for unlimited accounts
}

// Balance is the entitlement state returned by the credit gateway.
type Balance struct {
	Credits     int  `json:"credits"`
	IsUnlimited bool `json:"is_unlimited"`
}

// Covers reports whether the balance allows spending cost credits.
func (b Balance) Covers(cost int) bool {
	return b.IsUnlimited || b.Credits >= cost
}

// Child is a registered child profile.
type Child struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Name             string    `json:"name"`
	Age              int       `json:"age"`
	Gender           string    `json:"gender,omitempty"`
	PhotoURL         string    `json:"photo_url,omitempty"`
	UsePhotoForMedia bool      `json:"use_photo_for_media"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Validate checks the user-supplied fields of a child profile.
func (c *Child) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return ErrEmptyChildName
	}
	if c.Age < 0 || c.Age > 18 {
		return ErrInvalidChildAge
	}
	return nil
}

// SideCharacter is a user-defined family member or friend attached to a child.
type SideCharacter struct {
	ID          string    `json:"id"`
	ChildID     string    `json:"child_id"`
	Name        string    `json:"name"`
	CharType    string    `json:"char_type"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks the user-supplied fields of a side character.
func (c *SideCharacter) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return ErrEmptyCharacterName
	}
	return nil
}

// DefaultInterests are the interests offered on the child profile. Anything else is custom.
var DefaultInterests = []string{
	"dinosaurs", "princesses", "knights", "animals", "space", "nature",
	"vehicles", "sports", "music", "painting", "pirates", "robots",
}

// ChildInterest is one interest of a child.
type ChildInterest struct {
	ID        string    `json:"id"`
	ChildID   string    `json:"child_id"`
	Interest  string    `json:"interest"`
	IsCustom  bool      `json:"is_custom"`
	CreatedAt time.Time `json:"created_at"`
}

// AccessibilityIntensity controls how visibly a child's needs appear in stories.
type AccessibilityIntensity string

const (
	IntensityImplicit AccessibilityIntensity = "implicit"
	IntensityNormal   AccessibilityIntensity = "normal"
	IntensityActive   AccessibilityIntensity = "active"
)

// IsValid reports whether i is a known intensity.
func (i AccessibilityIntensity) IsValid() bool {
	return i == IntensityImplicit || i == IntensityNormal || i == IntensityActive
}

// AccessibilityNeed is one need the story should respect.
type AccessibilityNeed string

const (
	NeedWheelchair         AccessibilityNeed = "mobility_wheelchair"
	NeedCrutches           AccessibilityNeed = "mobility_crutches"
	NeedBreaks             AccessibilityNeed = "mobility_needs_breaks"
	NeedBlind              AccessibilityNeed = "vision_blind"
	NeedLowVision          AccessibilityNeed = "vision_low_vision"
	NeedHardOfHearing      AccessibilityNeed = "hearing_hard_of_hearing"
	NeedCalmClearReading   AccessibilityNeed = "reading_need_calm_clear"
	NeedNoSuddenLoudEvents AccessibilityNeed = "no_sudden_loud_events"
	NeedNoScary            AccessibilityNeed = "no_scary"
	NeedNoSurprises        AccessibilityNeed = "no_surprises"
	NeedSimpleLanguage     AccessibilityNeed = "need_simple_language"
	NeedRoutines           AccessibilityNeed = "prefer_routines"
)

// AccessibilityNeeds lists the known needs in display order.
var AccessibilityNeeds = []AccessibilityNeed{
	NeedWheelchair, NeedCrutches, NeedBreaks,
	NeedBlind, NeedLowVision,
	NeedHardOfHearing, NeedCalmClearReading, NeedNoSuddenLoudEvents,
	NeedNoScary, NeedNoSurprises, NeedSimpleLanguage, NeedRoutines,
}

// IsValid reports whether n is a known need.
func (n AccessibilityNeed) IsValid() bool {
	for _, known := range AccessibilityNeeds {
		if n == known {
			return true
		}
	}
	return false
}

// ChildAccessibility holds the per-child accessibility settings. Configuring them is
// optional; a child without settings gets no special handling.
type ChildAccessibility struct {
	ChildID          string                 `json:"child_id"`
	IncludeInStories bool                   `json:"include_in_stories"`
	Intensity        AccessibilityIntensity `json:"intensity"`
	Needs            []AccessibilityNeed    `json:"needs"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// Validate checks the settings and defaults a blank intensity to implicit.
func (a *ChildAccessibility) Validate() error {
	if a.Intensity == "" {
		a.Intensity = IntensityImplicit
	}
	if !a.Intensity.IsValid() {
		return ErrInvalidIntensity
	}
	for _, n := range a.Needs {
		if !n.IsValid() {
			return ErrInvalidAccessibilityNeed
		}
	}
	return nil
}

// StoryCategory is a selectable story theme.
type StoryCategory struct {
	ID          string `json:"id" yaml:"id"`
	Slug        string `json:"slug" yaml:"slug"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	Icon        string `json:"icon,omitempty" yaml:"icon"`
	SortOrder   int    `json:"sort_order" yaml:"sort_order"`
}

// CategoryCharacter is an archetype offered by a category.
type CategoryCharacter struct {
	ID              string `json:"id" yaml:"id"`
	CategoryID      string `json:"category_id" yaml:"category_id"`
	Name            string `json:"name" yaml:"name"`
	Emoji           string `json:"emoji,omitempty" yaml:"emoji"`
	Description     string `json:"description,omitempty" yaml:"description"`
	ImagePromptHint string `json:"image_prompt_hint,omitempty" yaml:"image_prompt_hint"`
	SortOrder       int    `json:"sort_order" yaml:"sort_order"`
}

// Moral is a lesson the story can convey.
type Moral struct {
	ID        string `json:"id" yaml:"id"`
	Slug      string `json:"slug" yaml:"slug"`
	Text      string `json:"text" yaml:"text"`
	SortOrder int    `json:"sort_order" yaml:"sort_order"`
}

// LocationSuggestion is a preset location offered on the location step.
type LocationSuggestion struct {
	Label string `json:"label" yaml:"label"`
	Icon  string `json:"icon,omitempty" yaml:"icon"`
}

// Catalog bundles the read-only lists used to seed a store.
type Catalog struct {
	Categories         []StoryCategory      `json:"categories" yaml:"categories"`
	CategoryCharacters []CategoryCharacter  `json:"category_characters" yaml:"category_characters"`
	Morals             []Moral              `json:"morals" yaml:"morals"`
	Locations          []LocationSuggestion `json:"locations" yaml:"locations"`
}

// Series is a multi-episode story.
type Series struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	Title           *string          `json:"title"`
	ChildIDs        []string         `json:"child_ids"`
	CategoryID      *string          `json:"category_id"`
	Location        *string          `json:"location"`
	Mode            EpisodeLimitMode `json:"mode"`
	PlannedEpisodes int              `json:"planned_episodes,omitempty"`
	IsFinished      bool             `json:"is_finished"`
	DefaultMoralID  *string          `json:"default_moral_id"`
	DefaultLength   StoryLength      `json:"default_length"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	EpisodeCount    int              `json:"episode_count"`
}

// SeriesEpisode links a story request to its position in a series.
type SeriesEpisode struct {
	ID            string      `json:"id"`
	SeriesID      string      `json:"series_id"`
	RequestID     string      `json:"request_id"`
	EpisodeNumber int         `json:"episode_number"`
	MoralID       *string     `json:"moral_id"`
	Length        StoryLength `json:"length"`
	IsFinal       bool        `json:"is_final"`
	StoryID       string      `json:"story_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// SeriesConfig is the series-creation part of a wizard session.
type SeriesConfig struct {
	EpisodeLimitMode    EpisodeLimitMode `json:"episode_limit_mode"`
	PlannedEpisodeCount int              `json:"planned_episode_count,omitempty"` // only meaningful when fixed
	Title               *string          `json:"title"`
}

// SeriesCreation is the series sub-object embedded in a new-story payload.
type SeriesCreation struct {
	Title               *string          `json:"title"`
	EpisodeLimitMode    EpisodeLimitMode `json:"episode_limit_mode"`
	PlannedEpisodeCount *int             `json:"planned_episode_count"`
}

// StoryRequestPayload is the immutable request handed to the generation sink.
// Nil pointers carry meaning: no category, generator picks the location, no explicit moral.
type StoryRequestPayload struct {
	UserID               string          `json:"user_id"`
	IdempotencyKey       string          `json:"idempotency_key"`
	ChildIDs             []string        `json:"child_ids"`
	CategoryID           *string         `json:"category_id"`
	CategoryCharacterIDs []string        `json:"category_character_ids"`
	SideCharacterIDs     []string        `json:"side_character_ids"`
	Location             *string         `json:"location"`
	MoralID              *string         `json:"moral_id"`
	Length               StoryLength     `json:"length"`
	GenerateImages       bool            `json:"generate_images"`
	NotifyOnComplete     bool            `json:"notify_on_complete"`
	Series               *SeriesCreation `json:"series,omitempty"`
}

// EpisodePayload is the request for the next episode of a series.
type EpisodePayload struct {
	UserID           string      `json:"user_id"`
	IdempotencyKey   string      `json:"idempotency_key"`
	EpisodeNumber    int         `json:"episode_number"`
	MoralID          *string     `json:"moral_id"`
	Length           StoryLength `json:"length"`
	MakeFinal        bool        `json:"make_final"`
	GenerateImages   bool        `json:"generate_images"`
	NotifyOnComplete bool        `json:"notify_on_complete"`
}

// SubmitResult is returned by the sink for a new story.
type SubmitResult struct {
	RequestID string `json:"request_id"`
	SeriesID  string `json:"series_id,omitempty"`
}

// EpisodeSubmitResult is returned by the sink for an episode continuation.
type EpisodeSubmitResult struct {
	RequestID string `json:"request_id"`
	StoryID   string `json:"story_id,omitempty"`
}

// StoryRequest is the persisted record of a submitted request.
type StoryRequest struct {
	ID                   string      `json:"id"`
	UserID               string      `json:"user_id"`
	IdempotencyKey       string      `json:"-"`
	Status               StoryStatus `json:"status"`
	ChildIDs             []string    `json:"child_ids"`
	CategoryID           *string     `json:"category_id"`
	CategoryCharacterIDs []string    `json:"category_character_ids,omitempty"`
	SideCharacterIDs     []string    `json:"side_character_ids,omitempty"`
	Location             *string     `json:"location"`
	MoralID              *string     `json:"moral_id"`
	Length               StoryLength `json:"length"`
	GenerateImages       bool        `json:"generate_images"`
	NotifyOnComplete     bool        `json:"notify_on_complete"`
	SeriesID             string      `json:"series_id,omitempty"`
	EpisodeNumber        int         `json:"episode_number,omitempty"`
	IsFinalEpisode       bool        `json:"is_final_episode,omitempty"`
	StoryID              string      `json:"story_id,omitempty"`
	ErrorMessage         string      `json:"error_message,omitempty"`
	Notified             bool        `json:"notified"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// StatusUpdate is the body of the backend progress callback.
type StatusUpdate struct {
	Status       StoryStatus `json:"status"`
	StoryID      string      `json:"story_id,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// Validate checks a status callback body.
func (u *StatusUpdate) Validate() error {
	if !u.Status.IsValid() {
		return ErrInvalidStoryStatus
	}
	if u.Status == StoryStatusCancelled {
		return ErrCancelledByBackend
	}
	return nil
}

// FlowState is a persisted per-user flow snapshot, such as a wizard session.
type FlowState struct {
	UserID       string    `json:"user_id"`
	FlowType     string    `json:"flow_type"`
	CurrentState string    `json:"current_state"`
	StateData    string    `json:"state_data"` // JSON document owned by the flow
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
