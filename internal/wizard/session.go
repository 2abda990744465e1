// Package wizard implements the story wizard: a linear, per-user session that collects
// story parameters step by step and turns them into one story request.
//
// A Session is not safe for concurrent use. Manager serialises access per user and
// persists sessions between requests through a SessionStore.
package wizard

import (
	"slices"
	"strings"
	"time"

	"github.com/traumfunke/storyflow/internal/models"
)

// DefaultInFlightTimeout bounds how long a persisted finalize mark blocks the session.
const DefaultInFlightTimeout = 2 * time.Minute

// Snapshot is the serialisable state of a Session.
type Snapshot struct {
	UserID               string               `json:"user_id"`
	Step                 Step                 `json:"step"`
	Mode                 models.StoryMode     `json:"mode"`
	ChildIDs             []string             `json:"child_ids"`
	CategoryID           *string              `json:"category_id"`
	CategoryCharacterIDs []string             `json:"category_character_ids"`
	SideCharacterIDs     []string             `json:"side_character_ids"`
	Location             *string              `json:"location"`
	Series               *models.SeriesConfig `json:"series,omitempty"`
	MoralID              *string              `json:"moral_id"`
	Length               models.StoryLength   `json:"length"`
	GenerateImages       bool                 `json:"generate_images"`
	SubmittingSince      *time.Time           `json:"submitting_since,omitempty"`
	IdempotencyKey       string               `json:"idempotency_key,omitempty"`
	Attempt              int                  `json:"attempt,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at"`
}

// Session accumulates the selections of one wizard traversal.
type Session struct {
	data Snapshot
	now  func() time.Time
}

// NewSession creates a session for userID with every field at its default.
func NewSession(userID string) *Session {
	s := &Session{now: time.Now}
	s.data.UserID = userID
	s.data.CreatedAt = s.now()
	s.Reset()
	return s
}

// RestoreSession rebuilds a session from a stored snapshot.
// Unknown or missing values fall back to their defaults.
func RestoreSession(snap Snapshot) *Session {
	s := &Session{data: cloneSnapshot(snap), now: time.Now}
	if !s.data.Step.IsValid() {
		s.data.Step = StepSelectChildren
	}
	if !s.data.Mode.IsValid() {
		s.data.Mode = models.StoryModeSingle
	}
	if !s.data.Length.IsValid() {
		s.data.Length = models.StoryLengthNormal
	}
	s.data.ChildIDs = normalizeIDs(s.data.ChildIDs)
	s.data.CategoryCharacterIDs = normalizeIDs(s.data.CategoryCharacterIDs)
	s.data.SideCharacterIDs = normalizeIDs(s.data.SideCharacterIDs)
	s.clampStep()
	return s
}

// clampStep moves the session back to the first earlier step whose requirements
// are no longer met, so a stored or edited session never sits past a failed guard.
func (s *Session) clampStep() {
	cur := s.data.Step.Index()
	for i := 0; i < cur; i++ {
		if s.guard(stepOrder[i]) != nil {
			s.data.Step = stepOrder[i]
			return
		}
	}
}

// Reset clears every selection and returns to the first step.
// The user and creation time are kept; calling Reset repeatedly is harmless.
func (s *Session) Reset() {
	s.data = Snapshot{
		UserID:               s.data.UserID,
		Step:                 StepSelectChildren,
		Mode:                 models.StoryModeSingle,
		ChildIDs:             []string{},
		CategoryCharacterIDs: []string{},
		SideCharacterIDs:     []string{},
		Length:               models.StoryLengthNormal,
		CreatedAt:            s.data.CreatedAt,
		UpdatedAt:            s.now(),
	}
}

// Snapshot returns a deep copy of the session state.
func (s *Session) Snapshot() Snapshot {
	return cloneSnapshot(s.data)
}

// UserID returns the owner of the session.
func (s *Session) UserID() string { return s.data.UserID }

// Current returns the step the user is on.
func (s *Session) Current() Step { return s.data.Step }

// Mode returns the selected story mode.
func (s *Session) Mode() models.StoryMode { return s.data.Mode }

// ChildIDs returns the selected children, sorted.
func (s *Session) ChildIDs() []string { return slices.Clone(s.data.ChildIDs) }

// Length returns the selected length.
func (s *Session) Length() models.StoryLength { return s.data.Length }

// GenerateImages reports whether illustrations were requested.
func (s *Session) GenerateImages() bool { return s.data.GenerateImages }

// Cost returns the credit cost of submitting the session.
func (s *Session) Cost() int {
	return costFor(s.data.GenerateImages)
}

func costFor(generateImages bool) int {
	if generateImages {
		return 2
	}
	return 1
}

// ToggleChild adds or removes a child from the selection.
func (s *Session) ToggleChild(childID string) {
	s.data.ChildIDs = toggleID(s.data.ChildIDs, childID)
	s.afterChildrenChanged()
}

// SetChildren replaces the child selection.
func (s *Session) SetChildren(childIDs []string) {
	s.data.ChildIDs = normalizeIDs(childIDs)
	s.afterChildrenChanged()
}

// afterChildrenChanged keeps later steps unreachable without children.
func (s *Session) afterChildrenChanged() {
	s.clampStep()
	s.touch()
}

// SetCategory selects a category; an empty id clears it. Switching to another
// category drops the archetype selection, which belongs to the old category.
// Clearing it past the category step returns there.
func (s *Session) SetCategory(categoryID string) {
	next := optionalString(categoryID)
	if !equalOptional(s.data.CategoryID, next) {
		s.data.CategoryCharacterIDs = []string{}
	}
	s.data.CategoryID = next
	s.clampStep()
	s.touch()
}

// CategoryID returns the selected category, or "" when none is selected.
func (s *Session) CategoryID() string {
	if s.data.CategoryID == nil {
		return ""
	}
	return *s.data.CategoryID
}

// ToggleCategoryCharacter adds or removes a category archetype.
func (s *Session) ToggleCategoryCharacter(id string) {
	s.data.CategoryCharacterIDs = toggleID(s.data.CategoryCharacterIDs, id)
	s.touch()
}

// SetCategoryCharacters replaces the archetype selection.
func (s *Session) SetCategoryCharacters(ids []string) {
	s.data.CategoryCharacterIDs = normalizeIDs(ids)
	s.touch()
}

// ToggleSideCharacter adds or removes a user-defined character.
func (s *Session) ToggleSideCharacter(id string) {
	s.data.SideCharacterIDs = toggleID(s.data.SideCharacterIDs, id)
	s.touch()
}

// SetSideCharacters replaces the user-defined character selection.
func (s *Session) SetSideCharacters(ids []string) {
	s.data.SideCharacterIDs = normalizeIDs(ids)
	s.touch()
}

// SetLocation stores a free-text or suggested location. Blank input means the
// generator picks one.
func (s *Session) SetLocation(location string) error {
	location = strings.TrimSpace(location)
	if len(location) > models.MaxLocationLength {
		return models.ErrLocationTooLong
	}
	s.data.Location = optionalString(location)
	s.touch()
	return nil
}

// SetMode switches between single story and series. Entering series mode for the
// first time starts with an unlimited series.
func (s *Session) SetMode(mode models.StoryMode) error {
	if !mode.IsValid() {
		return models.ErrInvalidStoryMode
	}
	s.data.Mode = mode
	if mode == models.StoryModeSeries && s.data.Series == nil {
		s.data.Series = &models.SeriesConfig{EpisodeLimitMode: models.EpisodeLimitUnlimited}
	}
	s.touch()
	return nil
}

// SetSeriesConfig stores the series sub-fields. The episode count is checked at finalize.
func (s *Session) SetSeriesConfig(cfg models.SeriesConfig) error {
	if !cfg.EpisodeLimitMode.IsValid() {
		return models.ErrInvalidEpisodeLimitMode
	}
	var title *string
	if cfg.Title != nil {
		t := strings.TrimSpace(*cfg.Title)
		if len(t) > models.MaxSeriesTitleLength {
			return models.ErrSeriesTitleTooLong
		}
		title = optionalString(t)
	}
	count := cfg.PlannedEpisodeCount
	if cfg.EpisodeLimitMode == models.EpisodeLimitUnlimited {
		count = 0
	}
	s.data.Series = &models.SeriesConfig{
		EpisodeLimitMode:    cfg.EpisodeLimitMode,
		PlannedEpisodeCount: count,
		Title:               title,
	}
	s.touch()
	return nil
}

// SetMoral selects a moral; an empty id means no explicit moral.
func (s *Session) SetMoral(moralID string) {
	s.data.MoralID = optionalString(moralID)
	s.touch()
}

// SetLength selects the story length.
func (s *Session) SetLength(length models.StoryLength) error {
	if !length.IsValid() {
		return models.ErrInvalidStoryLength
	}
	s.data.Length = length
	s.touch()
	return nil
}

// SetGenerateImages toggles illustrations, which doubles the cost.
func (s *Session) SetGenerateImages(enabled bool) {
	s.data.GenerateImages = enabled
	s.touch()
}

// guard returns the rule that blocks leaving step, if any.
func (s *Session) guard(step Step) error {
	switch step {
	case StepSelectChildren:
		if len(s.data.ChildIDs) == 0 {
			return newValidationError(MissingChildren, "select at least one child")
		}
	case StepSelectCategory:
		if s.data.CategoryID == nil {
			return newValidationError(MissingCategory, "select a category")
		}
	}
	return nil
}

// CanNext reports whether Next would succeed.
func (s *Session) CanNext() bool {
	if _, ok := s.data.Step.next(); !ok {
		return false
	}
	return s.guard(s.data.Step) == nil
}

// CanBack reports whether Back would succeed.
func (s *Session) CanBack() bool {
	_, ok := s.data.Step.prev()
	return ok
}

// Next advances one step if the current step's requirements are met.
func (s *Session) Next() error {
	next, ok := s.data.Step.next()
	if !ok {
		return ErrNoNextStep
	}
	if err := s.guard(s.data.Step); err != nil {
		return err
	}
	s.data.Step = next
	s.touch()
	return nil
}

// Back returns to the previous step without clearing anything.
func (s *Session) Back() error {
	prev, ok := s.data.Step.prev()
	if !ok {
		return ErrNoPreviousStep
	}
	s.data.Step = prev
	s.touch()
	return nil
}

// Progress reports, for every step, whether it is done and whether it is current.
func (s *Session) Progress() []StepProgress {
	cur := s.data.Step.Index()
	out := make([]StepProgress, 0, len(stepOrder))
	for i, st := range stepOrder {
		out = append(out, StepProgress{
			Step:      st,
			Completed: i < cur,
			Current:   i == cur,
			Optional:  st.Optional(),
		})
	}
	return out
}

// Validate applies the finalize rules. Optional fields are never an error.
func (s *Session) Validate() error {
	if len(s.data.ChildIDs) == 0 {
		return newValidationError(MissingChildren, "select at least one child")
	}
	if s.data.Mode == models.StoryModeSeries && s.data.Series != nil &&
		s.data.Series.EpisodeLimitMode == models.EpisodeLimitFixed {
		n := s.data.Series.PlannedEpisodeCount
		if n < models.MinPlannedEpisodes || n > models.MaxPlannedEpisodes {
			return newValidationError(InvalidEpisodeCount, "planned episode count must be between %d and %d, got %d",
				models.MinPlannedEpisodes, models.MaxPlannedEpisodes, n)
		}
	}
	return nil
}

// Payload builds the immutable request for the sink from the current selections.
func (s *Session) Payload(idempotencyKey string, notifyOnComplete bool) models.StoryRequestPayload {
	snap := s.Snapshot()
	p := models.StoryRequestPayload{
		UserID:               snap.UserID,
		IdempotencyKey:       idempotencyKey,
		ChildIDs:             snap.ChildIDs,
		CategoryID:           snap.CategoryID,
		CategoryCharacterIDs: snap.CategoryCharacterIDs,
		SideCharacterIDs:     snap.SideCharacterIDs,
		Location:             snap.Location,
		MoralID:              snap.MoralID,
		Length:               snap.Length,
		GenerateImages:       snap.GenerateImages,
		NotifyOnComplete:     notifyOnComplete,
	}
	if snap.Mode == models.StoryModeSeries {
		cfg := snap.Series
		if cfg == nil {
			cfg = &models.SeriesConfig{EpisodeLimitMode: models.EpisodeLimitUnlimited}
		}
		sc := &models.SeriesCreation{Title: cfg.Title, EpisodeLimitMode: cfg.EpisodeLimitMode}
		if cfg.EpisodeLimitMode == models.EpisodeLimitFixed {
			n := cfg.PlannedEpisodeCount
			sc.PlannedEpisodeCount = &n
		}
		p.Series = sc
	}
	return p
}

// IdempotencyKey returns the key of this session's submission, or "" before the
// first finalize attempt. It survives failed attempts and is cleared by Reset.
func (s *Session) IdempotencyKey() string { return s.data.IdempotencyKey }

// ensureIdempotencyKey assigns a key on the first finalize attempt only.
func (s *Session) ensureIdempotencyKey(newKey func() string) string {
	if s.data.IdempotencyKey == "" {
		s.data.IdempotencyKey = newKey()
	}
	return s.data.IdempotencyKey
}

// nextAttempt counts a submission attempt and returns its number.
func (s *Session) nextAttempt() int {
	s.data.Attempt++
	return s.data.Attempt
}

// inFlight reports whether a finalize mark younger than timeout is present.
func (s *Session) inFlight(now time.Time, timeout time.Duration) bool {
	return s.data.SubmittingSince != nil && now.Sub(*s.data.SubmittingSince) < timeout
}

func (s *Session) markSubmitting(now time.Time) {
	t := now
	s.data.SubmittingSince = &t
}

func (s *Session) clearSubmitting() {
	s.data.SubmittingSince = nil
}

func (s *Session) touch() {
	s.data.UpdatedAt = s.now()
}

func toggleID(ids []string, id string) []string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ids
	}
	if i := slices.Index(ids, id); i >= 0 {
		return slices.Delete(slices.Clone(ids), i, i+1)
	}
	return normalizeIDs(append(slices.Clone(ids), id))
}

// normalizeIDs trims, drops blanks, de-duplicates and sorts.
func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func equalOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneSnapshot(in Snapshot) Snapshot {
	out := in
	out.ChildIDs = cloneIDs(in.ChildIDs)
	out.CategoryCharacterIDs = cloneIDs(in.CategoryCharacterIDs)
	out.SideCharacterIDs = cloneIDs(in.SideCharacterIDs)
	out.CategoryID = cloneString(in.CategoryID)
	out.Location = cloneString(in.Location)
	out.MoralID = cloneString(in.MoralID)
	if in.Series != nil {
		cfg := *in.Series
		cfg.Title = cloneString(in.Series.Title)
		out.Series = &cfg
	}
	if in.SubmittingSince != nil {
		t := *in.SubmittingSince
		out.SubmittingSince = &t
	}
	return out
}

func cloneIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return slices.Clone(ids)
}
