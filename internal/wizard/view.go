package wizard

import "github.com/traumfunke/storyflow/internal/models"

// View is what a client needs to render the current wizard screen.
type View struct {
	Step                 Step                 `json:"step"`
	CanNext              bool                 `json:"can_next"`
	CanBack              bool                 `json:"can_back"`
	Progress             []StepProgress       `json:"progress"`
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
	Cost                 int                  `json:"cost"`
}

// View renders the session for the caller.
func (s *Session) View() View {
	snap := s.Snapshot()
	return View{
		Step:                 snap.Step,
		CanNext:              s.CanNext(),
		CanBack:              s.CanBack(),
		Progress:             s.Progress(),
		Mode:                 snap.Mode,
		ChildIDs:             snap.ChildIDs,
		CategoryID:           snap.CategoryID,
		CategoryCharacterIDs: snap.CategoryCharacterIDs,
		SideCharacterIDs:     snap.SideCharacterIDs,
		Location:             snap.Location,
		Series:               snap.Series,
		MoralID:              snap.MoralID,
		Length:               snap.Length,
		GenerateImages:       snap.GenerateImages,
		Cost:                 s.Cost(),
	}
}

// EpisodeView previews an episode continuation.
type EpisodeView struct {
	SeriesID          string `json:"series_id"`
	NextEpisodeNumber int    `json:"next_episode_number"`
	IsLastFixed       bool   `json:"is_last_fixed_episode"`
	CanToggleFinal    bool   `json:"can_toggle_final"`
	Complete          bool   `json:"complete"`
	Cost              int    `json:"cost"`
}

// View renders the episode preview.
func (e *EpisodeSession) View() EpisodeView {
	return EpisodeView{
		SeriesID:          e.SeriesID,
		NextEpisodeNumber: e.NextEpisodeNumber(),
		IsLastFixed:       e.IsLastFixedEpisode(),
		CanToggleFinal:    e.CanToggleFinal(),
		Complete:          e.Validate() != nil,
		Cost:              e.Cost(),
	}
}
