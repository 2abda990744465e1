package store

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/traumfunke/storyflow/internal/models"
	"github.com/traumfunke/storyflow/internal/util"
)

// InMemoryStore is a Backend kept entirely in process memory. It is used when no
// database is configured and in tests.
type InMemoryStore struct {
	mu             sync.RWMutex
	profiles       map[string]models.Profile
	children       map[string]models.Child
	sideCharacters map[string]models.SideCharacter
	categories     map[string]models.StoryCategory
	characters     map[string]models.CategoryCharacter
	morals         map[string]models.Moral
	series         map[string]models.Series
	episodes       map[string][]models.SeriesEpisode // by series id
	requests       map[string]models.StoryRequest
	requestKeys    map[string]string // idempotency key -> request id
	flowStates     map[string]models.FlowState
	jobs           map[string]Job
	outbox         map[string]OutboxMessage
	grants         map[string]Grant                  // by grant id
	interests      map[string][]models.ChildInterest // by child id
	accessibility  map[string]models.ChildAccessibility
}

var _ Backend = (*InMemoryStore)(nil)

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		profiles:       make(map[string]models.Profile),
		children:       make(map[string]models.Child),
		sideCharacters: make(map[string]models.SideCharacter),
		categories:     make(map[string]models.StoryCategory),
		characters:     make(map[string]models.CategoryCharacter),
		morals:         make(map[string]models.Moral),
		series:         make(map[string]models.Series),
		episodes:       make(map[string][]models.SeriesEpisode),
		requests:       make(map[string]models.StoryRequest),
		requestKeys:    make(map[string]string),
		flowStates:     make(map[string]models.FlowState),
		jobs:           make(map[string]Job),
		outbox:         make(map[string]OutboxMessage),
		grants:         make(map[string]Grant),
		interests:      make(map[string][]models.ChildInterest),
		accessibility:  make(map[string]models.ChildAccessibility),
	}
}

func (s *InMemoryStore) GetProfile(userID string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) SaveProfile(p models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := now()
	existing, ok := s.profiles[p.UserID]
	if ok {
		p.Credits = existing.Credits
		p.IsUnlimited = existing.IsUnlimited
		p.CreatedAt = existing.CreatedAt
	} else {
		p.Credits = 0
		p.IsUnlimited = false
		p.CreatedAt = ts
	}
	p.UpdatedAt = ts
	s.profiles[p.UserID] = p
	return nil
}

// profileLocked returns the profile for userID, creating an empty one. Callers hold mu.
func (s *InMemoryStore) profileLocked(userID string) models.Profile {
	p, ok := s.profiles[userID]
	if !ok {
		ts := now()
		p = models.Profile{UserID: userID, CreatedAt: ts, UpdatedAt: ts}
	}
	return p
}

func (s *InMemoryStore) GetBalance(userID string) (models.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.profiles[userID]
	return models.Balance{Credits: p.Credits, IsUnlimited: p.IsUnlimited}, nil
}

func (s *InMemoryStore) DebitCredits(userID string, amount int) (models.DebitResult, error) {
	if amount <= 0 {
		return models.DebitResult{}, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return models.DebitResult{}, nil
	}
	if p.IsUnlimited {
		return models.DebitResult{OK: true}, nil
	}
	if p.Credits < amount {
		return models.DebitResult{}, nil
	}
	p.Credits -= amount
	p.UpdatedAt = now()
	s.profiles[userID] = p
	return models.DebitResult{OK: true, Charged: amount}, nil
}

func (s *InMemoryStore) GrantCredits(userID string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.profileLocked(userID)
	p.Credits += amount
	p.UpdatedAt = now()
	s.profiles[userID] = p
	slog.Info("InMemoryStore.GrantCredits succeeded", "userID", userID, "amount", amount)
	return nil
}

func (s *InMemoryStore) SetUnlimited(userID string, unlimited bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.profileLocked(userID)
	p.IsUnlimited = unlimited
	p.UpdatedAt = now()
	s.profiles[userID] = p
	return nil
}

func (s *InMemoryStore) ApplyGrant(g Grant) (bool, error) {
	if err := g.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[g.ID]; ok {
		return false, nil
	}
	prof := s.profileLocked(g.UserID)
	prof.Credits += g.Credits
	if g.Unlimited != nil {
		prof.IsUnlimited = *g.Unlimited
	}
	prof.UpdatedAt = now()
	s.profiles[g.UserID] = prof
	s.grants[g.ID] = g
	return true, nil
}

func (s *InMemoryStore) ListChildren(userID string) ([]models.Child, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Child{}
	for _, c := range s.children {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) GetChild(id string) (*models.Child, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.children[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) SaveChild(c *models.Child) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := now()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if existing, ok := s.children[c.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = ts
	}
	c.UpdatedAt = ts
	s.children[c.ID] = *c
	return nil
}

func (s *InMemoryStore) ListSideCharacters(childIDs []string) ([]models.SideCharacter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.SideCharacter{}
	for _, c := range s.sideCharacters {
		if slices.Contains(childIDs, c.ChildID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) SaveSideCharacter(c *models.SideCharacter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	s.sideCharacters[c.ID] = *c
	return nil
}

func (s *InMemoryStore) DeleteChild(userID, childID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[childID]
	if !ok || c.UserID != userID {
		return ErrNotFound
	}
	delete(s.children, childID)
	for id, sc := range s.sideCharacters {
		if sc.ChildID == childID {
			delete(s.sideCharacters, id)
		}
	}
	delete(s.interests, childID)
	delete(s.accessibility, childID)
	slog.Info("InMemoryStore.DeleteChild succeeded", "childID", childID, "userID", userID)
	return nil
}

func (s *InMemoryStore) DeleteSideCharacter(childID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sideCharacters[id]
	if !ok || c.ChildID != childID {
		return ErrNotFound
	}
	delete(s.sideCharacters, id)
	return nil
}

func (s *InMemoryStore) ListChildInterests(childID string) ([]models.ChildInterest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.interests[childID])
	if out == nil {
		out = []models.ChildInterest{}
	}
	return out, nil
}

func (s *InMemoryStore) SetChildInterests(childID string, interests []string) ([]models.ChildInterest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := now()
	out := []models.ChildInterest{}
	for _, in := range interests {
		if slices.ContainsFunc(out, func(e models.ChildInterest) bool { return e.Interest == in }) {
			continue
		}
		out = append(out, models.ChildInterest{
			ID:        uuid.NewString(),
			ChildID:   childID,
			Interest:  in,
			IsCustom:  !slices.Contains(models.DefaultInterests, in),
			CreatedAt: ts,
		})
	}
	s.interests[childID] = out
	return slices.Clone(out), nil
}

func (s *InMemoryStore) GetChildAccessibility(childID string) (*models.ChildAccessibility, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accessibility[childID]
	if !ok {
		return nil, nil
	}
	a.Needs = slices.Clone(a.Needs)
	return &a, nil
}

func (s *InMemoryStore) SaveChildAccessibility(a *models.ChildAccessibility) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := now()
	if existing, ok := s.accessibility[a.ChildID]; ok {
		a.CreatedAt = existing.CreatedAt
	} else {
		a.CreatedAt = ts
	}
	a.UpdatedAt = ts
	stored := *a
	stored.Needs = slices.Clone(a.Needs)
	s.accessibility[a.ChildID] = stored
	return nil
}

func (s *InMemoryStore) SeedCatalog(c models.Catalog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cat := range c.Categories {
		s.categories[cat.ID] = cat
	}
	for _, ch := range c.CategoryCharacters {
		s.characters[ch.ID] = ch
	}
	for _, m := range c.Morals {
		s.morals[m.ID] = m
	}
	return nil
}

func (s *InMemoryStore) ListCategories() ([]models.StoryCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.StoryCategory, 0, len(s.categories))
	for _, c := range s.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) ListCategoryCharacters(categoryID string) ([]models.CategoryCharacter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.CategoryCharacter{}
	for _, c := range s.characters {
		if c.CategoryID == categoryID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) ListMorals() ([]models.Moral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Moral, 0, len(s.morals))
	for _, m := range s.morals {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// seriesLocked returns a copy of a series with its episode count filled in.
func (s *InMemoryStore) seriesLocked(id string) (models.Series, bool) {
	sr, ok := s.series[id]
	if !ok {
		return sr, false
	}
	sr.ChildIDs = slices.Clone(sr.ChildIDs)
	sr.EpisodeCount = len(s.episodes[id])
	return sr, true
}

func (s *InMemoryStore) GetSeries(id string) (*models.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sr, ok := s.seriesLocked(id)
	if !ok {
		return nil, nil
	}
	return &sr, nil
}

func (s *InMemoryStore) ListSeries(userID string) ([]models.Series, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Series{}
	for id, sr := range s.series {
		if sr.UserID == userID {
			c, _ := s.seriesLocked(id)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) CountSeriesEpisodes(seriesID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.episodes[seriesID]), nil
}

func (s *InMemoryStore) ListSeriesEpisodes(seriesID string) ([]models.SeriesEpisode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.episodes[seriesID])
	if out == nil {
		out = []models.SeriesEpisode{}
	}
	return out, nil
}

func (s *InMemoryStore) DeleteSeries(userID, seriesID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.series[seriesID]
	if !ok || sr.UserID != userID {
		return ErrNotFound
	}
	delete(s.series, seriesID)
	delete(s.episodes, seriesID)
	return nil
}

func (s *InMemoryStore) CreateStoryRequest(p models.StoryRequestPayload) (models.SubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.requestKeys[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		r := s.requests[id]
		return models.SubmitResult{RequestID: r.ID, SeriesID: r.SeriesID}, nil
	}

	ts := now()
	r := models.StoryRequest{
		ID:                   uuid.NewString(),
		UserID:               p.UserID,
		IdempotencyKey:       p.IdempotencyKey,
		Status:               models.StoryStatusQueued,
		ChildIDs:             slices.Clone(p.ChildIDs),
		CategoryID:           copyString(p.CategoryID),
		CategoryCharacterIDs: slices.Clone(p.CategoryCharacterIDs),
		SideCharacterIDs:     slices.Clone(p.SideCharacterIDs),
		Location:             copyString(p.Location),
		MoralID:              copyString(p.MoralID),
		Length:               p.Length,
		GenerateImages:       p.GenerateImages,
		NotifyOnComplete:     p.NotifyOnComplete,
		CreatedAt:            ts,
		UpdatedAt:            ts,
	}
	if p.Series != nil {
		sr := models.Series{
			ID:             uuid.NewString(),
			UserID:         p.UserID,
			Title:          copyString(p.Series.Title),
			ChildIDs:       slices.Clone(p.ChildIDs),
			CategoryID:     copyString(p.CategoryID),
			Location:       copyString(p.Location),
			Mode:           p.Series.EpisodeLimitMode,
			DefaultMoralID: copyString(p.MoralID),
			DefaultLength:  p.Length,
			CreatedAt:      ts,
			UpdatedAt:      ts,
		}
		if sr.Mode == models.EpisodeLimitFixed && p.Series.PlannedEpisodeCount != nil {
			sr.PlannedEpisodes = *p.Series.PlannedEpisodeCount
		}
		s.series[sr.ID] = sr
		s.episodes[sr.ID] = []models.SeriesEpisode{{
			ID:            uuid.NewString(),
			SeriesID:      sr.ID,
			RequestID:     r.ID,
			EpisodeNumber: 1,
			MoralID:       copyString(p.MoralID),
			Length:        p.Length,
			CreatedAt:     ts,
		}}
		r.SeriesID = sr.ID
		r.EpisodeNumber = 1
	}
	s.requests[r.ID] = r
	if p.IdempotencyKey != "" {
		s.requestKeys[p.IdempotencyKey] = r.ID
	}
	slog.Info("InMemoryStore.CreateStoryRequest succeeded", "requestID", r.ID, "seriesID", r.SeriesID, "userID", p.UserID)
	return models.SubmitResult{RequestID: r.ID, SeriesID: r.SeriesID}, nil
}

func (s *InMemoryStore) CreateEpisodeRequest(seriesID string, p models.EpisodePayload) (models.EpisodeSubmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.requestKeys[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		r := s.requests[id]
		return models.EpisodeSubmitResult{RequestID: r.ID, StoryID: r.StoryID}, nil
	}

	sr, ok := s.series[seriesID]
	if !ok || sr.UserID != p.UserID {
		return models.EpisodeSubmitResult{}, ErrNotFound
	}
	if sr.IsFinished {
		return models.EpisodeSubmitResult{}, ErrSeriesFinished
	}
	count := len(s.episodes[seriesID])
	if p.EpisodeNumber != count+1 {
		return models.EpisodeSubmitResult{}, ErrEpisodeConflict
	}
	if sr.Mode == models.EpisodeLimitFixed && sr.PlannedEpisodes > 0 && p.EpisodeNumber > sr.PlannedEpisodes {
		return models.EpisodeSubmitResult{}, ErrSeriesFinished
	}

	ts := now()
	var first models.StoryRequest
	if eps := s.episodes[seriesID]; len(eps) > 0 {
		first = s.requests[eps[0].RequestID]
	}
	r := models.StoryRequest{
		ID:                   uuid.NewString(),
		UserID:               p.UserID,
		IdempotencyKey:       p.IdempotencyKey,
		Status:               models.StoryStatusQueued,
		ChildIDs:             slices.Clone(sr.ChildIDs),
		CategoryID:           copyString(sr.CategoryID),
		CategoryCharacterIDs: slices.Clone(first.CategoryCharacterIDs),
		SideCharacterIDs:     slices.Clone(first.SideCharacterIDs),
		Location:             copyString(sr.Location),
		MoralID:              copyString(p.MoralID),
		Length:               p.Length,
		GenerateImages:       p.GenerateImages,
		NotifyOnComplete:     p.NotifyOnComplete,
		SeriesID:             seriesID,
		EpisodeNumber:        p.EpisodeNumber,
		IsFinalEpisode:       p.MakeFinal,
		CreatedAt:            ts,
		UpdatedAt:            ts,
	}
	s.requests[r.ID] = r
	if p.IdempotencyKey != "" {
		s.requestKeys[p.IdempotencyKey] = r.ID
	}
	s.episodes[seriesID] = append(s.episodes[seriesID], models.SeriesEpisode{
		ID:            uuid.NewString(),
		SeriesID:      seriesID,
		RequestID:     r.ID,
		EpisodeNumber: p.EpisodeNumber,
		MoralID:       copyString(p.MoralID),
		Length:        p.Length,
		IsFinal:       p.MakeFinal,
		CreatedAt:     ts,
	})
	sr.IsFinished = p.MakeFinal
	sr.UpdatedAt = ts
	s.series[seriesID] = sr
	return models.EpisodeSubmitResult{RequestID: r.ID}, nil
}

func (s *InMemoryStore) GetStoryRequest(id string) (*models.StoryRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *InMemoryStore) ListPendingRequests(userID string, since time.Time) ([]models.StoryRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.StoryRequest{}
	for _, r := range s.requests {
		if r.UserID == userID && !r.Status.IsTerminal() && !r.CreatedAt.Before(since) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) CancelStoryRequest(userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok || r.UserID != userID {
		return ErrNotFound
	}
	if r.Status == models.StoryStatusCancelled {
		return nil
	}
	if r.Status.IsTerminal() {
		return ErrRequestFinalized
	}
	ts := now()
	if r.SeriesID != "" {
		eps := s.episodes[r.SeriesID]
		if len(eps) == 0 || eps[len(eps)-1].RequestID != id {
			return ErrEpisodeConflict
		}
		eps = eps[:len(eps)-1]
		if len(eps) == 0 {
			delete(s.series, r.SeriesID)
			delete(s.episodes, r.SeriesID)
		} else {
			s.episodes[r.SeriesID] = eps
			sr := s.series[r.SeriesID]
			sr.IsFinished = false
			sr.UpdatedAt = ts
			s.series[r.SeriesID] = sr
		}
	}
	r.Status = models.StoryStatusCancelled
	r.UpdatedAt = ts
	s.requests[id] = r
	slog.Info("InMemoryStore.CancelStoryRequest succeeded", "requestID", id, "seriesID", r.SeriesID, "userID", userID)
	return nil
}

func (s *InMemoryStore) UpdateStoryRequestStatus(id string, u models.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status.IsTerminal() {
		if r.Status == u.Status {
			return nil
		}
		return ErrRequestFinalized
	}
	r.Status = u.Status
	if u.StoryID != "" {
		r.StoryID = u.StoryID
		eps := s.episodes[r.SeriesID]
		for i := range eps {
			if eps[i].RequestID == id {
				eps[i].StoryID = u.StoryID
			}
		}
	}
	r.ErrorMessage = u.ErrorMessage
	r.UpdatedAt = now()
	s.requests[id] = r
	return nil
}

func (s *InMemoryStore) ListUnnotifiedCompleted(limit int) ([]models.StoryRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.StoryRequest{}
	for _, r := range s.requests {
		if r.NotifyOnComplete && !r.Notified && r.Status.IsCompleted() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) MarkRequestNotified(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.Notified = true
	r.UpdatedAt = now()
	s.requests[id] = r
	return nil
}

func flowKey(userID, flowType string) string {
	return userID + "\x00" + flowType
}

func (s *InMemoryStore) SaveFlowState(state models.FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := flowKey(state.UserID, state.FlowType)
	if existing, ok := s.flowStates[key]; ok {
		state.CreatedAt = existing.CreatedAt
	}
	s.flowStates[key] = state
	return nil
}

func (s *InMemoryStore) GetFlowState(userID, flowType string) (*models.FlowState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.flowStates[flowKey(userID, flowType)]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (s *InMemoryStore) DeleteFlowState(userID, flowType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flowStates, flowKey(userID, flowType))
	return nil
}

func (s *InMemoryStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && j.Status != JobStatusDone && j.Status != JobStatusCanceled {
				return j.ID, nil
			}
		}
	}
	ts := now()
	j := Job{
		ID:          util.GenerateJobID(),
		Kind:        kind,
		RunAt:       runAt.UTC(),
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: defaultJobMaxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(at time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(at) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		lockedAt := at
		due[i].Status = JobStatusRunning
		due[i].LockedAt = &lockedAt
		due[i].UpdatedAt = at
		s.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *InMemoryStore) setJob(id string, fn func(j *Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	fn(&j)
	j.UpdatedAt = now()
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) CompleteJob(id string) error {
	return s.setJob(id, func(j *Job) {
		j.Status = JobStatusDone
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	return s.setJob(id, func(j *Job) {
		j.Attempt++
		j.LastError = errMsg
		j.LockedAt = nil
		if j.Attempt >= j.MaxAttempts {
			j.Status = JobStatusFailed
			return
		}
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt.UTC()
	})
}

func (s *InMemoryStore) CancelJob(id string) error {
	return s.setJob(id, func(j *Job) {
		j.Status = JobStatusCanceled
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			j.UpdatedAt = now()
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(userID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusCanceled {
				return m.ID, nil
			}
		}
	}
	ts := now()
	m := OutboxMessage{
		ID:          util.GenerateOutboxID(),
		UserID:      userID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	s.outbox[m.ID] = m
	return m.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(at time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(at)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].CreatedAt.Before(due[k].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		lockedAt := at
		due[i].Status = OutboxStatusSending
		due[i].LockedAt = &lockedAt
		s.outbox[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *InMemoryStore) setOutbox(id string, fn func(m *OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return ErrNotFound
	}
	fn(&m)
	m.UpdatedAt = now()
	s.outbox[id] = m
	return nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	return s.setOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	return s.setOutbox(id, func(m *OutboxMessage) {
		next := nextAttemptAt.UTC()
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &next
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			s.outbox[id] = m
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (s *InMemoryStore) Close() error {
	return nil
}

func copyString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
