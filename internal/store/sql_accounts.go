package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"
	"github.com/traumfunke/storyflow/internal/models"
)

func (s *sqlStore) GetProfile(userID string) (*models.Profile, error) {
	var p models.Profile
	var displayName, locale, phone, push sql.NullString
	err := s.queryRow(
		`SELECT user_id, display_name, locale, notify_phone, push_token, credits, is_unlimited, created_at, updated_at
		 FROM profiles WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &displayName, &locale, &phone, &push, &p.Credits, &p.IsUnlimited, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+".GetProfile failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("get profile: %w", err)
	}
	p.DisplayName = displayName.String
	p.Locale = locale.String
	p.NotifyPhone = phone.String
	p.PushToken = push.String
	return &p, nil
}

func (s *sqlStore) SaveProfile(p models.Profile) error {
	ts := now()
	_, err := s.exec(
		`INSERT INTO profiles (user_id, display_name, locale, notify_phone, push_token, credits, is_unlimited, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
		   display_name = excluded.display_name,
		   locale = excluded.locale,
		   notify_phone = excluded.notify_phone,
		   push_token = excluded.push_token,
		   updated_at = excluded.updated_at`,
		p.UserID, nilIfEmpty(p.DisplayName), nilIfEmpty(p.Locale), nilIfEmpty(p.NotifyPhone), nilIfEmpty(p.PushToken),
		false, ts, ts,
	)
	if err != nil {
		slog.Error(s.name+".SaveProfile failed", "error", err, "userID", p.UserID)
		return fmt.Errorf("save profile: %w", err)
	}
	slog.Debug(s.name+".SaveProfile succeeded", "userID", p.UserID)
	return nil
}

func (s *sqlStore) GetBalance(userID string) (models.Balance, error) {
	var b models.Balance
	err := s.queryRow(`SELECT credits, is_unlimited FROM profiles WHERE user_id = ?`, userID).Scan(&b.Credits, &b.IsUnlimited)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Balance{}, nil
	}
	if err != nil {
		slog.Error(s.name+".GetBalance failed", "error", err, "userID", userID)
		return models.Balance{}, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

func (s *sqlStore) DebitCredits(userID string, amount int) (models.DebitResult, error) {
	if amount <= 0 {
		return models.DebitResult{}, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	// Single conditional UPDATE: concurrent debits cannot overdraw.
	var unlimited bool
	err := s.queryRow(
		`UPDATE profiles
		 SET credits = CASE WHEN is_unlimited THEN credits ELSE credits - ? END, updated_at = ?
		 WHERE user_id = ? AND (is_unlimited OR credits >= ?)
		 RETURNING is_unlimited`,
		amount, now(), userID, amount,
	).Scan(&unlimited)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug(s.name+".DebitCredits: balance too low", "userID", userID, "amount", amount)
		return models.DebitResult{}, nil
	}
	if err != nil {
		slog.Error(s.name+".DebitCredits failed", "error", err, "userID", userID, "amount", amount)
		return models.DebitResult{}, fmt.Errorf("debit credits: %w", err)
	}
	res := models.DebitResult{OK: true, Charged: amount}
	if unlimited {
		res.Charged = 0
	}
	slog.Debug(s.name+".DebitCredits", "userID", userID, "amount", amount, "charged", res.Charged)
	return res, nil
}

func (s *sqlStore) GrantCredits(userID string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	ts := now()
	_, err := s.exec(
		`INSERT INTO profiles (user_id, credits, is_unlimited, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET credits = profiles.credits + excluded.credits, updated_at = excluded.updated_at`,
		userID, amount, false, ts, ts,
	)
	if err != nil {
		slog.Error(s.name+".GrantCredits failed", "error", err, "userID", userID, "amount", amount)
		return fmt.Errorf("grant credits: %w", err)
	}
	slog.Info(s.name+".GrantCredits succeeded", "userID", userID, "amount", amount)
	return nil
}

func (s *sqlStore) SetUnlimited(userID string, unlimited bool) error {
	ts := now()
	_, err := s.exec(
		`INSERT INTO profiles (user_id, credits, is_unlimited, created_at, updated_at)
		 VALUES (?, 0, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET is_unlimited = excluded.is_unlimited, updated_at = excluded.updated_at`,
		userID, unlimited, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("set unlimited: %w", err)
	}
	return nil
}

const childColumns = `id, user_id, name, age, gender, photo_url, use_photo_for_media, created_at, updated_at`

func scanChild(sc interface{ Scan(...any) error }) (models.Child, error) {
	var c models.Child
	var gender, photo sql.NullString
	err := sc.Scan(&c.ID, &c.UserID, &c.Name, &c.Age, &gender, &photo, &c.UsePhotoForMedia, &c.CreatedAt, &c.UpdatedAt)
	c.Gender = gender.String
	c.PhotoURL = photo.String
	return c, err
}

func (s *sqlStore) ListChildren(userID string) ([]models.Child, error) {
	rows, err := s.query(`SELECT `+childColumns+` FROM children WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		slog.Error(s.name+".ListChildren query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	children := []models.Child{}
	for rows.Next() {
		c, err := scanChild(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		children = append(children, c)
	}
	return children, rows.Err()
}

func (s *sqlStore) GetChild(id string) (*models.Child, error) {
	c, err := scanChild(s.queryRow(`SELECT `+childColumns+` FROM children WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get child: %w", err)
	}
	return &c, nil
}

func (s *sqlStore) SaveChild(c *models.Child) error {
	ts := now()
	if c.ID == "" {
		c.ID = uuid.NewString()
		c.CreatedAt = ts
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = ts
	}
	c.UpdatedAt = ts
	_, err := s.exec(
		`INSERT INTO children (`+childColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   name = excluded.name, age = excluded.age, gender = excluded.gender,
		   photo_url = excluded.photo_url, use_photo_for_media = excluded.use_photo_for_media,
		   updated_at = excluded.updated_at`,
		c.ID, c.UserID, c.Name, c.Age, nilIfEmpty(c.Gender), nilIfEmpty(c.PhotoURL), c.UsePhotoForMedia, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		slog.Error(s.name+".SaveChild failed", "error", err, "userID", c.UserID)
		return fmt.Errorf("save child: %w", err)
	}
	slog.Debug(s.name+".SaveChild succeeded", "id", c.ID, "userID", c.UserID)
	return nil
}

func (s *sqlStore) ListSideCharacters(childIDs []string) ([]models.SideCharacter, error) {
	out := []models.SideCharacter{}
	if len(childIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(childIDs))
	for i, id := range childIDs {
		args[i] = id
	}
	rows, err := s.query(
		`SELECT id, child_id, name, char_type, description, created_at FROM side_characters
		 WHERE child_id IN (`+placeholders(len(childIDs))+`) ORDER BY created_at, id`, args...,
	)
	if err != nil {
		slog.Error(s.name+".ListSideCharacters query failed", "error", err)
		return nil, fmt.Errorf("list side characters: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c models.SideCharacter
		var desc sql.NullString
		if err := rows.Scan(&c.ID, &c.ChildID, &c.Name, &c.CharType, &desc, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan side character: %w", err)
		}
		c.Description = desc.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) SaveSideCharacter(c *models.SideCharacter) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now()
	}
	_, err := s.exec(
		`INSERT INTO side_characters (id, child_id, name, char_type, description, created_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, char_type = excluded.char_type, description = excluded.description`,
		c.ID, c.ChildID, c.Name, c.CharType, nilIfEmpty(c.Description), c.CreatedAt,
	)
	if err != nil {
		slog.Error(s.name+".SaveSideCharacter failed", "error", err, "childID", c.ChildID)
		return fmt.Errorf("save side character: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteChild(userID, childID string) error {
	return s.withTx(func(tx *sqlTx) error {
		res, err := tx.exec(`DELETE FROM children WHERE id = ? AND user_id = ?`, childID, userID)
		if err != nil {
			return fmt.Errorf("delete child: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		for _, q := range []string{
			`DELETE FROM side_characters WHERE child_id = ?`,
			`DELETE FROM child_interests WHERE child_id = ?`,
			`DELETE FROM child_accessibility WHERE child_id = ?`,
		} {
			if _, err := tx.exec(q, childID); err != nil {
				return fmt.Errorf("delete child data: %w", err)
			}
		}
		slog.Info(s.name+".DeleteChild succeeded", "childID", childID, "userID", userID)
		return nil
	})
}

func (s *sqlStore) DeleteSideCharacter(childID, id string) error {
	res, err := s.exec(`DELETE FROM side_characters WHERE id = ? AND child_id = ?`, id, childID)
	if err != nil {
		slog.Error(s.name+".DeleteSideCharacter failed", "error", err, "childID", childID)
		return fmt.Errorf("delete side character: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ListChildInterests(childID string) ([]models.ChildInterest, error) {
	rows, err := s.query(
		`SELECT id, child_id, interest, is_custom, created_at FROM child_interests WHERE child_id = ? ORDER BY created_at, id`, childID,
	)
	if err != nil {
		return nil, fmt.Errorf("list child interests: %w", err)
	}
	defer rows.Close()
	out := []models.ChildInterest{}
	for rows.Next() {
		var in models.ChildInterest
		if err := rows.Scan(&in.ID, &in.ChildID, &in.Interest, &in.IsCustom, &in.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan child interest: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *sqlStore) SetChildInterests(childID string, interests []string) ([]models.ChildInterest, error) {
	err := s.withTx(func(tx *sqlTx) error {
		if _, err := tx.exec(`DELETE FROM child_interests WHERE child_id = ?`, childID); err != nil {
			return fmt.Errorf("clear child interests: %w", err)
		}
		ts := now()
		for _, in := range interests {
			if _, err := tx.exec(
				`INSERT INTO child_interests (id, child_id, interest, is_custom, created_at) VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT (child_id, interest) DO NOTHING`,
				uuid.NewString(), childID, in, !slices.Contains(models.DefaultInterests, in), ts,
			); err != nil {
				return fmt.Errorf("insert child interest: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		slog.Error(s.name+".SetChildInterests failed", "error", err, "childID", childID)
		return nil, err
	}
	return s.ListChildInterests(childID)
}

func (s *sqlStore) GetChildAccessibility(childID string) (*models.ChildAccessibility, error) {
	var a models.ChildAccessibility
	var needs string
	err := s.queryRow(
		`SELECT child_id, include_in_stories, intensity, needs, created_at, updated_at FROM child_accessibility WHERE child_id = ?`, childID,
	).Scan(&a.ChildID, &a.IncludeInStories, &a.Intensity, &needs, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get child accessibility: %w", err)
	}
	for _, n := range decodeIDs(needs) {
		a.Needs = append(a.Needs, models.AccessibilityNeed(n))
	}
	if a.Needs == nil {
		a.Needs = []models.AccessibilityNeed{}
	}
	return &a, nil
}

func (s *sqlStore) SaveChildAccessibility(a *models.ChildAccessibility) error {
	ts := now()
	needs := make([]string, len(a.Needs))
	for i, n := range a.Needs {
		needs[i] = string(n)
	}
	err := s.queryRow(
		`INSERT INTO child_accessibility (child_id, include_in_stories, intensity, needs, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (child_id) DO UPDATE SET
		   include_in_stories = excluded.include_in_stories, intensity = excluded.intensity,
		   needs = excluded.needs, updated_at = excluded.updated_at
		 RETURNING created_at`,
		a.ChildID, a.IncludeInStories, string(a.Intensity), encodeIDs(needs), ts, ts,
	).Scan(&a.CreatedAt)
	if err != nil {
		slog.Error(s.name+".SaveChildAccessibility failed", "error", err, "childID", a.ChildID)
		return fmt.Errorf("save child accessibility: %w", err)
	}
	a.UpdatedAt = ts
	return nil
}

func (s *sqlStore) SeedCatalog(c models.Catalog) error {
	return s.withTx(func(tx *sqlTx) error {
		for _, cat := range c.Categories {
			if _, err := tx.exec(
				`INSERT INTO story_categories (id, slug, name, description, icon, sort_order) VALUES (?, ?, ?, ?, ?, ?)
				 ON CONFLICT (id) DO UPDATE SET slug = excluded.slug, name = excluded.name,
				   description = excluded.description, icon = excluded.icon, sort_order = excluded.sort_order`,
				cat.ID, cat.Slug, cat.Name, cat.Description, cat.Icon, cat.SortOrder,
			); err != nil {
				return fmt.Errorf("seed category %s: %w", cat.ID, err)
			}
		}
		for _, ch := range c.CategoryCharacters {
			if _, err := tx.exec(
				`INSERT INTO category_characters (id, category_id, name, emoji, description, image_prompt_hint, sort_order)
				 VALUES (?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (id) DO UPDATE SET category_id = excluded.category_id, name = excluded.name,
				   emoji = excluded.emoji, description = excluded.description,
				   image_prompt_hint = excluded.image_prompt_hint, sort_order = excluded.sort_order`,
				ch.ID, ch.CategoryID, ch.Name, ch.Emoji, ch.Description, ch.ImagePromptHint, ch.SortOrder,
			); err != nil {
				return fmt.Errorf("seed category character %s: %w", ch.ID, err)
			}
		}
		for _, m := range c.Morals {
			if _, err := tx.exec(
				`INSERT INTO morals (id, slug, text, sort_order) VALUES (?, ?, ?, ?)
				 ON CONFLICT (id) DO UPDATE SET slug = excluded.slug, text = excluded.text, sort_order = excluded.sort_order`,
				m.ID, m.Slug, m.Text, m.SortOrder,
			); err != nil {
				return fmt.Errorf("seed moral %s: %w", m.ID, err)
			}
		}
		slog.Info(s.name+".SeedCatalog succeeded", "categories", len(c.Categories),
			"characters", len(c.CategoryCharacters), "morals", len(c.Morals))
		return nil
	})
}

func (s *sqlStore) ListCategories() ([]models.StoryCategory, error) {
	rows, err := s.query(`SELECT id, slug, name, description, icon, sort_order FROM story_categories ORDER BY sort_order, id`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()
	out := []models.StoryCategory{}
	for rows.Next() {
		var c models.StoryCategory
		if err := rows.Scan(&c.ID, &c.Slug, &c.Name, &c.Description, &c.Icon, &c.SortOrder); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListCategoryCharacters(categoryID string) ([]models.CategoryCharacter, error) {
	rows, err := s.query(
		`SELECT id, category_id, name, emoji, description, image_prompt_hint, sort_order
		 FROM category_characters WHERE category_id = ? ORDER BY sort_order, id`, categoryID,
	)
	if err != nil {
		return nil, fmt.Errorf("list category characters: %w", err)
	}
	defer rows.Close()
	out := []models.CategoryCharacter{}
	for rows.Next() {
		var c models.CategoryCharacter
		if err := rows.Scan(&c.ID, &c.CategoryID, &c.Name, &c.Emoji, &c.Description, &c.ImagePromptHint, &c.SortOrder); err != nil {
			return nil, fmt.Errorf("scan category character: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListMorals() ([]models.Moral, error) {
	rows, err := s.query(`SELECT id, slug, text, sort_order FROM morals ORDER BY sort_order, id`)
	if err != nil {
		return nil, fmt.Errorf("list morals: %w", err)
	}
	defer rows.Close()
	out := []models.Moral{}
	for rows.Next() {
		var m models.Moral
		if err := rows.Scan(&m.ID, &m.Slug, &m.Text, &m.SortOrder); err != nil {
			return nil, fmt.Errorf("scan moral: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveFlowState stores or updates flow state for a user.
func (s *sqlStore) SaveFlowState(state models.FlowState) error {
	_, err := s.exec(
		`INSERT INTO flow_states (user_id, flow_type, current_state, state_data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, flow_type) DO UPDATE SET
		   current_state = excluded.current_state,
		   state_data = excluded.state_data,
		   updated_at = excluded.updated_at`,
		state.UserID, state.FlowType, state.CurrentState, state.StateData, state.CreatedAt.UTC(), state.UpdatedAt.UTC(),
	)
	if err != nil {
		slog.Error(s.name+".SaveFlowState failed", "error", err, "userID", state.UserID, "flowType", state.FlowType)
		return fmt.Errorf("save flow state: %w", err)
	}
	slog.Debug(s.name+".SaveFlowState succeeded", "userID", state.UserID, "flowType", state.FlowType, "state", state.CurrentState)
	return nil
}

// GetFlowState retrieves flow state for a user.
func (s *sqlStore) GetFlowState(userID, flowType string) (*models.FlowState, error) {
	var state models.FlowState
	var data sql.NullString
	err := s.queryRow(
		`SELECT user_id, flow_type, current_state, state_data, created_at, updated_at
		 FROM flow_states WHERE user_id = ? AND flow_type = ?`, userID, flowType,
	).Scan(&state.UserID, &state.FlowType, &state.CurrentState, &data, &state.CreatedAt, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug(s.name+".GetFlowState not found", "userID", userID, "flowType", flowType)
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+".GetFlowState failed", "error", err, "userID", userID, "flowType", flowType)
		return nil, fmt.Errorf("get flow state: %w", err)
	}
	state.StateData = data.String
	return &state, nil
}

// DeleteFlowState removes flow state for a user.
func (s *sqlStore) DeleteFlowState(userID, flowType string) error {
	if _, err := s.exec(`DELETE FROM flow_states WHERE user_id = ? AND flow_type = ?`, userID, flowType); err != nil {
		slog.Error(s.name+".DeleteFlowState failed", "error", err, "userID", userID, "flowType", flowType)
		return fmt.Errorf("delete flow state: %w", err)
	}
	slog.Debug(s.name+".DeleteFlowState succeeded", "userID", userID, "flowType", flowType)
	return nil
}
