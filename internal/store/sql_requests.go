package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/traumfunke/storyflow/internal/models"
)

const seriesColumns = `s.id, s.user_id, s.title, s.child_ids, s.category_id, s.location, s.mode, s.planned_episodes,
	s.is_finished, s.default_moral_id, s.default_length, s.created_at, s.updated_at,
	(SELECT COUNT(*) FROM series_episodes e WHERE e.series_id = s.id)`

func scanSeries(sc interface{ Scan(...any) error }) (models.Series, error) {
	var sr models.Series
	var title, category, location, moral sql.NullString
	var childIDs string
	var planned sql.NullInt64
	err := sc.Scan(&sr.ID, &sr.UserID, &title, &childIDs, &category, &location, &sr.Mode, &planned,
		&sr.IsFinished, &moral, &sr.DefaultLength, &sr.CreatedAt, &sr.UpdatedAt, &sr.EpisodeCount)
	if err != nil {
		return sr, err
	}
	sr.Title = optional(title)
	sr.ChildIDs = decodeIDs(childIDs)
	sr.CategoryID = optional(category)
	sr.Location = optional(location)
	sr.DefaultMoralID = optional(moral)
	sr.PlannedEpisodes = int(planned.Int64)
	return sr, nil
}

func (s *sqlStore) GetSeries(id string) (*models.Series, error) {
	sr, err := scanSeries(s.queryRow(`SELECT `+seriesColumns+` FROM series s WHERE s.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+".GetSeries failed", "error", err, "seriesID", id)
		return nil, fmt.Errorf("get series: %w", err)
	}
	return &sr, nil
}

func (s *sqlStore) ListSeries(userID string) ([]models.Series, error) {
	rows, err := s.query(`SELECT `+seriesColumns+` FROM series s WHERE s.user_id = ? ORDER BY s.updated_at DESC, s.id`, userID)
	if err != nil {
		slog.Error(s.name+".ListSeries query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("list series: %w", err)
	}
	defer rows.Close()
	out := []models.Series{}
	for rows.Next() {
		sr, err := scanSeries(rows)
		if err != nil {
			return nil, fmt.Errorf("scan series: %w", err)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountSeriesEpisodes(seriesID string) (int, error) {
	var n int
	if err := s.queryRow(`SELECT COUNT(*) FROM series_episodes WHERE series_id = ?`, seriesID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count series episodes: %w", err)
	}
	return n, nil
}

func (s *sqlStore) ListSeriesEpisodes(seriesID string) ([]models.SeriesEpisode, error) {
	rows, err := s.query(
		`SELECT id, series_id, request_id, episode_number, moral_id, length, is_final, story_id, created_at
		 FROM series_episodes WHERE series_id = ? ORDER BY episode_number`, seriesID,
	)
	if err != nil {
		return nil, fmt.Errorf("list series episodes: %w", err)
	}
	defer rows.Close()
	out := []models.SeriesEpisode{}
	for rows.Next() {
		var e models.SeriesEpisode
		var moral, story sql.NullString
		if err := rows.Scan(&e.ID, &e.SeriesID, &e.RequestID, &e.EpisodeNumber, &moral, &e.Length, &e.IsFinal, &story, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan series episode: %w", err)
		}
		e.MoralID = optional(moral)
		e.StoryID = story.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteSeries(userID, seriesID string) error {
	return s.withTx(func(tx *sqlTx) error {
		if _, err := tx.exec(`DELETE FROM series_episodes WHERE series_id IN (SELECT id FROM series WHERE id = ? AND user_id = ?)`,
			seriesID, userID); err != nil {
			return fmt.Errorf("delete series episodes: %w", err)
		}
		res, err := tx.exec(`DELETE FROM series WHERE id = ? AND user_id = ?`, seriesID, userID)
		if err != nil {
			return fmt.Errorf("delete series: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		slog.Info(s.name+".DeleteSeries succeeded", "seriesID", seriesID, "userID", userID)
		return nil
	})
}

// existingRequest returns the request created under key, if any.
func (t *sqlTx) existingRequest(key string) (id, seriesID, storyID string, found bool, err error) {
	if key == "" {
		return "", "", "", false, nil
	}
	var series, story sql.NullString
	err = t.queryRow(`SELECT id, series_id, story_id FROM story_requests WHERE idempotency_key = ?`, key).Scan(&id, &series, &story)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", "", false, nil
	}
	if err != nil {
		return "", "", "", false, fmt.Errorf("idempotency lookup: %w", err)
	}
	return id, series.String, story.String, true, nil
}

const insertRequest = `INSERT INTO story_requests (id, user_id, idempotency_key, status, child_ids, category_id,
	category_character_ids, side_character_ids, location, moral_id, length, generate_images, notify_on_complete,
	series_id, episode_number, is_final_episode, notified, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func (s *sqlStore) CreateStoryRequest(p models.StoryRequestPayload) (models.SubmitResult, error) {
	var result models.SubmitResult
	err := s.withTx(func(tx *sqlTx) error {
		id, seriesID, _, found, err := tx.existingRequest(p.IdempotencyKey)
		if err != nil {
			return err
		}
		if found {
			slog.Debug(s.name+".CreateStoryRequest: idempotent replay", "requestID", id)
			result = models.SubmitResult{RequestID: id, SeriesID: seriesID}
			return nil
		}

		ts := now()
		requestID := uuid.NewString()
		var episodeNumber any
		if p.Series != nil {
			seriesID = uuid.NewString()
			var planned any
			if p.Series.EpisodeLimitMode == models.EpisodeLimitFixed && p.Series.PlannedEpisodeCount != nil {
				planned = *p.Series.PlannedEpisodeCount
			}
			if _, err := tx.exec(
				`INSERT INTO series (id, user_id, title, child_ids, category_id, location, category_character_ids,
				   side_character_ids, mode, planned_episodes, is_finished, default_moral_id, default_length, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				seriesID, p.UserID, nullable(p.Series.Title), encodeIDs(p.ChildIDs), nullable(p.CategoryID), nullable(p.Location),
				encodeIDs(p.CategoryCharacterIDs), encodeIDs(p.SideCharacterIDs), string(p.Series.EpisodeLimitMode), planned,
				false, nullable(p.MoralID), string(p.Length), ts, ts,
			); err != nil {
				return fmt.Errorf("insert series: %w", err)
			}
			episodeNumber = 1
		}

		if _, err := tx.exec(insertRequest,
			requestID, p.UserID, nilIfEmpty(p.IdempotencyKey), string(models.StoryStatusQueued), encodeIDs(p.ChildIDs),
			nullable(p.CategoryID), encodeIDs(p.CategoryCharacterIDs), encodeIDs(p.SideCharacterIDs), nullable(p.Location),
			nullable(p.MoralID), string(p.Length), p.GenerateImages, p.NotifyOnComplete, nilIfEmpty(seriesID), episodeNumber,
			false, false, ts, ts,
		); err != nil {
			return fmt.Errorf("insert story request: %w", err)
		}

		if seriesID != "" {
			if _, err := tx.exec(
				`INSERT INTO series_episodes (id, series_id, request_id, episode_number, moral_id, length, is_final, created_at)
				 VALUES (?, ?, ?, 1, ?, ?, ?, ?)`,
				uuid.NewString(), seriesID, requestID, nullable(p.MoralID), string(p.Length), false, ts,
			); err != nil {
				return fmt.Errorf("insert first episode: %w", err)
			}
		}
		result = models.SubmitResult{RequestID: requestID, SeriesID: seriesID}
		return nil
	})
	if err != nil {
		slog.Error(s.name+".CreateStoryRequest failed", "error", err, "userID", p.UserID)
		return models.SubmitResult{}, err
	}
	slog.Info(s.name+".CreateStoryRequest succeeded", "requestID", result.RequestID, "seriesID", result.SeriesID, "userID", p.UserID)
	return result, nil
}

func (s *sqlStore) CreateEpisodeRequest(seriesID string, p models.EpisodePayload) (models.EpisodeSubmitResult, error) {
	var result models.EpisodeSubmitResult
	err := s.withTx(func(tx *sqlTx) error {
		id, _, storyID, found, err := tx.existingRequest(p.IdempotencyKey)
		if err != nil {
			return err
		}
		if found {
			result = models.EpisodeSubmitResult{RequestID: id, StoryID: storyID}
			return nil
		}

		var userID, childIDs, charIDs, sideIDs, mode string
		var category, location sql.NullString
		var planned sql.NullInt64
		var finished bool
		err = tx.queryRow(
			`SELECT user_id, child_ids, category_id, location, category_character_ids, side_character_ids,
			   mode, planned_episodes, is_finished FROM series WHERE id = ?`, seriesID,
		).Scan(&userID, &childIDs, &category, &location, &charIDs, &sideIDs, &mode, &planned, &finished)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && userID != p.UserID) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load series: %w", err)
		}
		if finished {
			return ErrSeriesFinished
		}

		var count int
		if err := tx.queryRow(`SELECT COUNT(*) FROM series_episodes WHERE series_id = ?`, seriesID).Scan(&count); err != nil {
			return fmt.Errorf("count episodes: %w", err)
		}
		if p.EpisodeNumber != count+1 {
			return ErrEpisodeConflict
		}
		if models.EpisodeLimitMode(mode) == models.EpisodeLimitFixed && planned.Valid && p.EpisodeNumber > int(planned.Int64) {
			return ErrSeriesFinished
		}

		ts := now()
		requestID := uuid.NewString()
		if _, err := tx.exec(insertRequest,
			requestID, p.UserID, nilIfEmpty(p.IdempotencyKey), string(models.StoryStatusQueued), childIDs,
			category, charIDs, sideIDs, location, nullable(p.MoralID), string(p.Length), p.GenerateImages,
			p.NotifyOnComplete, seriesID, p.EpisodeNumber, p.MakeFinal, false, ts, ts,
		); err != nil {
			return fmt.Errorf("insert episode request: %w", err)
		}
		if _, err := tx.exec(
			`INSERT INTO series_episodes (id, series_id, request_id, episode_number, moral_id, length, is_final, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), seriesID, requestID, p.EpisodeNumber, nullable(p.MoralID), string(p.Length), p.MakeFinal, ts,
		); err != nil {
			return fmt.Errorf("insert series episode: %w", err)
		}
		if _, err := tx.exec(`UPDATE series SET is_finished = ?, updated_at = ? WHERE id = ?`, p.MakeFinal, ts, seriesID); err != nil {
			return fmt.Errorf("update series: %w", err)
		}
		result = models.EpisodeSubmitResult{RequestID: requestID}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrSeriesFinished) && !errors.Is(err, ErrEpisodeConflict) {
			slog.Error(s.name+".CreateEpisodeRequest failed", "error", err, "seriesID", seriesID)
		}
		return models.EpisodeSubmitResult{}, err
	}
	slog.Info(s.name+".CreateEpisodeRequest succeeded", "requestID", result.RequestID, "seriesID", seriesID,
		"episode", p.EpisodeNumber, "final", p.MakeFinal)
	return result, nil
}

const requestColumns = `id, user_id, idempotency_key, status, child_ids, category_id, category_character_ids,
	side_character_ids, location, moral_id, length, generate_images, notify_on_complete, series_id, episode_number,
	is_final_episode, story_id, error_message, notified, created_at, updated_at`

func scanRequest(sc interface{ Scan(...any) error }) (models.StoryRequest, error) {
	var r models.StoryRequest
	var key, category, location, moral, series, story, errMsg sql.NullString
	var childIDs, charIDs, sideIDs string
	var episode sql.NullInt64
	err := sc.Scan(&r.ID, &r.UserID, &key, &r.Status, &childIDs, &category, &charIDs, &sideIDs, &location, &moral,
		&r.Length, &r.GenerateImages, &r.NotifyOnComplete, &series, &episode, &r.IsFinalEpisode, &story, &errMsg,
		&r.Notified, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	r.IdempotencyKey = key.String
	r.ChildIDs = decodeIDs(childIDs)
	r.CategoryID = optional(category)
	r.CategoryCharacterIDs = decodeIDs(charIDs)
	r.SideCharacterIDs = decodeIDs(sideIDs)
	r.Location = optional(location)
	r.MoralID = optional(moral)
	r.SeriesID = series.String
	r.EpisodeNumber = int(episode.Int64)
	r.StoryID = story.String
	r.ErrorMessage = errMsg.String
	return r, nil
}

func (s *sqlStore) GetStoryRequest(id string) (*models.StoryRequest, error) {
	r, err := scanRequest(s.queryRow(`SELECT `+requestColumns+` FROM story_requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error(s.name+".GetStoryRequest failed", "error", err, "requestID", id)
		return nil, fmt.Errorf("get story request: %w", err)
	}
	return &r, nil
}

func (s *sqlStore) ListPendingRequests(userID string, since time.Time) ([]models.StoryRequest, error) {
	rows, err := s.query(
		`SELECT `+requestColumns+` FROM story_requests
		 WHERE user_id = ? AND status NOT IN (?, ?, ?) AND created_at >= ?
		 ORDER BY created_at DESC, id`,
		userID, string(models.StoryStatusFinished), string(models.StoryStatusFailed), string(models.StoryStatusCancelled),
		since.UTC(),
	)
	if err != nil {
		slog.Error(s.name+".ListPendingRequests query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	defer rows.Close()
	out := []models.StoryRequest{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan story request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) CancelStoryRequest(userID, id string) error {
	err := s.withTx(func(tx *sqlTx) error {
		var owner, status string
		var seriesID sql.NullString
		err := tx.queryRow(`SELECT user_id, status, series_id FROM story_requests WHERE id = ?`, id).Scan(&owner, &status, &seriesID)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != userID) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load story request: %w", err)
		}
		if models.StoryStatus(status) == models.StoryStatusCancelled {
			return nil
		}
		if models.StoryStatus(status).IsTerminal() {
			return ErrRequestFinalized
		}

		ts := now()
		if seriesID.Valid && seriesID.String != "" {
			var latest string
			err := tx.queryRow(
				`SELECT request_id FROM series_episodes WHERE series_id = ? ORDER BY episode_number DESC LIMIT 1`, seriesID.String,
			).Scan(&latest)
			if errors.Is(err, sql.ErrNoRows) || (err == nil && latest != id) {
				return ErrEpisodeConflict
			}
			if err != nil {
				return fmt.Errorf("load latest episode: %w", err)
			}
			if _, err := tx.exec(`DELETE FROM series_episodes WHERE request_id = ?`, id); err != nil {
				return fmt.Errorf("delete series episode: %w", err)
			}
			var remaining int
			if err := tx.queryRow(`SELECT COUNT(*) FROM series_episodes WHERE series_id = ?`, seriesID.String).Scan(&remaining); err != nil {
				return fmt.Errorf("count episodes: %w", err)
			}
			if remaining == 0 {
				if _, err := tx.exec(`DELETE FROM series WHERE id = ?`, seriesID.String); err != nil {
					return fmt.Errorf("delete series: %w", err)
				}
			} else if _, err := tx.exec(`UPDATE series SET is_finished = ?, updated_at = ? WHERE id = ?`, false, ts, seriesID.String); err != nil {
				return fmt.Errorf("reopen series: %w", err)
			}
		}
		if _, err := tx.exec(`UPDATE story_requests SET status = ?, updated_at = ? WHERE id = ?`,
			string(models.StoryStatusCancelled), ts, id); err != nil {
			return fmt.Errorf("cancel story request: %w", err)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrRequestFinalized) && !errors.Is(err, ErrEpisodeConflict) {
			slog.Error(s.name+".CancelStoryRequest failed", "error", err, "requestID", id)
		}
		return err
	}
	slog.Info(s.name+".CancelStoryRequest succeeded", "requestID", id, "userID", userID)
	return nil
}

func (s *sqlStore) UpdateStoryRequestStatus(id string, u models.StatusUpdate) error {
	err := s.withTx(func(tx *sqlTx) error {
		var current string
		err := tx.queryRow(`SELECT status FROM story_requests WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load request status: %w", err)
		}
		if models.StoryStatus(current).IsTerminal() {
			if models.StoryStatus(current) == u.Status {
				return nil
			}
			return ErrRequestFinalized
		}
		if _, err := tx.exec(
			`UPDATE story_requests SET status = ?, story_id = COALESCE(?, story_id), error_message = ?, updated_at = ? WHERE id = ?`,
			string(u.Status), nilIfEmpty(u.StoryID), nilIfEmpty(u.ErrorMessage), now(), id,
		); err != nil {
			return fmt.Errorf("update request status: %w", err)
		}
		if u.StoryID != "" {
			if _, err := tx.exec(`UPDATE series_episodes SET story_id = ? WHERE request_id = ?`, u.StoryID, id); err != nil {
				return fmt.Errorf("update episode story: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Debug(s.name+".UpdateStoryRequestStatus succeeded", "requestID", id, "status", u.Status)
	return nil
}

func (s *sqlStore) ListUnnotifiedCompleted(limit int) ([]models.StoryRequest, error) {
	rows, err := s.query(
		`SELECT `+requestColumns+` FROM story_requests
		 WHERE notify_on_complete = ? AND notified = ? AND status IN (?, ?)
		 ORDER BY updated_at, id LIMIT ?`,
		true, false, string(models.StoryStatusFinished), string(models.StoryStatusFailed), limit,
	)
	if err != nil {
		slog.Error(s.name+".ListUnnotifiedCompleted query failed", "error", err)
		return nil, fmt.Errorf("list unnotified requests: %w", err)
	}
	defer rows.Close()
	out := []models.StoryRequest{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan story request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) MarkRequestNotified(id string) error {
	res, err := s.exec(`UPDATE story_requests SET notified = ?, updated_at = ? WHERE id = ?`, true, now(), id)
	if err != nil {
		return fmt.Errorf("mark request notified: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
