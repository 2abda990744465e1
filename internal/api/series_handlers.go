package api

import (
	"log/slog"
	"net/http"

	"github.com/traumfunke/storyflow/internal/models"
	"github.com/traumfunke/storyflow/internal/wizard"
)

// seriesDetail is a series with its episodes and the preview of the next one.
type seriesDetail struct {
	models.Series
	Episodes    []models.SeriesEpisode `json:"episodes"`
	NextEpisode wizard.EpisodeView     `json:"next_episode"`
}

// listSeriesHandler handles GET /series.
func (s *Server) listSeriesHandler(w http.ResponseWriter, r *http.Request, userID string) {
	series, err := s.store.ListSeries(userID)
	if err != nil {
		writeError(w, "listSeriesHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(series))
}

// getSeriesHandler handles GET /series/{id}.
func (s *Server) getSeriesHandler(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	// PrepareEpisode also enforces ownership.
	ep, err := s.manager.PrepareEpisode(userID, id)
	if err != nil {
		writeError(w, "getSeriesHandler", err)
		return
	}
	series, err := s.store.GetSeries(id)
	if err != nil {
		writeError(w, "getSeriesHandler", err)
		return
	}
	if series == nil {
		writeError(w, "getSeriesHandler", wizard.ErrSeriesNotFound)
		return
	}
	episodes, err := s.store.ListSeriesEpisodes(id)
	if err != nil {
		writeError(w, "getSeriesHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(seriesDetail{
		Series:      *series,
		Episodes:    episodes,
		NextEpisode: ep.View(),
	}))
}

// deleteSeriesHandler handles DELETE /series/{id}.
func (s *Server) deleteSeriesHandler(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	if err := s.store.DeleteSeries(userID, id); err != nil {
		writeError(w, "deleteSeriesHandler", err)
		return
	}
	slog.Info("Server.deleteSeriesHandler: series deleted", "userID", userID, "seriesID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Series deleted", nil))
}

// createEpisodeHandler handles POST /series/{id}/episodes.
func (s *Server) createEpisodeHandler(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	var in wizard.EpisodeInput
	if !decodeJSON(w, r, "createEpisodeHandler", &in, true) {
		return
	}
	res, err := s.manager.FinalizeEpisode(r.Context(), userID, id, in)
	if err != nil {
		writeError(w, "createEpisodeHandler", err)
		return
	}
	slog.Info("Server.createEpisodeHandler: episode submitted", "userID", userID, "seriesID", id, "requestID", res.RequestID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Episode request submitted", res))
}
