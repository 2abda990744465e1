package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/traumfunke/storyflow/internal/models"
	"github.com/traumfunke/storyflow/internal/wizard"
)

var (
	// errUnknownChild is returned when a request names a child the user does not own.
	errUnknownChild = errors.New("unknown child")
	// errUnknownSideCharacter is returned for a side character of someone else's child.
	errUnknownSideCharacter = errors.New("unknown side character")
	// errUnknownCategoryCharacter is returned for an archetype outside the selected category.
	errUnknownCategoryCharacter = errors.New("unknown category character")
)

type childrenRequest struct {
	ChildIDs []string `json:"child_ids"`
}

type categoryRequest struct {
	CategoryID string `json:"category_id"`
}

type charactersRequest struct {
	CategoryCharacterIDs []string `json:"category_character_ids"`
	SideCharacterIDs     []string `json:"side_character_ids"`
}

type locationRequest struct {
	Location string `json:"location"`
}

type modeRequest struct {
	Mode   models.StoryMode     `json:"mode"`
	Series *models.SeriesConfig `json:"series,omitempty"`
}

type moralRequest struct {
	MoralID string `json:"moral_id"`
}

type optionsRequest struct {
	Length         *string `json:"length,omitempty"`
	GenerateImages *bool   `json:"generate_images,omitempty"`
}

// startWizardHandler handles POST /wizard.
func (s *Server) startWizardHandler(w http.ResponseWriter, r *http.Request, userID string) {
	sess, err := s.manager.Start(r.Context(), userID)
	if err != nil {
		writeError(w, "startWizardHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(sess.View()))
}

// getWizardHandler handles GET /wizard.
func (s *Server) getWizardHandler(w http.ResponseWriter, r *http.Request, userID string) {
	sess, err := s.manager.Get(r.Context(), userID)
	if err != nil {
		writeError(w, "getWizardHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess.View()))
}

// cancelWizardHandler handles DELETE /wizard.
func (s *Server) cancelWizardHandler(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.manager.Cancel(r.Context(), userID); err != nil {
		writeError(w, "cancelWizardHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Wizard session cancelled", nil))
}

// update runs fn against the user's session and writes the resulting view.
func (s *Server) update(w http.ResponseWriter, r *http.Request, op, userID string, fn func(*wizard.Session) error) {
	sess, err := s.manager.Update(r.Context(), userID, fn)
	if err != nil {
		writeError(w, op, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess.View()))
}

// setChildrenHandler handles PUT /wizard/children. Every child must belong to the caller.
func (s *Server) setChildrenHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req childrenRequest
	if !decodeJSON(w, r, "setChildrenHandler", &req, false) {
		return
	}
	for _, id := range req.ChildIDs {
		child, err := s.store.GetChild(id)
		if err != nil {
			writeError(w, "setChildrenHandler", err)
			return
		}
		if child == nil || child.UserID != userID {
			slog.Warn("Server.setChildrenHandler: child not owned by user", "userID", userID, "childID", id)
			writeJSONResponse(w, http.StatusUnprocessableEntity, models.ErrorWithCode(CodeInvalidInput, errUnknownChild.Error()+": "+id))
			return
		}
	}
	s.update(w, r, "setChildrenHandler", userID, func(sess *wizard.Session) error {
		sess.SetChildren(req.ChildIDs)
		return nil
	})
}

// setCategoryHandler handles PUT /wizard/category.
func (s *Server) setCategoryHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req categoryRequest
	if !decodeJSON(w, r, "setCategoryHandler", &req, false) {
		return
	}
	s.update(w, r, "setCategoryHandler", userID, func(sess *wizard.Session) error {
		sess.SetCategory(req.CategoryID)
		return nil
	})
}

// setCharactersHandler handles PUT /wizard/characters. Omitted lists are left unchanged.
// Side characters must belong to one of the caller's children and archetypes to the
// selected category.
func (s *Server) setCharactersHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req charactersRequest
	if !decodeJSON(w, r, "setCharactersHandler", &req, false) {
		return
	}
	if len(req.SideCharacterIDs) > 0 {
		if err := s.checkSideCharacters(userID, req.SideCharacterIDs); err != nil {
			writeError(w, "setCharactersHandler", err)
			return
		}
	}
	s.update(w, r, "setCharactersHandler", userID, func(sess *wizard.Session) error {
		if req.CategoryCharacterIDs != nil {
			if err := s.checkCategoryCharacters(sess.CategoryID(), req.CategoryCharacterIDs); err != nil {
				return err
			}
			sess.SetCategoryCharacters(req.CategoryCharacterIDs)
		}
		if req.SideCharacterIDs != nil {
			sess.SetSideCharacters(req.SideCharacterIDs)
		}
		return nil
	})
}

// checkSideCharacters rejects ids that are not side characters of the user's children.
func (s *Server) checkSideCharacters(userID string, ids []string) error {
	children, err := s.store.ListChildren(userID)
	if err != nil {
		return err
	}
	childIDs := make([]string, 0, len(children))
	for _, c := range children {
		childIDs = append(childIDs, c.ID)
	}
	owned, err := s.store.ListSideCharacters(childIDs)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(owned))
	for _, c := range owned {
		known[c.ID] = true
	}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" && !known[id] {
			slog.Warn("Server.setCharactersHandler: side character not owned by user", "userID", userID, "characterID", id)
			return fmt.Errorf("%w: %s", errUnknownSideCharacter, id)
		}
	}
	return nil
}

// checkCategoryCharacters rejects archetypes that do not belong to categoryID.
func (s *Server) checkCategoryCharacters(categoryID string, ids []string) error {
	var chars []models.CategoryCharacter
	if categoryID != "" {
		var err error
		if chars, err = s.store.ListCategoryCharacters(categoryID); err != nil {
			return err
		}
	}
	known := make(map[string]bool, len(chars))
	for _, c := range chars {
		known[c.ID] = true
	}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" && !known[id] {
			return fmt.Errorf("%w: %s", errUnknownCategoryCharacter, id)
		}
	}
	return nil
}

// setLocationHandler handles PUT /wizard/location.
func (s *Server) setLocationHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req locationRequest
	if !decodeJSON(w, r, "setLocationHandler", &req, false) {
		return
	}
	s.update(w, r, "setLocationHandler", userID, func(sess *wizard.Session) error {
		return sess.SetLocation(req.Location)
	})
}

// setModeHandler handles PUT /wizard/mode, optionally with the series settings.
func (s *Server) setModeHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req modeRequest
	if !decodeJSON(w, r, "setModeHandler", &req, false) {
		return
	}
	s.update(w, r, "setModeHandler", userID, func(sess *wizard.Session) error {
		if err := sess.SetMode(req.Mode); err != nil {
			return err
		}
		if req.Series != nil && req.Mode == models.StoryModeSeries {
			return sess.SetSeriesConfig(*req.Series)
		}
		return nil
	})
}

// setMoralHandler handles PUT /wizard/moral.
func (s *Server) setMoralHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req moralRequest
	if !decodeJSON(w, r, "setMoralHandler", &req, false) {
		return
	}
	s.update(w, r, "setMoralHandler", userID, func(sess *wizard.Session) error {
		sess.SetMoral(req.MoralID)
		return nil
	})
}

// setOptionsHandler handles PUT /wizard/options.
func (s *Server) setOptionsHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req optionsRequest
	if !decodeJSON(w, r, "setOptionsHandler", &req, false) {
		return
	}
	s.update(w, r, "setOptionsHandler", userID, func(sess *wizard.Session) error {
		if req.Length != nil {
			length, err := models.ParseStoryLength(*req.Length)
			if err != nil {
				return err
			}
			if err := sess.SetLength(length); err != nil {
				return err
			}
		}
		if req.GenerateImages != nil {
			sess.SetGenerateImages(*req.GenerateImages)
		}
		return nil
	})
}

// nextHandler handles POST /wizard/next.
func (s *Server) nextHandler(w http.ResponseWriter, r *http.Request, userID string) {
	s.update(w, r, "nextHandler", userID, func(sess *wizard.Session) error {
		return sess.Next()
	})
}

// backHandler handles POST /wizard/back.
func (s *Server) backHandler(w http.ResponseWriter, r *http.Request, userID string) {
	s.update(w, r, "backHandler", userID, func(sess *wizard.Session) error {
		return sess.Back()
	})
}

// finalizeHandler handles POST /wizard/finalize.
func (s *Server) finalizeHandler(w http.ResponseWriter, r *http.Request, userID string) {
	res, err := s.manager.Finalize(r.Context(), userID)
	if err != nil {
		writeError(w, "finalizeHandler", err)
		return
	}
	slog.Info("Server.finalizeHandler: story submitted", "userID", userID, "requestID", res.RequestID, "seriesID", res.SeriesID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Story request submitted", res))
}
