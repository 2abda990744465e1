package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/traumfunke/storyflow/internal/catalog"
	"github.com/traumfunke/storyflow/internal/messaging"
	"github.com/traumfunke/storyflow/internal/models"
	"github.com/traumfunke/storyflow/internal/store"
)

var (
	errInvalidPhone     = errors.New("invalid notify phone")
	errTooManyInterests = fmt.Errorf("at most %d interests of up to %d characters", maxInterests, maxInterestLength)
)

const (
	maxInterests      = 30
	maxInterestLength = 60

	// pendingRequestWindow limits GET /requests to recent submissions; older
	// requests that never finished are not shown as in progress.
	pendingRequestWindow = 10 * time.Minute
)

type interestsRequest struct {
	Interests []string `json:"interests"`
}

type accessibilityRequest struct {
	IncludeInStories bool                          `json:"include_in_stories"`
	Intensity        models.AccessibilityIntensity `json:"intensity"`
	Needs            []models.AccessibilityNeed    `json:"needs"`
}

type childRequest struct {
	Name             string `json:"name"`
	Age              int    `json:"age"`
	Gender           string `json:"gender,omitempty"`
	PhotoURL         string `json:"photo_url,omitempty"`
	UsePhotoForMedia bool   `json:"use_photo_for_media"`
}

type sideCharacterRequest struct {
	Name        string `json:"name"`
	CharType    string `json:"char_type"`
	Description string `json:"description,omitempty"`
}

// balanceHandler handles GET /balance.
func (s *Server) balanceHandler(w http.ResponseWriter, r *http.Request, userID string) {
	balance, err := s.store.GetBalance(userID)
	if err != nil {
		writeError(w, "balanceHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(balance))
}

// getProfileHandler handles GET /profile. Unknown users get an empty profile.
func (s *Server) getProfileHandler(w http.ResponseWriter, r *http.Request, userID string) {
	p, err := s.store.GetProfile(userID)
	if err != nil {
		writeError(w, "getProfileHandler", err)
		return
	}
	if p == nil {
		p = &models.Profile{UserID: userID}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

// updateProfileHandler handles PUT /profile. Only the fields present are changed.
func (s *Server) updateProfileHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req models.ProfileUpdateRequest
	if !decodeJSON(w, r, "updateProfileHandler", &req, false) {
		return
	}
	existing, err := s.store.GetProfile(userID)
	if err != nil {
		writeError(w, "updateProfileHandler", err)
		return
	}
	p := models.Profile{UserID: userID}
	if existing != nil {
		p = *existing
	}
	if req.DisplayName != nil {
		p.DisplayName = strings.TrimSpace(*req.DisplayName)
	}
	if req.Locale != nil {
		p.Locale = strings.TrimSpace(*req.Locale)
	}
	if req.PushToken != nil {
		p.PushToken = strings.TrimSpace(*req.PushToken)
	}
	if req.NotifyPhone != nil {
		phone := strings.TrimSpace(*req.NotifyPhone)
		if phone != "" {
			canonical, err := messaging.CanonicalPhoneNumber(phone)
			if err != nil {
				writeError(w, "updateProfileHandler", fmt.Errorf("%w: %v", errInvalidPhone, err))
				return
			}
			phone = canonical
		}
		p.NotifyPhone = phone
	}
	if err := s.store.SaveProfile(p); err != nil {
		writeError(w, "updateProfileHandler", err)
		return
	}
	saved, err := s.store.GetProfile(userID)
	if err != nil || saved == nil {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Profile updated", nil))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Profile updated", saved))
}

// listChildrenHandler handles GET /children.
func (s *Server) listChildrenHandler(w http.ResponseWriter, r *http.Request, userID string) {
	children, err := s.store.ListChildren(userID)
	if err != nil {
		writeError(w, "listChildrenHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(children))
}

// createChildHandler handles POST /children.
func (s *Server) createChildHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req childRequest
	if !decodeJSON(w, r, "createChildHandler", &req, false) {
		return
	}
	child := models.Child{
		UserID:           userID,
		Name:             strings.TrimSpace(req.Name),
		Age:              req.Age,
		Gender:           req.Gender,
		PhotoURL:         req.PhotoURL,
		UsePhotoForMedia: req.UsePhotoForMedia,
	}
	if err := child.Validate(); err != nil {
		writeError(w, "createChildHandler", err)
		return
	}
	if err := s.store.SaveChild(&child); err != nil {
		writeError(w, "createChildHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(child))
}

// ownedChild returns the child with id if it belongs to userID.
func (s *Server) ownedChild(userID, id string) (*models.Child, error) {
	child, err := s.store.GetChild(id)
	if err != nil {
		return nil, err
	}
	if child == nil || child.UserID != userID {
		return nil, fmt.Errorf("child %s: %w", id, store.ErrNotFound)
	}
	return child, nil
}

// updateChildHandler handles PUT /children/{id}.
func (s *Server) updateChildHandler(w http.ResponseWriter, r *http.Request, userID string) {
	child, err := s.ownedChild(userID, r.PathValue("id"))
	if err != nil {
		writeError(w, "updateChildHandler", err)
		return
	}
	var req childRequest
	if !decodeJSON(w, r, "updateChildHandler", &req, false) {
		return
	}
	child.Name = strings.TrimSpace(req.Name)
	child.Age = req.Age
	child.Gender = req.Gender
	child.PhotoURL = req.PhotoURL
	child.UsePhotoForMedia = req.UsePhotoForMedia
	if err := child.Validate(); err != nil {
		writeError(w, "updateChildHandler", err)
		return
	}
	if err := s.store.SaveChild(child); err != nil {
		writeError(w, "updateChildHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Child updated", child))
}

// deleteChildHandler handles DELETE /children/{id}. The child's side characters,
// interests and accessibility settings go with it.
func (s *Server) deleteChildHandler(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	if err := s.store.DeleteChild(userID, id); err != nil {
		writeError(w, "deleteChildHandler", err)
		return
	}
	slog.Info("Server.deleteChildHandler: child deleted", "userID", userID, "childID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Child deleted", nil))
}

// listSideCharactersHandler handles GET /children/{id}/side-characters.
func (s *Server) listSideCharactersHandler(w http.ResponseWriter, r *http.Request, userID string) {
	child, err := s.ownedChild(userID, r.PathValue("id"))
	if err != nil {
		writeError(w, "listSideCharactersHandler", err)
		return
	}
	chars, err := s.store.ListSideCharacters([]string{child.ID})
	if err != nil {
		writeError(w, "listSideCharactersHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(chars))
}

// createSideCharacterHandler handles POST /children/{id}/side-characters.
func (s *Server) createSideCharacterHandler(w http.ResponseWriter, r *http.Request, userID string) {
	child, err := s.ownedChild(userID, r.PathValue("id"))
	if err != nil {
		writeError(w, "createSideCharacterHandler", err)
		return
	}
	var req sideCharacterRequest
	if !decodeJSON(w, r, "createSideCharacterHandler", &req, false) {
		return
	}
	c := models.SideCharacter{
		ChildID:     child.ID,
		Name:        strings.TrimSpace(req.Name),
		CharType:    strings.TrimSpace(req.CharType),
		Description: req.Description,
	}
	if err := c.Validate(); err != nil {
		writeError(w, "createSideCharacterHandler", err)
		return
	}
	if err := s.store.SaveSideCharacter(&c); err != nil {
		writeError(w, "createSideCharacterHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(c))
}

// deleteSideCharacterHandler handles DELETE /children/{id}/side-characters/{charID}.
func (s *Server) deleteSideCharacterHandler(w http.ResponseWriter, r *http.Request, userID string) {
	child, err := s.ownedChild(userID, r.PathValue("id"))
	if err != nil {
		writeError(w, "deleteSideCharacterHandler", err)
		return
	}
	if err := s.store.DeleteSideCharacter(child.ID, r.PathValue("charID")); err != nil {
		writeError(w, "deleteSideCharacterHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Side character deleted", nil))
}

// listInterestsHandler handles GET /children/{id}/interests.
func (s *Server) listInterestsHandler(w http.ResponseWriter, r *http.Request, userID string) {
	child, err := s.ownedChild(userID, r.PathValue("id"))
	if err != nil {
		writeError(w, "listInterestsHandler", err)
		return
	}
	interests, err := s.store.ListChildInterests(child.ID)
	if err != nil {
		writeError(w, "listInterestsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(interests))
}

// setInterestsHandler handles PUT /children/{id}/interests, replacing the whole set.
func (s *Server) setInterestsHandler(w http.ResponseWriter, r *http.Request, userID string) {
	child, err := s.ownedChild(userID, r.PathValue("id"))
	if err != nil {
		writeError(w, "setInterestsHandler", err)
		return
	}
	var req interestsRequest
	if !decodeJSON(w, r, "setInterestsHandler", &req, false) {
		return
	}
	if len(req.Interests) > maxInterests {
		writeError(w, "setInterestsHandler", errTooManyInterests)
		return
	}
	cleaned := make([]string, 0, len(req.Interests))
	for _, in := range req.Interests {
		in = strings.TrimSpace(in)
		switch {
		case in == "":
			writeError(w, "setInterestsHandler", models.ErrEmptyInterest)
			return
		case len(in) > maxInterestLength:
			writeError(w, "setInterestsHandler", errTooManyInterests)
			return
		}
		cleaned = append(cleaned, in)
	}
	interests, err := s.store.SetChildInterests(child.ID, cleaned)
	if err != nil {
		writeError(w, "setInterestsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Interests saved", interests))
}

// getAccessibilityHandler handles GET /children/{id}/accessibility. A child without
// settings gets the defaults, which leave stories unchanged.
func (s *Server) getAccessibilityHandler(w http.ResponseWriter, r *http.Request, userID string) {
	child, err := s.ownedChild(userID, r.PathValue("id"))
	if err != nil {
		writeError(w, "getAccessibilityHandler", err)
		return
	}
	a, err := s.store.GetChildAccessibility(child.ID)
	if err != nil {
		writeError(w, "getAccessibilityHandler", err)
		return
	}
	if a == nil {
		a = &models.ChildAccessibility{ChildID: child.ID, Intensity: models.IntensityImplicit, Needs: []models.AccessibilityNeed{}}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(a))
}

// setAccessibilityHandler handles PUT /children/{id}/accessibility.
func (s *Server) setAccessibilityHandler(w http.ResponseWriter, r *http.Request, userID string) {
	child, err := s.ownedChild(userID, r.PathValue("id"))
	if err != nil {
		writeError(w, "setAccessibilityHandler", err)
		return
	}
	var req accessibilityRequest
	if !decodeJSON(w, r, "setAccessibilityHandler", &req, false) {
		return
	}
	a := models.ChildAccessibility{
		ChildID:          child.ID,
		IncludeInStories: req.IncludeInStories,
		Intensity:        req.Intensity,
		Needs:            req.Needs,
	}
	if a.Needs == nil {
		a.Needs = []models.AccessibilityNeed{}
	}
	if err := a.Validate(); err != nil {
		writeError(w, "setAccessibilityHandler", err)
		return
	}
	if err := s.store.SaveChildAccessibility(&a); err != nil {
		writeError(w, "setAccessibilityHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Accessibility settings saved", a))
}

// listPendingRequestsHandler handles GET /requests: the caller's submissions of the
// last few minutes that are still being generated.
func (s *Server) listPendingRequestsHandler(w http.ResponseWriter, r *http.Request, userID string) {
	pending, err := s.store.ListPendingRequests(userID, time.Now().Add(-pendingRequestWindow))
	if err != nil {
		writeError(w, "listPendingRequestsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(pending))
}

// cancelRequestHandler handles DELETE /requests/{id}. Credits spent on the request
// are not returned.
func (s *Server) cancelRequestHandler(w http.ResponseWriter, r *http.Request, userID string) {
	id := r.PathValue("id")
	if err := s.store.CancelStoryRequest(userID, id); err != nil {
		writeError(w, "cancelRequestHandler", err)
		return
	}
	slog.Info("Server.cancelRequestHandler: story request cancelled", "userID", userID, "requestID", id)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Story request cancelled", nil))
}

// getRequestHandler handles GET /requests/{id}. Requests of other users are reported as missing.
func (s *Server) getRequestHandler(w http.ResponseWriter, r *http.Request, userID string) {
	req, err := s.store.GetStoryRequest(r.PathValue("id"))
	if err != nil {
		writeError(w, "getRequestHandler", err)
		return
	}
	if req == nil || req.UserID != userID {
		writeJSONResponse(w, http.StatusNotFound, models.ErrorWithCode(CodeNotFound, "Story request not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(req))
}

// listCategoriesHandler handles GET /catalog/categories.
func (s *Server) listCategoriesHandler(w http.ResponseWriter, r *http.Request) {
	categories, err := s.store.ListCategories()
	if err != nil {
		writeError(w, "listCategoriesHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(categories))
}

// listCategoryCharactersHandler handles GET /catalog/categories/{id}/characters.
func (s *Server) listCategoryCharactersHandler(w http.ResponseWriter, r *http.Request) {
	chars, err := s.store.ListCategoryCharacters(r.PathValue("id"))
	if err != nil {
		writeError(w, "listCategoryCharactersHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(chars))
}

// listMoralsHandler handles GET /catalog/morals.
func (s *Server) listMoralsHandler(w http.ResponseWriter, r *http.Request) {
	morals, err := s.store.ListMorals()
	if err != nil {
		writeError(w, "listMoralsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(morals))
}

// listLocationsHandler handles GET /catalog/locations.
func (s *Server) listLocationsHandler(w http.ResponseWriter, r *http.Request) {
	locations := s.catalog.Locations
	if len(locations) == 0 {
		locations = catalog.DefaultLocations()
	}
	writeJSONResponse(w, http.StatusOK, models.Success(locations))
}
