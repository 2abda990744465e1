package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/traumfunke/storyflow/internal/models"
	"github.com/traumfunke/storyflow/internal/store"
)

var errInvalidGrant = errors.New("grant needs a user id and either positive credits or an unlimited flag")

// creditsRequest is the purchase webhook body.
type creditsRequest struct {
	TransactionID string `json:"transaction_id,omitempty"`
	UserID        string `json:"user_id"`
	Credits       int    `json:"credits,omitempty"`
	Unlimited     *bool  `json:"unlimited,omitempty"`
}

// statusCallbackHandler handles POST /internal/requests/{id}/status from the generation backend.
func (s *Server) statusCallbackHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var u models.StatusUpdate
	if !decodeJSON(w, r, "statusCallbackHandler", &u, false) {
		return
	}
	if err := u.Validate(); err != nil {
		writeError(w, "statusCallbackHandler", err)
		return
	}
	if err := s.store.UpdateStoryRequestStatus(id, u); err != nil {
		writeError(w, "statusCallbackHandler", err)
		return
	}
	slog.Info("Server.statusCallbackHandler: request status updated", "requestID", id, "status", u.Status, "storyID", u.StoryID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Status updated", nil))
}

// grantCreditsHandler handles POST /internal/credits from the purchase provider.
func (s *Server) grantCreditsHandler(w http.ResponseWriter, r *http.Request) {
	var req creditsRequest
	if !decodeJSON(w, r, "grantCreditsHandler", &req, false) {
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || req.Credits < 0 || (req.Credits == 0 && req.Unlimited == nil) {
		writeError(w, "grantCreditsHandler", errInvalidGrant)
		return
	}
	req.TransactionID = strings.TrimSpace(req.TransactionID)
	if req.TransactionID != "" && s.grants != nil {
		s.applyPurchase(w, req)
		return
	}
	if req.Credits > 0 {
		if err := s.store.GrantCredits(req.UserID, req.Credits); err != nil {
			writeError(w, "grantCreditsHandler", err)
			return
		}
	}
	if req.Unlimited != nil {
		if err := s.store.SetUnlimited(req.UserID, *req.Unlimited); err != nil {
			writeError(w, "grantCreditsHandler", err)
			return
		}
	}
	balance, err := s.store.GetBalance(req.UserID)
	if err != nil {
		writeError(w, "grantCreditsHandler", err)
		return
	}
	slog.Info("Server.grantCreditsHandler: credits granted", "userID", req.UserID, "credits", req.Credits, "unlimited", req.Unlimited)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Credits updated", balance))
}

// applyPurchase grants a purchase once per transaction id. Redelivered webhooks get the
// current balance back without a second grant.
func (s *Server) applyPurchase(w http.ResponseWriter, req creditsRequest) {
	applied, err := s.grants.ApplyGrant(store.Grant{
		ID:        "purchase:" + req.TransactionID,
		UserID:    req.UserID,
		Credits:   req.Credits,
		Unlimited: req.Unlimited,
	})
	if err != nil {
		writeError(w, "grantCreditsHandler", err)
		return
	}
	balance, err := s.store.GetBalance(req.UserID)
	if err != nil {
		writeError(w, "grantCreditsHandler", err)
		return
	}
	if !applied {
		slog.Info("Server.grantCreditsHandler: purchase already applied", "transactionID", req.TransactionID, "userID", req.UserID)
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Purchase already applied", balance))
		return
	}
	slog.Info("Server.grantCreditsHandler: purchase applied", "transactionID", req.TransactionID, "userID", req.UserID, "credits", req.Credits)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Credits updated", balance))
}
