// Package api exposes the story wizard, series continuation, child profiles and
// catalog over HTTP, and receives progress callbacks from the generation backend.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/traumfunke/storyflow/internal/metrics"
	"github.com/traumfunke/storyflow/internal/models"
	"github.com/traumfunke/storyflow/internal/store"
	"github.com/traumfunke/storyflow/internal/wizard"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// UserIDHeader carries the authenticated user id, set by the fronting gateway.
	UserIDHeader = "X-User-ID"
	// CallbackSecretHeader authenticates calls from the generation backend and the
	// purchase webhook.
	CallbackSecretHeader = "X-Callback-Secret"

	maxBodyBytes = 1 << 20
)

// Server serves the HTTP API.
type Server struct {
	store          store.Store
	manager        *wizard.Manager
	catalog        models.Catalog
	metrics        *metrics.Metrics
	callbackSecret string
	grants         store.GrantRepo
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerCatalog sets the catalog used for location suggestions.
func WithServerCatalog(c models.Catalog) ServerOption {
	return func(s *Server) {
		s.catalog = c
	}
}

// WithServerMetrics enables request instrumentation and the /metrics endpoint.
func WithServerMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithServerCallbackSecret enables the /internal routes, guarded by secret.
func WithServerCallbackSecret(secret string) ServerOption {
	return func(s *Server) {
		s.callbackSecret = secret
	}
}

// WithServerGrants makes the credits webhook apply each transaction id once.
func WithServerGrants(repo store.GrantRepo) ServerOption {
	return func(s *Server) {
		s.grants = repo
	}
}

// NewServer creates a Server.
func NewServer(st store.Store, manager *wizard.Manager, opts ...ServerOption) *Server {
	s := &Server{store: st, manager: manager}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	mux.HandleFunc("POST /wizard", s.user(s.startWizardHandler))
	mux.HandleFunc("GET /wizard", s.user(s.getWizardHandler))
	mux.HandleFunc("DELETE /wizard", s.user(s.cancelWizardHandler))
	mux.HandleFunc("PUT /wizard/children", s.user(s.setChildrenHandler))
	mux.HandleFunc("PUT /wizard/category", s.user(s.setCategoryHandler))
	mux.HandleFunc("PUT /wizard/characters", s.user(s.setCharactersHandler))
	mux.HandleFunc("PUT /wizard/location", s.user(s.setLocationHandler))
	mux.HandleFunc("PUT /wizard/mode", s.user(s.setModeHandler))
	mux.HandleFunc("PUT /wizard/moral", s.user(s.setMoralHandler))
	mux.HandleFunc("PUT /wizard/options", s.user(s.setOptionsHandler))
	mux.HandleFunc("POST /wizard/next", s.user(s.nextHandler))
	mux.HandleFunc("POST /wizard/back", s.user(s.backHandler))
	mux.HandleFunc("POST /wizard/finalize", s.user(s.finalizeHandler))

	mux.HandleFunc("GET /series", s.user(s.listSeriesHandler))
	mux.HandleFunc("GET /series/{id}", s.user(s.getSeriesHandler))
	mux.HandleFunc("DELETE /series/{id}", s.user(s.deleteSeriesHandler))
	mux.HandleFunc("POST /series/{id}/episodes", s.user(s.createEpisodeHandler))

	mux.HandleFunc("GET /balance", s.user(s.balanceHandler))
	mux.HandleFunc("GET /profile", s.user(s.getProfileHandler))
	mux.HandleFunc("PUT /profile", s.user(s.updateProfileHandler))
	mux.HandleFunc("GET /children", s.user(s.listChildrenHandler))
	mux.HandleFunc("POST /children", s.user(s.createChildHandler))
	mux.HandleFunc("PUT /children/{id}", s.user(s.updateChildHandler))
	mux.HandleFunc("DELETE /children/{id}", s.user(s.deleteChildHandler))
	mux.HandleFunc("GET /children/{id}/side-characters", s.user(s.listSideCharactersHandler))
	mux.HandleFunc("POST /children/{id}/side-characters", s.user(s.createSideCharacterHandler))
	mux.HandleFunc("DELETE /children/{id}/side-characters/{charID}", s.user(s.deleteSideCharacterHandler))
	mux.HandleFunc("GET /children/{id}/interests", s.user(s.listInterestsHandler))
	mux.HandleFunc("PUT /children/{id}/interests", s.user(s.setInterestsHandler))
	mux.HandleFunc("GET /children/{id}/accessibility", s.user(s.getAccessibilityHandler))
	mux.HandleFunc("PUT /children/{id}/accessibility", s.user(s.setAccessibilityHandler))
	mux.HandleFunc("GET /requests", s.user(s.listPendingRequestsHandler))
	mux.HandleFunc("GET /requests/{id}", s.user(s.getRequestHandler))
	mux.HandleFunc("DELETE /requests/{id}", s.user(s.cancelRequestHandler))

	mux.HandleFunc("GET /catalog/categories", s.listCategoriesHandler)
	mux.HandleFunc("GET /catalog/categories/{id}/characters", s.listCategoryCharactersHandler)
	mux.HandleFunc("GET /catalog/morals", s.listMoralsHandler)
	mux.HandleFunc("GET /catalog/locations", s.listLocationsHandler)

	mux.HandleFunc("POST /internal/requests/{id}/status", s.internal(s.statusCallbackHandler))
	mux.HandleFunc("POST /internal/credits", s.internal(s.grantCreditsHandler))

	if s.metrics == nil {
		return mux
	}
	mux.Handle("GET /metrics", s.metrics.Handler())
	return s.metrics.InstrumentHandler(mux)
}

// userHandler is a handler that runs for an identified user.
type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

// user resolves the caller from UserIDHeader.
func (s *Server) user(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserIDHeader))
		if userID == "" {
			slog.Warn("Server.user: missing user id", "method", r.Method, "path", r.URL.Path)
			writeJSONResponse(w, http.StatusUnauthorized, models.ErrorWithCode(CodeUnauthenticated, "Missing "+UserIDHeader+" header"))
			return
		}
		next(w, r, userID)
	}
}

// internal guards backend and webhook routes with the shared secret. Without a
// configured secret the routes are disabled.
func (s *Server) internal(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.callbackSecret == "" {
			slog.Warn("Server.internal: callback secret not configured, rejecting", "path", r.URL.Path)
			writeJSONResponse(w, http.StatusForbidden, models.ErrorWithCode(CodeForbidden, "Internal routes are disabled"))
			return
		}
		got := r.Header.Get(CallbackSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.callbackSecret)) != 1 {
			slog.Warn("Server.internal: invalid callback secret", "path", r.URL.Path)
			writeJSONResponse(w, http.StatusForbidden, models.ErrorWithCode(CodeForbidden, "Invalid callback secret"))
			return
		}
		next(w, r)
	}
}

// decodeJSON reads a JSON body into v and writes a 400 on failure. An empty body
// leaves v untouched when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, op string, v interface{}, allowEmpty bool) bool {
	if r.Body != nil {
		defer r.Body.Close()
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		slog.Warn("Server."+op+": failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorWithCode(CodeInvalidJSON, "Invalid JSON format"))
		return false
	}
	return true
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	statusCode := http.StatusOK
	done := make(chan error, 1)
	go func() {
		_, err := s.store.ListMorals()
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			slog.Warn("Server.healthHandler: store check failed", "error", err)
			healthData["status"] = "degraded"
			healthData["error"] = "store unavailable"
			statusCode = http.StatusServiceUnavailable
		}
	case <-ctx.Done():
		healthData["status"] = "degraded"
		healthData["error"] = "store check timed out"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}
