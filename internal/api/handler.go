// Package api provides HTTP handlers for the chatpact API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/chatpact/internal/action"
	"github.com/ashureev/chatpact/internal/engine"
	"github.com/ashureev/chatpact/internal/gateway"
	"github.com/ashureev/chatpact/internal/identity"
	"github.com/ashureev/chatpact/internal/store"
)

// maxRequestBodySize caps turn and report bodies (1MB).
const maxRequestBodySize = 1 << 20

// Handler serves the room and agent routes.
type Handler struct {
	repo    store.Repository
	engine  *engine.Engine
	owners  *identity.Resolver
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewHandler creates a new Handler with common dependencies. A nil limiter
// disables throttling.
func NewHandler(repo store.Repository, eng *engine.Engine, limiter *RateLimiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:    repo,
		engine:  eng,
		owners:  identity.NewResolver(repo),
		limiter: limiter,
		logger:  logger,
	}
}

// RegisterRoutes registers the room and agent routes. The identity
// middleware must run before them.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/rooms/{roomID}", func(r chi.Router) {
		r.Post("/turns", h.HandleTurn)
		r.Post("/reports", h.HandleReport)
		r.Get("/messages", h.HandleMessages)
		r.Get("/pending", h.HandlePending)
	})
	r.Route("/api/agents/{agentID}", func(r chi.Router) {
		r.Get("/wallets", h.HandleWallets)
		r.Put("/lock", h.HandleLock)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps engine errors to HTTP status codes.
func StatusFor(err error) int {
	var (
		validation *action.ValidationError
		locked     *action.LockedResourceError
		ident      *action.IdentityResolutionError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity
	case errors.As(err, &locked):
		return http.StatusLocked
	case errors.As(err, &ident):
		return http.StatusForbidden
	case errors.Is(err, action.ErrStateNotFound):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidTurn), errors.Is(err, gateway.ErrUnknownAction):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a bounded JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// requireUser returns the caller's user id or writes 401.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return userID, true
}

// authorizeRoom checks that userID owns the agent roomID is bound to. It
// reports bound=false for a room no agent has used yet.
func (h *Handler) authorizeRoom(w http.ResponseWriter, r *http.Request, roomID, userID string) (bound, ok bool) {
	agentID, err := h.repo.RoomAgent(r.Context(), roomID)
	if err != nil {
		h.logger.Error("failed to read room binding", "room_id", roomID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read room")
		return false, false
	}
	if agentID == "" {
		return false, true
	}
	return true, h.authorizeAgent(w, r, agentID, userID)
}

// authorizeAgent checks that userID owns agentID and writes the failure
// response otherwise.
func (h *Handler) authorizeAgent(w http.ResponseWriter, r *http.Request, agentID, userID string) bool {
	_, owner, err := h.owners.ResolveOwner(r.Context(), agentID)
	switch {
	case errors.Is(err, identity.ErrAgentNotFound):
		Error(w, http.StatusNotFound, "agent not found")
		return false
	case err != nil:
		h.logger.Warn("agent owner resolution failed", "agent_id", agentID, "error", err)
		Error(w, http.StatusForbidden, "agent owner could not be resolved")
		return false
	case owner != userID:
		Error(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}
