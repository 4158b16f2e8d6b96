package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/chatpact/internal/domain"
	"github.com/ashureev/chatpact/internal/store"
)

type lockRequest struct {
	Locked *bool `json:"locked"`
}

// HandleWallets handles GET /api/agents/{agentID}/wallets.
func (h *Handler) HandleWallets(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	agentID := chi.URLParam(r, "agentID")
	if !h.authorizeAgent(w, r, agentID, userID) {
		return
	}

	wallets, err := h.repo.ListWallets(r.Context(), agentID)
	if err != nil {
		h.logger.Error("failed to list wallets", "agent_id", agentID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list wallets")
		return
	}
	views := make([]domain.WalletView, 0, len(wallets))
	for _, wallet := range wallets {
		views = append(views, wallet.View())
	}
	JSON(w, http.StatusOK, map[string]any{"wallets": views})
}

// HandleLock handles PUT /api/agents/{agentID}/lock.
func (h *Handler) HandleLock(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	agentID := chi.URLParam(r, "agentID")

	var req lockRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Locked == nil {
		Error(w, http.StatusBadRequest, "locked is required")
		return
	}
	if !h.authorizeAgent(w, r, agentID, userID) {
		return
	}

	changed, err := h.repo.SetAgentLocked(r.Context(), agentID, *req.Locked)
	if errors.Is(err, store.ErrAgentNotFound) {
		Error(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to set agent lock", "agent_id", agentID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to set lock")
		return
	}
	h.logger.Info("agent lock updated", "agent_id", agentID, "locked", *req.Locked, "changed", changed)
	JSON(w, http.StatusOK, map[string]any{"agentId": agentID, "locked": *req.Locked, "changed": changed})
}
