package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/chatpact/internal/domain"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

type turnRequest struct {
	AgentID  string          `json:"agentId"`
	Text     string          `json:"text"`
	Metadata domain.Metadata `json:"metadata"`
}

type reportRequest struct {
	AgentID  string            `json:"agentId"`
	Source   domain.ActionType `json:"source"`
	Metadata domain.Metadata   `json:"metadata"`
}

// messageResponse carries the engine's reply. Error is set when the reply
// answers a refused or failed operation.
type messageResponse struct {
	Message *domain.Message `json:"message"`
	Error   string          `json:"error,omitempty"`
}

// HandleTurn handles POST /api/rooms/{roomID}/turns.
func (h *Handler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if h.limiter != nil && !h.limiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req turnRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		Error(w, http.StatusBadRequest, "agentId is required")
		return
	}
	if req.Text == "" && req.Metadata.IsZero() {
		Error(w, http.StatusBadRequest, "text or metadata is required")
		return
	}

	msg, err := h.engine.HandleTurn(r.Context(), domain.Turn{
		RoomID:   chi.URLParam(r, "roomID"),
		AgentID:  req.AgentID,
		UserID:   userID,
		Text:     req.Text,
		Source:   domain.SourceUser,
		Metadata: req.Metadata,
	})
	h.respond(w, msg, err)
}

// HandleReport handles POST /api/rooms/{roomID}/reports. Only the agent's
// owner may report outcomes.
func (h *Handler) HandleReport(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req reportRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AgentID == "" || !req.Source.Valid() {
		Error(w, http.StatusBadRequest, "agentId and a known source are required")
		return
	}
	if !h.authorizeAgent(w, r, req.AgentID, userID) {
		return
	}

	msg, err := h.engine.HandleReport(r.Context(), domain.Report{
		RoomID:   chi.URLParam(r, "roomID"),
		AgentID:  req.AgentID,
		Source:   req.Source,
		Metadata: req.Metadata,
	})
	h.respond(w, msg, err)
}

func (h *Handler) respond(w http.ResponseWriter, msg *domain.Message, err error) {
	status := StatusFor(err)
	if msg == nil {
		if status == http.StatusInternalServerError {
			h.logger.Error("engine failed without a reply", "error", err)
			Error(w, status, "internal error")
			return
		}
		Error(w, status, err.Error())
		return
	}
	resp := messageResponse{Message: msg}
	if err != nil {
		resp.Error = err.Error()
	}
	JSON(w, status, resp)
}

// HandleMessages handles GET /api/rooms/{roomID}/messages. With ?after=<seq>
// it pages forward in log order; otherwise it returns the latest messages,
// oldest first.
func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	roomID := chi.URLParam(r, "roomID")
	q := r.URL.Query()

	limit := defaultMessageLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxMessageLimit)
	}

	var after int64
	raw := q.Get("after")
	if raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "invalid after")
			return
		}
		after = n
	}

	bound, ok := h.authorizeRoom(w, r, roomID, userID)
	if !ok {
		return
	}
	if !bound {
		JSON(w, http.StatusOK, map[string]any{"messages": []domain.Message{}})
		return
	}

	var (
		msgs []domain.Message
		err  error
	)
	if raw != "" {
		msgs, err = h.repo.MessagesAfter(r.Context(), roomID, after, limit)
	} else {
		msgs, err = h.repo.RecentMessages(r.Context(), roomID, time.Time{}, limit)
		reverse(msgs)
	}
	if err != nil {
		h.logger.Error("failed to read room log", "room_id", roomID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read messages")
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// HandlePending handles GET /api/rooms/{roomID}/pending.
func (h *Handler) HandlePending(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	roomID := chi.URLParam(r, "roomID")

	bound, ok := h.authorizeRoom(w, r, roomID, userID)
	if !ok {
		return
	}
	var live []*domain.PendingAction
	if bound {
		var err error
		live, err = h.engine.Resolver().FindAll(r.Context(), roomID, h.engine.Now())
		if err != nil {
			h.logger.Error("failed to resolve pending actions", "room_id", roomID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to resolve pending actions")
			return
		}
	}
	if live == nil {
		live = []*domain.PendingAction{}
	}
	JSON(w, http.StatusOK, map[string]any{"pending": live})
}

func reverse(msgs []domain.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
