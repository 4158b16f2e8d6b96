package chatws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/chatpact/internal/bus"
	"github.com/ashureev/chatpact/internal/domain"
	"github.com/ashureev/chatpact/internal/identity"
	"github.com/ashureev/chatpact/internal/store"
)

// TurnHandler processes inbound turns.
type TurnHandler interface {
	HandleTurn(ctx context.Context, turn domain.Turn) (*domain.Message, error)
}

// Frame types.
const (
	FrameTurn    = "turn"
	FramePing    = "ping"
	FramePong    = "pong"
	FrameMessage = "message"
	FrameError   = "error"
)

// frame is the WebSocket message envelope in both directions.
type frame struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	Metadata *domain.Metadata `json:"metadata,omitempty"`
	Message  *domain.Message  `json:"message,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Handler serves GET /ws/rooms/{roomID}?agentId=.
type Handler struct {
	turns         TurnHandler
	bus           *bus.Bus
	owners        *identity.Resolver
	rooms         identity.RoomBinder
	sm            *SessionManager
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a WebSocket chat handler.
func NewHandler(turns TurnHandler, b *bus.Bus, repo store.Repository, sm *SessionManager, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		turns:         turns,
		bus:           b,
		owners:        identity.NewResolver(repo),
		rooms:         repo,
		sm:            sm,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// RegisterRoutes registers the WebSocket route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/rooms/{roomID}", h.ServeHTTP)
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	roomID := chi.URLParam(r, "roomID")
	agentID := r.URL.Query().Get("agentId")

	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if agentID == "" {
		http.Error(w, "agentId is required", http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	_, owner, err := h.owners.ResolveOwner(r.Context(), agentID)
	if errors.Is(err, identity.ErrAgentNotFound) {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}
	if err != nil || owner != userID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if err := identity.ClaimRoom(r.Context(), h.rooms, roomID, agentID); err != nil {
		if errors.Is(err, identity.ErrRoomBound) {
			http.Error(w, "room belongs to another agent", http.StatusForbidden)
			return
		}
		slog.Error("failed to bind room", "room_id", roomID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		slog.Error("failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.sm.Register(userID, sessionID, ws)
	defer h.sm.Unregister(userID, sessionID, ws)

	sub := h.bus.SubscribeRoom(roomID)
	defer h.bus.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.outputLoop(ctx, cancel, ws, sub)
	h.inputLoop(ctx, ws, domain.Turn{RoomID: roomID, AgentID: agentID, UserID: userID, Source: domain.SourceUser})
	slog.Info("chat session ended", "user_id", userID, "room_id", roomID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// inputLoop reads client frames until the connection closes. Replies reach
// the client through the bus like every other room message.
func (h *Handler) inputLoop(ctx context.Context, ws *websocket.Conn, base domain.Turn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "user_id", base.UserID)
			}
			return
		}

		var in frame
		if err := json.Unmarshal(data, &in); err != nil {
			h.writeFrame(ctx, ws, frame{Type: FrameError, Error: "invalid frame"})
			continue
		}

		switch in.Type {
		case FramePing:
			h.writeFrame(ctx, ws, frame{Type: FramePong})
		case FrameTurn:
			turn := base
			turn.Text = in.Text
			if in.Metadata != nil {
				turn.Metadata = *in.Metadata
			}
			if _, err := h.turns.HandleTurn(ctx, turn); err != nil {
				h.writeFrame(ctx, ws, frame{Type: FrameError, Error: err.Error()})
			}
		default:
			h.writeFrame(ctx, ws, frame{Type: FrameError, Error: "unknown frame type"})
		}
	}
}

func (h *Handler) outputLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, sub *bus.Subscription) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if !h.writeFrame(ctx, ws, frame{Type: FrameMessage, Message: ev.Message}) {
				return
			}
		}
	}
}

func (h *Handler) writeFrame(ctx context.Context, ws *websocket.Conn, f frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		slog.Warn("failed to marshal frame", "error", err)
		return true
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		if ctx.Err() == nil {
			slog.Debug("WebSocket write error", "error", err)
		}
		return false
	}
	return true
}
