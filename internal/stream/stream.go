// Package stream serves a room's log as server-sent events. Event ids are log
// sequence numbers, so a reconnecting client resumes from Last-Event-ID by
// replaying the log instead of an in-memory queue.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/chatpact/internal/bus"
	"github.com/ashureev/chatpact/internal/domain"
	"github.com/ashureev/chatpact/internal/identity"
	"github.com/ashureev/chatpact/internal/store"
)

const replayBatch = 200

// Config tunes the stream.
type Config struct {
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
}

// Handler streams room messages.
type Handler struct {
	repo   store.Repository
	bus    *bus.Bus
	owners *identity.Resolver
	cfg    Config
	logger *slog.Logger
}

// NewHandler creates a stream handler.
func NewHandler(repo store.Repository, b *bus.Bus, cfg Config, logger *slog.Logger) *Handler {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 15 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{repo: repo, bus: b, owners: identity.NewResolver(repo), cfg: cfg, logger: logger}
}

// RegisterRoutes registers GET /api/rooms/{roomID}/stream.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/rooms/{roomID}/stream", h.ServeHTTP)
}

// ServeHTTP handles the SSE stream. The agentId query parameter names the
// room's agent; only its owner may subscribe, and only to a room bound to
// that agent. An unused room is bound on subscription.
//
//nolint:gocognit // SSE lifecycle handling intentionally keeps branches together.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	roomID := chi.URLParam(r, "roomID")
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		http.Error(w, `{"error": "agentId is required"}`, http.StatusBadRequest)
		return
	}
	_, owner, err := h.owners.ResolveOwner(ctx, agentID)
	if errors.Is(err, identity.ErrAgentNotFound) {
		http.Error(w, `{"error": "agent not found"}`, http.StatusNotFound)
		return
	}
	if err != nil || owner != userID {
		http.Error(w, `{"error": "forbidden"}`, http.StatusForbidden)
		return
	}
	if err := identity.ClaimRoom(ctx, h.repo, roomID, agentID); err != nil {
		if errors.Is(err, identity.ErrRoomBound) {
			http.Error(w, `{"error": "forbidden"}`, http.StatusForbidden)
			return
		}
		h.logger.Error("failed to bind room", "room_id", roomID, "error", err)
		http.Error(w, `{"error": "internal error"}`, http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	lastSeq := lastEventID(r)
	logger := h.logger.With("room_id", roomID, "user_id", userID)

	// Subscribe before replaying so nothing appended in between is lost.
	sub := h.bus.SubscribeRoom(roomID)
	defer h.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.cfg.RetryDelay.Milliseconds()); err != nil {
		return
	}
	if err := writeEvent(w, "", "connected", fmt.Sprintf(`{"roomId":%q,"lastEventId":%d}`, roomID, lastSeq)); err != nil {
		return
	}
	flusher.Flush()

	drain := func() bool {
		for {
			batch, err := h.repo.MessagesAfter(ctx, roomID, lastSeq, replayBatch)
			if err != nil {
				logger.Error("stream replay failed", "error", err)
				return false
			}
			for i := range batch {
				if err := writeMessage(w, &batch[i]); err != nil {
					return false
				}
				lastSeq = batch[i].Seq
			}
			flusher.Flush()
			if len(batch) < replayBatch {
				return true
			}
		}
	}
	if !drain() {
		return
	}
	logger.Info("SSE stream connected", "last_event_id", lastSeq)

	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("SSE stream disconnected")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			// Bus events are wake-ups; the log is the source of truth, so a
			// dropped event is recovered by the next drain.
			if ev.Message != nil && ev.Message.Seq <= lastSeq {
				continue
			}
			if !drain() {
				return
			}
		case <-keepalive.C:
			if err := writeEvent(w, "", "ping", `{"status":"alive"}`); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func lastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeMessage(w io.Writer, msg *domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return writeEvent(w, strconv.FormatInt(msg.Seq, 10), "message", string(data))
}

func writeEvent(w io.Writer, id, event, data string) error {
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
