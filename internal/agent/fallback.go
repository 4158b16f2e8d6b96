package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ashureev/chatpact/internal/domain"
	"github.com/ashureev/chatpact/internal/shared"
)

const defaultHistoryLimit = 20

// Replier produces conversational replies.
type Replier interface {
	Reply(ctx context.Context, req *ReplyRequest) (*ReplyResponse, error)
}

// HistoryReader reads a room's recent messages, newest first.
type HistoryReader interface {
	RecentMessages(ctx context.Context, roomID string, since time.Time, limit int) ([]domain.Message, error)
}

// Fallback answers turns no intent matched by asking the conversational
// agent. Prompt markers never come from here; the engine wraps the text in a
// plain reply.
type Fallback struct {
	replier Replier
	history HistoryReader
	limit   int
	window  time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewFallback creates a fallback. history may be nil.
func NewFallback(replier Replier, history HistoryReader, window time.Duration, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{
		replier: replier,
		history: history,
		limit:   defaultHistoryLimit,
		window:  window,
		now:     time.Now,
		logger:  logger,
	}
}

// Reply implements engine.Fallback.
func (f *Fallback) Reply(ctx context.Context, turn domain.Turn) (string, error) {
	req := &ReplyRequest{
		RoomID:  turn.RoomID,
		AgentID: turn.AgentID,
		UserID:  turn.UserID,
		Text:    shared.Redact(turn.Text),
		History: f.recent(ctx, turn.RoomID),
	}
	resp, err := f.replier.Reply(ctx, req)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

// recent returns prior room messages oldest first. The turn itself is
// already in the log, so the newest entry is dropped.
func (f *Fallback) recent(ctx context.Context, roomID string) []HistoryEntry {
	if f.history == nil {
		return nil
	}
	msgs, err := f.history.RecentMessages(ctx, roomID, f.now().Add(-f.window), f.limit+1)
	if err != nil {
		f.logger.Warn("failed to load conversation history", "room_id", roomID, "error", err)
		return nil
	}
	if len(msgs) > 0 {
		msgs = msgs[1:]
	}
	out := make([]HistoryEntry, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Text == "" {
			continue
		}
		out = append(out, HistoryEntry{Source: msgs[i].Source, Text: msgs[i].Text})
	}
	return out
}
