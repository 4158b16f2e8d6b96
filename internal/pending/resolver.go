// Package pending reconstructs live confirmation state from a room's
// message log. There is no state table: the newest engine-authored marker for
// an action type decides.
package pending

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/chatpact/internal/domain"
)

// Default lookback bounds.
const (
	DefaultWindow = 24 * time.Hour
	DefaultLimit  = 100
)

// LogReader is the slice of the repository the resolver needs.
type LogReader interface {
	RecentMessages(ctx context.Context, roomID string, since time.Time, limit int) ([]domain.Message, error)
}

// Resolver scans a bounded window of the log, newest first.
type Resolver struct {
	log    LogReader
	window time.Duration
	limit  int
}

// NewResolver creates a resolver. Non-positive bounds fall back to defaults.
func NewResolver(log LogReader, window time.Duration, limit int) *Resolver {
	if window <= 0 {
		window = DefaultWindow
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Resolver{log: log, window: window, limit: limit}
}

// Window returns the lookback age.
func (r *Resolver) Window() time.Duration { return r.window }

// Limit returns the lookback count.
func (r *Resolver) Limit() int { return r.limit }

func (r *Resolver) recent(ctx context.Context, roomID string, now time.Time) ([]domain.Message, error) {
	msgs, err := r.log.RecentMessages(ctx, roomID, now.Add(-r.window), r.limit)
	if err != nil {
		return nil, fmt.Errorf("load recent messages for room %s: %w", roomID, err)
	}
	return msgs, nil
}

// FindPending returns the live pending action of the given type, or nil when
// there is none. A prompt counts only if no newer engine marker for the same
// type exists and its expiresAt is still in the future.
func (r *Resolver) FindPending(ctx context.Context, roomID string, action domain.ActionType, now time.Time) (*domain.PendingAction, error) {
	msgs, err := r.recent(ctx, roomID, now)
	if err != nil {
		return nil, err
	}
	p, stage := decide(msgs, action, now)
	if !stage.Live() {
		return nil, nil
	}
	return p, nil
}

// FindAnyPending returns the newest live pending action of any type in the
// room, or nil.
func (r *Resolver) FindAnyPending(ctx context.Context, roomID string, now time.Time) (*domain.PendingAction, error) {
	all, err := r.FindAll(ctx, roomID, now)
	if err != nil || len(all) == 0 {
		return nil, err
	}
	return all[0], nil
}

// FindAll returns every live pending action in the room, newest first.
func (r *Resolver) FindAll(ctx context.Context, roomID string, now time.Time) ([]*domain.PendingAction, error) {
	msgs, err := r.recent(ctx, roomID, now)
	if err != nil {
		return nil, err
	}

	seen := make(map[domain.ActionType]bool, len(domain.ActionTypes))
	var live []*domain.PendingAction
	for i := range msgs {
		m := &msgs[i]
		if !m.IsEngineAuthored() || !m.Metadata.Action.Valid() || seen[m.Metadata.Action] {
			continue
		}
		seen[m.Metadata.Action] = true
		if p, stage := fromMarker(m, now); stage.Live() {
			live = append(live, p)
		}
	}
	return live, nil
}

// Inspect reports the derived stage for an action type. The returned pending
// action is non-nil whenever a prompt marker was found, live or not.
func (r *Resolver) Inspect(ctx context.Context, roomID string, action domain.ActionType, now time.Time) (*domain.PendingAction, domain.Stage, error) {
	msgs, err := r.recent(ctx, roomID, now)
	if err != nil {
		return nil, domain.StageIdle, err
	}
	p, stage := decide(msgs, action, now)
	return p, stage, nil
}

// decide walks msgs (newest first) and lets the first engine-authored marker
// for the action type decide.
func decide(msgs []domain.Message, action domain.ActionType, now time.Time) (*domain.PendingAction, domain.Stage) {
	for i := range msgs {
		m := &msgs[i]
		if !m.IsEngineAuthored() || m.Metadata.Action != action {
			continue
		}
		return fromMarker(m, now)
	}
	return nil, domain.StageIdle
}

func fromMarker(m *domain.Message, now time.Time) (*domain.PendingAction, domain.Stage) {
	if !m.Metadata.IsPrompt() {
		return nil, domain.StageOf(m.Metadata)
	}

	stage := domain.StageOf(m.Metadata)
	if m.Metadata.Expired(now) {
		stage = domain.StageExpired
	}
	return &domain.PendingAction{
		ActionType: m.Metadata.Action,
		RoomID:     m.RoomID,
		UserID:     m.UserID,
		AgentID:    m.AgentID,
		Parameters: m.Metadata,
		CreatedAt:  m.CreatedAt,
		ExpiresAt:  m.Metadata.ExpiresAt,
		Stage:      stage,
		MessageID:  m.ID,
	}, stage
}
