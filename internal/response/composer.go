// Package response builds the engine's outbound chat messages. A message is
// human-readable text plus a metadata envelope; presentation layers render
// purely from the metadata.
package response

import (
	"time"

	"github.com/ashureev/chatpact/internal/domain"
	"github.com/ashureev/chatpact/internal/shared"
)

// Scope identifies the room and parties a message belongs to.
type Scope struct {
	RoomID  string
	AgentID string
	UserID  string
}

// ScopeOf returns the scope of an inbound turn.
func ScopeOf(turn domain.Turn) Scope {
	return Scope{RoomID: turn.RoomID, AgentID: turn.AgentID, UserID: turn.UserID}
}

// Composer creates engine-authored messages.
type Composer struct {
	now func() time.Time
}

// NewComposer creates a composer. A nil clock selects time.Now.
func NewComposer(now func() time.Time) *Composer {
	if now == nil {
		now = time.Now
	}
	return &Composer{now: now}
}

func (c *Composer) build(scope Scope, text string, meta domain.Metadata) *domain.Message {
	meta.Decision = ""
	return &domain.Message{
		ID:        shared.NewID(),
		RoomID:    scope.RoomID,
		UserID:    scope.UserID,
		AgentID:   scope.AgentID,
		CreatedAt: c.now(),
		Text:      shared.Redact(text),
		Source:    domain.SourceAgent,
		Metadata:  meta,
	}
}

// Text is a plain reply with no metadata. It never touches pending state.
func (c *Composer) Text(scope Scope, text string) *domain.Message {
	return c.build(scope, text, domain.Metadata{})
}

// Info is a reply carrying informational metadata (wallet lists, inbox
// markers). Prompt flags are stripped.
func (c *Composer) Info(scope Scope, text string, meta domain.Metadata) *domain.Message {
	meta.PromptConfirmation = false
	meta.PromptPin = false
	meta.Dispatch = false
	if meta.Action.Valid() {
		meta.Action = ""
	}
	return c.build(scope, text, meta)
}

// Prompt asks the user to confirm an action. params carries the extracted
// parameters and is echoed on every later marker of the flow.
func (c *Composer) Prompt(scope Scope, text string, action domain.ActionType, params domain.Metadata, expiresAt time.Time) *domain.Message {
	meta := params
	meta.Action = action
	meta.PromptConfirmation = true
	meta.PromptPin = false
	meta.Dispatch = false
	meta.ExpiresAt = &expiresAt
	return c.build(scope, text, meta)
}

// Advance moves a confirmed action to execution: promptPin opens the secure
// entry surface, dispatch hands a secret-free action to the boundary.
func (c *Composer) Advance(scope Scope, text string, pending *domain.PendingAction, secret bool) *domain.Message {
	meta := pending.Parameters
	meta.Action = pending.ActionType
	meta.PromptConfirmation = false
	meta.PromptPin = secret
	meta.Dispatch = !secret
	meta.ExpiresAt = pending.ExpiresAt
	return c.build(scope, text, meta)
}

// Terminal closes a flow successfully or by cancellation. outcome must not
// carry prompt flags or an expiry.
func (c *Composer) Terminal(scope Scope, text string, action domain.ActionType, outcome domain.Metadata) *domain.Message {
	outcome.Action = action
	outcome.PromptConfirmation = false
	outcome.PromptPin = false
	outcome.Dispatch = false
	outcome.ExpiresAt = nil
	outcome.PendingReply = nil
	outcome.Error = ""
	return c.build(scope, text, outcome)
}

// Failure closes a flow with an error.
func (c *Composer) Failure(scope Scope, text string, action domain.ActionType, reason string) *domain.Message {
	if reason == "" {
		reason = "execution failed"
	}
	return c.build(scope, text, domain.Metadata{Action: action, Error: shared.Redact(reason)})
}
