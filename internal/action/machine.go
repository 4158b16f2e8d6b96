package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/chatpact/internal/domain"
	"github.com/ashureev/chatpact/internal/response"
)

// DefaultTTL is how long a confirmation prompt stays live.
const DefaultTTL = 24 * time.Hour

// Finder resolves live pending actions from the log.
type Finder interface {
	FindPending(ctx context.Context, roomID string, action domain.ActionType, now time.Time) (*domain.PendingAction, error)
	FindAnyPending(ctx context.Context, roomID string, now time.Time) (*domain.PendingAction, error)
}

// Machine drives the shared transition table. Every method returns the
// response to append; a non-nil message may accompany a typed error
// (ValidationError, ErrStateNotFound) so the failure is still answered.
type Machine struct {
	registry *Registry
	finder   Finder
	wallets  WalletStore
	compose  *response.Composer
	ttl      time.Duration
}

// NewMachine wires a machine. A non-positive ttl selects DefaultTTL.
func NewMachine(registry *Registry, finder Finder, wallets WalletStore, compose *response.Composer, ttl time.Duration) *Machine {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Machine{registry: registry, finder: finder, wallets: wallets, compose: compose, ttl: ttl}
}

// Registry returns the handler registry.
func (m *Machine) Registry() *Registry { return m.registry }

func (m *Machine) handler(t domain.ActionType) (Handler, error) {
	h, ok := m.registry.Lookup(t)
	if !ok {
		return nil, fmt.Errorf("no handler registered for %q", t)
	}
	return h, nil
}

func (m *Machine) find(ctx context.Context, roomID string, t domain.ActionType, now time.Time) (*domain.PendingAction, error) {
	if t == "" {
		return m.finder.FindAnyPending(ctx, roomID, now)
	}
	return m.finder.FindPending(ctx, roomID, t, now)
}

// Start handles Idle -> AwaitingConfirmation. Durable-record guards run
// before parameters are parsed, so a blocked flow never shows a prompt.
func (m *Machine) Start(ctx context.Context, turn domain.Turn, t domain.ActionType, now time.Time) (*domain.Message, error) {
	h, err := m.handler(t)
	if err != nil {
		return nil, err
	}
	scope := response.ScopeOf(turn)

	reason, err := h.Precondition(ctx, m.wallets, turn.AgentID)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return m.compose.Text(scope, reason), nil
	}

	current, err := m.finder.FindPending(ctx, turn.RoomID, t, now)
	if err != nil {
		return nil, err
	}
	if current != nil && current.Stage == domain.StageAwaitingExecution {
		return m.compose.Text(scope, "That request is already confirmed and waiting to run. Finish it or say \"cancel\" first."), nil
	}

	params, err := h.Params(turn)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return m.compose.Text(scope, Reprompt(verr)), err
		}
		return nil, err
	}
	return m.compose.Prompt(scope, h.PromptText(params), t, params, now.Add(m.ttl)), nil
}

// Confirm handles AwaitingConfirmation -> AwaitingExecution. An empty action
// type confirms the newest live pending action in the room.
func (m *Machine) Confirm(ctx context.Context, turn domain.Turn, t domain.ActionType, now time.Time) (*domain.Message, error) {
	scope := response.ScopeOf(turn)
	pending, err := m.find(ctx, turn.RoomID, t, now)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return m.compose.Text(scope, "There's no pending request to confirm. It may have expired or been cancelled, please start again."), ErrStateNotFound
	}
	h, err := m.handler(pending.ActionType)
	if err != nil {
		return nil, err
	}

	if pending.Stage == domain.StageAwaitingExecution {
		if h.RequiresSecret() {
			return m.compose.Text(scope, "Already confirmed. Enter your PIN in the secure prompt to continue."), nil
		}
		return m.compose.Text(scope, "Already confirmed, it's on its way."), nil
	}

	if err := h.Validate(pending.Parameters); err != nil {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			return nil, err
		}
		expires := now.Add(m.ttl)
		if pending.ExpiresAt != nil {
			expires = *pending.ExpiresAt
		}
		return m.compose.Prompt(scope, Reprompt(verr), pending.ActionType, pending.Parameters, expires), err
	}

	return m.compose.Advance(scope, h.ExecuteText(pending.Parameters), pending, h.RequiresSecret()), nil
}

// Cancel ends a live pending action. With nothing to cancel it answers
// gracefully and returns no error.
func (m *Machine) Cancel(ctx context.Context, turn domain.Turn, t domain.ActionType, now time.Time) (*domain.Message, error) {
	scope := response.ScopeOf(turn)
	pending, err := m.find(ctx, turn.RoomID, t, now)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return m.compose.Text(scope, "There's nothing to cancel right now."), nil
	}
	h, err := m.handler(pending.ActionType)
	if err != nil {
		return nil, err
	}
	return m.compose.Terminal(scope, h.CancelText(), pending.ActionType, domain.Metadata{}), nil
}

var fieldPrompts = map[string]string{
	"amount":          "How much? Send a positive number such as 10 or 2.5.",
	"contractAddress": "Which contract should I use? Send its 0x address.",
	"spender":         "Who should be allowed to spend? Send the spender's 0x address.",
	"publicKey":       "Which wallet? Send its 0x address.",
	"emailId":         "Which email should I reply to? Open it from your inbox first.",
	"body":            "What should the reply say? Try: reply saying \"Thanks, see you then\".",
}

// Reprompt turns a validation error into a user-facing question.
func Reprompt(err *ValidationError) string {
	if q, ok := fieldPrompts[err.Field]; ok {
		if err.Reason != "missing" {
			return fmt.Sprintf("The %s %s. %s", err.Field, err.Reason, q)
		}
		return q
	}
	return fmt.Sprintf("The %s is invalid: %s.", err.Field, err.Reason)
}
