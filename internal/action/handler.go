// Package action implements the confirmation state machine and one handler
// per confirmable action type.
package action

import (
	"context"
	"fmt"

	"github.com/ashureev/chatpact/internal/domain"
)

// WalletStore is the durable-record boundary handlers guard on and write to.
type WalletStore interface {
	GetWallet(ctx context.Context, agentID string, kind domain.WalletKind) (*domain.Wallet, error)
	ListWallets(ctx context.Context, agentID string) ([]domain.Wallet, error)
	CreateWalletIfNotExists(ctx context.Context, wallet *domain.Wallet) (bool, error)
}

// Handler is the per-action half of the state machine. The shared Machine
// drives transitions; a handler supplies guards, parameters, texts and the
// completion contract.
type Handler interface {
	Type() domain.ActionType

	// RequiresSecret selects promptPin (true) or dispatch (false) on confirm.
	RequiresSecret() bool

	// Precondition returns a non-empty user-facing reason when durable
	// records forbid starting the flow.
	Precondition(ctx context.Context, wallets WalletStore, agentID string) (string, error)

	// Params extracts parameters from the turn. Metadata fields win over
	// text. A *ValidationError names the missing or malformed field.
	Params(turn domain.Turn) (domain.Metadata, error)

	// Validate re-checks parameters carried on a prompt marker.
	Validate(params domain.Metadata) error

	PromptText(params domain.Metadata) string
	ExecuteText(params domain.Metadata) string
	CancelText() string

	// ReportSchema is the JSON Schema a successful execution report must
	// satisfy.
	ReportSchema() string

	// Complete applies the durable side effect of a successful report and
	// returns the terminal metadata and text.
	Complete(ctx context.Context, wallets WalletStore, pending *domain.PendingAction, report domain.Metadata) (domain.Metadata, string, error)
}

// Registry maps each action type to its handler.
type Registry struct {
	handlers map[domain.ActionType]Handler
}

// NewRegistry builds a registry. Every handler must have a distinct, valid
// action type.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[domain.ActionType]Handler, len(handlers))}
	for _, h := range handlers {
		t := h.Type()
		if !t.Valid() {
			return nil, fmt.Errorf("register handler: unknown action type %q", t)
		}
		if _, dup := r.handlers[t]; dup {
			return nil, fmt.Errorf("register handler: duplicate action type %q", t)
		}
		r.handlers[t] = h
	}
	return r, nil
}

// DefaultRegistry returns the registry with every built-in handler.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		CreateWallet{},
		ApproveToken{},
		Stake{},
		ConnectWallet{},
		ReplyEmail{},
	)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the handler for an action type.
func (r *Registry) Lookup(t domain.ActionType) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// Types lists the registered action types in canonical order.
func (r *Registry) Types() []domain.ActionType {
	out := make([]domain.ActionType, 0, len(r.handlers))
	for _, t := range domain.ActionTypes {
		if _, ok := r.handlers[t]; ok {
			out = append(out, t)
		}
	}
	return out
}
