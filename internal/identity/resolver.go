package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/chatpact/internal/domain"
)

var (
	// ErrAgentNotFound means the room's agent has no record.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrUnknownReference means no user owns the created-by reference.
	ErrUnknownReference = errors.New("created-by reference does not resolve to a user")
)

// Directory is the slice of the repository the resolver reads.
type Directory interface {
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)
	GetUserByRef(ctx context.Context, externalRef string) (*domain.User, error)
}

// Resolver maps an agent's created-by reference to a stable user id. It
// fails closed: any lookup error or missing record is an error.
type Resolver struct {
	dir Directory
}

// NewResolver creates a resolver.
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// ResolveUserID resolves an opaque created-by reference.
func (r *Resolver) ResolveUserID(ctx context.Context, createdBy string) (string, error) {
	if createdBy == "" {
		return "", ErrUnknownReference
	}
	user, err := r.dir.GetUserByRef(ctx, createdBy)
	if err != nil {
		return "", fmt.Errorf("lookup user by reference: %w", err)
	}
	if user == nil || user.UserID == "" {
		return "", ErrUnknownReference
	}
	return user.UserID, nil
}

// ResolveOwner loads the agent and resolves its owner's user id.
func (r *Resolver) ResolveOwner(ctx context.Context, agentID string) (*domain.Agent, string, error) {
	agent, err := r.dir.GetAgent(ctx, agentID)
	if err != nil {
		return nil, "", fmt.Errorf("lookup agent: %w", err)
	}
	if agent == nil {
		return nil, "", ErrAgentNotFound
	}
	userID, err := r.ResolveUserID(ctx, agent.CreatedBy)
	if err != nil {
		return agent, "", err
	}
	return agent, userID, nil
}
