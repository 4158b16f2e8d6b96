// Package channels connects external messaging platforms to the engine.
package channels

import (
	"context"

	"github.com/ashureev/chatpact/internal/domain"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It blocks until the context is
	// canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// TurnHandler processes inbound turns.
type TurnHandler interface {
	HandleTurn(ctx context.Context, turn domain.Turn) (*domain.Message, error)
}
