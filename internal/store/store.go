// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/chatpact/internal/domain"
)

// Repository defines the interface for the message log and the durable
// per-agent records.
type Repository interface {
	// AppendMessage appends msg to its room log and sets msg.Seq.
	// Messages are never updated or deleted afterwards.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// RecentMessages returns up to limit messages of a room created at or
	// after since, newest first.
	RecentMessages(ctx context.Context, roomID string, since time.Time, limit int) ([]domain.Message, error)

	// MessagesAfter returns up to limit messages of a room with seq greater
	// than afterSeq, oldest first.
	MessagesAfter(ctx context.Context, roomID string, afterSeq int64, limit int) ([]domain.Message, error)

	// RoomAgent returns the agent a room is bound to, or "" when the room
	// has never been used.
	RoomAgent(ctx context.Context, roomID string) (string, error)

	// BindRoom binds an unbound room to agentID and returns the bound agent.
	// The first binding wins; later calls return it unchanged.
	BindRoom(ctx context.Context, roomID, agentID string) (string, error)

	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// GetUserByRef retrieves a user by the opaque external reference.
	GetUserByRef(ctx context.Context, externalRef string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// GetAgent retrieves an agent by ID.
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)

	// UpsertAgent creates or updates an agent record. The locked flag is
	// only written on insert; use SetAgentLocked to change it.
	UpsertAgent(ctx context.Context, agent *domain.Agent) error

	// SetAgentLocked sets the lock flag in a single statement and reports
	// whether the value changed.
	SetAgentLocked(ctx context.Context, agentID string, locked bool) (bool, error)

	// GetWallet fetches the wallet of the given kind owned by an agent.
	GetWallet(ctx context.Context, agentID string, kind domain.WalletKind) (*domain.Wallet, error)

	// ListWallets returns all wallets owned by an agent.
	ListWallets(ctx context.Context, agentID string) ([]domain.Wallet, error)

	// CreateWalletIfNotExists inserts the wallet unless one of the same kind
	// already exists for the agent, and reports whether it inserted.
	CreateWalletIfNotExists(ctx context.Context, wallet *domain.Wallet) (bool, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
