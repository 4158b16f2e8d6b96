package identity

import (
	"context"
	"errors"
	"fmt"
)

// ErrRoomBound means the room already belongs to a different agent.
var ErrRoomBound = errors.New("room is bound to another agent")

// RoomBinder is the slice of the repository that records which agent a
// room belongs to.
type RoomBinder interface {
	RoomAgent(ctx context.Context, roomID string) (string, error)
	BindRoom(ctx context.Context, roomID, agentID string) (string, error)
}

// CheckRoom fails with ErrRoomBound when roomID is bound to an agent other
// than agentID. Unbound rooms pass.
func CheckRoom(ctx context.Context, rooms RoomBinder, roomID, agentID string) error {
	bound, err := rooms.RoomAgent(ctx, roomID)
	if err != nil {
		return fmt.Errorf("lookup room binding: %w", err)
	}
	if bound != "" && bound != agentID {
		return ErrRoomBound
	}
	return nil
}

// ClaimRoom binds an unbound room to agentID, or fails with ErrRoomBound
// when another agent got there first. The caller must already have verified
// that the requesting user owns agentID.
func ClaimRoom(ctx context.Context, rooms RoomBinder, roomID, agentID string) error {
	bound, err := rooms.BindRoom(ctx, roomID, agentID)
	if err != nil {
		return fmt.Errorf("bind room: %w", err)
	}
	if bound != agentID {
		return ErrRoomBound
	}
	return nil
}
