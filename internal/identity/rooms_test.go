package identity

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeRooms struct {
	mu    sync.Mutex
	bound map[string]string
	err   error
}

func (f *fakeRooms) RoomAgent(_ context.Context, roomID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bound[roomID], f.err
}

func (f *fakeRooms) BindRoom(_ context.Context, roomID, agentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if _, ok := f.bound[roomID]; !ok {
		f.bound[roomID] = agentID
	}
	return f.bound[roomID], nil
}

func TestClaimRoomFirstAgentWins(t *testing.T) {
	rooms := &fakeRooms{bound: map[string]string{}}
	ctx := context.Background()

	if err := CheckRoom(ctx, rooms, "room-1", "agent-m"); err != nil {
		t.Fatalf("unbound room must pass the check: %v", err)
	}
	if err := ClaimRoom(ctx, rooms, "room-1", "agent-1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := ClaimRoom(ctx, rooms, "room-1", "agent-1"); err != nil {
		t.Fatalf("repeated claim by the same agent: %v", err)
	}
	if err := ClaimRoom(ctx, rooms, "room-1", "agent-m"); !errors.Is(err, ErrRoomBound) {
		t.Fatalf("claim by another agent = %v, want ErrRoomBound", err)
	}
	if err := CheckRoom(ctx, rooms, "room-1", "agent-m"); !errors.Is(err, ErrRoomBound) {
		t.Fatalf("check by another agent = %v, want ErrRoomBound", err)
	}
}

func TestRoomChecksFailClosedOnStoreError(t *testing.T) {
	rooms := &fakeRooms{bound: map[string]string{}, err: errors.New("db down")}

	if err := CheckRoom(context.Background(), rooms, "room-1", "agent-1"); err == nil || errors.Is(err, ErrRoomBound) {
		t.Fatalf("expected store error, got %v", err)
	}
	if err := ClaimRoom(context.Background(), rooms, "room-1", "agent-1"); err == nil {
		t.Fatal("expected store error")
	}
}
