package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/chatpact/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "chatpact.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func appendText(t *testing.T, s *SQLiteStore, roomID, id string, at time.Time, meta domain.Metadata) *domain.Message {
	t.Helper()
	msg := &domain.Message{
		ID:        id,
		RoomID:    roomID,
		UserID:    "user-1",
		AgentID:   "agent-1",
		CreatedAt: at,
		Text:      "text " + id,
		Source:    domain.SourceAgent,
		Metadata:  meta,
	}
	require.NoError(t, s.AppendMessage(context.Background(), msg))
	return msg
}

func TestAppendMessageAssignsIncreasingSeq(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	first := appendText(t, s, "room-1", "m1", now, domain.Metadata{})
	second := appendText(t, s, "room-1", "m2", now, domain.Metadata{})

	assert.Greater(t, second.Seq, first.Seq)
}

func TestRecentMessagesNewestFirstWithinWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	expires := now.Add(time.Hour).Truncate(time.Millisecond)

	appendText(t, s, "room-1", "old", now.Add(-48*time.Hour), domain.Metadata{})
	appendText(t, s, "room-1", "a", now.Add(-2*time.Minute), domain.Metadata{
		Action:             domain.ActionCreateWallet,
		PromptConfirmation: true,
		ExpiresAt:          &expires,
	})
	appendText(t, s, "room-1", "b", now.Add(-time.Minute), domain.Metadata{})
	appendText(t, s, "room-2", "other", now, domain.Metadata{})

	msgs, err := s.RecentMessages(ctx, "room-1", now.Add(-24*time.Hour), 100)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", msgs[0].ID)
	assert.Equal(t, "a", msgs[1].ID)

	meta := msgs[1].Metadata
	assert.Equal(t, domain.ActionCreateWallet, meta.Action)
	assert.True(t, meta.PromptConfirmation)
	require.NotNil(t, meta.ExpiresAt)
	assert.True(t, expires.Equal(*meta.ExpiresAt))
}

func TestRecentMessagesRespectsLimit(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	for i := 0; i < 5; i++ {
		appendText(t, s, "room-1", fmt.Sprintf("m%d", i), now, domain.Metadata{})
	}

	msgs, err := s.RecentMessages(context.Background(), "room-1", now.Add(-time.Hour), 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m4", msgs[0].ID)
	assert.Equal(t, "m2", msgs[2].ID)
}

func TestMessagesAfterOldestFirst(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	first := appendText(t, s, "room-1", "m1", now, domain.Metadata{})
	appendText(t, s, "room-1", "m2", now, domain.Metadata{})
	appendText(t, s, "room-1", "m3", now, domain.Metadata{})

	msgs, err := s.MessagesAfter(context.Background(), "room-1", first.Seq, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	assert.Equal(t, "m3", msgs[1].ID)
}

func TestUserLookupByRef(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertUser(ctx, &domain.User{UserID: "u-1", ExternalRef: "did:privy:abc", Username: "ana"}))

	user, err := s.GetUserByRef(ctx, "did:privy:abc")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "u-1", user.UserID)

	missing, err := s.GetUserByRef(ctx, "did:privy:nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSetAgentLocked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertAgent(ctx, &domain.Agent{AgentID: "agent-1", CreatedBy: "ref", Name: "Chipi"}))

	changed, err := s.SetAgentLocked(ctx, "agent-1", true)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.SetAgentLocked(ctx, "agent-1", true)
	require.NoError(t, err)
	assert.False(t, changed)

	agent, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, agent.Locked)

	// Upsert must not clear the lock.
	require.NoError(t, s.UpsertAgent(ctx, &domain.Agent{AgentID: "agent-1", CreatedBy: "ref", Name: "Renamed"}))
	agent, err = s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.True(t, agent.Locked)
	assert.Equal(t, "Renamed", agent.Name)

	_, err = s.SetAgentLocked(ctx, "ghost", true)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestCreateWalletIfNotExistsIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := s.CreateWalletIfNotExists(ctx, &domain.Wallet{
				AgentID:   "agent-1",
				Kind:      domain.WalletCustodial,
				PublicKey: fmt.Sprintf("0x%d", i),
			})
			assert.NoError(t, err)
			results[i] = created
		}(i)
	}
	wg.Wait()

	createdCount := 0
	for _, created := range results {
		if created {
			createdCount++
		}
	}
	assert.Equal(t, 1, createdCount)

	wallets, err := s.ListWallets(ctx, "agent-1")
	require.NoError(t, err)
	assert.Len(t, wallets, 1)

	external, err := s.GetWallet(ctx, "agent-1", domain.WalletExternal)
	require.NoError(t, err)
	assert.Nil(t, external)
}

func TestBindRoomFirstBindingWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bound, err := s.RoomAgent(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, bound)

	bound, err = s.BindRoom(ctx, "room-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", bound)

	bound, err = s.BindRoom(ctx, "room-1", "agent-m")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", bound)

	bound, err = s.RoomAgent(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", bound)
}

func TestRoomBindingBackfilledFromLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatpact.db")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	appendText(t, s, "legacy", "m1", time.Now(), domain.Metadata{})
	_, err = s.db.Exec(`DELETE FROM rooms`)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	bound, err := s.RoomAgent(context.Background(), "legacy")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", bound)
}
