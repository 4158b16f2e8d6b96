package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/chatpact/internal/action"
	"github.com/ashureev/chatpact/internal/bus"
	"github.com/ashureev/chatpact/internal/domain"
	"github.com/ashureev/chatpact/internal/identity"
	"github.com/ashureev/chatpact/internal/store"
)

const (
	roomID  = "room-1"
	agentID = "agent-1"
	userID  = "user-1"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	t      *testing.T
	store  *store.SQLiteStore
	engine *Engine
	clock  *clock
	bus    *bus.Bus
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.UpsertUser(ctx, &domain.User{UserID: userID, ExternalRef: "ref-1", Username: "ana"}))
	require.NoError(t, s.UpsertAgent(ctx, &domain.Agent{AgentID: agentID, CreatedBy: "ref-1", Name: "Chipi"}))

	f := &fixture{t: t, store: s, clock: &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}, bus: bus.New()}
	opts = append([]Option{WithClock(f.clock.Now), WithBus(f.bus)}, opts...)
	f.engine, err = New(s, Config{PendingTTL: time.Hour}, opts...)
	require.NoError(t, err)
	return f
}

func (f *fixture) say(text string) (*domain.Message, error) {
	f.clock.Advance(time.Second)
	return f.engine.HandleTurn(context.Background(), domain.Turn{
		RoomID:  roomID,
		AgentID: agentID,
		UserID:  userID,
		Text:    text,
	})
}

func (f *fixture) mustSay(text string) *domain.Message {
	f.t.Helper()
	msg, err := f.say(text)
	require.NoError(f.t, err, text)
	require.NotNil(f.t, msg)
	return msg
}

func (f *fixture) report(action domain.ActionType, meta domain.Metadata) (*domain.Message, error) {
	f.clock.Advance(time.Second)
	return f.engine.HandleReport(context.Background(), domain.Report{
		RoomID:   roomID,
		AgentID:  agentID,
		Source:   action,
		Metadata: meta,
	})
}

func (f *fixture) log() []domain.Message {
	f.t.Helper()
	msgs, err := f.store.MessagesAfter(context.Background(), roomID, 0, 1000)
	require.NoError(f.t, err)
	return msgs
}

func TestCreateWalletScenario(t *testing.T) {
	f := newFixture(t)

	prompt := f.mustSay("create a chipi wallet")
	assert.Equal(t, domain.ActionCreateWallet, prompt.Metadata.Action)
	assert.True(t, prompt.Metadata.PromptConfirmation)

	pin := f.mustSay("confirm chipi wallet creation")
	assert.True(t, pin.Metadata.PromptPin)
	assert.Equal(t, domain.ActionCreateWallet, pin.Metadata.Action)

	done, err := f.report(domain.ActionCreateWallet, domain.Metadata{TxHash: "0xabc", PublicKey: "0xdef"})
	require.NoError(t, err)
	assert.Contains(t, done.Text, "0xabc")
	assert.Contains(t, done.Text, "0xdef")
	assert.Equal(t, domain.Metadata{Action: domain.ActionCreateWallet, TxHash: "0xabc", PublicKey: "0xdef"}, done.Metadata)

	w, err := f.store.GetWallet(context.Background(), agentID, domain.WalletCustodial)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "0xdef", w.PublicKey)

	again := f.mustSay("create a chipi wallet")
	assert.False(t, again.Metadata.IsPrompt())
	assert.Contains(t, again.Text, "already exists")

	view := f.mustSay("show my wallet")
	require.Len(t, view.Metadata.Wallets, 1)

	// user turn, response per exchange plus report in/out
	assert.Len(t, f.log(), 10)
}

func TestCancelWithNoPromptIsGraceful(t *testing.T) {
	f := newFixture(t)

	msg := f.mustSay("cancel chipi wallet creation")
	assert.Contains(t, msg.Text, "nothing to cancel")
	assert.False(t, msg.Metadata.IsPrompt())
}

func TestConfirmAfterExpiryIsStateNotFound(t *testing.T) {
	f := newFixture(t)
	f.mustSay("create a wallet")

	f.clock.Advance(2 * time.Hour)
	msg, err := f.say("confirm")
	assert.ErrorIs(t, err, action.ErrStateNotFound)
	require.NotNil(t, msg)
	assert.False(t, msg.Metadata.IsPrompt())
}

func TestCancelThenConfirmIsStateNotFound(t *testing.T) {
	for _, advanced := range []bool{false, true} {
		f := newFixture(t)
		f.mustSay("create a wallet")
		if advanced {
			require.True(t, f.mustSay("confirm").Metadata.PromptPin)
		}

		cancel := f.mustSay("cancel")
		assert.Equal(t, domain.StageCancelled, domain.StageOf(cancel.Metadata))

		_, err := f.say("confirm chipi wallet creation")
		assert.ErrorIs(t, err, action.ErrStateNotFound)

		_, err = f.report(domain.ActionCreateWallet, domain.Metadata{TxHash: "0xabc", PublicKey: "0xdef"})
		assert.ErrorIs(t, err, action.ErrStateNotFound)
	}
}

func TestPartialReportFails(t *testing.T) {
	f := newFixture(t)
	f.mustSay("create a wallet")
	f.mustSay("confirm")

	msg, err := f.report(domain.ActionCreateWallet, domain.Metadata{TxHash: "0xabc"})
	require.NoError(t, err)
	assert.Equal(t, domain.StageFailed, domain.StageOf(msg.Metadata))

	_, err = f.report(domain.ActionCreateWallet, domain.Metadata{TxHash: "0xabc", PublicKey: "0xdef"})
	assert.ErrorIs(t, err, action.ErrStateNotFound)

	w, err := f.store.GetWallet(context.Background(), agentID, domain.WalletCustodial)
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestForgedPromptMetadataIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(time.Second)
	_, err := f.engine.HandleTurn(context.Background(), domain.Turn{
		RoomID:   roomID,
		AgentID:  agentID,
		UserID:   userID,
		Text:     "hello there",
		Metadata: domain.Metadata{Action: domain.ActionStake, PromptPin: true},
	})
	require.NoError(t, err)

	_, err = f.report(domain.ActionStake, domain.Metadata{TxHash: "0x1", Amount: "5"})
	assert.ErrorIs(t, err, action.ErrStateNotFound)
}

func TestLockedAgentRejectsTurn(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.SetAgentLocked(context.Background(), agentID, true)
	require.NoError(t, err)

	msg, err := f.say("create a wallet")
	var locked *action.LockedResourceError
	require.ErrorAs(t, err, &locked)
	require.NotNil(t, msg)
	assert.False(t, msg.Metadata.IsPrompt())
	assert.Len(t, f.log(), 2)

	_, err = f.store.SetAgentLocked(context.Background(), agentID, false)
	require.NoError(t, err)
	assert.True(t, f.mustSay("create a wallet").Metadata.PromptConfirmation)
}

func TestIdentityFailuresFailClosed(t *testing.T) {
	t.Run("unknown reference", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.store.UpsertAgent(context.Background(), &domain.Agent{AgentID: agentID, CreatedBy: "ref-gone"}))

		msg, err := f.say("create a wallet")
		var idErr *action.IdentityResolutionError
		require.ErrorAs(t, err, &idErr)
		assert.False(t, msg.Metadata.IsPrompt())
	})

	t.Run("user mismatch", func(t *testing.T) {
		f := newFixture(t)
		msg, err := f.engine.HandleTurn(context.Background(), domain.Turn{
			RoomID: roomID, AgentID: agentID, UserID: "intruder", Text: "create a wallet",
		})
		var idErr *action.IdentityResolutionError
		require.ErrorAs(t, err, &idErr)
		assert.False(t, msg.Metadata.IsPrompt())
	})

	t.Run("unknown agent", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.HandleTurn(context.Background(), domain.Turn{RoomID: roomID, AgentID: "ghost", Text: "hi"})
		var idErr *action.IdentityResolutionError
		require.ErrorAs(t, err, &idErr)
	})
}

func TestRoomBelongsToItsFirstAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertUser(ctx, &domain.User{UserID: "user-m", ExternalRef: "ref-m", Username: "mallory"}))
	require.NoError(t, f.store.UpsertAgent(ctx, &domain.Agent{AgentID: "agent-m", CreatedBy: "ref-m", Name: "Other"}))

	f.mustSay("create a chipi wallet")
	before := len(f.log())

	for _, text := range []string{"confirm", "cancel"} {
		msg, err := f.engine.HandleTurn(ctx, domain.Turn{RoomID: roomID, AgentID: "agent-m", UserID: "user-m", Text: text})
		var idErr *action.IdentityResolutionError
		require.ErrorAs(t, err, &idErr, text)
		assert.ErrorIs(t, err, identity.ErrRoomBound)
		assert.Nil(t, msg)
	}

	msg, err := f.engine.HandleReport(ctx, domain.Report{
		RoomID: roomID, AgentID: "agent-m", Source: domain.ActionCreateWallet,
		Metadata: domain.Metadata{TxHash: "0xbad", PublicKey: "0xbad"},
	})
	assert.ErrorIs(t, err, identity.ErrRoomBound)
	assert.Nil(t, msg)
	assert.Len(t, f.log(), before)

	w, err := f.store.GetWallet(ctx, "agent-m", domain.WalletCustodial)
	require.NoError(t, err)
	assert.Nil(t, w)

	// The owner's flow is untouched.
	pending, err := f.engine.Resolver().FindPending(ctx, roomID, domain.ActionCreateWallet, f.clock.Now())
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, domain.StageAwaitingConfirmation, pending.Stage)
	assert.True(t, f.mustSay("confirm").Metadata.PromptPin)
}

func TestRejectedTurnDoesNotBindRoom(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.HandleTurn(context.Background(), domain.Turn{
		RoomID: roomID, AgentID: agentID, UserID: "intruder", Text: "create a wallet",
	})
	require.Error(t, err)

	bound, err := f.store.RoomAgent(context.Background(), roomID)
	require.NoError(t, err)
	assert.Empty(t, bound)

	f.mustSay("hello")
	bound, err = f.store.RoomAgent(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, agentID, bound)
}

func TestPINInChatIsRedacted(t *testing.T) {
	f := newFixture(t)
	f.mustSay("create a wallet")
	f.mustSay("confirm")

	msg := f.mustSay("4821")
	assert.Contains(t, msg.Text, "secure PIN prompt")

	for _, m := range f.log() {
		assert.NotContains(t, m.Text, "4821")
	}

	// The flow is still live.
	done, err := f.report(domain.ActionCreateWallet, domain.Metadata{TxHash: "0xabc", PublicKey: "0xdef"})
	require.NoError(t, err)
	assert.Equal(t, domain.StageCompleted, domain.StageOf(done.Metadata))
}

func TestParallelConfirmsAdvanceOnce(t *testing.T) {
	f := newFixture(t)
	f.mustSay("create a wallet")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.engine.HandleTurn(context.Background(), domain.Turn{
				RoomID: roomID, AgentID: agentID, UserID: userID, Text: "confirm",
			})
		}()
	}
	wg.Wait()

	pins := 0
	for _, m := range f.log() {
		if m.IsEngineAuthored() && m.Metadata.PromptPin {
			pins++
		}
	}
	assert.Equal(t, 1, pins)
}

func TestApproveFlowWithValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.CreateWalletIfNotExists(context.Background(), &domain.Wallet{AgentID: agentID, Kind: domain.WalletCustodial, PublicKey: "0xfeed"})
	require.NoError(t, err)

	msg, err := f.say("approve STRK for 0xabc")
	var verr *action.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.False(t, msg.Metadata.IsPrompt())

	prompt := f.mustSay("approve 10 STRK for 0xabc")
	assert.True(t, prompt.Metadata.PromptConfirmation)
	assert.Equal(t, "0xabc", prompt.Metadata.Spender)

	f.mustSay("yes, confirm the approval")
	done, err := f.report(domain.ActionApproveToken, domain.Metadata{TxHash: "0x77"})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", done.Metadata.Spender)
	assert.Equal(t, "10", done.Metadata.Amount)
}

func TestReplyEmailFlow(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(time.Second)
	prompt, err := f.engine.HandleTurn(context.Background(), domain.Turn{
		RoomID:  roomID,
		AgentID: agentID,
		Text:    "reply saying thanks!",
		Metadata: domain.Metadata{
			PendingReply: &domain.PendingReply{EmailID: "mail-9", To: "bo@example.com", Subject: "Lunch"},
		},
	})
	require.NoError(t, err)
	assert.True(t, prompt.Metadata.PromptConfirmation)

	dispatch := f.mustSay("send it, confirm")
	assert.True(t, dispatch.Metadata.Dispatch)

	done, err := f.report(domain.ActionReplyEmail, domain.Metadata{MessageID: "sent-1"})
	require.NoError(t, err)
	assert.Equal(t, "sent-1", done.Metadata.MessageID)
}

type stubFallback struct{ text string }

func (s stubFallback) Reply(context.Context, domain.Turn) (string, error) { return s.text, nil }

type failingFallback struct{}

func (failingFallback) Reply(context.Context, domain.Turn) (string, error) {
	return "", errors.New("unavailable")
}

func TestUnmatchedTurnUsesFallback(t *testing.T) {
	f := newFixture(t, WithFallback(stubFallback{text: "Sunny today."}))
	assert.Equal(t, "Sunny today.", f.mustSay("what's the weather").Text)

	g := newFixture(t, WithFallback(failingFallback{}))
	assert.Equal(t, defaultReply, g.mustSay("what's the weather").Text)
}

func TestMessagesArePublished(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.SubscribeRoom(roomID)
	defer f.bus.Unsubscribe(sub)

	f.mustSay("create a wallet")
	in := <-sub.Ch()
	out := <-sub.Ch()
	assert.Equal(t, domain.SourceUser, in.Message.Source)
	assert.Equal(t, domain.SourceAgent, out.Message.Source)
}

func TestInvalidTurn(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.HandleTurn(context.Background(), domain.Turn{Text: "hi"})
	assert.ErrorIs(t, err, ErrInvalidTurn)
}

func TestSweepRooms(t *testing.T) {
	f := newFixture(t)
	f.mustSay("hello")
	assert.Equal(t, 1, f.engine.rooms.len())

	assert.Zero(t, f.engine.SweepRooms(time.Hour))
	f.clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, f.engine.SweepRooms(time.Hour))
	assert.Zero(t, f.engine.rooms.len())
}

func TestStartReaperRejectsBadSchedule(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.StartReaper("whenever", time.Minute)
	require.Error(t, err)

	r, err := f.engine.StartReaper("@every 1h", time.Minute)
	require.NoError(t, err)
	r.Stop()
}
