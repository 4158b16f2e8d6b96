package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/chatpact/internal/domain"
	"github.com/ashureev/chatpact/internal/store"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func tempDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "chatpact.db")
}

func TestUserAndAgentAdd(t *testing.T) {
	db := tempDB(t)

	out, err := runCLI(t, "--db", db, "user", "add", "u-1", "--ref", "ext-1", "--username", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "User u-1 saved (ref ext-1)")

	out, err = runCLI(t, "--db", db, "agent", "add", "a-1", "--created-by", "ext-1", "--name", "helper")
	require.NoError(t, err)
	assert.Contains(t, out, "Agent a-1 saved")

	s, err := store.NewSQLite(db)
	require.NoError(t, err)
	defer s.Close()

	agent, err := s.GetAgent(context.Background(), "a-1")
	require.NoError(t, err)
	require.NotNil(t, agent)
	assert.Equal(t, "ext-1", agent.CreatedBy)
	assert.Equal(t, "helper", agent.Name)
}

func TestAgentAddRequiresCreator(t *testing.T) {
	_, err := runCLI(t, "--db", tempDB(t), "agent", "add", "a-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--created-by")
}

func TestLockAndUnlock(t *testing.T) {
	db := tempDB(t)
	_, err := runCLI(t, "--db", db, "agent", "add", "a-1", "--created-by", "ext-1")
	require.NoError(t, err)

	out, err := runCLI(t, "--db", db, "lock", "a-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Agent a-1 locked.")

	out, err = runCLI(t, "--db", db, "lock", "a-1")
	require.NoError(t, err)
	assert.Contains(t, out, "already locked")

	out, err = runCLI(t, "--db", db, "unlock", "a-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Agent a-1 unlocked.")

	_, err = runCLI(t, "--db", db, "lock", "missing")
	require.ErrorIs(t, err, store.ErrAgentNotFound)
}

func seedRoom(t *testing.T, db string) {
	t.Helper()
	s, err := store.NewSQLite(db)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	now := time.Now()
	expires := now.Add(time.Hour)
	msgs := []*domain.Message{
		{ID: "m-1", RoomID: "r-1", AgentID: "a-1", UserID: "u-1", Source: domain.SourceUser,
			Text: "stake 10", CreatedAt: now.Add(-2 * time.Second)},
		{ID: "m-2", RoomID: "r-1", AgentID: "a-1", UserID: "u-1", Source: domain.SourceAgent,
			Text: "Confirm staking 10?", CreatedAt: now.Add(-time.Second),
			Metadata: domain.Metadata{Action: domain.ActionStake, PromptConfirmation: true, Amount: "10", ExpiresAt: &expires}},
	}
	for _, m := range msgs {
		require.NoError(t, s.AppendMessage(ctx, m))
	}
}

func TestLogPrintsOldestFirst(t *testing.T) {
	db := tempDB(t)
	seedRoom(t, db)

	out, err := runCLI(t, "--db", db, "log", "r-1")
	require.NoError(t, err)
	first := bytes.Index([]byte(out), []byte("stake 10"))
	second := bytes.Index([]byte(out), []byte("Confirm staking"))
	require.True(t, first >= 0 && second >= 0, out)
	assert.Less(t, first, second)
	assert.Contains(t, out, string(domain.StageAwaitingConfirmation))
}

func TestPendingJSON(t *testing.T) {
	db := tempDB(t)
	seedRoom(t, db)

	out, err := runCLI(t, "--db", db, "--json", "pending", "r-1")
	require.NoError(t, err)

	var live []domain.PendingAction
	require.NoError(t, json.Unmarshal([]byte(out), &live))
	require.Len(t, live, 1)
	assert.Equal(t, domain.ActionStake, live[0].ActionType)
	assert.Equal(t, domain.StageAwaitingConfirmation, live[0].Stage)
	assert.Equal(t, "m-2", live[0].MessageID)
}

func TestPendingEmptyRoom(t *testing.T) {
	out, err := runCLI(t, "--db", tempDB(t), "pending", "nowhere")
	require.NoError(t, err)
	assert.Contains(t, out, "No pending actions.")
}

func TestPickExecutable(t *testing.T) {
	live := []*domain.PendingAction{
		{ActionType: domain.ActionStake, Stage: domain.StageAwaitingExecution},
		{ActionType: domain.ActionApproveToken, Stage: domain.StageAwaitingConfirmation},
	}
	p, err := pickExecutable(live, "")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionStake, p.ActionType)

	_, err = pickExecutable(live, domain.ActionApproveToken)
	require.Error(t, err)

	live = append(live, &domain.PendingAction{ActionType: domain.ActionCreateWallet, Stage: domain.StageAwaitingExecution})
	_, err = pickExecutable(live, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--action")

	p, err = pickExecutable(live, domain.ActionCreateWallet)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionCreateWallet, p.ActionType)
}

func TestExecuteRunsAndReports(t *testing.T) {
	var (
		gotPIN    string
		gotReport map[string]any
		cookies   []string
	)

	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/actions/STAKE", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotPIN, _ = body["pin"].(string)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"txHash":"0xabc","amount":"10"}`))
	}))
	defer vendor.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookies = append(cookies, r.Header.Get("Cookie"))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/rooms/r-1/pending":
			_ = json.NewEncoder(w).Encode(map[string]any{"pending": []domain.PendingAction{{
				ActionType: domain.ActionStake,
				RoomID:     "r-1",
				AgentID:    "a-1",
				Stage:      domain.StageAwaitingExecution,
				MessageID:  "m-3",
				Parameters: domain.Metadata{Action: domain.ActionStake, PromptPin: true, Amount: "10"},
			}}})
		case r.Method == http.MethodPost && r.URL.Path == "/api/rooms/r-1/reports":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReport))
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	out, err := runCLI(t, "execute", "r-1", "--server", server.URL, "--vendor", vendor.URL,
		"--session", "anon-session", "--pin", "1234")
	require.NoError(t, err)
	assert.Contains(t, out, "STAKE succeeded (tx 0xabc)")
	assert.NotContains(t, out, "1234")

	assert.Equal(t, "1234", gotPIN)
	require.NotNil(t, gotReport)
	assert.Equal(t, "STAKE", gotReport["source"])
	assert.Equal(t, "a-1", gotReport["agentId"])
	meta := gotReport["metadata"].(map[string]any)
	assert.Equal(t, "0xabc", meta["txHash"])
	for _, c := range cookies {
		assert.Equal(t, "chatpact_uid=anon-session", c)
	}
}

func TestExecuteRejectsBadPINWithoutCallingVendor(t *testing.T) {
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("vendor must not be called")
	}))
	defer vendor.Close()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Error("nothing may be reported")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"pending": []domain.PendingAction{{
			ActionType: domain.ActionStake, RoomID: "r-1", AgentID: "a-1",
			Stage:      domain.StageAwaitingExecution,
			Parameters: domain.Metadata{Action: domain.ActionStake, PromptPin: true},
		}}})
	}))
	defer server.Close()

	_, err := runCLI(t, "execute", "r-1", "--server", server.URL, "--vendor", vendor.URL,
		"--session", "s", "--pin", "12a4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "4 digits")
}
