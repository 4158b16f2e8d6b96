package chatws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/chatpact/internal/bus"
	"github.com/ashureev/chatpact/internal/domain"
	"github.com/ashureev/chatpact/internal/identity"
	"github.com/ashureev/chatpact/internal/store"
)

// echoTurns publishes a reply for each turn the way the engine would.
type echoTurns struct {
	bus   *bus.Bus
	mu    sync.Mutex
	turns []domain.Turn
}

func (e *echoTurns) HandleTurn(_ context.Context, turn domain.Turn) (*domain.Message, error) {
	e.mu.Lock()
	e.turns = append(e.turns, turn)
	e.mu.Unlock()
	reply := &domain.Message{ID: "r", RoomID: turn.RoomID, AgentID: turn.AgentID, Source: domain.SourceAgent, Text: "echo: " + turn.Text}
	e.bus.PublishMessage(reply)
	return reply, nil
}

func setup(t *testing.T) (*echoTurns, *SessionManager, string) {
	t.Helper()
	turns, sm, base, _ := setupStore(t)
	return turns, sm, base
}

func setupStore(t *testing.T) (*echoTurns, *SessionManager, string, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "ws.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	require.NoError(t, s.UpsertUser(ctx, &domain.User{UserID: "user-1", ExternalRef: "ref-1"}))
	require.NoError(t, s.UpsertAgent(ctx, &domain.Agent{AgentID: "agent-1", CreatedBy: "ref-1"}))

	b := bus.New()
	turns := &echoTurns{bus: b}
	sm := NewSessionManager()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(identity.WithUserID(r.Context(), r.Header.Get("X-Test-User"))))
		})
	})
	NewHandler(turns, b, s, sm, "", true).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return turns, sm, "ws" + strings.TrimPrefix(srv.URL, "http"), s
}

func dial(ctx context.Context, t *testing.T, url, user string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	return websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"X-Test-User": []string{user}},
	})
}

func readFrame(ctx context.Context, t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestTurnRoundTrip(t *testing.T) {
	turns, sm, base := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := dial(ctx, t, base+"/ws/rooms/room-1?agentId=agent-1", "user-1")
	require.NoError(t, err)
	defer ws.CloseNow()

	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))
	assert.Equal(t, FramePong, readFrame(ctx, t, ws).Type)

	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`{"type":"turn","text":"hello","metadata":{"decision":"cancel"}}`)))
	got := readFrame(ctx, t, ws)
	require.Equal(t, FrameMessage, got.Type)
	require.NotNil(t, got.Message)
	assert.Equal(t, "echo: hello", got.Message.Text)

	turns.mu.Lock()
	require.Len(t, turns.turns, 1)
	assert.Equal(t, "user-1", turns.turns[0].UserID)
	assert.Equal(t, "agent-1", turns.turns[0].AgentID)
	assert.Equal(t, domain.DecisionCancel, turns.turns[0].Metadata.Decision)
	turns.mu.Unlock()

	assert.Equal(t, 1, sm.Count())

	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(`not json`)))
	assert.Equal(t, FrameError, readFrame(ctx, t, ws).Type)
}

func TestDialRejectsNonOwner(t *testing.T) {
	_, _, base := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := dial(ctx, t, base+"/ws/rooms/room-1?agentId=agent-1", "user-2")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDialRefusesRoomOfAnotherAgent(t *testing.T) {
	turns, _, base, s := setupStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.UpsertUser(ctx, &domain.User{UserID: "user-2", ExternalRef: "ref-2"}))
	require.NoError(t, s.UpsertAgent(ctx, &domain.Agent{AgentID: "agent-2", CreatedBy: "ref-2"}))
	_, err := s.BindRoom(ctx, "room-1", "agent-1")
	require.NoError(t, err)

	_, resp, err := dial(ctx, t, base+"/ws/rooms/room-1?agentId=agent-2", "user-2")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	turns.mu.Lock()
	assert.Empty(t, turns.turns)
	turns.mu.Unlock()
}
