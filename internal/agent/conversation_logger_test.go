package agent

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/chatpact/internal/domain"
)

func TestConversationLoggerWritesPerRoomNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}

	logger.Record(&domain.Message{
		RoomID:    "room/1",
		AgentID:   "agent-1",
		Seq:       7,
		CreatedAt: time.Now(),
		Text:      "my pin is 1234",
		Source:    domain.SourceUser,
	})
	logger.Record(&domain.Message{
		RoomID:   "room/1",
		AgentID:  "agent-1",
		Seq:      8,
		Text:     "Create a wallet?",
		Source:   domain.SourceAgent,
		Metadata: domain.Metadata{Action: domain.ActionCreateWallet, PromptConfirmation: true},
	})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "room_1.ndjson"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var first, second ConversationLogEvent
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if strings.Contains(first.Content, "1234") {
		t.Fatalf("PIN leaked into transcript: %q", first.Content)
	}
	if first.Direction != "inbound" || first.EventType != "user_message" {
		t.Fatalf("unexpected first event: %+v", first)
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if second.Direction != "outbound" || second.Meta["stage"] != string(domain.StageAwaitingConfirmation) {
		t.Fatalf("unexpected second event: %+v", second)
	}

	// Records after Close are ignored.
	logger.Record(&domain.Message{RoomID: "room/1"})
}

func TestDisabledConversationLoggerIsNoop(t *testing.T) {
	t.Parallel()

	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	logger.Record(&domain.Message{RoomID: "room-1"})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestCleanForReadabilityStripsANSI(t *testing.T) {
	t.Parallel()

	raw := "\x1b[31merror\x1b[0m plain\x07"
	clean := cleanForReadability(raw)
	if strings.Contains(clean, "\x1b[31m") || strings.Contains(clean, "\x07") {
		t.Fatalf("expected escapes to be stripped: %q", clean)
	}
	if !strings.Contains(clean, "error plain") {
		t.Fatalf("expected readable text to remain: %q", clean)
	}
}

func TestSafeFileName(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]string{
		"telegram-42": "telegram-42",
		"../etc":      ".._etc",
		"..":          "_",
		"":            "_",
	} {
		if got := safeFileName(in); got != want {
			t.Errorf("safeFileName(%q) = %q, want %q", in, got, want)
		}
	}
}
