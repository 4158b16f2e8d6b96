package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/chatpact/internal/domain"
	"github.com/ashureev/chatpact/internal/shared"
)

// ConversationLogConfig controls transcript logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// ConversationLogEvent is one NDJSON transcript line.
type ConversationLogEvent struct {
	Timestamp string         `json:"ts"`
	RoomID    string         `json:"room_id"`
	AgentID   string         `json:"agent_id"`
	UserID    string         `json:"user_id,omitempty"`
	Seq       int64          `json:"seq"`
	Source    string         `json:"source"`
	Direction string         `json:"direction"`
	EventType string         `json:"event_type"`
	Content   string         `json:"content,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// ConversationLogger writes room transcripts.
type ConversationLogger interface {
	Record(msg *domain.Message)
	Close() error
}

type noopConversationLogger struct{}

func (noopConversationLogger) Record(*domain.Message) {}
func (noopConversationLogger) Close() error           { return nil }

// fileConversationLogger appends events to <dir>/<room>.ndjson from a single
// writer goroutine. Record never blocks; events are dropped when the queue is
// full.
type fileConversationLogger struct {
	dir     string
	queue   chan ConversationLogEvent
	logger  *slog.Logger
	files   map[string]*os.File
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewConversationLogger returns a no-op logger when disabled.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled {
		return noopConversationLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}
	l := &fileConversationLogger{
		dir:    cfg.Dir,
		queue:  make(chan ConversationLogEvent, cfg.QueueSize),
		logger: logger,
		files:  make(map[string]*os.File),
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Record implements engine.Transcript.
func (l *fileConversationLogger) Record(msg *domain.Message) {
	if msg == nil {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- eventFor(msg):
	default:
		if n := l.dropped.Add(1); n%100 == 1 {
			l.logger.Warn("conversation log queue full; dropping events", "dropped", n)
		}
	}
}

// Close flushes queued events and closes all files.
func (l *fileConversationLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.wg.Wait()
	var errs []error
	for _, f := range l.files {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}

func (l *fileConversationLogger) run() {
	defer l.wg.Done()
	for ev := range l.queue {
		if err := l.write(ev); err != nil {
			l.logger.Warn("failed to write conversation log", "room_id", ev.RoomID, "error", err)
		}
	}
}

func (l *fileConversationLogger) write(ev ConversationLogEvent) error {
	f, ok := l.files[ev.RoomID]
	if !ok {
		path := filepath.Join(l.dir, safeFileName(ev.RoomID)+".ndjson")
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return err
		}
		l.files[ev.RoomID] = f
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

func eventFor(msg *domain.Message) ConversationLogEvent {
	ev := ConversationLogEvent{
		Timestamp: msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		RoomID:    msg.RoomID,
		AgentID:   msg.AgentID,
		UserID:    msg.UserID,
		Seq:       msg.Seq,
		Source:    msg.Source,
		Content:   cleanForReadability(shared.Redact(msg.Text)),
	}
	meta := msg.Metadata
	switch {
	case msg.IsEngineAuthored():
		ev.Direction = "outbound"
		ev.EventType = "agent_message"
		if meta.Action != "" {
			ev.Meta = map[string]any{"action": meta.Action, "stage": domain.StageOf(meta)}
		}
	case domain.ActionType(msg.Source).Valid():
		ev.Direction = "inbound"
		ev.EventType = "execution_report"
		ev.Meta = map[string]any{"stage": domain.StageOf(meta)}
		if meta.Error != "" {
			ev.Meta["error"] = shared.Redact(meta.Error)
		}
	default:
		ev.Direction = "inbound"
		ev.EventType = "user_message"
		if meta.Decision != "" {
			ev.Meta = map[string]any{"decision": meta.Decision, "action": meta.Action}
		}
	}
	return ev
}

var (
	ansiPattern     = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// cleanForReadability strips terminal escapes and control characters.
func cleanForReadability(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

func safeFileName(roomID string) string {
	name := unsafeFileChars.ReplaceAllString(roomID, "_")
	if name == "" || strings.Trim(name, ".") == "" {
		return "_"
	}
	return name
}
