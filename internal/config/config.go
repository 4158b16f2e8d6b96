// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	Engine    EngineConfig
	HTTP      HTTPConfig
	Rooms     RoomConfig
	Telegram  TelegramConfig
	Telemetry TelemetryConfig

	ConversationalAgentAddr string
	ConversationLog         ConversationLogConfig
}

// EngineConfig bounds the confirmation engine.
type EngineConfig struct {
	PendingTTL        time.Duration
	LookbackWindow    time.Duration
	LookbackLimit     int
	IntentLexiconPath string
}

// HTTPConfig tunes the HTTP surface.
type HTTPConfig struct {
	RateLimitRequests int
	RateLimitWindow   time.Duration
	SSEKeepalive      time.Duration
	SSERetryDelay     time.Duration
}

// RoomConfig schedules eviction of idle per-room state.
type RoomConfig struct {
	ReaperSchedule string
	IdleTTL        time.Duration
}

// TelegramConfig enables the Telegram channel when BotToken is set.
type TelegramConfig struct {
	BotToken   string
	AllowedIDs []int64
	AgentID    string
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled     bool
	Exporter    string
	Endpoint    string
	ServiceName string
}

// ConversationLogConfig controls NDJSON transcript logging.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}
	allowed, err := parseIDs(getEnv("TELEGRAM_ALLOWED_IDS", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: TELEGRAM_ALLOWED_IDS: %w", err)
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/chatpact.db"),
		Engine: EngineConfig{
			PendingTTL:        getEnvDuration("PENDING_TTL", 24*time.Hour),
			LookbackWindow:    getEnvDuration("LOOKBACK_WINDOW", 24*time.Hour),
			LookbackLimit:     getEnvInt("LOOKBACK_LIMIT", 100),
			IntentLexiconPath: getEnv("INTENT_LEXICON_PATH", ""),
		},
		HTTP: HTTPConfig{
			RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			SSEKeepalive:      getEnvDuration("SSE_KEEPALIVE_INTERVAL", 15*time.Second),
			SSERetryDelay:     getEnvDuration("SSE_RETRY_DELAY", 3*time.Second),
		},
		Rooms: RoomConfig{
			ReaperSchedule: getEnv("ROOM_REAPER_SCHEDULE", "@every 5m"),
			IdleTTL:        getEnvDuration("ROOM_IDLE_TTL", 30*time.Minute),
		},
		Telegram: TelegramConfig{
			BotToken:   getEnv("TELEGRAM_BOT_TOKEN", ""),
			AllowedIDs: allowed,
			AgentID:    getEnv("TELEGRAM_AGENT_ID", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:     getEnvBool("OTEL_ENABLED", false),
			Exporter:    getEnv("OTEL_EXPORTER", "otlp-http"),
			Endpoint:    getEnv("OTEL_ENDPOINT", ""),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "chatpact"),
		},
		ConversationalAgentAddr: getEnv("CONVERSATIONAL_AGENT_ADDR", ""),
		ConversationLog: ConversationLogConfig{
			Enabled:   getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:       getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize: queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Engine.PendingTTL <= 0 {
		return fmt.Errorf("PENDING_TTL must be > 0")
	}
	if c.Engine.LookbackWindow < c.Engine.PendingTTL {
		return fmt.Errorf("LOOKBACK_WINDOW (%s) must cover PENDING_TTL (%s)", c.Engine.LookbackWindow, c.Engine.PendingTTL)
	}
	if c.Engine.LookbackLimit <= 0 {
		return fmt.Errorf("LOOKBACK_LIMIT must be > 0")
	}
	if c.HTTP.RateLimitRequests <= 0 || c.HTTP.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if _, err := cron.ParseStandard(c.Rooms.ReaperSchedule); err != nil {
		return fmt.Errorf("ROOM_REAPER_SCHEDULE: %w", err)
	}
	if c.Telegram.BotToken != "" && c.Telegram.AgentID == "" {
		return fmt.Errorf("TELEGRAM_AGENT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}
	if c.ConversationLog.Enabled && c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
