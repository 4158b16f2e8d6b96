package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ashureev/chatpact/internal/bus"
	"github.com/ashureev/chatpact/internal/domain"
)

// TelegramRoomPrefix prefixes the room id of every Telegram chat.
const TelegramRoomPrefix = "telegram-"

const callbackPrefix = "pact"

// botAPI is the subset of tgbotapi.BotAPI the channel sends through.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// TelegramChannel implements the Channel interface for Telegram. Each chat is
// one room bound to a single agent; engine replies for those rooms are sent
// back with inline confirm and cancel buttons on confirmation prompts.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	agentID    string
	turns      TurnHandler
	eventBus   *bus.Bus
	logger     *slog.Logger
	bot        botAPI
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(token string, allowedIDs []int64, agentID string, turns TurnHandler, eventBus *bus.Bus, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		agentID:    agentID,
		turns:      turns,
		eventBus:   eventBus,
		logger:     logger.With("channel", "telegram"),
	}
}

// Name implements Channel.
func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Start implements Channel.
func (t *TelegramChannel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot started", "user", bot.Self.UserName, "agent_id", t.agentID)

	go t.forwardReplies(ctx)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		pollErr := t.pollUpdates(ctx, bot.GetUpdatesChan(u))
		bot.StopReceivingUpdates()
		if pollErr == nil {
			return nil
		}

		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// pollUpdates reads updates until ctx is done or the long poll stalls.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			timer.Reset(stallTimeout)
			t.handleUpdate(ctx, update)
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil && update.Message.From != nil:
		if !t.allowed(update.Message.From.ID) {
			t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID)
			return
		}
		t.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil && update.CallbackQuery.From != nil:
		if !t.allowed(update.CallbackQuery.From.ID) {
			t.logger.Warn("telegram callback access denied", "user_id", update.CallbackQuery.From.ID)
			return
		}
		t.handleCallbackQuery(ctx, update.CallbackQuery)
	}
}

func (t *TelegramChannel) allowed(id int64) bool {
	_, ok := t.allowedIDs[id]
	return ok
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" || msg.Chat == nil {
		return
	}
	t.submit(ctx, msg.Chat.ID, text, domain.Metadata{})
}

// handleCallbackQuery turns an inline button press into a decision turn.
func (t *TelegramChannel) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	act, decision, err := ParseCallback(query.Data)
	if err != nil {
		return
	}
	if _, err := t.bot.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
		t.logger.Warn("failed to acknowledge callback", "error", err)
	}
	if query.Message == nil || query.Message.Chat == nil {
		return
	}
	t.submit(ctx, query.Message.Chat.ID, "", domain.Metadata{Action: act, Decision: decision})
}

func (t *TelegramChannel) submit(ctx context.Context, chatID int64, text string, meta domain.Metadata) {
	_, err := t.turns.HandleTurn(ctx, domain.Turn{
		RoomID:   RoomID(chatID),
		AgentID:  t.agentID,
		Text:     text,
		Source:   domain.SourceTelegram,
		Metadata: meta,
	})
	if err != nil {
		t.logger.Info("telegram turn answered with error", "chat_id", chatID, "error", err)
	}
}

// forwardReplies sends engine-authored messages of Telegram rooms to their
// chats.
func (t *TelegramChannel) forwardReplies(ctx context.Context) {
	sub := t.eventBus.Subscribe(bus.TopicPrefixRooms + TelegramRoomPrefix)
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			t.deliver(ev.Message)
		}
	}
}

func (t *TelegramChannel) deliver(msg *domain.Message) {
	if msg == nil || !msg.IsEngineAuthored() {
		return
	}
	chatID, ok := ChatID(msg.RoomID)
	if !ok {
		return
	}
	if _, err := t.bot.Send(Render(chatID, msg)); err != nil {
		t.logger.Error("failed to send telegram reply", "chat_id", chatID, "error", err)
	}
}

// Render builds the Telegram message for an engine reply. Confirmation
// prompts get confirm and cancel buttons; secret prompts point the user away
// from the chat.
func Render(chatID int64, msg *domain.Message) tgbotapi.MessageConfig {
	meta := msg.Metadata
	text := msg.Text
	if meta.PromptPin {
		text += "\n\nOpen the app to enter your PIN. Never send it in this chat."
	}
	out := tgbotapi.NewMessage(chatID, text)
	if meta.PromptConfirmation && meta.Action.Valid() {
		keyboard := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Confirm", CallbackData(meta.Action, domain.DecisionConfirm)),
				tgbotapi.NewInlineKeyboardButtonData("Cancel", CallbackData(meta.Action, domain.DecisionCancel)),
			),
		)
		out.ReplyMarkup = keyboard
	}
	return out
}

// RoomID is the room of a Telegram chat.
func RoomID(chatID int64) string {
	return TelegramRoomPrefix + strconv.FormatInt(chatID, 10)
}

// ChatID parses a Telegram room id.
func ChatID(roomID string) (int64, bool) {
	raw, ok := strings.CutPrefix(roomID, TelegramRoomPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	return id, err == nil
}

// CallbackData encodes an inline button as "pact:<ACTION>:<decision>".
func CallbackData(act domain.ActionType, decision string) string {
	return callbackPrefix + ":" + string(act) + ":" + decision
}

// ParseCallback decodes CallbackData.
func ParseCallback(data string) (domain.ActionType, string, error) {
	parts := strings.Split(strings.TrimSpace(data), ":")
	if len(parts) != 3 || parts[0] != callbackPrefix {
		return "", "", fmt.Errorf("not a pact callback: %q", data)
	}
	act := domain.ActionType(parts[1])
	if !act.Valid() {
		return "", "", fmt.Errorf("unknown action %q", parts[1])
	}
	switch parts[2] {
	case domain.DecisionConfirm, domain.DecisionCancel:
		return act, parts[2], nil
	}
	return "", "", fmt.Errorf("unknown decision %q", parts[2])
}
