package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/ctlplane/internal/approval"
	"github.com/basket/ctlplane/internal/notify"
	"github.com/basket/ctlplane/internal/store"
)

// TelegramChannel is an outbound notification sink: it forwards
// approval-required tasks to a fixed set of operator chat IDs with inline
// Approve/Reject buttons, and relays broker task lifecycle events as brief
// status lines. It never originates tasks itself — there is no chat-driven
// task creation in this domain, unlike the interactive chat surface this
// channel type originally served.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	store      *store.Store
	gate       *approval.Gate
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
	eventBus   *notify.Bus

	notifiedMu sync.Mutex
	notified   map[string]struct{} // task IDs already pushed to chats
}

// NewTelegramChannel creates a new Telegram notification channel.
func NewTelegramChannel(token string, allowedIDs []int64, st *store.Store, gate *approval.Gate, logger *slog.Logger, eventBus *notify.Bus) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		store:      st,
		gate:       gate,
		logger:     logger,
		eventBus:   eventBus,
		notified:   make(map[string]struct{}),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram channel started", "user", t.bot.Self.UserName)

	go t.monitorApprovals(ctx)
	go t.monitorBusEvents(ctx)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall
// detection). Returns nil on context cancellation, or an error to trigger
// reconnection.
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

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.CallbackQuery != nil {
				if _, ok := t.allowedIDs[update.CallbackQuery.From.ID]; !ok {
					t.logger.Warn("telegram callback access denied", "user_id", update.CallbackQuery.From.ID)
					continue
				}
				t.handleCallbackQuery(ctx, update.CallbackQuery)
				continue
			}

			if update.Message != nil {
				if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
					continue
				}
				t.reply(update.Message.Chat.ID, "This channel only relays approval requests and task status; use the control plane API to submit tasks.")
			}

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// handleCallbackQuery handles Approve/Reject button presses from an
// approval_needed notification.
func (t *TelegramChannel) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	taskID, action, err := parseApprovalCallback(query.Data)
	if err != nil {
		return
	}

	ack := tgbotapi.NewCallbackWithAlert(query.ID, fmt.Sprintf("Processing %s...", action))
	if _, err := t.bot.Request(ack); err != nil {
		t.logger.Warn("failed to send callback notification", "error", err)
	}

	var decErr error
	switch action {
	case "approve":
		decErr = t.gate.Approve(ctx, taskID, "", true)
	case "reject":
		decErr = t.gate.Reject(ctx, taskID, "", true)
	default:
		return
	}

	switch {
	case decErr == nil:
		t.editMessageText(query.Message.Chat.ID, query.Message.MessageID,
			fmt.Sprintf("Task %s: %sd by %s", taskID, action, query.From.UserName))
	case errors.Is(decErr, approval.ErrNotPending):
		t.editMessageText(query.Message.Chat.ID, query.Message.MessageID,
			fmt.Sprintf("Task %s is no longer awaiting confirmation.", taskID))
	default:
		t.logger.Error("telegram approval decision failed", "task_id", taskID, "action", action, "error", decErr)
	}
}

// monitorApprovals polls for tasks newly in awaiting_confirmation and pushes
// an approve/reject prompt to every allowed chat, the fallback shape used
// when no fine-grained per-owner delivery channel exists for this sink.
func (t *TelegramChannel) monitorApprovals(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.checkPendingApprovals(ctx)
		}
	}
}

func (t *TelegramChannel) checkPendingApprovals(ctx context.Context) {
	expired, err := t.store.ListExpiredApprovals(ctx, 0)
	if err != nil {
		t.logger.Warn("telegram: list pending approvals failed", "error", err)
		return
	}
	for _, task := range expired {
		t.notifiedMu.Lock()
		_, already := t.notified[task.ID]
		if !already {
			t.notified[task.ID] = struct{}{}
		}
		t.notifiedMu.Unlock()
		if already {
			continue
		}
		t.sendApprovalPrompt(task)
	}
}

func (t *TelegramChannel) sendApprovalPrompt(task store.Task) {
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", fmt.Sprintf("approval:%s:approve", task.ID)),
			tgbotapi.NewInlineKeyboardButtonData("Reject", fmt.Sprintf("approval:%s:reject", task.ID)),
		),
	)
	msg := fmt.Sprintf("Approval required\n\nTask: %s\nAgent: %s\nRisk: %s",
		escapeMarkdownV2(task.Title), escapeMarkdownV2(task.AgentID), escapeMarkdownV2(string(task.RiskLevel)))

	for chatID := range t.allowedIDs {
		t.replyMarkdownWithKeyboard(chatID, msg, &keyboard)
	}
}

// monitorBusEvents relays broker task lifecycle events (task.created,
// task.assigned, task.dlq) as brief operational status lines.
func (t *TelegramChannel) monitorBusEvents(ctx context.Context) {
	sub := t.eventBus.Subscribe("task.")
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			var line string
			switch p := ev.Payload.(type) {
			case notify.TaskDLQEvent:
				line = fmt.Sprintf("Task %s dead-lettered: %s", p.TaskID, p.Reason)
			default:
				continue
			}
			for chatID := range t.allowedIDs {
				t.reply(chatID, line)
			}
		}
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

func (t *TelegramChannel) editMessageText(chatID int64, messageID int, text string) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := t.bot.Send(edit); err != nil {
		t.logger.Warn("failed to edit telegram message", "error", err)
	}
}

func (t *TelegramChannel) replyMarkdownWithKeyboard(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "MarkdownV2"
	msg.ReplyMarkup = keyboard
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram message with keyboard", "error", err)
	}
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(s string) string {
	const specialChars = "_*[]()~>#+-=|{}.!"
	result := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.ContainsAny(string(c), specialChars) {
			result = append(result, '\\')
		}
		result = append(result, c)
	}
	return string(result)
}

// parseApprovalCallback parses inline-button callback data of the form
// "approval:<taskID>:<action>".
func parseApprovalCallback(data string) (taskID, action string, err error) {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, "approval:") {
		return "", "", fmt.Errorf("not an approval callback")
	}
	remaining := strings.TrimPrefix(data, "approval:")
	parts := strings.SplitN(remaining, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid approval callback format")
	}
	return parts[0], parts[1], nil
}
