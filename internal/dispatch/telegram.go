package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"fleetmon/internal/config"
	"fleetmon/internal/domain"
	"fleetmon/internal/permanent"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// TelegramSender posts alert occurrences to the Telegram Bot API.
// Params: bot token and optional API base override.
// Returns: Telegram channel sender.
type TelegramSender struct {
	client  *tgbot.Bot
	initErr error
}

// NewTelegramSender creates the Telegram sender with an HTTP client.
// Params: Telegram transport config.
// Returns: initialized sender; init errors surface on Send.
func NewTelegramSender(cfg config.TelegramConfig) *TelegramSender {
	sender := &TelegramSender{}

	if strings.TrimSpace(cfg.BotToken) == "" {
		sender.initErr = errors.New("telegram bot_token is required")
		return sender
	}

	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
	}
	if strings.TrimSpace(cfg.APIBase) != "" {
		options = append(options, tgbot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")))
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		sender.initErr = fmt.Errorf("init telegram bot: %w", err)
		return sender
	}
	sender.client = botClient
	return sender
}

// Type returns the channel type this sender serves.
// Params: none.
// Returns: telegram channel type.
func (s *TelegramSender) Type() domain.ChannelType {
	return domain.ChannelTelegram
}

// Send posts one occurrence message to the channel's chat.
// Params: ctx, telegram channel definition, and occurrence.
// Returns: transport or API error; misconfiguration is permanent.
func (s *TelegramSender) Send(ctx context.Context, channel domain.AlertChannel, occ domain.AlertOccurrence) (SendResult, error) {
	if s.initErr != nil {
		return SendResult{}, permanent.Mark(s.initErr)
	}
	if s.client == nil {
		return SendResult{}, permanent.Mark(errors.New("telegram client is not initialized"))
	}
	if strings.TrimSpace(channel.Target) == "" {
		return SendResult{}, permanent.Mark(fmt.Errorf("telegram channel %q has no chat id", channel.ID))
	}

	request := &tgbot.SendMessageParams{
		ChatID:    normalizeChatID(channel.Target),
		Text:      telegramText(occ),
		ParseMode: tgmodels.ParseModeHTML,
	}
	sent, err := s.client.SendMessage(ctx, request)
	if err != nil {
		return SendResult{}, fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return SendResult{}, errors.New("telegram send returned empty message id")
	}
	return SendResult{}, nil
}

// telegramText renders the fixed HTML message for one occurrence.
// Params: occurrence.
// Returns: Telegram HTML text.
func telegramText(occ domain.AlertOccurrence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>[%s]</b> rule <code>%s</code> fired on agent <code>%s</code>\n", strings.ToUpper(string(occ.Severity)), occ.RuleID, occ.AgentID)
	fmt.Fprintf(&b, "%s\n", occ.Message)
	fmt.Fprintf(&b, "raised at %s", occ.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	return b.String()
}

// normalizeChatID converts numeric chat IDs to int64 and keeps non-numeric IDs as string.
// Params: chat ID from the channel target.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}
