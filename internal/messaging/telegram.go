package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegramSender is the subset of *tgbotapi.BotAPI used for delivery.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramTransport delivers reminders through the Telegram Bot API.
// Chat IDs are the decimal form of Telegram's int64 chat identifiers.
type TelegramTransport struct {
	bot telegramSender
}

// NewTelegramTransport authenticates with the Bot API using token.
func NewTelegramTransport(token string) (*TelegramTransport, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token must be provided")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	slog.Info("TelegramTransport connected", "bot", bot.Self.UserName)
	return &TelegramTransport{bot: bot}, nil
}

func newTelegramTransportWithSender(bot telegramSender) *TelegramTransport {
	return &TelegramTransport{bot: bot}
}

func (t *TelegramTransport) Deliver(ctx context.Context, chatID string, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return &DeliveryError{Code: CodeBadRequest, Reason: fmt.Sprintf("invalid telegram chat id %q", chatID), Err: err}
	}
	if err := ctx.Err(); err != nil {
		return transportError(0, "context done before send", err)
	}

	_, err = t.bot.Send(tgbotapi.NewMessage(id, text))
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			slog.Warn("TelegramTransport.Deliver: api error", "chatID", chatID, "code", apiErr.Code, "message", apiErr.Message)
			return transportError(apiErr.Code, apiErr.Message, err)
		}
		slog.Warn("TelegramTransport.Deliver: send failed", "chatID", chatID, "error", err)
		return transportError(0, "telegram request failed", err)
	}
	slog.Debug("TelegramTransport.Deliver: sent", "chatID", chatID)
	return nil
}
