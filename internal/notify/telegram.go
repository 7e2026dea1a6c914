package notify

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/cropio/usagegate/internal/models"
)

// TelegramNotifier sends usage-limit notifications to a Telegram chat.
// Each send is one-off; no bot instance is kept running.
type TelegramNotifier struct {
	token  string
	chatID int64
}

// NewTelegramNotifier creates a Telegram notifier.
func NewTelegramNotifier(token string, chatID int64) *TelegramNotifier {
	return &TelegramNotifier{token: strings.TrimSpace(token), chatID: chatID}
}

// NotifyUsageLimit implements Notifier.
func (n *TelegramNotifier) NotifyUsageLimit(user *models.User, phase Phase, status models.QuotaStatus) Result {
	if n.token == "" || n.chatID == 0 {
		return ResultDisabled
	}

	var text string
	switch phase {
	case PhaseExhausted:
		text = fmt.Sprintf("⛔ User `%s` exhausted the daily quota (%d/%d conversions)", user.ID, status.Used, status.Limit)
	default:
		text = fmt.Sprintf("⚠️ User `%s` is near the daily quota: %d of %d left", user.ID, status.Remaining, status.Limit)
	}

	bot, err := tgbotapi.NewBotAPI(n.token)
	if err != nil {
		return ResultFailed
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := bot.Send(msg); err != nil {
		return ResultFailed
	}
	return ResultSent
}

// Ensure TelegramNotifier implements the Notifier interface
var _ Notifier = (*TelegramNotifier)(nil)
