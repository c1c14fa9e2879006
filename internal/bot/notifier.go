package bot

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/raulfrk/Tappy/internal/models"
	"github.com/raulfrk/Tappy/internal/repository"
)

// Notifier delivers outbound notify events from the listener to
// Telegram chats, with the ack/snooze/done keyboard attached.
type Notifier struct {
	api   *tgbotapi.BotAPI
	users *repository.UserRepository
}

func NewNotifier(api *tgbotapi.BotAPI, users *repository.UserRepository) *Notifier {
	return &Notifier{api: api, users: users}
}

// API exposes the underlying client so the notifier and the bot can
// share one Telegram session.
func (b *Bot) API() *tgbotapi.BotAPI {
	return b.api
}

func (n *Notifier) Notify(ctx context.Context, ev models.NotifyEvent) error {
	user, err := n.users.GetByID(ctx, ev.RecipientID)
	if err != nil {
		return fmt.Errorf("failed to look up recipient %d: %w", ev.RecipientID, err)
	}

	var text string
	switch ev.Kind {
	case models.NotifyFired:
		text = "⏰ Tap: " + ev.Message
	case models.NotifyReminder:
		text = "🔔 Still waiting: " + ev.Message
	case models.NotifyAckExpired:
		text = "⏰ Your ack ran out, this tap needs attention again"
	case models.NotifySnoozeExpired:
		text = "⏰ Snooze is over, this tap needs attention again"
	default:
		text = ev.Message
	}

	msg := tgbotapi.NewMessage(user.ChatID, text)
	msg.ReplyMarkup = actionKeyboard(ev.OccurrenceID.String())
	if _, err := n.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

func actionKeyboard(occurrenceID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Ack", "tapack:"+occurrenceID),
			tgbotapi.NewInlineKeyboardButtonData("🎉 Done", "tapdone:"+occurrenceID),
		),
		tgbotapi.NewInlineKeyboardRow(
			snoozeButton(occurrenceID, 5),
			snoozeButton(occurrenceID, 10),
			snoozeButton(occurrenceID, 15),
		),
	)
}

func snoozeButton(occurrenceID string, minutes int) tgbotapi.InlineKeyboardButton {
	label := "😴 " + strconv.Itoa(minutes) + "m"
	return tgbotapi.NewInlineKeyboardButtonData(label, fmt.Sprintf("tapsnooze:%s:%d", occurrenceID, minutes))
}
