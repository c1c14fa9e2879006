package handlers

import (
	"context"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/raulfrk/Tappy/internal/groups"
	"github.com/raulfrk/Tappy/internal/nag"
	"github.com/raulfrk/Tappy/internal/repository"
	"github.com/raulfrk/Tappy/internal/taps"
)

type Handlers struct {
	api    *tgbotapi.BotAPI
	users  *repository.UserRepository
	taps   *taps.Service
	groups *groups.Service
}

func New(api *tgbotapi.BotAPI, users *repository.UserRepository, tapService *taps.Service, groupService *groups.Service) *Handlers {
	return &Handlers{
		api:    api,
		users:  users,
		taps:   tapService,
		groups: groupService,
	}
}

func (h *Handlers) HandleCommand(ctx context.Context, msg *tgbotapi.Message) {
	// Ensure user exists
	_, err := h.users.GetOrCreate(ctx, msg.From.ID, msg.From.UserName, msg.Chat.ID)
	if err != nil {
		log.Printf("Failed to get/create user: %v", err)
		return
	}

	switch msg.Command() {
	case "start":
		h.handleStart(msg)
	case "help":
		h.handleHelp(msg)
	case "tap":
		h.handleTap(ctx, msg)
	case "taps":
		h.handleTapList(ctx, msg)
	case "retime":
		h.handleRetime(ctx, msg)
	case "cancel":
		h.handleCancel(ctx, msg)
	case "group":
		h.handleGroup(ctx, msg)
	default:
		h.sendMessage(msg.Chat.ID, "Unknown command, see /help")
	}
}

// HandleCallbackQuery dispatches the inline keyboard buttons attached
// to notifications: "tapack:<occ>", "tapsnooze:<occ>:<minutes>",
// "tapdone:<occ>".
func (h *Handlers) HandleCallbackQuery(ctx context.Context, callback *tgbotapi.CallbackQuery) {
	// Answer callback to remove loading state
	answer := tgbotapi.NewCallback(callback.ID, "")
	if _, err := h.api.Request(answer); err != nil {
		log.Printf("Failed to answer callback: %v", err)
	}

	parts := strings.Split(callback.Data, ":")
	if len(parts) < 2 {
		return
	}
	action := parts[0]

	occurrenceID, err := uuid.Parse(parts[1])
	if err != nil {
		return
	}
	recipientID := callback.From.ID

	switch action {
	case "tapack":
		err = h.taps.Ack(ctx, occurrenceID, recipientID, 0)
		if err == nil {
			h.editMessageText(callback.Message.Chat.ID, callback.Message.MessageID, "✅ Acked, I'll check back later")
		}
	case "tapsnooze":
		if len(parts) < 3 {
			return
		}
		minutes, perr := strconv.Atoi(parts[2])
		if perr != nil {
			return
		}
		err = h.taps.Snooze(ctx, occurrenceID, recipientID, time.Duration(minutes)*time.Minute)
		if err == nil {
			h.editMessageText(callback.Message.Chat.ID, callback.Message.MessageID, "😴 Snoozed for "+parts[2]+" minutes")
		}
	case "tapdone":
		err = h.taps.Complete(ctx, occurrenceID, recipientID)
		if err == nil {
			h.editMessageText(callback.Message.Chat.ID, callback.Message.MessageID, "🎉 Done, everyone is off the hook")
		}
	default:
		return
	}

	if err != nil {
		h.answerCallbackWithAlert(callback.ID, userFacingError(err))
	}
}

func userFacingError(err error) string {
	switch {
	case errors.Is(err, nag.ErrInvalidTransition):
		return "This tap is already completed"
	case errors.Is(err, nag.ErrInvalidSnooze):
		return "Snooze must be 5, 10 or 15 minutes"
	case errors.Is(err, taps.ErrUnauthorized):
		return "This tap is not for you"
	case errors.Is(err, taps.ErrNotFound):
		return "This tap no longer exists"
	case errors.Is(err, taps.ErrConcurrentEdit):
		return "Someone else is editing this tap, try again"
	case errors.Is(err, taps.ErrValidation):
		return strings.TrimPrefix(err.Error(), taps.ErrValidation.Error()+": ")
	default:
		return "Something went wrong, please try again"
	}
}

func (h *Handlers) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := h.api.Send(msg); err != nil {
		log.Printf("Failed to send message: %v", err)
	}
}

func (h *Handlers) editMessageText(chatID int64, messageID int, text string) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := h.api.Send(edit); err != nil {
		log.Printf("Failed to edit message: %v", err)
	}
}

func (h *Handlers) answerCallbackWithAlert(callbackID, text string) {
	answer := tgbotapi.NewCallbackWithAlert(callbackID, text)
	if _, err := h.api.Request(answer); err != nil {
		log.Printf("Failed to answer callback with alert: %v", err)
	}
}

func (h *Handlers) handleStart(msg *tgbotapi.Message) {
	h.sendMessage(msg.Chat.ID,
		"👋 Welcome to Tappy!\n\n"+
			"Tappy nags you (or your group) about things until someone deals with them.\n\n"+
			"Create a tap with /tap, for example:\n"+
			"/tap 15:30 take out the trash\n\n"+
			"See /help for everything else.")
}

func (h *Handlers) handleHelp(msg *tgbotapi.Message) {
	h.sendMessage(msg.Chat.ID,
		"Commands:\n"+
			"/tap <HH:MM> [@user ...] [g:<group>] <text> - schedule a tap\n"+
			"/tap <RRULE> <text> - recurring tap, e.g. /tap FREQ=DAILY;BYHOUR=9;BYMINUTE=0 standup\n"+
			"/taps - list your taps\n"+
			"/retime <id> <HH:MM> - move a tap\n"+
			"/cancel <id> - cancel a tap\n"+
			"/group create|join|leave|kick|promote|members <name> [@user]\n\n"+
			"When a tap fires you can Ack it (quiet for a while), snooze it\n"+
			"for 5/10/15 minutes, or mark it Done for everyone.")
}
