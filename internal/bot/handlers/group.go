package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/raulfrk/Tappy/internal/groups"
)

func (h *Handlers) handleGroup(ctx context.Context, msg *tgbotapi.Message) {
	parts := strings.Fields(msg.CommandArguments())
	if len(parts) < 2 {
		h.sendMessage(msg.Chat.ID, "Usage: /group create|join|leave|kick|promote|members <name> [@user]")
		return
	}
	action, name := parts[0], parts[1]
	userID := msg.From.ID

	switch action {
	case "create":
		group, err := h.groups.CreateGroup(ctx, name, userID)
		if err != nil {
			h.sendMessage(msg.Chat.ID, groupError(err))
			return
		}
		h.sendMessage(msg.Chat.ID, fmt.Sprintf("👥 Group %q created, you are a member and an admin", group.Name))

	case "join":
		group, err := h.groups.Join(ctx, name, userID)
		if err != nil {
			h.sendMessage(msg.Chat.ID, groupError(err))
			return
		}
		h.sendMessage(msg.Chat.ID, fmt.Sprintf("👥 You joined %q", group.Name))

	case "leave":
		if err := h.groups.Leave(ctx, name, userID); err != nil {
			h.sendMessage(msg.Chat.ID, groupError(err))
			return
		}
		h.sendMessage(msg.Chat.ID, fmt.Sprintf("👋 You left %q", name))

	case "kick", "promote":
		if len(parts) < 3 || !strings.HasPrefix(parts[2], "@") {
			h.sendMessage(msg.Chat.ID, fmt.Sprintf("Usage: /group %s <name> @user", action))
			return
		}
		target, err := h.users.GetByUserName(ctx, strings.TrimPrefix(parts[2], "@"))
		if err != nil {
			h.sendMessage(msg.Chat.ID, fmt.Sprintf("I don't know %s yet", parts[2]))
			return
		}
		if action == "kick" {
			err = h.groups.Kick(ctx, name, userID, target.UserID)
		} else {
			err = h.groups.Promote(ctx, name, userID, target.UserID)
		}
		if err != nil {
			h.sendMessage(msg.Chat.ID, groupError(err))
			return
		}
		h.sendMessage(msg.Chat.ID, fmt.Sprintf("👥 Done: %s %s in %q", action, parts[2], name))

	case "members":
		ids, err := h.groups.Members(ctx, name)
		if err != nil {
			h.sendMessage(msg.Chat.ID, groupError(err))
			return
		}
		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("👥 %q has %d member(s)\n", name, len(ids)))
		for _, id := range ids {
			user, err := h.users.GetByID(ctx, id)
			if err != nil {
				continue
			}
			sb.WriteString(fmt.Sprintf("• @%s\n", user.UserName))
		}
		h.sendMessage(msg.Chat.ID, sb.String())

	default:
		h.sendMessage(msg.Chat.ID, "Usage: /group create|join|leave|kick|promote|members <name> [@user]")
	}
}

func groupError(err error) string {
	switch {
	case errors.Is(err, groups.ErrGroupExists):
		return "A group with that name already exists"
	case errors.Is(err, groups.ErrGroupNotFound):
		return "No group with that name"
	case errors.Is(err, groups.ErrNotAdmin):
		return "Only group admins can do that"
	case errors.Is(err, groups.ErrNotMember):
		return "That user is not a member of the group"
	default:
		return "Something went wrong, please try again"
	}
}
