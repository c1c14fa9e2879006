package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/raulfrk/Tappy/internal/models"
	"github.com/raulfrk/Tappy/internal/rrule"
	"github.com/raulfrk/Tappy/internal/taps"
)

func (h *Handlers) handleTap(ctx context.Context, msg *tgbotapi.Message) {
	args := strings.TrimSpace(msg.CommandArguments())
	if args == "" {
		h.sendMessage(msg.Chat.ID, "Usage: /tap <HH:MM> [@user ...] [g:<group>] <text>\nExample: /tap 15:30 take out the trash")
		return
	}

	parts := strings.Fields(args)
	if len(parts) < 2 {
		h.sendMessage(msg.Chat.ID, "Please provide a time and a message\nExample: /tap 15:30 take out the trash")
		return
	}

	in := taps.CreateInput{}

	// First token is either HH:MM or an RRULE for recurring taps.
	if rrule.IsRecurring(parts[0]) {
		now := time.Now()
		in.RecurrenceRule = parts[0]
		in.Dtstart = &now
	} else {
		fireAt, err := parseTimeToday(parts[0])
		if err != nil {
			h.sendMessage(msg.Chat.ID, "Time must be HH:MM (e.g. 15:30) or an RRULE (e.g. FREQ=DAILY;BYHOUR=9;BYMINUTE=0)")
			return
		}
		in.FireAt = &fireAt
	}

	// Remaining tokens: @user and g:<group> targets, then the text.
	var descParts []string
	for _, tok := range parts[1:] {
		switch {
		case len(descParts) == 0 && strings.HasPrefix(tok, "@"):
			user, err := h.users.GetByUserName(ctx, strings.TrimPrefix(tok, "@"))
			if err != nil {
				h.sendMessage(msg.Chat.ID, fmt.Sprintf("I don't know %s yet, they need to /start me first", tok))
				return
			}
			in.Recipients = append(in.Recipients, user.UserID)
		case len(descParts) == 0 && strings.HasPrefix(tok, "g:"):
			group, err := h.groups.GetGroup(ctx, strings.TrimPrefix(tok, "g:"))
			if err != nil {
				h.sendMessage(msg.Chat.ID, userFacingError(err))
				return
			}
			in.GroupID = &group.GroupID
		default:
			descParts = append(descParts, tok)
		}
	}
	in.Description = strings.Join(descParts, " ")

	// A tap with no explicit target nags its owner.
	if len(in.Recipients) == 0 && in.GroupID == nil {
		in.Recipients = []int64{msg.From.ID}
	}

	tap, err := h.taps.CreateTap(ctx, msg.From.ID, in)
	if err != nil {
		h.sendMessage(msg.Chat.ID, userFacingError(err))
		return
	}

	var when string
	if tap.IsRecurring() {
		when = rrule.Describe(tap.RecurrenceRule, *tap.Dtstart)
	} else {
		when = tap.NextFireAt.Format("2006-01-02 15:04")
	}
	h.sendMessage(msg.Chat.ID, fmt.Sprintf("⏰ Tap set (%s)\nWhen: %s\nWhat: %s",
		shortID(tap), when, tap.Description))
}

func (h *Handlers) handleTapList(ctx context.Context, msg *tgbotapi.Message) {
	list, err := h.taps.ListTaps(ctx, msg.From.ID)
	if err != nil {
		h.sendMessage(msg.Chat.ID, "Failed to list taps, please try again")
		return
	}
	if len(list) == 0 {
		h.sendMessage(msg.Chat.ID, "⏰ No active taps")
		return
	}

	var sb strings.Builder
	sb.WriteString("⏰ Your taps\n\n")
	for _, tap := range list {
		when := "unscheduled"
		if tap.NextFireAt != nil {
			when = tap.NextFireAt.Format("2006-01-02 15:04")
		}
		sb.WriteString(fmt.Sprintf("%s %s\n   📅 %s", shortID(tap), tap.Description, when))
		if tap.IsRecurring() {
			sb.WriteString(" 🔄")
		}
		sb.WriteString("\n\n")
	}
	h.sendMessage(msg.Chat.ID, sb.String())
}

func (h *Handlers) handleRetime(ctx context.Context, msg *tgbotapi.Message) {
	parts := strings.Fields(msg.CommandArguments())
	if len(parts) != 2 {
		h.sendMessage(msg.Chat.ID, "Usage: /retime <id> <HH:MM>")
		return
	}

	tap, err := h.findOwnedTap(ctx, msg.From.ID, parts[0])
	if err != nil {
		h.sendMessage(msg.Chat.ID, userFacingError(err))
		return
	}

	fireAt, err := parseTimeToday(parts[1])
	if err != nil {
		h.sendMessage(msg.Chat.ID, "Time must be HH:MM, e.g. 15:30")
		return
	}

	version, err := h.taps.EditTap(ctx, tap.TapID, msg.From.ID, taps.Changes{FireAt: &fireAt})
	if err != nil {
		h.sendMessage(msg.Chat.ID, userFacingError(err))
		return
	}
	h.sendMessage(msg.Chat.ID, fmt.Sprintf("⏰ Tap %s moved to %s (v%d), the old schedule is superseded",
		shortID(tap), fireAt.Format("2006-01-02 15:04"), version))
}

func (h *Handlers) handleCancel(ctx context.Context, msg *tgbotapi.Message) {
	arg := strings.TrimSpace(msg.CommandArguments())
	if arg == "" {
		h.sendMessage(msg.Chat.ID, "Usage: /cancel <id> (see /taps)")
		return
	}

	tap, err := h.findOwnedTap(ctx, msg.From.ID, arg)
	if err != nil {
		h.sendMessage(msg.Chat.ID, userFacingError(err))
		return
	}

	if _, err := h.taps.CancelTap(ctx, tap.TapID, msg.From.ID); err != nil {
		h.sendMessage(msg.Chat.ID, userFacingError(err))
		return
	}
	h.sendMessage(msg.Chat.ID, fmt.Sprintf("🗑 Tap %s cancelled, no more nags from it", shortID(tap)))
}

// findOwnedTap matches the user-supplied id prefix against the owner's
// taps, so people can type the short id shown by /taps.
func (h *Handlers) findOwnedTap(ctx context.Context, ownerID int64, idPrefix string) (*models.Tap, error) {
	list, err := h.taps.ListTaps(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for _, tap := range list {
		if strings.HasPrefix(tap.TapID.String(), strings.ToLower(idPrefix)) {
			return tap, nil
		}
	}
	return nil, fmt.Errorf("%w: no tap with id %s", taps.ErrNotFound, idPrefix)
}

func shortID(tap *models.Tap) string {
	return tap.TapID.String()[:8]
}

func parseTimeToday(timeStr string) (time.Time, error) {
	now := time.Now()
	t, err := time.Parse("15:04", timeStr)
	if err != nil {
		return time.Time{}, err
	}

	result := time.Date(now.Year(), now.Month(), now.Day(),
		t.Hour(), t.Minute(), 0, 0, now.Location())

	// If time already passed today, set for tomorrow
	if result.Before(now) {
		result = result.Add(24 * time.Hour)
	}

	return result, nil
}
