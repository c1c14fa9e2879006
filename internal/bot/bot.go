package bot

import (
	"context"
	"fmt"
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/raulfrk/Tappy/internal/bot/handlers"
	"github.com/raulfrk/Tappy/internal/database"
	"github.com/raulfrk/Tappy/internal/groups"
	"github.com/raulfrk/Tappy/internal/repository"
	"github.com/raulfrk/Tappy/internal/taps"
)

type Bot struct {
	api      *tgbotapi.BotAPI
	handlers *handlers.Handlers
}

func New(token string, db *database.DB, tapService *taps.Service, groupService *groups.Service) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		api:      api,
		handlers: handlers.New(api, repository.NewUserRepository(db), tapService, groupService),
	}, nil
}

func (b *Bot) Start(ctx context.Context) error {
	log.Printf("Authorized on account %s", b.api.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-updates:
			go b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		b.handlers.HandleCallbackQuery(ctx, update.CallbackQuery)
		return
	}
	if update.Message == nil {
		return
	}
	if update.Message.IsCommand() {
		b.handlers.HandleCommand(ctx, update.Message)
	}
}
