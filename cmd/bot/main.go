package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/raulfrk/Tappy/internal/bot"
	"github.com/raulfrk/Tappy/internal/config"
	"github.com/raulfrk/Tappy/internal/database"
	"github.com/raulfrk/Tappy/internal/groups"
	"github.com/raulfrk/Tappy/internal/repository"
	"github.com/raulfrk/Tappy/internal/scheduler"
	"github.com/raulfrk/Tappy/internal/taps"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Validate required config
	if cfg.DatabaseURI == "" {
		log.Fatal("DATABASE_URI is required")
	}
	if cfg.TelegramToken == "" {
		log.Fatal("TELEGRAM_TOKEN is required")
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	db, err := database.New(ctx, cfg.DatabaseURI)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Connected to database")

	// Run migrations
	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Database migrations completed")

	// Create repositories
	tapRepo := repository.NewTapRepository(db)
	occRepo := repository.NewOccurrenceRepository(db)
	queueRepo := repository.NewQueueRepository(db)
	userRepo := repository.NewUserRepository(db)
	groupRepo := repository.NewGroupRepository(db)

	// Create services
	tapService := taps.NewService(tapRepo, occRepo, queueRepo, cfg.NagInterval)
	groupService := groups.NewService(groupRepo)

	// Create and start bot
	b, err := bot.New(cfg.TelegramToken, db, tapService, groupService)
	if err != nil {
		log.Fatalf("Failed to create bot: %v", err)
	}

	// Start listener workers competing on the wake-event queue
	notifier := bot.NewNotifier(b.API(), userRepo)
	for i := 0; i < cfg.WorkerCount; i++ {
		listener := scheduler.NewListener(
			fmt.Sprintf("worker-%d", i),
			tapRepo, occRepo, queueRepo, groupService, notifier,
			cfg.PollInterval,
		)
		go listener.Run(ctx)
	}

	// Start queue maintenance (missed-fire requeue, done purge)
	maintenance := scheduler.NewMaintenance(tapRepo, queueRepo)
	if err := maintenance.Start(ctx); err != nil {
		log.Fatalf("Failed to start maintenance: %v", err)
	}

	// Handle graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down...")
		cancel()
	}()

	log.Println("Starting bot...")
	if err := b.Start(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Bot error: %v", err)
	}
}
