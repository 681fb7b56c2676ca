package main

import (
	"context"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"gorm.io/gorm/logger"

	"github.com/disputeflow/disputeflow/internal/config"
	"github.com/disputeflow/disputeflow/internal/database"
	"github.com/disputeflow/disputeflow/internal/ingest"
	"github.com/disputeflow/disputeflow/internal/notify"
	"github.com/disputeflow/disputeflow/internal/oracle"
	"github.com/disputeflow/disputeflow/internal/services"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it (this is fine if using environment variables): %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting dispute intake engine...")

	db, err := database.Connect(cfg.DatabaseURL, logger.Warn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Printf("Database connection established")

	if err := database.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	if err := database.SeedSuppliers(db, cfg.SupplierSeedPath); err != nil {
		log.Fatalf("Failed to seed suppliers: %v", err)
	}

	store := database.NewStore(db)

	llm := oracle.NewClient(cfg.OllamaBaseURL, cfg.ChatModel, cfg.EmbeddingModel)
	intents := oracle.NewIntentClassifier(llm, cfg.IntentConfidenceThreshold)
	facts := oracle.NewFactExtractor(llm)
	decider := oracle.NewDecisionMaker(llm)
	summarizer := oracle.NewSummarizer(llm)
	composer := oracle.NewClarificationWriter(llm)
	log.Printf("Oracle client initialized (chat=%s embeddings=%s)", cfg.ChatModel, cfg.EmbeddingModel)

	notifier := notify.NewSlackNotifier(cfg.SlackWebhookURL)

	source, err := ingest.NewSpoolSource(cfg.SpoolDir)
	if err != nil {
		log.Fatalf("Failed to open message spool: %v", err)
	}
	dispatcher, err := ingest.NewOutboxDispatcher(filepath.Join(cfg.SpoolDir, "outbox"))
	if err != nil {
		log.Fatalf("Failed to open reply outbox: %v", err)
	}

	suppliers := services.NewSupplierService(store)
	summaries := services.NewSummaryService(store, summarizer, llm)
	clarifier := services.NewClarificationService(store, composer, dispatcher, notifier, cfg.ClarificationTTL)
	intakes := services.NewIntakeService(store, summaries, clarifier, notifier, cfg.MaxClarifications)
	matcher := services.NewMatcherService(store, llm, decider, cfg.CandidateLimit)

	processor := ingest.NewProcessor(store, suppliers, intents, facts, intakes, matcher, summaries, clarifier)
	poller := ingest.NewPoller(source, processor, cfg.PollBatchSize, cfg.PollInterval, cfg.PollWorkers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Polling spool %s every %s (batch=%d workers=%d)", cfg.SpoolDir, cfg.PollInterval, cfg.PollBatchSize, cfg.PollWorkers)
	if err := poller.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Poller stopped: %v", err)
	}
	log.Printf("Shutting down")
}
