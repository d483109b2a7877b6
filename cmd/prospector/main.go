package main

import (
	"context"

	"tenderworks/api_prospector/internal/chat"
	prospectorconfig "tenderworks/api_prospector/internal/config"
	"tenderworks/api_prospector/internal/deepsearch"
	"tenderworks/api_prospector/internal/files"
	"tenderworks/api_prospector/internal/knowledge"
	"tenderworks/api_prospector/internal/metering"
	"tenderworks/api_prospector/internal/prospector"
	"tenderworks/api_prospector/pkg/config"
	"tenderworks/api_prospector/pkg/database"
	"tenderworks/api_prospector/pkg/llm"
	"tenderworks/api_prospector/pkg/logging"
	"tenderworks/api_prospector/pkg/monitoring"
	"tenderworks/api_prospector/pkg/server"
	"tenderworks/api_prospector/pkg/tokenizer"
	"tenderworks/api_prospector/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("prospector")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Prospector (Tender Deep Search API)")

	cfg := prospectorconfig.LoadConfig()

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = cfg.DatabaseURL
	db := database.MustConnect(dbConfig, logger)
	defer func() { _ = db.Close() }()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("prospector", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("prospector", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": cfg.DatabaseURL,
		"LLM_API_KEY":  cfg.LLMAPIKey,
	}))

	var usagePublisher *metering.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := metering.NewPublisher(metering.PublisherConfig{
			Brokers:   cfg.KafkaBrokers,
			ClusterID: cfg.KafkaClusterID,
			Topic:     cfg.UsageKafkaTopic,
			Source:    "prospector",
			Logger:    logger,
		})
		if err != nil {
			logger.WithError(err).Warn("Failed to create billing Kafka publisher - usage events disabled")
		} else {
			usagePublisher = publisher
			defer func() { _ = usagePublisher.Close() }()
		}
	} else {
		logger.Warn("KAFKA_BROKERS not set - billing usage events disabled")
	}

	usageTracker := metering.NewUsageTracker(metering.UsageTrackerConfig{
		DB:            db,
		Publisher:     usagePublisher,
		Logger:        logger,
		ClusterID:     cfg.KafkaClusterID,
		FlushInterval: cfg.MeteringFlushInterval,
	})
	usageTracker.Start()
	defer usageTracker.Stop()

	rateLimiter := metering.NewRateLimiter(cfg.ChatRateLimitHour, nil)
	rateLimiter.StartCleanup(context.Background())

	primaryCfg := llm.Config{
		Provider:  cfg.LLMProvider,
		Model:     cfg.LLMModel,
		APIKey:    cfg.LLMAPIKey,
		APIURL:    cfg.LLMAPIURL,
		MaxTokens: cfg.LLMMaxTokens,
	}
	fallbackCfg := llm.Config{
		Provider:  cfg.FallbackProvider,
		Model:     cfg.FallbackModel,
		APIKey:    cfg.FallbackAPIKey,
		APIURL:    cfg.FallbackAPIURL,
		MaxTokens: cfg.FallbackMaxTokens,
	}
	llmClient, err := llm.NewClient(primaryCfg, fallbackCfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize LLM client")
	}

	embeddingClient, err := llm.NewEmbeddingClient(llm.Config{
		Provider: cfg.EmbeddingProvider,
		Model:    cfg.EmbeddingModel,
		APIKey:   cfg.EmbeddingAPIKey,
		APIURL:   cfg.EmbeddingAPIURL,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize embedding client")
	}
	embedder, err := knowledge.NewEmbedder(embeddingClient)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize knowledge embedder")
	}

	chunker, err := tokenizer.NewChunker(cfg.LLMModel)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tokenizer")
	}

	knowledgeStore := knowledge.NewStore(db)
	queryTool := knowledge.NewQueryTool(knowledgeStore, embedder, cfg.SearchLimit, logger)

	fileStore := files.NewStore(db, logger)
	extractor := files.NewExtractor(cfg.ExtractionAPIURL, cfg.ExtractionAPIKey, logger)

	searcher := deepsearch.NewFileSearcher(llmClient, chunker, cfg.ChunkMaxTokens(), cfg.ChunkTokenOverlap, logger)
	coordinator := deepsearch.NewCoordinator(deepsearch.CoordinatorConfig{
		Catalog:         fileStore,
		Extractor:       extractor,
		Searcher:        searcher,
		Generator:       llmClient,
		Concurrency:     cfg.DeepSearchConcurrency,
		ExtractionBatch: cfg.ExtractionLimit,
		Logger:          logger,
	})

	conversationStore := chat.NewConversationStore(db)
	chatHandler := chat.NewChatHandler(conversationStore, coordinator, queryTool, llmClient, fileStore, logger)
	chatHandler.MaxHistoryMessages = cfg.MaxHistoryMessages

	// Setup router with unified monitoring (health/metrics only)
	router := server.SetupServiceRouter(logger, "prospector", healthChecker, metricsCollector)
	apiGroup := router.Group("/api/prospector")
	apiGroup.Use(prospector.IdentityMiddleware())
	apiGroup.Use(metering.AccessMiddleware(metering.AccessMiddlewareConfig{
		RateLimiter: rateLimiter,
		Tracker:     usageTracker,
		Logger:      logger,
	}))
	chat.RegisterRoutes(apiGroup, chatHandler)

	// Start HTTP server with graceful shutdown
	serverConfig := server.DefaultConfig("prospector", cfg.Port)
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
