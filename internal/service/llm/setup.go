package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mstream "github.com/haowjy/meridian-stream-go"
	"github.com/jackc/pgx/v5/pgxpool"

	"raven/internal/capabilities"
	"raven/internal/config"
	"raven/internal/domain/repositories"
	llmRepo "raven/internal/domain/repositories/llm"
	llmSvc "raven/internal/domain/services/llm"
	"raven/internal/metrics"
	badgerRepo "raven/internal/repository/badger"
	memrepo "raven/internal/repository/memory"
	"raven/internal/repository/postgres"
	postgresLLM "raven/internal/repository/postgres/llm"
	s3repo "raven/internal/repository/s3"
	"raven/internal/service/llm/agents"
	"raven/internal/service/llm/embeddings"
	"raven/internal/service/llm/memory"
	"raven/internal/service/llm/model"
	"raven/internal/service/llm/orchestrator"
	"raven/internal/service/llm/summarizer"
	"raven/internal/service/llm/tools"
	"raven/internal/service/llm/tools/external"
	"raven/internal/service/preferences"
)

// Stores holds the persistence layer of the runtime.
type Stores struct {
	Messages    llmRepo.MessageStore
	Blobs       repositories.BlobStore
	Vectors     llmRepo.VectorIndex
	Tx          repositories.TransactionManager
	Pending     llmRepo.PendingQueue
	Histories   llmRepo.AgentHistoryStore
	Preferences repositories.PreferencesRepository
	Embedder    llmSvc.Embedder

	pool   *pgxpool.Pool
	badger *badgerRepo.DB
}

// Pool returns the postgres pool, or nil when running on in-memory stores.
func (s *Stores) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the database handles.
func (s *Stores) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.badger != nil {
		return s.badger.Close()
	}
	return nil
}

// SetupEmbedder returns the embedding client for the configured model. The
// local hashing embedder is used when asked for, or in dev without an API key.
func SetupEmbedder(cfg *config.Config, logger *slog.Logger) (llmSvc.Embedder, error) {
	if cfg.EmbeddingModel == embeddings.HashModel || (cfg.EmbeddingAPIKey == "" && cfg.IsDev()) {
		logger.Warn("using local hash embeddings, recall quality is reduced")
		return embeddings.NewHash(), nil
	}
	embedder, err := embeddings.NewOpenAI(embeddings.Config{
		APIKey:  cfg.EmbeddingAPIKey,
		BaseURL: cfg.EmbeddingBaseURL,
		Model:   cfg.EmbeddingModel,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	return embedder, nil
}

// embeddingDimensions matches the vector column to the embedder in use.
func embeddingDimensions(cfg *config.Config, embedder llmSvc.Embedder) int {
	if _, ok := embedder.(*embeddings.HashEmbedder); ok {
		return embeddings.Dimensions(embeddings.HashModel)
	}
	return embeddings.Dimensions(cfg.EmbeddingModel)
}

// SetupStores opens postgres, the blob store and badger. Outside dev a
// missing DATABASE_URL or S3_BUCKET is an error; in dev the in-memory stores
// stand in for them.
func SetupStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Stores, error) {
	embedder, err := SetupEmbedder(cfg, logger)
	if err != nil {
		return nil, err
	}
	stores := &Stores{Embedder: embedder}

	// Blobs first: message stores resolve parts through them
	switch {
	case cfg.S3Bucket != "":
		blobs, err := s3repo.NewBlobStore(ctx, s3repo.Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			UsePathStyle:    cfg.S3UsePathStyle,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create blob store: %w", err)
		}
		stores.Blobs = blobs
		logger.Info("blob store ready", "backend", "s3", "bucket", cfg.S3Bucket)
	case cfg.IsDev():
		stores.Blobs = memrepo.NewBlobStore("local")
		logger.Warn("S3_BUCKET not set, blobs are kept in memory")
	default:
		return nil, errors.New("S3_BUCKET is required outside dev")
	}

	switch {
	case cfg.DatabaseURL != "":
		pool, err := postgres.CreateConnectionPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		stores.pool = pool

		applied, err := postgres.Migrate(ctx, pool, postgres.MigrationOptions{
			Prefix:     cfg.TablePrefix,
			Dimensions: embeddingDimensions(cfg, embedder),
		}, logger)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}

		repoConfig := &postgres.RepositoryConfig{
			Pool:   pool,
			Tables: postgres.NewTableNames(cfg.TablePrefix),
			Logger: logger,
		}
		stores.Messages = postgresLLM.NewMessageStore(repoConfig, stores.Blobs)
		stores.Vectors = postgresLLM.NewVectorIndex(repoConfig, embedder)
		stores.Tx = postgres.NewTransactionManager(repoConfig)
		stores.Preferences = postgres.NewPreferencesRepository(repoConfig)
		logger.Info("database connected",
			"table_prefix", cfg.TablePrefix,
			"migrations_applied", len(applied),
		)
	case cfg.IsDev():
		stores.Messages = memrepo.NewMessageStore(stores.Blobs)
		stores.Vectors = memrepo.NewVectorIndex(embedder)
		stores.Tx = memrepo.NewTransactionManager()
		stores.Preferences = memrepo.NewPreferencesRepository()
		logger.Warn("DATABASE_URL not set, history is kept in memory")
	default:
		return nil, errors.New("DATABASE_URL is required outside dev")
	}

	db, err := badgerRepo.Open(badgerRepo.Options{Dir: cfg.BadgerDir, Logger: logger})
	if err != nil {
		stores.Close()
		return nil, err
	}
	stores.badger = db

	pending, err := badgerRepo.NewPendingQueue(db, cfg.PendingTTL)
	if err != nil {
		stores.Close()
		return nil, err
	}
	stores.Pending = pending
	stores.Histories = badgerRepo.NewAgentHistoryStore(db, cfg.AgentHistoryTTL)

	return stores, nil
}

// ServiceOptions are the process-specific parts of the runtime.
type ServiceOptions struct {
	Channel    llmSvc.DeliveryChannel
	Metrics    *metrics.Metrics // Optional
	StreamPath string           // Prefix of run event URLs; empty omits them
	ChatModel  llmSvc.ChatModel // Optional, replaces the configured model client
}

// Services holds the runtime built on top of the stores.
type Services struct {
	Dispatcher  *orchestrator.Dispatcher
	Agents      *agents.Directory
	Catalog     *tools.ToolRegistry
	Streams     *mstream.Registry
	Runs        *orchestrator.RunRegistry
	Preferences *preferences.Service
}

// SetupServices builds the tool catalog, the agents and the dispatcher, and
// starts the background cleanup of finished runs until ctx ends.
func SetupServices(ctx context.Context, cfg *config.Config, stores *Stores, opts ServiceOptions, logger *slog.Logger) (*Services, error) {
	chatModel := opts.ChatModel
	if chatModel == nil {
		openAIModel, err := model.NewOpenAI(model.Config{
			APIKey:  cfg.ModelAPIKey,
			BaseURL: cfg.ModelBaseURL,
			Model:   cfg.ChatModel,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create chat model: %w", err)
		}
		chatModel = openAIModel
	}

	runner := orchestrator.NewRunner(chatModel, orchestrator.RunnerConfig{
		StepBudget:    cfg.Run.StepBudget,
		RepairCeiling: cfg.Run.RepairCeiling,
	}, logger)
	// Agents get one attempt; their caller repairs
	agentRunner := orchestrator.NewRunner(chatModel, orchestrator.RunnerConfig{
		StepBudget:    cfg.Run.StepBudget,
		RepairCeiling: 0,
	}, logger)

	builder := tools.NewToolRegistryBuilder().WithBuiltins()
	if cfg.TavilyAPIKey != "" {
		builder = builder.WithWebSearch(external.NewTavilyClient(cfg.TavilyAPIKey))
	} else {
		logger.Warn("TAVILY_API_KEY not set, web_search is not available")
	}
	if opts.Metrics != nil {
		builder = builder.WithObserver(opts.Metrics)
	}
	builtins := builder.Build()

	registry, err := capabilities.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("load agent catalog: %w", err)
	}
	directory, err := agents.NewDirectory(registry, agents.Deps{
		Runner:    agentRunner,
		Histories: stores.Histories,
		Catalog:   builtins,
		Model:     cfg.AgentModel,
		MaxDepth:  cfg.Run.MaxAgentDepth,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	catalog := tools.NewToolRegistry().Merge(builtins)
	for _, tool := range directory.Tools() {
		catalog.Register(tool)
	}
	logger.Info("tool catalog ready",
		"tools", catalog.Names(),
		"agents", directory.Names(),
	)

	var sum llmSvc.Summarizer
	provider, err := summarizer.NewProviderFactory(cfg).GetProvider(cfg.SummaryProvider)
	if err != nil {
		logger.Warn("summarizer unavailable, using heuristic summaries", "error", err)
	} else {
		sum = summarizer.New(provider, cfg.SummaryModel, logger)
	}

	prompt, err := orchestrator.NewSystemPrompt(cfg.SystemPrompt, cfg.Run.Sentinels)
	if err != nil {
		return nil, err
	}

	prefs := preferences.NewService(stores.Preferences, logger)

	streams := mstream.NewRegistry()
	go streams.StartCleanup(ctx)
	runs := orchestrator.NewRunRegistry(time.Minute, cfg.Run.RunRetention)
	go runs.StartCleanup(ctx)

	deps := orchestrator.DispatcherDeps{
		Runner:         runner,
		Messages:       stores.Messages,
		Blobs:          stores.Blobs,
		Pending:        stores.Pending,
		AgentHistories: stores.Histories,
		TxManager:      stores.Tx,
		Memory:         memory.NewTurnMemory(stores.Vectors, logger),
		Summarizer:     sum,
		Selector: tools.NewSelector(stores.Vectors, tools.SelectorConfig{
			Limit:           cfg.Run.ToolLimit,
			SimilarityFloor: cfg.Run.SimilarityFloor,
		}, logger),
		Catalog: catalog,
		Channel: opts.Channel,
		Streams: streams,
		Runs:    runs,

		Preferences: prefs,
	}
	if opts.Metrics != nil {
		deps.Observer = opts.Metrics
		deps.DeliveryObs = opts.Metrics
		deps.ToolObserver = opts.Metrics
	}

	dispatcher, err := orchestrator.NewDispatcher(ctx, deps, orchestrator.DispatcherConfig{
		Limits:       cfg.Run,
		SystemPrompt: prompt,
		Debug:        cfg.Debug,
		StreamPath:   opts.StreamPath,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &Services{
		Dispatcher:  dispatcher,
		Agents:      directory,
		Catalog:     catalog,
		Streams:     streams,
		Runs:        runs,
		Preferences: prefs,
	}, nil
}
