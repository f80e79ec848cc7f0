package bootstrap

import (
	"context"
	"strings"
	"time"

	"triage_server/adapter/out/graph"
	"triage_server/adapter/out/messaging"
	"triage_server/adapter/out/mongodb"
	"triage_server/adapter/out/persistence"
	"triage_server/adapter/out/provider"
	"triage_server/config"
	"triage_server/core/agent/llm"
	"triage_server/core/agent/rag"
	"triage_server/core/port/out"
	"triage_server/core/service/classification"
	"triage_server/core/service/event"
	"triage_server/core/service/extraction"
	"triage_server/core/service/feedback"
	"triage_server/core/service/notification"
	"triage_server/core/service/review"
	"triage_server/core/service/scan"
	"triage_server/core/service/triage"
	"triage_server/infra/database"
	"triage_server/pkg/cache"
	"triage_server/pkg/crypto"
	"triage_server/pkg/logger"
	"triage_server/pkg/metrics"
	"triage_server/pkg/ratelimit"
	"triage_server/pkg/snowflake"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/jmoiron/sqlx"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
)

// Dependencies holds every wired component. Postgres is required; Redis,
// MongoDB and Neo4j are optional and their absence degrades the features
// built on them (job streams, raw archive, related-email retrieval).
type Dependencies struct {
	Config  *config.Config
	DB      *pgxpool.Pool
	SQLDB   *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Client
	Neo4j   neo4j.DriverWithContext

	// Repositories
	AccountRepo      out.AccountRepository
	EmailRepo        out.ProcessedEmailRepository
	ReviewRepo       out.ReviewRepository
	ScanRepo         out.ScanRepository
	EventLog         out.EventLog
	PreferenceRepo   out.PreferenceRepository
	SubscriptionRepo out.SubscriptionRepository
	MemoryStore      out.MemoryStore
	RawStore         out.RawMessageStore
	VectorStore      out.VectorStore

	// Messaging
	Producer out.MessageProducer

	// Provider
	ProviderFactory *provider.Factory
	MailProvider    out.MailProvider

	// Model + RAG
	ModelClient *llm.Client
	Embedder    *rag.Embedder
	Indexer     *rag.Indexer
	Retriever   *rag.Retriever

	// Cache
	Cache *cache.RedisCache

	// Classification
	Ensemble *classification.Ensemble

	// Services
	Triage        *triage.Orchestrator
	Extractor     *extraction.Extractor
	Tracker       *feedback.Tracker
	ReviewService *review.Service
	ScanControl   *scan.Controller
	ScanRunner    *scan.Runner
	EventService  *event.Service
	PushIngest    *notification.PushIngest
	PushProcessor *notification.Processor
	Subscriptions *notification.Manager
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{Config: cfg}
	var cleanups []func()

	if err := snowflake.Init(cfg.SnowflakeNodeID); err != nil {
		return nil, nil, err
	}

	// Token encryption. Rows written before the key existed stay readable;
	// without a key new tokens land in plaintext, acceptable only in dev.
	if err := crypto.Init(); err != nil {
		logger.Warn("Token encryption disabled: %v", err)
	}

	// Postgres (pgxpool): readiness pings and anything speaking pgx natively.
	db, err := database.NewPostgres(cfg.StoreURL)
	if err != nil {
		return nil, nil, err
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	// Postgres (sqlx): every repository. Simple protocol keeps prepared
	// statements out of the way of transaction poolers.
	sqlxURL := cfg.StoreURL
	if strings.Contains(sqlxURL, "?") {
		sqlxURL += "&default_query_exec_mode=simple_protocol"
	} else {
		sqlxURL += "?default_query_exec_mode=simple_protocol"
	}
	sqlDB, err := sqlx.Connect("pgx", sqlxURL)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	deps.SQLDB = sqlDB
	cleanups = append(cleanups, func() { sqlDB.Close() })
	metrics.RegisterPool("postgres", sqlDB.DB)
	logger.Info("Postgres connected (pool: max=%d, idle=%d)", 25, 10)

	// Redis: job streams, event feed mirror, preference cache, quota window.
	redisClient, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Warn("Redis connection failed, streams and caching disabled: %v", err)
	} else {
		deps.Redis = redisClient
		cleanups = append(cleanups, func() { redisClient.Close() })
		deps.Cache = cache.NewRedisCache(redisClient)
		deps.Producer = messaging.NewRedisProducer(redisClient)
	}

	// MongoDB: raw message archive. Optional; without it RawRef stays empty.
	if cfg.MongoURL != "" {
		mongoClient, err := mongodb.NewClient(cfg.MongoURL)
		if err != nil {
			logger.Warn("MongoDB connection failed, raw archive disabled: %v", err)
		} else {
			deps.MongoDB = mongoClient
			cleanups = append(cleanups, func() {
				_ = mongoClient.Disconnect(context.Background())
			})

			rawAdapter := mongodb.NewRawMessageAdapter(mongoClient.Database(cfg.MongoDB), cfg.RawRetention)
			if err := rawAdapter.EnsureIndexes(context.Background()); err != nil {
				logger.Warn("Failed to ensure raw archive indexes: %v", err)
			}
			deps.RawStore = rawAdapter
			logger.Info("MongoDB raw archive initialized (retention: %s)", cfg.RawRetention)
		}
	}

	// Neo4j: vector index behind the related-emails lookup. Optional.
	if cfg.Neo4jURI != "" {
		driver, err := graph.NewDriver(cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
		if err != nil {
			logger.Warn("Neo4j connection failed, related-email retrieval disabled: %v", err)
		} else {
			deps.Neo4j = driver
			cleanups = append(cleanups, func() {
				_ = driver.Close(context.Background())
			})

			vectorAdapter := graph.NewVectorAdapter(driver, "neo4j", cfg.EmbeddingDims)
			if err := vectorAdapter.EnsureIndex(context.Background()); err != nil {
				logger.Warn("Failed to ensure Neo4j vector index: %v", err)
			}
			deps.VectorStore = vectorAdapter
			logger.Info("Neo4j vector store initialized (dims: %d)", cfg.EmbeddingDims)
		}
	}

	// Repositories
	accountAdapter := persistence.NewAccountAdapter(sqlDB)
	eventAdapter := persistence.NewEventLogAdapter(sqlDB)
	if deps.Producer != nil {
		eventAdapter.SetMirror(deps.Producer)
	}
	deps.AccountRepo = accountAdapter
	deps.EmailRepo = persistence.NewProcessedEmailAdapter(sqlDB)
	deps.ReviewRepo = persistence.NewReviewAdapter(sqlDB)
	deps.ScanRepo = persistence.NewScanAdapter(sqlDB)
	deps.EventLog = eventAdapter
	deps.PreferenceRepo = persistence.NewPreferenceAdapter(sqlDB)
	deps.SubscriptionRepo = persistence.NewSubscriptionAdapter(sqlDB)
	deps.MemoryStore = persistence.NewMemoryAdapter(sqlDB)

	// Mail provider behind the per-account quota guard.
	guard := ratelimit.NewProviderGuard(deps.Redis, &ratelimit.Config{
		MaxConcurrent:     cfg.GmailMaxConcurrent,
		RequestsPerSecond: cfg.GmailRequestsPerSecond,
		BurstSize:         cfg.GmailBurstSize,
	})
	if cfg.GoogleClientID == "" || cfg.GoogleClientSecret == "" {
		logger.Warn("Google OAuth client not configured, provider calls will fail")
	}
	deps.ProviderFactory = provider.NewFactory(provider.Config{
		ClientID:         cfg.GoogleClientID,
		ClientSecret:     cfg.GoogleClientSecret,
		FetchConcurrency: cfg.ScanFetchConcurrency,
	}, deps.AccountRepo, deps.RawStore, guard)
	deps.MailProvider = deps.ProviderFactory.Default()

	// Model client: local-first primary with hosted fallback.
	deps.ModelClient = llm.NewClient(llm.Config{
		PrimaryEndpoint:  cfg.ModelPrimaryEndpoint,
		PrimaryAPIKey:    cfg.ModelPrimaryAPIKey,
		PrimaryModel:     cfg.ModelPrimaryID,
		FallbackEndpoint: cfg.ModelFallbackEndpoint,
		FallbackAPIKey:   cfg.ModelFallbackAPIKey,
		FallbackModel:    cfg.ModelFallbackID,
		EmbeddingModel:   cfg.EmbeddingModel,
		Timeout:          cfg.ModelTimeout,
		MaxTokens:        cfg.ModelMaxTokens,
		Temperature:      float32(cfg.ModelTemperature),
	})

	// RAG components ride the vector store; no store, no indexing.
	deps.Embedder = rag.NewEmbedder(deps.ModelClient)
	if deps.VectorStore != nil {
		deps.Indexer = rag.NewIndexer(deps.Embedder, deps.VectorStore)
		deps.Retriever = rag.NewRetriever(deps.Embedder, deps.VectorStore)
	}

	// Classification ensemble
	ensembleCfg := classification.DefaultEnsembleConfig()
	ensembleCfg.BootstrapWeights = classification.Weights(cfg.BootstrapWeights)
	ensembleCfg.SteadyWeights = classification.Weights(cfg.SteadyWeights)
	ensembleCfg.BootstrapCount = int64(cfg.BootstrapCount)
	ensembleCfg.AgreementBoost = cfg.AgreementBoost
	ensembleCfg.PartialBoost = cfg.PartialBoost
	ensembleCfg.DisagreementPenalty = cfg.DisagreementPenalty
	ensembleCfg.SmartSkip = cfg.SmartSkip
	ensembleCfg.LayerTimeout = cfg.LayerTimeout

	historyLayer := classification.NewHistoryLayer(deps.PreferenceRepo, deps.Cache, classification.HistoryConfig{
		SenderMinEmails: cfg.HistorySenderMin,
		DomainMinEmails: cfg.HistoryDomainMin,
		SaturationCount: cfg.HistorySaturation,
		CacheTTL:        cfg.PreferenceCacheTTL,
	})
	deps.Ensemble = classification.NewEnsemble(
		classification.NewRuleLayer(),
		historyLayer,
		classification.NewModelLayer(deps.ModelClient),
		deps.EmailRepo,
		ensembleCfg,
	)

	// Extraction + feedback
	deps.Extractor = extraction.NewExtractor(deps.ModelClient)
	deps.Tracker = feedback.NewTrackerWithAlpha(deps.PreferenceRepo, deps.EventLog, deps.Cache, cfg.HistoryAlpha)

	// Triage pipeline
	triageCfg := triage.Config{
		AutoApplyThreshold: cfg.AutoThreshold,
		ReviewThreshold:    cfg.ReviewThreshold,
		ApplyLabels:        cfg.ApplyLabels,
	}
	if deps.Indexer != nil {
		deps.Triage = triage.NewOrchestrator(deps.Ensemble, deps.Extractor, deps.EmailRepo, deps.ReviewRepo,
			deps.MemoryStore, deps.EventLog, deps.MailProvider, deps.Indexer, triageCfg)
	} else {
		deps.Triage = triage.NewOrchestrator(deps.Ensemble, deps.Extractor, deps.EmailRepo, deps.ReviewRepo,
			deps.MemoryStore, deps.EventLog, deps.MailProvider, nil, triageCfg)
	}

	// Review queue
	deps.ReviewService = review.NewService(deps.ReviewRepo, deps.EmailRepo, deps.EventLog,
		deps.Tracker, deps.MailProvider, deps.Retriever)

	// Scans
	deps.ScanControl = scan.NewController(deps.ScanRepo, deps.AccountRepo, deps.EventLog, deps.Producer)
	deps.ScanControl.SetDefaultBatchSize(cfg.ScanBatchSize)
	deps.ScanRunner = scan.NewRunner(deps.ScanRepo, deps.EmailRepo, deps.MailProvider, deps.Triage,
		deps.EventLog, deps.Producer, scan.RunnerConfig{
			ErrorBatchLimit: cfg.ScanMaxErrorBatches,
			RateWindow:      cfg.ScanETAWindow,
		})

	// Events
	deps.EventService = event.NewService(deps.EventLog)

	// Push notifications
	if deps.Cache != nil {
		deps.PushIngest = notification.NewPushIngest(deps.AccountRepo, deps.EventLog, deps.Producer, deps.Cache)
	} else {
		deps.PushIngest = notification.NewPushIngest(deps.AccountRepo, deps.EventLog, deps.Producer, nil)
	}
	deps.PushProcessor = notification.NewProcessor(deps.SubscriptionRepo, deps.AccountRepo, deps.MailProvider, deps.Triage)
	deps.Subscriptions = notification.NewManager(deps.SubscriptionRepo, deps.AccountRepo, deps.MailProvider,
		deps.EventLog, notification.ManagerConfig{
			Topic:        cfg.PushTopic,
			RenewalSlack: cfg.WatchExpirySlack,
		})

	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	return deps, cleanup, nil
}
