package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/botforge/internal/api/handlers"
	"github.com/markdave123-py/botforge/internal/config"
	"github.com/markdave123-py/botforge/internal/core"
	"github.com/markdave123-py/botforge/internal/core/chunker"
	db "github.com/markdave123-py/botforge/internal/core/database"
	"github.com/markdave123-py/botforge/internal/core/embedding"
	"github.com/markdave123-py/botforge/internal/core/events"
	"github.com/markdave123-py/botforge/internal/core/extraction"
	"github.com/markdave123-py/botforge/internal/core/ingestion_engine"
	"github.com/markdave123-py/botforge/internal/core/llm"
	objectclient "github.com/markdave123-py/botforge/internal/core/object-client"
	"github.com/markdave123-py/botforge/internal/core/queue"
	"github.com/markdave123-py/botforge/internal/logger"
	"github.com/markdave123-py/botforge/internal/metrics"
	"github.com/markdave123-py/botforge/internal/models"
	"github.com/markdave123-py/botforge/internal/services"
)

type App struct {
	DBClient  *db.DatabaseClient
	Queue     core.JobQueue
	Publisher core.StatusPublisher
	Pipeline  *ingestion_engine.IngestionPipeline
	Server    *Server

	closers []io.Closer
	logger  *slog.Logger
}

// NewApp connects every dependency named by cfg and wires the pipeline and
// the HTTP surface. Optional backends fall back to in-process ones: the
// memory queue without REDIS_URL and log events without KAFKA_BROKERS.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{logger: logger.WithComponent("app")}

	appCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	dbClient, err := db.NewDatabaseClient(appCtx, cfg.DatabaseURL, cfg.SslCertPath)
	if err != nil {
		return nil, err
	}
	a.DBClient = dbClient
	a.closers = append(a.closers, dbClient)
	a.logger.Info("database initialized and ready")

	objClient, err := objectclient.NewS3Client(appCtx, objectclient.S3Settings{
		AccessKey: cfg.AwsAccessKey,
		SecretKey: cfg.AwsSecretKey,
		Region:    cfg.AwsRegion,
		Endpoint:  cfg.S3Endpoint,
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("object client initialized and ready", "bucket", cfg.BucketName)

	m := metrics.New(prometheus.DefaultRegisterer)

	gatewayOpts := []embedding.Option{
		embedding.WithMetrics(m),
		embedding.WithRateLimit(cfg.EmbedRateLimit, max(1, int(cfg.EmbedRateLimit))),
	}
	if cfg.GeminiAPIKey != "" {
		gemini, err := llm.NewGeminiEmbedder(appCtx, cfg.GeminiAPIKey, cfg.EmbedModel)
		if err != nil {
			return nil, fmt.Errorf("couldn't initialize the gemini embedder: %w", err)
		}
		a.closers = append(a.closers, gemini)
		gatewayOpts = append(gatewayOpts, embedding.WithProvider(gemini))
	}
	if cfg.OpenAIAPIKey != "" {
		openai, err := llm.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIEmbedModel, cfg.OpenAIBaseURL)
		if err != nil {
			return nil, fmt.Errorf("couldn't initialize the openai embedder: %w", err)
		}
		gatewayOpts = append(gatewayOpts, embedding.WithProvider(openai))
	}
	gateway := embedding.NewGateway(dbClient, gatewayOpts...)
	a.logger.Info("embedding gateway ready", "providers", gateway.Providers())

	if a.Queue, err = newQueue(appCtx, cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Queue)

	if len(cfg.KafkaBrokers) > 0 {
		a.Publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaStatusTopic)
		a.logger.Info("publishing status events to kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaStatusTopic)
	} else {
		a.Publisher = events.NewLogPublisher()
	}
	a.closers = append(a.closers, a.Publisher)

	a.Pipeline, err = ingestion_engine.NewIngestionPipeline(ingestion_engine.Deps{
		DB:        dbClient,
		Content:   objectclient.NewChunkStore(objClient, cfg.BucketName),
		Documents: extraction.NewDocumentExtractor(objClient, cfg.BucketName, cfg.UseReadability),
		Websites:  extraction.NewWebExtractor(extraction.NewFetcher(cfg.WebRenderer, cfg.ScrapeTimeout), cfg.ScrapeTimeout),
		Gateway:   gateway,
		Queue:     a.Queue,
		Publisher: a.Publisher,
		Chunker:   chunker.New(chunker.WithQualitySink(m)),
		Metrics:   m,
	}, IngestConfigFrom(cfg))
	if err != nil {
		return nil, err
	}

	router := NewRouter(Handlers{
		Documents: handlers.NewDocumentHandler(services.NewDocumentService(dbClient, objClient, cfg.BucketName, a.Pipeline)),
		Websites:  handlers.NewWebsiteHandler(services.NewWebsiteService(dbClient, a.Pipeline)),
		Bots:      handlers.NewBotHandler(services.NewBotService(dbClient, a.Pipeline)),
	}, m, cfg.CORSOrigins, dbClient.Ping)
	a.Server = NewServer(cfg.Port, router)

	ok = true
	return a, nil
}

// IngestConfigFrom maps the environment onto pipeline settings.
func IngestConfigFrom(cfg *config.Config) ingestion_engine.IngestConfig {
	return ingestion_engine.IngestConfig{
		Workers: map[models.QueueName]int{
			models.QueueDocument:    cfg.DocumentWorkers,
			models.QueueWebScraping: cfg.WebScrapingWorkers,
			models.QueueEmbedding:   cfg.EmbeddingWorkers,
			models.QueueReindex:     cfg.ReindexWorkers,
		},
		JobAttempts:        cfg.JobAttempts,
		JobBackoff:         cfg.JobBackoff,
		EmbedBatchSize:     cfg.EmbedBatchSize,
		StallWindow:        cfg.StallWindow,
		StallCheckInterval: cfg.StallCheckInterval,
		CleanupSchedule:    cfg.CleanupSchedule,
		CompletedRetention: cfg.CompletedRetention,
		FailedRetention:    cfg.FailedRetention,
	}
}

func newQueue(ctx context.Context, cfg *config.Config) (core.JobQueue, error) {
	if cfg.RedisURL == "" {
		slog.Warn("REDIS_URL not set, jobs are kept in process and lost on restart")
		return queue.NewMemoryQueue(0), nil
	}
	client, err := queue.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	q, err := queue.NewRedisQueue(ctx, client, cfg.QueuePrefix)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return q, nil
}

// Run starts the pipeline workers and the HTTP server and blocks until ctx
// is cancelled or either of them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := a.Pipeline.Start(gctx); err != nil {
		return err
	}
	g.Go(a.Pipeline.Wait)
	g.Go(a.Server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := a.Server.Shutdown(shutdownCtx)
		return errors.Join(err, a.Pipeline.Stop())
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases every dependency in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}
