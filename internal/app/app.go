package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/docgrove/docgrove/internal/config"
	"github.com/docgrove/docgrove/internal/core"
	db "github.com/docgrove/docgrove/internal/core/database"
	"github.com/docgrove/docgrove/internal/core/extraction"
	"github.com/docgrove/docgrove/internal/core/llm"
	objectclient "github.com/docgrove/docgrove/internal/core/object-client"
	"github.com/docgrove/docgrove/internal/core/pipeline"
	"github.com/docgrove/docgrove/internal/core/vectorstore"
)

type App struct {
	DBClient     core.DbClient
	ObjectClient core.ObjectClient
	VectorClient core.VectorClient
	Dispatcher   *pipeline.Dispatcher
	Server       *Server
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	dbClient, err := db.NewDatabaseClient(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	log.Println("Database initialized and ready.")

	vectorClient, err := vectorstore.NewPgVectorStore(appCtx, cfg.DatabaseURL, cfg.EmbedDim)
	if err != nil {
		return nil, err
	}
	log.Println("Vector store initialized and ready.")

	objClient, err := objectclient.NewS3Client(appCtx, cfg)
	if err != nil {
		return nil, err
	}
	log.Println("Object client initialized and ready.")

	embedder, err := newEmbedder(appCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the embedder: %w", err)
	}

	pipeCfg := &pipeline.Config{
		TargetSize:        cfg.TargetChunkSize,
		Overlap:           cfg.ChunkOverlap,
		FragmentsPerBatch: cfg.FragmentsPerBatch,
		GroupSize:         cfg.UpsertGroupSize,
		FallbackSize:      cfg.UpsertFallback,
		InvocationBudget:  cfg.InvocationBudget,
		CacheCap:          cfg.EmbedCacheCap,
		VectorDeleteLimit: cfg.VectorDeleteLimit,
	}

	var limiter *rate.Limiter
	if cfg.EmbedRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.EmbedRPS), cfg.EmbedRPS)
	}
	cache := pipeline.NewEmbedCache(embedder, limiter, pipeCfg.CacheCap)
	uploader := pipeline.NewBatchUploader(cache, vectorClient, pipeCfg)

	extractor := extraction.NewFallbackExtractor(
		extraction.NewDocconvExtractor(false),
		extraction.PlainTextExtractor{},
	)

	checkpoints := pipeline.NewCheckpointStore(dbClient)
	controller := pipeline.NewController(checkpoints, objClient, uploader, extractor, pipeCfg)
	deleter := pipeline.NewDeleter(dbClient, objClient, vectorClient, pipeCfg.VectorDeleteLimit)

	dispatcher, err := pipeline.NewDispatcher(controller, cfg.WorkerPoolSize, cfg.AutoResume)
	if err != nil {
		return nil, fmt.Errorf("couldn't initialize the dispatcher: %w", err)
	}

	// The search endpoint shares the cache so repeated queries skip the
	// provider entirely.
	server := NewServer(cfg, dbClient, objClient, cache, vectorClient, dispatcher, deleter)

	return &App{
		DBClient:     dbClient,
		ObjectClient: objClient,
		VectorClient: vectorClient,
		Dispatcher:   dispatcher,
		Server:       server,
	}, nil
}

func newEmbedder(ctx context.Context, cfg *config.Config) (core.EmbeddingProvider, error) {
	switch cfg.EmbedProvider {
	case "ollama":
		return llm.NewOllamaEmbedder(cfg.OllamaURL, cfg.OllamaEmbedModel)
	default:
		return llm.NewGeminiEmbedder(ctx, cfg.AIAPIKey, cfg.EmbedModel)
	}
}

func (a *App) Close() {
	if a.Dispatcher != nil {
		a.Dispatcher.Release()
	}
	if a.VectorClient != nil {
		a.VectorClient.Close()
	}
	if a.DBClient != nil {
		_ = a.DBClient.Close()
	}
}
