package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"time"

	"docuagent/internal/config"
	"docuagent/internal/ingest"
	"docuagent/internal/query"
	"docuagent/internal/scan"
	"docuagent/internal/server"
	"docuagent/internal/util"
	"docuagent/pkg/ai"
	"docuagent/pkg/storage"
	"docuagent/pkg/store"
	"docuagent/pkg/vectorindex"
	"docuagent/pkg/workflow"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	content, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalf("failed to init object storage: %v", err)
	}

	index, err := vectorindex.NewQdrantIndex(vectorindex.QdrantConfig{
		Host:       cfg.QdrantHost,
		Port:       cfg.QdrantPort,
		APIKey:     cfg.QdrantAPIKey,
		UseTLS:     cfg.QdrantUseTLS,
		Collection: cfg.QdrantCollection,
		Dim:        cfg.EmbedDim,
	})
	if err != nil {
		log.Fatalf("failed to init vector index: %v", err)
	}

	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	if err := index.EnsureSchema(schemaCtx); err != nil {
		cancelSchema()
		log.Fatalf("failed to ensure vector schema: %v", err)
	}
	cancelSchema()

	aiClient, err := ai.NewOpenAIClient(ai.OpenAIConfig{
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		EmbedModel:  cfg.EmbedModel,
		ChatModel:   cfg.ChatModel,
		VisionModel: cfg.VisionModel,
	})
	if err != nil {
		log.Fatalf("failed to init ai client: %v", err)
	}

	runner, err := workflow.NewRunner(workflow.Config{
		Addr:           cfg.RedisAddr,
		Password:       cfg.RedisPassword,
		Stream:         cfg.EventStream,
		Group:          cfg.EventGroup,
		MaxRetries:     cfg.WorkerMaxRetries,
		RetryDelay:     time.Duration(cfg.WorkerRetryDelaySeconds) * time.Second,
		ThrottleLimit:  cfg.ThrottleLimit,
		ThrottleWindow: time.Duration(cfg.ThrottleWindowSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to init workflow runner: %v", err)
	}

	splitter, err := ingest.NewSplitter(cfg.ChunkTokens, cfg.ChunkOverlap)
	if err != nil {
		log.Fatalf("failed to init splitter: %v", err)
	}
	extractor := ingest.NewExtractor(aiClient, cfg.PageConcurrency, logger)

	pipeline := ingest.NewPipeline(st, content, index, aiClient, extractor, splitter, runner, ingest.PipelineConfig{
		EmbedBatchSize:    cfg.EmbedBatchSize,
		DeleteAfterIngest: cfg.DeleteAfterIngest,
	}, logger)

	agent := query.NewAgent(st, index, aiClient, aiClient, runner, cfg.DefaultTopK, logger)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	runner.Start(workerCtx, cfg.WorkerConcurrency)

	scanner := scan.NewClamAV(cfg.ClamAVAddr, time.Duration(cfg.ClamAVTimeoutSeconds)*time.Second, logger)

	httpServer := server.New(server.Config{
		Store:          st,
		Content:        content,
		Scanner:        scanner,
		Pipeline:       pipeline,
		Agent:          agent,
		Runner:         runner,
		MaxUploadBytes: int64(cfg.MaxUploadMB) * 1024 * 1024,
	})

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
