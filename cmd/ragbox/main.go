package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/ragbox/internal/ai"
	"github.com/xxxsen/ragbox/internal/config"
	"github.com/xxxsen/ragbox/internal/db"
	"github.com/xxxsen/ragbox/internal/embedding"
	"github.com/xxxsen/ragbox/internal/filestore"
	"github.com/xxxsen/ragbox/internal/handler"
	"github.com/xxxsen/ragbox/internal/job"
	"github.com/xxxsen/ragbox/internal/middleware"
	"github.com/xxxsen/ragbox/internal/repo"
	"github.com/xxxsen/ragbox/internal/schedule"
	"github.com/xxxsen/ragbox/internal/service"
	"github.com/xxxsen/ragbox/internal/vectorstore"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "ragbox",
		Short: "ragbox document embedding and vector search server",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run ragbox server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("--config is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.Init(
				cfg.LogConfig.File,
				cfg.LogConfig.Level,
				int(cfg.LogConfig.FileCount),
				int(cfg.LogConfig.FileSize),
				int(cfg.LogConfig.KeepDays),
				cfg.LogConfig.Console,
			)
			logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", configPath))

			database, err := db.Open(cfg.Database)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			if err := db.ApplyMigrations(database); err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			return runServer(cfg, database)
		},
	}

	runCmd.Flags().StringVar(&configPath, "config", "", "path to config.json")
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func buildProvider(cfg config.EmbeddingConfig) (embedding.Provider, error) {
	primary, err := ai.NewProvider(cfg.Provider, cfg.Data)
	if err != nil {
		return nil, err
	}
	entries := []ai.ProviderEntry{{Name: cfg.Provider, Provider: primary}}
	for _, ref := range cfg.Fallbacks {
		p, err := ai.NewProvider(ref.Provider, ref.Data)
		if err != nil {
			return nil, fmt.Errorf("init fallback provider %s: %w", ref.Provider, err)
		}
		entries = append(entries, ai.ProviderEntry{Name: ref.Provider, Provider: p})
	}
	return ai.NewGroupProvider(entries), nil
}

func runServer(cfg *config.Config, database *sql.DB) error {
	logutil.GetLogger(context.Background()).Info(
		"starting server",
		zap.Int("port", cfg.Port),
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.String("embedding_model", cfg.Embedding.Model),
		zap.Int("dimension", cfg.Embedding.Dimension),
	)

	documentRepo := repo.NewDocumentRepo(database)
	cacheRepo := repo.NewEmbeddingCacheRepo(database)

	provider, err := buildProvider(cfg.Embedding)
	if err != nil {
		return fmt.Errorf("init embedding provider: %w", err)
	}
	cache := embedding.NewCache(
		time.Duration(cfg.Embedding.CacheTTLHours)*time.Hour,
		cfg.Embedding.CacheMaxEntries,
	)
	var persistent embedding.PersistentCache
	if cfg.Embedding.PersistentCache {
		persistent = cacheRepo
	}
	embedder := embedding.New(provider, cache, persistent, embedding.Config{
		Model:         cfg.Embedding.Model,
		Dimension:     cfg.Embedding.Dimension,
		MaxRetries:    cfg.Embedding.MaxRetries,
		MaxInputChars: cfg.Embedding.MaxInputChars,
		MinTextLen:    cfg.Embedding.MinTextLen,
		MaxBatchSize:  cfg.Embedding.MaxBatchSize,
		DisableCache:  cfg.Embedding.DisableCache,
	})

	store, err := vectorstore.New(vectorstore.Config{
		Host:      cfg.VectorStore.Host,
		APIKey:    cfg.VectorStore.APIKey,
		Dimension: cfg.Embedding.Dimension,
		Namespace: cfg.VectorStore.Namespace,
		Timeout:   time.Duration(cfg.VectorStore.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("init vector store: %w", err)
	}

	files, err := filestore.New(cfg.FileStore)
	if err != nil {
		return fmt.Errorf("init file store: %w", err)
	}

	ragService := service.NewRAGService(embedder, store, documentRepo, files)

	deps := handler.RouterDeps{
		Documents: handler.NewDocumentHandler(ragService),
		Search:    handler.NewSearchHandler(ragService),
		System:    handler.NewSystemHandler(ragService),
	}

	engine, err := webapi.NewEngine(
		"/api/v1",
		fmt.Sprintf("0.0.0.0:%d", cfg.Port),
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.CORS(cfg.CORSAllow),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := schedule.NewCronScheduler()
	if err := scheduler.AddJob(job.NewEmbeddingResyncJob(ragService, cfg.Jobs.ResyncBatch), cfg.Jobs.ResyncSpec); err != nil {
		return err
	}
	if err := scheduler.AddJob(job.NewEmbeddingCacheCleanupJob(cacheRepo, cfg.Jobs.CacheMaxAgeDays), cfg.Jobs.CacheCleanupSpec); err != nil {
		return err
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	logutil.GetLogger(ctx).Info("http server listening", zap.String("addr", fmt.Sprintf("0.0.0.0:%d", cfg.Port)))
	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logutil.GetLogger(context.Background()).Info("server stopping...")
	return nil
}
