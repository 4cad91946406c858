// GLADyS orchestrator process — wires the Salience Gateway, Memory Store,
// and Decision/Learning Layer together behind the Event Orchestrator,
// exposes the sensor-facing gRPC surface, and serves an operational HTTP
// surface (health, debug introspection, Prometheus metrics).
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gladys-project/gladys/pkg/config"
	"github.com/gladys-project/gladys/pkg/embedding"
	"github.com/gladys-project/gladys/pkg/executive"
	"github.com/gladys-project/gladys/pkg/memory"
	"github.com/gladys-project/gladys/pkg/orchestrator"
	"github.com/gladys-project/gladys/pkg/retention"
	"github.com/gladys-project/gladys/pkg/rpc"
	"github.com/gladys-project/gladys/pkg/salience"
	"github.com/gladys-project/gladys/pkg/storage"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	envPath := flag.String("env-file", getenv("ENV_FILE", ".env"), "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		log.Printf("warning: could not load %s: %v", *envPath, err)
		log.Printf("continuing with existing environment variables...")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbClient, err := storage.NewClient(cfg.DB, cfg.Memory.VecIndexPath, cfg.Memory.EmbeddingDim)
	if err != nil {
		log.Fatalf("failed to connect to storage: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("error closing storage client", "error", err)
		}
	}()
	logger.Info("storage connected and migrated")

	embedder := embedding.NewClient(cfg.Memory.EmbeddingDim)

	notifier := &gatewayNotifierAdapter{}
	memStore := memory.New(dbClient, embedder, notifier, logger)

	salienceGw, err := salience.New(salience.Config{
		CacheCapacity:          cfg.Salience.CacheCapacity,
		CacheTTL:               cfg.Salience.CacheTTL,
		MinHeuristicSimilarity: cfg.Salience.MinHeuristicSimilarity,
		MinHeuristicConfidence: cfg.Salience.MinHeuristicConfidence,
		FallbackNovelty:        cfg.Salience.NoveltyThreshold,
	}, embedder, memStore, logger)
	if err != nil {
		log.Fatalf("failed to construct salience gateway: %v", err)
	}
	notifier.gw = salienceGw

	llmClient := executive.NewLLMClient(cfg.Executive.LLMBaseURL, cfg.Executive.LLMAPIKey, cfg.Executive.LLMModel)
	exec := executive.New(executive.Config{
		Model:                     cfg.Executive.LLMModel,
		MaxTokens:                 1024,
		Temperature:               0.2,
		ExtractionSimilarityDedup: cfg.Executive.ExtractionSimilarityDedup,
		MinConditionTextLen:       cfg.Executive.MinConditionTextLen,
	}, llmClient, memStore, dbClient.Heuristics, logger)

	orch := orchestrator.New(orchestrator.Config{
		HighThreshold:      cfg.Orchestrator.HighSalienceThreshold,
		QueueCapacity:      cfg.Orchestrator.QueueCapacity,
		WorkerCount:        4,
		OutcomeDeadline:    cfg.Orchestrator.OutcomeDeadline,
		DeadComponentAfter: cfg.Orchestrator.HeartbeatDeadAfter,
	}, salienceGw, memStore, executiveAdapter{exec}, nil, logger)

	stopOrch := orch.Start(ctx)
	defer stopOrch()

	stopDrain := startMomentDrain(ctx, orch, exec, memStore, cfg.Orchestrator.DrainInterval, logger)
	defer stopDrain()

	retentionSvc := retention.NewService(cfg.Retention, dbClient, logger)
	stopRetention := retentionSvc.Start(ctx)
	defer stopRetention()

	grpcServer := rpc.NewGRPCServer(orch, logger)
	lis, err := net.Listen("tcp", ":"+cfg.Orchestrator.Port)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", cfg.Orchestrator.Port, err)
	}
	go func() {
		logger.Info("gRPC orchestrator listening", "port", cfg.Orchestrator.Port)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server stopped", "error", err)
		}
	}()
	defer grpcServer.GracefulStop()

	reg := prometheus.NewRegistry()
	registerMetrics(reg, orch)

	httpPort := getenv("HTTP_PORT", "8090")
	router := newOpsRouter(orch, salienceGw, memStore, reg, logger)

	srv := &http.Server{Addr: ":" + httpPort, Handler: router}
	go func() {
		logger.Info("operational HTTP server listening", "port", httpPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

// newOpsRouter builds the gin-based operational surface: health, debug
// introspection, and Prometheus metrics.
func newOpsRouter(orch *orchestrator.Orchestrator, gw *salience.Gateway, mem *memory.Store, reg *prometheus.Registry, logger *slog.Logger) *gin.Engine {
	router := gin.Default()

	router.GET("/healthz", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := mem.Health(reqCtx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	router.GET("/debug/queue", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"depth":            orch.Queue.Len(),
			"dropped":          orch.Queue.Dropped(),
			"pending_outcomes": orch.Outcome.PendingCount(),
		})
	})

	router.GET("/debug/cache", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"cache": gw.GetCacheStats(), "subscribers": orch.Subscribers.Count()})
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	return router
}
