// Command formscout runs the mapping server: HTTP API, session
// orchestrator, background worker pools, and sweepers in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/formscout/formscout/pkg/activitylog"
	"github.com/formscout/formscout/pkg/api"
	"github.com/formscout/formscout/pkg/budget"
	"github.com/formscout/formscout/pkg/cleanup"
	"github.com/formscout/formscout/pkg/config"
	"github.com/formscout/formscout/pkg/database"
	"github.com/formscout/formscout/pkg/events"
	"github.com/formscout/formscout/pkg/faststore"
	"github.com/formscout/formscout/pkg/llm"
	"github.com/formscout/formscout/pkg/mapper"
	"github.com/formscout/formscout/pkg/masking"
	"github.com/formscout/formscout/pkg/objectstore"
	"github.com/formscout/formscout/pkg/orchestrator"
	"github.com/formscout/formscout/pkg/pathing"
	"github.com/formscout/formscout/pkg/queue"
	"github.com/formscout/formscout/pkg/secrets"
	"github.com/formscout/formscout/pkg/services"
	"github.com/formscout/formscout/pkg/slack"
	"github.com/formscout/formscout/pkg/version"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is a dev convenience; absence is not an error.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configDir := os.Getenv("FORMSCOUT_CONFIG_DIR")
	if configDir == "" {
		configDir = "."
	}
	cfg, err := config.Initialize(ctx, configDir)
	if err != nil {
		return err
	}

	setupLogging(cfg.Logging)
	slog.Info("Starting formscout server", "version", version.Full())

	// Stores. NewClient runs pending migrations before returning.
	db, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	fast, err := faststore.New(ctx, cfg.FastStore)
	if err != nil {
		return err
	}
	defer fast.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ObjectStore.Region))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ObjectStore.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ObjectStore.Endpoint)
			o.UsePathStyle = true
		}
	})
	kmsClient := kms.NewFromConfig(awsCfg)

	vault := secrets.NewStore(kmsClient, cfg.Secrets, fast, db.DB())
	gateway := objectstore.NewGateway(cfg.ObjectStore, s3.NewPresignClient(s3Client), s3Client, tenantKMSKey(vault))

	// Repositories.
	pool := db.DB()
	sessionSvc := services.NewSessionService(pool)
	agentSvc := services.NewAgentService(pool)
	taskSvc := services.NewTaskService(pool)
	routeSvc := services.NewFormRouteService(pool)
	resultSvc := services.NewResultService(pool)
	ledgerSvc := services.NewLedgerService(pool)
	logSvc := services.NewActivityLogService(pool)

	// Pod restart recovery: anything still marked running is orphaned.
	if count, err := taskSvc.FailOrphaned(ctx, time.Now()); err != nil {
		slog.Warn("Failed to fail orphaned tasks at boot", "error", err)
	} else if count > 0 {
		slog.Info("Failed orphaned tasks from previous run", "count", count)
	}

	gate := budget.NewGate(ledgerSvc, fast, vault, cfg.Model, os.Getenv("ANTHROPIC_API_KEY"))
	caller := llm.NewCaller(cfg.Model)
	fabric := queue.NewFabric(fast)
	publisher := events.NewPublisher(fast)

	engine := orchestrator.NewEngine(cfg.Session, fast, sessionSvc, taskSvc, routeSvc, fabric, publisher)
	if notifier := slack.NewService(cfg.Notifications); notifier != nil {
		engine.SetNotifier(notifier)
		slog.Info("Slack notifications enabled")
	}

	executor := mapper.NewExecutor(gate, caller, engine, fast, routeSvc, resultSvc, logSvc, gateway, pathing.NewEvaluator(cfg.Pathing))

	workerPool := queue.NewWorkerPool(podID(), fabric, cfg.Queue, map[string]queue.TaskExecutor{
		config.WorkerClassMapper: executor,
		config.WorkerClassRunner: executor,
		config.WorkerClassForms:  executor,
	})
	if err := workerPool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	defer workerPool.Stop()

	sweeper := cleanup.NewService(cfg.Session, sessionSvc, agentSvc, gate, fast)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	ingestor := activitylog.NewIngestor(logSvc, gateway, fabric, cfg.Logging)

	server := api.NewServer(agentSvc, taskSvc, sessionSvc, routeSvc, engine, fabric,
		gate, vault, gateway, ingestor, db, fast, workerPool, cfg.Auth)

	httpSrv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown did not finish cleanly", "error", err)
	}
	return nil
}

// setupLogging installs the global slog handler: structured output at the
// configured level, wrapped so credentials never reach the sink.
func setupLogging(cfg *config.LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.Format == "text" {
		inner = slog.NewTextHandler(os.Stdout, opts)
	} else {
		inner = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(masking.NewSanitizingHandler(inner, masking.NewService())))
}

// tenantKMSKey resolves a tenant's BYOK key id for SSE-KMS presigning.
// Tenants without one fall back to bucket-default encryption.
func tenantKMSKey(vault *secrets.Store) objectstore.KMSKeyResolver {
	return func(ctx context.Context, tenantID string) (string, error) {
		keyID, err := vault.Get(ctx, tenantID, secrets.KindKMSKeyID, "")
		if errors.Is(err, secrets.ErrSecretNotFound) {
			return "", nil
		}
		return keyID, err
	}
}

func podID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "pod-" + uuid.NewString()[:8]
}
