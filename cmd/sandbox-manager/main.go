package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opencode/sandbox/internal/common/config"
	"github.com/opencode/sandbox/internal/common/database"
	"github.com/opencode/sandbox/internal/common/httpmw"
	"github.com/opencode/sandbox/internal/common/logger"
	"github.com/opencode/sandbox/internal/events"
	"github.com/opencode/sandbox/internal/events/bus"
	"github.com/opencode/sandbox/internal/image/builder"
	"github.com/opencode/sandbox/internal/image/githubauth"
	"github.com/opencode/sandbox/internal/image/history"
	"github.com/opencode/sandbox/internal/image/registry"
	"github.com/opencode/sandbox/internal/multiplayer"
	multiplayerapi "github.com/opencode/sandbox/internal/multiplayer/api"
	"github.com/opencode/sandbox/internal/prsession"
	prsessionapi "github.com/opencode/sandbox/internal/prsession/api"
	sandboxapi "github.com/opencode/sandbox/internal/sandbox/api"
	"github.com/opencode/sandbox/internal/sandbox/provider"
	"github.com/opencode/sandbox/internal/sandbox/provider/hosted"
	"github.com/opencode/sandbox/internal/sandbox/provider/local"
	"github.com/opencode/sandbox/internal/skill"
	skillapi "github.com/opencode/sandbox/internal/skill/api"
	"github.com/opencode/sandbox/internal/snapshot"
	"github.com/opencode/sandbox/internal/streaming"
	"github.com/opencode/sandbox/internal/syncgate"
	"github.com/opencode/sandbox/internal/tracing"
	"github.com/opencode/sandbox/internal/voice"
	voiceapi "github.com/opencode/sandbox/internal/voice/api"
	"github.com/opencode/sandbox/internal/warmpool"
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Sandbox Manager service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the event bus. Without a NATS URL everything runs on the
	// in-process bus, which is the single-binary deployment mode.
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := provided.Bus
	if provided.NATS != nil {
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
	}

	// 5. Initialize sandbox provider
	var prov provider.Provider
	switch cfg.Provider.Kind {
	case "hosted":
		p, err := hosted.NewProvider(cfg.Provider.Hosted, eventBus, log)
		if err != nil {
			log.Fatal("Failed to initialize hosted sandbox provider", zap.Error(err))
		}
		prov = p
	default:
		p, err := local.NewProvider(cfg.Provider.Local, eventBus, log)
		if err != nil {
			log.Fatal("Failed to initialize local sandbox provider", zap.Error(err))
		}
		prov = p
	}
	log.Info("Sandbox provider ready", zap.String("backend", prov.Name()))

	// 6. GitHub App authenticator, used for private clones and PR replies.
	// Optional: without credentials clones are anonymous and PR sessions
	// stay local.
	var auth *githubauth.Authenticator
	if cfg.Builder.GitHub.AppID != "" {
		a, err := githubauth.NewAuthenticator(cfg.Builder.GitHub, log)
		if err != nil {
			log.Fatal("Failed to initialize GitHub App authenticator", zap.Error(err))
		}
		auth = a
		log.Info("GitHub App authenticator ready")
	}

	// 7. Initialize image registry
	images := registry.NewRegistry(registry.Config{
		Prefix:             cfg.Builder.RegistryPrefix,
		MaxImagesPerBranch: cfg.Builder.MaxImagesPerBranch,
		MaxImageAge:        cfg.Builder.MaxImageAgeDuration(),
	}, log)

	// 8. Initialize build pipeline when enabled
	var imageBuilder *builder.Builder
	if cfg.Builder.Enabled {
		if !cfg.Docker.Enabled {
			log.Fatal("Image builder requires Docker to be enabled")
		}

		var historyRepo history.Repository
		switch cfg.Builder.History.Driver {
		case "sqlite":
			repo, err := history.NewSQLiteRepository(cfg.Builder.History.SQLitePath)
			if err != nil {
				log.Fatal("Failed to open SQLite build history", zap.Error(err))
			}
			historyRepo = repo
		case "postgres":
			db, err := database.NewDB(ctx, cfg.Database)
			if err != nil {
				log.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
			}
			defer db.Close()
			repo, err := history.NewPostgresRepository(ctx, db)
			if err != nil {
				log.Fatal("Failed to initialize build history schema", zap.Error(err))
			}
			historyRepo = repo
		default:
			historyRepo = history.NewMemoryRepository()
		}
		defer historyRepo.Close()

		engine, err := builder.NewDockerEngine(cfg.Docker,
			os.Getenv("OPENCODE_REGISTRY_USER"),
			os.Getenv("OPENCODE_REGISTRY_PASSWORD"),
			cfg.Builder.RegistryPrefix, log)
		if err != nil {
			log.Fatal("Failed to initialize Docker build engine", zap.Error(err))
		}
		defer engine.Close()

		if err := engine.Ping(ctx); err != nil {
			log.Fatal("Failed to connect to Docker daemon", zap.Error(err))
		}
		log.Info("Connected to Docker daemon")

		cloner := builder.NewGitCloner(auth, log)
		imageBuilder = builder.NewBuilder(cfg.Builder, engine, cloner, images, historyRepo, eventBus, log)

		if err := imageBuilder.StartSchedule(ctx, nil); err != nil {
			log.Fatal("Failed to start build schedule", zap.Error(err))
		}
		log.Info("Image builder started", zap.String("history_driver", cfg.Builder.History.Driver))
	}

	// 9. Start warm pool
	pool := warmpool.NewPool(cfg.Pool, prov, eventBus, log)
	pool.Start(ctx)
	log.Info("Warm pool started", zap.Int("size", cfg.Pool.Size))

	// 10. Initialize sync gate, released by provider git events
	gate := syncgate.NewGate(cfg.SyncGate, log)
	if _, err := eventBus.Subscribe(events.BuildSandboxGitWildcardSubject(), func(_ context.Context, event *bus.Event) error {
		sandboxID, _ := event.Data["sandbox_id"].(string)
		if sandboxID == "" {
			return nil
		}
		status, _ := event.Data["sync_status"].(string)
		switch v1.GitSyncStatus(status) {
		case v1.GitSyncSynced:
			gate.NotifySyncComplete(sandboxID)
		case v1.GitSyncError:
			gate.NotifySyncFailed(sandboxID, "git sync failed")
		}
		return nil
	}); err != nil {
		log.Fatal("Failed to subscribe to git sync events", zap.Error(err))
	}

	// 11. Initialize snapshot manager backed by the provider. Restored
	// sandboxes get a fresh git sync kicked off so the gate holds writes
	// until the workspace catches up with the remote.
	snapshots := snapshot.NewManager(cfg.Snapshots,
		func(ctx context.Context, sandboxID string) (string, error) {
			return prov.Snapshot(ctx, sandboxID)
		},
		func(ctx context.Context, snap *v1.Snapshot) (string, error) {
			sb, err := prov.Restore(ctx, snap.ID)
			if err != nil {
				return "", err
			}
			if err := prov.SyncGit(ctx, sb.ID); err != nil {
				log.Warn("Git sync after restore failed",
					zap.String("sandbox_id", sb.ID),
					zap.Error(err))
			}
			return sb.ID, nil
		},
		eventBus, log)

	// 12. Periodic cleanup of expired snapshots and aged images
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				snapshots.CleanupExpired(ctx)
				images.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()

	// 13. Initialize session coordinators
	sessions := multiplayer.NewManager(cfg.Multiplayer, eventBus, log)
	skills, err := skill.NewRegistry(cfg.Skills, log)
	if err != nil {
		log.Fatal("Failed to load skill registry", zap.Error(err))
	}
	voices := voice.NewManager(eventBus, log)
	prSessions := prsession.NewManager(prsession.NewGitHubClient(auth), log)
	log.Info("Session coordinators ready", zap.Int("skills", len(skills.List())))

	// 14. Start event streaming hub
	hub := streaming.NewHub(eventBus, log)
	go hub.Run(ctx)
	wsHandler := streaming.NewWSHandler(hub, log)

	// 15. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "sandbox-manager"))
	router.Use(httpmw.OtelTracing("sandbox-manager"))

	// 16. Register API routes
	apiV1 := router.Group("/api/v1")
	sandboxapi.SetupRoutes(apiV1, prov, pool, snapshots, gate, images, imageBuilder, log)
	multiplayerapi.SetupRoutes(apiV1, sessions, log)
	skillapi.SetupRoutes(apiV1, skills, log)
	voiceapi.SetupRoutes(apiV1, voices, log)
	prsessionapi.SetupRoutes(apiV1, prSessions, log)
	streaming.SetupWebSocketRoutes(apiV1, wsHandler)

	// Health check endpoint at root level
	handler := sandboxapi.NewHandler(prov, pool, snapshots, gate, images, imageBuilder, log)
	router.GET("/health", handler.HealthCheck)

	// 17. Create HTTP server
	port := cfg.Server.Port
	if port == 0 {
		port = 8080 // Default sandbox manager port
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 18. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 19. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Sandbox Manager service...")

	// 20. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if imageBuilder != nil {
		imageBuilder.Close()
	}
	pool.Stop()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Sandbox Manager service stopped")
}
