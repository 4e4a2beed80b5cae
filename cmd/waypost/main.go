package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	app "github.com/waypost/engine"
	"github.com/waypost/engine/internal/archive"
	"github.com/waypost/engine/internal/client"
	"github.com/waypost/engine/internal/config"
	"github.com/waypost/engine/internal/event"
	"github.com/waypost/engine/internal/runtime"
	"github.com/waypost/engine/internal/runtime/script"
	"github.com/waypost/engine/internal/server"
	"github.com/waypost/engine/internal/store"
	"github.com/waypost/engine/internal/sweep"
	"github.com/waypost/engine/pkg/log"
)

type waypost struct {
	cfg         *config.Config
	definitions *store.SQLiteStore
	redisClient *redis.Client
	sessions    *store.RedisStore
	archiver    *archive.BlobArchiver
	queue       *event.Queue
	hub         *event.Hub
	engine      *runtime.Engine
	sweeper     *sweep.Sweeper
	httpServer  *http.Server
	quit        chan os.Signal
}

const eventBatchSize = 64

var (
	ErrOpenDefinitions = errors.New("failed to open definition store")
	ErrOpenArchive     = errors.New("failed to open archive bucket")
	ErrStartSweeper    = errors.New("failed to start expiry sweep")
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func main() {
	cfg := config.NewDefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		slog.Error("Invalid configuration", log.Error(err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", log.Error(err))
		os.Exit(1)
	}

	s := &waypost{
		cfg:  cfg,
		quit: make(chan os.Signal, 1),
	}
	s.setupLogging()

	if err := s.run(); err != nil {
		slog.Error("Failed to start application", log.Error(err))
		os.Exit(1)
	}
}

func (s *waypost) run() error {
	if err := s.initializeStores(); err != nil {
		return err
	}

	if err := s.initializeEngine(); err != nil {
		return err
	}
	s.startServer()

	signal.Notify(s.quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(s.quit)
	<-s.quit

	s.shutdown()
	return nil
}

func (s *waypost) setupLogging() {
	level, ok := logLevels[s.cfg.LogLevel]
	if !ok {
		level = slog.LevelInfo
	}

	env := os.Getenv("ENV")
	logger := log.NewWithLevel(app.Name, env, app.Version, level)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level)

	slog.Info("Waypost Engine starting",
		slog.String("log_level", s.cfg.LogLevel))

	slog.Info("Configuration loaded",
		slog.String("definition_path", s.cfg.DefinitionPath),
		slog.String("session_redis_addr", s.cfg.Sessions.Addr),
		slog.Int("session_redis_db", s.cfg.Sessions.DB),
		slog.String("api_host", s.cfg.APIHost),
		slog.Int("api_port", s.cfg.APIPort))
}

func (s *waypost) initializeStores() error {
	var err error

	s.definitions, err = store.NewSQLiteStore(s.cfg.DefinitionPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrOpenDefinitions, err)
	}

	s.redisClient = redis.NewClient(&redis.Options{
		Addr:     s.cfg.Sessions.Addr,
		Password: s.cfg.Sessions.Password,
		DB:       s.cfg.Sessions.DB,
	})
	s.sessions = store.NewRedisStore(
		s.redisClient, s.cfg.Sessions.Prefix, s.cfg.IncrementalVars,
	)

	if s.cfg.ArchiveBucketURL != "" {
		s.archiver, err = archive.NewBlobArchiver(
			context.Background(), s.cfg.ArchiveBucketURL,
			s.cfg.ArchivePrefix, s.sessions, slog.Default(),
		)
		if err != nil {
			_ = s.definitions.Close()
			return fmt.Errorf("%w: %w", ErrOpenArchive, err)
		}
	}

	return nil
}

func (s *waypost) initializeEngine() error {
	logger := slog.Default()

	defs := runtime.NewDefinitions(
		s.definitions, s.cfg.DefinitionCacheSize,
	)
	dispatcher := runtime.NewDispatcher(
		client.NewWebhookMailer(s.cfg.MailEndpoint, s.cfg.ClientTimeout),
		client.NewWebhookNotifier(s.cfg.NotifyEndpoint, s.cfg.ClientTimeout),
		client.NewHTTPCaller(s.cfg.ClientTimeout),
		logger,
	)
	stepper := runtime.NewStepper(
		defs, script.NewRegistry(logger), dispatcher,
		runtime.NewRenderer(s.cfg.SubstitutionCache), logger,
		s.cfg.LoopCeiling, s.cfg.ScriptTimeout,
	)

	s.hub = event.NewHub()
	publishers := event.Multi{s.hub}
	if s.archiver != nil {
		s.queue = event.NewQueue(s.archiver.HandleEvents, eventBatchSize)
		s.queue.Start()
		publishers = append(publishers, s.queue)
	}

	s.engine = runtime.NewEngine(&runtime.Options{
		Definitions:     defs,
		Sessions:        s.sessions,
		Locker:          s.sessions,
		Stepper:         stepper,
		Events:          publishers,
		Logger:          logger,
		SessionDuration: s.cfg.SessionDuration,
		Incremental:     s.cfg.IncrementalVars,
	})

	s.sweeper = sweep.NewSweeper(
		s.engine, s.sessions, s.cfg.SweepSchedule, logger,
	)
	if err := s.sweeper.Start(); err != nil {
		return fmt.Errorf("%w: %w", ErrStartSweeper, err)
	}

	apiServer := server.NewServer(s.engine, defs, s.hub)
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.APIHost, s.cfg.APIPort),
		Handler: apiServer.SetupRoutes(),
	}
	return nil
}

func (s *waypost) startServer() {
	go func() {
		slog.Info("HTTP server starting",
			slog.String("addr", s.httpServer.Addr))
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", log.Error(err))
		}
	}()
}

func (s *waypost) shutdown() {
	slog.Info("Shutting down")

	ctx, cancel := context.WithTimeout(
		context.Background(), s.cfg.ShutdownTimeout,
	)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Error("Shutdown failed", log.Error(err))
	}

	s.sweeper.Stop()
	s.hub.Close()

	if s.queue != nil {
		s.queue.Flush()
	}
	if s.archiver != nil {
		_ = s.archiver.Close()
	}

	_ = s.redisClient.Close()
	_ = s.definitions.Close()

	slog.Info("Server exited")
}
