package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"taskshare/api"
	"taskshare/docstore"
	"taskshare/repository"
	"taskshare/storage"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}
	logger := log.New()
	if cfg.debug {
		logger.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Warn("tracer shutdown failed")
		}
	}()

	var rc *redis.Client
	if cfg.redisConn != "" {
		rc = redis.NewClient(redisOptions(cfg.redisConn))
		defer rc.Close()
	}

	store, err := buildStore(cfg, rc, logger)
	if err != nil {
		logger.Fatalf("docstore: %v", err)
	}

	repoOpts := []repository.Option{repository.WithDateFormat(cfg.dateLayout, cfg.dateLocation)}
	var workers sync.WaitGroup
	var queue *storage.CleanupQueue
	inline := &repository.InlineCleaner{Logger: logger}
	if cfg.backend == backendTables && cfg.cleanupQueue != "" {
		queue, err = storage.NewCleanupQueue(cfg.connStr, cfg.cleanupQueue, cfg.cleanupVisibility)
		if err != nil {
			logger.Fatalf("cleanup queue: %v", err)
		}
		repoOpts = append(repoOpts, repository.WithCommentCleaner(queue))
	} else {
		repoOpts = append(repoOpts, repository.WithCommentCleaner(inline))
	}
	tasks := repository.NewTasks(store, logger, repoOpts...)
	comments := repository.NewComments(store, tasks, logger, repoOpts...)
	inline.Comments = comments

	if queue != nil {
		for i := 0; i < cfg.cleanupWorkers; i++ {
			w := &repository.CleanupWorker{
				Source:       queue,
				Comments:     comments,
				Logger:       logger,
				PollInterval: cfg.cleanupPollInterval,
			}
			workers.Add(1)
			go func() {
				defer workers.Done()
				w.Run(ctx)
			}()
		}
		logger.WithField("workers", cfg.cleanupWorkers).Info("comment cleanup workers started")
	}

	auth, err := buildAuth(cfg)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = api.SonicSerializer{}
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(api.DecompressRequests())
	if cfg.pprof {
		pprof.Register(e)
	}

	httpOpts := api.Options{BaseURL: cfg.baseURL}
	if rc != nil && cfg.idempotencyTTL > 0 {
		httpOpts.Deduper = api.NewRedisDeduper(rc, cfg.idempotencyTTL)
	}
	api.Register(e, tasks, comments, auth, httpOpts, logger)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("http shutdown failed")
		}
	}()

	logger.WithFields(log.Fields{"port": cfg.port, "backend": cfg.backend}).Info("taskshare starting")
	if err := e.Start(":" + cfg.port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("http: %v", err)
	}
	stop()
	workers.Wait()
	logger.Info("taskshare stopped")
}

func buildStore(cfg config, rc *redis.Client, logger *log.Logger) (*docstore.Store, error) {
	var backend docstore.Backend
	switch cfg.backend {
	case backendMemory:
		backend = docstore.NewMemory()
	default:
		tables, err := storage.New(cfg.connStr, map[string]string{
			repository.TasksCollection:    cfg.tasksTable,
			repository.CommentsCollection: cfg.commentsTable,
		})
		if err != nil {
			return nil, err
		}
		backend = storage.NewCache(tables, rc, cfg.cacheTTL)
	}

	var notifier docstore.Notifier
	if rc != nil {
		notifier = docstore.NewRedisNotifier(rc, cfg.updatesChannel, logger)
	} else {
		if cfg.backend == backendTables {
			logger.Warn("REDIS_CONNECTION_STRING not set; live updates only reach this instance")
		}
		notifier = docstore.NewBroker()
	}
	return docstore.New(backend, notifier, logger), nil
}

func buildAuth(cfg config) (*api.Auth, error) {
	if api.LocalAuthEnabled() {
		return api.NewAuth(nil, cfg.auth0Audience, ""), nil
	}
	if cfg.auth0Audience == "" || cfg.auth0Domain == "" {
		return nil, errors.New("missing Auth0 config")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, cfg.auth0Audience, "https://"+cfg.auth0Domain+"/"), nil
}
