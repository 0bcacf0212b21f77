package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/drejom/rbiocverse/app/handler"
	"github.com/drejom/rbiocverse/app/router"
	"github.com/drejom/rbiocverse/internal/model"
	"github.com/drejom/rbiocverse/internal/service"
	"github.com/drejom/rbiocverse/pkg/config"
	"github.com/drejom/rbiocverse/pkg/logger"
	"github.com/drejom/rbiocverse/pkg/poller"
	"github.com/drejom/rbiocverse/pkg/scheduler"
	"github.com/drejom/rbiocverse/pkg/store"
	"github.com/drejom/rbiocverse/pkg/stream"

	"github.com/gin-gonic/gin"
)

// Application manages the lifecycle of the entire application
type Application struct {
	// Infrastructure components
	config    *config.Config
	apiClient *scheduler.Client

	// State layer
	store         *store.Store
	healthTracker *store.HealthTracker
	poller        *poller.Poller

	// Service layer
	sessionService *service.SessionService

	// Handler layer
	broadcaster    *handler.Broadcaster
	sessionHandler *handler.SessionHandler

	// HTTP server
	httpServer *http.Server
	ginEngine  *gin.Engine

	// Context management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApplication creates a new Application instance
func NewApplication() *Application {
	ctx, cancel := context.WithCancel(context.Background())
	return &Application{ctx: ctx, cancel: cancel}
}

// Initialize initializes all application components
func (app *Application) Initialize() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"Configuration", app.initConfig},
		{"Logging", app.initLogger},
		{"Scheduler Client", app.initScheduler},
		{"State Store", app.initStore},
		{"Service Layer", app.initServices},
		{"Handler Layer", app.initHandlers},
		{"HTTP Server", app.initHTTPServer},
	}

	for _, step := range steps {
		logger.InfoCtx(app.ctx, "Initializing %s...", step.name)
		if err := step.fn(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	logger.InfoCtx(app.ctx, "Application initialization completed")
	return nil
}

func (app *Application) initConfig() error {
	if err := config.Init(); err != nil {
		return err
	}
	app.config = config.GlobalConfig
	return nil
}

func (app *Application) initLogger() error {
	return logger.Init()
}

func (app *Application) initScheduler() error {
	app.apiClient = scheduler.NewClient(&app.config.Scheduler)
	return nil
}

func (app *Application) initStore() error {
	app.store = store.New()
	app.healthTracker = store.NewHealthTracker(app.config.Health.HistorySize)
	app.poller = poller.New(app.apiClient, app.store, app.healthTracker, &app.config.Poller)
	return nil
}

func (app *Application) initServices() error {
	dialer := stream.DialerFunc(func(ctx context.Context, scope model.StreamScope) (stream.Conn, error) {
		return app.apiClient.DialEvents(ctx, scope)
	})
	app.sessionService = service.NewSessionService(app.config, app.apiClient, dialer, app.store, app.healthTracker, app.poller)
	return nil
}

func (app *Application) initHandlers() error {
	app.broadcaster = handler.NewBroadcaster(app.sessionService)
	app.sessionHandler = handler.NewSessionHandler(app.sessionService, app.broadcaster)
	return nil
}

func (app *Application) initHTTPServer() error {
	if app.config.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	app.ginEngine = gin.New()
	router.NewRouter(app.sessionHandler).Setup(app.ginEngine)
	app.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", app.config.Server.Port),
		Handler: app.ginEngine,
	}
	return nil
}

// Start starts all application components
func (app *Application) Start() error {
	logger.InfoCtx(app.ctx, "Starting application components...")

	if err := app.poller.Start(app.ctx); err != nil {
		return fmt.Errorf("failed to start status poller: %w", err)
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		logger.InfoCtx(app.ctx, "HTTP server listening on: %s", app.httpServer.Addr)
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.FatalCtx(app.ctx, "HTTP server error: %v", err)
		}
	}()

	logger.InfoCtx(app.ctx, "All components started successfully")
	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown(timeout time.Duration) error {
	logger.InfoCtx(app.ctx, "Starting graceful shutdown (timeout: %v)...", timeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// 1. Stop accepting new requests
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.ErrorCtx(app.ctx, "HTTP server shutdown error: %v", err)
	}

	// 2. Stop the poller and abandon in-flight orchestration runs so their
	// event listeners close before teardown
	if err := app.poller.Stop(); err != nil {
		logger.WarnCtx(app.ctx, "Poller stop: %v", err)
	}
	app.sessionService.Shutdown()
	app.broadcaster.Close()
	app.cancel()

	// 3. Wait for background goroutines
	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.InfoCtx(app.ctx, "All background tasks completed")
	case <-shutdownCtx.Done():
		logger.WarnCtx(app.ctx, "Shutdown timeout, some tasks may not have completed")
	}

	logger.Sync()
	logger.InfoCtx(app.ctx, "Graceful shutdown completed")
	return nil
}
