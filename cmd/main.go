package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/drejom/rbiocverse/pkg/logger"
)

// shutdownTimeout bounds how long draining takes on exit: the HTTP server,
// the poller, and every in-flight launch or stop run must resolve within it.
const shutdownTimeout = 30 * time.Second

func main() {
	app := NewApplication()

	if err := app.Initialize(); err != nil {
		logger.FatalCtx(nil, "Gateway initialization failed: %v", err)
	}

	if err := app.Start(); err != nil {
		logger.FatalCtx(app.ctx, "Gateway startup failed: %v", err)
	}

	// Block until asked to exit, then drain orchestration runs and the
	// poll loop before the process goes away.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.InfoCtx(app.ctx, "Received exit signal: %v", sig)

	if err := app.Shutdown(shutdownTimeout); err != nil {
		logger.ErrorCtx(app.ctx, "Gateway shutdown failed: %v", err)
		os.Exit(1)
	}

	logger.InfoCtx(app.ctx, "Gateway exited cleanly")
}
