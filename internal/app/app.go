// Package app provides application lifecycle management for the ingest server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/toolhive-ingest/internal/config"
	"github.com/stacklok/toolhive-ingest/internal/logger"
)

// IngestApp encapsulates all components needed to run the ingest server
type IngestApp struct {
	config     *config.Config
	components *AppComponents
	httpServer *http.Server

	ctx        context.Context
	cancelFunc context.CancelFunc
}

// Start runs the HTTP server and the scheduler.
// It blocks until both have stopped or one of them fails.
func (app *IngestApp) Start() error {
	g, ctx := errgroup.WithContext(app.ctx)

	g.Go(func() error {
		if err := app.components.Coordinator.Start(ctx); err != nil {
			return fmt.Errorf("scheduler failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Infof("Server listening on %s", app.httpServer.Addr)
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// Stop shuts the application down: the scheduler first, then the HTTP server,
// then the active run, and finally the shared infrastructure. The HTTP server
// and the active run each get up to timeout.
func (app *IngestApp) Stop(timeout time.Duration) error {
	logger.Info("Shutting down server...")

	if app.components.Coordinator != nil {
		if err := app.components.Coordinator.Stop(); err != nil {
			logger.Errorf("Failed to stop scheduler: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}

	if app.cancelFunc != nil {
		app.cancelFunc()
	}

	// The active run gets a budget of its own so a slow HTTP shutdown cannot cut its cleanup short
	closeCtx, cancelClose := context.WithTimeout(context.Background(), timeout)
	defer cancelClose()
	app.components.close(closeCtx)

	logger.Info("Server shutdown complete")
	return errors.Join(errs...)
}

// Components returns the wired application components
func (app *IngestApp) Components() *AppComponents {
	return app.components
}

// GetConfig returns the application configuration
func (app *IngestApp) GetConfig() *config.Config {
	return app.config
}

// GetHTTPServer returns the HTTP server (useful for testing to get the actual port)
func (app *IngestApp) GetHTTPServer() *http.Server {
	return app.httpServer
}

// close releases components in dependency order. Each step tolerates a nil component.
func (c *AppComponents) close(ctx context.Context) {
	if c.Orchestrator != nil {
		if err := c.Orchestrator.Close(ctx); err != nil {
			logger.Warnf("Active pipeline run did not finish before shutdown: %v", err)
		}
	}
	if c.Bridge != nil {
		c.Bridge.Stop()
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Shutdown(ctx); err != nil {
			logger.Errorf("Failed to shutdown telemetry: %v", err)
		}
	}
	if c.Database != nil {
		if err := c.Database.Close(); err != nil {
			logger.Errorf("Failed to close database: %v", err)
		}
	}
}
