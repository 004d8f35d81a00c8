package util

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// GracefulShutdown tears down registered resources in priority order when
// the process stops. Lower priorities shut down first, so listeners go
// before the state they feed.
type GracefulShutdown struct {
	mu        sync.Mutex
	resources []ShutdownResource
	logger    *logrus.Logger
	timeout   time.Duration
}

// ShutdownResource is one teardown step
type ShutdownResource struct {
	Name     string
	Priority int
	Shutdown func(context.Context) error
}

// NewGracefulShutdown creates a shutdown manager with an overall timeout
func NewGracefulShutdown(logger *logrus.Logger, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GracefulShutdown{
		logger:  logger,
		timeout: timeout,
	}
}

// Register adds a resource, keeping the list ordered by priority
func (gs *GracefulShutdown) Register(resource ShutdownResource) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	idx := len(gs.resources)
	for i, existing := range gs.resources {
		if resource.Priority < existing.Priority {
			idx = i
			break
		}
	}
	gs.resources = append(gs.resources, ShutdownResource{})
	copy(gs.resources[idx+1:], gs.resources[idx:])
	gs.resources[idx] = resource

	gs.logger.WithFields(logrus.Fields{
		"resource": resource.Name,
		"priority": resource.Priority,
	}).Debug("Registered resource for graceful shutdown")
}

// RegisterCloser registers an io.Closer for shutdown
func (gs *GracefulShutdown) RegisterCloser(name string, closer io.Closer, priority int) {
	gs.Register(ShutdownResource{
		Name:     name,
		Priority: priority,
		Shutdown: func(context.Context) error {
			return closer.Close()
		},
	})
}

// Shutdown runs every registered teardown step in order. Steps run
// sequentially; a hanging step is abandoned when the overall timeout
// expires and reported as an error.
func (gs *GracefulShutdown) Shutdown(ctx context.Context) error {
	gs.mu.Lock()
	resources := make([]ShutdownResource, len(gs.resources))
	copy(resources, gs.resources)
	gs.mu.Unlock()

	gs.logger.WithField("resource_count", len(resources)).Info("Starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, gs.timeout)
	defer cancel()

	var failed []string
	for _, resource := range resources {
		if err := gs.shutdownOne(shutdownCtx, resource); err != nil {
			gs.logger.WithError(err).WithField("resource", resource.Name).Error("Failed to shut down resource")
			failed = append(failed, resource.Name)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("shutdown incomplete for: %v", failed)
	}
	gs.logger.Info("Graceful shutdown completed")
	return nil
}

func (gs *GracefulShutdown) shutdownOne(ctx context.Context, resource ShutdownResource) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic during shutdown: %v", r)
			}
		}()
		done <- resource.Shutdown(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out")
	}
}
