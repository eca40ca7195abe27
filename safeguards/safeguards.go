// Package safeguards provides concurrency control and recovery mechanisms
// for upgrade workers. A fleet-wide rollout can schedule hundreds of
// operations at once; the guard caps how many devices are flashed
// concurrently and the recovery wrapper keeps a panicking handler from
// taking the whole runner down.
package safeguards

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// OperationGuard provides a bounded slot pool for upgrade operations.
type OperationGuard struct {
	mu              sync.Mutex
	semaphore       chan struct{}
	maxConcurrent   int
	activeOps       int
	logger          logrus.FieldLogger
	healthCheckFunc func(context.Context) error
}

// GuardConfig configures the operation guard.
type GuardConfig struct {
	// MaxConcurrent is the maximum number of devices upgraded at once
	// (default: 1)
	MaxConcurrent int
	// Logger for logging operations
	Logger logrus.FieldLogger
	// HealthCheckFunc is called before each operation to verify the
	// system is fit to start another upgrade
	HealthCheckFunc func(context.Context) error
}

// NewOperationGuard creates a new operation guard.
func NewOperationGuard(cfg GuardConfig) *OperationGuard {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &OperationGuard{
		semaphore:       make(chan struct{}, cfg.MaxConcurrent),
		maxConcurrent:   cfg.MaxConcurrent,
		logger:          cfg.Logger.WithField("component", "operation-guard"),
		healthCheckFunc: cfg.HealthCheckFunc,
	}
}

// Acquire acquires a slot for an upgrade operation. It performs the health
// check before allowing the operation to proceed.
func (g *OperationGuard) Acquire(ctx context.Context, opName string) error {
	g.logger.WithField("operation", opName).Debug("acquiring operation slot")

	select {
	case g.semaphore <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for operation slot: %w", ctx.Err())
	}

	g.mu.Lock()
	g.activeOps++
	activeOps := g.activeOps
	g.mu.Unlock()

	g.logger.WithFields(logrus.Fields{
		"operation":  opName,
		"active_ops": activeOps,
	}).Debug("acquired operation slot")

	if g.healthCheckFunc != nil {
		if err := g.healthCheckFunc(ctx); err != nil {
			g.Release(opName)
			return fmt.Errorf("health check failed before operation %s: %w", opName, err)
		}
	}

	return nil
}

// Release releases an operation slot.
func (g *OperationGuard) Release(opName string) {
	g.mu.Lock()
	g.activeOps--
	activeOps := g.activeOps
	g.mu.Unlock()

	<-g.semaphore

	g.logger.WithFields(logrus.Fields{
		"operation":  opName,
		"active_ops": activeOps,
	}).Debug("released operation slot")
}

// ActiveOperations returns the number of active operations.
func (g *OperationGuard) ActiveOperations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeOps
}

// WithOperation executes a function with operation guard protection.
func (g *OperationGuard) WithOperation(ctx context.Context, opName string, fn func() error) error {
	if err := g.Acquire(ctx, opName); err != nil {
		return err
	}
	defer g.Release(opName)
	return fn()
}

// RecoverableOperation wraps a function with panic recovery. A panic in an
// upgrade handler is reported as an error instead of crashing the runner
// and abandoning every other in-flight operation.
func RecoverableOperation(logger logrus.FieldLogger, opName string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.WithFields(logrus.Fields{
				"operation": opName,
				"panic":     r,
				"stack":     string(stack),
			}).Error("recovered from panic in operation")
			err = fmt.Errorf("panic in operation %s: %v", opName, r)
		}
	}()
	return fn()
}
