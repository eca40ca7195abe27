// Package tasks runs the background jobs behind upgrade scheduling: the
// durable queue, the worker pool, the retry budget for recoverable
// failures, the soft timeout that force-fails stuck operations, and the
// device-firmware auto-provisioning handlers.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	fleetflash "github.com/fleetflash/fleetflash"
	"github.com/fleetflash/fleetflash/database"
	"github.com/fleetflash/fleetflash/hardware"
	"github.com/fleetflash/fleetflash/perf"
	"github.com/fleetflash/fleetflash/safeguards"
	"github.com/fleetflash/fleetflash/upgrader"
)

// Config holds runner configuration.
type Config struct {
	// Workers is the size of the worker pool.
	Workers int
	// MaxConcurrent caps simultaneously flashing devices; 0 means Workers.
	MaxConcurrent int
	// PollInterval is how often idle workers look for due jobs.
	PollInterval time.Duration
	// OperationTimeout is the soft wall-clock limit per job. An upgrade
	// operation that exceeds it is force-failed with "Operation timed
	// out."
	OperationTimeout time.Duration
	// MaxRetries bounds re-executions of an operation after recoverable
	// failures.
	MaxRetries int
	// RetryBackoff is the initial delay before a retry; it doubles per
	// attempt up to RetryBackoffMax, with jitter.
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		Workers:          5,
		PollInterval:     time.Second,
		OperationTimeout: 600 * time.Second,
		MaxRetries:       4,
		RetryBackoff:     60 * time.Second,
		RetryBackoffMax:  600 * time.Second,
	}
}

// Driver performs a single upgrade operation end to end.
// This allows for mocking in tests.
type Driver interface {
	Perform(ctx context.Context, operationID string, recoverable bool) error
}

// BatchRunner executes a mass rollout.
type BatchRunner interface {
	Run(ctx context.Context, batchID string, firmwareless bool) error
}

// Store is the slice of the database layer the runner needs.
type Store interface {
	GetUpgradeOperation(ctx context.Context, id string) (*database.UpgradeOperation, error)
	SetOperationStatus(ctx context.Context, id string, status fleetflash.OperationStatus, logLine string) error
	SetBatchStatus(ctx context.Context, id string, status fleetflash.BatchStatus) error

	GetDevice(ctx context.Context, id string) (*database.Device, error)
	GetFirmwareImage(ctx context.Context, id string) (*database.FirmwareImage, error)
	GetBuild(ctx context.Context, id string) (*database.Build, error)
	GetCategory(ctx context.Context, id string) (*database.Category, error)
	FindBuildByOS(ctx context.Context, organization, os string) (*database.Build, error)
	ListBuildImages(ctx context.Context, buildID string) ([]*database.FirmwareImage, error)
	ListDevicesByOS(ctx context.Context, organization, os string) ([]*database.Device, error)
	DeviceFirmwareForDevice(ctx context.Context, deviceID string) (*database.DeviceFirmware, error)
	AssignImage(ctx context.Context, p database.AssignImageParams) (*database.DeviceFirmware, *database.UpgradeOperation, error)
}

// Runner executes queued jobs with a bounded worker pool.
type Runner struct {
	cfg     Config
	queue   *Queue
	driver  Driver
	batches BatchRunner
	store   Store
	hw      *hardware.Map
	guard   *safeguards.OperationGuard
	metrics *perf.Metrics
	log     logrus.FieldLogger
}

// New builds a Runner.
func New(cfg Config, queue *Queue, driver Driver, batches BatchRunner, store Store, hw *hardware.Map, log logrus.FieldLogger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = cfg.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Runner{
		cfg:     cfg,
		queue:   queue,
		driver:  driver,
		batches: batches,
		store:   store,
		hw:      hw,
		guard: safeguards.NewOperationGuard(safeguards.GuardConfig{
			MaxConcurrent: cfg.MaxConcurrent,
			Logger:        log,
		}),
		log: log.WithField("component", "task-runner"),
	}
}

// SetGuard replaces the operation guard, e.g. to attach a health check.
func (r *Runner) SetGuard(guard *safeguards.OperationGuard) { r.guard = guard }

// SetMetrics attaches prometheus collectors for retry tracking.
func (r *Runner) SetMetrics(m *perf.Metrics) { r.metrics = m }

// Run processes jobs until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.worker(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (r *Runner) worker(ctx context.Context, id int) {
	log := r.log.WithField("worker", id)
	for {
		job, err := r.queue.Claim(time.Now().UTC())
		if err != nil {
			log.WithError(err).Error("failed to claim job")
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.PollInterval):
			}
			continue
		}
		r.execute(ctx, job)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (r *Runner) execute(ctx context.Context, job *Job) {
	log := r.log.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"kind":    job.Kind,
		"attempt": job.Attempts + 1,
	})

	err := r.guard.WithOperation(ctx, job.Kind, func() error {
		opCtx := ctx
		if r.cfg.OperationTimeout > 0 {
			var cancel context.CancelFunc
			opCtx, cancel = context.WithTimeout(ctx, r.cfg.OperationTimeout)
			defer cancel()
		}
		return safeguards.RecoverableOperation(log, job.Kind, func() error {
			return r.dispatch(opCtx, job)
		})
	})

	switch {
	case err == nil:
		if ackErr := r.queue.Ack(job); ackErr != nil {
			log.WithError(ackErr).Error("failed to ack job")
		}
	case r.interrupted(ctx, err):
		// Runner shutdown, not a failure of the job itself. Keep the job
		// queued with its attempt count untouched so the next start picks
		// it up; an ack here would strand the operation in-progress.
		log.Info("releasing job interrupted by shutdown")
		r.queue.Release(job)
	case r.shouldRetry(job, err):
		if r.metrics != nil {
			r.metrics.ObserveRetry()
		}
		delay := r.retryDelay(job.Attempts)
		log.WithFields(logrus.Fields{
			"delay": delay,
			"error": err,
		}).Info("rescheduling job after recoverable failure")
		if nackErr := r.queue.Nack(job, delay); nackErr != nil {
			log.WithError(nackErr).Error("failed to reschedule job")
		}
	default:
		log.WithError(err).Error("job failed")
		if ackErr := r.queue.Ack(job); ackErr != nil {
			log.WithError(ackErr).Error("failed to ack job")
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, job *Job) error {
	switch job.Kind {
	case KindUpgradeOperation:
		return r.runUpgradeOperation(ctx, job)
	case KindBatchUpgrade:
		return r.runBatchUpgrade(ctx, job)
	case KindAutoCreateDeviceFirmware:
		return r.autoCreateDeviceFirmware(ctx, job.DeviceID)
	case KindAutoCreateAllDeviceFirmwares:
		return r.autoCreateAllDeviceFirmwares(ctx, job.ImageID)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// runUpgradeOperation executes one upgrade attempt. The driver is told
// whether retry budget remains so it can either re-signal a recoverable
// failure or finalize the operation as failed.
func (r *Runner) runUpgradeOperation(ctx context.Context, job *Job) error {
	recoverable := job.Attempts < r.cfg.MaxRetries
	err := r.driver.Perform(ctx, job.OperationID, recoverable)
	if r.timedOut(ctx, err) {
		base := context.WithoutCancel(ctx)
		if sErr := r.store.SetOperationStatus(base, job.OperationID, fleetflash.StatusFailed, "Operation timed out."); sErr != nil {
			r.log.WithField("operation_id", job.OperationID).WithError(sErr).Error("failed to mark operation timed out")
		}
		r.log.WithField("operation_id", job.OperationID).Warn("operation exceeded soft time limit")
		return nil
	}
	return err
}

func (r *Runner) runBatchUpgrade(ctx context.Context, job *Job) error {
	err := r.batches.Run(ctx, job.BatchID, job.Firmwareless)
	if r.timedOut(ctx, err) {
		base := context.WithoutCancel(ctx)
		if sErr := r.store.SetBatchStatus(base, job.BatchID, fleetflash.BatchFailed); sErr != nil {
			r.log.WithField("batch_id", job.BatchID).WithError(sErr).Error("failed to mark batch timed out")
		}
		r.log.WithField("batch_id", job.BatchID).Warn("batch exceeded soft time limit")
		return nil
	}
	return err
}

// interrupted reports whether err is the runner's own cancellation
// surfacing through the job, as opposed to a failure of the job itself.
func (r *Runner) interrupted(ctx context.Context, err error) bool {
	return err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil
}

// timedOut reports whether err is the job context hitting the soft time
// limit, as opposed to a deadline the caller set further up.
func (r *Runner) timedOut(ctx context.Context, err error) bool {
	return err != nil && errors.Is(err, context.DeadlineExceeded) &&
		errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func (r *Runner) shouldRetry(job *Job, err error) bool {
	if job.Kind != KindUpgradeOperation || job.Attempts >= r.cfg.MaxRetries {
		return false
	}
	var recErr *upgrader.RecoverableError
	return errors.As(err, &recErr)
}

// retryDelay computes the backoff before attempt attempts+1: exponential
// from RetryBackoff up to RetryBackoffMax, jittered.
func (r *Runner) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryBackoff
	b.MaxInterval = r.cfg.RetryBackoffMax
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	d := b.NextBackOff()
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
