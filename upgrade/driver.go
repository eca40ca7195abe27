// Package upgrade drives single upgrade operations end to end: credential
// selection, the advisory concurrency check, running the platform strategy,
// and mapping its outcome to a final operation status.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	fleetflash "github.com/fleetflash/fleetflash"
	"github.com/fleetflash/fleetflash/database"
	"github.com/fleetflash/fleetflash/perf"
	"github.com/fleetflash/fleetflash/ssh"
	"github.com/fleetflash/fleetflash/upgrader"
)

// Store is the slice of the database layer the driver needs.
// This allows for mocking in tests.
type Store interface {
	GetUpgradeOperation(ctx context.Context, id string) (*database.UpgradeOperation, error)
	GetDevice(ctx context.Context, id string) (*database.Device, error)
	GetFirmwareImage(ctx context.Context, id string) (*database.FirmwareImage, error)
	CredentialsForDevice(ctx context.Context, deviceID string) ([]*database.DeviceCredential, error)
	CountInProgressForDevice(ctx context.Context, deviceID, excludeOpID string) (int, error)
	AppendOperationLog(ctx context.Context, id, line string) error
	SetOperationStatus(ctx context.Context, id string, status fleetflash.OperationStatus, logLine string) error
	SetDeviceFirmwareInstalled(ctx context.Context, deviceID string, installed bool) error
	MarkCredentialNotWorking(ctx context.Context, id, reason string, at time.Time) error
	MarkCredentialWorking(ctx context.Context, id string, at time.Time) error
}

// ImageOpener streams image binaries, from local disk or a remote origin.
type ImageOpener interface {
	OpenImage(ctx context.Context, img *database.FirmwareImage) (io.ReadCloser, error)
}

// BatchNotifier recomputes a batch's aggregate status after one of its
// operations reaches a terminal status.
type BatchNotifier interface {
	RefreshBatchStatus(ctx context.Context, batchID string) error
}

// Driver performs upgrade operations.
type Driver struct {
	store   Store
	images  ImageOpener
	batches BatchNotifier
	dial    upgrader.Dialer
	sshCfg  ssh.Config
	metrics *perf.Metrics
	log     logrus.FieldLogger
}

// New builds a Driver. batches may be nil when batch aggregation is not
// wired (direct device upgrades only).
func New(store Store, images ImageOpener, batches BatchNotifier, log logrus.FieldLogger) *Driver {
	return &Driver{
		store:   store,
		images:  images,
		batches: batches,
		dial:    upgrader.DialSSH,
		sshCfg:  ssh.DefaultConfig(),
		log:     log,
	}
}

// SetDialer overrides the transport dialer. Used by tests.
func (d *Driver) SetDialer(dial upgrader.Dialer) { d.dial = dial }

// SetSSHConfig overrides the transport configuration.
func (d *Driver) SetSSHConfig(cfg ssh.Config) { d.sshCfg = cfg }

// SetMetrics attaches prometheus collectors for outcomes and durations.
func (d *Driver) SetMetrics(m *perf.Metrics) { d.metrics = m }

// Perform runs one attempt of the operation. recoverable reports whether
// the caller has retry budget left: with it set, transient failures are
// returned as a *upgrader.RecoverableError so the caller schedules another
// attempt; without it they finalize the operation as failed.
//
// The final status is written through the store; the returned error is
// non-nil only for retryable failures and context cancellation.
func (d *Driver) Perform(ctx context.Context, operationID string, recoverable bool) error {
	start := time.Now()
	if d.metrics != nil {
		defer d.metrics.OperationStarted()()
	}
	op, err := d.store.GetUpgradeOperation(ctx, operationID)
	if err != nil {
		return fmt.Errorf("failed to load operation: %w", err)
	}
	device, err := d.store.GetDevice(ctx, op.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to load device: %w", err)
	}
	log := d.log.WithFields(logrus.Fields{
		"operation_id": op.ID,
		"device_id":    device.ID,
		"device":       device.Name,
	})
	rec := newLogRecorder(ctx, d.store, op.ID, log)

	cred, err := d.findWorkingCredential(ctx, device, rec, log)
	if err != nil {
		if errors.Is(err, errNoCredentials) {
			rec.Log("No device connection available", true)
			return nil
		}
		return d.handleRecoverable(ctx, rec, op, recoverable, start, err)
	}

	// Advisory only: a concurrent creation can still slip past this check,
	// it exists to stop the common double-submit case.
	inProgress, err := d.store.CountInProgressForDevice(ctx, device.ID, op.ID)
	if err != nil {
		return fmt.Errorf("failed to check concurrent operations: %w", err)
	}
	if inProgress > 0 {
		rec.Log("Another upgrade operation is in progress, aborting...", false)
		rec.Flush()
		return d.finalize(ctx, op, fleetflash.StatusAborted, false, nil, start)
	}

	if op.ImageID == "" {
		rec.Log("No firmware image associated with this operation, nothing to do.", true)
		return d.finalize(ctx, op, fleetflash.StatusFailed, false, nil, start)
	}
	img, err := d.store.GetFirmwareImage(ctx, op.ImageID)
	if err != nil {
		return fmt.Errorf("failed to load image: %w", err)
	}

	upg, err := upgrader.New(cred.Strategy, &upgrader.Dependencies{
		Device: upgrader.Device{
			ID:        device.ID,
			Name:      device.Name,
			Addresses: device.Addresses,
		},
		Image: upgrader.Image{
			Filename:  img.Filename,
			Checksum:  img.Checksum,
			SizeBytes: img.SizeBytes,
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				return d.images.OpenImage(ctx, img)
			},
		},
		Credential: credentialFor(cred),
		Addresses:  &deviceAddresses{store: d.store, deviceID: device.ID},
		Recorder:   rec,
		Dial:       d.dial,
		SSH:        d.sshCfg,
		Logger:     log,
	})
	if err != nil {
		rec.Log(err.Error(), true)
		return d.finalize(ctx, op, fleetflash.StatusFailed, false, nil, start)
	}

	timer := perf.Start("device flash", log)
	upgradeErr := upg.Upgrade(ctx)
	timer.StopWithThreshold(slowFlashThreshold)
	rec.Flush()

	var (
		notNeeded   *upgrader.NotNeededError
		aborted     *upgrader.AbortedError
		recov       *upgrader.RecoverableError
		reconFailed *upgrader.ReconnectFailedError
	)
	switch {
	case upgradeErr == nil:
		return d.finalize(ctx, op, fleetflash.StatusSuccess, true, device, start)
	case errors.As(upgradeErr, &notNeeded):
		return d.finalize(ctx, op, fleetflash.StatusSuccess, true, device, start)
	case errors.As(upgradeErr, &aborted):
		return d.finalize(ctx, op, fleetflash.StatusAborted, false, nil, start)
	case errors.As(upgradeErr, &recov):
		return d.handleRecoverable(ctx, rec, op, recoverable, start, upgradeErr)
	case errors.As(upgradeErr, &reconFailed):
		rec.Log(upgradeErr.Error(), true)
		now := time.Now().UTC()
		if err := d.store.MarkCredentialNotWorking(ctx, cred.ID, upgradeErr.Error(), now); err != nil {
			log.WithError(err).Error("Failed to flag credential as not working")
		}
		// The image was flashed; only the reconnection was lost.
		return d.finalize(ctx, op, fleetflash.StatusFailed, true, device, start)
	case errors.Is(upgradeErr, context.Canceled), errors.Is(upgradeErr, context.DeadlineExceeded):
		return upgradeErr
	default:
		rec.Log(upgradeErr.Error(), true)
		return d.finalize(ctx, op, fleetflash.StatusFailed, false, nil, start)
	}
}

// slowFlashThreshold is how long a flash may take before it is logged as a
// warning. Well under the runner's soft time limit so slow devices show up
// before they start timing out.
const slowFlashThreshold = 5 * time.Minute

var errNoCredentials = errors.New("device has no credentials")

// findWorkingCredential probes the device's credentials in preference order
// and returns the first that can establish a connection.
func (d *Driver) findWorkingCredential(ctx context.Context, device *database.Device, rec *logRecorder, log logrus.FieldLogger) (*database.DeviceCredential, error) {
	creds, err := d.store.CredentialsForDevice(ctx, device.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	if len(creds) == 0 {
		return nil, errNoCredentials
	}
	for _, cred := range creds {
		conn, err := d.dial(ctx, device.Addresses, credentialFor(cred), d.sshCfg, log)
		if err != nil {
			rec.Log(fmt.Sprintf("Failed to connect with device using %s@port %d. Error: %s",
				cred.Username, port(cred), err), false)
			continue
		}
		_ = conn.Close()
		now := time.Now().UTC()
		if !cred.IsWorking {
			if err := d.store.MarkCredentialWorking(ctx, cred.ID, now); err != nil {
				log.WithError(err).Warn("Failed to flag credential as working")
			}
		}
		return cred, nil
	}
	return nil, upgrader.Recoverable(
		errors.New("failed to establish connection with the device, tried all credentials"))
}

// handleRecoverable either re-signals the failure for another attempt or,
// with the retry budget exhausted, finalizes the operation as failed.
func (d *Driver) handleRecoverable(ctx context.Context, rec *logRecorder, op *database.UpgradeOperation, recoverable bool, start time.Time, cause error) error {
	var recov *upgrader.RecoverableError
	if errors.As(cause, &recov) {
		cause = recov.Err
	}
	if recoverable {
		rec.Log(fmt.Sprintf("Detected a recoverable failure: %s.", cause), false)
		rec.Log("The upgrade operation will be retried soon.", true)
		return upgrader.Recoverable(cause)
	}
	return d.finalize(ctx, op, fleetflash.StatusFailed, false, nil, start,
		withFinalLine(fmt.Sprintf("Max retries exceeded. Upgrade failed: %s.", cause)))
}

type finalizeOption func(*string)

func withFinalLine(line string) finalizeOption {
	return func(s *string) { *s = line }
}

// finalize writes the terminal status, updates the installed flag, and
// pokes the batch aggregate when the operation belongs to one.
func (d *Driver) finalize(ctx context.Context, op *database.UpgradeOperation, status fleetflash.OperationStatus, installed bool, device *database.Device, start time.Time, opts ...finalizeOption) error {
	// Status writes must land even when the surrounding context expired.
	ctx = context.WithoutCancel(ctx)

	if d.metrics != nil {
		d.metrics.ObserveOperation(status, time.Since(start))
	}

	var finalLine string
	for _, opt := range opts {
		opt(&finalLine)
	}
	if err := d.store.SetOperationStatus(ctx, op.ID, status, finalLine); err != nil {
		return fmt.Errorf("failed to set operation status: %w", err)
	}
	if installed && device != nil {
		if err := d.store.SetDeviceFirmwareInstalled(ctx, device.ID, true); err != nil && !errors.Is(err, database.ErrNotFound) {
			d.log.WithError(err).Error("Failed to update installed flag")
		}
	}
	if op.BatchID != "" && d.batches != nil {
		if err := d.batches.RefreshBatchStatus(ctx, op.BatchID); err != nil {
			d.log.WithError(err).Error("Failed to refresh batch status")
		}
	}
	return nil
}

type deviceAddresses struct {
	store    Store
	deviceID string
}

func (a *deviceAddresses) RefreshAddresses(ctx context.Context) ([]string, error) {
	device, err := a.store.GetDevice(ctx, a.deviceID)
	if err != nil {
		return nil, err
	}
	return device.Addresses, nil
}

func credentialFor(cred *database.DeviceCredential) ssh.Credential {
	return ssh.Credential{
		Username:   cred.Username,
		Password:   cred.Password,
		PrivateKey: []byte(cred.PrivateKey),
		Port:       port(cred),
	}
}

func port(cred *database.DeviceCredential) int {
	if cred.Port == 0 {
		return 22
	}
	return cred.Port
}
