// Package batch implements mass rollouts: upgrading every eligible device
// of a build's category in one coordinated operation, plus the read-only
// dry run that previews what a rollout would touch.
package batch

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	fleetflash "github.com/fleetflash/fleetflash"
	"github.com/fleetflash/fleetflash/database"
	"github.com/fleetflash/fleetflash/hardware"
	"github.com/fleetflash/fleetflash/perf"
)

// Store is the slice of the database layer the coordinator needs.
// This allows for mocking in tests.
type Store interface {
	GetBatch(ctx context.Context, id string) (*database.BatchUpgradeOperation, error)
	GetBuild(ctx context.Context, id string) (*database.Build, error)
	GetCategory(ctx context.Context, id string) (*database.Category, error)
	ListBuildImages(ctx context.Context, buildID string) ([]*database.FirmwareImage, error)
	FindRelatedDeviceFirmwares(ctx context.Context, buildID string) ([]*database.EligibleDeviceFirmware, error)
	FindFirmwarelessDevices(ctx context.Context, organization string, boards []string) ([]*database.Device, error)
	AssignImage(ctx context.Context, p database.AssignImageParams) (*database.DeviceFirmware, *database.UpgradeOperation, error)
	CreateBatch(ctx context.Context, buildID string, dryRun bool) (*database.BatchUpgradeOperation, error)
	SetBatchStatus(ctx context.Context, id string, status fleetflash.BatchStatus) error
	BatchOperationStats(ctx context.Context, batchID string) (*database.BatchStats, error)
}

// Scheduler submits the jobs a rollout produces.
type Scheduler interface {
	EnqueueUpgradeOperation(ctx context.Context, operationID string) error
	EnqueueBatchUpgrade(ctx context.Context, batchID string, firmwareless bool) error
}

// Coordinator runs mass rollouts.
type Coordinator struct {
	store     Store
	hw        *hardware.Map
	scheduler Scheduler
	metrics   *perf.Metrics
	log       logrus.FieldLogger
}

// New builds a Coordinator.
func New(store Store, hw *hardware.Map, scheduler Scheduler, log logrus.FieldLogger) *Coordinator {
	return &Coordinator{store: store, hw: hw, scheduler: scheduler, log: log}
}

// SetMetrics attaches prometheus collectors for rollout outcomes.
func (c *Coordinator) SetMetrics(m *perf.Metrics) { c.metrics = m }

// BatchUpgrade creates a rollout of the build and submits it for
// asynchronous execution. With firmwareless set, devices that have no
// firmware record yet are included.
func (c *Coordinator) BatchUpgrade(ctx context.Context, buildID string, firmwareless bool) (*database.BatchUpgradeOperation, error) {
	if _, err := c.store.GetBuild(ctx, buildID); err != nil {
		return nil, fmt.Errorf("failed to load build: %w", err)
	}
	batch, err := c.store.CreateBatch(ctx, buildID, false)
	if err != nil {
		return nil, err
	}
	if err := c.scheduler.EnqueueBatchUpgrade(ctx, batch.ID, firmwareless); err != nil {
		return nil, fmt.Errorf("failed to enqueue rollout: %w", err)
	}
	return batch, nil
}

// Run executes a rollout: assigns the build's images to every eligible
// device and schedules one upgrade operation per assignment. Run is
// idempotent; devices already confirmed on the build are skipped by the
// eligibility query and re-assignments of an unchanged installed image
// create no new operation.
func (c *Coordinator) Run(ctx context.Context, batchID string, firmwareless bool) error {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to load batch: %w", err)
	}
	if batch.DryRun {
		return fmt.Errorf("batch %s is a dry run and cannot be executed", batch.ID)
	}
	if err := c.store.SetBatchStatus(ctx, batch.ID, fleetflash.BatchInProgress); err != nil {
		return err
	}
	if err := c.upgradeRelatedDevices(ctx, batch); err != nil {
		return err
	}
	if firmwareless {
		if err := c.upgradeFirmwarelessDevices(ctx, batch); err != nil {
			return err
		}
	}
	// A rollout that produced no operations would otherwise stay
	// in-progress forever.
	return c.RefreshBatchStatus(ctx, batch.ID)
}

// upgradeRelatedDevices re-assigns devices whose current image belongs to
// the build's category. The replacement image is the build's image of the
// same type as the one the device currently runs.
func (c *Coordinator) upgradeRelatedDevices(ctx context.Context, batch *database.BatchUpgradeOperation) error {
	images, err := c.store.ListBuildImages(ctx, batch.BuildID)
	if err != nil {
		return fmt.Errorf("failed to list build images: %w", err)
	}
	byType := make(map[string]*database.FirmwareImage, len(images))
	for _, img := range images {
		byType[img.Type] = img
	}

	related, err := c.store.FindRelatedDeviceFirmwares(ctx, batch.BuildID)
	if err != nil {
		return fmt.Errorf("failed to find related device firmwares: %w", err)
	}
	for _, dfw := range related {
		img, ok := byType[dfw.CurrentType]
		if !ok {
			continue
		}
		c.assignAndSchedule(ctx, batch, dfw.DeviceID, img)
	}
	return nil
}

// upgradeFirmwarelessDevices assigns the build's images to devices that
// have no firmware record yet, matched by board model.
func (c *Coordinator) upgradeFirmwarelessDevices(ctx context.Context, batch *database.BatchUpgradeOperation) error {
	build, err := c.store.GetBuild(ctx, batch.BuildID)
	if err != nil {
		return fmt.Errorf("failed to load build: %w", err)
	}
	category, err := c.store.GetCategory(ctx, build.CategoryID)
	if err != nil {
		return fmt.Errorf("failed to load category: %w", err)
	}
	images, err := c.store.ListBuildImages(ctx, batch.BuildID)
	if err != nil {
		return fmt.Errorf("failed to list build images: %w", err)
	}
	for _, img := range images {
		boards, ok := c.hw.Boards(img.Type)
		if !ok {
			continue
		}
		devices, err := c.store.FindFirmwarelessDevices(ctx, category.Organization, boards)
		if err != nil {
			return fmt.Errorf("failed to find firmwareless devices: %w", err)
		}
		for _, device := range devices {
			c.assignAndSchedule(ctx, batch, device.ID, img)
		}
	}
	return nil
}

// assignAndSchedule assigns one image to one device and schedules the
// resulting operation. Per-device failures are logged and skipped so one
// bad device does not sink the whole rollout.
func (c *Coordinator) assignAndSchedule(ctx context.Context, batch *database.BatchUpgradeOperation, deviceID string, img *database.FirmwareImage) {
	boards, _ := c.hw.Boards(img.Type)
	_, op, err := c.store.AssignImage(ctx, database.AssignImageParams{
		DeviceID: deviceID,
		ImageID:  img.ID,
		Boards:   boards,
		BatchID:  batch.ID,
	})
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"batch_id":  batch.ID,
			"device_id": deviceID,
			"image_id":  img.ID,
			"error":     err,
		}).Warn("Skipping device, image assignment failed")
		return
	}
	if op == nil {
		return
	}
	if err := c.scheduler.EnqueueUpgradeOperation(ctx, op.ID); err != nil {
		c.log.WithFields(logrus.Fields{
			"batch_id":     batch.ID,
			"operation_id": op.ID,
			"error":        err,
		}).Error("Failed to enqueue upgrade operation")
	}
}

// RefreshBatchStatus recomputes the batch aggregate from its operations.
// While any operation is still in progress the aggregate is left alone;
// once all finished it becomes failed if any operation failed, success
// otherwise. Repeated calls with an unchanged outcome write nothing.
func (c *Coordinator) RefreshBatchStatus(ctx context.Context, batchID string) error {
	stats, err := c.store.BatchOperationStats(ctx, batchID)
	if err != nil {
		return err
	}
	if stats.InProgress > 0 {
		return nil
	}
	status := fleetflash.BatchSuccess
	if stats.Failed > 0 {
		status = fleetflash.BatchFailed
	}
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status == status {
		return nil
	}
	if err := c.store.SetBatchStatus(ctx, batchID, status); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.ObserveBatch(status)
	}
	return nil
}

// Plan is what a dry run reports: the assignments a rollout would make
// without touching anything.
type Plan struct {
	Related      []*database.EligibleDeviceFirmware
	Firmwareless []*database.Device
}

// DryRun previews a rollout of the build. Purely read-only.
func (c *Coordinator) DryRun(ctx context.Context, buildID string, firmwareless bool) (*Plan, error) {
	build, err := c.store.GetBuild(ctx, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to load build: %w", err)
	}
	plan := &Plan{}
	plan.Related, err = c.store.FindRelatedDeviceFirmwares(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if !firmwareless {
		return plan, nil
	}
	category, err := c.store.GetCategory(ctx, build.CategoryID)
	if err != nil {
		return nil, err
	}
	images, err := c.store.ListBuildImages(ctx, buildID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, img := range images {
		boards, ok := c.hw.Boards(img.Type)
		if !ok {
			continue
		}
		devices, err := c.store.FindFirmwarelessDevices(ctx, category.Organization, boards)
		if err != nil {
			return nil, err
		}
		for _, device := range devices {
			if seen[device.ID] {
				continue
			}
			seen[device.ID] = true
			plan.Firmwareless = append(plan.Firmwareless, device)
		}
	}
	return plan, nil
}

// Report is a batch's progress summary.
type Report struct {
	Batch *database.BatchUpgradeOperation
	Stats *database.BatchStats
}

// Report summarizes a batch's progress and outcome rates.
func (c *Coordinator) Report(ctx context.Context, batchID string) (*Report, error) {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	stats, err := c.store.BatchOperationStats(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return &Report{Batch: batch, Stats: stats}, nil
}

// Progress renders the completion count, e.g. "7 out of 10".
func (r *Report) Progress() string {
	return fmt.Sprintf("%d out of %d", r.Stats.Completed(), r.Stats.Total)
}

// SuccessRate is the percentage of successful operations, rounded to two
// decimals. Zero when the batch has no operations.
func (r *Report) SuccessRate() float64 { return r.rate(r.Stats.Success) }

// FailedRate is the percentage of failed operations.
func (r *Report) FailedRate() float64 { return r.rate(r.Stats.Failed) }

// AbortedRate is the percentage of aborted operations.
func (r *Report) AbortedRate() float64 { return r.rate(r.Stats.Aborted) }

func (r *Report) rate(n int) float64 {
	if r.Stats.Total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(r.Stats.Total)*100*100) / 100
}
