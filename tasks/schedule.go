package tasks

import (
	"context"
	"fmt"

	fleetflash "github.com/fleetflash/fleetflash"
)

// The enqueue methods below make the Runner the scheduler the rest of the
// system submits work to. The ctx parameters are accepted for interface
// symmetry; enqueueing is a local write.

// EnqueueUpgradeOperation schedules one upgrade operation for execution.
func (r *Runner) EnqueueUpgradeOperation(ctx context.Context, operationID string) error {
	return r.queue.Enqueue(&Job{Kind: KindUpgradeOperation, OperationID: operationID})
}

// EnqueueBatchUpgrade schedules a mass rollout for execution.
func (r *Runner) EnqueueBatchUpgrade(ctx context.Context, batchID string, firmwareless bool) error {
	return r.queue.Enqueue(&Job{Kind: KindBatchUpgrade, BatchID: batchID, Firmwareless: firmwareless})
}

// EnqueueAutoCreateDeviceFirmware schedules firmware auto-provisioning for
// one device, typically after the device registered or reported new facts.
func (r *Runner) EnqueueAutoCreateDeviceFirmware(ctx context.Context, deviceID string) error {
	return r.queue.Enqueue(&Job{Kind: KindAutoCreateDeviceFirmware, DeviceID: deviceID})
}

// EnqueueAutoCreateAllDeviceFirmwares schedules firmware auto-provisioning
// across the fleet for a newly published image.
func (r *Runner) EnqueueAutoCreateAllDeviceFirmwares(ctx context.Context, imageID string) error {
	return r.queue.Enqueue(&Job{Kind: KindAutoCreateAllDeviceFirmwares, ImageID: imageID})
}

// RetryUpgrade resubmits a finished operation. The operation moves back to
// in-progress with a log line so its history shows the manual retry.
func (r *Runner) RetryUpgrade(ctx context.Context, operationID string) error {
	op, err := r.store.GetUpgradeOperation(ctx, operationID)
	if err != nil {
		return fmt.Errorf("failed to load operation: %w", err)
	}
	if !op.Status.Terminal() {
		return fmt.Errorf("operation %s is still %s", op.ID, op.Status)
	}
	if err := r.store.SetOperationStatus(ctx, op.ID, fleetflash.StatusInProgress, "Retrying upgrade operation..."); err != nil {
		return fmt.Errorf("failed to reset operation status: %w", err)
	}
	return r.EnqueueUpgradeOperation(ctx, op.ID)
}
