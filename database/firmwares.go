package database

import (
	"context"
	"database/sql"
	"fmt"

	fleetflash "github.com/fleetflash/fleetflash"
)

// AssignImageParams are the inputs to AssignImage.
type AssignImageParams struct {
	DeviceID string
	ImageID  string
	// Boards are the board models compatible with the image, resolved by
	// the caller from the hardware support map.
	Boards []string
	// BatchID tags the resulting upgrade operation with a mass rollout.
	// Empty for direct assignments.
	BatchID string
	// SkipUpgrade bypasses upgrade scheduling. Used when bootstrapping a
	// record for a device that already reports running this image; the
	// assignment is then created with Installed set from the caller.
	SkipUpgrade bool
	// Installed is only honored when SkipUpgrade is true.
	Installed bool
}

// AssignImage assigns a firmware image to a device, creating or updating its
// DeviceFirmware record.
//
// Unless SkipUpgrade is set, the assignment and the scheduling trigger are
// one atomic step: within a single transaction the DeviceFirmware is written
// with installed = false and a new UpgradeOperation (status in-progress) is
// created. Callers submit the returned operation to the job runner after the
// call returns, mirroring the commit hook in the trigger contract.
//
// Data model invariants enforced here:
//   - the image's organization (via build -> category) must match the device's
//   - the device's model must be among the image's compatible boards
//   - the device must have at least one connection credential
//
// If the device already runs the exact image (same image ID, installed, and
// SkipUpgrade unset) the image reference is unchanged but a fresh operation
// is still created only when the image actually changed or the previous
// flash was never confirmed.
func (d *DB) AssignImage(ctx context.Context, p AssignImageParams) (*DeviceFirmware, *UpgradeOperation, error) {
	dev, err := d.GetDevice(ctx, p.DeviceID)
	if err != nil {
		return nil, nil, err
	}
	img, err := d.GetFirmwareImage(ctx, p.ImageID)
	if err != nil {
		return nil, nil, err
	}
	build, err := d.GetBuild(ctx, img.BuildID)
	if err != nil {
		return nil, nil, err
	}
	cat, err := d.GetCategory(ctx, build.CategoryID)
	if err != nil {
		return nil, nil, err
	}

	if cat.Organization != "" && cat.Organization != dev.Organization {
		return nil, nil, fmt.Errorf("the organization of the image does not match the device: %w", ErrConstraint)
	}
	if !boardMatches(dev.Model, p.Boards) {
		return nil, nil, fmt.Errorf("device model %q and image type %q do not match: %w", dev.Model, img.Type, ErrConstraint)
	}
	credCount, err := d.CountDeviceCredentials(ctx, p.DeviceID)
	if err != nil {
		return nil, nil, err
	}
	if credCount < 1 {
		return nil, nil, fmt.Errorf("device %s has no connection credential defined: %w", p.DeviceID, ErrConstraint)
	}

	existing, err := d.deviceFirmwareForDevice(ctx, p.DeviceID)
	if err != nil && err != ErrNotFound {
		return nil, nil, err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	dfID := fleetflash.NewID("dfw")
	imageChanged := existing == nil || existing.ImageID != p.ImageID
	if existing != nil {
		dfID = existing.ID
	}

	if p.SkipUpgrade {
		if err := upsertDeviceFirmware(ctx, tx, dfID, p.DeviceID, p.ImageID, p.Installed); err != nil {
			return nil, nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, nil, fmt.Errorf("failed to commit assignment: %w", err)
		}
		df, err := d.deviceFirmwareForDevice(ctx, p.DeviceID)
		return df, nil, err
	}

	// Nothing to do when the exact image is assigned and confirmed.
	if !imageChanged && existing.Installed {
		if err := tx.Commit(); err != nil {
			return nil, nil, fmt.Errorf("failed to commit assignment: %w", err)
		}
		return existing, nil, nil
	}

	if err := upsertDeviceFirmware(ctx, tx, dfID, p.DeviceID, p.ImageID, false); err != nil {
		return nil, nil, err
	}

	opID := fleetflash.NewID("op")
	opQuery := `
		INSERT INTO upgrade_operations (id, device_id, image_id, batch_id, status)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, opQuery, opID, p.DeviceID, p.ImageID, nullableString(p.BatchID), string(fleetflash.StatusInProgress)); err != nil {
		return nil, nil, fmt.Errorf("failed to create upgrade operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit assignment: %w", err)
	}

	df, err := d.deviceFirmwareForDevice(ctx, p.DeviceID)
	if err != nil {
		return nil, nil, err
	}
	op, err := d.GetUpgradeOperation(ctx, opID)
	if err != nil {
		return nil, nil, err
	}
	return df, op, nil
}

func upsertDeviceFirmware(ctx context.Context, tx *sql.Tx, id, deviceID, imageID string, installed bool) error {
	query := `
		INSERT INTO device_firmwares (id, device_id, image_id, installed)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			image_id = excluded.image_id,
			installed = excluded.installed,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := tx.ExecContext(ctx, query, id, deviceID, imageID, installed); err != nil {
		return fmt.Errorf("failed to write device firmware: %w", err)
	}
	return nil
}

// DeviceFirmwareForDevice returns the device's current firmware assignment.
func (d *DB) DeviceFirmwareForDevice(ctx context.Context, deviceID string) (*DeviceFirmware, error) {
	return d.deviceFirmwareForDevice(ctx, deviceID)
}

func (d *DB) deviceFirmwareForDevice(ctx context.Context, deviceID string) (*DeviceFirmware, error) {
	query := `
		SELECT id, device_id, image_id, installed, created_at, updated_at
		FROM device_firmwares WHERE device_id = ?
	`
	var df DeviceFirmware
	err := d.db.QueryRowContext(ctx, query, deviceID).Scan(
		&df.ID, &df.DeviceID, &df.ImageID, &df.Installed, &df.CreatedAt, &df.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device firmware: %w", err)
	}
	return &df, nil
}

// SetDeviceFirmwareInstalled updates the installed flag without triggering
// any upgrade scheduling.
func (d *DB) SetDeviceFirmwareInstalled(ctx context.Context, deviceID string, installed bool) error {
	query := `UPDATE device_firmwares SET installed = ?, updated_at = CURRENT_TIMESTAMP WHERE device_id = ?`
	res, err := d.db.ExecContext(ctx, query, installed, deviceID)
	if err != nil {
		return fmt.Errorf("failed to update installed flag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EligibleDeviceFirmware pairs a device firmware record with the details the
// batch coordinator needs to pick a replacement image.
type EligibleDeviceFirmware struct {
	DeviceFirmware
	DeviceModel  string
	CurrentType  string
	CurrentBuild string
}

// FindRelatedDeviceFirmwares returns the device firmware records eligible
// for an upgrade to the given build: those whose current image belongs to
// the same category, excluding devices already confirmed on this exact
// build. Read-only; usable for dry runs.
func (d *DB) FindRelatedDeviceFirmwares(ctx context.Context, buildID string) ([]*EligibleDeviceFirmware, error) {
	build, err := d.GetBuild(ctx, buildID)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT df.id, df.device_id, df.image_id, df.installed, df.created_at, df.updated_at,
		       dev.model, img.type, img.build_id
		FROM device_firmwares df
		JOIN firmware_images img ON img.id = df.image_id
		JOIN builds b ON b.id = img.build_id
		JOIN devices dev ON dev.id = df.device_id
		WHERE b.category_id = ?
		  AND NOT (img.build_id = ? AND df.installed = 1)
		ORDER BY df.created_at DESC
	`
	rows, err := d.db.QueryContext(ctx, query, build.CategoryID, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to query related device firmwares: %w", err)
	}
	defer rows.Close()

	var out []*EligibleDeviceFirmware
	for rows.Next() {
		var e EligibleDeviceFirmware
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.ImageID, &e.Installed, &e.CreatedAt, &e.UpdatedAt,
			&e.DeviceModel, &e.CurrentType, &e.CurrentBuild); err != nil {
			return nil, fmt.Errorf("failed to scan device firmware: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// FindFirmwarelessDevices returns devices with no DeviceFirmware record
// whose model is in boards, scoped to the given organization when set.
// Read-only; usable for dry runs.
func (d *DB) FindFirmwarelessDevices(ctx context.Context, organization string, boards []string) ([]*Device, error) {
	if len(boards) == 0 {
		return nil, nil
	}
	query := `
		SELECT d.id, d.name, d.organization, d.model, d.os, d.addresses, d.created_at, d.updated_at
		FROM devices d
		LEFT JOIN device_firmwares df ON df.device_id = d.id
		WHERE df.id IS NULL
		  AND d.model IN (` + placeholders(len(boards)) + `)
		  AND (? = '' OR d.organization = ?)
		ORDER BY d.created_at DESC
	`
	args := make([]any, 0, len(boards)+2)
	for _, b := range boards {
		args = append(args, b)
	}
	args = append(args, organization, organization)
	return d.queryDevices(ctx, query, args...)
}

func boardMatches(model string, boards []string) bool {
	for _, b := range boards {
		if b == model {
			return true
		}
	}
	return false
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	s := "?"
	for i := 1; i < n; i++ {
		s += ", ?"
	}
	return s
}
