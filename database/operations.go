package database

import (
	"context"
	"database/sql"
	"fmt"

	fleetflash "github.com/fleetflash/fleetflash"
)

const operationSelect = `
	SELECT id, device_id, image_id, batch_id, status, log, created_at, updated_at
	FROM upgrade_operations
`

// CreateUpgradeOperation inserts a new operation in the in-progress state.
// Most operations are created inside AssignImage; this is the entry point
// for retries of failed operations, which reuse the device's current image.
func (d *DB) CreateUpgradeOperation(ctx context.Context, deviceID, imageID, batchID string) (*UpgradeOperation, error) {
	id := fleetflash.NewID("op")
	query := `
		INSERT INTO upgrade_operations (id, device_id, image_id, batch_id, status)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := d.db.ExecContext(ctx, query, id, deviceID, nullableString(imageID), nullableString(batchID), string(fleetflash.StatusInProgress)); err != nil {
		if isConstraintErr(err) {
			return nil, fmt.Errorf("failed to create upgrade operation: %w", ErrConstraint)
		}
		return nil, fmt.Errorf("failed to create upgrade operation: %w", err)
	}
	return d.GetUpgradeOperation(ctx, id)
}

// GetUpgradeOperation fetches a single operation by ID.
func (d *DB) GetUpgradeOperation(ctx context.Context, id string) (*UpgradeOperation, error) {
	row := d.db.QueryRowContext(ctx, operationSelect+` WHERE id = ?`, id)
	return scanOperation(row)
}

// AppendOperationLog appends a line to the operation's log. The log is
// append-only; existing content is never rewritten.
func (d *DB) AppendOperationLog(ctx context.Context, id, line string) error {
	query := `
		UPDATE upgrade_operations
		SET log = CASE WHEN log = '' THEN ? ELSE log || char(10) || ? END,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	res, err := d.db.ExecContext(ctx, query, line, line, id)
	if err != nil {
		return fmt.Errorf("failed to append operation log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetOperationStatus transitions the operation to the given status,
// optionally appending a final log line in the same statement.
func (d *DB) SetOperationStatus(ctx context.Context, id string, status fleetflash.OperationStatus, logLine string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid operation status %q: %w", status, ErrConstraint)
	}
	var (
		res sql.Result
		err error
	)
	if logLine != "" {
		query := `
			UPDATE upgrade_operations
			SET status = ?,
			    log = CASE WHEN log = '' THEN ? ELSE log || char(10) || ? END,
			    updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`
		res, err = d.db.ExecContext(ctx, query, string(status), logLine, logLine, id)
	} else {
		query := `UPDATE upgrade_operations SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
		res, err = d.db.ExecContext(ctx, query, string(status), id)
	}
	if err != nil {
		return fmt.Errorf("failed to update operation status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountInProgressForDevice counts in-progress operations for a device,
// excluding the given operation. The check is advisory; concurrent creation
// can still race past it.
func (d *DB) CountInProgressForDevice(ctx context.Context, deviceID, excludeOpID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM upgrade_operations
		WHERE device_id = ? AND status = ? AND id != ?
	`
	var n int
	err := d.db.QueryRowContext(ctx, query, deviceID, string(fleetflash.StatusInProgress), excludeOpID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count in-progress operations: %w", err)
	}
	return n, nil
}

// ListBatchOperations returns all operations belonging to a batch, oldest
// first.
func (d *DB) ListBatchOperations(ctx context.Context, batchID string) ([]*UpgradeOperation, error) {
	rows, err := d.db.QueryContext(ctx, operationSelect+` WHERE batch_id = ? ORDER BY created_at ASC, id ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch operations: %w", err)
	}
	defer rows.Close()

	var out []*UpgradeOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// ListDeviceOperations returns a device's operations, newest first.
func (d *DB) ListDeviceOperations(ctx context.Context, deviceID string) ([]*UpgradeOperation, error) {
	rows, err := d.db.QueryContext(ctx, operationSelect+` WHERE device_id = ? ORDER BY created_at DESC, id DESC`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query device operations: %w", err)
	}
	defer rows.Close()

	var out []*UpgradeOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

func scanOperation(row rowScanner) (*UpgradeOperation, error) {
	var (
		op      UpgradeOperation
		imageID sql.NullString
		batchID sql.NullString
		status  string
	)
	err := row.Scan(&op.ID, &op.DeviceID, &imageID, &batchID, &status, &op.Log, &op.CreatedAt, &op.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan upgrade operation: %w", err)
	}
	op.ImageID = imageID.String
	op.BatchID = batchID.String
	op.Status = fleetflash.OperationStatus(status)
	return &op, nil
}
