package database

import (
	"context"
	"database/sql"
	"fmt"

	fleetflash "github.com/fleetflash/fleetflash"
)

// CreateBatch inserts a new batch upgrade operation in the idle state.
func (d *DB) CreateBatch(ctx context.Context, buildID string, dryRun bool) (*BatchUpgradeOperation, error) {
	id := fleetflash.NewID("batch")
	query := `
		INSERT INTO batch_upgrade_operations (id, build_id, status, dry_run)
		VALUES (?, ?, ?, ?)
	`
	if _, err := d.db.ExecContext(ctx, query, id, buildID, string(fleetflash.BatchIdle), dryRun); err != nil {
		if isConstraintErr(err) {
			return nil, fmt.Errorf("failed to create batch: %w", ErrConstraint)
		}
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	return d.GetBatch(ctx, id)
}

// GetBatch fetches a batch by ID.
func (d *DB) GetBatch(ctx context.Context, id string) (*BatchUpgradeOperation, error) {
	query := `
		SELECT id, build_id, status, dry_run, created_at, updated_at
		FROM batch_upgrade_operations WHERE id = ?
	`
	var (
		b      BatchUpgradeOperation
		status string
	)
	err := d.db.QueryRowContext(ctx, query, id).Scan(
		&b.ID, &b.BuildID, &status, &b.DryRun, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query batch: %w", err)
	}
	b.Status = fleetflash.BatchStatus(status)
	return &b, nil
}

// SetBatchStatus updates the batch status. The WHERE clause skips the write
// when the status already holds the target value, so repeated recomputes of
// the same aggregate touch the row only once.
func (d *DB) SetBatchStatus(ctx context.Context, id string, status fleetflash.BatchStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid batch status %q: %w", status, ErrConstraint)
	}
	query := `
		UPDATE batch_upgrade_operations
		SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status != ?
	`
	if _, err := d.db.ExecContext(ctx, query, string(status), id, string(status)); err != nil {
		return fmt.Errorf("failed to update batch status: %w", err)
	}
	return nil
}

// BatchOperationStats counts the batch's child operations per status in a
// single query.
func (d *DB) BatchOperationStats(ctx context.Context, batchID string) (*BatchStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(status = 'in-progress'), 0),
			COALESCE(SUM(status = 'success'), 0),
			COALESCE(SUM(status = 'failed'), 0),
			COALESCE(SUM(status = 'aborted'), 0)
		FROM upgrade_operations WHERE batch_id = ?
	`
	var s BatchStats
	err := d.db.QueryRowContext(ctx, query, batchID).Scan(
		&s.Total, &s.InProgress, &s.Success, &s.Failed, &s.Aborted)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch stats: %w", err)
	}
	return &s, nil
}

// ListBatchesForBuild returns the batches created for a build, newest first.
func (d *DB) ListBatchesForBuild(ctx context.Context, buildID string) ([]*BatchUpgradeOperation, error) {
	query := `
		SELECT id, build_id, status, dry_run, created_at, updated_at
		FROM batch_upgrade_operations WHERE build_id = ?
		ORDER BY created_at DESC, id DESC
	`
	rows, err := d.db.QueryContext(ctx, query, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var out []*BatchUpgradeOperation
	for rows.Next() {
		var (
			b      BatchUpgradeOperation
			status string
		)
		if err := rows.Scan(&b.ID, &b.BuildID, &status, &b.DryRun, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		b.Status = fleetflash.BatchStatus(status)
		out = append(out, &b)
	}
	return out, rows.Err()
}
