package database

import (
	"context"
	"database/sql"
	"fmt"

	fleetflash "github.com/fleetflash/fleetflash"
)

// CreateCategory inserts a new firmware category. (name, organization) must
// be unique.
func (d *DB) CreateCategory(ctx context.Context, name, organization string) (*Category, error) {
	id := fleetflash.NewID("cat")
	query := `INSERT INTO categories (id, name, organization) VALUES (?, ?, ?)`
	if _, err := d.db.ExecContext(ctx, query, id, name, organization); err != nil {
		if isConstraintErr(err) {
			return nil, fmt.Errorf("category %q already exists in organization %q: %w", name, organization, ErrConstraint)
		}
		return nil, fmt.Errorf("failed to create category: %w", err)
	}
	return d.GetCategory(ctx, id)
}

// GetCategory retrieves a category by ID.
func (d *DB) GetCategory(ctx context.Context, id string) (*Category, error) {
	query := `SELECT id, name, organization, created_at, updated_at FROM categories WHERE id = ?`
	var c Category
	err := d.db.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.Name, &c.Organization, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query category: %w", err)
	}
	return &c, nil
}

// CreateBuild inserts a new build. (category, version) must be unique; when
// os is set, (organization, os) must be unique across the organization's
// builds so that OS auto-matching stays unambiguous.
func (d *DB) CreateBuild(ctx context.Context, categoryID, version, os, changelog string) (*Build, error) {
	cat, err := d.GetCategory(ctx, categoryID)
	if err != nil {
		return nil, err
	}

	if os != "" {
		var count int
		query := `
			SELECT COUNT(*) FROM builds b
			JOIN categories c ON c.id = b.category_id
			WHERE b.os = ? AND c.organization = ?
		`
		if err := d.db.QueryRowContext(ctx, query, os, cat.Organization).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to check os uniqueness: %w", err)
		}
		if count > 0 {
			return nil, fmt.Errorf("a build with OS identifier %q already exists in organization %q: %w", os, cat.Organization, ErrConstraint)
		}
	}

	id := fleetflash.NewID("bld")
	query := `INSERT INTO builds (id, category_id, version, os, changelog) VALUES (?, ?, ?, ?, ?)`
	if _, err := d.db.ExecContext(ctx, query, id, categoryID, version, nullableString(os), changelog); err != nil {
		if isConstraintErr(err) {
			return nil, fmt.Errorf("build version %q already exists in this category: %w", version, ErrConstraint)
		}
		return nil, fmt.Errorf("failed to create build: %w", err)
	}
	return d.GetBuild(ctx, id)
}

// GetBuild retrieves a build by ID.
func (d *DB) GetBuild(ctx context.Context, id string) (*Build, error) {
	query := `SELECT id, category_id, version, os, changelog, created_at, updated_at FROM builds WHERE id = ?`
	var b Build
	var os sql.NullString
	err := d.db.QueryRowContext(ctx, query, id).Scan(&b.ID, &b.CategoryID, &b.Version, &os, &b.Changelog, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query build: %w", err)
	}
	b.OS = os.String
	return &b, nil
}

// FindBuildByOS retrieves the build with the given OS identifier within an
// organization, used for auto-matching devices that report their firmware.
func (d *DB) FindBuildByOS(ctx context.Context, organization, os string) (*Build, error) {
	query := `
		SELECT b.id, b.category_id, b.version, b.os, b.changelog, b.created_at, b.updated_at
		FROM builds b
		JOIN categories c ON c.id = b.category_id
		WHERE b.os = ? AND c.organization = ?
	`
	var b Build
	var osCol sql.NullString
	err := d.db.QueryRowContext(ctx, query, os, organization).Scan(
		&b.ID, &b.CategoryID, &b.Version, &osCol, &b.Changelog, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query build by os: %w", err)
	}
	b.OS = osCol.String
	return &b, nil
}

// DeleteBuild deletes a build, cascading to its images and their upgrade
// operation references. It returns the local paths of the deleted image
// files so the caller can remove the binaries from storage.
func (d *DB) DeleteBuild(ctx context.Context, id string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT local_path FROM firmware_images WHERE build_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list build images: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan image path: %w", err)
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate image paths: %w", err)
	}

	res, err := d.db.ExecContext(ctx, `DELETE FROM builds WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to delete build: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return paths, nil
}

// CreateFirmwareImage records a firmware image for a build. The image ID is
// derived from (build, type), so re-publishing the same image is an upsert
// rather than a duplicate.
func (d *DB) CreateFirmwareImage(ctx context.Context, buildID, imageType, filename, localPath, checksum string, sizeBytes int64) (*FirmwareImage, error) {
	if _, err := d.GetBuild(ctx, buildID); err != nil {
		return nil, err
	}
	id := fleetflash.DeriveImageID(buildID, imageType)
	query := `
		INSERT INTO firmware_images (id, build_id, type, filename, local_path, checksum, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filename = excluded.filename,
			local_path = excluded.local_path,
			checksum = excluded.checksum,
			size_bytes = excluded.size_bytes,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := d.db.ExecContext(ctx, query, id, buildID, imageType, filename, localPath, checksum, sizeBytes); err != nil {
		if isConstraintErr(err) {
			return nil, fmt.Errorf("image type %q already exists in this build: %w", imageType, ErrConstraint)
		}
		return nil, fmt.Errorf("failed to create firmware image: %w", err)
	}
	return d.GetFirmwareImage(ctx, id)
}

// GetFirmwareImage retrieves a firmware image by ID.
func (d *DB) GetFirmwareImage(ctx context.Context, id string) (*FirmwareImage, error) {
	query := `
		SELECT id, build_id, type, filename, local_path, checksum, size_bytes, created_at, updated_at
		FROM firmware_images WHERE id = ?
	`
	var img FirmwareImage
	err := d.db.QueryRowContext(ctx, query, id).Scan(
		&img.ID, &img.BuildID, &img.Type, &img.Filename, &img.LocalPath,
		&img.Checksum, &img.SizeBytes, &img.CreatedAt, &img.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query firmware image: %w", err)
	}
	return &img, nil
}

// ListBuildImages returns all images belonging to a build.
func (d *DB) ListBuildImages(ctx context.Context, buildID string) ([]*FirmwareImage, error) {
	query := `
		SELECT id, build_id, type, filename, local_path, checksum, size_bytes, created_at, updated_at
		FROM firmware_images WHERE build_id = ? ORDER BY type
	`
	rows, err := d.db.QueryContext(ctx, query, buildID)
	if err != nil {
		return nil, fmt.Errorf("failed to list build images: %w", err)
	}
	defer rows.Close()

	var images []*FirmwareImage
	for rows.Next() {
		var img FirmwareImage
		if err := rows.Scan(&img.ID, &img.BuildID, &img.Type, &img.Filename, &img.LocalPath,
			&img.Checksum, &img.SizeBytes, &img.CreatedAt, &img.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan firmware image: %w", err)
		}
		images = append(images, &img)
	}
	return images, rows.Err()
}

// FindBuildImageByType returns the build's image of the given type, or
// ErrNotFound.
func (d *DB) FindBuildImageByType(ctx context.Context, buildID, imageType string) (*FirmwareImage, error) {
	return d.GetFirmwareImage(ctx, fleetflash.DeriveImageID(buildID, imageType))
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
