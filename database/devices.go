package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	fleetflash "github.com/fleetflash/fleetflash"
)

// CreateDevice inserts a new device.
func (d *DB) CreateDevice(ctx context.Context, name, organization, model, os string, addresses []string) (*Device, error) {
	id := fleetflash.NewID("dev")
	query := `INSERT INTO devices (id, name, organization, model, os, addresses) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := d.db.ExecContext(ctx, query, id, name, organization, model, os, joinAddresses(addresses)); err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}
	return d.GetDevice(ctx, id)
}

// GetDevice retrieves a device by ID. This is also the refresh point for the
// device's network addresses: callers that hold a stale Device re-fetch it
// through here before reconnecting.
func (d *DB) GetDevice(ctx context.Context, id string) (*Device, error) {
	query := `SELECT id, name, organization, model, os, addresses, created_at, updated_at FROM devices WHERE id = ?`
	var dev Device
	var addresses string
	err := d.db.QueryRowContext(ctx, query, id).Scan(
		&dev.ID, &dev.Name, &dev.Organization, &dev.Model, &dev.OS, &addresses, &dev.CreatedAt, &dev.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	dev.Addresses = splitAddresses(addresses)
	return &dev, nil
}

// UpdateDeviceAddresses replaces the device's known network addresses.
func (d *DB) UpdateDeviceAddresses(ctx context.Context, id string, addresses []string) error {
	query := `UPDATE devices SET addresses = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	res, err := d.db.ExecContext(ctx, query, joinAddresses(addresses), id)
	if err != nil {
		return fmt.Errorf("failed to update device addresses: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateDeviceReport records the OS and model a device reported during
// registration.
func (d *DB) UpdateDeviceReport(ctx context.Context, id, model, os string) error {
	query := `UPDATE devices SET model = ?, os = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	res, err := d.db.ExecContext(ctx, query, model, os, id)
	if err != nil {
		return fmt.Errorf("failed to update device report: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListDevicesByOS returns all devices of an organization reporting the given
// firmware OS identifier.
func (d *DB) ListDevicesByOS(ctx context.Context, organization, os string) ([]*Device, error) {
	query := `
		SELECT id, name, organization, model, os, addresses, created_at, updated_at
		FROM devices WHERE os = ? AND (? = '' OR organization = ?)
		ORDER BY created_at DESC
	`
	return d.queryDevices(ctx, query, os, organization, organization)
}

// CreateDeviceCredential inserts SSH connection parameters for a device.
func (d *DB) CreateDeviceCredential(ctx context.Context, cred *DeviceCredential) (*DeviceCredential, error) {
	if cred.ID == "" {
		cred.ID = fleetflash.NewID("crd")
	}
	if cred.Strategy == "" {
		cred.Strategy = "openwrt-ssh"
	}
	if cred.Username == "" {
		cred.Username = "root"
	}
	if cred.Port == 0 {
		cred.Port = 22
	}
	query := `
		INSERT INTO device_credentials
			(id, device_id, strategy, username, password, private_key, port, is_working)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
	`
	_, err := d.db.ExecContext(ctx, query,
		cred.ID, cred.DeviceID, cred.Strategy, cred.Username, cred.Password, cred.PrivateKey, cred.Port)
	if err != nil {
		if isConstraintErr(err) {
			return nil, fmt.Errorf("device %s does not exist: %w", cred.DeviceID, ErrConstraint)
		}
		return nil, fmt.Errorf("failed to create device credential: %w", err)
	}
	return d.GetDeviceCredential(ctx, cred.ID)
}

// GetDeviceCredential retrieves a credential by ID.
func (d *DB) GetDeviceCredential(ctx context.Context, id string) (*DeviceCredential, error) {
	query := credentialSelect + ` WHERE id = ?`
	row := d.db.QueryRowContext(ctx, query, id)
	cred, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query device credential: %w", err)
	}
	return cred, nil
}

// CredentialsForDevice returns all credentials of a device, working ones
// first, most recently updated first within each group.
func (d *DB) CredentialsForDevice(ctx context.Context, deviceID string) ([]*DeviceCredential, error) {
	query := credentialSelect + ` WHERE device_id = ? ORDER BY is_working DESC, updated_at DESC`
	rows, err := d.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list device credentials: %w", err)
	}
	defer rows.Close()

	var creds []*DeviceCredential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device credential: %w", err)
		}
		creds = append(creds, cred)
	}
	return creds, rows.Err()
}

// CountDeviceCredentials returns how many credentials a device has. Devices
// without credentials cannot be assigned firmware.
func (d *DB) CountDeviceCredentials(ctx context.Context, deviceID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM device_credentials WHERE device_id = ?`, deviceID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count device credentials: %w", err)
	}
	return count, nil
}

// MarkCredentialNotWorking flags a credential as unhealthy with the failure
// reason, for operator visibility.
func (d *DB) MarkCredentialNotWorking(ctx context.Context, id, reason string, at time.Time) error {
	query := `
		UPDATE device_credentials
		SET is_working = 0, last_failure_reason = ?, last_attempt_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	res, err := d.db.ExecContext(ctx, query, reason, at, id)
	if err != nil {
		return fmt.Errorf("failed to flag credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCredentialWorking clears the unhealthy flag after a successful
// connection.
func (d *DB) MarkCredentialWorking(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE device_credentials
		SET is_working = 1, last_failure_reason = '', last_attempt_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	res, err := d.db.ExecContext(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("failed to flag credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const credentialSelect = `
	SELECT id, device_id, strategy, username, password, private_key, port,
	       is_working, last_failure_reason, last_attempt_at, created_at, updated_at
	FROM device_credentials
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*DeviceCredential, error) {
	var cred DeviceCredential
	var lastAttempt sql.NullTime
	err := row.Scan(
		&cred.ID, &cred.DeviceID, &cred.Strategy, &cred.Username, &cred.Password,
		&cred.PrivateKey, &cred.Port, &cred.IsWorking, &cred.LastFailureReason,
		&lastAttempt, &cred.CreatedAt, &cred.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastAttempt.Valid {
		cred.LastAttemptAt = &lastAttempt.Time
	}
	return &cred, nil
}

func (d *DB) queryDevices(ctx context.Context, query string, args ...any) ([]*Device, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		var dev Device
		var addresses string
		if err := rows.Scan(&dev.ID, &dev.Name, &dev.Organization, &dev.Model, &dev.OS,
			&addresses, &dev.CreatedAt, &dev.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		dev.Addresses = splitAddresses(addresses)
		devices = append(devices, &dev)
	}
	return devices, rows.Err()
}

func joinAddresses(addresses []string) string {
	return strings.Join(addresses, ",")
}

func splitAddresses(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
