package database

import (
	"time"

	fleetflash "github.com/fleetflash/fleetflash"
)

// Category groups builds under a name, scoped to an organization.
type Category struct {
	ID           string
	Name         string
	Organization string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Build is one firmware release: a version within a category, owning one
// image per supported hardware type.
type Build struct {
	ID         string
	CategoryID string
	Version    string
	// OS is the identifier the firmware reports about itself once
	// installed; used to auto-match devices to builds. Empty when unused.
	OS        string
	Changelog string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FirmwareImage is one flashable binary belonging to a build.
type FirmwareImage struct {
	ID        string
	BuildID   string
	Type      string
	Filename  string
	LocalPath string
	Checksum  string
	SizeBytes int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Device is a managed network device.
type Device struct {
	ID           string
	Name         string
	Organization string
	Model        string
	// OS is the firmware identifier the device last reported.
	OS string
	// Addresses are the device's known network addresses, most preferred
	// first. They are refreshed from the device's reports and may change
	// across a reboot.
	Addresses []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeviceCredential holds the SSH connection parameters for one device.
type DeviceCredential struct {
	ID       string
	DeviceID string
	// Strategy selects the upgrader implementation for this connection.
	Strategy   string
	Username   string
	Password   string
	PrivateKey string
	Port       int
	// IsWorking is flipped to false when the engine gives up reconnecting
	// to the device after a reflash.
	IsWorking         bool
	LastFailureReason string
	LastAttemptAt     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DeviceFirmware is the current image assignment for one device.
type DeviceFirmware struct {
	ID       string
	DeviceID string
	ImageID  string
	// Installed reports whether the assigned image is confirmed flashed.
	Installed bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpgradeOperation is one attempt to flash one image onto one device.
type UpgradeOperation struct {
	ID       string
	DeviceID string
	// ImageID may be empty if the image was deleted after the fact.
	ImageID string
	// BatchID is set when the operation was scheduled by a mass rollout.
	BatchID   string
	Status    fleetflash.OperationStatus
	Log       string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BatchUpgradeOperation groups the upgrade operations created by one mass
// rollout of a build.
type BatchUpgradeOperation struct {
	ID        string
	BuildID   string
	Status    fleetflash.BatchStatus
	DryRun    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BatchStats are the per-status operation counts of one batch.
type BatchStats struct {
	Total      int
	InProgress int
	Success    int
	Failed     int
	Aborted    int
}

// Completed returns the number of operations that reached a terminal status.
func (s BatchStats) Completed() int {
	return s.Total - s.InProgress
}
