// Package fleetflash holds the shared vocabulary of the firmware fleet
// manager: operation and batch statuses, and the identity helpers used to
// keep record creation idempotent across processes.
package fleetflash

// OperationStatus is the lifecycle status of a single upgrade operation.
type OperationStatus string

const (
	// StatusInProgress is the initial status of every upgrade operation.
	StatusInProgress OperationStatus = "in-progress"
	// StatusSuccess means the firmware was confirmed flashed, or was found
	// already installed (checksum match).
	StatusSuccess OperationStatus = "success"
	// StatusFailed means the flash was attempted but could not be confirmed,
	// or an unexpected fault occurred.
	StatusFailed OperationStatus = "failed"
	// StatusAborted means the upgrade was called off before any data was
	// written to the device flash.
	StatusAborted OperationStatus = "aborted"
)

// Terminal reports whether the status is a terminal one.
func (s OperationStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusAborted
}

// Valid reports whether s is one of the four known operation statuses.
func (s OperationStatus) Valid() bool {
	switch s {
	case StatusInProgress, StatusSuccess, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// BatchStatus is the aggregate status of a mass upgrade operation.
//
// It is never set directly except at creation (idle) and rollout kick-off
// (in-progress); the terminal values are recomputed from the child
// operations every time one of them completes.
type BatchStatus string

const (
	BatchIdle       BatchStatus = "idle"
	BatchInProgress BatchStatus = "in-progress"
	BatchSuccess    BatchStatus = "success"
	BatchFailed     BatchStatus = "failed"
)

// Valid reports whether s is one of the four known batch statuses.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchIdle, BatchInProgress, BatchSuccess, BatchFailed:
		return true
	}
	return false
}
