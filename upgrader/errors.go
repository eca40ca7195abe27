package upgrader

// The errors in this file classify how an upgrade attempt ended. The
// operation driver maps each class to a final operation status, so upgrade
// strategies signal outcomes by returning one of these instead of setting
// statuses themselves.

// NotNeededError reports that the device already runs the assigned image.
// The operation finishes successfully without flashing anything.
type NotNeededError struct {
	Reason string
}

func (e *NotNeededError) Error() string {
	if e.Reason == "" {
		return "upgrade not needed"
	}
	return e.Reason
}

// AbortedError reports that the upgrade stopped before flashing started.
// The device is left running its current firmware.
type AbortedError struct {
	Reason string
}

func (e *AbortedError) Error() string {
	if e.Reason == "" {
		return "upgrade aborted"
	}
	return e.Reason
}

// RecoverableError wraps a transient failure that happened before the
// device was touched. The whole operation is eligible for another attempt.
type RecoverableError struct {
	Err error
}

func (e *RecoverableError) Error() string { return e.Err.Error() }
func (e *RecoverableError) Unwrap() error { return e.Err }

// Recoverable wraps err in a RecoverableError. Returns nil when err is nil.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &RecoverableError{Err: err}
}

// ReconnectFailedError reports that the image was flashed but the device
// never came back within the reconnection budget. The firmware is assumed
// installed; the credential that was used is suspect.
type ReconnectFailedError struct {
	Reason string
}

func (e *ReconnectFailedError) Error() string { return e.Reason }
