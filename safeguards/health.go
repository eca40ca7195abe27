package safeguards

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/sirupsen/logrus"
)

// SystemHealthChecker verifies the local prerequisites of an upgrade before
// a worker picks it up: the record store must answer and the image storage
// directory must have headroom. Starting an upgrade that cannot persist its
// own log lines leaves the operation stuck in progress.
type SystemHealthChecker struct {
	logger   logrus.FieldLogger
	imageDir string
	pinger   func(context.Context) error

	// MinFreeBytes is the storage headroom required under imageDir.
	MinFreeBytes uint64
}

// NewSystemHealthChecker creates a health checker. pinger probes the record
// store; pass nil to skip that check.
func NewSystemHealthChecker(imageDir string, pinger func(context.Context) error, logger logrus.FieldLogger) *SystemHealthChecker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SystemHealthChecker{
		logger:       logger.WithField("component", "health-checker"),
		imageDir:     imageDir,
		pinger:       pinger,
		MinFreeBytes: 64 << 20,
	}
}

// CheckAll performs all health checks.
func (h *SystemHealthChecker) CheckAll(ctx context.Context) error {
	if err := h.checkStore(ctx); err != nil {
		return err
	}
	return h.checkStorage()
}

func (h *SystemHealthChecker) checkStore(ctx context.Context) error {
	if h.pinger == nil {
		return nil
	}
	if err := h.pinger(ctx); err != nil {
		return fmt.Errorf("record store unreachable: %w", err)
	}
	return nil
}

func (h *SystemHealthChecker) checkStorage() error {
	if h.imageDir == "" {
		return nil
	}
	var stat unix.Statfs_t
	if err := unix.Statfs(h.imageDir, &stat); err != nil {
		// The directory may not exist yet on a fresh install.
		h.logger.WithError(err).WithField("dir", h.imageDir).Debug("skipping storage check")
		return nil
	}
	free := stat.Bavail * uint64(stat.Bsize)
	if free < h.MinFreeBytes {
		return fmt.Errorf("image storage low on space: %d bytes free under %s", free, h.imageDir)
	}
	return nil
}
