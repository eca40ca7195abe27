package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/fleetflash/fleetflash/database"
)

// autoCreateDeviceFirmware bootstraps the firmware record of one device:
// when the os identifier the device reports matches a build and the build
// carries an image for the device's board, the image is recorded as already
// installed. No upgrade is triggered.
func (r *Runner) autoCreateDeviceFirmware(ctx context.Context, deviceID string) error {
	device, err := r.store.GetDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("failed to load device: %w", err)
	}
	if device.OS == "" || device.Model == "" {
		return nil
	}
	if _, err := r.store.DeviceFirmwareForDevice(ctx, device.ID); err == nil {
		// Already provisioned.
		return nil
	} else if !errors.Is(err, database.ErrNotFound) {
		return err
	}

	build, err := r.store.FindBuildByOS(ctx, device.Organization, device.OS)
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to match build for device os: %w", err)
	}
	images, err := r.store.ListBuildImages(ctx, build.ID)
	if err != nil {
		return fmt.Errorf("failed to list build images: %w", err)
	}
	for _, img := range images {
		boards, ok := r.hw.Boards(img.Type)
		if !ok || !boardMatch(boards, device.Model) {
			continue
		}
		return r.provision(ctx, device.ID, img, boards)
	}
	return nil
}

// autoCreateAllDeviceFirmwares runs the same matching across every device
// of the image's organization, typically after a new image is published.
func (r *Runner) autoCreateAllDeviceFirmwares(ctx context.Context, imageID string) error {
	img, err := r.store.GetFirmwareImage(ctx, imageID)
	if err != nil {
		return fmt.Errorf("failed to load image: %w", err)
	}
	build, err := r.store.GetBuild(ctx, img.BuildID)
	if err != nil {
		return fmt.Errorf("failed to load build: %w", err)
	}
	if build.OS == "" {
		return nil
	}
	category, err := r.store.GetCategory(ctx, build.CategoryID)
	if err != nil {
		return fmt.Errorf("failed to load category: %w", err)
	}
	boards, ok := r.hw.Boards(img.Type)
	if !ok {
		return nil
	}
	devices, err := r.store.ListDevicesByOS(ctx, category.Organization, build.OS)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	for _, device := range devices {
		if !boardMatch(boards, device.Model) {
			continue
		}
		if _, err := r.store.DeviceFirmwareForDevice(ctx, device.ID); err == nil {
			continue
		} else if !errors.Is(err, database.ErrNotFound) {
			return err
		}
		if err := r.provision(ctx, device.ID, img, boards); err != nil {
			r.log.WithFields(logrus.Fields{
				"device_id": device.ID,
				"image_id":  img.ID,
				"error":     err,
			}).Warn("skipping device, auto-provisioning failed")
		}
	}
	return nil
}

func (r *Runner) provision(ctx context.Context, deviceID string, img *database.FirmwareImage, boards []string) error {
	_, _, err := r.store.AssignImage(ctx, database.AssignImageParams{
		DeviceID:    deviceID,
		ImageID:     img.ID,
		Boards:      boards,
		SkipUpgrade: true,
		Installed:   true,
	})
	if errors.Is(err, database.ErrConstraint) {
		// Devices without a usable credential are left alone.
		r.log.WithFields(logrus.Fields{
			"device_id": deviceID,
			"image_id":  img.ID,
		}).Debug("device not eligible for auto-provisioning")
		return nil
	}
	if err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{
		"device_id": deviceID,
		"image_id":  img.ID,
	}).Info("device firmware auto-provisioned")
	return nil
}

func boardMatch(boards []string, model string) bool {
	for _, b := range boards {
		if b == model {
			return true
		}
	}
	return false
}
