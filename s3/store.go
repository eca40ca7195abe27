package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/fleetflash/fleetflash/database"
)

// Fetcher retrieves a firmware binary from origin storage.
// This allows for mocking in tests.
type Fetcher interface {
	DownloadFirmware(ctx context.Context, key, destPath string) (*DownloadResult, error)
}

// ImageStore resolves firmware image records to binary content. The local
// directory is the cache the upgrade engine streams from; misses are
// fetched from origin storage and checksum-verified before use.
type ImageStore struct {
	fetcher  Fetcher
	localDir string
	log      logrus.FieldLogger
}

// NewImageStore builds an ImageStore. fetcher may be nil for deployments
// that only import images from the local filesystem.
func NewImageStore(fetcher Fetcher, localDir string, log logrus.FieldLogger) *ImageStore {
	return &ImageStore{
		fetcher:  fetcher,
		localDir: localDir,
		log:      log.WithField("component", "image-store"),
	}
}

// ObjectKey is the origin storage location of an image.
func ObjectKey(img *database.FirmwareImage) string {
	return "builds/" + img.BuildID + "/" + img.Filename
}

// LocalPath is where an image's binary lives (or would live) in the cache.
func (s *ImageStore) LocalPath(img *database.FirmwareImage) string {
	if img.LocalPath != "" {
		return img.LocalPath
	}
	return filepath.Join(s.localDir, img.BuildID, img.Filename)
}

// OpenImage streams the binary of an image record, fetching it from origin
// storage on a cache miss.
func (s *ImageStore) OpenImage(ctx context.Context, img *database.FirmwareImage) (io.ReadCloser, error) {
	path := s.LocalPath(img)
	f, err := os.Open(path)
	if err == nil {
		return f, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to open firmware image: %w", err)
	}
	if s.fetcher == nil {
		return nil, fmt.Errorf("firmware image %s not present at %s and no origin storage configured", img.ID, path)
	}

	key := ObjectKey(img)
	s.log.WithFields(logrus.Fields{
		"image_id": img.ID,
		"key":      key,
	}).Info("fetching firmware image from origin storage")
	res, err := s.fetcher.DownloadFirmware(ctx, key, path)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch firmware image: %w", err)
	}
	if img.Checksum != "" && res.Checksum != img.Checksum {
		os.Remove(path)
		return nil, fmt.Errorf("firmware image %s checksum mismatch: stored %s, fetched %s", img.ID, img.Checksum, res.Checksum)
	}
	return os.Open(path)
}

// ImportLocal copies a firmware binary from srcPath into the cache under
// the build's directory and returns its path, checksum and size.
func (s *ImageStore) ImportLocal(ctx context.Context, buildID, srcPath string) (*DownloadResult, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open source file: %w", err)
	}
	defer src.Close()

	destPath := filepath.Join(s.localDir, buildID, filepath.Base(srcPath))
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}
	tmpPath := destPath + ".tmp"
	dst, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer func() {
		dst.Close()
		if _, err := os.Stat(tmpPath); err == nil {
			os.Remove(tmpPath)
		}
	}()

	hash := sha256.New()
	written, err := io.Copy(io.MultiWriter(dst, hash), src)
	if err != nil {
		return nil, fmt.Errorf("failed to copy firmware image: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := dst.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return nil, fmt.Errorf("failed to move file into cache: %w", err)
	}

	res := &DownloadResult{
		LocalPath: destPath,
		Checksum:  hex.EncodeToString(hash.Sum(nil)),
		SizeBytes: written,
	}
	s.log.WithFields(logrus.Fields{
		"build_id": buildID,
		"path":     destPath,
		"size":     written,
		"checksum": res.Checksum,
	}).Info("firmware image imported")
	return res, nil
}

// Remove deletes cached binaries by path, used after a build is deleted.
// Missing files are ignored.
func (s *ImageStore) Remove(paths []string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.log.WithField("path", p).WithError(err).Warn("failed to remove cached image")
		}
	}
}
