// Package s3 stores and fetches firmware binaries. Published images live in
// an S3 bucket; a local directory caches the binaries the upgrade engine
// streams to devices. Downloads are streamed with an inline SHA-256 and
// written atomically (temp file + rename).
//
// The client uses the AWS SDK default credential chain: environment
// variables, the shared credentials file, then an instance role. Without
// credentials in the environment it falls back to anonymous access for
// public buckets.
package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// ProgressFunc is called periodically during download with progress updates.
type ProgressFunc func(downloaded, total int64, speed float64)

// Client wraps the S3 client with helper methods for firmware downloads.
type Client struct {
	s3Client     *s3.Client
	cfg          Config
	logger       logrus.FieldLogger
	progressFunc ProgressFunc
}

// Config holds S3 client configuration.
type Config struct {
	// Region is the AWS region.
	Region string
	// Bucket is the default bucket holding published firmware.
	Bucket string
	// MaxFileSize bounds a single firmware binary. OpenWrt sysupgrade
	// images are small; anything larger is a publishing mistake.
	MaxFileSize int64
}

// DefaultConfig returns the default S3 configuration.
func DefaultConfig() Config {
	return Config{
		Region:      "us-east-1",
		Bucket:      "fleetflash-firmware",
		MaxFileSize: 30 * 1024 * 1024,
	}
}

// New creates a new S3 client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultConfig().MaxFileSize
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if os.Getenv("AWS_ACCESS_KEY_ID") == "" {
		opts = append(opts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Client{
		s3Client: s3.NewFromConfig(awsCfg),
		cfg:      cfg,
		logger:   logrus.New(),
	}, nil
}

// SetLogger sets a custom logger for the client.
func (c *Client) SetLogger(logger logrus.FieldLogger) {
	c.logger = logger
}

// SetProgressFunc sets a callback for progress updates during downloads.
// The callback receives bytes downloaded, total bytes, and current speed in
// bytes/sec.
func (c *Client) SetProgressFunc(fn ProgressFunc) {
	c.progressFunc = fn
}

// DownloadResult contains the result of a download operation.
type DownloadResult struct {
	// LocalPath is the path to the downloaded file
	LocalPath string
	// Checksum is the SHA-256 hash of the downloaded file
	Checksum string
	// SizeBytes is the size of the downloaded file in bytes
	SizeBytes int64
}

// DownloadFirmware downloads a firmware binary from S3 to destPath. The
// object is streamed, size-limited, hashed on the fly and renamed into
// place only once complete, so a partial download never masquerades as a
// usable image.
func (c *Client) DownloadFirmware(ctx context.Context, key, destPath string) (*DownloadResult, error) {
	if err := validateKey(key); err != nil {
		return nil, fmt.Errorf("invalid S3 key: %w", err)
	}

	logger := c.logger.WithFields(logrus.Fields{
		"bucket": c.cfg.Bucket,
		"key":    key,
		"dest":   destPath,
	})
	logger.Info("starting firmware download")

	headResp, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object metadata: %w", err)
	}
	var totalSize int64
	if headResp.ContentLength != nil {
		totalSize = *headResp.ContentLength
	}
	if totalSize > c.cfg.MaxFileSize {
		return nil, fmt.Errorf("firmware too large: %d bytes (max %d)", totalSize, c.cfg.MaxFileSize)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}
	tmpPath := destPath + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer func() {
		tmpFile.Close()
		if _, err := os.Stat(tmpPath); err == nil {
			os.Remove(tmpPath)
		}
	}()

	getResp, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer getResp.Body.Close()

	hash := sha256.New()
	multiWriter := io.MultiWriter(tmpFile, hash)
	pr := newProgressReader(getResp.Body, logger, c.progressFunc, totalSize, 5*time.Second)

	// LimitReader guards against objects that grew past the HEAD response.
	written, err := io.Copy(multiWriter, io.LimitReader(pr, c.cfg.MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	if written > c.cfg.MaxFileSize {
		return nil, fmt.Errorf("firmware too large: exceeds %d bytes", c.cfg.MaxFileSize)
	}

	if c.progressFunc != nil {
		c.progressFunc(written, totalSize, 0)
	}

	if err := tmpFile.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return nil, fmt.Errorf("failed to move file to destination: %w", err)
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	logger.WithFields(logrus.Fields{
		"size":     written,
		"checksum": checksum,
	}).Info("firmware download completed")

	return &DownloadResult{
		LocalPath: destPath,
		Checksum:  checksum,
		SizeBytes: written,
	}, nil
}

// Upload publishes a firmware binary to the bucket.
func (c *Client) Upload(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("invalid S3 key: %w", err)
	}
	if size > c.cfg.MaxFileSize {
		return fmt.Errorf("firmware too large: %d bytes (max %d)", size, c.cfg.MaxFileSize)
	}
	_, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.cfg.Bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("failed to upload firmware: %w", err)
	}
	c.logger.WithFields(logrus.Fields{
		"bucket": c.cfg.Bucket,
		"key":    key,
		"size":   size,
	}).Info("firmware uploaded")
	return nil
}

// Delete removes a firmware binary from the bucket.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("invalid S3 key: %w", err)
	}
	_, err := c.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete firmware: %w", err)
	}
	return nil
}

// ObjectExists checks if an object exists in the bucket.
func (c *Client) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			return false, nil
		}
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return true, nil
}

// Object is a stored firmware binary with metadata.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ListFirmware lists firmware objects under a key prefix.
func (c *Client) ListFirmware(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			o := Object{Key: *obj.Key}
			if obj.Size != nil {
				o.Size = *obj.Size
			}
			if obj.LastModified != nil {
				o.LastModified = *obj.LastModified
			}
			objects = append(objects, o)
		}
	}
	c.logger.WithFields(logrus.Fields{
		"bucket": c.cfg.Bucket,
		"prefix": prefix,
		"count":  len(objects),
	}).Info("listed firmware objects")
	return objects, nil
}

// validateKey rejects keys that could escape the bucket namespace.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("S3 key cannot be empty")
	}
	if len(key) > 1024 {
		return fmt.Errorf("S3 key too long: %d characters (max 1024)", len(key))
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("S3 key contains path traversal: %s", key)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("S3 key should not start with /: %s", key)
	}
	if strings.Contains(key, "\x00") {
		return fmt.Errorf("S3 key contains null byte")
	}
	return nil
}

// progressReader wraps an io.Reader and logs periodic download progress.
// It is single-threaded (used with io.Copy) and not concurrency-safe.
type progressReader struct {
	r            io.Reader
	logger       logrus.FieldLogger
	progressFunc ProgressFunc
	total        int64
	read         int64
	started      time.Time
	lastLog      time.Time
	interval     time.Duration
}

func newProgressReader(r io.Reader, logger logrus.FieldLogger, progressFunc ProgressFunc, total int64, interval time.Duration) *progressReader {
	return &progressReader{r: r, logger: logger, progressFunc: progressFunc, total: total, started: time.Now(), interval: interval}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		now := time.Now()
		if p.lastLog.IsZero() || now.Sub(p.lastLog) >= p.interval {
			p.log(now)
			p.lastLog = now
		}
	}
	return n, err
}

func (p *progressReader) log(now time.Time) {
	percent := float64(0)
	if p.total > 0 {
		percent = (float64(p.read) / float64(p.total)) * 100
	}
	elapsed := now.Sub(p.started).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(p.read) / elapsed
	}
	p.logger.WithFields(logrus.Fields{
		"downloaded": humanBytes(p.read),
		"total":      humanBytes(p.total),
		"percent":    fmt.Sprintf("%.1f", percent),
		"avg_rate":   humanBytes(int64(rate)) + "/s",
	}).Info("firmware download progress")

	if p.progressFunc != nil {
		p.progressFunc(p.read, p.total, rate)
	}
}

func humanBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GiB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MiB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KiB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
