// Package openwrt implements the firmware upgrade strategy for OpenWrt
// devices over SSH: checksum short-circuit, memory preflight, image upload,
// sysupgrade test, reflash, and post-reboot reconnection.
package openwrt

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/fleetflash/fleetflash/ssh"
	"github.com/fleetflash/fleetflash/upgrader"
)

// Strategy is the registry name this package registers under. It is the
// default strategy of device credentials.
const Strategy = "openwrt-ssh"

func init() {
	upgrader.Register(Strategy, func(deps *upgrader.Dependencies) upgrader.Upgrader {
		return New(deps, DefaultConfig())
	})
}

// Config holds the tunables of the OpenWrt upgrade procedure.
type Config struct {
	// ChecksumFile is where the checksum of the last flashed image is
	// persisted on the device. Its presence short-circuits repeat upgrades.
	ChecksumFile string
	// AgentChecksumFile is the management agent's configuration checksum.
	// It is removed right before reflashing so the agent fetches a fresh
	// configuration after the device comes back.
	AgentChecksumFile string
	// UploadDir is the remote directory the image is uploaded to.
	UploadDir string
	// SysupgradePath is the path of the sysupgrade binary on the device.
	SysupgradePath string
	// ReconnectDelay is how long to wait after flashing before the first
	// reconnection attempt.
	ReconnectDelay time.Duration
	// ReconnectRetryDelay is the pause between reconnection attempts.
	ReconnectRetryDelay time.Duration
	// ReconnectMaxRetries is the number of reconnection attempts before
	// the device is declared unreachable.
	ReconnectMaxRetries int
	// UpgradeTimeout bounds the reflash command. Reflashing kills the SSH
	// daemon, so the command is expected to never return cleanly.
	UpgradeTimeout time.Duration
	// NonCriticalServices are stopped to free memory when the image does
	// not fit in the available RAM.
	NonCriticalServices []string
}

// DefaultConfig returns the stock OpenWrt procedure configuration.
func DefaultConfig() Config {
	return Config{
		ChecksumFile:        "/etc/fleetflash/firmware_checksum",
		AgentChecksumFile:   "/etc/fleetflash/checksum",
		UploadDir:           "/tmp",
		SysupgradePath:      "/sbin/sysupgrade",
		ReconnectDelay:      180 * time.Second,
		ReconnectRetryDelay: 20 * time.Second,
		ReconnectMaxRetries: 35,
		UpgradeTimeout:      90 * time.Second,
		NonCriticalServices: []string{
			"uhttpd",
			"dnsmasq",
			"fleetflash_agent",
			"cron",
			"rpcd",
			"rssileds",
			"odhcpd",
			"log",
		},
	}
}

// Upgrader drives the upgrade of a single OpenWrt device.
type Upgrader struct {
	deps *upgrader.Dependencies
	cfg  Config

	conn            upgrader.Connection
	servicesStopped bool
}

// New builds an Upgrader with an explicit configuration.
func New(deps *upgrader.Dependencies, cfg Config) *Upgrader {
	return &Upgrader{deps: deps, cfg: cfg}
}

func (u *Upgrader) log(line string, save bool) {
	u.deps.Recorder.Log(line, save)
}

// Upgrade runs the full procedure. The returned error classifies the
// outcome; see the upgrader package errors.
func (u *Upgrader) Upgrade(ctx context.Context) error {
	if err := u.connect(ctx, u.deps.Device.Addresses); err != nil {
		return upgrader.Recoverable(fmt.Errorf("connection failed: %w", err))
	}
	u.log("Connection successful, starting upgrade...", true)

	checksum := u.deps.Image.Checksum
	if err := u.compareChecksum(ctx, checksum); err != nil {
		return err
	}
	remotePath := path.Join(u.cfg.UploadDir, path.Base(u.deps.Image.Filename))
	if err := u.upload(ctx, remotePath); err != nil {
		u.disconnect()
		return err
	}
	if err := u.testImage(ctx, remotePath); err != nil {
		return err
	}
	if err := u.reflash(ctx, remotePath); err != nil {
		return err
	}
	return u.writeChecksum(ctx, checksum)
}

func (u *Upgrader) connect(ctx context.Context, addresses []string) error {
	conn, err := u.deps.Dial(ctx, addresses, u.deps.Credential, u.deps.SSH, u.deps.Logger)
	if err != nil {
		return err
	}
	u.conn = conn
	return nil
}

func (u *Upgrader) disconnect() {
	if u.conn != nil {
		_ = u.conn.Close()
		u.conn = nil
	}
}

// compareChecksum skips the upgrade when the checksum persisted on the
// device matches the image, which means this exact image was flashed before.
func (u *Upgrader) compareChecksum(ctx context.Context, checksum string) error {
	var code int
	_, err := u.conn.Run(ctx, "test -f "+u.cfg.ChecksumFile,
		ssh.WithExitCodes(0, 1), ssh.CaptureExitCode(&code))
	if err != nil {
		u.disconnect()
		return fmt.Errorf("failed to check checksum file: %w", err)
	}
	if code != 0 {
		u.log("Image checksum file not found, proceeding with the upload of the new image...", true)
		return nil
	}
	u.log("Image checksum file found", false)
	out, err := u.conn.Run(ctx, "cat "+u.cfg.ChecksumFile)
	if err != nil {
		u.disconnect()
		return fmt.Errorf("failed to read checksum file: %w", err)
	}
	if strings.TrimSpace(out) == checksum {
		message := "Firmware already upgraded previously. " +
			"Identical checksum found in the filesystem, upgrade not needed."
		u.log(message, true)
		u.disconnect()
		return &upgrader.NotNeededError{Reason: message}
	}
	u.log("Checksum different, proceeding with the upload of the new image...", true)
	return nil
}

func (u *Upgrader) upload(ctx context.Context, remotePath string) error {
	if err := u.checkMemory(ctx); err != nil {
		return err
	}
	rc, err := u.deps.Image.Open(ctx)
	if err != nil {
		return upgrader.Recoverable(fmt.Errorf("failed to open image: %w", err))
	}
	defer rc.Close()
	if _, err := u.conn.Upload(ctx, rc, remotePath); err != nil {
		return upgrader.Recoverable(fmt.Errorf("failed to upload image: %w", err))
	}
	return nil
}

// checkMemory frees memory before the upload and aborts the upgrade when
// the image still does not fit in the available RAM afterwards. An image
// that does not fit would corrupt the flash mid-write.
func (u *Upgrader) checkMemory(ctx context.Context) error {
	u.freeMemory(ctx)
	free, err := u.freeMemoryBytes(ctx)
	if err != nil {
		return fmt.Errorf("failed to read available memory: %w", err)
	}
	if u.deps.Image.SizeBytes < free {
		return nil
	}
	u.log(fmt.Sprintf(
		"The image size (%s MiB) is greater than the available memory on the system (%s MiB).\n"+
			"For this reason the upgrade procedure will try to free up memory by stopping non critical services.\n"+
			"WARNING: it is recommended to reboot the device if the upgrade fails unexpectedly "+
			"because these services will not be restarted automatically.\n"+
			"NOTE: The reboot can be avoided if the status of the upgrade becomes \"aborted\" "+
			"because in this case the system will restart the services automatically.",
		mib(u.deps.Image.SizeBytes), mib(free)), true)
	u.stopNonCriticalServices(ctx)
	u.freeMemory(ctx)
	free, err = u.freeMemoryBytes(ctx)
	if err != nil {
		return fmt.Errorf("failed to read available memory: %w", err)
	}
	if u.deps.Image.SizeBytes < free {
		u.log(fmt.Sprintf(
			"Enough available memory was freed up on the system (%s MiB)!\n"+
				"Proceeding to upload of the image file...", mib(free)), true)
		return nil
	}
	u.log(fmt.Sprintf(
		"There is still not enough available memory on the system (%s MiB).\n"+
			"Starting non critical services again...", mib(free)), true)
	u.startNonCriticalServices(ctx)
	u.log("Non critical services started, aborting upgrade.", true)
	return &upgrader.AbortedError{}
}

// mib formats bytes as MiB with two decimals.
func mib(v int64) string {
	if v == 0 {
		return "0"
	}
	return strconv.FormatFloat(float64(v)/1048576, 'f', 2, 64)
}

// freeMemoryBytes reads the device's available memory. MemAvailable is
// missing on older kernels; MemFree is the fallback.
func (u *Upgrader) freeMemoryBytes(ctx context.Context) (int64, error) {
	out, err := u.conn.Run(ctx, "cat /proc/meminfo | grep MemAvailable", ssh.WithExitCodes(0, 1))
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(out) == "" {
		out, err = u.conn.Run(ctx, "cat /proc/meminfo | grep MemFree")
		if err != nil {
			return 0, err
		}
	}
	parts := strings.Fields(out)
	if len(parts) < 2 {
		return 0, fmt.Errorf("unexpected meminfo output %q", out)
	}
	kb, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected meminfo output %q: %w", out, err)
	}
	return kb * 1024, nil
}

// freeMemory drops what can be dropped without stopping any service.
func (u *Upgrader) freeMemory(ctx context.Context) {
	// opkg package index
	_, _ = u.conn.Run(ctx, "rm -rf /tmp/opkg-lists/", ssh.WithoutExitError())
	// kernel caches
	_, _ = u.conn.Run(ctx, "sync && echo 3 > /proc/sys/vm/drop_caches", ssh.WithoutExitError())
}

func (u *Upgrader) stopNonCriticalServices(ctx context.Context) {
	for _, service := range u.cfg.NonCriticalServices {
		initd := "/etc/init.d/" + service
		_, _ = u.conn.Run(ctx, fmt.Sprintf("test -f %s && %s stop", initd, initd), ssh.WithoutExitError())
	}
	_, _ = u.conn.Run(ctx, "test -f /sbin/wifi && /sbin/wifi down", ssh.WithoutExitError())
	u.servicesStopped = true
}

func (u *Upgrader) startNonCriticalServices(ctx context.Context) {
	for _, service := range u.cfg.NonCriticalServices {
		initd := "/etc/init.d/" + service
		_, _ = u.conn.Run(ctx, fmt.Sprintf("test -f %s && %s start", initd, initd), ssh.WithoutExitError())
	}
	_, _ = u.conn.Run(ctx, "test -f /sbin/wifi && /sbin/wifi up", ssh.WithoutExitError())
	u.servicesStopped = false
}

// testImage asks sysupgrade to validate the uploaded image. A rejected
// image aborts the upgrade; the device keeps running its current firmware.
func (u *Upgrader) testImage(ctx context.Context, remotePath string) error {
	if _, err := u.conn.Run(ctx, u.cfg.SysupgradePath+" --test "+remotePath); err != nil {
		u.log(err.Error(), false)
		if u.servicesStopped {
			u.log("Starting non critical services again...", true)
			u.startNonCriticalServices(ctx)
		}
		u.disconnect()
		return &upgrader.AbortedError{}
	}
	u.log("Sysupgrade test passed successfully, proceeding with the upgrade operation...", true)
	return nil
}

// reflash flashes the image. The command is run on a dedicated connection
// in its own goroutine because sysupgrade kills the SSH daemon mid-command:
// the channel usually dies without an exit status, and on some firmwares
// the command hangs past its timeout and the goroutine is simply abandoned.
func (u *Upgrader) reflash(ctx context.Context, remotePath string) error {
	u.disconnect()
	u.log("Upgrade operation in progress...", true)

	failure := make(chan error, 1)
	go u.runReflash(context.WithoutCancel(ctx), remotePath, failure)

	timer := time.NewTimer(u.cfg.UpgradeTimeout)
	defer timer.Stop()
	select {
	case err := <-failure:
		if err != nil {
			return err
		}
	case <-timer.C:
		// Still running; assume the device dropped the connection mid
		// flash and is rebooting.
	case <-ctx.Done():
		return ctx.Err()
	}

	u.log(fmt.Sprintf(
		"SSH connection closed, will wait %d seconds before attempting to reconnect...",
		int(u.cfg.ReconnectDelay.Seconds())), true)
	return sleepCtx(ctx, u.cfg.ReconnectDelay)
}

func (u *Upgrader) runReflash(ctx context.Context, remotePath string, failure chan<- error) {
	conn, err := u.deps.Dial(ctx, u.deps.Device.Addresses, u.deps.Credential, u.deps.SSH, u.deps.Logger)
	if err != nil {
		failure <- fmt.Errorf("failed to reconnect for reflash: %w", err)
		return
	}
	defer conn.Close()

	// Remove the agent's persistent configuration checksum so the device
	// fetches its configuration again after the reflash.
	_, _ = conn.Run(ctx, "rm "+u.cfg.AgentChecksumFile+" 2> /dev/null",
		ssh.WithExitCodes(0, ssh.ExitDropped, 1))

	command := u.cfg.SysupgradePath + " -v -c " + remotePath
	out, err := conn.Run(ctx, command,
		ssh.WithTimeout(u.cfg.UpgradeTimeout),
		ssh.WithExitCodes(0, ssh.ExitDropped))
	if err != nil {
		failure <- err
		return
	}
	u.log(out, true)
	failure <- nil
}

// writeChecksum reconnects to the freshly flashed device and persists the
// image checksum, confirming the upgrade. Addresses are refreshed before
// every attempt because the device can come back on a different IP.
func (u *Upgrader) writeChecksum(ctx context.Context, checksum string) error {
	addresses := u.deps.Device.Addresses
	for attempt := 1; attempt <= u.cfg.ReconnectMaxRetries; attempt++ {
		if fresh, err := u.deps.Addresses.RefreshAddresses(ctx); err == nil && len(fresh) > 0 {
			addresses = fresh
		}
		u.log(fmt.Sprintf("Trying to reconnect to device at %s (attempt n.%d)...",
			strings.Join(addresses, ", "), attempt), false)

		if err := u.connect(ctx, addresses); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			u.log(fmt.Sprintf("Device not reachable yet, (%s).\nretrying in %d seconds...",
				err, int(u.cfg.ReconnectRetryDelay.Seconds())), true)
			if err := sleepCtx(ctx, u.cfg.ReconnectRetryDelay); err != nil {
				return err
			}
			continue
		}

		u.log("Connected! Writing checksum file to "+u.cfg.ChecksumFile, true)
		checksumDir := path.Dir(u.cfg.ChecksumFile)
		if _, err := u.conn.Run(ctx, "mkdir -p "+checksumDir); err != nil {
			u.disconnect()
			return fmt.Errorf("failed to create checksum directory: %w", err)
		}
		if _, err := u.conn.Run(ctx, fmt.Sprintf("echo %s > %s", checksum, u.cfg.ChecksumFile)); err != nil {
			u.disconnect()
			return fmt.Errorf("failed to write checksum file: %w", err)
		}
		u.disconnect()
		u.log("Upgrade completed successfully.", true)
		return nil
	}
	return &upgrader.ReconnectFailedError{
		Reason: "Giving up, device not reachable anymore after upgrade",
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
