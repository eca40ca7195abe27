// Package main implements the FleetFlash firmware upgrade orchestrator.
//
// The CLI drives the whole upgrade lifecycle: importing firmware binaries,
// assigning them to devices, running mass rollouts, and watching progress.
// The daemon subcommand runs the durable job queue with a bounded worker
// pool and exposes prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	fleetflash "github.com/fleetflash/fleetflash"
	"github.com/fleetflash/fleetflash/batch"
	"github.com/fleetflash/fleetflash/database"
	"github.com/fleetflash/fleetflash/hardware"
	"github.com/fleetflash/fleetflash/perf"
	"github.com/fleetflash/fleetflash/s3"
	"github.com/fleetflash/fleetflash/safeguards"
	"github.com/fleetflash/fleetflash/tasks"
	"github.com/fleetflash/fleetflash/tui"
	"github.com/fleetflash/fleetflash/upgrade"

	// Register the OpenWrt upgrade strategy.
	_ "github.com/fleetflash/fleetflash/upgrader/openwrt"
)

// Config holds application configuration.
type Config struct {
	// S3 Configuration
	S3Bucket string
	S3Region string
	// LocalOnly disables the S3 origin; images must be imported locally.
	LocalOnly bool

	// Database Configuration
	DBPath      string
	QueueDBPath string

	// Storage Configuration
	LocalDir string

	// HardwareDir overrides the built-in hardware support map.
	HardwareDir string

	// Runner Configuration
	Workers          int
	MaxConcurrent    int
	OperationTimeout time.Duration
	MaxRetries       int

	// Metrics Configuration
	MetricsAddr string

	// Logging
	LogLevel string

	// Command-specific flags
	DeviceID     string
	ImageID      string
	BuildID      string
	BatchID      string
	FilePath     string
	ImageType    string
	Firmwareless bool

	// TUI flags
	Inline bool // Run TUI inline (no alt-screen) for monitor command
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	taskDefaults := tasks.DefaultConfig()
	return Config{
		S3Bucket:         s3.DefaultConfig().Bucket,
		S3Region:         s3.DefaultConfig().Region,
		DBPath:           database.DefaultConfig().Path,
		QueueDBPath:      "/var/lib/fleetflash/jobs.db",
		LocalDir:         "/var/lib/fleetflash/images",
		Workers:          taskDefaults.Workers,
		MaxConcurrent:    taskDefaults.MaxConcurrent,
		OperationTimeout: taskDefaults.OperationTimeout,
		MaxRetries:       taskDefaults.MaxRetries,
		MetricsAddr:      ":9100",
		LogLevel:         "info",
	}
}

var (
	// Global logger
	log = logrus.New()

	// Command flags
	upgradeDeviceCmd = flag.NewFlagSet("upgrade-device", flag.ExitOnError)
	batchUpgradeCmd  = flag.NewFlagSet("batch-upgrade", flag.ExitOnError)
	dryRunCmd        = flag.NewFlagSet("dry-run", flag.ExitOnError)
	importImageCmd   = flag.NewFlagSet("import-image", flag.ExitOnError)
	listOpsCmd       = flag.NewFlagSet("list-operations", flag.ExitOnError)
	monitorCmd       = flag.NewFlagSet("monitor", flag.ExitOnError)
	daemonCmd        = flag.NewFlagSet("daemon", flag.ExitOnError)
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	config := DefaultConfig()

	switch os.Args[1] {
	case "upgrade-device":
		parseUpgradeDeviceFlags(&config, upgradeDeviceCmd, os.Args[2:])
		if err := runUpgradeDevice(config); err != nil {
			log.WithError(err).Fatal("failed to upgrade device")
		}
	case "batch-upgrade":
		parseBatchUpgradeFlags(&config, batchUpgradeCmd, os.Args[2:])
		if err := runBatchUpgrade(config); err != nil {
			log.WithError(err).Fatal("batch upgrade failed")
		}
	case "dry-run":
		parseDryRunFlags(&config, dryRunCmd, os.Args[2:])
		if err := runDryRun(config); err != nil {
			log.WithError(err).Fatal("dry run failed")
		}
	case "import-image":
		parseImportImageFlags(&config, importImageCmd, os.Args[2:])
		if err := runImportImage(config); err != nil {
			log.WithError(err).Fatal("failed to import image")
		}
	case "list-operations":
		parseListOpsFlags(&config, listOpsCmd, os.Args[2:])
		if err := runListOperations(config); err != nil {
			log.WithError(err).Fatal("failed to list operations")
		}
	case "monitor":
		parseMonitorFlags(&config, monitorCmd, os.Args[2:])
		if err := runMonitor(config); err != nil {
			log.WithError(err).Fatal("monitor failed")
		}
	case "daemon":
		parseDaemonFlags(&config, daemonCmd, os.Args[2:])
		if err := runDaemon(config); err != nil {
			log.WithError(err).Fatal("daemon failed")
		}
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("FleetFlash Firmware Upgrade Orchestrator")
	fmt.Println()
	fmt.Println("Usage: fleetflash <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  upgrade-device    Assign a firmware image to a device and flash it")
	fmt.Println("  batch-upgrade     Roll out a build to every eligible device")
	fmt.Println("  dry-run           Preview which devices a rollout would touch")
	fmt.Println("  import-image      Import a firmware binary into a build")
	fmt.Println("  list-operations   List upgrade operations for a device or batch")
	fmt.Println("  monitor           Interactive TUI for watching a batch upgrade")
	fmt.Println("  daemon            Run the job queue worker with a metrics endpoint")
	fmt.Println()
	fmt.Println("Run 'fleetflash <command> --help' for more information on a command.")
}

// addCommonFlags registers the flags every subcommand shares.
func addCommonFlags(cfg *Config, fs *flag.FlagSet) {
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Database path")
	fs.StringVar(&cfg.QueueDBPath, "queue-db", cfg.QueueDBPath, "Job queue database path")
	fs.StringVar(&cfg.LocalDir, "local-dir", cfg.LocalDir, "Local image storage directory")
	fs.StringVar(&cfg.HardwareDir, "hardware-dir", cfg.HardwareDir, "Hardware support map directory (built-in map if empty)")
	fs.StringVar(&cfg.S3Bucket, "bucket", cfg.S3Bucket, "S3 bucket name")
	fs.StringVar(&cfg.S3Region, "region", cfg.S3Region, "S3 region")
	fs.BoolVar(&cfg.LocalOnly, "local-only", false, "Disable the S3 origin (locally imported images only)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
}

// parseUpgradeDeviceFlags parses flags for the upgrade-device command.
func parseUpgradeDeviceFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.DeviceID, "device", "", "Device ID (required)")
	fs.StringVar(&cfg.ImageID, "image", "", "Firmware image ID (required)")
	fs.DurationVar(&cfg.OperationTimeout, "timeout", cfg.OperationTimeout, "Per-operation timeout")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Retry budget for recoverable failures")
	addCommonFlags(cfg, fs)
	fs.Parse(args)

	if cfg.DeviceID == "" || cfg.ImageID == "" {
		fmt.Println("Error: --device and --image are required")
		fs.Usage()
		os.Exit(1)
	}
}

// parseBatchUpgradeFlags parses flags for the batch-upgrade command.
func parseBatchUpgradeFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.BuildID, "build", "", "Build ID to roll out (required)")
	fs.BoolVar(&cfg.Firmwareless, "firmwareless", false, "Include devices without a firmware record")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Worker pool size")
	fs.IntVar(&cfg.MaxConcurrent, "max-concurrent", cfg.MaxConcurrent, "Maximum concurrent device flashes")
	fs.DurationVar(&cfg.OperationTimeout, "timeout", cfg.OperationTimeout, "Per-operation timeout")
	addCommonFlags(cfg, fs)
	fs.Parse(args)

	if cfg.BuildID == "" {
		fmt.Println("Error: --build is required")
		fs.Usage()
		os.Exit(1)
	}
}

// parseDryRunFlags parses flags for the dry-run command.
func parseDryRunFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.BuildID, "build", "", "Build ID to preview (required)")
	fs.BoolVar(&cfg.Firmwareless, "firmwareless", false, "Include devices without a firmware record")
	addCommonFlags(cfg, fs)
	fs.Parse(args)

	if cfg.BuildID == "" {
		fmt.Println("Error: --build is required")
		fs.Usage()
		os.Exit(1)
	}
}

// parseImportImageFlags parses flags for the import-image command.
func parseImportImageFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.BuildID, "build", "", "Build ID the image belongs to (required)")
	fs.StringVar(&cfg.FilePath, "file", "", "Path to the firmware binary (required)")
	fs.StringVar(&cfg.ImageType, "type", "", "Image type (auto-detected from the filename if empty)")
	addCommonFlags(cfg, fs)
	fs.Parse(args)

	if cfg.BuildID == "" || cfg.FilePath == "" {
		fmt.Println("Error: --build and --file are required")
		fs.Usage()
		os.Exit(1)
	}
}

// parseListOpsFlags parses flags for the list-operations command.
func parseListOpsFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.DeviceID, "device", "", "List operations for this device")
	fs.StringVar(&cfg.BatchID, "batch", "", "List operations for this batch")
	addCommonFlags(cfg, fs)
	fs.Parse(args)

	if (cfg.DeviceID == "") == (cfg.BatchID == "") {
		fmt.Println("Error: exactly one of --device or --batch is required")
		fs.Usage()
		os.Exit(1)
	}
}

// parseMonitorFlags parses flags for the monitor command.
func parseMonitorFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.BatchID, "batch", "", "Batch ID to watch (required)")
	fs.BoolVar(&cfg.Inline, "inline", false, "Run inline (no alt-screen, for SSH/scripting)")
	addCommonFlags(cfg, fs)
	fs.Parse(args)

	if cfg.BatchID == "" {
		fmt.Println("Error: --batch is required")
		fs.Usage()
		os.Exit(1)
	}
}

// parseDaemonFlags parses flags for the daemon command.
func parseDaemonFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Worker pool size")
	fs.IntVar(&cfg.MaxConcurrent, "max-concurrent", cfg.MaxConcurrent, "Maximum concurrent device flashes")
	fs.DurationVar(&cfg.OperationTimeout, "timeout", cfg.OperationTimeout, "Per-operation timeout")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Retry budget for recoverable failures")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address (empty to disable)")
	addCommonFlags(cfg, fs)
	fs.Parse(args)
}

// setupLogger configures the global logger.
func setupLogger(level string) error {
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)

	return nil
}

// dependencies holds the wired application components.
type dependencies struct {
	db          *database.DB
	hw          *hardware.Map
	images      *s3.ImageStore
	coordinator *batch.Coordinator
	runner      *tasks.Runner
	queue       *tasks.Queue
	metrics     *perf.Metrics
}

// Close releases all resources.
func (d *dependencies) Close() {
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			log.WithError(err).Warn("failed to close job queue")
		}
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			log.WithError(err).Warn("failed to close database")
		}
	}
}

// scheduler defers job submission to the runner. The coordinator and the
// runner reference each other, so the coordinator gets this indirection and
// the runner is attached after construction.
type scheduler struct {
	r *tasks.Runner
}

func (s *scheduler) EnqueueUpgradeOperation(ctx context.Context, operationID string) error {
	return s.r.EnqueueUpgradeOperation(ctx, operationID)
}

func (s *scheduler) EnqueueBatchUpgrade(ctx context.Context, batchID string, firmwareless bool) error {
	return s.r.EnqueueBatchUpgrade(ctx, batchID, firmwareless)
}

// initializeDependencies wires the database, image store, upgrade driver,
// batch coordinator and job runner together.
func initializeDependencies(ctx context.Context, cfg Config, withMetrics bool) (*dependencies, error) {
	db, err := database.New(database.Config{
		Path:            cfg.DBPath,
		MaxOpenConns:    database.DefaultConfig().MaxOpenConns,
		MaxIdleConns:    database.DefaultConfig().MaxIdleConns,
		ConnMaxLifetime: database.DefaultConfig().ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	hw, err := hardware.Load(cfg.HardwareDir)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load hardware support map: %w", err)
	}

	var fetcher s3.Fetcher
	if !cfg.LocalOnly {
		client, err := s3.New(ctx, s3.Config{
			Region:      cfg.S3Region,
			Bucket:      cfg.S3Bucket,
			MaxFileSize: s3.DefaultConfig().MaxFileSize,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		client.SetLogger(log)
		fetcher = client
	}
	images := s3.NewImageStore(fetcher, cfg.LocalDir, log)

	queue, err := tasks.OpenQueue(cfg.QueueDBPath, log)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open job queue (is another fleetflash process running?): %w", err)
	}

	sched := &scheduler{}
	coordinator := batch.New(db, hw, sched, log)
	driver := upgrade.New(db, images, coordinator, log)

	taskCfg := tasks.DefaultConfig()
	taskCfg.Workers = cfg.Workers
	taskCfg.MaxConcurrent = cfg.MaxConcurrent
	taskCfg.OperationTimeout = cfg.OperationTimeout
	taskCfg.MaxRetries = cfg.MaxRetries

	runner := tasks.New(taskCfg, queue, driver, coordinator, db, hw, log)
	sched.r = runner

	// Refuse new flashes when the store is unreachable or the image
	// cache is out of disk.
	health := safeguards.NewSystemHealthChecker(cfg.LocalDir, db.Ping, log)
	runner.SetGuard(safeguards.NewOperationGuard(safeguards.GuardConfig{
		MaxConcurrent:   taskCfg.MaxConcurrent,
		Logger:          log,
		HealthCheckFunc: health.CheckAll,
	}))

	deps := &dependencies{
		db:          db,
		hw:          hw,
		images:      images,
		coordinator: coordinator,
		runner:      runner,
		queue:       queue,
	}

	if withMetrics {
		deps.metrics = perf.NewMetrics(prometheus.DefaultRegisterer)
		driver.SetMetrics(deps.metrics)
		runner.SetMetrics(deps.metrics)
		coordinator.SetMetrics(deps.metrics)
	}

	return deps, nil
}

// runWorkersUntil runs the worker pool until done reports true or the
// context is cancelled. Used by the one-shot commands that execute their
// queued work in-process.
func runWorkersUntil(ctx context.Context, runner *tasks.Runner, done func(context.Context) (bool, error)) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		runner.Run(runCtx)
		close(stopped)
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			<-stopped
			return ctx.Err()
		case <-ticker.C:
			finished, err := done(ctx)
			if err != nil {
				cancel()
				<-stopped
				return err
			}
			if finished {
				cancel()
				<-stopped
				return nil
			}
		}
	}
}

// runUpgradeDevice assigns an image to a device and flashes it in-process.
func runUpgradeDevice(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps, err := initializeDependencies(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer deps.Close()

	img, err := deps.db.GetFirmwareImage(ctx, cfg.ImageID)
	if err != nil {
		return fmt.Errorf("failed to load image: %w", err)
	}
	boards, ok := deps.hw.Boards(img.Type)
	if !ok {
		return fmt.Errorf("image type %q is not in the hardware support map", img.Type)
	}

	_, op, err := deps.db.AssignImage(ctx, database.AssignImageParams{
		DeviceID: cfg.DeviceID,
		ImageID:  img.ID,
		Boards:   boards,
	})
	if err != nil {
		return fmt.Errorf("failed to assign image: %w", err)
	}
	if op == nil {
		fmt.Println("Device already runs this image, nothing to do.")
		return nil
	}

	if err := deps.runner.EnqueueUpgradeOperation(ctx, op.ID); err != nil {
		return fmt.Errorf("failed to enqueue operation: %w", err)
	}

	log.WithFields(logrus.Fields{
		"operation_id": op.ID,
		"device_id":    cfg.DeviceID,
		"image_id":     img.ID,
	}).Info("upgrade operation started")

	err = runWorkersUntil(ctx, deps.runner, func(ctx context.Context) (bool, error) {
		current, err := deps.db.GetUpgradeOperation(ctx, op.ID)
		if err != nil {
			return false, err
		}
		return current.Status.Terminal(), nil
	})
	if err != nil {
		return err
	}

	final, err := deps.db.GetUpgradeOperation(context.Background(), op.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Operation %s finished: %s\n\n", final.ID, final.Status)
	fmt.Println(final.Log)
	if final.Status != fleetflash.StatusSuccess {
		return fmt.Errorf("upgrade %s", final.Status)
	}
	return nil
}

// runBatchUpgrade rolls out a build and waits for the batch to finish.
func runBatchUpgrade(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps, err := initializeDependencies(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer deps.Close()

	b, err := deps.coordinator.BatchUpgrade(ctx, cfg.BuildID, cfg.Firmwareless)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}

	log.WithFields(logrus.Fields{
		"batch_id": b.ID,
		"build_id": cfg.BuildID,
	}).Info("batch upgrade started")

	err = runWorkersUntil(ctx, deps.runner, func(ctx context.Context) (bool, error) {
		report, err := deps.coordinator.Report(ctx, b.ID)
		if err != nil {
			return false, err
		}
		terminal := report.Batch.Status == fleetflash.BatchSuccess ||
			report.Batch.Status == fleetflash.BatchFailed
		return terminal && report.Stats.InProgress == 0, nil
	})
	if err != nil {
		return err
	}

	report, err := deps.coordinator.Report(context.Background(), b.ID)
	if err != nil {
		return err
	}
	printReport(report)
	if report.Batch.Status != fleetflash.BatchSuccess {
		return errors.New("batch finished with failures")
	}
	return nil
}

func printReport(report *batch.Report) {
	fmt.Printf("Batch %s: %s\n", report.Batch.ID, report.Batch.Status)
	fmt.Printf("  Completed: %s\n", report.Progress())
	fmt.Printf("  Success:   %.2f%%\n", report.SuccessRate())
	fmt.Printf("  Failed:    %.2f%%\n", report.FailedRate())
	fmt.Printf("  Aborted:   %.2f%%\n", report.AbortedRate())
}

// runDryRun previews a rollout without writing anything.
func runDryRun(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	ctx := context.Background()

	deps, err := initializeDependencies(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer deps.Close()

	plan, err := deps.coordinator.DryRun(ctx, cfg.BuildID, cfg.Firmwareless)
	if err != nil {
		return fmt.Errorf("dry run failed: %w", err)
	}

	fmt.Printf("Rollout of build %s would touch %d devices:\n\n",
		cfg.BuildID, len(plan.Related)+len(plan.Firmwareless))

	if len(plan.Related) > 0 {
		table := tui.NewTable([]tui.Column{
			{Title: "DEVICE", Width: 30},
			{Title: "MODEL", Width: 26},
			{Title: "CURRENT TYPE", Width: 40},
		})
		for _, df := range plan.Related {
			table.AddRow(tui.Row{df.DeviceID, df.DeviceModel, df.CurrentType})
		}
		fmt.Println("Devices with existing firmware:")
		fmt.Println(table.Render())
	}

	if len(plan.Firmwareless) > 0 {
		table := tui.NewTable([]tui.Column{
			{Title: "DEVICE", Width: 30},
			{Title: "NAME", Width: 26},
			{Title: "MODEL", Width: 26},
		})
		for _, dev := range plan.Firmwareless {
			table.AddRow(tui.Row{dev.ID, dev.Name, dev.Model})
		}
		fmt.Println("Devices without a firmware record:")
		fmt.Println(table.Render())
	}

	return nil
}

// runImportImage imports a firmware binary and auto-provisions matching
// devices.
func runImportImage(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps, err := initializeDependencies(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer deps.Close()

	filename := filepath.Base(cfg.FilePath)
	imageType := cfg.ImageType
	if imageType == "" {
		imageType = hardware.TypeFromFilename(filename)
	}
	if _, ok := deps.hw.Boards(imageType); !ok {
		return fmt.Errorf("image type %q is not in the hardware support map", imageType)
	}

	res, err := deps.images.ImportLocal(ctx, cfg.BuildID, cfg.FilePath)
	if err != nil {
		return fmt.Errorf("failed to import image: %w", err)
	}

	img, err := deps.db.CreateFirmwareImage(ctx, cfg.BuildID, imageType, filename,
		res.LocalPath, res.Checksum, res.SizeBytes)
	if err != nil {
		return fmt.Errorf("failed to record image: %w", err)
	}

	fmt.Printf("Imported image %s\n", img.ID)
	fmt.Printf("  Type:     %s\n", img.Type)
	fmt.Printf("  Path:     %s\n", img.LocalPath)
	fmt.Printf("  Checksum: %s\n", img.Checksum)
	fmt.Printf("  Size:     %s\n", tui.FormatBytes(img.SizeBytes))

	// Provision devices that already report running this image.
	if err := deps.runner.EnqueueAutoCreateAllDeviceFirmwares(ctx, img.ID); err != nil {
		return fmt.Errorf("failed to enqueue auto-provisioning: %w", err)
	}
	return runWorkersUntil(ctx, deps.runner, func(context.Context) (bool, error) {
		n, err := deps.queue.Len()
		if err != nil {
			return false, err
		}
		return n == 0, nil
	})
}

// runListOperations lists upgrade operations for a device or a batch.
func runListOperations(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	ctx := context.Background()

	db, err := database.New(database.Config{Path: cfg.DBPath})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	var ops []*database.UpgradeOperation
	if cfg.DeviceID != "" {
		ops, err = db.ListDeviceOperations(ctx, cfg.DeviceID)
	} else {
		ops, err = db.ListBatchOperations(ctx, cfg.BatchID)
	}
	if err != nil {
		return fmt.Errorf("failed to list operations: %w", err)
	}

	fmt.Print(tui.RenderOperationsTable(ops))
	return nil
}

// runMonitor runs the interactive TUI for watching a batch upgrade.
func runMonitor(cfg Config) error {
	// Suppress log output to avoid mixing with TUI
	log.SetOutput(io.Discard)
	stdlog.SetOutput(io.Discard)

	db, err := database.New(database.Config{Path: cfg.DBPath})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	hw, err := hardware.Load(cfg.HardwareDir)
	if err != nil {
		return fmt.Errorf("failed to load hardware support map: %w", err)
	}

	// Read-only view; no scheduler needed.
	coordinator := batch.New(db, hw, nil, log)
	model := tui.NewMonitor(coordinator, db, cfg.BatchID)

	var p *tea.Program
	if cfg.Inline {
		p = tea.NewProgram(model)
	} else {
		p = tea.NewProgram(model, tea.WithAltScreen())
	}

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("failed to run monitor: %w", err)
	}
	return model.Err()
}

// runDaemon runs the job queue worker pool until interrupted.
func runDaemon(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log.Info("starting daemon")

	if err := acquireDaemonLock(filepath.Dir(cfg.QueueDBPath)); err != nil {
		return err
	}
	defer releaseDaemonLock(filepath.Dir(cfg.QueueDBPath))

	deps, err := initializeDependencies(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer deps.Close()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.WithField("addr", cfg.MetricsAddr).Info("serving prometheus metrics")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server failed")
			}
		}()
	}

	stopped := make(chan struct{})
	go func() {
		deps.runner.Run(ctx)
		close(stopped)
	}()

	log.WithFields(logrus.Fields{
		"workers":  cfg.Workers,
		"queue_db": cfg.QueueDBPath,
	}).Info("daemon started successfully")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.WithField("signal", sig).Info("received shutdown signal")

	cancel()
	<-stopped

	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("failed to shut down metrics server")
		}
	}

	log.Info("shutdown complete")
	return nil
}

// lockFileInfo contains metadata written to the daemon lock file.
type lockFileInfo struct {
	PID       int   `json:"pid"`
	Timestamp int64 `json:"timestamp"`
}

// acquireDaemonLock prevents two daemons from competing for the job queue.
// O_EXCL keeps acquisition atomic; a lock left by a dead process is removed
// and acquisition retried.
func acquireDaemonLock(dir string) error {
	lockPath := filepath.Join(dir, "fleetflash-daemon.lock")

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	info := lockFileInfo{PID: os.Getpid(), Timestamp: time.Now().Unix()}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock file info: %w", err)
	}

	file, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			existingData, readErr := os.ReadFile(lockPath)
			if readErr == nil {
				var existing lockFileInfo
				if json.Unmarshal(existingData, &existing) == nil && !isProcessRunning(existing.PID) {
					log.WithFields(logrus.Fields{
						"stale_pid": existing.PID,
						"lock_path": lockPath,
					}).Warn("removing stale lock file from dead process")
					if removeErr := os.Remove(lockPath); removeErr != nil {
						return fmt.Errorf("failed to remove stale lock file: %w", removeErr)
					}
					return acquireDaemonLock(dir)
				}
			}
			return fmt.Errorf("another fleetflash daemon is running (lock file at %s)", lockPath)
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(lockPath)
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(lockPath)
		return fmt.Errorf("failed to close lock file: %w", err)
	}

	log.WithFields(logrus.Fields{
		"lock_path": lockPath,
		"pid":       info.PID,
	}).Info("acquired daemon lock")

	return nil
}

// releaseDaemonLock removes the lock file on shutdown.
func releaseDaemonLock(dir string) {
	lockPath := filepath.Join(dir, "fleetflash-daemon.lock")
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("failed to remove lock file")
	}
}

// isProcessRunning checks if a process with the given PID is still running.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness.
	err = process.Signal(syscall.Signal(0))
	return err == nil
}
