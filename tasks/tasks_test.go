package tasks

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	fleetflash "github.com/fleetflash/fleetflash"
	"github.com/fleetflash/fleetflash/database"
	"github.com/fleetflash/fleetflash/hardware"
	"github.com/fleetflash/fleetflash/upgrader"
)

const testImageType = "ath79-generic-tplink_archer-c7-v2-squashfs-sysupgrade.bin"

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := OpenQueue(filepath.Join(t.TempDir(), "jobs.db"), logrus.New())
	if err != nil {
		t.Fatalf("Failed to open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestQueue_ClaimOrdersByDueTime(t *testing.T) {
	q := newTestQueue(t)
	now := time.Now().UTC()

	late := &Job{Kind: KindUpgradeOperation, OperationID: "op_late", RunAt: now.Add(time.Second)}
	early := &Job{Kind: KindUpgradeOperation, OperationID: "op_early", RunAt: now.Add(-time.Second)}
	if err := q.Enqueue(late); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if err := q.Enqueue(early); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	job, err := q.Claim(now)
	if err != nil {
		t.Fatalf("Failed to claim: %v", err)
	}
	if job == nil || job.OperationID != "op_early" {
		t.Fatalf("Expected op_early, got %+v", job)
	}
	// The future job is not due yet; the claimed one is held.
	if next, _ := q.Claim(now); next != nil {
		t.Fatalf("Expected no claimable job, got %+v", next)
	}
	if next, _ := q.Claim(now.Add(2 * time.Second)); next == nil || next.OperationID != "op_late" {
		t.Fatalf("Expected op_late once due, got %+v", next)
	}
}

func TestQueue_AckRemoves(t *testing.T) {
	q := newTestQueue(t)
	job := &Job{Kind: KindBatchUpgrade, BatchID: "batch_1"}
	if err := q.Enqueue(job); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	claimed, err := q.Claim(time.Now().UTC())
	if err != nil || claimed == nil {
		t.Fatalf("Failed to claim: %v %v", claimed, err)
	}
	if err := q.Ack(claimed); err != nil {
		t.Fatalf("Failed to ack: %v", err)
	}
	if n, _ := q.Len(); n != 0 {
		t.Errorf("Expected empty queue, got %d jobs", n)
	}
}

func TestQueue_NackDelaysAndCountsAttempt(t *testing.T) {
	q := newTestQueue(t)
	job := &Job{Kind: KindUpgradeOperation, OperationID: "op_1"}
	if err := q.Enqueue(job); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	claimed, _ := q.Claim(time.Now().UTC())
	if claimed == nil {
		t.Fatal("Expected a claimable job")
	}
	if err := q.Nack(claimed, time.Minute); err != nil {
		t.Fatalf("Failed to nack: %v", err)
	}
	if next, _ := q.Claim(time.Now().UTC()); next != nil {
		t.Fatalf("Expected job to be delayed, got %+v", next)
	}
	next, _ := q.Claim(time.Now().UTC().Add(2 * time.Minute))
	if next == nil {
		t.Fatal("Expected delayed job to become due")
	}
	if next.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", next.Attempts)
	}
}

type fakeDriver struct {
	errs        []error
	calls       int
	recoverable []bool
	block       time.Duration
}

func (d *fakeDriver) Perform(ctx context.Context, operationID string, recoverable bool) error {
	d.calls++
	d.recoverable = append(d.recoverable, recoverable)
	if d.block > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.block):
		}
	}
	if d.calls <= len(d.errs) {
		return d.errs[d.calls-1]
	}
	return nil
}

type fakeBatchRunner struct {
	calls int
	err   error
	block time.Duration
}

func (b *fakeBatchRunner) Run(ctx context.Context, batchID string, firmwareless bool) error {
	b.calls++
	if b.block > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.block):
		}
	}
	return b.err
}

type fakeTaskStore struct {
	op       *database.UpgradeOperation
	device   *database.Device
	image    *database.FirmwareImage
	build    *database.Build
	category *database.Category
	devices  []*database.Device
	// firmware records keyed by device ID
	firmwares map[string]*database.DeviceFirmware

	opStatuses    []fleetflash.OperationStatus
	opLogLines    []string
	batchStatuses []fleetflash.BatchStatus
	assigned      []database.AssignImageParams
	assignErr     error
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{firmwares: map[string]*database.DeviceFirmware{}}
}

func (s *fakeTaskStore) GetUpgradeOperation(ctx context.Context, id string) (*database.UpgradeOperation, error) {
	if s.op == nil {
		return nil, database.ErrNotFound
	}
	return s.op, nil
}

func (s *fakeTaskStore) SetOperationStatus(ctx context.Context, id string, status fleetflash.OperationStatus, logLine string) error {
	s.opStatuses = append(s.opStatuses, status)
	if logLine != "" {
		s.opLogLines = append(s.opLogLines, logLine)
	}
	if s.op != nil {
		s.op.Status = status
	}
	return nil
}

func (s *fakeTaskStore) SetBatchStatus(ctx context.Context, id string, status fleetflash.BatchStatus) error {
	s.batchStatuses = append(s.batchStatuses, status)
	return nil
}

func (s *fakeTaskStore) GetDevice(ctx context.Context, id string) (*database.Device, error) {
	if s.device == nil {
		return nil, database.ErrNotFound
	}
	return s.device, nil
}

func (s *fakeTaskStore) GetFirmwareImage(ctx context.Context, id string) (*database.FirmwareImage, error) {
	if s.image == nil {
		return nil, database.ErrNotFound
	}
	return s.image, nil
}

func (s *fakeTaskStore) GetBuild(ctx context.Context, id string) (*database.Build, error) {
	if s.build == nil {
		return nil, database.ErrNotFound
	}
	return s.build, nil
}

func (s *fakeTaskStore) GetCategory(ctx context.Context, id string) (*database.Category, error) {
	if s.category == nil {
		return nil, database.ErrNotFound
	}
	return s.category, nil
}

func (s *fakeTaskStore) FindBuildByOS(ctx context.Context, organization, os string) (*database.Build, error) {
	if s.build == nil || s.build.OS != os {
		return nil, database.ErrNotFound
	}
	return s.build, nil
}

func (s *fakeTaskStore) ListBuildImages(ctx context.Context, buildID string) ([]*database.FirmwareImage, error) {
	if s.image == nil {
		return nil, nil
	}
	return []*database.FirmwareImage{s.image}, nil
}

func (s *fakeTaskStore) ListDevicesByOS(ctx context.Context, organization, os string) ([]*database.Device, error) {
	return s.devices, nil
}

func (s *fakeTaskStore) DeviceFirmwareForDevice(ctx context.Context, deviceID string) (*database.DeviceFirmware, error) {
	if fw, ok := s.firmwares[deviceID]; ok {
		return fw, nil
	}
	return nil, database.ErrNotFound
}

func (s *fakeTaskStore) AssignImage(ctx context.Context, p database.AssignImageParams) (*database.DeviceFirmware, *database.UpgradeOperation, error) {
	if s.assignErr != nil {
		return nil, nil, s.assignErr
	}
	s.assigned = append(s.assigned, p)
	fw := &database.DeviceFirmware{DeviceID: p.DeviceID, ImageID: p.ImageID, Installed: p.Installed}
	s.firmwares[p.DeviceID] = fw
	return fw, nil, nil
}

func newTestRunner(t *testing.T, cfg Config, driver Driver, batches BatchRunner, store Store) *Runner {
	t.Helper()
	hw, err := hardware.Load("")
	if err != nil {
		t.Fatalf("Failed to load hardware map: %v", err)
	}
	q := newTestQueue(t)
	return New(cfg, q, driver, batches, store, hw, logrus.New().WithField("test", true))
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 10 * time.Millisecond
	return cfg
}

func TestExecute_RecoverableFailureReschedules(t *testing.T) {
	driver := &fakeDriver{errs: []error{upgrader.Recoverable(errors.New("connection failed"))}}
	r := newTestRunner(t, fastConfig(), driver, &fakeBatchRunner{}, newFakeTaskStore())

	job := &Job{Kind: KindUpgradeOperation, OperationID: "op_1"}
	if err := r.queue.Enqueue(job); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	claimed, _ := r.queue.Claim(time.Now().UTC())
	r.execute(context.Background(), claimed)

	if len(driver.recoverable) != 1 || !driver.recoverable[0] {
		t.Errorf("Expected first attempt flagged recoverable, got %v", driver.recoverable)
	}
	n, _ := r.queue.Len()
	if n != 1 {
		t.Fatalf("Expected job rescheduled, queue has %d jobs", n)
	}
	next, _ := r.queue.Claim(time.Now().UTC().Add(time.Hour))
	if next.Attempts != 1 {
		t.Errorf("Expected 1 recorded attempt, got %d", next.Attempts)
	}
}

func TestExecute_RetryBudgetExhausted(t *testing.T) {
	driver := &fakeDriver{errs: []error{upgrader.Recoverable(errors.New("connection failed"))}}
	cfg := fastConfig()
	cfg.MaxRetries = 2
	r := newTestRunner(t, cfg, driver, &fakeBatchRunner{}, newFakeTaskStore())

	job := &Job{Kind: KindUpgradeOperation, OperationID: "op_1", Attempts: 2}
	if err := r.queue.Enqueue(job); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	claimed, _ := r.queue.Claim(time.Now().UTC())
	r.execute(context.Background(), claimed)

	if len(driver.recoverable) != 1 || driver.recoverable[0] {
		t.Errorf("Expected final attempt flagged non-recoverable, got %v", driver.recoverable)
	}
	if n, _ := r.queue.Len(); n != 0 {
		t.Errorf("Expected job dropped after final attempt, queue has %d jobs", n)
	}
}

func TestExecute_SoftTimeoutFailsOperation(t *testing.T) {
	driver := &fakeDriver{block: time.Second}
	store := newFakeTaskStore()
	cfg := fastConfig()
	cfg.OperationTimeout = 20 * time.Millisecond
	r := newTestRunner(t, cfg, driver, &fakeBatchRunner{}, store)

	job := &Job{Kind: KindUpgradeOperation, OperationID: "op_1"}
	if err := r.queue.Enqueue(job); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	claimed, _ := r.queue.Claim(time.Now().UTC())
	r.execute(context.Background(), claimed)

	if len(store.opStatuses) != 1 || store.opStatuses[0] != fleetflash.StatusFailed {
		t.Fatalf("Expected operation failed, got %v", store.opStatuses)
	}
	if store.opLogLines[0] != "Operation timed out." {
		t.Errorf("Unexpected log line %q", store.opLogLines[0])
	}
	if n, _ := r.queue.Len(); n != 0 {
		t.Errorf("Expected job consumed, queue has %d jobs", n)
	}
}

// A cancelled runner context must leave the claimed job in the queue with
// its attempt count untouched. Acking would strand the operation
// in-progress with no retry path after a restart.
func TestExecute_ShutdownReleasesJob(t *testing.T) {
	driver := &fakeDriver{block: time.Hour}
	store := newFakeTaskStore()
	r := newTestRunner(t, fastConfig(), driver, &fakeBatchRunner{}, store)

	job := &Job{Kind: KindUpgradeOperation, OperationID: "op_1"}
	if err := r.queue.Enqueue(job); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	claimed, _ := r.queue.Claim(time.Now().UTC())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	r.execute(ctx, claimed)

	if len(store.opStatuses) != 0 {
		t.Fatalf("Expected no status written on shutdown, got %v", store.opStatuses)
	}
	if n, _ := r.queue.Len(); n != 1 {
		t.Fatalf("Expected interrupted job kept, queue has %d jobs", n)
	}
	next, err := r.queue.Claim(time.Now().UTC())
	if err != nil || next == nil {
		t.Fatalf("Expected interrupted job re-claimable, got job=%v err=%v", next, err)
	}
	if next.Attempts != 0 {
		t.Errorf("Expected interruption not to count an attempt, got %d", next.Attempts)
	}
}

func TestExecute_BatchSoftTimeoutFailsBatch(t *testing.T) {
	batches := &fakeBatchRunner{block: time.Second}
	store := newFakeTaskStore()
	cfg := fastConfig()
	cfg.OperationTimeout = 20 * time.Millisecond
	r := newTestRunner(t, cfg, &fakeDriver{}, batches, store)

	job := &Job{Kind: KindBatchUpgrade, BatchID: "batch_1"}
	if err := r.queue.Enqueue(job); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	claimed, _ := r.queue.Claim(time.Now().UTC())
	r.execute(context.Background(), claimed)

	if len(store.batchStatuses) != 1 || store.batchStatuses[0] != fleetflash.BatchFailed {
		t.Errorf("Expected batch failed, got %v", store.batchStatuses)
	}
}

func TestExecute_PanicIsContained(t *testing.T) {
	store := newFakeTaskStore()
	r := newTestRunner(t, fastConfig(), &panickyDriver{}, &fakeBatchRunner{}, store)

	job := &Job{Kind: KindUpgradeOperation, OperationID: "op_1"}
	if err := r.queue.Enqueue(job); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	claimed, _ := r.queue.Claim(time.Now().UTC())
	r.execute(context.Background(), claimed)

	if n, _ := r.queue.Len(); n != 0 {
		t.Errorf("Expected job consumed after panic, queue has %d jobs", n)
	}
}

type panickyDriver struct{}

func (panickyDriver) Perform(ctx context.Context, operationID string, recoverable bool) error {
	panic("boom")
}

func TestRetryUpgrade(t *testing.T) {
	store := newFakeTaskStore()
	store.op = &database.UpgradeOperation{ID: "op_1", Status: fleetflash.StatusFailed}
	r := newTestRunner(t, fastConfig(), &fakeDriver{}, &fakeBatchRunner{}, store)

	if err := r.RetryUpgrade(context.Background(), "op_1"); err != nil {
		t.Fatalf("RetryUpgrade failed: %v", err)
	}
	if store.op.Status != fleetflash.StatusInProgress {
		t.Errorf("Expected operation back in progress, got %s", store.op.Status)
	}
	if store.opLogLines[0] != "Retrying upgrade operation..." {
		t.Errorf("Unexpected log line %q", store.opLogLines[0])
	}
	if n, _ := r.queue.Len(); n != 1 {
		t.Errorf("Expected job enqueued, queue has %d jobs", n)
	}
}

func TestRetryUpgrade_RejectsRunningOperation(t *testing.T) {
	store := newFakeTaskStore()
	store.op = &database.UpgradeOperation{ID: "op_1", Status: fleetflash.StatusInProgress}
	r := newTestRunner(t, fastConfig(), &fakeDriver{}, &fakeBatchRunner{}, store)

	if err := r.RetryUpgrade(context.Background(), "op_1"); err == nil {
		t.Fatal("Expected error for in-progress operation")
	}
}

func TestAutoCreateDeviceFirmware(t *testing.T) {
	store := newFakeTaskStore()
	store.device = &database.Device{ID: "dev_1", Organization: "acme", Model: "TP-Link Archer C7 v2", OS: "fleetOS 1.2"}
	store.build = &database.Build{ID: "build_1", CategoryID: "cat_1", OS: "fleetOS 1.2"}
	store.image = &database.FirmwareImage{ID: "img_1", BuildID: "build_1", Type: testImageType}
	r := newTestRunner(t, fastConfig(), &fakeDriver{}, &fakeBatchRunner{}, store)

	if err := r.autoCreateDeviceFirmware(context.Background(), "dev_1"); err != nil {
		t.Fatalf("autoCreateDeviceFirmware failed: %v", err)
	}
	if len(store.assigned) != 1 {
		t.Fatalf("Expected 1 assignment, got %d", len(store.assigned))
	}
	p := store.assigned[0]
	if !p.SkipUpgrade || !p.Installed {
		t.Errorf("Expected provisioning assignment, got %+v", p)
	}

	// Running again is a no-op: the device now has a firmware record.
	if err := r.autoCreateDeviceFirmware(context.Background(), "dev_1"); err != nil {
		t.Fatalf("autoCreateDeviceFirmware failed: %v", err)
	}
	if len(store.assigned) != 1 {
		t.Errorf("Expected idempotent provisioning, got %d assignments", len(store.assigned))
	}
}

func TestAutoCreateDeviceFirmware_NoMatchingBuild(t *testing.T) {
	store := newFakeTaskStore()
	store.device = &database.Device{ID: "dev_1", Organization: "acme", Model: "TP-Link Archer C7 v2", OS: "unknownOS"}
	store.build = &database.Build{ID: "build_1", OS: "fleetOS 1.2"}
	r := newTestRunner(t, fastConfig(), &fakeDriver{}, &fakeBatchRunner{}, store)

	if err := r.autoCreateDeviceFirmware(context.Background(), "dev_1"); err != nil {
		t.Fatalf("autoCreateDeviceFirmware failed: %v", err)
	}
	if len(store.assigned) != 0 {
		t.Errorf("Expected no assignment, got %d", len(store.assigned))
	}
}

func TestAutoCreateAllDeviceFirmwares(t *testing.T) {
	store := newFakeTaskStore()
	store.build = &database.Build{ID: "build_1", CategoryID: "cat_1", OS: "fleetOS 1.2"}
	store.category = &database.Category{ID: "cat_1", Organization: "acme"}
	store.image = &database.FirmwareImage{ID: "img_1", BuildID: "build_1", Type: testImageType}
	store.devices = []*database.Device{
		{ID: "dev_1", Model: "TP-Link Archer C7 v2", OS: "fleetOS 1.2"},
		{ID: "dev_2", Model: "Linksys WRT3200ACM", OS: "fleetOS 1.2"},
		{ID: "dev_3", Model: "TP-Link Archer C7 v2", OS: "fleetOS 1.2"},
	}
	store.firmwares["dev_3"] = &database.DeviceFirmware{DeviceID: "dev_3", ImageID: "img_0"}
	r := newTestRunner(t, fastConfig(), &fakeDriver{}, &fakeBatchRunner{}, store)

	if err := r.autoCreateAllDeviceFirmwares(context.Background(), "img_1"); err != nil {
		t.Fatalf("autoCreateAllDeviceFirmwares failed: %v", err)
	}
	// dev_2's board does not match, dev_3 is already provisioned.
	if len(store.assigned) != 1 || store.assigned[0].DeviceID != "dev_1" {
		t.Fatalf("Expected only dev_1 provisioned, got %+v", store.assigned)
	}
}

func TestRun_ProcessesQueuedJobs(t *testing.T) {
	driver := &fakeDriver{}
	cfg := fastConfig()
	cfg.Workers = 2
	r := newTestRunner(t, cfg, driver, &fakeBatchRunner{}, newFakeTaskStore())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.EnqueueUpgradeOperation(ctx, "op_1"); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if n, _ := r.queue.Len(); n == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Timed out waiting for job to be processed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if driver.calls != 1 {
		t.Errorf("Expected 1 driver call, got %d", driver.calls)
	}
}
