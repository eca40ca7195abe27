package batch

import (
	"context"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"

	fleetflash "github.com/fleetflash/fleetflash"
	"github.com/fleetflash/fleetflash/database"
	"github.com/fleetflash/fleetflash/hardware"
)

const imageType = "ath79-generic-tplink_archer-c7-v2-squashfs-sysupgrade.bin"

type fakeStore struct {
	batch        *database.BatchUpgradeOperation
	build        *database.Build
	category     *database.Category
	images       []*database.FirmwareImage
	related      []*database.EligibleDeviceFirmware
	firmwareless []*database.Device
	stats        *database.BatchStats

	assigned      []database.AssignImageParams
	statusChanges []fleetflash.BatchStatus
	// assignments yielding no operation (already installed)
	noOpDevices map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		batch:    &database.BatchUpgradeOperation{ID: "batch_1", BuildID: "build_2", Status: fleetflash.BatchIdle},
		build:    &database.Build{ID: "build_2", CategoryID: "cat_1", Version: "2.0"},
		category: &database.Category{ID: "cat_1", Name: "Routers", Organization: "acme"},
		images: []*database.FirmwareImage{{
			ID:      "img_2",
			BuildID: "build_2",
			Type:    imageType,
		}},
		stats:       &database.BatchStats{},
		noOpDevices: map[string]bool{},
	}
}

func (s *fakeStore) GetBatch(ctx context.Context, id string) (*database.BatchUpgradeOperation, error) {
	return s.batch, nil
}

func (s *fakeStore) GetBuild(ctx context.Context, id string) (*database.Build, error) {
	return s.build, nil
}

func (s *fakeStore) GetCategory(ctx context.Context, id string) (*database.Category, error) {
	return s.category, nil
}

func (s *fakeStore) ListBuildImages(ctx context.Context, buildID string) ([]*database.FirmwareImage, error) {
	return s.images, nil
}

func (s *fakeStore) FindRelatedDeviceFirmwares(ctx context.Context, buildID string) ([]*database.EligibleDeviceFirmware, error) {
	return s.related, nil
}

func (s *fakeStore) FindFirmwarelessDevices(ctx context.Context, organization string, boards []string) ([]*database.Device, error) {
	return s.firmwareless, nil
}

func (s *fakeStore) AssignImage(ctx context.Context, p database.AssignImageParams) (*database.DeviceFirmware, *database.UpgradeOperation, error) {
	s.assigned = append(s.assigned, p)
	if s.noOpDevices[p.DeviceID] {
		return &database.DeviceFirmware{DeviceID: p.DeviceID, ImageID: p.ImageID, Installed: true}, nil, nil
	}
	op := &database.UpgradeOperation{
		ID:       fmt.Sprintf("op_%d", len(s.assigned)),
		DeviceID: p.DeviceID,
		ImageID:  p.ImageID,
		BatchID:  p.BatchID,
		Status:   fleetflash.StatusInProgress,
	}
	return &database.DeviceFirmware{DeviceID: p.DeviceID, ImageID: p.ImageID}, op, nil
}

func (s *fakeStore) CreateBatch(ctx context.Context, buildID string, dryRun bool) (*database.BatchUpgradeOperation, error) {
	s.batch = &database.BatchUpgradeOperation{ID: "batch_1", BuildID: buildID, Status: fleetflash.BatchIdle, DryRun: dryRun}
	return s.batch, nil
}

func (s *fakeStore) SetBatchStatus(ctx context.Context, id string, status fleetflash.BatchStatus) error {
	s.statusChanges = append(s.statusChanges, status)
	s.batch.Status = status
	return nil
}

func (s *fakeStore) BatchOperationStats(ctx context.Context, batchID string) (*database.BatchStats, error) {
	return s.stats, nil
}

type fakeScheduler struct {
	operations []string
	batches    []string
}

func (s *fakeScheduler) EnqueueUpgradeOperation(ctx context.Context, operationID string) error {
	s.operations = append(s.operations, operationID)
	return nil
}

func (s *fakeScheduler) EnqueueBatchUpgrade(ctx context.Context, batchID string, firmwareless bool) error {
	s.batches = append(s.batches, batchID)
	return nil
}

func testCoordinator(t *testing.T, store *fakeStore, sched *fakeScheduler) *Coordinator {
	t.Helper()
	hw, err := hardware.Load("")
	if err != nil {
		t.Fatalf("Failed to load hardware map: %v", err)
	}
	return New(store, hw, sched, logrus.New().WithField("test", true))
}

func TestRun_UpgradesRelatedDevices(t *testing.T) {
	store := newFakeStore()
	store.related = []*database.EligibleDeviceFirmware{
		{DeviceFirmware: database.DeviceFirmware{DeviceID: "dev_1", ImageID: "img_old"}, CurrentType: imageType},
		{DeviceFirmware: database.DeviceFirmware{DeviceID: "dev_2", ImageID: "img_old"}, CurrentType: "x86-64"},
	}
	// A device stays in-progress, so the aggregate is left alone at the end.
	store.stats = &database.BatchStats{Total: 1, InProgress: 1}
	sched := &fakeScheduler{}
	c := testCoordinator(t, store, sched)

	if err := c.Run(context.Background(), "batch_1", false); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// dev_2's current type has no image in the new build: skipped.
	if len(store.assigned) != 1 {
		t.Fatalf("Expected 1 assignment, got %d", len(store.assigned))
	}
	if store.assigned[0].DeviceID != "dev_1" || store.assigned[0].ImageID != "img_2" {
		t.Errorf("Unexpected assignment %+v", store.assigned[0])
	}
	if store.assigned[0].BatchID != "batch_1" {
		t.Errorf("Expected assignment tagged with batch, got %q", store.assigned[0].BatchID)
	}
	if len(sched.operations) != 1 {
		t.Errorf("Expected 1 scheduled operation, got %v", sched.operations)
	}
	if store.batch.Status != fleetflash.BatchInProgress {
		t.Errorf("Expected batch in-progress, got %s", store.batch.Status)
	}
}

func TestRun_IncludesFirmwarelessDevices(t *testing.T) {
	store := newFakeStore()
	store.firmwareless = []*database.Device{
		{ID: "dev_9", Model: "TP-Link Archer C7 v2"},
	}
	store.stats = &database.BatchStats{Total: 1, InProgress: 1}
	sched := &fakeScheduler{}
	c := testCoordinator(t, store, sched)

	if err := c.Run(context.Background(), "batch_1", true); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(store.assigned) != 1 || store.assigned[0].DeviceID != "dev_9" {
		t.Fatalf("Expected firmwareless device assigned, got %+v", store.assigned)
	}
	if len(sched.operations) != 1 {
		t.Errorf("Expected 1 scheduled operation, got %v", sched.operations)
	}
}

func TestRun_EmptyRolloutCompletesImmediately(t *testing.T) {
	store := newFakeStore()
	store.stats = &database.BatchStats{}
	sched := &fakeScheduler{}
	c := testCoordinator(t, store, sched)

	if err := c.Run(context.Background(), "batch_1", false); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if store.batch.Status != fleetflash.BatchSuccess {
		t.Errorf("Expected empty rollout to finish as success, got %s", store.batch.Status)
	}
}

func TestRun_SkipsAlreadyInstalledAssignments(t *testing.T) {
	store := newFakeStore()
	store.related = []*database.EligibleDeviceFirmware{
		{DeviceFirmware: database.DeviceFirmware{DeviceID: "dev_1"}, CurrentType: imageType},
	}
	store.noOpDevices["dev_1"] = true
	store.stats = &database.BatchStats{}
	sched := &fakeScheduler{}
	c := testCoordinator(t, store, sched)

	if err := c.Run(context.Background(), "batch_1", false); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(sched.operations) != 0 {
		t.Errorf("Expected no scheduled operations, got %v", sched.operations)
	}
}

func TestRun_RefusesDryRunBatch(t *testing.T) {
	store := newFakeStore()
	store.batch.DryRun = true
	c := testCoordinator(t, store, &fakeScheduler{})

	if err := c.Run(context.Background(), "batch_1", false); err == nil {
		t.Fatal("Expected error for dry-run batch")
	}
}

func TestRefreshBatchStatus(t *testing.T) {
	tests := []struct {
		name   string
		stats  database.BatchStats
		expect []fleetflash.BatchStatus
	}{
		{"in progress untouched", database.BatchStats{Total: 3, InProgress: 1, Success: 2}, nil},
		{"any failure means failed", database.BatchStats{Total: 3, Failed: 1, Success: 2}, []fleetflash.BatchStatus{fleetflash.BatchFailed}},
		{"aborted only is success", database.BatchStats{Total: 2, Success: 1, Aborted: 1}, []fleetflash.BatchStatus{fleetflash.BatchSuccess}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.stats = &tt.stats
			c := testCoordinator(t, store, &fakeScheduler{})
			if err := c.RefreshBatchStatus(context.Background(), "batch_1"); err != nil {
				t.Fatalf("RefreshBatchStatus failed: %v", err)
			}
			if len(store.statusChanges) != len(tt.expect) {
				t.Fatalf("Expected %d status writes, got %v", len(tt.expect), store.statusChanges)
			}
			for i, want := range tt.expect {
				if store.statusChanges[i] != want {
					t.Errorf("Expected status %s, got %s", want, store.statusChanges[i])
				}
			}
		})
	}
}

func TestDryRun(t *testing.T) {
	store := newFakeStore()
	store.related = []*database.EligibleDeviceFirmware{
		{DeviceFirmware: database.DeviceFirmware{DeviceID: "dev_1"}, CurrentType: imageType},
	}
	store.firmwareless = []*database.Device{{ID: "dev_9", Model: "TP-Link Archer C7 v2"}}
	c := testCoordinator(t, store, &fakeScheduler{})

	plan, err := c.DryRun(context.Background(), "build_2", true)
	if err != nil {
		t.Fatalf("DryRun failed: %v", err)
	}
	if len(plan.Related) != 1 || len(plan.Firmwareless) != 1 {
		t.Errorf("Unexpected plan: %d related, %d firmwareless", len(plan.Related), len(plan.Firmwareless))
	}
	if len(store.assigned) != 0 || len(store.statusChanges) != 0 {
		t.Error("Expected dry run to write nothing")
	}
}

func TestReport_Rates(t *testing.T) {
	store := newFakeStore()
	store.stats = &database.BatchStats{Total: 3, Success: 1, Failed: 1, Aborted: 1}
	c := testCoordinator(t, store, &fakeScheduler{})

	report, err := c.Report(context.Background(), "batch_1")
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if got := report.Progress(); got != "3 out of 3" {
		t.Errorf("Expected progress \"3 out of 3\", got %q", got)
	}
	if got := report.SuccessRate(); got != 33.33 {
		t.Errorf("Expected success rate 33.33, got %v", got)
	}
	if got := report.FailedRate(); got != 33.33 {
		t.Errorf("Expected failed rate 33.33, got %v", got)
	}
}

func TestReport_ZeroOperations(t *testing.T) {
	store := newFakeStore()
	store.stats = &database.BatchStats{}
	c := testCoordinator(t, store, &fakeScheduler{})

	report, err := c.Report(context.Background(), "batch_1")
	if err != nil {
		t.Fatalf("Report failed: %v", err)
	}
	if got := report.SuccessRate(); got != 0 {
		t.Errorf("Expected zero rate for empty batch, got %v", got)
	}
	if got := report.Progress(); got != "0 out of 0" {
		t.Errorf("Expected progress \"0 out of 0\", got %q", got)
	}
}

func TestBatchUpgrade_CreatesAndEnqueues(t *testing.T) {
	store := newFakeStore()
	sched := &fakeScheduler{}
	c := testCoordinator(t, store, sched)

	batch, err := c.BatchUpgrade(context.Background(), "build_2", true)
	if err != nil {
		t.Fatalf("BatchUpgrade failed: %v", err)
	}
	if batch.DryRun {
		t.Error("Expected a real batch, got dry run")
	}
	if len(sched.batches) != 1 || sched.batches[0] != batch.ID {
		t.Errorf("Expected batch enqueued, got %v", sched.batches)
	}
}
