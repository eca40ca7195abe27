package upgrade

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	fleetflash "github.com/fleetflash/fleetflash"
	"github.com/fleetflash/fleetflash/database"
	"github.com/fleetflash/fleetflash/ssh"
	"github.com/fleetflash/fleetflash/upgrader"
)

// scriptedOutcome is what the fake strategy returns from Upgrade.
var scriptedOutcome error

func init() {
	upgrader.Register("fake-strategy", func(deps *upgrader.Dependencies) upgrader.Upgrader {
		return outcomeUpgrader{deps: deps}
	})
}

type outcomeUpgrader struct {
	deps *upgrader.Dependencies
}

func (o outcomeUpgrader) Upgrade(ctx context.Context) error {
	o.deps.Recorder.Log("Connection successful, starting upgrade...", true)
	return scriptedOutcome
}

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu          sync.Mutex
	op          *database.UpgradeOperation
	device      *database.Device
	image       *database.FirmwareImage
	creds       []*database.DeviceCredential
	inProgress  int
	logLines    []string
	installed   *bool
	notWorking  map[string]string
	markWorking []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		op: &database.UpgradeOperation{
			ID:       "op_1",
			DeviceID: "dev_1",
			ImageID:  "img_1",
			Status:   fleetflash.StatusInProgress,
		},
		device: &database.Device{
			ID:        "dev_1",
			Name:      "ap-01",
			Addresses: []string{"10.0.0.5"},
		},
		image: &database.FirmwareImage{
			ID:        "img_1",
			Filename:  "fleet-1.0-sysupgrade.bin",
			Checksum:  "abc123",
			SizeBytes: 4096,
		},
		creds: []*database.DeviceCredential{{
			ID:        "cred_1",
			DeviceID:  "dev_1",
			Strategy:  "fake-strategy",
			Username:  "root",
			Password:  "secret",
			Port:      22,
			IsWorking: true,
		}},
		notWorking: map[string]string{},
	}
}

func (s *fakeStore) GetUpgradeOperation(ctx context.Context, id string) (*database.UpgradeOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op := *s.op
	return &op, nil
}

func (s *fakeStore) GetDevice(ctx context.Context, id string) (*database.Device, error) {
	return s.device, nil
}

func (s *fakeStore) GetFirmwareImage(ctx context.Context, id string) (*database.FirmwareImage, error) {
	if s.image == nil {
		return nil, database.ErrNotFound
	}
	return s.image, nil
}

func (s *fakeStore) CredentialsForDevice(ctx context.Context, deviceID string) ([]*database.DeviceCredential, error) {
	return s.creds, nil
}

func (s *fakeStore) CountInProgressForDevice(ctx context.Context, deviceID, excludeOpID string) (int, error) {
	return s.inProgress, nil
}

func (s *fakeStore) AppendOperationLog(ctx context.Context, id, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logLines = append(s.logLines, line)
	return nil
}

func (s *fakeStore) SetOperationStatus(ctx context.Context, id string, status fleetflash.OperationStatus, logLine string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.op.Status = status
	if logLine != "" {
		s.logLines = append(s.logLines, logLine)
	}
	return nil
}

func (s *fakeStore) SetDeviceFirmwareInstalled(ctx context.Context, deviceID string, installed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installed = &installed
	return nil
}

func (s *fakeStore) MarkCredentialNotWorking(ctx context.Context, id, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notWorking[id] = reason
	return nil
}

func (s *fakeStore) MarkCredentialWorking(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markWorking = append(s.markWorking, id)
	return nil
}

func (s *fakeStore) logContains(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, line := range s.logLines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

type fakeOpener struct{}

func (fakeOpener) OpenImage(ctx context.Context, img *database.FirmwareImage) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("firmware")), nil
}

type fakeBatches struct {
	mu        sync.Mutex
	refreshed []string
}

func (b *fakeBatches) RefreshBatchStatus(ctx context.Context, batchID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshed = append(b.refreshed, batchID)
	return nil
}

// probeConn is the connection handed out by the probe dialer.
type probeConn struct{}

func (probeConn) Run(ctx context.Context, cmd string, opts ...ssh.RunOption) (string, error) {
	return "", nil
}
func (probeConn) Upload(ctx context.Context, r io.Reader, remotePath string) (int64, error) {
	return 0, nil
}
func (probeConn) Addr() string { return "10.0.0.5:22" }
func (probeConn) Close() error { return nil }

func okDialer(ctx context.Context, addresses []string, cred ssh.Credential, cfg ssh.Config, log logrus.FieldLogger) (upgrader.Connection, error) {
	return probeConn{}, nil
}

func failDialer(ctx context.Context, addresses []string, cred ssh.Credential, cfg ssh.Config, log logrus.FieldLogger) (upgrader.Connection, error) {
	return nil, fmt.Errorf("connection refused")
}

func newTestDriver(store *fakeStore, batches BatchNotifier) *Driver {
	d := New(store, fakeOpener{}, batches, logrus.New().WithField("test", true))
	d.SetDialer(okDialer)
	return d
}

func TestPerform_Success(t *testing.T) {
	scriptedOutcome = nil
	store := newFakeStore()
	d := newTestDriver(store, nil)

	if err := d.Perform(context.Background(), "op_1", true); err != nil {
		t.Fatalf("Perform failed: %v", err)
	}
	if store.op.Status != fleetflash.StatusSuccess {
		t.Errorf("Expected status success, got %s", store.op.Status)
	}
	if store.installed == nil || !*store.installed {
		t.Error("Expected installed flag set to true")
	}
}

func TestPerform_NotNeededIsSuccessAndInstalled(t *testing.T) {
	scriptedOutcome = &upgrader.NotNeededError{Reason: "upgrade not needed"}
	store := newFakeStore()
	d := newTestDriver(store, nil)

	if err := d.Perform(context.Background(), "op_1", true); err != nil {
		t.Fatalf("Perform failed: %v", err)
	}
	if store.op.Status != fleetflash.StatusSuccess {
		t.Errorf("Expected status success, got %s", store.op.Status)
	}
	if store.installed == nil || !*store.installed {
		t.Error("Expected installed flag set to true")
	}
}

func TestPerform_Aborted(t *testing.T) {
	scriptedOutcome = &upgrader.AbortedError{}
	store := newFakeStore()
	d := newTestDriver(store, nil)

	if err := d.Perform(context.Background(), "op_1", true); err != nil {
		t.Fatalf("Perform failed: %v", err)
	}
	if store.op.Status != fleetflash.StatusAborted {
		t.Errorf("Expected status aborted, got %s", store.op.Status)
	}
	if store.installed != nil {
		t.Error("Expected installed flag untouched on abort")
	}
}

func TestPerform_RecoverableWithBudgetSignalsRetry(t *testing.T) {
	scriptedOutcome = upgrader.Recoverable(fmt.Errorf("connection reset during upload"))
	store := newFakeStore()
	d := newTestDriver(store, nil)

	err := d.Perform(context.Background(), "op_1", true)
	var recov *upgrader.RecoverableError
	if !errors.As(err, &recov) {
		t.Fatalf("Expected RecoverableError to propagate, got %v", err)
	}
	if store.op.Status != fleetflash.StatusInProgress {
		t.Errorf("Expected status to stay in-progress, got %s", store.op.Status)
	}
	if !store.logContains("The upgrade operation will be retried soon.") {
		t.Errorf("Expected retry log line, got %v", store.logLines)
	}
}

func TestPerform_RecoverableWithoutBudgetFails(t *testing.T) {
	scriptedOutcome = upgrader.Recoverable(fmt.Errorf("connection reset during upload"))
	store := newFakeStore()
	d := newTestDriver(store, nil)

	if err := d.Perform(context.Background(), "op_1", false); err != nil {
		t.Fatalf("Perform failed: %v", err)
	}
	if store.op.Status != fleetflash.StatusFailed {
		t.Errorf("Expected status failed, got %s", store.op.Status)
	}
	if !store.logContains("Max retries exceeded. Upgrade failed:") {
		t.Errorf("Expected max-retries log line, got %v", store.logLines)
	}
}

func TestPerform_ReconnectFailed(t *testing.T) {
	scriptedOutcome = &upgrader.ReconnectFailedError{
		Reason: "Giving up, device not reachable anymore after upgrade",
	}
	store := newFakeStore()
	d := newTestDriver(store, nil)

	if err := d.Perform(context.Background(), "op_1", true); err != nil {
		t.Fatalf("Perform failed: %v", err)
	}
	if store.op.Status != fleetflash.StatusFailed {
		t.Errorf("Expected status failed, got %s", store.op.Status)
	}
	if store.installed == nil || !*store.installed {
		t.Error("Expected installed flag set: the image was flashed")
	}
	if reason, ok := store.notWorking["cred_1"]; !ok || !strings.Contains(reason, "not reachable") {
		t.Errorf("Expected credential flagged not working, got %v", store.notWorking)
	}
}

// The concurrency check runs after the credential probe on purpose: the
// probe picks the credential whose failure should be recorded, and the
// check stays advisory either way.
func TestPerform_ConcurrentOperationAborts(t *testing.T) {
	scriptedOutcome = nil
	store := newFakeStore()
	store.inProgress = 1
	d := newTestDriver(store, nil)

	if err := d.Perform(context.Background(), "op_1", true); err != nil {
		t.Fatalf("Perform failed: %v", err)
	}
	if store.op.Status != fleetflash.StatusAborted {
		t.Errorf("Expected status aborted, got %s", store.op.Status)
	}
	if !store.logContains("Another upgrade operation is in progress, aborting...") {
		t.Errorf("Expected concurrency log line, got %v", store.logLines)
	}
}

func TestPerform_NoCredentials(t *testing.T) {
	scriptedOutcome = nil
	store := newFakeStore()
	store.creds = nil
	d := newTestDriver(store, nil)

	if err := d.Perform(context.Background(), "op_1", true); err != nil {
		t.Fatalf("Perform failed: %v", err)
	}
	if store.op.Status != fleetflash.StatusInProgress {
		t.Errorf("Expected status untouched, got %s", store.op.Status)
	}
	if !store.logContains("No device connection available") {
		t.Errorf("Expected no-connection log line, got %v", store.logLines)
	}
}

func TestPerform_AllCredentialsUnreachableIsRecoverable(t *testing.T) {
	scriptedOutcome = nil
	store := newFakeStore()
	d := newTestDriver(store, nil)
	d.SetDialer(failDialer)

	err := d.Perform(context.Background(), "op_1", true)
	var recov *upgrader.RecoverableError
	if !errors.As(err, &recov) {
		t.Fatalf("Expected RecoverableError, got %v", err)
	}
	if !store.logContains("Failed to connect with device using root@port 22") {
		t.Errorf("Expected per-credential failure line, got %v", store.logLines)
	}
}

func TestPerform_RefreshesBatchOnTerminalStatus(t *testing.T) {
	scriptedOutcome = nil
	store := newFakeStore()
	store.op.BatchID = "batch_1"
	batches := &fakeBatches{}
	d := newTestDriver(store, batches)

	if err := d.Perform(context.Background(), "op_1", true); err != nil {
		t.Fatalf("Perform failed: %v", err)
	}
	if len(batches.refreshed) != 1 || batches.refreshed[0] != "batch_1" {
		t.Errorf("Expected batch_1 refreshed, got %v", batches.refreshed)
	}
}
