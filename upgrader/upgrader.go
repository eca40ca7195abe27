// Package upgrader defines the contract between the upgrade driver and the
// per-platform upgrade strategies, and the registry that maps a credential's
// strategy name to an implementation.
package upgrader

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/fleetflash/fleetflash/ssh"
)

// Connection is the slice of the SSH transport a strategy needs.
// This allows for mocking in tests.
type Connection interface {
	Run(ctx context.Context, cmd string, opts ...ssh.RunOption) (string, error)
	Upload(ctx context.Context, r io.Reader, remotePath string) (int64, error)
	Addr() string
	Close() error
}

// Dialer establishes a connection to one of the device's addresses.
type Dialer func(ctx context.Context, addresses []string, cred ssh.Credential, cfg ssh.Config, log logrus.FieldLogger) (Connection, error)

// DialSSH is the production Dialer.
func DialSSH(ctx context.Context, addresses []string, cred ssh.Credential, cfg ssh.Config, log logrus.FieldLogger) (Connection, error) {
	conn, err := ssh.Dial(ctx, addresses, cred, cfg, log)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Device identifies the target of an upgrade.
type Device struct {
	ID        string
	Name      string
	Addresses []string
}

// Image is the firmware binary to flash. Open streams the binary content;
// it is invoked once per upload so retried attempts get a fresh reader.
type Image struct {
	Filename  string
	Checksum  string
	SizeBytes int64
	Open      func(ctx context.Context) (io.ReadCloser, error)
}

// Recorder receives the human readable progress lines that make up the
// operation log. Lines with save unset may be buffered by the implementation
// and persisted together with the next saved line.
type Recorder interface {
	Log(line string, save bool)
}

// AddressSource re-reads the device's current addresses. Devices can come
// back from a reflash with a different address, so reconnection attempts
// refresh before each dial.
type AddressSource interface {
	RefreshAddresses(ctx context.Context) ([]string, error)
}

// Dependencies holds everything a strategy needs to drive one upgrade.
type Dependencies struct {
	Device     Device
	Image      Image
	Credential ssh.Credential
	Addresses  AddressSource
	Recorder   Recorder
	Dial       Dialer
	SSH        ssh.Config
	Logger     logrus.FieldLogger
}

// Upgrader flashes one image onto one device. Upgrade returns nil on
// success or one of the outcome errors from errors.go; any other error is
// treated as a plain failure by the driver.
type Upgrader interface {
	Upgrade(ctx context.Context) error
}

// Factory builds a strategy instance bound to one operation's dependencies.
type Factory func(deps *Dependencies) Upgrader

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a strategy available under the given name. Strategies
// register themselves from an init function; importing a strategy package
// for side effects is enough to enable it.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("upgrader: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("upgrader: Register called twice for strategy %q", name))
	}
	registry[name] = f
}

// New builds the strategy registered under name.
func New(name string, deps *Dependencies) (Upgrader, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown upgrade strategy %q (registered: %v)", name, Strategies())
	}
	return f(deps), nil
}

// Strategies returns the registered strategy names, sorted.
func Strategies() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
