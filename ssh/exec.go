package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// ExitDropped is the pseudo exit code reported when the remote end closes
// the channel without sending an exit status. Reflash commands kill the SSH
// daemon mid-command, so callers allow it explicitly.
const ExitDropped = -1

// ErrCommandTimeout reports a remote command that exceeded its time bound.
var ErrCommandTimeout = errors.New("command timed out")

// ExitError reports a remote command that finished with an exit code outside
// the caller's allowed set.
type ExitError struct {
	Cmd    string
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", e.Cmd, e.Code)
}

// RunOptions resolve how a single Run call is bounded and judged.
// Exported so command fakes in tests can evaluate the options a caller
// passed; production code uses the With* helpers instead.
type RunOptions struct {
	Timeout   time.Duration
	ExitCodes []int
	// RaiseUnexpected controls whether an out-of-set exit code is an error
	// or just logged. Commands whose failure is informational (service
	// stops, cache drops) disable it.
	RaiseUnexpected bool
	CaptureCode     *int
}

// NewRunOptions resolves opts against the defaults.
func NewRunOptions(defaultTimeout time.Duration, opts ...RunOption) RunOptions {
	o := RunOptions{
		Timeout:         defaultTimeout,
		ExitCodes:       []int{0},
		RaiseUnexpected: true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Allows reports whether code is in the allowed set.
func (o *RunOptions) Allows(code int) bool {
	for _, allowed := range o.ExitCodes {
		if code == allowed {
			return true
		}
	}
	return false
}

// RunOption customizes a single Run call.
type RunOption func(*RunOptions)

// WithTimeout overrides the default command timeout.
func WithTimeout(d time.Duration) RunOption {
	return func(o *RunOptions) { o.Timeout = d }
}

// WithExitCodes sets the exit codes treated as success. Defaults to {0}.
func WithExitCodes(codes ...int) RunOption {
	return func(o *RunOptions) { o.ExitCodes = codes }
}

// WithoutExitError downgrades unexpected exit codes from errors to log
// lines. The command output is still returned.
func WithoutExitError() RunOption {
	return func(o *RunOptions) { o.RaiseUnexpected = false }
}

// CaptureExitCode stores the command's exit code in code. Useful together
// with WithExitCodes when the caller branches on which allowed code the
// command finished with.
func CaptureExitCode(code *int) RunOption {
	return func(o *RunOptions) { o.CaptureCode = code }
}

// Run executes a command on the device and returns its combined output.
// The command is bounded by the configured timeout; on expiry the session
// is torn down and ErrCommandTimeout is returned.
func (c *Conn) Run(ctx context.Context, cmd string, opts ...RunOption) (string, error) {
	o := NewRunOptions(c.cfg.CommandTimeout, opts...)

	if c.client == nil {
		return "", fmt.Errorf("connection is closed")
	}
	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	var buf bytes.Buffer
	session.Stdout = &buf
	session.Stderr = &buf

	c.log.WithField("command", cmd).Debug("Executing command")
	if err := session.Start(cmd); err != nil {
		return "", fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	timer := time.NewTimer(o.Timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		session.Close()
		return buf.String(), fmt.Errorf("%w after %s: %q", ErrCommandTimeout, o.Timeout, cmd)
	case <-ctx.Done():
		session.Close()
		return buf.String(), ctx.Err()
	}

	code := 0
	defer func() {
		if o.CaptureCode != nil {
			*o.CaptureCode = code
		}
	}()
	if err != nil {
		var exitErr *ssh.ExitError
		var missing *ssh.ExitMissingError
		switch {
		case errors.As(err, &exitErr):
			code = exitErr.ExitStatus()
		case errors.As(err, &missing):
			code = ExitDropped
		default:
			return buf.String(), fmt.Errorf("command failed: %w", err)
		}
	}

	if o.Allows(code) {
		return buf.String(), nil
	}
	if !o.RaiseUnexpected {
		c.log.WithFields(logrus.Fields{
			"command": cmd,
			"code":    code,
		}).Warn("Command exited with unexpected status")
		return buf.String(), nil
	}
	return buf.String(), &ExitError{Cmd: cmd, Code: code, Output: buf.String()}
}

// Upload copies the reader's content to remotePath over SFTP, creating
// parent directories as needed.
func (c *Conn) Upload(ctx context.Context, r io.Reader, remotePath string) (int64, error) {
	if c.client == nil {
		return 0, fmt.Errorf("connection is closed")
	}
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return 0, fmt.Errorf("failed to open sftp session: %w", err)
	}
	defer client.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return 0, fmt.Errorf("failed to create remote directory %s: %w", dir, err)
		}
	}
	f, err := client.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		return n, fmt.Errorf("failed to upload to %s: %w", remotePath, err)
	}
	c.log.WithFields(logrus.Fields{
		"path":  remotePath,
		"bytes": n,
	}).Debug("Upload complete")
	return n, nil
}
