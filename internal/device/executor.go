package device

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Executor runs a single device command and returns its standard output.
type Executor interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// CommandError is returned when a device command exits unsuccessfully.
type CommandError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	stderr := strings.TrimSpace(e.Stderr)
	if stderr == "" {
		return fmt.Sprintf("device command %q failed: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("device command %q failed: %v: %s", e.Command, e.Err, stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ADB executes commands through the adb binary against one device.
type ADB struct {
	path    string
	serial  string
	timeout time.Duration
}

// NewADB creates an ADB executor. An empty path means "adb" from PATH and an
// empty serial targets the only connected device.
func NewADB(path, serial string, timeout time.Duration) *ADB {
	if path == "" {
		path = "adb"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ADB{
		path:    path,
		serial:  serial,
		timeout: timeout,
	}
}

// Run executes `adb [-s serial] args...`.
func (a *ADB) Run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	full := make([]string, 0, len(args)+2)
	if a.serial != "" {
		full = append(full, "-s", a.serial)
	}
	full = append(full, args...)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, a.path, full...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", &CommandError{
			Command: strings.Join(args, " "),
			Stderr:  stderr.String(),
			Err:     err,
		}
	}
	return stdout.String(), nil
}
