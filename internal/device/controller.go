package device

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// KeycodeBack is the Android key event code of the back button.
const KeycodeBack = 4

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Controller issues UI input and file commands to the device. Every tap and
// key event is followed by the settle delay, since the app gives no signal
// when it has finished reacting.
type Controller struct {
	exec   Executor
	settle time.Duration
	sleep  Sleeper
}

// NewController creates a Controller.
func NewController(exec Executor, settle time.Duration, sleep Sleeper) *Controller {
	if sleep == nil {
		sleep = Sleep
	}
	return &Controller{
		exec:   exec,
		settle: settle,
		sleep:  sleep,
	}
}

// Wait pauses for d using the controller's Sleeper.
func (c *Controller) Wait(ctx context.Context, d time.Duration) error {
	return c.sleep(ctx, d)
}

// Tap taps the screen at (x, y).
func (c *Controller) Tap(ctx context.Context, x, y int) error {
	slog.Debug("Tapping screen", "x", x, "y", y)
	if _, err := c.exec.Run(ctx, "shell", "input", "tap", strconv.Itoa(x), strconv.Itoa(y)); err != nil {
		return fmt.Errorf("tap (%d, %d): %w", x, y, err)
	}
	return c.sleep(ctx, c.settle)
}

// KeyEvent sends an Android key event.
func (c *Controller) KeyEvent(ctx context.Context, code int) error {
	slog.Debug("Sending key event", "code", code)
	if _, err := c.exec.Run(ctx, "shell", "input", "keyevent", strconv.Itoa(code)); err != nil {
		return fmt.Errorf("key event %d: %w", code, err)
	}
	return c.sleep(ctx, c.settle)
}

// Back presses the native back button.
func (c *Controller) Back(ctx context.Context) error {
	return c.KeyEvent(ctx, KeycodeBack)
}

// StartActivity launches pkg/activity and returns the am output.
func (c *Controller) StartActivity(ctx context.Context, pkg, activity string) (string, error) {
	out, err := c.exec.Run(ctx, "shell", "am", "start", "-n", pkg+"/"+activity)
	if err != nil {
		return "", fmt.Errorf("starting %s: %w", pkg, err)
	}
	return out, nil
}

// Mkdir creates a directory (and parents) on the device.
func (c *Controller) Mkdir(ctx context.Context, dir string) error {
	if _, err := c.exec.Run(ctx, "shell", "mkdir", "-p", dir); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

// Touch creates an empty file on the device.
func (c *Controller) Touch(ctx context.Context, path string) error {
	if _, err := c.exec.Run(ctx, "shell", "touch", path); err != nil {
		return fmt.Errorf("touch %s: %w", path, err)
	}
	return nil
}

// List returns the ls output for path on the device.
func (c *Controller) List(ctx context.Context, path string) (string, error) {
	out, err := c.exec.Run(ctx, "shell", "ls", path)
	if err != nil {
		return "", fmt.Errorf("ls %s: %w", path, err)
	}
	return out, nil
}

// Screencap writes a screenshot to path on the device.
func (c *Controller) Screencap(ctx context.Context, path string) error {
	if _, err := c.exec.Run(ctx, "shell", "screencap", path); err != nil {
		return fmt.Errorf("screencap %s: %w", path, err)
	}
	return nil
}

// Pull copies a device file to a local path.
func (c *Controller) Pull(ctx context.Context, remote, local string) error {
	if _, err := c.exec.Run(ctx, "pull", remote, local); err != nil {
		return fmt.Errorf("pull %s: %w", remote, err)
	}
	return nil
}
