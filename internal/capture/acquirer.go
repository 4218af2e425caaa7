package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zombor/ums-tally/internal/device"
	"github.com/zombor/ums-tally/internal/scanning"
)

// MaxAttempts bounds each capture stage.
const MaxAttempts = 3

var (
	// ErrRemoteCaptureFailed means no screenshot could be written on the device.
	ErrRemoteCaptureFailed = errors.New("remote capture failed")
	// ErrTransferFailed means the screenshot could not be pulled from the device.
	ErrTransferFailed = errors.New("screenshot transfer failed")
	// ErrCorruptImage means the pulled screenshot did not decode.
	ErrCorruptImage = errors.New("screenshot is corrupt")
)

// Device is the subset of device.Controller the acquirer needs.
type Device interface {
	Mkdir(ctx context.Context, dir string) error
	Touch(ctx context.Context, path string) error
	Screencap(ctx context.Context, path string) error
	List(ctx context.Context, path string) (string, error)
	Pull(ctx context.Context, remote, local string) error
}

// Screenshot is the result of a successful capture.
type Screenshot struct {
	DevicePath  string
	LocalPath   string
	ArchivePath string // empty when archiving was not requested or failed
	Valid       bool
}

// Config holds the acquirer paths and retry timing.
type Config struct {
	DeviceDir string        // screenshot directory on the device
	LocalPath string        // fixed local working file, overwritten on every capture
	Backoff   time.Duration // pause between attempts
}

// Acquirer takes a screenshot on the device and brings a verified copy to
// the local working path.
type Acquirer struct {
	device Device
	cfg    Config
	sleep  device.Sleeper
	now    func() time.Time
	verify func(path string) error
}

// NewAcquirer creates an Acquirer.
func NewAcquirer(d Device, cfg Config, sleep device.Sleeper) *Acquirer {
	return NewAcquirerWithDeps(d, cfg, sleep, time.Now, scanning.VerifyImage)
}

// NewAcquirerWithDeps creates an Acquirer with custom clock and image verifier for testing
func NewAcquirerWithDeps(d Device, cfg Config, sleep device.Sleeper, now func() time.Time, verify func(string) error) *Acquirer {
	if cfg.DeviceDir == "" {
		cfg.DeviceDir = "/storage/emulated/0/ums/screenshot"
	}
	if cfg.LocalPath == "" {
		cfg.LocalPath = "temp_screenshot.png"
	}
	if sleep == nil {
		sleep = device.Sleep
	}
	return &Acquirer{
		device: d,
		cfg:    cfg,
		sleep:  sleep,
		now:    now,
		verify: verify,
	}
}

// Prepare creates the device screenshot directory and hides it from the
// gallery with a .nomedia marker, so captures never show up in the album
// picker next to the QR images.
func (a *Acquirer) Prepare(ctx context.Context) error {
	slog.Info("Preparing device screenshot directory", "dir", a.cfg.DeviceDir)
	if err := a.device.Mkdir(ctx, a.cfg.DeviceDir); err != nil {
		return err
	}
	return a.device.Touch(ctx, a.cfg.DeviceDir+"/.nomedia")
}

// DevicePath returns the timestamped device path for label.
func (a *Acquirer) DevicePath(label string) string {
	if label == "" {
		label = "screenshot"
	}
	now := a.now()
	return fmt.Sprintf("%s/%s_%s_%s.png", a.cfg.DeviceDir, label, now.Format("2006-01-02"), now.Format("15-04-05"))
}

// Capture takes a screenshot, pulls it to the local working path and
// verifies it. When archivePath is set the verified file is also copied
// there; a failed copy is logged and ignored.
func (a *Acquirer) Capture(ctx context.Context, label, archivePath string) (*Screenshot, error) {
	devicePath := a.DevicePath(label)

	if err := a.captureRemote(ctx, devicePath); err != nil {
		return nil, err
	}
	if err := a.transfer(ctx, devicePath); err != nil {
		return nil, err
	}

	shot := &Screenshot{
		DevicePath: devicePath,
		LocalPath:  a.cfg.LocalPath,
		Valid:      true,
	}

	if archivePath != "" {
		if err := copyFile(a.cfg.LocalPath, archivePath); err != nil {
			slog.Warn("Failed to archive screenshot", "path", archivePath, "error", err)
		} else {
			shot.ArchivePath = archivePath
			slog.Info("Archived screenshot", "path", archivePath)
		}
	}
	return shot, nil
}

func (a *Acquirer) captureRemote(ctx context.Context, devicePath string) error {
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := a.sleep(ctx, a.cfg.Backoff); err != nil {
				return fmt.Errorf("%w: %w", ErrRemoteCaptureFailed, err)
			}
		}
		slog.Info("Capturing screenshot on device", "path", devicePath, "attempt", attempt)

		if err := a.device.Screencap(ctx, devicePath); err != nil {
			slog.Warn("Screen capture failed", "attempt", attempt, "error", err)
			lastErr = err
			continue
		}

		out, err := a.device.List(ctx, devicePath)
		if err != nil {
			slog.Warn("Screenshot existence check failed", "attempt", attempt, "error", err)
			lastErr = err
			continue
		}
		if !strings.Contains(out, devicePath) {
			slog.Warn("Screenshot not found on device", "attempt", attempt, "path", devicePath)
			lastErr = fmt.Errorf("%s not listed on device", devicePath)
			continue
		}
		return nil
	}
	slog.Error("Giving up on device screenshot", "path", devicePath, "attempts", MaxAttempts)
	return fmt.Errorf("%w after %d attempts: %w", ErrRemoteCaptureFailed, MaxAttempts, lastErr)
}

func (a *Acquirer) transfer(ctx context.Context, devicePath string) error {
	local := a.cfg.LocalPath
	failure := ErrTransferFailed
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := a.sleep(ctx, a.cfg.Backoff); err != nil {
				return fmt.Errorf("%w: %w", failure, err)
			}
		}
		slog.Info("Pulling screenshot", "from", devicePath, "to", local, "attempt", attempt)

		if err := a.device.Pull(ctx, devicePath, local); err != nil {
			slog.Warn("Pulling screenshot failed", "attempt", attempt, "error", err)
			failure, lastErr = ErrTransferFailed, err
			continue
		}
		if _, err := os.Stat(local); err != nil {
			slog.Warn("Pulled screenshot is missing", "attempt", attempt, "error", err)
			failure, lastErr = ErrTransferFailed, err
			continue
		}
		if err := a.verify(local); err != nil {
			slog.Warn("Pulled screenshot is corrupt", "attempt", attempt, "error", err)
			failure, lastErr = ErrCorruptImage, err
			continue
		}
		return nil
	}
	slog.Error("Giving up on screenshot transfer", "path", devicePath, "attempts", MaxAttempts)
	return fmt.Errorf("%w after %d attempts: %w", failure, MaxAttempts, lastErr)
}

// copyFile copies src to dst, creating dst's directory.
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying to %s: %w", dst, err)
	}
	return out.Close()
}
