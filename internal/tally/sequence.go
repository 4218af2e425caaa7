package tally

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zombor/ums-tally/internal/capture"
	"github.com/zombor/ums-tally/internal/layout"
	"github.com/zombor/ums-tally/internal/scanning"
)

// Navigator drives the app UI
type Navigator interface {
	Tap(ctx context.Context, x, y int) error
	Back(ctx context.Context) error
	Wait(ctx context.Context, d time.Duration) error
}

// Capturer takes a verified screenshot of the current screen
type Capturer interface {
	Capture(ctx context.Context, label, archivePath string) (*capture.Screenshot, error)
}

// AmountReader recognizes the amount on a screenshot
type AmountReader interface {
	Read(ctx context.Context, screenshotPath string) (scanning.Reading, error)
}

// Sequencer walks the app through every scan target and collects one
// record per target.
type Sequencer struct {
	nav        Navigator
	capturer   Capturer
	reader     AmountReader
	storage    Storage
	layout     *layout.Layout
	timeSource TimeSource
}

// NewSequencer creates a Sequencer. storage may be nil to skip archiving.
func NewSequencer(nav Navigator, capturer Capturer, reader AmountReader, storage Storage, l *layout.Layout) *Sequencer {
	return NewSequencerWithDeps(nav, capturer, reader, storage, l, &defaultTimeSource{})
}

// NewSequencerWithDeps creates a Sequencer with a custom time source for testing
func NewSequencerWithDeps(nav Navigator, capturer Capturer, reader AmountReader, storage Storage, l *layout.Layout, timeSrc TimeSource) *Sequencer {
	return &Sequencer{
		nav:        nav,
		capturer:   capturer,
		reader:     reader,
		storage:    storage,
		layout:     l,
		timeSource: timeSrc,
	}
}

// RunSequence scans targets in order and returns exactly one record per
// target. A failing target yields a zero record and the sequence moves on.
// Once any target has been started the attached collection code is
// removed, even when ctx was cancelled mid-run.
func (s *Sequencer) RunSequence(ctx context.Context, targets []ScanTarget) []ScanRecord {
	records := make([]ScanRecord, 0, len(targets))
	started := false
	for i, target := range targets {
		if err := ctx.Err(); err != nil {
			records = append(records, ScanRecord{Target: target, Status: StatusSkipped, Error: err.Error()})
			continue
		}
		started = true
		records = append(records, s.scanTarget(ctx, i, target))
	}

	if started {
		if err := s.cleanup(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to clean up after scanning", "error", err)
		}
	}
	return records
}

func (s *Sequencer) scanTarget(ctx context.Context, index int, target ScanTarget) (record ScanRecord) {
	record = ScanRecord{Target: target, Status: StatusFailed}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Scan panicked", "target", target.Name, "panic", r)
			record = ScanRecord{Target: target, Status: StatusFailed, Error: fmt.Sprint(r)}
		}
	}()

	slog.Info("Processing QR code", "index", index+1, "name", target.Name)

	missed, err := s.navigate(ctx, index == 0, target)
	if err != nil {
		slog.Error("Navigation interrupted", "target", target.Name, "error", err)
		record.Status = StatusNavigationFailed
		record.Error = err.Error()
		return record
	}

	archiveName, archivePath := s.archivePath(index, target)
	shot, err := s.capturer.Capture(ctx, sanitizeFilename(target.Name), archivePath)
	if err != nil {
		slog.Error("Screenshot failed", "target", target.Name, "error", err)
		record.Status = StatusCaptureFailed
		record.Error = err.Error()
		return record
	}
	if shot.ArchivePath != "" {
		record.Screenshot = archiveName
	}

	reading, err := s.reader.Read(ctx, shot.LocalPath)
	record.Raw = reading.Raw
	switch {
	case err != nil:
		slog.Error("Recognition failed", "target", target.Name, "error", err)
		record.Status = StatusUnrecognized
		record.Error = err.Error()
	case !reading.Found:
		slog.Warn("No amount recognized", "target", target.Name, "raw", reading.Raw)
		record.Status = StatusUnrecognized
	default:
		slog.Info("Amount recognized", "target", target.Name, "amount", reading.Amount)
		record.Status = StatusRecognized
		record.Amount = reading.Amount
	}
	if record.Error == "" && len(missed) > 0 {
		record.Error = fmt.Sprintf("navigation: %d step(s) failed: %v", len(missed), missed[0])
	}
	return record
}

// navigate opens the scanner, picks the target's QR image from the album
// and returns to the result page. The first target enters through the
// reconciliation tab; later ones remove the previously attached code.
// A failed tap or back is logged and the macro carries on, so the target
// is still captured; those failures are returned as missed. err is set
// only when ctx is done.
func (s *Sequencer) navigate(ctx context.Context, first bool, target ScanTarget) (missed []error, err error) {
	b := s.layout.Buttons
	steps := []layout.Point{b.ScopeSelector, b.CollectionCode, b.RemoveCode}
	if first {
		steps = []layout.Point{b.ReconcileTab, b.ScopeSelector, b.CollectionCode}
	}
	steps = append(steps, b.ScanCode, b.Album)

	for _, p := range steps {
		if err := s.tapAndWait(ctx, p, s.layout.StepDelay(), &missed); err != nil {
			return missed, err
		}
	}
	if err := s.tapAndWait(ctx, target.Album, s.layout.ScanWait(), &missed); err != nil {
		return missed, err
	}
	s.back(ctx, &missed)
	return missed, s.nav.Wait(ctx, s.layout.BackWait())
}

// cleanup removes the attached collection code and leaves the menu.
func (s *Sequencer) cleanup(ctx context.Context) error {
	b := s.layout.Buttons
	var missed []error
	for _, p := range []layout.Point{b.ScopeSelector, b.CollectionCode, b.RemoveCode} {
		if err := s.tapAndWait(ctx, p, s.layout.StepDelay(), &missed); err != nil {
			return err
		}
	}
	s.back(ctx, &missed)
	return errors.Join(missed...)
}

// tapAndWait taps p and waits d. A failed tap is appended to missed; the
// returned error comes from the wait only.
func (s *Sequencer) tapAndWait(ctx context.Context, p layout.Point, d time.Duration, missed *[]error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.nav.Tap(ctx, p.X, p.Y); err != nil {
		err = fmt.Errorf("tapping (%d,%d): %w", p.X, p.Y, err)
		slog.Warn("UI step failed, continuing", "error", err)
		*missed = append(*missed, err)
	}
	return s.nav.Wait(ctx, d)
}

func (s *Sequencer) back(ctx context.Context, missed *[]error) {
	if err := s.nav.Back(ctx); err != nil {
		err = fmt.Errorf("going back: %w", err)
		slog.Warn("UI step failed, continuing", "error", err)
		*missed = append(*missed, err)
	}
}

// archivePath returns the storage name and local path for the archived
// screenshot, or empty strings when no archive is available.
func (s *Sequencer) archivePath(index int, target ScanTarget) (string, string) {
	if s.storage == nil {
		return "", ""
	}
	now := s.timeSource.Now()
	filename := fmt.Sprintf("scan_%d_%s_%s.png", index+1, sanitizeFilename(target.Name), now.Format("15-04-05"))
	name, path, err := s.storage.DayFile(now, filename)
	if err != nil {
		slog.Warn("Screenshot archive unavailable", "error", err)
		return "", ""
	}
	return name, path
}
