package tally

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/ums-tally/internal/notify"
)

var (
	// ErrRunInProgress is returned when a run is requested while another is active
	ErrRunInProgress = errors.New("a run is already in progress")
	// ErrRunAborted is returned when a run panicked; the failure message has
	// already been delivered.
	ErrRunAborted = errors.New("run aborted")
)

// IDGenerator generates unique IDs for runs
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Preparer readies the device screenshot directory
type Preparer interface {
	Prepare(ctx context.Context) error
}

// Launcher starts the app on the device
type Launcher interface {
	StartActivity(ctx context.Context, pkg, activity string) (string, error)
	Wait(ctx context.Context, d time.Duration) error
}

// App identifies the app to launch before scanning
type App struct {
	Package   string
	Activity  string
	StartWait time.Duration
}

// Deps holds the collaborators of a Service
type Deps struct {
	DB        DB
	Sequencer *Sequencer
	Preparer  Preparer
	Launcher  Launcher
	Notifier  notify.Notifier
	Storage   Storage
}

// Service runs scans and keeps their history
type Service struct {
	db          DB
	sequencer   *Sequencer
	preparer    Preparer
	launcher    Launcher
	notifier    notify.Notifier
	storage     Storage
	app         App
	targets     []ScanTarget
	idGenerator IDGenerator
	timeSource  TimeSource

	mu sync.Mutex
}

// NewService creates a new Service with default ID generator and time source
func NewService(deps Deps, app App, targets []ScanTarget) *Service {
	return NewServiceWithDeps(deps, app, targets, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(deps Deps, app App, targets []ScanTarget, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          deps.DB,
		sequencer:   deps.Sequencer,
		preparer:    deps.Preparer,
		launcher:    deps.Launcher,
		notifier:    deps.Notifier,
		storage:     deps.Storage,
		app:         app,
		targets:     targets,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// Targets returns the configured scan targets
func (s *Service) Targets() []ScanTarget {
	return s.targets
}

// Run launches the app, scans every target, sends the report and stores the
// run. Per-target failures end up as zero records, so a run always has one
// record per target. The returned error is ErrRunInProgress, ErrRunAborted
// or a failure to store the run; the report has been delivered in the
// latter case.
func (s *Service) Run(ctx context.Context) (run *Run, err error) {
	if !s.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrRunAborted, r)
			s.ReportFailure(ctx, err)
			run = nil
		}
	}()

	run = &Run{
		ID:        s.idGenerator.Generate(),
		StartedAt: s.timeSource.Now(),
	}
	slog.Info("Starting run", "id", run.ID, "targets", len(s.targets))

	if s.preparer != nil {
		if err := s.preparer.Prepare(ctx); err != nil {
			slog.Warn("Failed to prepare screenshot directory", "error", err)
		}
	}
	s.launch(ctx)

	run.Records = s.sequencer.RunSequence(ctx, s.targets)
	run.Total = Total(run.Records)
	run.FinishedAt = s.timeSource.Now()
	run.Report = Aggregate(run.Records, run.FinishedAt)
	if err := ctx.Err(); err != nil {
		run.Error = err.Error()
	}

	slog.Info("Run finished", "id", run.ID, "total", run.Total)
	for _, r := range run.Records {
		slog.Info("Record", "name", r.Target.Name, "amount", r.Amount, "status", r.Status)
	}

	// The report goes out even when the run was cancelled.
	run.Notified = notify.Deliver(context.WithoutCancel(ctx), s.notifier, run.Report)

	if err := s.db.SaveRun(run); err != nil {
		return run, fmt.Errorf("saving run: %w", err)
	}
	return run, nil
}

func (s *Service) launch(ctx context.Context) {
	if s.launcher == nil || s.app.Package == "" {
		return
	}
	out, err := s.launcher.StartActivity(ctx, s.app.Package, s.app.Activity)
	if err != nil {
		slog.Warn("Failed to start app", "package", s.app.Package, "error", err)
	} else {
		slog.Info("App started", "package", s.app.Package, "output", out)
	}
	if err := s.launcher.Wait(ctx, s.app.StartWait); err != nil {
		slog.Warn("Interrupted while waiting for app start", "error", err)
	}
}

// ReportFailure delivers "Automation failed: <err>" best-effort through the
// service's notifier.
func (s *Service) ReportFailure(ctx context.Context, err error) bool {
	return ReportFailure(ctx, s.notifier, err)
}

// ReportFailure logs err and delivers "Automation failed: <err>" through n.
// It is used directly for failures before a Service exists. n may be nil.
func ReportFailure(ctx context.Context, n notify.Notifier, err error) bool {
	slog.Error("Automation failed", "error", err)
	return notify.Deliver(context.WithoutCancel(ctx), n, FailureMessage(err))
}

// GetRun retrieves a run by ID
func (s *Service) GetRun(id string) (*Run, error) {
	run, err := s.db.GetRun(id)
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}
	return run, nil
}

// ListRuns returns all runs, newest first
func (s *Service) ListRuns() ([]*Run, error) {
	runs, err := s.db.ListRuns()
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// GetScreenshot retrieves an archived screenshot
func (s *Service) GetScreenshot(day, name string) ([]byte, error) {
	if s.storage == nil {
		return nil, fmt.Errorf("getting screenshot: no archive configured")
	}
	data, err := s.storage.Get(day + "/" + name)
	if err != nil {
		return nil, fmt.Errorf("getting screenshot: %w", err)
	}
	return data, nil
}
