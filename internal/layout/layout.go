package layout

import (
	_ "embed"
	"fmt"
	"image"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultLayout []byte

// Point is a screen coordinate in device pixels.
type Point struct {
	X int `yaml:"x" json:"x"`
	Y int `yaml:"y" json:"y"`
}

// Rect is a screen rectangle; Max is exclusive.
type Rect struct {
	MinX int `yaml:"min_x"`
	MinY int `yaml:"min_y"`
	MaxX int `yaml:"max_x"`
	MaxY int `yaml:"max_y"`
}

// Image returns the rectangle as an image.Rectangle.
func (r Rect) Image() image.Rectangle {
	return image.Rect(r.MinX, r.MinY, r.MaxX, r.MaxY)
}

// Buttons holds the tap positions of the app controls used by the scan macro.
type Buttons struct {
	ReconcileTab   Point `yaml:"reconcile_tab"`   // bottom menu "reconciliation"
	ScopeSelector  Point `yaml:"scope_selector"`  // "reconciliation scope"
	CollectionCode Point `yaml:"collection_code"` // "collection code" option
	RemoveCode     Point `yaml:"remove_code"`     // removes the attached code
	ScanCode       Point `yaml:"scan_code"`       // "scan collection code"
	Album          Point `yaml:"album"`           // album picker in the scanner
}

// Timing holds the settle delays, in milliseconds.
type Timing struct {
	TapSettleMs    int `yaml:"tap_settle_ms"`    // after every tap and key event
	StepDelayMs    int `yaml:"step_delay_ms"`    // after each navigation step
	ScanWaitMs     int `yaml:"scan_wait_ms"`     // after picking a QR image
	BackWaitMs     int `yaml:"back_wait_ms"`     // after returning from the scan result
	AppStartMs     int `yaml:"app_start_ms"`     // after launching the app
	RetryBackoffMs int `yaml:"retry_backoff_ms"` // between capture/transfer attempts
}

// Target is one pre-staged QR code image in the album picker.
type Target struct {
	Name  string `yaml:"name"`
	Album Point  `yaml:"album"`
}

// Layout aggregates everything that depends on the device screen.
type Layout struct {
	Buttons      Buttons  `yaml:"buttons"`
	AmountRegion Rect     `yaml:"amount_region"`
	Contrast     float64  `yaml:"contrast"`
	Timing       Timing   `yaml:"timing"`
	Targets      []Target `yaml:"targets"`
}

// Default returns the embedded layout.
func Default() (*Layout, error) {
	return Parse(defaultLayout)
}

// Load reads a YAML layout file. An empty path yields the embedded default.
func Load(path string) (*Layout, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layout file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML layout, filling in default timings.
func Parse(data []byte) (*Layout, error) {
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	if len(l.Targets) == 0 {
		return nil, fmt.Errorf("at least one target is required")
	}
	for i, t := range l.Targets {
		if t.Name == "" {
			return nil, fmt.Errorf("targets[%d].name is required", i)
		}
	}
	if r := l.AmountRegion; r.MaxX <= r.MinX || r.MaxY <= r.MinY {
		return nil, fmt.Errorf("amount_region must be a non-empty rectangle, got %+v", r)
	}
	if l.Contrast < 0 {
		return nil, fmt.Errorf("contrast must be >= 0, got %.2f", l.Contrast)
	}
	if l.Contrast == 0 {
		l.Contrast = 2.0
	}

	t := &l.Timing
	if t.TapSettleMs <= 0 {
		t.TapSettleMs = 1500
	}
	if t.StepDelayMs <= 0 {
		t.StepDelayMs = 2000
	}
	if t.ScanWaitMs <= 0 {
		t.ScanWaitMs = 3000
	}
	if t.BackWaitMs <= 0 {
		t.BackWaitMs = 3000
	}
	if t.AppStartMs <= 0 {
		t.AppStartMs = 5000
	}
	if t.RetryBackoffMs <= 0 {
		t.RetryBackoffMs = 2000
	}

	return &l, nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// TapSettle returns the pause after every simulated input.
func (l *Layout) TapSettle() time.Duration { return ms(l.Timing.TapSettleMs) }

// StepDelay returns the pause after each navigation step.
func (l *Layout) StepDelay() time.Duration { return ms(l.Timing.StepDelayMs) }

// ScanWait returns the pause while the app resolves a scanned code.
func (l *Layout) ScanWait() time.Duration { return ms(l.Timing.ScanWaitMs) }

// BackWait returns the pause after the back navigation.
func (l *Layout) BackWait() time.Duration { return ms(l.Timing.BackWaitMs) }

// AppStart returns the pause after launching the app.
func (l *Layout) AppStart() time.Duration { return ms(l.Timing.AppStartMs) }

// RetryBackoff returns the pause between capture attempts.
func (l *Layout) RetryBackoff() time.Duration { return ms(l.Timing.RetryBackoffMs) }
