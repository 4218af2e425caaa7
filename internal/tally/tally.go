package tally

import (
	"time"

	"github.com/zombor/ums-tally/internal/layout"
)

// ScanTarget is a named QR image in the device album
type ScanTarget struct {
	Name  string       `json:"name"`
	Album layout.Point `json:"album"` // album thumbnail to tap
}

// TargetsFrom returns the scan targets of a layout in order
func TargetsFrom(l *layout.Layout) []ScanTarget {
	targets := make([]ScanTarget, 0, len(l.Targets))
	for _, t := range l.Targets {
		targets = append(targets, ScanTarget{Name: t.Name, Album: t.Album})
	}
	return targets
}

// RecordStatus tells how a record's amount was obtained
type RecordStatus string

const (
	StatusRecognized       RecordStatus = "recognized"
	StatusUnrecognized     RecordStatus = "unrecognized"
	StatusCaptureFailed    RecordStatus = "capture_failed"
	StatusNavigationFailed RecordStatus = "navigation_failed"
	StatusFailed           RecordStatus = "failed"
	StatusSkipped          RecordStatus = "skipped"
)

// ScanRecord is the outcome for one target. Amount is 0 unless Status is
// StatusRecognized.
type ScanRecord struct {
	Target     ScanTarget   `json:"target"`
	Amount     float64      `json:"amount"`
	Status     RecordStatus `json:"status"`
	Raw        string       `json:"raw,omitempty"`        // OCR text before cleaning
	Screenshot string       `json:"screenshot,omitempty"` // archive name, "<day>/<file>"
	Error      string       `json:"error,omitempty"`
}

// Run is one complete pass over all targets
type Run struct {
	ID         string       `json:"id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Records    []ScanRecord `json:"records"`
	Total      float64      `json:"total"`
	Report     string       `json:"report"`
	Notified   bool         `json:"notified"`
	Error      string       `json:"error,omitempty"`
}
