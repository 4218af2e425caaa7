package tally

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidPath is returned for archive names that escape the archive root
var ErrInvalidPath = errors.New("invalid archive path")

// Storage defines the interface for the screenshot archive
type Storage interface {
	// DayFile returns the archive name ("<day>/<filename>") and the local
	// path for filename in day's folder, creating the folder
	DayFile(day time.Time, filename string) (string, string, error)

	// Get retrieves an archived file by name
	Get(name string) ([]byte, error)
}

// LocalStorage implements the Storage interface using local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// DayFile prepares the per-day archive folder
func (l *LocalStorage) DayFile(day time.Time, filename string) (string, string, error) {
	dayDir := day.Format("2006-01-02")
	dir := filepath.Join(l.basePath, dayDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", fmt.Errorf("creating day directory: %w", err)
	}
	return dayDir + "/" + filename, filepath.Join(dir, filename), nil
}

// Get retrieves a file from local storage
func (l *LocalStorage) Get(name string) ([]byte, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPath, name)
	}
	data, err := os.ReadFile(filepath.Join(l.basePath, clean))
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

var (
	unsafeChars = regexp.MustCompile(`[^\p{L}\p{N}\s\-_]`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a target name for use in file names on the
// device and in the archive
func sanitizeFilename(name string) string {
	// Keep letters of any script, digits, hyphens and underscores
	base := unsafeChars.ReplaceAllString(name, "")
	base = strings.TrimSpace(base)
	// adb shell splits on spaces
	base = whitespace.ReplaceAllString(base, "_")

	const maxLen = 50
	if runes := []rune(base); len(runes) > maxLen {
		base = string(runes[:maxLen])
	}

	if base == "" {
		base = "target"
	}
	return base
}
