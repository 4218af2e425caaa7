package scanning

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os/exec"
	"strconv"
	"strings"
)

// Tesseract implements the Engine interface with the tesseract command line tool
type Tesseract struct {
	path string
	lang string
}

// NewTesseract checks that the tesseract binary is available and returns an Engine
func NewTesseract(path, lang string) (*Tesseract, error) {
	if path == "" {
		path = "tesseract"
	}
	if lang == "" {
		lang = "eng"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("locating tesseract: %w", err)
	}
	return &Tesseract{path: resolved, lang: lang}, nil
}

// ReadText runs tesseract in single-line mode with TSV output
func (t *Tesseract) ReadText(ctx context.Context, imagePath string) ([]Fragment, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.path, imagePath, "stdout", "-l", t.lang, "--psm", "7", "tsv")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("running tesseract: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseTesseractTSV(stdout.String())
}

// Close is a no-op; every call runs its own process
func (t *Tesseract) Close() error {
	return nil
}

// parseTesseractTSV converts word rows of tesseract's TSV output into fragments.
// Columns: level page_num block_num par_num line_num word_num left top width height conf text
func parseTesseractTSV(out string) ([]Fragment, error) {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) == 0 || !strings.HasPrefix(lines[0], "level") {
		return nil, fmt.Errorf("unexpected tesseract output")
	}

	fragments := make([]Fragment, 0)
	for _, line := range lines[1:] {
		cols := strings.Split(strings.TrimRight(line, "\r"), "\t")
		if len(cols) < 12 || cols[0] != "5" {
			continue
		}
		text := strings.TrimSpace(cols[11])
		if text == "" {
			continue
		}

		var nums [4]int
		for i := range nums {
			n, err := strconv.Atoi(cols[6+i])
			if err != nil {
				return nil, fmt.Errorf("parsing box column %d: %w", 6+i, err)
			}
			nums[i] = n
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil {
			return nil, fmt.Errorf("parsing confidence: %w", err)
		}

		fragments = append(fragments, Fragment{
			Box:        image.Rect(nums[0], nums[1], nums[0]+nums[2], nums[1]+nums[3]),
			Text:       text,
			Confidence: conf / 100,
		})
	}
	return fragments, nil
}
