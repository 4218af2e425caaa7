package scanning

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// Reading is the detailed outcome of one recognition.
type Reading struct {
	Raw     string  `json:"raw"`     // fragments joined with spaces
	Cleaned string  `json:"cleaned"` // digits and periods only
	Amount  float64 `json:"amount"`
	Found   bool    `json:"found"`
}

// Recognizer reads the balance out of a fixed region of a screenshot.
type Recognizer struct {
	engine    Engine
	region    image.Rectangle
	contrast  float64
	debugPath string
}

// NewRecognizer creates a Recognizer. contrast scales every channel's
// distance from the crop's mean grey level: 1.0 leaves the crop unchanged,
// 2.0 doubles the distance.
func NewRecognizer(engine Engine, region image.Rectangle, contrast float64, debugPath string) *Recognizer {
	if debugPath == "" {
		debugPath = "temp_cropped.png"
	}
	return &Recognizer{
		engine:    engine,
		region:    region,
		contrast:  contrast,
		debugPath: debugPath,
	}
}

// Read crops and enhances the amount region, runs OCR on it and parses the
// first decimal number. Found is false when the text held no number.
func (r *Recognizer) Read(ctx context.Context, screenshotPath string) (Reading, error) {
	img, err := DecodeFile(screenshotPath)
	if err != nil {
		return Reading{}, fmt.Errorf("opening screenshot: %w", err)
	}

	if !r.region.In(img.Bounds()) {
		return Reading{}, fmt.Errorf("amount region %v outside screenshot bounds %v", r.region, img.Bounds())
	}
	cropped := imaging.Crop(img, r.region)
	enhanced := enhanceContrast(cropped, r.contrast)

	if err := os.MkdirAll(filepath.Dir(r.debugPath), 0755); err != nil {
		return Reading{}, fmt.Errorf("creating debug directory: %w", err)
	}
	if err := imaging.Save(enhanced, r.debugPath); err != nil {
		return Reading{}, fmt.Errorf("saving cropped image: %w", err)
	}

	fragments, err := r.engine.ReadText(ctx, r.debugPath)
	if err != nil {
		return Reading{}, fmt.Errorf("running OCR: %w", err)
	}
	slog.Debug("OCR result", "fragments", fragments)

	reading := Reading{Raw: strings.Join(texts(fragments), " ")}
	reading.Cleaned = CleanAmountText(reading.Raw)
	reading.Amount, reading.Found = ParseAmount(reading.Cleaned)
	return reading, nil
}

// Recognize returns the amount shown on the screenshot, or 0 when it cannot
// be read for any reason.
func (r *Recognizer) Recognize(ctx context.Context, screenshotPath string) float64 {
	reading, err := r.Read(ctx, screenshotPath)
	if err != nil {
		slog.Warn("Failed to recognize amount", "screenshot", screenshotPath, "error", err)
		return 0
	}
	if !reading.Found {
		slog.Warn("No amount in recognized text", "raw", reading.Raw, "cleaned", reading.Cleaned)
		return 0
	}
	slog.Info("Recognized amount", "amount", reading.Amount, "raw", reading.Raw)
	return reading.Amount
}

// enhanceContrast moves each channel away from the mean luminance of img by
// factor, clamping to [0, 255]. Alpha is kept.
func enhanceContrast(img *image.NRGBA, factor float64) *image.NRGBA {
	if factor == 1 {
		return img
	}
	mean := float64(meanLuminance(img))
	scale := func(v uint8) uint8 {
		out := mean + factor*(float64(v)-mean)
		switch {
		case out <= 0:
			return 0
		case out >= 255:
			return 255
		}
		return uint8(out)
	}
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		return color.NRGBA{R: scale(c.R), G: scale(c.G), B: scale(c.B), A: c.A}
	})
}

// meanLuminance returns the rounded mean of the ITU-R 601-2 luma of img.
func meanLuminance(img *image.NRGBA) int {
	b := img.Bounds()
	n := b.Dx() * b.Dy()
	if n == 0 {
		return 0
	}
	var sum int
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			p := row[x*4 : x*4+3]
			sum += (int(p[0])*19595 + int(p[1])*38470 + int(p[2])*7471 + 0x8000) >> 16
		}
	}
	return int(float64(sum)/float64(n) + 0.5)
}
