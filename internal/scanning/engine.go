package scanning

import (
	"context"
	"image"
)

// Fragment is one piece of text found by an OCR engine.
type Fragment struct {
	Box        image.Rectangle `json:"box"`
	Text       string          `json:"text"`
	Confidence float64         `json:"confidence"`
}

// Engine defines the interface for OCR engines
type Engine interface {
	// ReadText recognizes all text in the image at imagePath. Fragments are
	// returned in the engine's own order.
	ReadText(ctx context.Context, imagePath string) ([]Fragment, error)
	// Close releases engine resources
	Close() error
}

// texts returns the fragment texts in order.
func texts(fragments []Fragment) []string {
	out := make([]string, 0, len(fragments))
	for _, f := range fragments {
		out = append(out, f.Text)
	}
	return out
}
