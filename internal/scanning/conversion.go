package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"os"
	"strings"

	"github.com/gen2brain/heic"
)

// textScanPrompt is the shared prompt used by all LLM providers for reading text
const textScanPrompt = `You are reading a cropped region of a mobile app screenshot. The region shows a money balance.
Transcribe every piece of text you can see, exactly as it appears, including currency symbols, separators and decimal points.

Return ONLY valid JSON in this exact format:
[
  {"text": "¥1,234.50", "confidence": 0.95}
]

Important:
- One entry per separate piece of text, in reading order (left to right, top to bottom)
- confidence is a number between 0 and 1
- If there is no text, return []
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

// decodeImage decodes PNG, JPEG, GIF and HEIC/HEIF data
func decodeImage(imageData []byte) (image.Image, error) {
	// Go's standard image package doesn't support HEIC
	if isHEICFormat(imageData) {
		img, err := heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") {
			return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF. Error: %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// DecodeFile reads and decodes an image file
func DecodeFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	return decodeImage(data)
}

// VerifyImage fully decodes the image at path and reports any corruption.
func VerifyImage(path string) error {
	img, err := DecodeFile(path)
	if err != nil {
		return err
	}
	if img.Bounds().Empty() {
		return fmt.Errorf("image %s is empty", path)
	}
	return nil
}

// isHEICFormat checks if the image data is in HEIC/HEIF format
// HEIC files typically start with specific magic bytes
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	// ftyp box at offset 4 with brand 'heic', 'heif', 'mif1' or 'msf1'
	if string(data[4:8]) == "ftyp" {
		brand := string(data[8:12])
		if brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1" {
			return true
		}
	}
	return false
}

// prepareImageData converts the image to PNG if needed
// Returns the PNG data and a boolean indicating if conversion occurred
func prepareImageData(imageData []byte) ([]byte, bool, error) {
	if bytes.HasPrefix(imageData, pngMagic) {
		return imageData, false, nil
	}

	img, err := decodeImage(imageData)
	if err != nil {
		return nil, false, fmt.Errorf("converting image to PNG: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, false, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), true, nil
}
