package scanning

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// mockEngine is a mock implementation of Engine
type mockEngine struct {
	fragments []Fragment
	err       error
	paths     []string
	closed    bool
}

func (m *mockEngine) ReadText(ctx context.Context, imagePath string) ([]Fragment, error) {
	m.paths = append(m.paths, imagePath)
	if m.err != nil {
		return nil, m.err
	}
	return m.fragments, nil
}

func (m *mockEngine) Close() error {
	m.closed = true
	return nil
}

// writePNG writes a w x h grey PNG and returns its path.
func writePNG(dir string, w, h int) string {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: 128, B: uint8(y % 256), A: 255})
		}
	}
	path := filepath.Join(dir, "screen.png")
	f, err := os.Create(path)
	Expect(err).NotTo(HaveOccurred())
	defer f.Close()
	Expect(png.Encode(f, img)).To(Succeed())
	return path
}

// writeSplitPNG writes a w x h PNG whose left half is grey level left and
// right half is grey level right.
func writeSplitPNG(dir string, w, h int, left, right uint8) string {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := left
			if x >= w/2 {
				v = right
			}
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	path := filepath.Join(dir, "split.png")
	f, err := os.Create(path)
	Expect(err).NotTo(HaveOccurred())
	defer f.Close()
	Expect(png.Encode(f, img)).To(Succeed())
	return path
}

// greyAt returns the red channel of the pixel at x, y of the image at path.
func greyAt(path string, x, y int) uint8 {
	img, err := DecodeFile(path)
	Expect(err).NotTo(HaveOccurred())
	r, _, _, _ := img.At(x, y).RGBA()
	return uint8(r >> 8)
}

var _ = Describe("Recognizer", func() {
	var (
		tmpDir     string
		screenshot string
		debugPath  string
		engine     *mockEngine
		region     image.Rectangle
		recognizer *Recognizer
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		screenshot = writePNG(tmpDir, 1000, 1300)
		debugPath = filepath.Join(tmpDir, "debug", "cropped.png")
		engine = &mockEngine{}
		region = image.Rect(512, 1058, 921, 1165)
	})

	JustBeforeEach(func() {
		recognizer = NewRecognizer(engine, region, 2.0, debugPath)
	})

	Describe("Read", func() {
		When("the engine returns an amount", func() {
			BeforeEach(func() {
				engine.fragments = []Fragment{{Text: "¥"}, {Text: "1,234.50"}}
			})

			It("parses the joined text", func() {
				reading, err := recognizer.Read(context.Background(), screenshot)
				Expect(err).NotTo(HaveOccurred())
				Expect(reading.Raw).To(Equal("¥ 1,234.50"))
				Expect(reading.Cleaned).To(Equal("1234.50"))
				Expect(reading.Amount).To(Equal(1234.5))
				Expect(reading.Found).To(BeTrue())
			})

			It("runs OCR on the saved crop", func() {
				_, err := recognizer.Read(context.Background(), screenshot)
				Expect(err).NotTo(HaveOccurred())
				Expect(engine.paths).To(Equal([]string{debugPath}))

				crop, err := DecodeFile(debugPath)
				Expect(err).NotTo(HaveOccurred())
				Expect(crop.Bounds().Dx()).To(Equal(409))
				Expect(crop.Bounds().Dy()).To(Equal(107))
			})
		})

		When("the crop holds two grey levels", func() {
			var contrast float64

			BeforeEach(func() {
				screenshot = writeSplitPNG(tmpDir, 20, 10, 100, 160)
				region = image.Rect(0, 0, 20, 10)
				engine.fragments = []Fragment{{Text: "5"}}
				contrast = 2.0
			})

			JustBeforeEach(func() {
				recognizer = NewRecognizer(engine, region, contrast, debugPath)
				_, err := recognizer.Read(context.Background(), screenshot)
				Expect(err).NotTo(HaveOccurred())
			})

			It("doubles the distance from the mean grey", func() {
				Expect(greyAt(debugPath, 2, 5)).To(Equal(uint8(70)))
				Expect(greyAt(debugPath, 17, 5)).To(Equal(uint8(190)))
			})

			When("the factor is 3.0", func() {
				BeforeEach(func() {
					contrast = 3.0
				})

				It("triples the distance from the mean grey", func() {
					Expect(greyAt(debugPath, 2, 5)).To(Equal(uint8(40)))
					Expect(greyAt(debugPath, 17, 5)).To(Equal(uint8(220)))
				})
			})

			When("the factor is 1.0", func() {
				BeforeEach(func() {
					contrast = 1.0
				})

				It("leaves the pixels unchanged", func() {
					Expect(greyAt(debugPath, 2, 5)).To(Equal(uint8(100)))
					Expect(greyAt(debugPath, 17, 5)).To(Equal(uint8(160)))
				})
			})
		})

		When("the region lies outside the screenshot", func() {
			BeforeEach(func() {
				region = image.Rect(900, 1200, 1100, 1400)
			})

			It("returns an error without calling the engine", func() {
				_, err := recognizer.Read(context.Background(), screenshot)
				Expect(err).To(MatchError(ContainSubstring("outside screenshot bounds")))
				Expect(engine.paths).To(BeEmpty())
			})
		})
	})

	Describe("Recognize", func() {
		When("the engine returns no fragments", func() {
			It("returns 0", func() {
				Expect(recognizer.Recognize(context.Background(), screenshot)).To(Equal(0.0))
			})
		})

		When("the text has no digits", func() {
			BeforeEach(func() {
				engine.fragments = []Fragment{{Text: "Balance"}}
			})

			It("returns 0", func() {
				Expect(recognizer.Recognize(context.Background(), screenshot)).To(Equal(0.0))
			})
		})

		When("the text is 12.50", func() {
			BeforeEach(func() {
				engine.fragments = []Fragment{{Text: "12.50"}}
			})

			It("returns 12.5", func() {
				Expect(recognizer.Recognize(context.Background(), screenshot)).To(Equal(12.5))
			})
		})

		When("the text is 1.2.3", func() {
			BeforeEach(func() {
				engine.fragments = []Fragment{{Text: "1.2.3"}}
			})

			It("returns the first match", func() {
				Expect(recognizer.Recognize(context.Background(), screenshot)).To(Equal(1.2))
			})
		})

		When("the engine fails", func() {
			BeforeEach(func() {
				engine.err = errors.New("model crashed")
			})

			It("returns 0", func() {
				Expect(recognizer.Recognize(context.Background(), screenshot)).To(Equal(0.0))
			})
		})

		When("the screenshot does not exist", func() {
			It("returns 0", func() {
				Expect(recognizer.Recognize(context.Background(), filepath.Join(tmpDir, "missing.png"))).To(Equal(0.0))
			})
		})

		When("the screenshot is corrupt", func() {
			It("returns 0", func() {
				bad := filepath.Join(tmpDir, "bad.png")
				Expect(os.WriteFile(bad, []byte("\x89PNG\r\n\x1a\ntruncated"), 0644)).To(Succeed())
				Expect(recognizer.Recognize(context.Background(), bad)).To(Equal(0.0))
			})
		})
	})
})

var _ = Describe("Lazy", func() {
	It("builds the engine once and reuses it", func() {
		builds := 0
		engine := &mockEngine{fragments: []Fragment{{Text: "1"}}}
		lazy := NewLazy(func() (Engine, error) {
			builds++
			return engine, nil
		})

		Expect(builds).To(Equal(0))
		for i := 0; i < 3; i++ {
			_, err := lazy.ReadText(context.Background(), "a.png")
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(builds).To(Equal(1))
		Expect(engine.paths).To(HaveLen(3))

		Expect(lazy.Close()).To(Succeed())
		Expect(engine.closed).To(BeTrue())
	})

	It("keeps returning the build error", func() {
		builds := 0
		lazy := NewLazy(func() (Engine, error) {
			builds++
			return nil, errors.New("no model")
		})

		_, err := lazy.ReadText(context.Background(), "a.png")
		Expect(err).To(MatchError("no model"))
		_, err = lazy.ReadText(context.Background(), "a.png")
		Expect(err).To(MatchError("no model"))
		Expect(builds).To(Equal(1))
		Expect(lazy.Close()).To(Succeed())
	})
})

var _ = Describe("VerifyImage", func() {
	It("accepts a valid PNG", func() {
		Expect(VerifyImage(writePNG(GinkgoT().TempDir(), 4, 4))).To(Succeed())
	})

	It("rejects garbage", func() {
		path := filepath.Join(GinkgoT().TempDir(), "garbage.png")
		Expect(os.WriteFile(path, []byte("not an image"), 0644)).To(Succeed())
		Expect(VerifyImage(path)).To(MatchError(ContainSubstring("unsupported image format")))
	})
})

var _ = Describe("prepareImageData", func() {
	It("passes PNG data through", func() {
		data, err := os.ReadFile(writePNG(GinkgoT().TempDir(), 2, 2))
		Expect(err).NotTo(HaveOccurred())
		out, converted, err := prepareImageData(data)
		Expect(err).NotTo(HaveOccurred())
		Expect(converted).To(BeFalse())
		Expect(out).To(Equal(data))
	})

	It("detects HEIC by its ftyp brand", func() {
		Expect(isHEICFormat([]byte("\x00\x00\x00\x18ftypheic\x00\x00"))).To(BeTrue())
		Expect(isHEICFormat([]byte("\x00\x00\x00\x18ftypisom\x00\x00"))).To(BeFalse())
	})
})
