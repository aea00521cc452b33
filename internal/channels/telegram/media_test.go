package telegram

import (
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
)

func writeTestPNG(t *testing.T, w, h int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSanitizeImageDownscalesLargeImages(t *testing.T) {
	in := writeTestPNG(t, 3000, 1000)

	out, err := sanitizeImage(in)
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(out)

	if !strings.HasSuffix(out, "_clean.jpg") {
		t.Errorf("output path = %q", out)
	}
	img, err := imaging.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	b := img.Bounds()
	if b.Dx() > photoMaxDim || b.Dy() > photoMaxDim {
		t.Errorf("dimensions %dx%d exceed %d", b.Dx(), b.Dy(), photoMaxDim)
	}
}

func TestSanitizeImageKeepsSmallDimensions(t *testing.T) {
	in := writeTestPNG(t, 100, 80)

	out, err := sanitizeImage(in)
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(out)

	img, err := imaging.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	b := img.Bounds()
	if b.Dx() != 100 || b.Dy() != 80 {
		t.Errorf("dimensions changed to %dx%d", b.Dx(), b.Dy())
	}
}
