package compose

import (
	"context"
	"image"
	"image/color"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eringen/cardscan/acquire"
)

const tolerance = 1e-6

func captured(img image.Image) acquire.CapturedImage {
	b := img.Bounds()
	return acquire.CapturedImage{
		ID:         strconv.Itoa(b.Dx()) + "x" + strconv.Itoa(b.Dy()),
		Image:      img,
		Width:      b.Dx(),
		Height:     b.Dy(),
		Source:     acquire.SourceFile,
		CapturedAt: time.Now(),
	}
}

func rgba(w, h int) acquire.CapturedImage {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	return captured(img)
}

func TestFitScenarioLandscapeCardOnA4(t *testing.T) {
	p, err := Fit(A4, 1, 1000, 500)
	require.NoError(t, err)

	assert.InDelta(t, 0.595276, p.Scale, tolerance)
	assert.InDelta(t, 595.276, p.Width, 0.01)
	assert.InDelta(t, 297.638, p.Height, 0.01)
	assert.InDelta(t, 0, p.X, 0.01)
	assert.InDelta(t, 272.126, p.Y, 0.01)
}

func TestFitProperties(t *testing.T) {
	sizes := [][2]int{
		{1000, 500}, {500, 1000}, {2560, 1440}, {1440, 2560},
		{1, 1}, {1, 4000}, {4000, 1}, {85, 55}, {595, 842}, {12000, 12000},
	}
	for _, usable := range []float64{1, 0.95, 0.5} {
		uw, uh := A4.Width*usable, A4.Height*usable
		for _, s := range sizes {
			p, err := Fit(A4, usable, s[0], s[1])
			require.NoError(t, err)

			// Aspect ratio preserved.
			assert.InDelta(t, float64(s[0])/float64(s[1]), p.Width/p.Height, 1e-9, "%v", s)
			// Fits the usable area.
			assert.LessOrEqual(t, p.Width, uw+tolerance, "%v", s)
			assert.LessOrEqual(t, p.Height, uh+tolerance, "%v", s)
			// One dimension touches the usable bound.
			touches := abs(p.Width-uw) < tolerance || abs(p.Height-uh) < tolerance
			assert.True(t, touches, "%v at %v does not fill the usable area", s, usable)
			// Centered.
			assert.InDelta(t, A4.Width/2, p.X+p.Width/2, tolerance, "%v", s)
			assert.InDelta(t, A4.Height/2, p.Y+p.Height/2, tolerance, "%v", s)
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestFitRejectsEmptyImages(t *testing.T) {
	for _, s := range [][2]int{{0, 10}, {10, 0}, {-1, 5}} {
		_, err := Fit(A4, 1, s[0], s[1])
		assert.ErrorIs(t, err, ErrUnsupportedImage)
	}
}

var imageDims = regexp.MustCompile(`/Subtype /Image /Width (\d+) /Height (\d+)`)

func TestComposeOnePagePerImageInOrder(t *testing.T) {
	images := []acquire.CapturedImage{rgba(300, 150), rgba(120, 240), rgba(200, 200)}

	doc, err := Compose(context.Background(), images, Options{Title: "Visitenkarte"})
	require.NoError(t, err)

	assert.Equal(t, 3, doc.Pages)
	n, err := PageCount(doc.PDF)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	matches := imageDims.FindAllStringSubmatch(string(doc.PDF), -1)
	require.Len(t, matches, 3)
	for i, m := range matches {
		assert.Equal(t, strconv.Itoa(images[i].Width), m[1], "page %d width", i+1)
		assert.Equal(t, strconv.Itoa(images[i].Height), m[2], "page %d height", i+1)
	}

	require.Len(t, doc.Placements, 3)
	for i, p := range doc.Placements {
		want, err := Fit(A4, DefaultUsable, images[i].Width, images[i].Height)
		require.NoError(t, err)
		assert.Equal(t, want, p)
	}
}

func TestComposeSelfContained(t *testing.T) {
	doc, err := Compose(context.Background(), []acquire.CapturedImage{rgba(40, 20)}, Options{})
	require.NoError(t, err)

	s := string(doc.PDF)
	assert.Contains(t, s, "/Filter /DCTDecode")
	assert.NotContains(t, s, "/URI")
	assert.NotContains(t, s, "/F (")
	assert.Regexp(t, `^%PDF-1\.4`, s)
}

func TestComposeGrayscaleKeepsSingleChannel(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 30, 60))
	for i := range gray.Pix {
		gray.Pix[i] = uint8(i)
	}
	doc, err := Compose(context.Background(), []acquire.CapturedImage{captured(gray)}, Options{})
	require.NoError(t, err)
	assert.Contains(t, string(doc.PDF), "/ColorSpace /DeviceGray")
}

func TestComposeFlattensTransparency(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 20, 20))
	img.Set(5, 5, color.NRGBA{0, 0, 255, 100})

	doc, err := Compose(context.Background(), []acquire.CapturedImage{captured(img)}, Options{})
	require.NoError(t, err)
	assert.Contains(t, string(doc.PDF), "/ColorSpace /DeviceRGB")
	assert.NotContains(t, string(doc.PDF), "/SMask")
}

func TestComposeErrors(t *testing.T) {
	_, err := Compose(context.Background(), nil, Options{})
	assert.ErrorIs(t, err, ErrNoImages)

	broken := acquire.CapturedImage{Width: 0, Height: 10}
	_, err = Compose(context.Background(), []acquire.CapturedImage{rgba(10, 10), broken}, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedImage)

	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.Page)

	noPixels := acquire.CapturedImage{Width: 10, Height: 10}
	_, err = Compose(context.Background(), []acquire.CapturedImage{noPixels}, Options{})
	assert.ErrorIs(t, err, ErrUnsupportedImage)
}

func TestComposeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	doc, err := Compose(ctx, []acquire.CapturedImage{rgba(10, 10)}, Options{})
	assert.Nil(t, doc)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOptionsDefaults(t *testing.T) {
	var o Options
	o.setDefaults()
	assert.Equal(t, A4, o.Page)
	assert.Equal(t, DefaultUsable, o.Usable)
	assert.Equal(t, DefaultJPEGQuality, o.JPEGQuality)
	assert.Equal(t, DefaultProducer, o.Producer)
	assert.False(t, o.CreatedAt.IsZero())

	o = Options{Usable: 1.5}
	o.setDefaults()
	assert.Equal(t, DefaultUsable, o.Usable)
}
