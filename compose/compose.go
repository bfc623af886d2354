// Package compose builds a PDF with one page per captured image. Each image
// is scaled to fit the usable page area with its aspect ratio preserved and
// centered on the page.
package compose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/eringen/cardscan/acquire"
	"github.com/eringen/cardscan/pdf"
)

var log = logrus.WithField("pkg", "compose")

// PageSize is a page size in PDF user-space units (1/72 inch).
type PageSize struct {
	Width  float64
	Height float64
}

// A4 is the default page size.
var A4 = PageSize{Width: 595.276, Height: 841.890}

const (
	// DefaultUsable is the share of each page dimension an image may occupy.
	DefaultUsable = 0.95
	// DefaultJPEGQuality is used when re-encoding images for embedding.
	DefaultJPEGQuality = 95
	// DefaultProducer is written to the document information dictionary.
	DefaultProducer = "cardscan"
)

var (
	// ErrNoImages is returned when Compose is called without images.
	ErrNoImages = errors.New("no images to compose")
	// ErrUnsupportedImage is returned for images that cannot be embedded.
	ErrUnsupportedImage = errors.New("unsupported image")
)

// Error is a composition failure. No partial document accompanies it.
type Error struct {
	Page int // 1-based; 0 when the failure is not tied to a page
	Err  error
}

func (e *Error) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("compose: page %d: %v", e.Page, e.Err)
	}
	return "compose: " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Options controls page geometry and output.
type Options struct {
	Page        PageSize
	Usable      float64 // (0, 1]; 1 uses the full page
	JPEGQuality int
	Title       string
	Producer    string
	CreatedAt   time.Time

	// SkipValidation disables the pdfcpu check of the serialized output.
	SkipValidation bool
}

func (o *Options) setDefaults() {
	if o.Page.Width <= 0 || o.Page.Height <= 0 {
		o.Page = A4
	}
	if o.Usable <= 0 || o.Usable > 1 {
		o.Usable = DefaultUsable
	}
	if o.JPEGQuality <= 0 || o.JPEGQuality > 100 {
		o.JPEGQuality = DefaultJPEGQuality
	}
	if o.Producer == "" {
		o.Producer = DefaultProducer
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
}

// Placement is where a scaled image lands on its page, lower-left origin.
type Placement struct {
	Scale  float64
	X, Y   float64
	Width  float64
	Height float64
}

// Fit scales an imgW × imgH image into the usable area of page and centers
// it: scale = min(usableW/imgW, usableH/imgH), x = (pageW-w)/2,
// y = (pageH-h)/2.
func Fit(page PageSize, usable float64, imgW, imgH int) (Placement, error) {
	if imgW <= 0 || imgH <= 0 {
		return Placement{}, fmt.Errorf("%w: %dx%d has no area", ErrUnsupportedImage, imgW, imgH)
	}
	if usable <= 0 || usable > 1 {
		usable = DefaultUsable
	}
	w, h := float64(imgW), float64(imgH)
	scale := math.Min(page.Width*usable/w, page.Height*usable/h)
	sw, sh := w*scale, h*scale
	return Placement{
		Scale:  scale,
		X:      (page.Width - sw) / 2,
		Y:      (page.Height - sh) / 2,
		Width:  sw,
		Height: sh,
	}, nil
}

// Document is a serialized PDF and the geometry used to build it.
type Document struct {
	PDF        []byte
	Pages      int
	Placements []Placement
}

// Compose builds a PDF with one page per image, in input order.
func Compose(ctx context.Context, images []acquire.CapturedImage, opts Options) (*Document, error) {
	if len(images) == 0 {
		return nil, &Error{Err: ErrNoImages}
	}
	opts.setDefaults()

	placements := make([]Placement, len(images))
	for i, img := range images {
		p, err := Fit(opts.Page, opts.Usable, img.Width, img.Height)
		if err != nil {
			return nil, &Error{Page: i + 1, Err: err}
		}
		placements[i] = p
	}

	// Encoding is the expensive part; pages are assembled in input order
	// regardless of which finishes first.
	embedded := make([]*pdf.Image, len(images))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i := range images {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img, err := embed(images[i], opts.JPEGQuality)
			if err != nil {
				return &Error{Page: i + 1, Err: err}
			}
			embedded[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var ce *Error
		if errors.As(err, &ce) {
			return nil, ce
		}
		return nil, &Error{Err: err}
	}

	doc := &pdf.Document{
		Info: pdf.Info{
			Title:        opts.Title,
			Producer:     opts.Producer,
			Creator:      opts.Producer,
			CreationDate: opts.CreatedAt,
		},
	}
	for i, img := range embedded {
		p := placements[i]
		doc.Pages = append(doc.Pages, &pdf.Page{
			Width:  opts.Page.Width,
			Height: opts.Page.Height,
			Images: []pdf.PlacedImage{{
				Image: img,
				At:    pdf.Placement{X: p.X, Y: p.Y, Width: p.Width, Height: p.Height},
			}},
		})
	}

	var buf bytes.Buffer
	if err := pdf.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, &Error{Err: err}
	}

	if !opts.SkipValidation {
		n, err := validate(buf.Bytes())
		if err != nil {
			return nil, &Error{Err: err}
		}
		if n != len(images) {
			return nil, &Error{Err: fmt.Errorf("document has %d pages, want %d", n, len(images))}
		}
	}

	log.WithFields(logrus.Fields{
		"pages": len(images),
		"bytes": buf.Len(),
	}).Debug("Composed document")

	return &Document{PDF: buf.Bytes(), Pages: len(images), Placements: placements}, nil
}

// embed re-encodes img as a baseline JPEG. Transparent areas are flattened
// onto white since DCT images carry no alpha.
func embed(img acquire.CapturedImage, quality int) (*pdf.Image, error) {
	src := img.Image
	if src == nil {
		return nil, fmt.Errorf("%w: no pixel data", ErrUnsupportedImage)
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: empty bounds", ErrUnsupportedImage)
	}

	colorSpace := pdf.DeviceRGB
	switch s := src.(type) {
	case *image.Gray:
		colorSpace = pdf.DeviceGray
	case *image.YCbCr:
	default:
		if o, ok := s.(interface{ Opaque() bool }); !ok || !o.Opaque() {
			flat := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
			draw.Draw(flat, flat.Bounds(), image.White, image.Point{}, draw.Src)
			draw.Draw(flat, flat.Bounds(), src, b.Min, draw.Over)
			src = flat
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	return &pdf.Image{
		Width:      b.Dx(),
		Height:     b.Dy(),
		ColorSpace: colorSpace,
		JPEG:       buf.Bytes(),
	}, nil
}

var configPathOnce sync.Once

// pdfcpuConfig returns a fresh configuration per call; pdfcpu records the
// running command on it, so it is not shared between goroutines.
func pdfcpuConfig() *model.Configuration {
	configPathOnce.Do(func() {
		model.ConfigPath = "disable"
	})
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// validate checks the serialized document and returns its page count.
func validate(data []byte) (int, error) {
	if err := api.Validate(bytes.NewReader(data), pdfcpuConfig()); err != nil {
		return 0, fmt.Errorf("validate: %w", err)
	}
	return PageCount(data)
}

// PageCount returns the number of pages in a PDF.
func PageCount(data []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(data), pdfcpuConfig())
	if err != nil {
		return 0, fmt.Errorf("page count: %w", err)
	}
	return n, nil
}
