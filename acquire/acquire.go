// Package acquire turns camera frames and uploaded files into decoded
// in-memory images ready for composition.
package acquire

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Source tells where a CapturedImage came from.
type Source string

const (
	SourceCamera Source = "camera"
	SourceFile   Source = "file"
)

const (
	// MaxDimension bounds either side of an accepted image, in pixels.
	MaxDimension = 12000
	// MaxFileSize bounds the encoded size of an accepted image.
	MaxFileSize = 25 << 20

	thumbnailQuality = 80
)

var (
	// ErrDecode is returned when image bytes cannot be decoded.
	ErrDecode = errors.New("image could not be decoded")
	// ErrCameraUnavailable is returned when no camera stream can be opened.
	ErrCameraUnavailable = errors.New("camera unavailable")
)

// Error is an acquisition failure. It never aborts the process; callers
// report it and the operation simply does not proceed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "acquire: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// CapturedImage is a decoded still. Width and Height always come from the
// decoded bitmap.
type CapturedImage struct {
	ID         string
	Image      image.Image
	Width      int
	Height     int
	Format     string
	Source     Source
	CapturedAt time.Time
}

// Decode reads an encoded image (JPEG, PNG, GIF, BMP, TIFF or WebP) from r.
func Decode(r io.Reader, src Source) (CapturedImage, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return CapturedImage{}, &Error{Op: "read", Err: err}
	}
	return DecodeBytes(data, src)
}

// DecodeBytes decodes an in-memory encoded image.
func DecodeBytes(data []byte, src Source) (CapturedImage, error) {
	if len(data) == 0 {
		return CapturedImage{}, &Error{Op: "decode", Err: fmt.Errorf("%w: empty input", ErrDecode)}
	}
	if len(data) > MaxFileSize {
		return CapturedImage{}, &Error{Op: "decode", Err: fmt.Errorf("%w: larger than %d bytes", ErrDecode, MaxFileSize)}
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return CapturedImage{}, &Error{Op: "decode", Err: fmt.Errorf("%w: %v", ErrDecode, err)}
	}
	if cfg.Width > MaxDimension || cfg.Height > MaxDimension {
		return CapturedImage{}, &Error{Op: "decode", Err: fmt.Errorf("%w: %dx%d exceeds %d pixels per side", ErrDecode, cfg.Width, cfg.Height, MaxDimension)}
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return CapturedImage{}, &Error{Op: "decode", Err: fmt.Errorf("%w: %v", ErrDecode, err)}
	}
	b := img.Bounds()
	if b.Empty() {
		return CapturedImage{}, &Error{Op: "decode", Err: fmt.Errorf("%w: image has no pixels", ErrDecode)}
	}
	return CapturedImage{
		ID:         uuid.NewString(),
		Image:      img,
		Width:      b.Dx(),
		Height:     b.Dy(),
		Format:     format,
		Source:     src,
		CapturedAt: time.Now(),
	}, nil
}

// Thumbnail renders a JPEG preview at most width pixels wide. It is used for
// display only; the original raster is what gets composed.
func Thumbnail(img CapturedImage, width int) ([]byte, error) {
	if img.Image == nil {
		return nil, &Error{Op: "thumbnail", Err: ErrDecode}
	}
	src := img.Image
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if width > 0 && w > width {
		newH := h * width / w
		if newH < 1 {
			newH = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, width, newH))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
		src = dst
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: thumbnailQuality}); err != nil {
		return nil, &Error{Op: "thumbnail", Err: err}
	}
	return buf.Bytes(), nil
}
