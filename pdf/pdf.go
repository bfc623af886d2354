// Package pdf writes small, self-contained PDF files made of full-page raster
// images. It supports exactly what a scanned document needs: a catalog, a flat
// page tree, one content stream per page, DCT-encoded image XObjects and an
// information dictionary.
package pdf

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
)

// Color spaces accepted for embedded images.
const (
	DeviceRGB  = "DeviceRGB"
	DeviceGray = "DeviceGray"
)

// Image is a JPEG (DCTDecode) image stream.
type Image struct {
	Width      int
	Height     int
	ColorSpace string
	JPEG       []byte
}

// Placement positions an image on its page in user-space units, measured
// from the lower left corner.
type Placement struct {
	X, Y          float64
	Width, Height float64
}

// Page is a single page showing Images at their placements.
type Page struct {
	Width, Height float64
	Images        []PlacedImage
}

// PlacedImage pairs an image with where it is drawn.
type PlacedImage struct {
	Image *Image
	At    Placement
}

// Info is the document information dictionary.
type Info struct {
	Title        string
	Producer     string
	Creator      string
	CreationDate time.Time
}

// Document is an ordered list of pages plus metadata.
type Document struct {
	Pages []*Page
	Info  Info
}

// Encoder serializes a Document.
type Encoder struct {
	w *countingWriter
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: &countingWriter{w: bufio.NewWriter(w)}}
}

// Object numbers: 1 catalog, 2 page tree, 3 info, then three objects per
// page (page, content stream, first image) followed by additional images.
const (
	catalogObj = 1
	pagesObj   = 2
	infoObj    = 3
)

// Encode writes doc as a complete PDF file.
func (e *Encoder) Encode(doc *Document) error {
	if doc == nil || len(doc.Pages) == 0 {
		return fmt.Errorf("pdf: document has no pages")
	}

	layout := make([]pageObjects, len(doc.Pages))
	next := infoObj + 1
	for i, p := range doc.Pages {
		if p.Width <= 0 || p.Height <= 0 {
			return fmt.Errorf("pdf: page %d has invalid size %vx%v", i+1, p.Width, p.Height)
		}
		layout[i].page = next
		layout[i].content = next + 1
		next += 2
		for j, pi := range p.Images {
			if err := checkImage(pi.Image); err != nil {
				return fmt.Errorf("pdf: page %d image %d: %w", i+1, j+1, err)
			}
			layout[i].images = append(layout[i].images, next)
			next++
		}
	}
	offsets := make([]int64, next)

	e.w.printf("%%PDF-1.4\n%%\xe2\xe3\xcf\xd3\n")

	offsets[catalogObj] = e.w.n
	e.w.printf("%d 0 obj\n<< /Type /Catalog /Pages %d 0 R >>\nendobj\n", catalogObj, pagesObj)

	kids := make([]string, len(layout))
	for i, l := range layout {
		kids[i] = ref(l.page)
	}
	offsets[pagesObj] = e.w.n
	e.w.printf("%d 0 obj\n<< /Type /Pages /Kids [%s] /Count %d >>\nendobj\n",
		pagesObj, strings.Join(kids, " "), len(layout))

	offsets[infoObj] = e.w.n
	e.w.printf("%d 0 obj\n%s\nendobj\n", infoObj, infoDict(doc.Info))

	for i, p := range doc.Pages {
		l := layout[i]

		var xobjects, content strings.Builder
		for j, pi := range p.Images {
			name := fmt.Sprintf("Im%d", j)
			fmt.Fprintf(&xobjects, "/%s %s ", name, ref(l.images[j]))
			fmt.Fprintf(&content, "q %s 0 0 %s %s %s cm /%s Do Q\n",
				num(pi.At.Width), num(pi.At.Height), num(pi.At.X), num(pi.At.Y), name)
		}

		offsets[l.page] = e.w.n
		e.w.printf("%d 0 obj\n<< /Type /Page /Parent %s /MediaBox [0 0 %s %s] /Resources << /XObject << %s>> >> /Contents %s >>\nendobj\n",
			l.page, ref(pagesObj), num(p.Width), num(p.Height), xobjects.String(), ref(l.content))

		offsets[l.content] = e.w.n
		e.writeStream(l.content, "", []byte(content.String()))

		for j, pi := range p.Images {
			img := pi.Image
			offsets[l.images[j]] = e.w.n
			e.writeStream(l.images[j],
				fmt.Sprintf("/Type /XObject /Subtype /Image /Width %d /Height %d /ColorSpace /%s /BitsPerComponent 8 /Filter /DCTDecode ",
					img.Width, img.Height, img.ColorSpace),
				img.JPEG)
		}
	}

	xref := e.w.n
	e.w.printf("xref\n0 %d\n0000000000 65535 f \n", next)
	for obj := 1; obj < next; obj++ {
		e.w.printf("%010d 00000 n \n", offsets[obj])
	}
	e.w.printf("trailer\n<< /Size %d /Root %s /Info %s >>\nstartxref\n%d\n%%%%EOF\n",
		next, ref(catalogObj), ref(infoObj), xref)

	if e.w.err != nil {
		return e.w.err
	}
	return e.w.w.Flush()
}

type pageObjects struct {
	page    int
	content int
	images  []int
}

func (e *Encoder) writeStream(obj int, dict string, data []byte) {
	e.w.printf("%d 0 obj\n<< %s/Length %d >>\nstream\n", obj, dict, len(data))
	e.w.write(data)
	e.w.printf("\nendstream\nendobj\n")
}

func checkImage(img *Image) error {
	switch {
	case img == nil:
		return fmt.Errorf("missing image")
	case img.Width <= 0 || img.Height <= 0:
		return fmt.Errorf("invalid dimensions %dx%d", img.Width, img.Height)
	case len(img.JPEG) == 0:
		return fmt.Errorf("empty image data")
	case img.ColorSpace != DeviceRGB && img.ColorSpace != DeviceGray:
		return fmt.Errorf("unsupported color space %q", img.ColorSpace)
	}
	return nil
}

func infoDict(info Info) string {
	var b strings.Builder
	b.WriteString("<<")
	if info.Title != "" {
		b.WriteString(" /Title " + textString(info.Title))
	}
	if info.Creator != "" {
		b.WriteString(" /Creator " + textString(info.Creator))
	}
	if info.Producer != "" {
		b.WriteString(" /Producer " + textString(info.Producer))
	}
	if !info.CreationDate.IsZero() {
		b.WriteString(" /CreationDate (" + Date(info.CreationDate) + ")")
	}
	b.WriteString(" >>")
	return b.String()
}

// Date formats t as a PDF date string in UTC.
func Date(t time.Time) string {
	return "D:" + t.UTC().Format("20060102150405") + "Z"
}

// textString encodes s as a PDF text string: a literal string when s is
// printable ASCII, UTF-16BE with byte order mark otherwise.
func textString(s string) string {
	ascii := true
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			ascii = false
			break
		}
	}
	if ascii {
		r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
		return "(" + r.Replace(s) + ")"
	}
	var b strings.Builder
	b.WriteString("<FEFF")
	for _, u := range utf16.Encode([]rune(s)) {
		fmt.Fprintf(&b, "%04X", u)
	}
	b.WriteString(">")
	return b.String()
}

func ref(obj int) string {
	return strconv.Itoa(obj) + " 0 R"
}

// num formats a real number without exponent, trimmed to 4 decimals.
func num(v float64) string {
	s := strconv.FormatFloat(v, 'f', 4, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "" || s == "-0" {
		return "0"
	}
	return s
}

type countingWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (c *countingWriter) write(p []byte) {
	if c.err != nil {
		return
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	c.err = err
}

func (c *countingWriter) printf(format string, args ...any) {
	c.write([]byte(fmt.Sprintf(format, args...)))
}
