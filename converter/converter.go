// Package converter transcodes images between the formats the service offers,
// optionally shrinking them to fit a bounding box.
package converter

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	// Register extra decoders so uploads in these formats can be converted too.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrUnsupportedFormat is returned for target formats outside the offered set.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrInvalidOptions is returned for an explicit quality or size the encoder cannot honour.
	ErrInvalidOptions = errors.New("invalid options")
)

// DefaultQuality is used when a request carries no usable quality.
const DefaultQuality = 90

// Format is a target output format. Its value is also the output extension.
type Format string

const (
	JPG  Format = "jpg"
	JPEG Format = "jpeg"
	PNG  Format = "png"
	WEBP Format = "webp"
	GIF  Format = "gif"
)

// ParseFormat matches s case-insensitively against the offered formats.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case JPG, JPEG, PNG, WEBP, GIF:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, s)
	}
}

// Options tune one conversion. Zero Width/Height leave that axis unconstrained.
type Options struct {
	Quality int
	Width   int
	Height  int
}

// Normalize fills a zero quality, meaning absent, with def. Other values are
// left for Validate to judge.
func (o Options) Normalize(def int) Options {
	if def < 1 || def > 100 {
		def = DefaultQuality
	}
	if o.Quality == 0 {
		o.Quality = def
	}
	return o
}

// Validate rejects a quality outside 1..100 and negative dimensions.
func (o Options) Validate() error {
	if o.Quality < 1 || o.Quality > 100 {
		return fmt.Errorf("%w: quality %d out of range 1-100", ErrInvalidOptions, o.Quality)
	}
	if o.Width < 0 || o.Height < 0 {
		return fmt.Errorf("%w: negative size %dx%d", ErrInvalidOptions, o.Width, o.Height)
	}
	return nil
}

// Result describes the written output.
type Result struct {
	Width  int
	Height int
	Bytes  int64
}

// FitInside shrinks img so it fits within width x height, keeping the aspect
// ratio. A zero bound leaves that axis free; an image that already fits is returned as is.
func FitInside(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	switch {
	case width <= 0 && height <= 0:
		return img
	case width > 0 && height > 0:
		if w <= width && h <= height {
			return img
		}
		return imaging.Fit(img, width, height, imaging.Lanczos)
	case width > 0:
		if w <= width {
			return img
		}
		return imaging.Resize(img, width, 0, imaging.Lanczos)
	default:
		if h <= height {
			return img
		}
		return imaging.Resize(img, 0, height, imaging.Lanczos)
	}
}

// Convert decodes src, applies the resize in opts and writes format to dst.
// dst must not exist yet; on any failure nothing is left at dst.
func Convert(src, dst string, format Format, opts Options) (Result, error) {
	if _, err := ParseFormat(string(format)); err != nil {
		return Result{}, err
	}
	opts = opts.Normalize(DefaultQuality)
	if err := opts.Validate(); err != nil {
		return Result{}, err
	}

	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return Result{}, fmt.Errorf("decode %s: %w", src, err)
	}
	img = FitInside(img, opts.Width, opts.Height)

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return Result{}, fmt.Errorf("create output: %w", err)
	}

	cw := &countingWriter{w: out}
	err = Encode(cw, img, format, opts.Quality)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return Result{}, fmt.Errorf("encode %s: %w", format, err)
	}

	b := img.Bounds()
	return Result{Width: b.Dx(), Height: b.Dy(), Bytes: cw.n}, nil
}

// Encode writes img to w in the given format.
//
// PNG is lossless, so quality is read as compression effort rather than
// visual quality: 1-40 best compression, 41-89 default, 90-100 best speed.
// GIF ignores quality.
func Encode(w io.Writer, img image.Image, format Format, quality int) error {
	switch format {
	case JPG, JPEG:
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case PNG:
		return imaging.Encode(w, img, imaging.PNG, imaging.PNGCompressionLevel(PNGCompression(quality)))
	case WEBP:
		return webp.Encode(w, img, &webp.Options{Lossless: false, Quality: float32(quality)})
	case GIF:
		return imaging.Encode(w, img, imaging.GIF)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// PNGCompression maps a 1-100 quality hint onto a zlib effort level.
func PNGCompression(quality int) png.CompressionLevel {
	switch {
	case quality <= 40:
		return png.BestCompression
	case quality < 90:
		return png.DefaultCompression
	default:
		return png.BestSpeed
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
