package imagesource

import (
	"bytes"
	"image"
	// registered formats
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Limits bound what a single image may cost. MaxBytes caps the encoded size, MaxPixels the
// decoded width*height. A zero MaxPixels disables the pixel check.
type Limits struct {
	MaxBytes  int64
	MaxPixels int64
}

// Decode reads at most limits.MaxBytes from r and decodes the result as an image.
// It returns ErrTooLarge when r holds more than MaxBytes or the header declares more than
// MaxPixels, and ErrDecode when the bytes are not an image in one of the registered formats.
func Decode(r io.Reader, limits Limits) (image.Image, error) {
	data, err := readLimited(r, limits.MaxBytes)
	if err != nil {
		return nil, err
	}
	return decodeBytes(data, limits.MaxPixels)
}

func decodeBytes(data []byte, maxPixels int64) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(ErrDecode, "empty image")
	}

	// the header alone decides the pixel buffer size, so check it before allocating
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(ErrDecode, "%v", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, errors.Wrap(ErrDecode, "image has no pixels")
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); maxPixels > 0 && pixels > maxPixels {
		return nil, errors.Wrapf(ErrTooLarge, "image is %dx%d, over %d pixels", cfg.Width, cfg.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(ErrDecode, "%v", err)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, errors.Wrap(ErrDecode, "image has no pixels")
	}
	return img, nil
}

// readLimited returns ErrTooLarge instead of silently truncating.
func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, errors.Wrapf(ErrTooLarge, "image exceeds %d bytes", maxBytes)
	}
	return data, nil
}
