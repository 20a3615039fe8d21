package model

import (
	"image"
	"math"

	"github.com/nfnt/resize"
)

// padValue is the grey the YOLO exporters letterbox with (114/255).
const padValue = float32(114.0 / 255.0)

// letterbox records how an image was mapped into the square model input so boxes can be mapped back.
type letterbox struct {
	scale        float64
	padX, padY   float64
	origW, origH int
}

// toOriginal maps a box in model input space (center x/y, width, height) back to the source image.
func (l letterbox) toOriginal(cx, cy, w, h float32) image.Rectangle {
	x0 := (float64(cx-w/2) - l.padX) / l.scale
	y0 := (float64(cy-h/2) - l.padY) / l.scale
	x1 := (float64(cx+w/2) - l.padX) / l.scale
	y1 := (float64(cy+h/2) - l.padY) / l.scale
	return image.Rect(
		clampInt(x0, l.origW), clampInt(y0, l.origH),
		clampInt(x1, l.origW), clampInt(y1, l.origH),
	)
}

func clampInt(v float64, hi int) int {
	switch {
	case v < 0:
		return 0
	case v > float64(hi):
		return hi
	}
	return int(math.Round(v))
}

// preprocessImage resizes img preserving aspect ratio into a width x height canvas padded with
// grey and writes it into dst as planar RGB (CHW) scaled to [0,1]. dst must hold 3*width*height values.
func preprocessImage(img image.Image, width, height int, dst []float32) letterbox {
	b := img.Bounds()
	origW, origH := b.Dx(), b.Dy()

	scale := math.Min(float64(width)/float64(origW), float64(height)/float64(origH))
	newW := max(1, int(math.Round(float64(origW)*scale)))
	newH := max(1, int(math.Round(float64(origH)*scale)))
	padX := (width - newW) / 2
	padY := (height - newH) / 2

	resized := resize.Resize(uint(newW), uint(newH), img, resize.Bilinear)

	plane := width * height
	for i := range dst[:3*plane] {
		dst[i] = padValue
	}

	rb := resized.Bounds()
	for y := 0; y < newH; y++ {
		for x := 0; x < newW; x++ {
			r, g, bl, _ := resized.At(rb.Min.X+x, rb.Min.Y+y).RGBA()
			idx := (y+padY)*width + (x + padX)
			dst[idx] = float32(r) / 65535.0
			dst[plane+idx] = float32(g) / 65535.0
			dst[2*plane+idx] = float32(bl) / 65535.0
		}
	}

	return letterbox{
		scale: scale,
		padX:  float64(padX),
		padY:  float64(padY),
		origW: origW,
		origH: origH,
	}
}
