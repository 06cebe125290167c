package transform

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strconv"

	"mediarelay/internal/retry"
)

type ImageConfig struct {
	// MaxDimension bounds the longer image edge; larger images are downscaled.
	MaxDimension int
	// JPEGQuality for re-encoding (1-100).
	JPEGQuality int
}

func (c ImageConfig) withDefaults() ImageConfig {
	if c.MaxDimension <= 0 {
		c.MaxDimension = 1920
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = 80
	}
	return c
}

// Image downscales and recompresses images to JPEG.
//
// There is deliberately no third-party imaging dependency here; decode via
// the stdlib codecs and scale with a plain nearest-neighbor pass, which is
// plenty for relay previews.
type Image struct {
	cfg ImageConfig
}

func NewImage(cfg ImageConfig) *Image {
	return &Image{cfg: cfg.withDefaults()}
}

func (t *Image) Name() string { return "image/recompress" }

func (t *Image) Apply(ctx context.Context, in Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	src, format, err := image.Decode(bytes.NewReader(in.Payload))
	if err != nil {
		// Undecodable bytes never become decodable; retrying is pointless.
		return Output{}, retry.NoRetry(fmt.Errorf("decode image: %w", err))
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	scaled := src
	if longer := maxInt(w, h); longer > t.cfg.MaxDimension {
		scaled = scaleNearest(src, t.cfg.MaxDimension)
		sb := scaled.Bounds()
		w, h = sb.Dx(), sb.Dy()
	}

	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: t.cfg.JPEGQuality}); err != nil {
		return Output{}, fmt.Errorf("encode jpeg: %w", err)
	}

	return Output{
		Artifact: buf.Bytes(),
		Metadata: map[string]string{
			"format":        "jpeg",
			"source_format": format,
			"width":         strconv.Itoa(w),
			"height":        strconv.Itoa(h),
			"bytes":         strconv.Itoa(buf.Len()),
		},
	}, nil
}

// scaleNearest shrinks img so its longer edge equals maxDim.
func scaleNearest(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	var nw, nh int
	if w >= h {
		nw = maxDim
		nh = h * maxDim / w
	} else {
		nh = maxDim
		nw = w * maxDim / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	for y := 0; y < nh; y++ {
		sy := b.Min.Y + y*h/nh
		for x := 0; x < nw; x++ {
			sx := b.Min.X + x*w/nw
			dst.Set(x, y, img.At(sx, sy))
		}
	}
	return dst
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
