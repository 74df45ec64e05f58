package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"

	"tilestream/internal/tile"
)

// ErrEmptyTile is returned when a wrapped provider reports success without a tile.
var ErrEmptyTile = errors.New("empty tile")

type resampleProvider struct {
	tile.Provider
	size int
}

// WithResample decodes every tile p returns, scales it to size×size pixels
// and re-encodes it as PNG. PNG tiles already at the target size pass through
// untouched.
func WithResample(p tile.Provider, size int) tile.Provider {
	return &resampleProvider{Provider: p, size: size}
}

func (r *resampleProvider) Fetch(ctx context.Context, key tile.Key) (*tile.Data, error) {
	d, err := r.Provider.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	if d == nil || d.Payload == nil {
		return nil, fmt.Errorf("%w: provider returned no tile for %s", ErrEmptyTile, key)
	}

	out, err := Resample(d.Bytes(), r.size)
	if err != nil {
		d.Payload.Release()
		return nil, err
	}
	if out == nil {
		return d, nil
	}

	d.Payload.Release()
	return tile.NewData(key, out), nil
}

func (r *resampleProvider) TileSize() int {
	return r.size
}

// Resample scales an encoded PNG or JPEG image to size×size and returns it as
// PNG. It returns nil, nil when src is already a PNG of that size.
func Resample(src []byte, size int) ([]byte, error) {
	img, format, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tile: %w", err)
	}

	b := img.Bounds()
	if format == "png" && b.Dx() == size && b.Dy() == size {
		return nil, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("failed to encode tile: %w", err)
	}
	return buf.Bytes(), nil
}
