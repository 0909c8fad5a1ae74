//go:build !govips || !cgo

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

func Startup() error {
	return nil
}

func Shutdown() {}

func newFrameScaler() (frameScaler, error) {
	return stdFrameScaler{}, nil
}

type stdFrameScaler struct{}

func (stdFrameScaler) scale(ctx context.Context, data []byte, width, quality int) ([]byte, string, bool, error) {
	select {
	case <-ctx.Done():
		return nil, "", false, ctx.Err()
	default:
	}

	cfg, srcFormat, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", false, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= width {
		return nil, "", false, nil
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", false, fmt.Errorf("decode image: %w", err)
	}

	bounds := src.Bounds()
	height := int(math.Round(float64(bounds.Dy()) * float64(width) / float64(bounds.Dx())))
	dst := image.NewRGBA(image.Rect(0, 0, width, max(1, height)))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)

	// webp has no pure Go encoder; those frames are re-encoded as png.
	format := "png"
	if srcFormat == "jpeg" {
		format = "jpeg"
	}

	var buf bytes.Buffer
	switch format {
	case "jpeg":
		err = jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality})
	default:
		err = (&png.Encoder{CompressionLevel: png.DefaultCompression}).Encode(&buf, dst)
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), format, true, nil
}
