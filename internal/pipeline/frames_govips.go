//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var (
	startupOnce sync.Once
	shutdownMu  sync.Mutex
	started     bool
)

// Startup initializes libvips once per process.
func Startup() error {
	startupOnce.Do(func() {
		vips.Startup(&vips.Config{
			MaxCacheFiles: 0,
			MaxCacheMem:   128 * 1024 * 1024,
			MaxCacheSize:  100,
		})

		shutdownMu.Lock()
		started = true
		shutdownMu.Unlock()
	})
	return nil
}

func Shutdown() {
	shutdownMu.Lock()
	defer shutdownMu.Unlock()
	if !started {
		return
	}
	vips.Shutdown()
	started = false
}

func newFrameScaler() (frameScaler, error) {
	if err := Startup(); err != nil {
		return nil, err
	}
	return vipsFrameScaler{}, nil
}

type vipsFrameScaler struct{}

func (vipsFrameScaler) scale(ctx context.Context, data []byte, width, quality int) ([]byte, string, bool, error) {
	select {
	case <-ctx.Done():
		return nil, "", false, ctx.Err()
	default:
	}

	img, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, "", false, fmt.Errorf("decode image: %w", err)
	}
	defer img.Close()

	if img.Width() <= width {
		return nil, "", false, nil
	}
	if err := img.Resize(float64(width)/float64(img.Width()), vips.KernelLanczos3); err != nil {
		return nil, "", false, fmt.Errorf("resize image: %w", err)
	}

	var (
		out    []byte
		format string
	)
	switch vips.DetermineImageType(data) {
	case vips.ImageTypeJPEG:
		params := vips.NewJpegExportParams()
		params.Quality = quality
		out, _, err = img.ExportJpeg(params)
		format = "jpeg"
	case vips.ImageTypeWEBP:
		params := vips.NewWebpExportParams()
		params.Quality = quality
		out, _, err = img.ExportWebp(params)
		format = "webp"
	default:
		out, _, err = img.ExportPng(vips.NewPngExportParams())
		format = "png"
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("encode %s: %w", format, err)
	}
	return out, format, true, nil
}
