package pipeline

import (
	"context"
	"fmt"
	"path"
	"strings"
)

const defaultFrameQuality = 85

// FrameFitter scales generated stills down to the video frame width so the
// animation stage receives uniformly sized frames. Images already within
// the width are stored as generated.
type FrameFitter struct {
	width   int
	quality int
	scaler  frameScaler
}

// frameScaler is the image backend: libvips when built with the govips tag,
// otherwise a pure Go scaler.
type frameScaler interface {
	scale(ctx context.Context, data []byte, width, quality int) (out []byte, format string, resized bool, err error)
}

func NewFrameFitter(width, quality int) (*FrameFitter, error) {
	if width < 0 {
		return nil, fmt.Errorf("frame width must not be negative")
	}
	if quality <= 0 || quality > 100 {
		quality = defaultFrameQuality
	}
	scaler, err := newFrameScaler()
	if err != nil {
		return nil, err
	}
	return &FrameFitter{width: width, quality: quality, scaler: scaler}, nil
}

// Fit returns asset unchanged unless it is an image wider than the frame.
// A resized asset carries the content type and file extension of the
// format it was re-encoded in.
func (f *FrameFitter) Fit(ctx context.Context, asset Asset) (Asset, error) {
	if f == nil || f.width == 0 || !isImageAsset(asset) {
		return asset, nil
	}

	data, format, resized, err := f.scaler.scale(ctx, asset.Data, f.width, f.quality)
	if err != nil {
		return Asset{}, fmt.Errorf("fit frame %s: %w", asset.Name, err)
	}
	if !resized {
		return asset, nil
	}

	return Asset{
		Name:        withExtension(asset.Name, format),
		ContentType: "image/" + format,
		Data:        data,
	}, nil
}

func isImageAsset(asset Asset) bool {
	if strings.HasPrefix(strings.ToLower(asset.ContentType), "image/") {
		return true
	}
	switch strings.ToLower(path.Ext(asset.Name)) {
	case ".png", ".jpg", ".jpeg", ".webp":
		return true
	}
	return false
}

func withExtension(name, format string) string {
	ext := "." + format
	if format == "jpeg" {
		ext = ".jpg"
	}
	current := path.Ext(name)
	if strings.EqualFold(current, ext) || (format == "jpeg" && strings.EqualFold(current, ".jpeg")) {
		return name
	}
	return strings.TrimSuffix(name, current) + ext
}
