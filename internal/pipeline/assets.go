package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/dunamismax/storyforge/internal/storage"
)

// AssetStore hosts generated assets and returns their public URLs.
type AssetStore interface {
	Upload(ctx context.Context, bucket storage.Bucket, key string, data []byte) (string, error)
	PublicURL(bucket storage.Bucket, key string) (string, error)
}

// AssetEmitter writes generated assets under
// <job>/<stage>/<version>/<name>. Rendering output lands in the final
// bucket; everything else is a working asset.
type AssetEmitter struct {
	Store AssetStore
}

func (e *AssetEmitter) Emit(ctx context.Context, job domain.Job, stage domain.Stage, asset Asset) (string, error) {
	if e == nil || e.Store == nil {
		return "", errors.New("asset store is required")
	}
	if len(asset.Data) == 0 {
		return "", fmt.Errorf("%w: asset %q is empty", domain.ErrInvalidInput, asset.Name)
	}

	bucket := storage.BucketAssets
	if stage == domain.StageRendering {
		bucket = storage.BucketFinal
	}
	key := assetKey(job, stage, asset.Name)

	publicURL, err := e.Store.Upload(ctx, bucket, key, asset.Data)
	if errors.Is(err, domain.ErrConflict) {
		// written by an earlier attempt of this same task
		return e.Store.PublicURL(bucket, key)
	}
	return publicURL, err
}

// assetKey is stable for one job state, so a retried task reuses the keys
// of its earlier attempts.
func assetKey(job domain.Job, stage domain.Stage, name string) string {
	return path.Join(
		sanitizePathToken(job.ID),
		string(stage),
		strconv.FormatInt(job.UpdatedAt.UnixMicro(), 10),
		sanitizeFileName(name),
	)
}

// assetNames hands out the file names of one stage run. A name that
// sanitizes to one already claimed gets a -2, -3, ... suffix on its stem,
// in generator order, so a retried run claims the same names again.
type assetNames map[string]struct{}

func (seen assetNames) claim(name string) string {
	clean := sanitizeFileName(name)
	if _, taken := seen[clean]; !taken {
		seen[clean] = struct{}{}
		return clean
	}
	ext := path.Ext(clean)
	stem := strings.TrimSuffix(clean, ext)
	for n := 2; ; n++ {
		candidate := stem + "-" + strconv.Itoa(n) + ext
		if _, taken := seen[candidate]; !taken {
			seen[candidate] = struct{}{}
			return candidate
		}
	}
}

func sanitizeFileName(in string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(in), "\\", "/"))
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	name := sanitizePathToken(strings.Trim(stem, "."))
	if ext = sanitizePathToken(strings.TrimPrefix(ext, ".")); ext != "unknown" {
		name += "." + strings.ToLower(ext)
	}
	return name
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
