package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/dunamismax/storyforge/internal/domain"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Bucket names one of the two logical object containers jobs write to.
type Bucket string

const (
	BucketAssets Bucket = "video-assets"
	BucketFinal  Bucket = "final-videos"
)

func Buckets() []Bucket {
	return []Bucket{BucketAssets, BucketFinal}
}

func ParseBucket(raw string) (Bucket, error) {
	b := Bucket(strings.TrimSpace(raw))
	switch b {
	case BucketAssets, BucketFinal:
		return b, nil
	}
	return "", fmt.Errorf("%w: unknown bucket %q", domain.ErrInvalidInput, raw)
}

type Config struct {
	Endpoint      string
	Access        string
	Secret        string
	UseSSL        bool
	PublicBaseURL string
	// AssetsBucket and FinalBucket override the physical bucket names.
	AssetsBucket   string
	FinalBucket    string
	MaxObjectBytes int64
}

type Client struct {
	minio      *minio.Client
	buckets    map[Bucket]string
	publicBase string
	maxBytes   int64
}

func NewClient(cfg Config) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	buckets := map[Bucket]string{
		BucketAssets: firstNonEmpty(cfg.AssetsBucket, string(BucketAssets)),
		BucketFinal:  firstNonEmpty(cfg.FinalBucket, string(BucketFinal)),
	}

	base := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = scheme + "://" + cfg.Endpoint
	}

	return &Client{
		minio:      mc,
		buckets:    buckets,
		publicBase: base,
		maxBytes:   cfg.MaxObjectBytes,
	}, nil
}

// BucketName returns the physical bucket backing b.
func (c *Client) BucketName(b Bucket) string {
	if name, ok := c.buckets[b]; ok {
		return name
	}
	return string(b)
}

// EnsureBuckets creates both buckets when missing and makes their objects
// anonymously readable so public URLs resolve.
func (c *Client) EnsureBuckets(ctx context.Context) error {
	for _, b := range Buckets() {
		name := c.BucketName(b)
		if err := c.ensureBucket(ctx, name); err != nil {
			return err
		}
		if err := c.minio.SetBucketPolicy(ctx, name, publicReadPolicy(name)); err != nil {
			return classify(fmt.Sprintf("set policy on bucket %s", name), err)
		}
	}
	return nil
}

func (c *Client) ensureBucket(ctx context.Context, name string) error {
	exists, err := c.minio.BucketExists(ctx, name)
	if err != nil {
		return classify("check bucket existence", err)
	}
	if exists {
		return nil
	}

	if err := c.minio.MakeBucket(ctx, name, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := c.minio.BucketExists(ctx, name)
		if checkErr == nil && exists {
			return nil
		}
		return classify("create bucket "+name, err)
	}
	return nil
}

// Ping checks that the object store answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.minio.BucketExists(ctx, c.BucketName(BucketAssets))
	return classify("ping object store", err)
}

// Upload stores data under key in bucket and returns the cleaned key.
// Existing objects are never overwritten: the put carries If-None-Match: *,
// so of two concurrent uploads to one key the store rejects the second.
func (c *Client) Upload(ctx context.Context, bucket Bucket, key string, data []byte) (string, error) {
	if _, err := ParseBucket(string(bucket)); err != nil {
		return "", err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	if c.maxBytes > 0 && int64(len(data)) > c.maxBytes {
		return "", fmt.Errorf("%w: object is %d bytes, limit is %d", domain.ErrInvalidInput, len(data), c.maxBytes)
	}

	exists, err := c.ObjectExists(ctx, bucket, cleanKey)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("put object %s/%s: %w: object already exists", bucket, cleanKey, domain.ErrConflict)
	}

	opts := minio.PutObjectOptions{ContentType: contentType(cleanKey, data)}
	opts.SetMatchETagExcept("*")

	name := c.BucketName(bucket)
	_, err = c.minio.PutObject(
		ctx,
		name,
		cleanKey,
		bytes.NewReader(data),
		int64(len(data)),
		opts,
	)
	if err != nil {
		return "", classify(fmt.Sprintf("put object %s/%s", bucket, cleanKey), err)
	}
	return cleanKey, nil
}

func (c *Client) ObjectExists(ctx context.Context, bucket Bucket, key string) (bool, error) {
	_, err := c.minio.StatObject(ctx, c.BucketName(bucket), key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject" {
		return false, nil
	}
	return false, classify(fmt.Sprintf("stat object %s/%s", bucket, key), err)
}

// PublicURL builds the anonymous URL of key in bucket. It does not check
// that the object exists.
func (c *Client) PublicURL(bucket Bucket, key string) string {
	return publicURL(c.publicBase, c.BucketName(bucket), key)
}

func publicURL(base, bucket, key string) string {
	key = strings.TrimLeft(strings.ReplaceAll(key, "\\", "/"), "/")
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return base + "/" + url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}

// sanitizeKey normalizes a key and rejects keys escaping the bucket root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: object key is required", domain.ErrInvalidInput)
	}
	key = strings.ReplaceAll(key, "\\", "/")
	for _, segment := range strings.Split(key, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: object key %q escapes the bucket", domain.ErrInvalidInput, key)
		}
	}
	cleaned := strings.TrimLeft(path.Clean("/"+key), "/")
	if cleaned == "" {
		return "", fmt.Errorf("%w: invalid object key %q", domain.ErrInvalidInput, key)
	}
	return cleaned, nil
}

func contentType(key string, data []byte) string {
	if ext := path.Ext(key); ext != "" {
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	return http.DetectContentType(data)
}

func publicReadPolicy(bucket string) string {
	return fmt.Sprintf(`{
  "Version": "2012-10-17",
  "Statement": [{
    "Effect": "Allow",
    "Principal": {"AWS": ["*"]},
    "Action": ["s3:GetObject"],
    "Resource": ["arn:aws:s3:::%s/*"]
  }]
}`, bucket)
}

// classify wraps err with the domain failure category of a minio error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchBucket", "NoSuchKey", "NoSuchObject":
		return fmt.Errorf("%s: %w: %w", op, domain.ErrNotFound, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AllAccessDisabled":
		return fmt.Errorf("%s: %w: %w", op, domain.ErrPermission, err)
	case "EntityTooLarge", "InvalidObjectName", "KeyTooLongError", "InvalidBucketName":
		return fmt.Errorf("%s: %w: %w", op, domain.ErrInvalidInput, err)
	case "BucketAlreadyOwnedByYou", "BucketAlreadyExists", "PreconditionFailed", "ConditionalRequestConflict":
		return fmt.Errorf("%s: %w: %w", op, domain.ErrConflict, err)
	}
	if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusBadGateway {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrUnavailable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
