package bucket

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/odpf/kleidi/internal/errors"
)

const (
	EntityRelease = "release"

	defaultReleaseTimeout = 30 * time.Second
)

// ReleaseVersion reads the version the latest keybot release artifact is tagged with
type ReleaseVersion struct {
	bucket     *blob.Bucket
	releaseKey string
	versionKey string
	timeout    time.Duration
}

func (r *ReleaseVersion) CurrentVersion(ctx context.Context) (string, error) {
	ctx, span := otel.Tracer("bucket/release").Start(ctx, "CurrentVersion")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	attrs, err := r.bucket.Attributes(ctx, r.releaseKey)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return "", errors.NotFound(EntityRelease, "no release found at "+r.releaseKey)
		}
		return "", errors.Infrastructure(EntityRelease, "unable to read release "+r.releaseKey, err)
	}

	version, ok := attrs.Metadata[r.versionKey]
	if !ok || version == "" {
		return "", errors.NotFound(EntityRelease, "release is not tagged with a version")
	}
	return version, nil
}

func NewReleaseVersion(bucket *blob.Bucket, releaseKey, versionKey string, timeout time.Duration) *ReleaseVersion {
	if timeout <= 0 {
		timeout = defaultReleaseTimeout
	}
	return &ReleaseVersion{
		bucket:     bucket,
		releaseKey: releaseKey,
		versionKey: versionKey,
		timeout:    timeout,
	}
}
