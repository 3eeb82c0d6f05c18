// Package bucket opens the object stores keybot resources and releases live in
package bucket

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"go.opentelemetry.io/otel"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/gcsblob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/blob/s3blob"
	"gocloud.dev/gcp"

	"github.com/odpf/kleidi/internal/errors"
)

const (
	EntityBucket = "bucket"

	regionParam = "region"
)

// Factory opens buckets from urls like s3://bucket/prefix?region=us-east-1,
// gs://bucket, file:///path or mem://
type Factory struct {
	sess *session.Session
}

func (f *Factory) New(ctx context.Context, rawURL string) (*blob.Bucket, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.InvalidArgument(EntityBucket, "unable to parse url "+rawURL)
	}

	var bucket *blob.Bucket
	switch parsedURL.Scheme {
	case "s3":
		bucket, err = f.s3Bucket(ctx, parsedURL)

	case "gs":
		bucket, err = f.gcsBucket(ctx, parsedURL)

	case "file":
		return fileblob.OpenBucket(parsedURL.Path, &fileblob.Options{
			CreateDir: true,
		})

	case "mem":
		return memblob.OpenBucket(nil), nil

	default:
		return nil, errors.InvalidArgument(EntityBucket, "unsupported storage config "+parsedURL.String())
	}
	if err != nil {
		return nil, err
	}
	return withPrefix(bucket, parsedURL.Path), nil
}

func (f *Factory) s3Bucket(ctx context.Context, parsedURL *url.URL) (*blob.Bucket, error) {
	_, span := otel.Tracer("bucket/factory").Start(ctx, "S3Bucket")
	defer span.End()

	sess := f.sess
	if sess == nil {
		var err error
		sess, err = session.NewSession()
		if err != nil {
			return nil, errors.Infrastructure(EntityBucket, "unable to create aws session", err)
		}
	}
	if region := parsedURL.Query().Get(regionParam); region != "" {
		sess = sess.Copy(aws.NewConfig().WithRegion(region))
	}

	bucket, err := s3blob.OpenBucket(ctx, sess, parsedURL.Host, nil)
	if err != nil {
		return nil, errors.Infrastructure(EntityBucket, "unable to open s3 bucket "+parsedURL.Host, err)
	}
	return bucket, nil
}

func (*Factory) gcsBucket(ctx context.Context, parsedURL *url.URL) (*blob.Bucket, error) {
	spanCtx, span := otel.Tracer("bucket/factory").Start(ctx, "GCSBucket")
	defer span.End()

	creds, err := gcp.DefaultCredentials(spanCtx)
	if err != nil {
		return nil, errors.Infrastructure(EntityBucket, "unable to find gcp credentials", err)
	}

	client, err := gcp.NewHTTPClient(gcp.DefaultTransport(), gcp.CredentialsTokenSource(creds))
	if err != nil {
		return nil, errors.Infrastructure(EntityBucket, "unable to create gcp client", err)
	}

	bucket, err := gcsblob.OpenBucket(spanCtx, client, parsedURL.Host, nil)
	if err != nil {
		return nil, errors.Infrastructure(EntityBucket, "unable to open gcs bucket "+parsedURL.Host, err)
	}
	return bucket, nil
}

func withPrefix(bucket *blob.Bucket, path string) *blob.Bucket {
	prefix := strings.Trim(path, "/\\")
	if prefix == "" {
		return bucket
	}
	return blob.PrefixedBucket(bucket, fmt.Sprintf("%s/", prefix))
}

// NewFactory uses sess for s3 buckets, a nil session falls back to the
// default aws credential chain
func NewFactory(sess *session.Session) *Factory {
	return &Factory{sess: sess}
}
