package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/odpf/salt/log"
	"github.com/stretchr/testify/assert"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/odpf/kleidi/config"
	"github.com/odpf/kleidi/core/keybot"
	"github.com/odpf/kleidi/core/keybot/service"
	kerrors "github.com/odpf/kleidi/internal/errors"
)

func TestResourceService(t *testing.T) {
	ctx := context.Background()
	logger := log.NewNoop()
	conf := config.StorageConfig{
		PublicBaseURL:    "https://kleidi-services.s3.amazonaws.com/",
		ListingCacheTTL:  time.Minute,
		CallTimeout:      time.Second,
		ListConcurrency:  4,
		ListTicketPerSec: 100,
	}

	t.Run("Upload", func(t *testing.T) {
		t.Run("stores the object under the service namespace with its type", func(t *testing.T) {
			bucket := memblob.OpenBucket(nil)
			defer bucket.Close()
			resources := service.NewResourceService(logger, bucket, conf)

			location, err := resources.Upload(ctx, "svc-1", service.UploadRequest{
				Path:     "views/index.html",
				Type:     "view",
				ViewPath: keybot.StringPtr("/home"),
			}, strings.NewReader("<html></html>"))

			assert.Nil(t, err)
			assert.Equal(t, "https://kleidi-services.s3.amazonaws.com/svc-1/customResources/views/index.html", location)

			attrs, err := bucket.Attributes(ctx, "svc-1/customResources/views/index.html")
			assert.Nil(t, err)
			assert.Equal(t, "VIEW", attrs.Metadata[service.MetadataType])
			assert.Equal(t, "/home", attrs.Metadata[service.MetadataViewPath])
		})
		t.Run("rejects a path escaping the namespace", func(t *testing.T) {
			bucket := memblob.OpenBucket(nil)
			defer bucket.Close()
			resources := service.NewResourceService(logger, bucket, conf)

			_, err := resources.Upload(ctx, "svc-1", service.UploadRequest{Path: "../svc-2/file.txt"}, strings.NewReader("x"))

			assert.True(t, kerrors.IsErrorType(err, kerrors.ErrInvalidArgument))
		})
		t.Run("rejects an unknown type", func(t *testing.T) {
			bucket := memblob.OpenBucket(nil)
			defer bucket.Close()
			resources := service.NewResourceService(logger, bucket, conf)

			_, err := resources.Upload(ctx, "svc-1", service.UploadRequest{Path: "a.txt", Type: "script"}, strings.NewReader("x"))

			assert.True(t, kerrors.IsErrorType(err, kerrors.ErrInvalidArgument))
		})
	})

	t.Run("List", func(t *testing.T) {
		t.Run("rebuilds resources from the namespace", func(t *testing.T) {
			bucket := memblob.OpenBucket(nil)
			defer bucket.Close()
			resources := service.NewResourceService(logger, bucket, conf)

			_, err := resources.Upload(ctx, "svc-1", service.UploadRequest{Path: "views/index.html", Type: keybot.ResourceTypeView, ViewPath: keybot.StringPtr("/")}, strings.NewReader("a"))
			assert.Nil(t, err)
			_, err = resources.Upload(ctx, "svc-1", service.UploadRequest{Path: "config.json"}, strings.NewReader("b"))
			assert.Nil(t, err)
			_, err = resources.Upload(ctx, "svc-2", service.UploadRequest{Path: "other.json"}, strings.NewReader("c"))
			assert.Nil(t, err)

			list, err := resources.List(ctx, "svc-1")

			assert.Nil(t, err)
			assert.Len(t, list, 2)
			assert.Equal(t, "config.json", list[0].Path)
			assert.Equal(t, "config.json", list[0].FileName)
			assert.Equal(t, keybot.ResourceTypeResource, list[0].Type)
			assert.Nil(t, list[0].ViewPath)
			assert.Equal(t, "views/index.html", list[1].Path)
			assert.Equal(t, "index.html", list[1].FileName)
			assert.Equal(t, keybot.ResourceTypeView, list[1].Type)
			assert.Equal(t, "/", *list[1].ViewPath)
			assert.False(t, list[1].LastUpdated.IsZero())
		})
		t.Run("defaults resources whose attributes can not be read", func(t *testing.T) {
			bucket := memblob.OpenBucket(nil)
			defer bucket.Close()
			assert.Nil(t, bucket.WriteAll(ctx, "svc-1/customResources/a.html", []byte("a"), &blob.WriterOptions{
				Metadata: map[string]string{service.MetadataType: "VIEW"},
			}))
			assert.Nil(t, bucket.WriteAll(ctx, "svc-1/customResources/b.html", []byte("b"), &blob.WriterOptions{
				Metadata: map[string]string{service.MetadataType: "VIEW"},
			}))
			failing := &flakyBucket{Bucket: bucket, failKey: "svc-1/customResources/b.html"}
			resources := service.NewResourceService(logger, failing, conf)

			list, err := resources.List(ctx, "svc-1")

			assert.Nil(t, err)
			assert.Len(t, list, 2)
			assert.Equal(t, keybot.ResourceTypeView, list[0].Type)
			assert.Equal(t, "b.html", list[1].Path)
			assert.Equal(t, keybot.ResourceTypeResource, list[1].Type)
		})
		t.Run("serves the cached listing until the namespace changes", func(t *testing.T) {
			bucket := memblob.OpenBucket(nil)
			defer bucket.Close()
			resources := service.NewResourceService(logger, bucket, conf)

			_, err := resources.Upload(ctx, "svc-1", service.UploadRequest{Path: "a.txt"}, strings.NewReader("a"))
			assert.Nil(t, err)
			list, err := resources.List(ctx, "svc-1")
			assert.Nil(t, err)
			assert.Len(t, list, 1)

			assert.Nil(t, bucket.WriteAll(ctx, "svc-1/customResources/out-of-band.txt", []byte("x"), nil))
			list, err = resources.List(ctx, "svc-1")
			assert.Nil(t, err)
			assert.Len(t, list, 1)

			assert.Nil(t, resources.Delete(ctx, "svc-1", "a.txt"))
			list, err = resources.List(ctx, "svc-1")
			assert.Nil(t, err)
			assert.Len(t, list, 1)
			assert.Equal(t, "out-of-band.txt", list[0].Path)
		})
	})

	t.Run("Delete", func(t *testing.T) {
		t.Run("treats a missing object as deleted", func(t *testing.T) {
			bucket := memblob.OpenBucket(nil)
			defer bucket.Close()
			resources := service.NewResourceService(logger, bucket, conf)

			assert.Nil(t, resources.Delete(ctx, "svc-1", "missing.txt"))
		})
		t.Run("returns infrastructure error when the store fails", func(t *testing.T) {
			bucket := memblob.OpenBucket(nil)
			defer bucket.Close()
			failing := &flakyBucket{Bucket: bucket, failKey: "svc-1/customResources/a.txt"}
			resources := service.NewResourceService(logger, failing, conf)

			err := resources.Delete(ctx, "svc-1", "a.txt")

			assert.True(t, kerrors.IsErrorType(err, kerrors.ErrInfrastructure))
		})
	})
}

// flakyBucket fails every attribute lookup and delete of failKey
type flakyBucket struct {
	*blob.Bucket
	failKey string
}

func (f *flakyBucket) Attributes(ctx context.Context, key string) (*blob.Attributes, error) {
	if key == f.failKey {
		return nil, errors.New("access denied")
	}
	return f.Bucket.Attributes(ctx, key)
}

func (f *flakyBucket) Delete(ctx context.Context, key string) error {
	if key == f.failKey {
		return errors.New("access denied")
	}
	return f.Bucket.Delete(ctx, key)
}
