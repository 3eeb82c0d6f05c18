package service

import (
	"context"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/kushsharma/parallel"
	"github.com/odpf/salt/log"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/odpf/kleidi/config"
	"github.com/odpf/kleidi/core/keybot"
	"github.com/odpf/kleidi/internal/errors"
)

const (
	MetadataType     = "kleidi_type"
	MetadataViewPath = "kleidi_view_path"

	TagType     = "KLEIDI_TYPE"
	TagViewPath = "KLEIDI_VIEW_PATH"

	defaultStorageTimeout = 30 * time.Second
	defaultListLimit      = 20
	defaultListTicket     = 50
)

type Bucket interface {
	List(opts *blob.ListOptions) *blob.ListIterator
	Attributes(ctx context.Context, key string) (*blob.Attributes, error)
	NewWriter(ctx context.Context, key string, opts *blob.WriterOptions) (*blob.Writer, error)
	Delete(ctx context.Context, key string) error
}

type UploadRequest struct {
	Path        string
	Type        keybot.ResourceType
	ViewPath    *string
	ContentType string
}

// ResourceService keeps the custom resources of services in a bucket, under
// a namespace per service
type ResourceService struct {
	l      log.Logger
	bucket Bucket
	conf   config.StorageConfig

	listings *cache.Cache
}

func (s *ResourceService) List(ctx context.Context, serviceID string) ([]keybot.CustomResource, error) {
	if s.conf.ListingCacheTTL > 0 {
		if cached, ok := s.listings.Get(serviceID); ok {
			return cached.([]keybot.CustomResource), nil
		}
	}

	spanCtx, span := otel.Tracer("keybot/resources").Start(ctx, "List")
	defer span.End()
	span.SetAttributes(attribute.String("service_id", serviceID))

	objects, err := s.listObjects(spanCtx, serviceID)
	if err != nil {
		return nil, err
	}

	type lookup struct {
		resource keybot.CustomResource
		err      error
	}

	runner := parallel.NewRunner(parallel.WithLimit(s.conf.ListConcurrency), parallel.WithTicket(s.conf.ListTicketPerSec))
	for _, obj := range objects {
		runner.Add(func(obj *blob.ListObject) func() (interface{}, error) {
			return func() (interface{}, error) {
				res, err := s.resolve(spanCtx, serviceID, obj)
				return lookup{resource: res, err: err}, nil
			}
		}(obj))
	}

	me := errors.NewMultiError("error while resolving resource attributes")
	resources := make([]keybot.CustomResource, 0, len(objects))
	for _, state := range runner.Run() {
		if state.Err != nil {
			me.Append(state.Err)
			continue
		}
		result := state.Val.(lookup)
		me.Append(result.err)
		resources = append(resources, result.resource)
	}
	if me.Len() > 0 {
		s.l.Warn("listing resources with defaults for failed lookups", "service_id", serviceID, "error", me)
	}

	sort.Slice(resources, func(i, j int) bool {
		return resources[i].Path < resources[j].Path
	})
	if s.conf.ListingCacheTTL > 0 {
		s.listings.SetDefault(serviceID, resources)
	}
	return resources, nil
}

func (s *ResourceService) listObjects(ctx context.Context, serviceID string) ([]*blob.ListObject, error) {
	ctx, cancel := context.WithTimeout(ctx, s.conf.CallTimeout)
	defer cancel()

	var objects []*blob.ListObject
	it := s.bucket.List(&blob.ListOptions{Prefix: keybot.NamespacePrefix(serviceID)})
	for {
		obj, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Infrastructure(keybot.EntityResource, "error fetching custom resources", err)
		}
		if obj.IsDir {
			continue
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

// resolve always returns a usable resource, a failed lookup falls back to a
// plain resource without view path
func (s *ResourceService) resolve(ctx context.Context, serviceID string, obj *blob.ListObject) (keybot.CustomResource, error) {
	path, fileName := keybot.ResourceFromKey(serviceID, obj.Key)
	res := keybot.CustomResource{
		Path:        path,
		FileName:    fileName,
		Type:        keybot.ResourceTypeResource,
		LastUpdated: obj.ModTime,
	}

	ctx, cancel := context.WithTimeout(ctx, s.conf.CallTimeout)
	defer cancel()

	attrs, err := s.bucket.Attributes(ctx, obj.Key)
	if err != nil {
		return res, errors.Infrastructure(keybot.EntityResource, "unable to read attributes of "+obj.Key, err)
	}

	if t, ok := attrs.Metadata[MetadataType]; ok {
		typ, err := keybot.ResourceTypeFrom(t)
		if err != nil {
			return res, err
		}
		res.Type = typ
	}
	if v, ok := attrs.Metadata[MetadataViewPath]; ok && v != "" {
		res.ViewPath = keybot.StringPtr(v)
	}
	if !attrs.ModTime.IsZero() {
		res.LastUpdated = attrs.ModTime
	}
	return res, nil
}

// Upload streams content into the namespace of the service and returns the
// location of the stored object
func (s *ResourceService) Upload(ctx context.Context, serviceID string, req UploadRequest, content io.Reader) (string, error) {
	key, err := keybot.ResourceKey(serviceID, req.Path)
	if err != nil {
		return "", err
	}
	if req.Type, err = keybot.ResourceTypeFrom(req.Type.String()); err != nil {
		return "", err
	}
	if content == nil {
		return "", errors.InvalidArgument(keybot.EntityResource, "file content is empty")
	}

	spanCtx, span := otel.Tracer("keybot/resources").Start(ctx, "Upload")
	defer span.End()
	span.SetAttributes(attribute.String("key", key))

	spanCtx, cancel := context.WithTimeout(spanCtx, s.conf.CallTimeout)
	defer cancel()

	metadata := map[string]string{MetadataType: req.Type.String()}
	tags := url.Values{TagType: []string{req.Type.String()}}
	if req.ViewPath != nil && *req.ViewPath != "" {
		metadata[MetadataViewPath] = *req.ViewPath
		tags.Set(TagViewPath, *req.ViewPath)
	}

	w, err := s.bucket.NewWriter(spanCtx, key, &blob.WriterOptions{
		ContentType: req.ContentType,
		Metadata:    metadata,
		BeforeWrite: func(asFunc func(interface{}) bool) error {
			var input *s3manager.UploadInput
			if asFunc(&input) {
				input.Tagging = aws.String(tags.Encode())
			}
			return nil
		},
	})
	if err != nil {
		return "", errors.Infrastructure(keybot.EntityResource, "unable to upload "+req.Path, err)
	}
	if _, err := io.Copy(w, content); err != nil {
		// cancelling before close aborts the write
		cancel()
		w.Close()
		return "", errors.Infrastructure(keybot.EntityResource, "unable to upload "+req.Path, err)
	}
	if err := w.Close(); err != nil {
		return "", errors.Infrastructure(keybot.EntityResource, "unable to upload "+req.Path, err)
	}

	s.listings.Delete(serviceID)
	return s.location(key), nil
}

// Delete removes a resource, removing a missing resource is not an error
func (s *ResourceService) Delete(ctx context.Context, serviceID, path string) error {
	key, err := keybot.ResourceKey(serviceID, path)
	if err != nil {
		return err
	}

	spanCtx, span := otel.Tracer("keybot/resources").Start(ctx, "Delete")
	defer span.End()

	spanCtx, cancel := context.WithTimeout(spanCtx, s.conf.CallTimeout)
	defer cancel()

	if err := s.bucket.Delete(spanCtx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return errors.Infrastructure(keybot.EntityResource, "unable to delete "+path, err)
	}
	s.listings.Delete(serviceID)
	return nil
}

func (s *ResourceService) location(key string) string {
	if s.conf.PublicBaseURL == "" {
		return key
	}
	return strings.TrimSuffix(s.conf.PublicBaseURL, "/") + "/" + key
}

func NewResourceService(l log.Logger, bucket Bucket, conf config.StorageConfig) *ResourceService {
	if conf.CallTimeout <= 0 {
		conf.CallTimeout = defaultStorageTimeout
	}
	if conf.ListConcurrency <= 0 {
		conf.ListConcurrency = defaultListLimit
	}
	if conf.ListTicketPerSec <= 0 {
		conf.ListTicketPerSec = defaultListTicket
	}
	ttl := conf.ListingCacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}

	return &ResourceService{
		l:        l,
		bucket:   bucket,
		conf:     conf,
		listings: cache.New(ttl, 2*ttl),
	}
}
