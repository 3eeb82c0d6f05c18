package keybot

import (
	"path"
	"strings"
	"time"

	"github.com/odpf/kleidi/internal/errors"
)

type ResourceType string

const (
	ResourceTypeResource ResourceType = "RESOURCE"
	ResourceTypeView     ResourceType = "VIEW"

	resourceNamespace = "customResources"
)

func (r ResourceType) String() string {
	return string(r)
}

// ResourceTypeFrom defaults to RESOURCE for an empty value
func ResourceTypeFrom(s string) (ResourceType, error) {
	switch t := ResourceType(strings.ToUpper(strings.TrimSpace(s))); t {
	case "":
		return ResourceTypeResource, nil
	case ResourceTypeResource, ResourceTypeView:
		return t, nil
	}
	return "", errors.InvalidArgument(EntityResource, "unknown resource type "+s)
}

// CustomResource is a file owned by a service, rebuilt from the object store
type CustomResource struct {
	Path        string
	FileName    string
	Type        ResourceType
	ViewPath    *string
	LastUpdated time.Time
}

// NamespacePrefix is the object key prefix all resources of a service live under
func NamespacePrefix(serviceID string) string {
	return serviceID + "/" + resourceNamespace + "/"
}

// ResourceKey builds the object key for a path relative to the service namespace
func ResourceKey(serviceID, resourcePath string) (string, error) {
	cleaned, err := CleanResourcePath(resourcePath)
	if err != nil {
		return "", err
	}
	return NamespacePrefix(serviceID) + cleaned, nil
}

// CleanResourcePath normalises a relative path and rejects anything that
// would escape the service namespace
func CleanResourcePath(p string) (string, error) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return "", errors.InvalidArgument(EntityResource, "resource path is empty")
	}

	cleaned := strings.TrimPrefix(path.Clean("/"+p), "/")
	if cleaned == "" || cleaned == "." {
		return "", errors.InvalidArgument(EntityResource, "resource path is empty")
	}
	if cleaned != strings.TrimPrefix(p, "/") {
		return "", errors.InvalidArgument(EntityResource, "resource path is not clean: "+p)
	}
	return cleaned, nil
}

// ResourceFromKey splits an object key into the resource path and file name
func ResourceFromKey(serviceID, key string) (path, fileName string) {
	path = strings.TrimPrefix(key, NamespacePrefix(serviceID))
	fileName = key
	if idx := strings.LastIndex(key, "/"); idx >= 0 {
		fileName = key[idx+1:]
	}
	return path, fileName
}
