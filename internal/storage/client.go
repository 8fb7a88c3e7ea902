package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrObjectNotFound is returned by HeadObject for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// Client defines the read-only S3 operations bucket processing needs
type Client interface {
	HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error)
	// ListObjects streams objects in ascending key order. The object channel
	// is closed when listing ends; a listing error is sent on the error
	// channel first.
	ListObjects(ctx context.Context, bucket string, opts ListOptions) (<-chan ObjectInfo, <-chan error)
}

// ListOptions narrows a listing
type ListOptions struct {
	Prefix string
	// StartAfter skips keys up to and including this one.
	StartAfter string
}

// ObjectInfo contains object metadata
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

// Attr exposes object attributes to filter evaluation. User metadata is
// addressed as "meta.<name>".
func (o ObjectInfo) Attr(path string) (any, bool) {
	switch path {
	case "key":
		return o.Key, true
	case "size":
		return o.Size, true
	case "etag":
		return o.ETag, true
	case "content_type":
		return o.ContentType, true
	case "last_modified":
		return o.LastModified.Unix(), true
	}
	if name, ok := strings.CutPrefix(path, "meta."); ok {
		v, ok := o.Metadata[name]
		return v, ok
	}
	return nil, false
}

// Config contains client configuration
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
}
