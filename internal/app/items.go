package app

import (
	"fmt"
	"strings"

	"workseg/internal/bucket"
	"workseg/internal/segment"
)

// objectAttrs are the attributes storage.ObjectInfo exposes to filters.
var objectAttrs = map[string]segment.ValueType{
	"key":           segment.TypeString,
	"size":          segment.TypeInt,
	"etag":          segment.TypeString,
	"content_type":  segment.TypeString,
	"last_modified": segment.TypeInt,
}

// ObjectItems resolves item paths of S3 objects. User metadata is addressed
// as "meta.<name>" and compares as a string.
type ObjectItems struct{}

// FindItem implements segment.ItemDefinitionProvider.
func (ObjectItems) FindItem(targetType, path string) (segment.ItemDefinition, error) {
	if targetType != "object" {
		return segment.ItemDefinition{}, fmt.Errorf("unknown target type %q: %w", targetType, bucket.ErrInvalidBoundary)
	}
	if t, ok := objectAttrs[path]; ok {
		return segment.ItemDefinition{Path: path, Type: t}, nil
	}
	if name, ok := strings.CutPrefix(path, "meta."); ok && name != "" {
		return segment.ItemDefinition{Path: path, Type: segment.TypeString}, nil
	}
	return segment.ItemDefinition{}, fmt.Errorf("no object attribute %q: %w", path, bucket.ErrInvalidBoundary)
}
