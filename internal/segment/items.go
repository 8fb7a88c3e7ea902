package segment

import (
	"fmt"

	"workseg/internal/bucket"
)

// ValueType is the type of a stored item.
type ValueType string

const (
	TypeInt    ValueType = "int"
	TypeString ValueType = "string"
)

// ItemDefinition is the stored item a boundary comparison applies to.
type ItemDefinition struct {
	Path string
	Type ValueType
}

// ItemDefinitionProvider resolves item paths for a target object type.
type ItemDefinitionProvider interface {
	FindItem(targetType, path string) (ItemDefinition, error)
}

// StaticItems is an ItemDefinitionProvider backed by a fixed table keyed by
// target type and then by path.
type StaticItems map[string]map[string]ValueType

// FindItem implements ItemDefinitionProvider.
func (s StaticItems) FindItem(targetType, path string) (ItemDefinition, error) {
	items, ok := s[targetType]
	if !ok {
		return ItemDefinition{}, fmt.Errorf("unknown target type %q: %w", targetType, bucket.ErrInvalidBoundary)
	}
	t, ok := items[path]
	if !ok {
		return ItemDefinition{}, fmt.Errorf("no item %q on %s: %w", path, targetType, bucket.ErrInvalidBoundary)
	}
	return ItemDefinition{Path: path, Type: t}, nil
}
