package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryClient is an in-process Client used for dry runs and tests.
type MemoryClient struct {
	mu      sync.RWMutex
	buckets map[string]map[string]ObjectInfo
}

// NewMemoryClient creates an empty in-memory client.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{buckets: make(map[string]map[string]ObjectInfo)}
}

// Put stores object metadata under bucket.
func (c *MemoryClient) Put(bucket string, objects ...ObjectInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buckets[bucket]
	if !ok {
		b = make(map[string]ObjectInfo)
		c.buckets[bucket] = b
	}
	for _, o := range objects {
		b[o.Key] = o
	}
}

// HeadObject implements Client.
func (c *MemoryClient) HeadObject(_ context.Context, bucket, key string) (ObjectInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	o, ok := c.buckets[bucket][key]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	return o, nil
}

// ListObjects implements Client.
func (c *MemoryClient) ListObjects(ctx context.Context, bucket string, opts ListOptions) (<-chan ObjectInfo, <-chan error) {
	c.mu.RLock()
	var objects []ObjectInfo
	for key, o := range c.buckets[bucket] {
		if strings.HasPrefix(key, opts.Prefix) && key > opts.StartAfter {
			objects = append(objects, o)
		}
	}
	c.mu.RUnlock()
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	objCh := make(chan ObjectInfo)
	errCh := make(chan error, 1)
	go func() {
		defer close(objCh)
		defer close(errCh)
		for _, o := range objects {
			select {
			case objCh <- o:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()
	return objCh, errCh
}
