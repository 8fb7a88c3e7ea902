package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"workseg/internal/storage"
)

// manifestEntry is one line of the manifest file.
type manifestEntry struct {
	Bucket int64  `json:"bucket"`
	Key    string `json:"key"`
	Size   int64  `json:"size"`
	ETag   string `json:"etag"`
}

// Manifest appends every object found inside a bucket to a JSON lines file.
// A bucket retried after a release can appear more than once.
type Manifest struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	enc  *json.Encoder
}

// NewManifest opens path for appending.
func NewManifest(path string) (*Manifest, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	w := bufio.NewWriter(f)
	return &Manifest{file: f, w: w, enc: json.NewEncoder(w)}, nil
}

// Visit implements worker.Visitor.
func (m *Manifest) Visit(_ context.Context, seq int64, obj storage.ObjectInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.enc.Encode(manifestEntry{Bucket: seq, Key: obj.Key, Size: obj.Size, ETag: obj.ETag})
}

// Close flushes and closes the file.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.w.Flush(); err != nil {
		m.file.Close()
		return err
	}
	return m.file.Close()
}
