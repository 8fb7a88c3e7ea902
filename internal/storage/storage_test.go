package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestObjectInfo_Attr(t *testing.T) {
	o := ObjectInfo{
		Key:          "logs/a.txt",
		Size:         42,
		ETag:         "abc",
		ContentType:  "text/plain",
		LastModified: time.Unix(100, 0),
		Metadata:     map[string]string{"tenant": "acme"},
	}

	for path, want := range map[string]any{
		"key":           "logs/a.txt",
		"size":          int64(42),
		"etag":          "abc",
		"content_type":  "text/plain",
		"last_modified": int64(100),
		"meta.tenant":   "acme",
	} {
		got, ok := o.Attr(path)
		require.True(t, ok, path)
		require.Equal(t, want, got, path)
	}

	_, ok := o.Attr("meta.missing")
	require.False(t, ok)
	_, ok = o.Attr("owner")
	require.False(t, ok)
}

func TestMemoryClient(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryClient()
	c.Put("src",
		ObjectInfo{Key: "b/2"},
		ObjectInfo{Key: "a/1"},
		ObjectInfo{Key: "b/1"},
		ObjectInfo{Key: "c/1"},
	)

	list := func(opts ListOptions) []string {
		objCh, errCh := c.ListObjects(ctx, "src", opts)
		var keys []string
		for o := range objCh {
			keys = append(keys, o.Key)
		}
		require.NoError(t, <-errCh)
		return keys
	}

	require.Equal(t, []string{"a/1", "b/1", "b/2", "c/1"}, list(ListOptions{}))
	require.Equal(t, []string{"b/1", "b/2"}, list(ListOptions{Prefix: "b/"}))
	require.Equal(t, []string{"b/2", "c/1"}, list(ListOptions{StartAfter: "b/1"}))

	info, err := c.HeadObject(ctx, "src", "a/1")
	require.NoError(t, err)
	require.Equal(t, "a/1", info.Key)

	_, err = c.HeadObject(ctx, "src", "zzz")
	require.ErrorIs(t, err, ErrObjectNotFound)
}

func TestCleanEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "localhost:9000", want: "localhost:9000"},
		{in: "http://localhost:9000", want: "localhost:9000"},
		{in: "https://s3.example.com/", want: "s3.example.com"},
		{in: "https://s3.example.com/bucket", wantErr: true},
		{in: "localhost:9000/bucket", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := cleanEndpoint(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got)
	}
}
