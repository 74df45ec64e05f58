package ossstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilestream/internal/tile"
)

type memBucket struct {
	objects map[string][]byte
	err     error
}

func (b *memBucket) GetObject(objectKey string, _ ...oss.Option) (io.ReadCloser, error) {
	if b.err != nil {
		return nil, b.err
	}
	data, ok := b.objects[objectKey]
	if !ok {
		return nil, oss.ServiceError{Code: "NoSuchKey", StatusCode: http.StatusNotFound}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *memBucket) PutObject(objectKey string, reader io.Reader, _ ...oss.Option) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	b.objects[objectKey] = data
	return nil
}

func TestObjectKey(t *testing.T) {
	s := newWithBucket(&memBucket{}, Options{Prefix: "basemap/v2", Extension: "png"}, 256, nil)
	assert.Equal(t, "basemap/v2/15/3/7.png", s.ObjectKey(tile.NewKey(3, 7, 15)))

	s = newWithBucket(&memBucket{}, Options{Extension: "jpg"}, 256, nil)
	assert.Equal(t, "15/3/7.jpg", s.ObjectKey(tile.NewKey(3, 7, 15)))
}

func TestPutFetch(t *testing.T) {
	b := &memBucket{objects: map[string][]byte{}}
	s := newWithBucket(b, Options{Prefix: "tiles", Extension: "png"}, 256, nil)
	ctx := context.Background()
	key := tile.NewKey(1, 2, 14)

	_, err := s.Fetch(ctx, key)
	assert.ErrorIs(t, err, tile.ErrNotFound)

	require.NoError(t, s.Put(ctx, key, []byte("object-bytes")))
	assert.Contains(t, b.objects, "tiles/14/1/2.png")

	d, err := s.Fetch(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("object-bytes"), d.Bytes())
}

func TestFetch_ServiceFailure(t *testing.T) {
	b := &memBucket{err: errors.New("connection reset")}
	s := newWithBucket(b, Options{Extension: "png"}, 256, nil)

	_, err := s.Fetch(context.Background(), tile.NewKey(0, 0, 14))
	require.Error(t, err)
	assert.NotErrorIs(t, err, tile.ErrNotFound)
}
