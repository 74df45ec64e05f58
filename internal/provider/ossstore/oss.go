package ossstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"go.uber.org/zap"

	"tilestream/internal/tile"
)

type Options struct {
	Endpoint        string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	// Prefix is prepended to every object key, e.g. "basemap/v2".
	Prefix string
	// Extension is the tile file suffix without the dot.
	Extension string
}

// bucket is the part of *oss.Bucket the store uses.
type bucket interface {
	GetObject(objectKey string, options ...oss.Option) (io.ReadCloser, error)
	PutObject(objectKey string, reader io.Reader, options ...oss.Option) error
}

// Store serves tiles from an Aliyun OSS bucket laid out as {prefix}/{z}/{x}/{y}.{ext}.
type Store struct {
	bucket   bucket
	prefix   string
	ext      string
	tileSize int
	logger   *zap.Logger
}

func New(opts Options, tileSize int, logger *zap.Logger) (*Store, error) {
	client, err := oss.New(opts.Endpoint, opts.AccessKeyID, opts.AccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create OSS client: %w", err)
	}

	b, err := client.Bucket(opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to get bucket %s: %w", opts.Bucket, err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("OSS tile store configured",
		zap.String("endpoint", opts.Endpoint),
		zap.String("bucket", opts.Bucket),
		zap.String("prefix", opts.Prefix),
	)

	return newWithBucket(b, opts, tileSize, logger), nil
}

func newWithBucket(b bucket, opts Options, tileSize int, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		bucket:   b,
		prefix:   opts.Prefix,
		ext:      opts.Extension,
		tileSize: tileSize,
		logger:   logger,
	}
}

// ObjectKey returns the object a tile is stored under.
func (s *Store) ObjectKey(key tile.Key) string {
	return path.Join(s.prefix, strconv.Itoa(key.Z), strconv.Itoa(key.X), strconv.Itoa(key.Y)+"."+s.ext)
}

func (s *Store) Fetch(ctx context.Context, key tile.Key) (*tile.Data, error) {
	objectKey := s.ObjectKey(key)

	body, err := s.bucket.GetObject(objectKey, oss.WithContext(ctx))
	if err != nil {
		var serr oss.ServiceError
		if errors.As(err, &serr) && serr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", tile.ErrNotFound, objectKey)
		}
		return nil, fmt.Errorf("failed to get object %s: %w", objectKey, err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", objectKey, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("object %s is empty", objectKey)
	}

	return tile.NewData(key, data), nil
}

func (s *Store) Put(ctx context.Context, key tile.Key, data []byte) error {
	objectKey := s.ObjectKey(key)
	if err := s.bucket.PutObject(objectKey, bytes.NewReader(data), oss.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to upload object %s: %w", objectKey, err)
	}
	s.logger.Debug("Tile uploaded", zap.String("object", objectKey), zap.Int("size", len(data)))
	return nil
}

func (s *Store) LODRange() tile.LODRange {
	return tile.FullRange
}

func (s *Store) TileSize() int {
	return s.tileSize
}
