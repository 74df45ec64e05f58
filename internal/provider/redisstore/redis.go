package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tilestream/internal/tile"
)

type Options struct {
	Addr     string
	Password string
	DB       int
	// TTL applies to tiles written through Put. Zero keeps them forever.
	TTL time.Duration
}

// Store serves tiles kept in Redis under tile:{z}:{x}:{y}.
type Store struct {
	client   *redis.Client
	ttl      time.Duration
	tileSize int
	logger   *zap.Logger
}

func New(ctx context.Context, opts Options, tileSize int, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis tile store connected", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))

	return &Store{
		client:   client,
		ttl:      opts.TTL,
		tileSize: tileSize,
		logger:   logger,
	}, nil
}

func KeyFor(key tile.Key) string {
	return fmt.Sprintf("tile:%d:%d:%d", key.Z, key.X, key.Y)
}

func (s *Store) Fetch(ctx context.Context, key tile.Key) (*tile.Data, error) {
	data, err := s.client.Get(ctx, KeyFor(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", tile.ErrNotFound, KeyFor(key))
		}
		return nil, fmt.Errorf("redis get error: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("redis value for %s is empty", KeyFor(key))
	}

	return tile.NewData(key, data), nil
}

func (s *Store) Put(ctx context.Context, key tile.Key, data []byte) error {
	if err := s.client.Set(ctx, KeyFor(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

func (s *Store) LODRange() tile.LODRange {
	return tile.FullRange
}

func (s *Store) TileSize() int {
	return s.tileSize
}

func (s *Store) Close() error {
	return s.client.Close()
}
