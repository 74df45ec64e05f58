package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"tilestream/internal/config"
	"tilestream/internal/provider/file"
	"tilestream/internal/provider/mbtiles"
	"tilestream/internal/provider/ossstore"
	"tilestream/internal/provider/pyramid"
	"tilestream/internal/provider/redisstore"
	"tilestream/internal/provider/remote"
	"tilestream/internal/tile"
)

var ErrMissingSetting = errors.New("missing provider setting")

// Source is a configured tile provider together with the resources it holds.
type Source struct {
	tile.Provider
	closers []io.Closer
}

func (s *Source) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i].Close())
	}
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// New creates the provider selected by cfg.Type and wraps it, innermost
// first, with resampling, the circuit breaker and retries as configured.
func New(ctx context.Context, cfg config.Provider, tileSize int, log *zap.Logger) (*Source, error) {
	base, closers, err := newBase(ctx, cfg, tileSize, log)
	if err != nil {
		return nil, err
	}

	p := base
	if cfg.Resample {
		log.Info("Resampling tiles", zap.Int("tile_size", tileSize))
		p = WithResample(p, tileSize)
	}
	if cfg.Breaker.Enabled {
		log.Info("Provider circuit breaker enabled",
			zap.Uint32("failure_threshold", cfg.Breaker.FailureThreshold),
			zap.Duration("open_timeout", cfg.Breaker.OpenTimeout),
		)
		p = WithBreaker(p, cfg.Type, cfg.Breaker.FailureThreshold, cfg.Breaker.OpenTimeout, log)
	}
	p = WithRetry(p, cfg.Retry.Attempts, cfg.Retry.Delay, log)

	return &Source{Provider: p, closers: closers}, nil
}

func newBase(ctx context.Context, cfg config.Provider, tileSize int, log *zap.Logger) (tile.Provider, []io.Closer, error) {
	switch cfg.Type {
	case "file":
		log.Info("Using file provider", zap.String("root", cfg.File.Root))
		p, err := file.New(cfg.File.Root, cfg.Extension, tileSize, log)
		return p, nil, err
	case "http":
		if cfg.HTTP.URLTemplate == "" {
			return nil, nil, fmt.Errorf("%w: http url template", ErrMissingSetting)
		}
		log.Info("Using http provider", zap.String("url_template", cfg.HTTP.URLTemplate))
		p, err := remote.New(remote.Options{
			Template:     cfg.HTTP.URLTemplate,
			UserAgent:    cfg.HTTP.UserAgent,
			Timeout:      cfg.HTTP.Timeout,
			MaxTileBytes: cfg.HTTP.MaxTileBytes,
		}, tileSize, log)
		return p, nil, err
	case "mbtiles":
		if cfg.MBTiles.Path == "" {
			return nil, nil, fmt.Errorf("%w: mbtiles path", ErrMissingSetting)
		}
		log.Info("Using mbtiles provider", zap.String("path", cfg.MBTiles.Path))
		s, err := mbtiles.Open(cfg.MBTiles.Path, tileSize, log)
		if err != nil {
			return nil, nil, err
		}
		return s, []io.Closer{s}, nil
	case "redis":
		log.Info("Using redis provider", zap.String("addr", cfg.Redis.Addr))
		s, err := redisstore.New(ctx, redisstore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
		}, tileSize, log)
		if err != nil {
			return nil, nil, err
		}
		return s, []io.Closer{s}, nil
	case "oss":
		if cfg.OSS.Endpoint == "" || cfg.OSS.Bucket == "" {
			return nil, nil, fmt.Errorf("%w: oss endpoint and bucket", ErrMissingSetting)
		}
		log.Info("Using oss provider", zap.String("bucket", cfg.OSS.Bucket))
		p, err := ossstore.New(ossstore.Options{
			Endpoint:        cfg.OSS.Endpoint,
			AccessKeyID:     cfg.OSS.AccessKeyID,
			AccessKeySecret: cfg.OSS.AccessKeySecret,
			Bucket:          cfg.OSS.Bucket,
			Prefix:          cfg.OSS.Prefix,
			Extension:       cfg.Extension,
		}, tileSize, log)
		return p, nil, err
	case "pyramid":
		if cfg.Pyramid.Image == "" {
			return nil, nil, fmt.Errorf("%w: pyramid image", ErrMissingSetting)
		}
		log.Info("Using pyramid provider", zap.String("image", cfg.Pyramid.Image))
		pyramid.Startup(cfg.Pyramid.VipsCacheMB, cfg.Pyramid.VipsWorkers, log)
		shutdown := closerFunc(func() error { pyramid.Shutdown(); return nil })
		p, err := pyramid.Open(cfg.Pyramid.Image, tileSize, cfg.Pyramid.Quality, log)
		if err != nil {
			shutdown.Close()
			return nil, nil, err
		}
		return p, []io.Closer{shutdown}, nil
	default:
		return nil, nil, fmt.Errorf("unknown provider type: %s (supported: file, http, mbtiles, redis, oss, pyramid)", cfg.Type)
	}
}
