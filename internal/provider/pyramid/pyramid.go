package pyramid

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"tilestream/internal/tile"
)

// Background fills the part of an edge tile that lies outside the image (#ddd).
var Background = []float64{221, 221, 221}

// Startup initialises libvips and routes its warnings and errors to log.
// It must run once before any Provider is opened.
func Startup(maxCacheMB, concurrency int, log *zap.Logger) {
	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelWarning)

	vips.Startup(&vips.Config{
		ConcurrencyLevel: concurrency,
		MaxCacheMem:      maxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		VectorEnabled:    true,
	})

	log.Info("VIPS initialized", zap.Int("max_cache_mb", maxCacheMB), zap.Int("concurrency", concurrency))
}

func Shutdown() {
	vips.Shutdown()
}

// Provider renders tiles on demand from one large source image. Level 0 shows
// the whole image in one tile; every level below doubles the resolution until
// the deepest level maps one source pixel to one tile pixel.
type Provider struct {
	path     string
	width    int
	height   int
	bytes    int64
	maxZoom  int
	tileSize int
	quality  int
	logger   *zap.Logger
}

func Open(path string, tileSize, quality int, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat image: %w", err)
	}

	image, err := loadImage(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	width, height := image.Width(), image.Height()
	image.Close()

	p := &Provider{
		path:     path,
		width:    width,
		height:   height,
		bytes:    info.Size(),
		maxZoom:  MaxZoom(width, height, tileSize),
		tileSize: tileSize,
		quality:  quality,
		logger:   logger,
	}

	logger.Info("Source image opened",
		zap.String("path", path),
		zap.Int("width", width),
		zap.Int("height", height),
		zap.Int64("bytes", p.bytes),
		zap.Int("max_zoom", p.maxZoom),
	)

	return p, nil
}

// MaxZoom is the level at which one source pixel maps to one tile pixel.
func MaxZoom(width, height, tileSize int) int {
	maxDim := math.Max(float64(width), float64(height))
	scale := maxDim / float64(tileSize)
	maxZoom := int(math.Ceil(math.Log2(scale)))
	if maxZoom < 0 {
		return 0
	}
	return maxZoom
}

// Region is the source rectangle covered by a tile.
type Region struct {
	X, Y, Width, Height int
	// Scale shrinks the region to tile pixels.
	Scale float64
}

// TileRegion maps a key to its source rectangle, clamped to the image. It
// reports false for keys that fall entirely outside the image.
func TileRegion(key tile.Key, width, height, tileSize, maxZoom int) (Region, bool) {
	if key.Z < 0 || key.Z > maxZoom || key.X < 0 || key.Y < 0 {
		return Region{}, false
	}

	pixelsPerTile := float64(tileSize) * math.Pow(2, float64(maxZoom-key.Z))

	startX := int(float64(key.X) * pixelsPerTile)
	startY := int(float64(key.Y) * pixelsPerTile)
	endX := int(math.Min(float64(startX)+pixelsPerTile, float64(width)))
	endY := int(math.Min(float64(startY)+pixelsPerTile, float64(height)))

	if endX <= startX || endY <= startY {
		return Region{}, false
	}

	return Region{
		X:      startX,
		Y:      startY,
		Width:  endX - startX,
		Height: endY - startY,
		Scale:  float64(tileSize) / pixelsPerTile,
	}, true
}

func (p *Provider) Fetch(ctx context.Context, key tile.Key) (*tile.Data, error) {
	region, ok := TileRegion(key, p.width, p.height, p.tileSize, p.maxZoom)
	if !ok {
		return nil, fmt.Errorf("%w: %s lies outside the %dx%d image", tile.ErrNotFound, key, p.width, p.height)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	image, err := loadImage(p.path, true)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer image.Close()

	if err := image.ExtractArea(region.X, region.Y, region.Width, region.Height); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	resizeOpts := vips.DefaultResizeOptions()
	resizeOpts.Kernel = vips.KernelLanczos3
	if err := image.Resize(region.Scale, resizeOpts); err != nil {
		return nil, fmt.Errorf("failed to resize: %w", err)
	}

	// Edge tiles are padded at the bottom and right to keep the grid aligned.
	if image.Width() < p.tileSize || image.Height() < p.tileSize {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendBackground
		embedOpts.Background = Background
		if err := image.Embed(0, 0, p.tileSize, p.tileSize, embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	jpegOpts := vips.DefaultJpegsaveBufferOptions()
	jpegOpts.Q = p.quality
	jpegOpts.Interlace = false

	data, err := image.JpegsaveBuffer(jpegOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}

	return tile.NewData(key, data), nil
}

func (p *Provider) LODRange() tile.LODRange {
	return tile.LODRange{Min: 0, Max: p.maxZoom}
}

func (p *Provider) TileSize() int {
	return p.tileSize
}

// loadImage opens the source for sequential reads when only its header is
// needed, and for random access when tiles are cut from it.
func loadImage(path string, random bool) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))

	access := vips.AccessSequential
	if random {
		access = vips.AccessRandom
	}

	switch ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}
