package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"tilestream/internal/tile"
)

// Provider reads pre-rendered tiles from a directory tree.
// Structure: {root}/{z}/{x}/{y}.{ext}
type Provider struct {
	root     string
	ext      string
	tileSize int
	logger   *zap.Logger
}

func New(root, ext string, tileSize int, logger *zap.Logger) (*Provider, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open tile directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("tile root %s is not a directory", root)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Provider{
		root:     root,
		ext:      ext,
		tileSize: tileSize,
		logger:   logger,
	}, nil
}

// Path returns the file a tile is read from.
func (p *Provider) Path(key tile.Key) string {
	return filepath.Join(p.root, strconv.Itoa(key.Z), strconv.Itoa(key.X), strconv.Itoa(key.Y)+"."+p.ext)
}

func (p *Provider) Fetch(ctx context.Context, key tile.Key) (*tile.Data, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := p.Path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", tile.ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read tile: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("tile file %s is empty", path)
	}

	return tile.NewData(key, data), nil
}

// Put stores a tile, replacing any previous file atomically.
func (p *Provider) Put(key tile.Key, data []byte) error {
	path := p.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create tile directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write tile: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to move tile into place: %w", err)
	}

	p.logger.Debug("Tile stored", zap.Stringer("key", key), zap.String("path", path))
	return nil
}

func (p *Provider) LODRange() tile.LODRange {
	return tile.FullRange
}

func (p *Provider) TileSize() int {
	return p.tileSize
}
