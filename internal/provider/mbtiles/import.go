package mbtiles

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"tilestream/internal/tile"
)

// ImportDir copies every {z}/{x}/{y}.{ext} file under root into the archive
// and records the zoom window it saw in the metadata table. Files that do not
// follow the layout are skipped.
func (s *Store) ImportDir(ctx context.Context, root, ext string) (int, error) {
	count := 0
	lod := tile.LODRange{Min: tile.MaxLOD, Max: 0}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key, ok := parseTilePath(rel, ext)
		if !ok {
			s.logger.Debug("Skipping file outside the tile layout", zap.String("path", path))
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := s.Put(ctx, key, data); err != nil {
			return err
		}

		lod.Min = min(lod.Min, key.Z)
		lod.Max = max(lod.Max, key.Z)
		count++
		return nil
	})
	if err != nil {
		return count, err
	}

	if count > 0 {
		if err := s.SetMetadata(ctx, "minzoom", strconv.Itoa(lod.Min)); err != nil {
			return count, err
		}
		if err := s.SetMetadata(ctx, "maxzoom", strconv.Itoa(lod.Max)); err != nil {
			return count, err
		}
		if err := s.SetMetadata(ctx, "format", ext); err != nil {
			return count, err
		}
		s.lod = lod
	}

	s.logger.Info("Tiles imported", zap.String("root", root), zap.Int("count", count), zap.Stringer("lod", lod))
	return count, nil
}

func parseTilePath(rel, ext string) (tile.Key, bool) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return tile.Key{}, false
	}

	name, found := strings.CutSuffix(parts[2], "."+ext)
	if !found {
		return tile.Key{}, false
	}

	var nums [3]int
	for i, p := range []string{parts[0], parts[1], name} {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return tile.Key{}, false
		}
		nums[i] = n
	}

	key := tile.NewKey(nums[1], nums[2], nums[0])
	if !tile.FullRange.Contains(key.Z) {
		return tile.Key{}, false
	}
	return key, true
}
