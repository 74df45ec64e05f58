package mbtiles

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"tilestream/internal/tile"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store serves tiles from an MBTiles archive. Rows are addressed in TMS order,
// so the y coordinate is flipped on the way in and out.
type Store struct {
	db       *sql.DB
	lod      tile.LODRange
	tileSize int
	logger   *zap.Logger
}

func Open(path string, tileSize int, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open mbtiles: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open mbtiles: %w", err)
	}

	s := &Store{
		db:       db,
		tileSize: tileSize,
		logger:   logger,
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate mbtiles: %w", err)
	}

	lod, err := s.readLOD(context.Background())
	if err != nil {
		db.Close()
		return nil, err
	}
	s.lod = lod

	logger.Info("MBTiles archive opened", zap.String("path", path), zap.Stringer("lod", lod))

	return s, nil
}

func (s *Store) runMigrations() error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	return goose.Up(s.db, "migrations")
}

// readLOD takes the zoom window from the minzoom and maxzoom metadata rows,
// falling back to the full range when they are absent.
func (s *Store) readLOD(ctx context.Context) (tile.LODRange, error) {
	lod := tile.FullRange

	for name, dst := range map[string]*int{"minzoom": &lod.Min, "maxzoom": &lod.Max} {
		value, ok, err := s.Metadata(ctx, name)
		if err != nil {
			return lod, err
		}
		if !ok {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return lod, fmt.Errorf("invalid %s metadata %q: %w", name, value, err)
		}
		*dst = n
	}

	return lod.Intersect(tile.FullRange), nil
}

// Metadata returns a value from the metadata table.
func (s *Store) Metadata(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE name = ?`, name).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read metadata %s: %w", name, err)
	}
	return value, true, nil
}

func (s *Store) SetMetadata(ctx context.Context, name, value string) error {
	query := `INSERT INTO metadata (name, value)
	VALUES (?, ?)
	ON CONFLICT(name) DO UPDATE SET value = excluded.value`

	if _, err := s.db.ExecContext(ctx, query, name, value); err != nil {
		return fmt.Errorf("failed to write metadata %s: %w", name, err)
	}
	return nil
}

// Row converts an XYZ row to the TMS row stored in the archive.
func Row(key tile.Key) int {
	return (1 << key.Z) - 1 - key.Y
}

func (s *Store) Fetch(ctx context.Context, key tile.Key) (*tile.Data, error) {
	query := `SELECT tile_data
	FROM tiles
	WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`

	var data []byte
	err := s.db.QueryRowContext(ctx, query, key.Z, key.X, Row(key)).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", tile.ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read tile: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("mbtiles row for %s is empty", key)
	}

	return tile.NewData(key, data), nil
}

func (s *Store) Put(ctx context.Context, key tile.Key, data []byte) error {
	query := `INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(zoom_level, tile_column, tile_row) DO UPDATE SET tile_data = excluded.tile_data`

	if _, err := s.db.ExecContext(ctx, query, key.Z, key.X, Row(key), data); err != nil {
		return fmt.Errorf("failed to write tile: %w", err)
	}

	s.logger.Debug("Tile stored", zap.Stringer("key", key), zap.Int("size", len(data)))
	return nil
}

func (s *Store) LODRange() tile.LODRange {
	return s.lod
}

func (s *Store) TileSize() int {
	return s.tileSize
}

func (s *Store) Close() error {
	return s.db.Close()
}
