package mbtiles

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilestream/internal/tile"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path, 256, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRow(t *testing.T) {
	assert.Equal(t, 0, Row(tile.NewKey(0, 0, 0)))
	assert.Equal(t, 3, Row(tile.NewKey(1, 0, 2)))
	assert.Equal(t, 0, Row(tile.NewKey(1, 3, 2)))
}

func TestPutFetch(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "tiles.mbtiles"))
	ctx := context.Background()
	key := tile.NewKey(4, 9, 14)

	_, err := s.Fetch(ctx, key)
	assert.ErrorIs(t, err, tile.ErrNotFound)

	require.NoError(t, s.Put(ctx, key, []byte("first")))
	require.NoError(t, s.Put(ctx, key, []byte("second")))

	d, err := s.Fetch(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), d.Bytes())
	assert.Equal(t, key, d.Key)
	assert.Equal(t, 256, s.TileSize())
}

func TestStoredInTMSOrder(t *testing.T) {
	s := openStore(t, filepath.Join(t.TempDir(), "tiles.mbtiles"))
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, tile.NewKey(0, 0, 1), []byte("top-left")))

	var row int
	require.NoError(t, s.db.QueryRow(`SELECT tile_row FROM tiles WHERE zoom_level = 1 AND tile_column = 0`).Scan(&row))
	assert.Equal(t, 1, row)
}

func TestLODFromMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiles.mbtiles")

	s := openStore(t, path)
	assert.Equal(t, tile.FullRange, s.LODRange())

	ctx := context.Background()
	require.NoError(t, s.SetMetadata(ctx, "minzoom", "12"))
	require.NoError(t, s.SetMetadata(ctx, "maxzoom", "18"))
	require.NoError(t, s.Close())

	reopened := openStore(t, path)
	assert.Equal(t, tile.LODRange{Min: 12, Max: 18}, reopened.LODRange())

	v, ok, err := reopened.Metadata(ctx, "maxzoom")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "18", v)
}

func TestInvalidMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiles.mbtiles")
	s := openStore(t, path)
	require.NoError(t, s.SetMetadata(context.Background(), "minzoom", "low"))
	require.NoError(t, s.Close())

	_, err := Open(path, 256, nil)
	assert.Error(t, err)
}

func TestParseTilePath(t *testing.T) {
	k, ok := parseTilePath(filepath.Join("15", "3", "7.png"), "png")
	assert.True(t, ok)
	assert.Equal(t, tile.NewKey(3, 7, 15), k)

	for _, rel := range []string{
		filepath.Join("15", "3", "7.jpg"),
		filepath.Join("15", "7.png"),
		filepath.Join("a", "3", "7.png"),
		filepath.Join("29", "3", "7.png"),
		filepath.Join("15", "3", "-7.png"),
	} {
		_, ok := parseTilePath(rel, "png")
		assert.False(t, ok, rel)
	}
}

func TestImportDir(t *testing.T) {
	root := t.TempDir()
	write := func(rel, body string) {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	write("14/1/2.png", "a")
	write("16/5/6.png", "b")
	write("16/5/notes.txt", "skip")

	s := openStore(t, filepath.Join(t.TempDir(), "tiles.mbtiles"))
	ctx := context.Background()

	n, err := s.ImportDir(ctx, root, "png")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, tile.LODRange{Min: 14, Max: 16}, s.LODRange())

	d, err := s.Fetch(ctx, tile.NewKey(5, 6, 16))
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), d.Bytes())

	format, ok, err := s.Metadata(ctx, "format")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "png", format)
}
