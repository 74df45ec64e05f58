package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilestream/internal/tile"
)

func TestNew_RequiresDirectory(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"), "png", 256, nil)
	assert.Error(t, err)

	f := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))
	_, err = New(f, "png", 256, nil)
	assert.Error(t, err)
}

func TestPutFetch(t *testing.T) {
	root := t.TempDir()
	p, err := New(root, "png", 256, nil)
	require.NoError(t, err)

	key := tile.NewKey(3, 7, 15)
	require.NoError(t, p.Put(key, []byte("tile-bytes")))
	assert.FileExists(t, filepath.Join(root, "15", "3", "7.png"))

	d, err := p.Fetch(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("tile-bytes"), d.Bytes())
	assert.EqualValues(t, 10, d.Size)
	assert.Equal(t, key, d.Key)

	require.NoError(t, p.Put(key, []byte("v2")))
	d, err = p.Fetch(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), d.Bytes())
	assert.NoFileExists(t, p.Path(key)+".tmp")
}

func TestFetch_Missing(t *testing.T) {
	p, err := New(t.TempDir(), "png", 256, nil)
	require.NoError(t, err)

	_, err = p.Fetch(context.Background(), tile.NewKey(1, 1, 14))
	assert.ErrorIs(t, err, tile.ErrNotFound)
}

func TestFetch_EmptyFileFails(t *testing.T) {
	p, err := New(t.TempDir(), "png", 256, nil)
	require.NoError(t, err)
	key := tile.NewKey(0, 0, 14)
	require.NoError(t, p.Put(key, nil))

	_, err = p.Fetch(context.Background(), key)
	require.Error(t, err)
	assert.NotErrorIs(t, err, tile.ErrNotFound)
}

func TestFetch_CancelledContext(t *testing.T) {
	p, err := New(t.TempDir(), "jpg", 512, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Fetch(ctx, tile.NewKey(0, 0, 14))
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 512, p.TileSize())
	assert.Equal(t, tile.FullRange, p.LODRange())
}
