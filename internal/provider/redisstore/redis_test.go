package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilestream/internal/tile"
)

func newStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	s, err := New(context.Background(), Options{Addr: mr.Addr(), TTL: ttl}, 256, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestKeyFor(t *testing.T) {
	assert.Equal(t, "tile:15:3:7", KeyFor(tile.NewKey(3, 7, 15)))
}

func TestFetch(t *testing.T) {
	s, mr := newStore(t, 0)
	ctx := context.Background()
	key := tile.NewKey(1, 2, 16)

	_, err := s.Fetch(ctx, key)
	assert.ErrorIs(t, err, tile.ErrNotFound)

	require.NoError(t, mr.Set("tile:16:1:2", "payload"))
	d, err := s.Fetch(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), d.Bytes())
	assert.EqualValues(t, 7, d.Size)
}

func TestPut_TTL(t *testing.T) {
	s, mr := newStore(t, time.Hour)
	ctx := context.Background()
	key := tile.NewKey(0, 0, 14)

	require.NoError(t, s.Put(ctx, key, []byte("abc")))
	assert.Equal(t, time.Hour, mr.TTL(KeyFor(key)))

	mr.FastForward(2 * time.Hour)
	_, err := s.Fetch(ctx, key)
	assert.ErrorIs(t, err, tile.ErrNotFound)
}

func TestFetch_ServerDown(t *testing.T) {
	s, mr := newStore(t, 0)
	mr.Close()

	_, err := s.Fetch(context.Background(), tile.NewKey(0, 0, 14))
	require.Error(t, err)
	assert.NotErrorIs(t, err, tile.ErrNotFound)
}

func TestNew_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), Options{Addr: addr}, 256, nil)
	assert.Error(t, err)
}
