package tile

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	k := NewKey(3, 5, 14)
	assert.Equal(t, "Tile(3,5,z14)", k.String())
	assert.Equal(t, "14/3/5", k.Path())

	m := map[Key]int{k: 1}
	assert.Equal(t, 1, m[Key{X: 3, Y: 5, Z: 14}])
}

func TestLODRange(t *testing.T) {
	r := LODRange{Min: 14, Max: 20}
	assert.True(t, r.Contains(14))
	assert.True(t, r.Contains(20))
	assert.False(t, r.Contains(13))
	assert.False(t, r.Contains(21))

	assert.Equal(t, LODRange{Min: 16, Max: 20}, r.Intersect(LODRange{Min: 16, Max: 24}))
	assert.True(t, r.Intersect(LODRange{Min: 0, Max: 10}).Empty())
}

func TestBytesPayload(t *testing.T) {
	p := NewBytes([]byte("abc"))
	assert.Equal(t, []byte("abc"), p.Bytes())
	assert.False(t, p.Released())

	p.Release()
	p.Release()
	assert.True(t, p.Released())
	assert.Nil(t, p.Bytes())
}

func TestNewData(t *testing.T) {
	d := NewData(NewKey(1, 2, 3), []byte("tile"))
	assert.EqualValues(t, 4, d.Size)
	assert.Equal(t, []byte("tile"), d.Bytes())
	assert.False(t, d.LoadedAt.IsZero())

	var nilData *Data
	assert.Nil(t, nilData.Bytes())
}

func TestProviderError(t *testing.T) {
	cause := fmt.Errorf("upstream returned status %d", 503)
	err := error(&ProviderError{Key: NewKey(1, 1, 1), Err: cause})

	assert.Equal(t, "upstream returned status 503", err.Error())
	assert.True(t, errors.Is(err, ErrProviderFailure))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrCancelled))

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, NewKey(1, 1, 1), pe.Key)
}

func TestSinks(t *testing.T) {
	var got error
	s := SinkFuncs{Failure: func(err error) { got = err }}
	s.OnSuccess(nil)
	s.OnFailure(ErrCancelled)
	assert.ErrorIs(t, got, ErrCancelled)

	ch := NewChanSink()
	ch.OnFailure(ErrClosed)
	res := <-ch
	assert.ErrorIs(t, res.Err, ErrClosed)
}

func TestDataView(t *testing.T) {
	d := NewData(NewKey(1, 2, 3), []byte("tile"))
	v := d.View()

	d.Payload.Release()
	assert.Nil(t, d.Bytes())
	assert.Equal(t, []byte("tile"), v.Bytes())
	assert.Equal(t, d.Key, v.Key)
	assert.Equal(t, d.Size, v.Size)

	var nilData *Data
	assert.Nil(t, nilData.View())
}
