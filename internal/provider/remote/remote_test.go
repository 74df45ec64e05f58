package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilestream/internal/tile"
)

func TestNew_Template(t *testing.T) {
	_, err := New(Options{Template: "https://example.com/{z}/{x}.png", Timeout: time.Second}, 256, nil)
	assert.ErrorIs(t, err, ErrBadTemplate)

	p, err := New(Options{Template: "https://example.com/{z}/{x}/{y}.png", Timeout: time.Second}, 256, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/15/3/9.png", p.URL(tile.NewKey(3, 9, 15)))
}

func TestFetch(t *testing.T) {
	var gotPath, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotUA = r.URL.Path, r.UserAgent()
		switch r.URL.Path {
		case "/14/1/2.png":
			w.Write([]byte("png-bytes"))
		case "/14/0/0.png":
			http.NotFound(w, r)
		case "/14/5/5.png":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	p, err := New(Options{Template: srv.URL + "/{z}/{x}/{y}.png", UserAgent: "tilestream-test", Timeout: time.Second}, 256, nil)
	require.NoError(t, err)
	ctx := context.Background()

	d, err := p.Fetch(ctx, tile.NewKey(1, 2, 14))
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), d.Bytes())
	assert.Equal(t, "/14/1/2.png", gotPath)
	assert.Equal(t, "tilestream-test", gotUA)

	_, err = p.Fetch(ctx, tile.NewKey(0, 0, 14))
	assert.ErrorIs(t, err, tile.ErrNotFound)

	_, err = p.Fetch(ctx, tile.NewKey(9, 9, 14))
	require.Error(t, err)
	assert.Equal(t, "upstream returned status 502", err.Error())

	_, err = p.Fetch(ctx, tile.NewKey(5, 5, 14))
	assert.Error(t, err)
}

func TestFetch_SizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/14/0/0":
			w.Write(make([]byte, 64))
		case "/14/1/0":
			w.Write(make([]byte, 65))
		case "/14/2/0":
			// Streamed without Content-Length.
			w.(http.Flusher).Flush()
			w.Write(make([]byte, 200))
		}
	}))
	defer srv.Close()

	p, err := New(Options{Template: srv.URL + "/{z}/{x}/{y}", MaxTileBytes: 64}, 256, nil)
	require.NoError(t, err)
	ctx := context.Background()

	d, err := p.Fetch(ctx, tile.NewKey(0, 0, 14))
	require.NoError(t, err)
	assert.Len(t, d.Bytes(), 64)

	_, err = p.Fetch(ctx, tile.NewKey(1, 0, 14))
	assert.ErrorIs(t, err, ErrTileTooLarge)

	_, err = p.Fetch(ctx, tile.NewKey(2, 0, 14))
	assert.ErrorIs(t, err, ErrTileTooLarge)
}

func TestFetch_HonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, err := New(Options{Template: srv.URL + "/{z}/{x}/{y}"}, 256, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Fetch(ctx, tile.NewKey(0, 0, 14))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
