package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"tilestream/internal/tile"
)

// DefaultMaxTileBytes bounds an upstream response when Options.MaxTileBytes is zero.
const DefaultMaxTileBytes = 4 << 20

var (
	ErrBadTemplate  = errors.New("url template must contain {z}, {x} and {y}")
	ErrTileTooLarge = errors.New("upstream tile exceeds size limit")
)

type Options struct {
	Template     string
	UserAgent    string
	Timeout      time.Duration
	MaxTileBytes int64
}

// Provider fetches tiles from an upstream XYZ tile server.
type Provider struct {
	template   string
	userAgent  string
	maxBytes   int64
	tileSize   int
	httpClient *http.Client
	logger     *zap.Logger
}

func New(opts Options, tileSize int, logger *zap.Logger) (*Provider, error) {
	for _, p := range []string{"{z}", "{x}", "{y}"} {
		if !strings.Contains(opts.Template, p) {
			return nil, fmt.Errorf("%w: %q", ErrBadTemplate, opts.Template)
		}
	}
	if opts.MaxTileBytes <= 0 {
		opts.MaxTileBytes = DefaultMaxTileBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Provider{
		template:  opts.Template,
		userAgent: opts.UserAgent,
		maxBytes:  opts.MaxTileBytes,
		tileSize:  tileSize,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		logger: logger,
	}, nil
}

// URL expands the template for a key.
func (p *Provider) URL(key tile.Key) string {
	return strings.NewReplacer(
		"{z}", strconv.Itoa(key.Z),
		"{x}", strconv.Itoa(key.X),
		"{y}", strconv.Itoa(key.Y),
	).Replace(p.template)
}

func (p *Provider) Fetch(ctx context.Context, key tile.Key) (*tile.Data, error) {
	upstreamURL := p.URL(key)
	p.logger.Debug("Fetching from upstream", zap.String("url", upstreamURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstreamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tile from upstream: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", tile.ErrNotFound, upstreamURL)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	if resp.ContentLength > p.maxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes for %s", ErrTileTooLarge, resp.ContentLength, p.maxBytes, key)
	}

	// One byte over the limit is enough to tell an oversized body apart.
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read tile data: %w", err)
	}
	if int64(len(data)) > p.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes for %s", ErrTileTooLarge, p.maxBytes, key)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("upstream returned an empty tile for %s", key)
	}

	return tile.NewData(key, data), nil
}

func (p *Provider) LODRange() tile.LODRange {
	return tile.FullRange
}

func (p *Provider) TileSize() int {
	return p.tileSize
}
