package http

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tilestream/internal/coordinator"
	"tilestream/internal/tile"
)

// TileService is the part of the coordinator the handlers use.
type TileService interface {
	Load(ctx context.Context, key tile.Key) (*tile.Data, error)
	Clear()
	SetBudget(budgetBytes int64) error
	Stats() coordinator.Stats
	TileSize() int
}

type Handlers struct {
	tiles         TileService
	logger        *zap.Logger
	contentType   string
	allowedOrigin string
}

func New(tiles TileService, extension, allowedOrigin string, logger *zap.Logger) *Handlers {
	contentType := mime.TypeByExtension("." + extension)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return &Handlers{
		tiles:         tiles,
		logger:        logger,
		contentType:   contentType,
		allowedOrigin: allowedOrigin,
	}
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// Tile serves GET and HEAD /api/v1/tiles/:z/:x/:y. The y segment may carry a
// file extension, which is ignored.
func (h *Handlers) Tile(c *gin.Context) {
	key, err := parseKey(c.Param("z"), c.Param("x"), c.Param("y"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, err := h.tiles.Load(c.Request.Context(), key)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Warn("Failed to load tile", zap.Stringer("key", key), zap.Int("status", status), zap.Error(err))
		}
		c.Error(err)
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	data := d.Bytes()
	etag := ETag(data)

	c.Header("ETag", etag)
	c.Header("Cache-Control", "public, max-age=86400")
	c.Header("X-Tile-Bytes", strconv.Itoa(len(data)))

	if etagMatches(c.GetHeader("If-None-Match"), etag) {
		c.Status(http.StatusNotModified)
		return
	}

	if c.Request.Method == http.MethodHead {
		c.Header("Content-Type", h.contentType)
		c.Header("Content-Length", strconv.Itoa(len(data)))
		c.Status(http.StatusOK)
		return
	}

	c.Data(http.StatusOK, h.contentType, data)
}

type statsResponse struct {
	coordinator.Stats
	UsedMB   float64 `json:"used_mb"`
	BudgetMB float64 `json:"budget_mb"`
	TileSize int     `json:"tile_size"`
}

func (h *Handlers) newStatsResponse() statsResponse {
	s := h.tiles.Stats()
	return statsResponse{
		Stats:    s,
		UsedMB:   float64(s.Cache.UsedBytes) / (1 << 20),
		BudgetMB: float64(s.Cache.BudgetBytes) / (1 << 20),
		TileSize: h.tiles.TileSize(),
	}
}

func (h *Handlers) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.newStatsResponse())
}

// ClearCache cancels pending tile requests and empties the cache.
func (h *Handlers) ClearCache(c *gin.Context) {
	h.tiles.Clear()
	h.logger.Info("Tile cache cleared", zap.String("request_id", c.GetString(requestIDKey)))
	c.JSON(http.StatusOK, h.newStatsResponse())
}

type budgetRequest struct {
	BudgetMB int64 `json:"budget_mb" binding:"required,min=32"`
}

// SetBudget resizes the tile cache. Shrinking evicts least recently used tiles.
func (h *Handlers) SetBudget(c *gin.Context) {
	var req budgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.tiles.SetBudget(req.BudgetMB << 20); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("Tile cache budget updated",
		zap.Int64("budget_mb", req.BudgetMB),
		zap.String("request_id", c.GetString(requestIDKey)),
	)
	c.JSON(http.StatusOK, h.newStatsResponse())
}

// ETag is a strong validator derived from the tile bytes.
func ETag(data []byte) string {
	return fmt.Sprintf(`"%016x"`, xxhash.Sum64(data))
}

// etagMatches applies the weak comparison If-None-Match uses: any listed tag
// equal to etag once a W/ prefix is dropped, or *.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, v := range strings.Split(header, ",") {
		v = strings.TrimSpace(v)
		if v == "*" || strings.TrimPrefix(v, "W/") == etag {
			return true
		}
	}
	return false
}

func parseKey(zs, xs, ys string) (tile.Key, error) {
	ys = strings.TrimSuffix(ys, filepath.Ext(ys))

	z, err := strconv.Atoi(zs)
	if err != nil {
		return tile.Key{}, errors.New("z should be integer")
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return tile.Key{}, errors.New("x should be integer")
	}
	y, err := strconv.Atoi(ys)
	if err != nil {
		return tile.Key{}, errors.New("y should be integer")
	}
	if z < 0 || x < 0 || y < 0 {
		return tile.Key{}, errors.New("coordinates must be non-negative")
	}

	return tile.NewKey(x, y, z), nil
}

// statusClientClosedRequest is reported when the client goes away before the
// tile is ready.
const statusClientClosedRequest = 499

func statusFor(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	case errors.Is(err, tile.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, tile.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tile.ErrCancelled), errors.Is(err, tile.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
