package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(h *Handlers, tracing bool) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	if tracing {
		r.Use(TracingMiddleware())
	}
	r.Use(h.RequestLoggingMiddleware(), h.CORSMiddleware())

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.GET("/tiles/:z/:x/:y", h.Tile)
	v1.HEAD("/tiles/:z/:x/:y", h.Tile)
	v1.GET("/stats", h.Stats)
	v1.DELETE("/cache", h.ClearCache)
	v1.PUT("/cache/budget", h.SetBudget)

	return r
}
