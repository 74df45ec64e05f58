package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcomes, as seen by the coordinator at admission time.
const (
	OutcomeHit        = "hit"
	OutcomeJoined     = "joined"
	OutcomeQueued     = "queued"
	OutcomeOutOfRange = "out_of_range"
	OutcomeClosed     = "closed"
)

// Load results.
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultDiscarded = "discarded"
)

var (
	TileRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilestream_requests_total",
		Help: "Total number of tile requests by admission outcome",
	}, []string{"outcome"})

	TileLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tilestream_loads_total",
		Help: "Total number of provider fetches by result",
	}, []string{"result"})

	FetchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tilestream_fetch_latency_seconds",
		Help:    "Latency of provider tile fetches in seconds",
		Buckets: prometheus.DefBuckets,
	})

	ActiveLoads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilestream_active_loads",
		Help: "Number of provider fetches currently running",
	})

	QueuedLoads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilestream_queued_loads",
		Help: "Number of keys waiting for a fetch slot",
	})

	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilestream_cache_evictions_total",
		Help: "Total number of tiles evicted to stay within the memory budget",
	})

	CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilestream_cache_bytes",
		Help: "Bytes currently held by the tile cache",
	})

	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tilestream_cache_entries",
		Help: "Number of tiles currently held by the tile cache",
	})

	ProviderRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tilestream_provider_retries_total",
		Help: "Total number of provider fetch retries",
	})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tilestream_provider_breaker_state",
		Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
	}, []string{"name"})
)
