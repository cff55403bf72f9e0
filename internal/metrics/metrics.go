// Package metrics holds the gateway's Prometheus collectors, exposed at
// GET /metrics (textual exposition), additive to the JSON API.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOnce sync.Once

	ActiveTokens = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wopan_token_pool_active_tokens",
		Help: "Number of tokens currently marked active in the pool.",
	})

	TokenRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wopan_token_pool_requests_total",
			Help: "Upstream calls reported back to the token pool, by result.",
		},
		[]string{"result"},
	)

	UploadBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wopan_upload_bytes_total",
		Help: "Total bytes sent across all completed upload chunks.",
	})

	UploadChunkRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wopan_upload_chunk_retries_total",
		Help: "Total chunk-upload retry attempts across all jobs.",
	})

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wopan_http_requests_total",
			Help: "Gateway HTTP requests by route, method and status.",
		},
		[]string{"route", "method", "status"},
	)
)

// Register installs every collector with the default Prometheus registry.
// Safe to call more than once.
func Register() {
	regOnce.Do(func() {
		prometheus.MustRegister(ActiveTokens, TokenRequests, UploadBytes, UploadChunkRetries, HTTPRequests)
	})
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
