// Package metrics holds the Prometheus collectors shared by the block core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResolverFetches counts batch fetches per entity kind and outcome.
	ResolverFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blocks_resolver_fetch_total",
		Help: "Resolver batch fetches by entity kind and result",
	}, []string{"entity_type", "result"})

	// ResolverFetchDuration tracks one batch fetch.
	ResolverFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blocks_resolver_fetch_duration_seconds",
		Help:    "Resolver batch fetch duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"entity_type"})

	// ReferenceWarnings counts warnings attached during hydration.
	ReferenceWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blocks_reference_warnings_total",
		Help: "Reference warnings attached during hydration by kind",
	}, []string{"warning"})

	CommandsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blocks_commands_total",
		Help: "Commands applied by name and result",
	}, []string{"command", "result"})

	// EnvironmentSaves counts save attempts by outcome (saved, conflict, rejected, error).
	EnvironmentSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blocks_environment_saves_total",
		Help: "Environment save attempts by outcome",
	}, []string{"outcome"})

	GridFlushes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "blocks_grid_flush_events",
		Help:    "Raw grid events merged into one logical update",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bizdesk_http_requests_total",
		Help: "HTTP requests by method, route pattern and status",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bizdesk_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds by route pattern",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)
