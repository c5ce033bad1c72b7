// ABOUTME: Prometheus metrics for state store operations
// ABOUTME: Counters for store ops, cache lookups, and flush outcomes

package state

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botstate_store_operations_total",
		Help: "State store load/save operations by outcome.",
	}, []string{"op", "status"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botstate_cache_lookups_total",
		Help: "Cache lookups by result (hit or miss).",
	}, []string{"result"})

	flushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botstate_flush_total",
		Help: "Cache flush attempts by outcome.",
	}, []string{"status"})
)
