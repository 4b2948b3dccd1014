package buffer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// buffer pool counters, labelled by instance index so that skew between
// shards of a parallel pool is visible
var (
	fetchHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uzudb",
		Subsystem: "buffer",
		Name:      "fetch_hits_total",
		Help:      "Fetches served from the page table.",
	}, []string{"instance"})

	fetchMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uzudb",
		Subsystem: "buffer",
		Name:      "fetch_misses_total",
		Help:      "Fetches that had to read the page from disk.",
	}, []string{"instance"})

	evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uzudb",
		Subsystem: "buffer",
		Name:      "evictions_total",
		Help:      "Frames reclaimed through the replacer.",
	}, []string{"instance"})

	writeBacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "uzudb",
		Subsystem: "buffer",
		Name:      "write_backs_total",
		Help:      "Dirty pages written to disk on eviction.",
	}, []string{"instance"})
)
